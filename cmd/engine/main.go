// The trading fabric engine: wires the memory store, metadata ledger,
// message bus, and every agent together, then drives coordination
// cycles until shutdown.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/pennyops/tradefabric/internal/agents"
	"github.com/pennyops/tradefabric/internal/bus"
	"github.com/pennyops/tradefabric/internal/config"
	"github.com/pennyops/tradefabric/internal/coordinator"
	"github.com/pennyops/tradefabric/internal/fanout"
	"github.com/pennyops/tradefabric/internal/ledger"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
	"github.com/pennyops/tradefabric/internal/portfolio"
	"github.com/pennyops/tradefabric/internal/registry"
	"github.com/pennyops/tradefabric/internal/router"
	"github.com/pennyops/tradefabric/internal/rules"
	"github.com/pennyops/tradefabric/internal/runtime"
	"github.com/pennyops/tradefabric/internal/scraper"
	"github.com/pennyops/tradefabric/internal/strategy"
	"github.com/pennyops/tradefabric/internal/timing"
	"github.com/pennyops/tradefabric/internal/toolctl"
)

func main() {
	configPath := flag.String("config", "", "Path to config file")
	runOnce := flag.Bool("once", false, "Run a single coordination cycle and exit")
	healthOnly := flag.Bool("health", false, "Print a health report and exit")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *runOnce, *healthOnly); err != nil {
		log.Fatal().Err(err).Msg("Engine failed")
	}
}

func run(ctx context.Context, cfg *config.Config, runOnce, healthOnly bool) error {
	// Metadata ledger.
	led, err := ledger.New(ctx, cfg.Database.GetDSN(), cfg.Database.PoolSize, config.NewLogger("ledger"))
	if err != nil {
		return fmt.Errorf("connect ledger: %w", err)
	}
	defer led.Close()

	// Message bus.
	b, err := bus.Connect(cfg.NATS.URL, cfg.NATS.SubjectPrefix)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}
	defer b.Close()

	// Redis snapshot cache. Optional; the scraper treats a nil cache
	// as a permanent miss.
	var redisClient *redis.Client
	{
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		if err := client.Ping(pingCtx).Err(); err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, snapshot caching disabled")
		} else {
			redisClient = client
		}
		cancel()
	}

	// Shared memory store over pgvector, spilling to local disk.
	var backend memory.Backend
	if cfg.Memory.Backend == "pgvector" {
		backend = memory.NewPgBackend(led.Pool(), cfg.Memory.Embedding.Dimension)
	}
	store, err := memory.NewStore(memory.StoreConfig{
		Encoder:    memory.NewHashEncoder(cfg.Memory.Embedding.Dimension),
		Backend:    backend,
		Bookkeeper: led,
		SpillDir:   cfg.Memory.SpillDir,
		Retention: memory.RetentionPolicy{
			MaxRecords: cfg.Memory.Retention.MaxRecords,
			MaxAge:     cfg.Memory.Retention.MaxAge,
			MinAge:     cfg.Memory.Retention.MinAge,
			Interval:   cfg.Memory.Retention.Interval,
		},
		Logger: config.NewLogger("memory"),
	})
	if err != nil {
		return fmt.Errorf("build memory store: %w", err)
	}
	if n, err := store.Rebuild(ctx); err != nil {
		log.Warn().Err(err).Msg("Memory rebuild from spill failed")
	} else if n > 0 {
		log.Info().Int("records", n).Msg("Memory rebuilt from local spill")
	}
	go store.RunCompactor(ctx)

	// Routing fabric.
	rtr := router.New(store, b, config.NewLogger("router"))
	out := fanout.New(store, led, rtr, cfg.App.DataDir, config.NewLogger("fanout"))
	go out.RunFlusher(ctx, 30*time.Second)

	newBase := func(name, kind string, interval time.Duration) *agents.BaseAgent {
		return agents.NewBaseAgent(agents.Config{
			Name:         name,
			Kind:         kind,
			StepInterval: interval,
			Store:        store,
			Router:       rtr,
			Fanout:       out,
			Bus:          b,
			Logger:       config.NewAgentLogger(name, kind),
		})
	}

	watchlist := cfg.Agents.Watchlist

	// Market data scraper over the simulated source.
	cache := scraper.NewSnapshotCache(redisClient,
		time.Duration(cfg.Redis.CacheTTL)*time.Second, config.NewLogger("snapshot_cache"))
	scr := scraper.New(scraper.NewSimulator(), cache, 5)
	scraperAgent := scraper.NewAgent(newBase("scraper", "scraper", 30*time.Second), scr, led, watchlist)

	// Timing.
	clock, err := timing.NewClock(cfg.Agents.Timing)
	if err != nil {
		return fmt.Errorf("build market clock: %w", err)
	}
	timingAgent := timing.NewAgent(newBase("timing", "timing", time.Minute), clock)
	if err := timingAgent.Rehydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("Timing rehydration failed")
	}

	// Strategy.
	strategyAgent := strategy.NewAgent(
		newBase("strategy", "strategy", time.Minute),
		scraperAgent, led, watchlist,
		cfg.Agents.RiskManagement.MaxRiskPerTrade,
	)

	// Rules.
	rulesAgent := rules.NewAgent(newBase("rules", "rules", time.Minute))
	if err := rulesAgent.Rehydrate(ctx); err != nil {
		log.Warn().Err(err).Msg("Rule rehydration failed")
	}

	// Portfolio.
	portfolioAgent := portfolio.NewTracker(newBase("portfolio", "portfolio", time.Minute), led)

	// Tool control.
	toolAgent := toolctl.NewAgent(newBase("toolctl", "toolctl", 5*time.Minute))
	registerTools(toolAgent, cfg.Agents.ToolRegistry, scraperAgent)

	// Runtime.
	queue := runtime.NewQueue(cfg.Runtime.MaxConcurrentTasks, config.NewLogger("task_queue"))
	go queue.Run(ctx)
	runtimeAgent := runtime.NewAgent(newBase("runtime", "runtime", 5*time.Second), nil, queue)
	runtimeAgent.AddTrimmer(scraperAgent.TrimHistory)

	// Coordinator.
	coord, err := coordinator.New(
		newBase("coordinator", "coordinator", cfg.Agents.Scanner.ScanIntervalDuration()),
		coordinator.Config{
			Mode:         coordinator.Mode(cfg.Coordinator.Mode),
			Watchlist:    watchlist,
			Weights:      weightsOrDefault(cfg.Coordinator.AgentWeights),
			PhaseTimeout: cfg.Coordinator.PhaseTimeout,
			Strategy:     strategyAgent,
			Timing:       timingAgent,
			Rules:        rulesAgent,
		})
	if err != nil {
		return fmt.Errorf("build coordinator: %w", err)
	}

	// Registry.
	reg := registry.New(store, b, config.NewLogger("registry"))
	runtimeAgent.SetShedder(reg)
	registrations := []registry.Registration{
		{Base: scraperAgent.BaseAgent, Stepper: scraperAgent, LowPriority: true},
		{Base: timingAgent.BaseAgent, Stepper: timingAgent},
		{Base: strategyAgent.BaseAgent, Stepper: strategyAgent},
		{Base: rulesAgent.BaseAgent, Stepper: rulesAgent},
		{Base: portfolioAgent.BaseAgent, Stepper: portfolioAgent},
		{Base: toolAgent.BaseAgent, Stepper: toolAgent, LowPriority: true},
		{Base: runtimeAgent.BaseAgent, Stepper: runtimeAgent},
		{Base: coord.BaseAgent, Stepper: coord},
	}
	for _, r := range registrations {
		if err := reg.Register(r); err != nil {
			return fmt.Errorf("register agent: %w", err)
		}
	}
	if err := reg.SubscribeHeartbeats(); err != nil {
		return err
	}

	if healthOnly {
		report := reg.Evaluate()
		data, _ := json.MarshalIndent(report, "", "  ")
		fmt.Println(string(data))
		return nil
	}
	if runOnce {
		decisions, err := coord.ExecuteCycle(ctx)
		if err != nil {
			return err
		}
		for _, d := range decisions {
			log.Info().
				Str("symbol", d.Symbol).
				Str("action", d.Action).
				Float64("confidence", d.Confidence).
				Float64("size", d.PositionSize).
				Msg("Decision")
		}
		return nil
	}

	// Metrics endpoint.
	if cfg.Monitoring.EnableMetrics {
		srv := metrics.NewServer(cfg.Monitoring.PrometheusPort, config.NewLogger("metrics"))
		go func() {
			if err := srv.Start(); err != nil {
				log.Warn().Err(err).Msg("Metrics server stopped")
			}
		}()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := reg.StartAll(ctx); err != nil {
		return fmt.Errorf("start agents: %w", err)
	}
	go reg.Run(ctx)

	// Session-boundary jobs on the exchange clock.
	sched, err := sessionJobs(cfg, strategyAgent, portfolioAgent)
	if err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	log.Info().
		Str("mode", cfg.Coordinator.Mode).
		Strs("watchlist", watchlist).
		Msg("Engine running")
	<-ctx.Done()

	log.Info().Msg("Shutting down")
	stopCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := reg.StopAll(stopCtx); err != nil {
		log.Warn().Err(err).Msg("Agent shutdown incomplete")
	}
	out.FlushAll()
	return nil
}

// weightsOrDefault passes configured weights through, nil for the
// built-in defaults.
func weightsOrDefault(w map[string]float64) map[string]float64 {
	if len(w) == 0 {
		return nil
	}
	return w
}

// registerTools loads the YAML registry and binds the commands the
// engine knows how to execute.
func registerTools(agent *toolctl.Agent, path string, scraperAgent *scraper.Agent) {
	specs, err := toolctl.LoadSpecs(path)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("Tool registry not loaded")
		return
	}

	handlers := map[string]toolctl.Handler{
		"scraper.snapshot": func(ctx context.Context, params map[string]any) (any, error) {
			symbol, _ := params["symbol"].(string)
			if symbol == "" {
				return nil, fmt.Errorf("snapshot requires a symbol parameter")
			}
			return scraperAgent.Snapshot(ctx, symbol)
		},
	}

	for _, spec := range specs {
		handler, ok := handlers[spec.Command]
		if !ok {
			log.Warn().Str("tool", spec.Name).Str("command", spec.Command).Msg("No handler for tool command, skipping")
			continue
		}
		if err := agent.Register(spec, handler); err != nil {
			log.Warn().Err(err).Str("tool", spec.Name).Msg("Tool registration failed")
		}
	}
	if err := agent.Initialize(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Tool dependency check failed")
	}
}

// sessionJobs schedules market open and close work on the exchange
// timezone.
func sessionJobs(cfg *config.Config, strategyAgent *strategy.Agent, portfolioAgent *portfolio.Tracker) (*cron.Cron, error) {
	loc, err := time.LoadLocation(cfg.Agents.Timing.ExchangeTZName)
	if err != nil {
		return nil, fmt.Errorf("load exchange timezone: %w", err)
	}
	sched := cron.New(cron.WithLocation(loc))

	// Regular open: reset the day's VIX assumption until a feed
	// updates it.
	if _, err := sched.AddFunc("30 9 * * 1-5", func() {
		strategyAgent.SetVIX(20)
		log.Info().Msg("Regular session open")
	}); err != nil {
		return nil, err
	}

	// Regular close: log the day's P&L summary.
	if _, err := sched.AddFunc("0 16 * * 1-5", func() {
		summary := portfolioAgent.Summary()
		log.Info().
			Float64("realized", summary.Realized).
			Float64("unrealized", summary.Unrealized).
			Msg("Regular session close")
	}); err != nil {
		return nil, err
	}
	return sched, nil
}
