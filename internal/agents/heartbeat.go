package agents

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/bus"
)

// heartbeatInterval is how often an agent announces liveness. The
// registry marks an agent unhealthy after five minutes of silence, so
// this leaves plenty of margin.
const heartbeatInterval = 30 * time.Second

// HeartbeatMessage is the liveness payload published on the heartbeat
// topic.
type HeartbeatMessage struct {
	AgentName  string    `json:"agent_name"`
	AgentKind  string    `json:"agent_kind"`
	State      string    `json:"state"`
	ErrorCount int       `json:"error_count"`
	Timestamp  time.Time `json:"timestamp"`
}

// Heartbeat periodically publishes liveness for one agent.
type Heartbeat struct {
	name     string
	kind     string
	bus      *bus.Bus
	interval time.Duration
	log      zerolog.Logger

	running atomic.Bool
	stop    chan struct{}
	done    chan struct{}
}

// NewHeartbeat creates a stopped heartbeat publisher.
func NewHeartbeat(name, kind string, b *bus.Bus, log zerolog.Logger) *Heartbeat {
	return &Heartbeat{
		name:     name,
		kind:     kind,
		bus:      b,
		interval: heartbeatInterval,
		log:      log,
	}
}

// Start begins publishing. The snapshot callback supplies the current
// state and counters for each beat. Starting an already running
// heartbeat is a no-op.
func (h *Heartbeat) Start(ctx context.Context, snapshot func() (State, Performance)) {
	if !h.running.CompareAndSwap(false, true) {
		return
	}
	h.stop = make(chan struct{})
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		defer h.running.Store(false)

		// First beat immediately so the registry sees the agent
		// without waiting a full interval.
		h.publish(ctx, snapshot)

		ticker := time.NewTicker(h.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-h.stop:
				return
			case <-ticker.C:
				h.publish(ctx, snapshot)
			}
		}
	}()
}

// Stop halts publishing and waits for the loop to exit.
func (h *Heartbeat) Stop() {
	if !h.running.Load() {
		return
	}
	close(h.stop)
	<-h.done
}

// IsRunning reports whether the publish loop is live.
func (h *Heartbeat) IsRunning() bool {
	return h.running.Load()
}

// PublishNow emits one beat outside the regular cadence.
func (h *Heartbeat) PublishNow(ctx context.Context, state State, perf Performance) error {
	msg, err := bus.NewMessage(h.name, h.name, bus.TopicHeartbeat, HeartbeatMessage{
		AgentName:  h.name,
		AgentKind:  h.kind,
		State:      string(state),
		ErrorCount: perf.ErrorCount,
		Timestamp:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	return h.bus.Send(ctx, msg)
}

func (h *Heartbeat) publish(ctx context.Context, snapshot func() (State, Performance)) {
	state, perf := snapshot()
	if err := h.PublishNow(ctx, state, perf); err != nil {
		h.log.Warn().Err(err).Msg("Heartbeat publish failed")
	}
}
