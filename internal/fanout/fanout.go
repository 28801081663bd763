package fanout

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/pennyops/tradefabric/internal/ledger"
	"github.com/pennyops/tradefabric/internal/memory"
	"github.com/pennyops/tradefabric/internal/metrics"
)

const defaultFlushSize = 32

// RowWriter is the slice of the ledger the fan-out writes to.
type RowWriter interface {
	InsertSignal(ctx context.Context, sig *ledger.Signal) error
	InsertTrade(ctx context.Context, trade *ledger.Trade) error
	UpsertPosition(ctx context.Context, pos *ledger.Position) error
}

// Sender queues a payload for a named agent. Satisfied by the input
// router.
type Sender interface {
	Send(ctx context.Context, agent string, payload any) error
}

// Notification is the payload delivered to interested agents.
type Notification struct {
	Class      Class     `json:"class"`
	Source     string    `json:"source"`
	Symbol     string    `json:"symbol,omitempty"`
	Importance float64   `json:"importance"`
	Timestamp  time.Time `json:"timestamp"`
}

// Fanout ingests every agent emission. Rows go to the ledger, strategy
// and performance events to append-only logs, important events into
// memory, and interested agents get notified over the router.
type Fanout struct {
	store  *memory.Store
	rows   RowWriter
	sender Sender
	log    zerolog.Logger
	m      *metrics.FabricMetrics

	flushSize  int
	strategies *appender
	perfs      *appender
	agentsOut  *appender
}

// New creates a fan-out writing its append-only logs under dataDir.
// rows and sender may be nil; the corresponding steps are skipped.
func New(store *memory.Store, rows RowWriter, sender Sender, dataDir string, log zerolog.Logger) *Fanout {
	return &Fanout{
		store:      store,
		rows:       rows,
		sender:     sender,
		log:        log.With().Str("component", "output_fanout").Logger(),
		m:          metrics.Fabric(),
		flushSize:  defaultFlushSize,
		strategies: newAppender(filepath.Join(dataDir, "Generated_Strategies.jsonl")),
		perfs:      newAppender(filepath.Join(dataDir, "Performance_Metrics.jsonl")),
		agentsOut:  newAppender(filepath.Join(dataDir, "Agents.out")),
	}
}

// Process handles a batch of events. One bad event never blocks the
// rest of the batch; failures are logged and, for ledger writes,
// recorded as error_pattern memories so the emitter can retry next
// cycle.
func (f *Fanout) Process(ctx context.Context, events []*Event) {
	for _, ev := range events {
		f.processOne(ctx, ev)
	}
}

func (f *Fanout) processOne(ctx context.Context, ev *Event) {
	ev.ProcessedAt = time.Now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = ev.ProcessedAt
	}

	if !knownClasses[ev.Class] {
		f.log.Warn().Str("class", string(ev.Class)).Str("source", ev.Source).Msg("Unknown event class")
		ev.Class = ClassOther
	}

	f.m.FanoutEventsTotal.WithLabelValues(string(ev.Class)).Inc()

	switch ev.Class {
	case ClassSignal:
		f.writeSignalRow(ctx, ev)
	case ClassTrade:
		f.writeTradeRow(ctx, ev)
	case ClassPosition:
		f.writePositionRow(ctx, ev)
	case ClassStrategy:
		f.buffer(f.strategies, ev)
	case ClassPerformance:
		f.buffer(f.perfs, ev)
	case ClassError:
		f.handleError(ctx, ev)
	}

	f.buffer(f.agentsOut, ev)

	importance := Importance(ev)
	if importance >= 0.3 {
		f.memorize(ctx, ev, importance)
	}

	f.notify(ctx, ev, importance)
}

// RunFlusher drains the event buffers periodically until the context
// is cancelled, then flushes a final time.
func (f *Fanout) RunFlusher(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			f.FlushAll()
			return
		case <-ticker.C:
			f.FlushAll()
		}
	}
}

// FlushAll forces every buffer to disk.
func (f *Fanout) FlushAll() {
	for _, a := range []*appender{f.strategies, f.perfs, f.agentsOut} {
		if err := a.Flush(); err != nil {
			f.log.Error().Err(err).Str("path", a.path).Msg("Buffer flush failed")
		}
	}
}

func (f *Fanout) buffer(a *appender, ev *Event) {
	count, err := a.Append(ev)
	if err != nil {
		f.log.Error().Err(err).Str("class", string(ev.Class)).Msg("Failed to buffer event")
		return
	}
	if count >= f.flushSize {
		if err := a.Flush(); err != nil {
			f.log.Error().Err(err).Str("path", a.path).Msg("Buffer flush failed")
		}
	}
}

func (f *Fanout) writeSignalRow(ctx context.Context, ev *Event) {
	if f.rows == nil {
		return
	}
	sig := &ledger.Signal{
		Symbol:     ev.Symbol,
		Kind:       payloadString(ev.Payload, "signal_type", "generic"),
		Confidence: ev.Confidence,
		Price:      ev.Price,
		Volume:     ev.Volume,
		Timeframe:  payloadString(ev.Payload, "timeframe", ""),
		Indicators: payloadMap(ev.Payload, "indicators"),
		Metadata:   ev.Payload,
		CreatedAt:  ev.Timestamp,
	}
	if err := f.rows.InsertSignal(ctx, sig); err != nil {
		f.recordLedgerFailure(ctx, ev, err)
	}
}

func (f *Fanout) writeTradeRow(ctx context.Context, ev *Event) {
	if f.rows == nil {
		return
	}
	trade := &ledger.Trade{
		Symbol:       ev.Symbol,
		Side:         ledger.TradeSide(payloadString(ev.Payload, "side", string(ledger.TradeSideBuy))),
		Quantity:     payloadFloat(ev.Payload, "quantity"),
		Price:        ev.Price,
		PnL:          payloadFloat(ev.Payload, "pnl"),
		Fees:         payloadFloat(ev.Payload, "fees"),
		StrategyName: payloadString(ev.Payload, "strategy", ""),
		Status:       ledger.TradeStatus(payloadString(ev.Payload, "status", string(ledger.TradeStatusPending))),
		CreatedAt:    ev.Timestamp,
	}
	if sigID := payloadString(ev.Payload, "signal_id", ""); sigID != "" {
		trade.SignalID = &sigID
	}
	if err := f.rows.InsertTrade(ctx, trade); err != nil {
		f.recordLedgerFailure(ctx, ev, err)
	}
}

func (f *Fanout) writePositionRow(ctx context.Context, ev *Event) {
	if f.rows == nil {
		return
	}
	pos := &ledger.Position{
		Symbol:        ev.Symbol,
		Quantity:      payloadFloat(ev.Payload, "quantity"),
		AvgPrice:      payloadFloat(ev.Payload, "avg_price"),
		CurrentPrice:  ev.Price,
		UnrealizedPnL: payloadFloat(ev.Payload, "unrealized_pnl"),
		RealizedPnL:   payloadFloat(ev.Payload, "realized_pnl"),
	}
	if err := f.rows.UpsertPosition(ctx, pos); err != nil {
		f.recordLedgerFailure(ctx, ev, err)
	}
}

func (f *Fanout) recordLedgerFailure(ctx context.Context, ev *Event, cause error) {
	f.log.Error().Err(cause).Str("class", string(ev.Class)).Str("source", ev.Source).Msg("Ledger write failed")

	if _, err := f.store.Store(ctx,
		fmt.Sprintf("Ledger write failed for %s event from %s: %v", ev.Class, ev.Source, cause),
		map[string]any{
			memory.MetaContentType: string(memory.ContentErrorPattern),
			memory.MetaSource:      "agents_out",
			memory.MetaImportance:  0.6,
			"error_class":          "ledger_write_failed",
			"event_class":          string(ev.Class),
		},
	); err != nil {
		f.log.Warn().Err(err).Msg("Failed to record ledger failure")
	}
}

func (f *Fanout) handleError(ctx context.Context, ev *Event) {
	logEvent := f.log.Warn()
	if ev.Severity == SeverityCritical {
		logEvent = f.log.Error()
	}
	logEvent.
		Str("source", ev.Source).
		Str("severity", ev.Severity).
		Interface("payload", ev.Payload).
		Msg("Agent error event")

	if _, err := f.store.Store(ctx,
		fmt.Sprintf("Error from %s (severity %s): %s", ev.Source, ev.Severity, payloadString(ev.Payload, "message", "unknown")),
		map[string]any{
			memory.MetaContentType: string(memory.ContentErrorPattern),
			memory.MetaSource:      ev.Source,
			memory.MetaImportance:  Importance(ev),
			"severity":             ev.Severity,
		},
	); err != nil {
		f.log.Warn().Err(err).Msg("Failed to record error pattern")
	}
}

func (f *Fanout) memorize(ctx context.Context, ev *Event, importance float64) {
	meta := map[string]any{
		memory.MetaContentType: fmt.Sprintf("agent_log_%s", ev.Class),
		memory.MetaSource:      "agents_out",
		memory.MetaImportance:  importance,
		"event_class":          string(ev.Class),
		"emitting_agent":       ev.Source,
	}
	if ev.Symbol != "" {
		meta["symbol"] = ev.Symbol
	}

	if _, err := f.store.Store(ctx, describe(ev), meta); err != nil {
		f.log.Warn().Err(err).Str("class", string(ev.Class)).Msg("Failed to memorize event")
		return
	}
	f.m.FanoutMemoriesMade.Inc()
}

func (f *Fanout) notify(ctx context.Context, ev *Event, importance float64) {
	if f.sender == nil {
		return
	}
	note := Notification{
		Class:      ev.Class,
		Source:     ev.Source,
		Symbol:     ev.Symbol,
		Importance: importance,
		Timestamp:  ev.ProcessedAt,
	}
	for _, agent := range InterestedAgents(ev) {
		if err := f.sender.Send(ctx, agent, note); err != nil {
			f.log.Warn().Err(err).Str("agent", agent).Msg("Failed to notify agent")
			continue
		}
		f.m.FanoutNotifyTotal.Inc()
	}
}

// describe renders a concise per-class text used as the memory body.
func describe(ev *Event) string {
	switch ev.Class {
	case ClassSignal:
		return fmt.Sprintf("Signal from %s: %s %s at %.4f confidence %.2f",
			ev.Source, payloadString(ev.Payload, "signal_type", "generic"), ev.Symbol, ev.Price, ev.Confidence)
	case ClassTrade:
		return fmt.Sprintf("Trade from %s: %s %s %.2f at %.4f",
			ev.Source, payloadString(ev.Payload, "side", "buy"), ev.Symbol, payloadFloat(ev.Payload, "quantity"), ev.Price)
	case ClassPosition:
		return fmt.Sprintf("Position update from %s: %s quantity %.2f at %.4f",
			ev.Source, ev.Symbol, payloadFloat(ev.Payload, "quantity"), ev.Price)
	case ClassCoordination:
		return fmt.Sprintf("Coordination decision from %s: %s %s confidence %.2f",
			ev.Source, payloadString(ev.Payload, "action", "hold"), ev.Symbol, ev.Confidence)
	case ClassError:
		return fmt.Sprintf("Error from %s severity %s", ev.Source, ev.Severity)
	case ClassPerformance:
		return fmt.Sprintf("Performance report from %s", ev.Source)
	case ClassStrategy:
		return fmt.Sprintf("Strategy output from %s for %s", ev.Source, ev.Symbol)
	default:
		return fmt.Sprintf("%s event from %s", ev.Class, ev.Source)
	}
}

func payloadString(payload map[string]any, key, fallback string) string {
	if payload == nil {
		return fallback
	}
	if s, ok := payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}

func payloadFloat(payload map[string]any, key string) float64 {
	if payload == nil {
		return 0
	}
	switch n := payload[key].(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	}
	return 0
}

func payloadMap(payload map[string]any, key string) map[string]any {
	if payload == nil {
		return nil
	}
	if m, ok := payload[key].(map[string]any); ok {
		return m
	}
	return nil
}
