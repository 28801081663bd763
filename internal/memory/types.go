// Package memory implements the shared associative memory store: text,
// dense vector and metadata records with similarity queries, a durable
// pgvector index, per-record JSON spill and a retention compactor.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"
)

// ContentType classifies a memory record. The set is closed; emitters
// use the constants below so retrieval filters stay meaningful.
type ContentType string

const (
	ContentTradingSignal        ContentType = "trading_signal"
	ContentTradeExecution       ContentType = "trade_execution"
	ContentCoordinationDecision ContentType = "coordination_decision"
	ContentCoordinationOutcome  ContentType = "coordination_outcome"
	ContentLearningExperience   ContentType = "learning_experience"
	ContentRuleEvaluation       ContentType = "rule_evaluation"
	ContentRulePerformance      ContentType = "rule_performance"
	ContentTimingAnalysis       ContentType = "timing_analysis"
	ContentTimingOutcome        ContentType = "timing_outcome"
	ContentMarketAnalysis       ContentType = "market_analysis"
	ContentSystemMetrics        ContentType = "system_metrics"
	ContentDataTransfer         ContentType = "agent_data_transfer"
	ContentStatusUpdate         ContentType = "status_update"
	ContentAdaptiveRule         ContentType = "adaptive_rule"
	ContentHealthCheck          ContentType = "health_check"
	ContentErrorPattern         ContentType = "error_pattern"
	ContentStrategyPerformance  ContentType = "strategy_performance"
)

// Metadata keys every record carries. Type-specific fields are additive.
const (
	MetaContentType = "content_type"
	MetaSource      = "source"
	MetaImportance  = "importance_score"
	MetaCreatedAt   = "created_at"
)

// ErrStorageUnavailable is returned when neither the vector backend nor
// the local spill can accept a write. The record is still held in the
// in-process index so the process can keep making decisions.
var ErrStorageUnavailable = errors.New("memory: all storage backends unavailable")

// ErrNotFound is returned by id lookups that match nothing.
var ErrNotFound = errors.New("memory: record not found")

// Record is the atomic unit of associative memory. Records are
// append-only; an edit is a new record with a new id.
type Record struct {
	ID        string         `json:"id"`
	Text      string         `json:"text"`
	Vector    []float32      `json:"vector"`
	Metadata  map[string]any `json:"metadata"`
	CreatedAt time.Time      `json:"created_at"`
}

// ContentType returns the record's content_type metadata, or "" when absent.
func (r *Record) ContentType() ContentType {
	if s, ok := r.Metadata[MetaContentType].(string); ok {
		return ContentType(s)
	}
	return ""
}

// Source returns the emitting agent's name, or "" when absent.
func (r *Record) Source() string {
	if s, ok := r.Metadata[MetaSource].(string); ok {
		return s
	}
	return ""
}

// Importance returns the record's importance score, clamped to [0,1].
func (r *Record) Importance() float64 {
	v, ok := r.Metadata[MetaImportance]
	if !ok {
		return 0
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	default:
		return 0
	}
	return clamp01(f)
}

// ContentHash returns the hex SHA-256 of the record text. Used for
// idempotent bookkeeping rows.
func (r *Record) ContentHash() string {
	sum := sha256.Sum256([]byte(r.Text))
	return hex.EncodeToString(sum[:])
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
