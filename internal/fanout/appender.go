package fanout

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// appender buffers JSON lines and flushes them to an append-only file.
// Flush writes the whole pending batch in one call, so a reader never
// observes a torn batch.
type appender struct {
	path string

	mu      sync.Mutex
	pending []byte
	count   int
}

func newAppender(path string) *appender {
	return &appender{path: path}
}

// Append queues one JSON line and reports the pending line count.
func (a *appender) Append(v any) (int, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event for %s: %w", a.path, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pending = append(a.pending, data...)
	a.pending = append(a.pending, '\n')
	a.count++
	return a.count, nil
}

// Flush writes all pending lines. A failed write keeps the batch for
// the next attempt.
func (a *appender) Flush() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.count == 0 {
		return nil
	}

	f, err := os.OpenFile(a.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", a.path, err)
	}
	defer f.Close()

	if _, err := f.Write(a.pending); err != nil {
		return fmt.Errorf("failed to append to %s: %w", a.path, err)
	}

	a.pending = nil
	a.count = 0
	return nil
}

// Pending returns the buffered line count.
func (a *appender) Pending() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.count
}
