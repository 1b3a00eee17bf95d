// Package logging wraps log/slog with a bounded in-memory history so an
// operator (or the metrics endpoint) can inspect the last N records a
// securegate process emitted without shipping them to an external sink.
package logging

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Record is a snapshot of one log line retained in the history ring.
type Record struct {
	Time    string         `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// historyHandler wraps an underlying slog.Handler (normally a JSON handler
// writing to stderr) and additionally retains the last historySize records
// in a mutex-guarded FIFO ring, independent of whatever the underlying
// handler does with them.
type historyHandler struct {
	next slog.Handler

	mu       sync.Mutex
	ring     []Record
	cap      int
	writeIdx int
	filled   bool
}

func newHistoryHandler(next slog.Handler, historySize int) *historyHandler {
	if historySize <= 0 {
		historySize = 100
	}
	return &historyHandler{next: next, ring: make([]Record, historySize), cap: historySize}
}

func (h *historyHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.next.Enabled(ctx, level)
}

func (h *historyHandler) Handle(ctx context.Context, r slog.Record) error {
	attrs := make(map[string]any, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		attrs[a.Key] = a.Value.Any()
		return true
	})

	rec := Record{
		Time:    r.Time.Format("2006-01-02T15:04:05.000Z07:00"),
		Level:   r.Level.String(),
		Message: r.Message,
	}
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}

	h.mu.Lock()
	h.ring[h.writeIdx] = rec
	h.writeIdx = (h.writeIdx + 1) % h.cap
	if h.writeIdx == 0 {
		h.filled = true
	}
	h.mu.Unlock()

	return h.next.Handle(ctx, r)
}

func (h *historyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &historyHandler{next: h.next.WithAttrs(attrs), ring: h.ring, cap: h.cap, mu: sync.Mutex{}, writeIdx: h.writeIdx, filled: h.filled}
}

func (h *historyHandler) WithGroup(name string) slog.Handler {
	return &historyHandler{next: h.next.WithGroup(name), ring: h.ring, cap: h.cap, mu: sync.Mutex{}, writeIdx: h.writeIdx, filled: h.filled}
}

// History returns the retained records in chronological order, oldest first.
func (h *historyHandler) History() []Record {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.filled {
		out := make([]Record, h.writeIdx)
		copy(out, h.ring[:h.writeIdx])
		return out
	}

	out := make([]Record, h.cap)
	copy(out, h.ring[h.writeIdx:])
	copy(out[h.cap-h.writeIdx:], h.ring[:h.writeIdx])
	return out
}

var (
	mu      sync.Mutex
	active  *historyHandler
	initted bool
)

// Init installs a JSON slog handler at the given level and wires it through
// a bounded-history ring of historySize records, then sets it as the process
// default logger. It is safe to call once at process startup.
func Init(level string, historySize int) {
	mu.Lock()
	defer mu.Unlock()

	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	base := slog.NewJSONHandler(os.Stderr, opts)
	active = newHistoryHandler(base, historySize)
	slog.SetDefault(slog.New(active))
	initted = true
}

// Shutdown flushes nothing (the handler writes synchronously) but resets
// package state so a subsequent Init starts from a clean history ring; it
// exists mainly so cmd/server can pair it with Init in a defer.
func Shutdown() {
	mu.Lock()
	defer mu.Unlock()
	active = nil
	initted = false
}

// History returns the records retained since the last Init, oldest first.
// It returns nil if Init has not been called.
func History() []Record {
	mu.Lock()
	h := active
	mu.Unlock()

	if h == nil {
		return nil
	}
	return h.History()
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
