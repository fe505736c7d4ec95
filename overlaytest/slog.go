//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's helpers_test.go newCapturingLogger, which
// wraps "github.com/bassosimone/slogstub".FuncHandler; reimplemented
// locally per SPEC_FULL.md §3 (slogstub is scoped to the teacher's own
// test surface).
//

package overlaytest

import (
	"context"
	"log/slog"
	"sync"
)

// FuncHandler is a slog.Handler test double: each method delegates to the
// matching Func field, or returns a permissive default if nil.
type FuncHandler struct {
	EnabledFunc   func(ctx context.Context, level slog.Level) bool
	HandleFunc    func(ctx context.Context, record slog.Record) error
	WithAttrsFunc func(attrs []slog.Attr) slog.Handler
	WithGroupFunc func(name string) slog.Handler
}

var _ slog.Handler = (*FuncHandler)(nil)

func (h *FuncHandler) Enabled(ctx context.Context, level slog.Level) bool {
	if h.EnabledFunc != nil {
		return h.EnabledFunc(ctx, level)
	}
	return true
}

func (h *FuncHandler) Handle(ctx context.Context, record slog.Record) error {
	if h.HandleFunc != nil {
		return h.HandleFunc(ctx, record)
	}
	return nil
}

func (h *FuncHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if h.WithAttrsFunc != nil {
		return h.WithAttrsFunc(attrs)
	}
	return h
}

func (h *FuncHandler) WithGroup(name string) slog.Handler {
	if h.WithGroupFunc != nil {
		return h.WithGroupFunc(name)
	}
	return h
}

// NewCapturingLogger returns a logger that captures every emitted record
// into the returned slice, safe for concurrent use (spec §2.4: "a
// capturing slog.Handler backs assertions on emitted log records").
func NewCapturingLogger() (*slog.Logger, *CapturedRecords) {
	captured := &CapturedRecords{}
	handler := &FuncHandler{
		HandleFunc: func(ctx context.Context, record slog.Record) error {
			captured.add(record)
			return nil
		},
	}
	return slog.New(handler), captured
}

// CapturedRecords is a concurrency-safe append-only log of slog.Records.
type CapturedRecords struct {
	mu      sync.Mutex
	records []slog.Record
}

func (c *CapturedRecords) add(r slog.Record) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, r)
}

// All returns a snapshot of every record captured so far.
func (c *CapturedRecords) All() []slog.Record {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]slog.Record, len(c.records))
	copy(out, c.records)
	return out
}

// Len reports how many records have been captured.
func (c *CapturedRecords) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}
