//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Adapted from: the teacher's Func/FuncAdapter composition idiom (func.go)
// and golang.org/x/sync/errgroup usage patterns (kryptco-kr), applied to
// spec §4.11's tick-task contract.
//

// Package tasks implements the background tick-task abstraction (spec
// §4.11): at most one run of a given task executes at a time, Stop waits
// for any in-progress run to finish, and ticks arriving while a run is in
// progress are dropped rather than queued.
package tasks

import (
	"context"
	"sync"
	"sync/atomic"
)

// Func is the body of a tick task.
type Func func(ctx context.Context)

// Task wraps a [Func] with the single-flight tick contract.
type Task struct {
	fn      Func
	running atomic.Bool
	wg      sync.WaitGroup
}

// New builds a [Task] around fn.
func New(fn Func) *Task {
	return &Task{fn: fn}
}

// Tick attempts to start one run of the task. If a run is already in
// progress, Tick is a no-op and returns false immediately. Otherwise it
// launches fn in a new goroutine and returns true.
func (t *Task) Tick(ctx context.Context) bool {
	if !t.running.CompareAndSwap(false, true) {
		return false
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		defer t.running.Store(false)
		t.fn(ctx)
	}()
	return true
}

// Stop blocks until any in-progress run completes. It does not prevent a
// concurrent Tick from starting a new run after Stop observes the current
// one finished; callers that need a hard stop should cancel ctx before
// calling Stop, and refuse subsequent Tick calls at a higher level (e.g.
// via [lifecycle.Lock]).
func (t *Task) Stop() {
	t.wg.Wait()
}

// Running reports whether a run is currently in progress.
func (t *Task) Running() bool {
	return t.running.Load()
}
