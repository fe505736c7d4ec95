// SPDX-License-Identifier: GPL-3.0-or-later

package tasks_test

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bassosimone/overlay/tasks"
	"github.com/stretchr/testify/assert"
)

func TestTickDropsWhileRunning(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var runs atomic.Int32

	task := tasks.New(func(ctx context.Context) {
		runs.Add(1)
		close(started)
		<-release
	})

	assert.True(t, task.Tick(context.Background()))
	<-started

	assert.False(t, task.Tick(context.Background()), "a tick while running must be dropped")

	close(release)
	task.Stop()
	assert.Equal(t, int32(1), runs.Load())
}

func TestStopWaitsForInProgressRun(t *testing.T) {
	release := make(chan struct{})
	task := tasks.New(func(ctx context.Context) {
		<-release
	})
	task.Tick(context.Background())

	done := make(chan struct{})
	go func() {
		task.Stop()
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("Stop returned before the run completed")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	<-done
}

func TestTickAgainAfterCompletion(t *testing.T) {
	var runs atomic.Int32
	task := tasks.New(func(ctx context.Context) {
		runs.Add(1)
	})
	task.Tick(context.Background())
	task.Stop()
	assert.True(t, task.Tick(context.Background()))
	task.Stop()
	assert.Equal(t, int32(2), runs.Load())
}
