// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package workerspool bounds the number of simulated training workers that step concurrently
// against the same master.
package workerspool

import (
	"runtime"
	"sync"
)

// Pool runs tasks in goroutines, with at most maxParallelism of them running at any time.
type Pool struct {
	maxParallelism int
	mu             sync.Mutex
	cond           sync.Cond // Signaled whenever numRunning decreases.
	numRunning     int
	numStarted     int
}

// New returns a Pool with the default parallelism (runtime.NumCPU()).
func New() *Pool {
	w := &Pool{maxParallelism: runtime.NumCPU()}
	w.cond = sync.Cond{L: &w.mu}
	return w
}

// MaxParallelism returns the limit of concurrently running tasks.
// 0 means tasks run inline, and a negative value means unlimited.
func (w *Pool) MaxParallelism() int {
	return w.maxParallelism
}

// SetMaxParallelism sets the limit of concurrently running tasks. It should only be changed
// before any task is started.
func (w *Pool) SetMaxParallelism(maxParallelism int) *Pool {
	w.maxParallelism = maxParallelism
	return w
}

// lockedIsFull must be called with w.mu held.
func (w *Pool) lockedIsFull() bool {
	if w.maxParallelism < 0 {
		return false
	}
	return w.numRunning >= w.maxParallelism
}

// WaitToStart blocks until there is a free slot and then runs task in a goroutine.
//
// If parallelism is disabled (maxParallelism is 0), it runs the task inline.
func (w *Pool) WaitToStart(task func()) {
	if w.maxParallelism == 0 {
		w.mu.Lock()
		w.numStarted++
		w.mu.Unlock()
		task()
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.lockedIsFull() {
		w.cond.Wait()
	}
	w.numRunning++
	w.numStarted++
	go func() {
		defer func() {
			w.mu.Lock()
			w.numRunning--
			w.cond.Broadcast()
			w.mu.Unlock()
		}()
		task()
	}()
}

// Wait blocks until all started tasks have finished.
func (w *Pool) Wait() {
	w.mu.Lock()
	defer w.mu.Unlock()
	for w.numRunning > 0 {
		w.cond.Wait()
	}
}

// NumStarted returns the total number of tasks started so far.
func (w *Pool) NumStarted() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.numStarted
}
