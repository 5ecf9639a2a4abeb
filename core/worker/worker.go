// worker.go - worker goroutine lifecycle helper.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package worker provides a simple goroutine lifecycle helper, meant to be
// composed with types that own one or more long lived worker goroutines.
package worker

import "sync"

// Worker is a container for a set of goroutines sharing a common halt
// channel. The zero value is ready to use.
type Worker struct {
	sync.WaitGroup

	initOnce sync.Once
	haltOnce sync.Once
	haltCh   chan interface{}
}

func (w *Worker) init() {
	w.initOnce.Do(func() {
		w.haltCh = make(chan interface{})
	})
}

// Go spawns fn as a tracked goroutine. The goroutine is expected to
// terminate when the channel returned by HaltCh is closed.
func (w *Worker) Go(fn func()) {
	w.init()
	w.Add(1)
	go func() {
		defer w.Done()
		fn()
	}()
}

// Halt closes the halt channel, signaling all tracked goroutines to
// terminate. Halt does not wait; use Wait for that.
func (w *Worker) Halt() {
	w.init()
	w.haltOnce.Do(func() {
		close(w.haltCh)
	})
}

// HaltCh returns the channel closed by Halt.
func (w *Worker) HaltCh() <-chan interface{} {
	w.init()
	return w.haltCh
}
