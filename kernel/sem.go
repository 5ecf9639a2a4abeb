// sem.go - counting semaphore.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package kernel

import "github.com/katzenpost/tinyos/core/queue"

// Semaphore is a counting semaphore with a FIFO waiter queue. P must be
// called from a kernel thread; V is safe from any context, including alarm
// callbacks and the network ingress path, because it only readies a waiter
// and never switches. The released waiter runs at the next scheduling
// point.
type Semaphore struct {
	r       *Runtime
	count   int
	waiters *queue.Queue[*Thread]
}

// Semaphore allocates a semaphore with the given initial count.
func (r *Runtime) Semaphore(n int) *Semaphore {
	return &Semaphore{
		r:       r,
		count:   n,
		waiters: queue.New[*Thread](),
	}
}

// P decrements the semaphore, blocking the caller while the count is
// negative.
func (s *Semaphore) P() {
	r := s.r
	r.mask.Lock()
	defer r.mask.Unlock()
	cur := r.running
	r.preemptPointLocked(cur)
	s.count--
	if s.count < 0 {
		s.waiters.Append(cur)
		r.blockLocked(cur)
	}
}

// V increments the semaphore, releasing the longest waiting thread if any.
func (s *Semaphore) V() {
	r := s.r
	r.mask.Lock()
	defer r.mask.Unlock()
	s.count++
	if s.count <= 0 {
		if t, ok := s.waiters.Dequeue(); ok {
			r.readyLocked(t)
		}
	}
}

// Count returns the current count. Negative values mean waiters.
func (s *Semaphore) Count() int {
	s.r.mask.Lock()
	defer s.r.mask.Unlock()
	return s.count
}

// Reset forces the count to n. It is only valid while no thread waits on
// the semaphore; the stream handshake uses it to discard wakeups that
// accumulated from timeout alarms racing packet arrival.
func (s *Semaphore) Reset(n int) {
	s.r.mask.Lock()
	defer s.r.mask.Unlock()
	if s.waiters.Len() == 0 {
		s.count = n
	}
}
