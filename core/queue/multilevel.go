// multilevel.go - multilevel FIFO queue.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package queue

// Multilevel is a fixed set of FIFO queues indexed by level, with a circular
// dequeue probe. Level 0 is the highest priority.
type Multilevel[T comparable] struct {
	levels []*Queue[T]
}

// NewMultilevel returns an empty multilevel queue with n levels.
func NewMultilevel[T comparable](n int) *Multilevel[T] {
	if n <= 0 {
		panic("queue: multilevel queue needs at least one level")
	}
	m := &Multilevel[T]{levels: make([]*Queue[T], n)}
	for i := range m.levels {
		m.levels[i] = New[T]()
	}
	return m
}

// Levels returns the number of levels.
func (m *Multilevel[T]) Levels() int {
	return len(m.levels)
}

// Enqueue appends v at the given level.
func (m *Multilevel[T]) Enqueue(level int, v T) {
	m.levels[level].Append(v)
}

// Dequeue removes the front element starting the search at the given level,
// probing the remaining levels circularly. It returns the element and the
// level it was found on.
func (m *Multilevel[T]) Dequeue(level int) (T, int, bool) {
	for i := 0; i < len(m.levels); i++ {
		l := (level + i) % len(m.levels)
		if v, ok := m.levels[l].Dequeue(); ok {
			return v, l, true
		}
	}
	var zero T
	return zero, 0, false
}

// Delete removes the first occurrence of v from any level.
func (m *Multilevel[T]) Delete(v T) bool {
	for _, q := range m.levels {
		if q.Delete(v) {
			return true
		}
	}
	return false
}

// Empty reports whether every level is empty.
func (m *Multilevel[T]) Empty() bool {
	for _, q := range m.levels {
		if q.Len() > 0 {
			return false
		}
	}
	return true
}

// Len returns the total number of queued elements across levels.
func (m *Multilevel[T]) Len() int {
	n := 0
	for _, q := range m.levels {
		n += q.Len()
	}
	return n
}
