// queue_test.go - FIFO queue tests.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package queue

import (
	"testing"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestQueueFIFO(t *testing.T) {
	q := New[int]()
	_, ok := q.Dequeue()
	require.False(t, ok)
	require.Equal(t, 0, q.Len())

	for i := 1; i <= 5; i++ {
		q.Append(i)
	}
	require.Equal(t, 5, q.Len())
	front, ok := q.Front()
	require.True(t, ok)
	require.Equal(t, 1, front)

	for i := 1; i <= 5; i++ {
		v, ok := q.Dequeue()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok = q.Dequeue()
	require.False(t, ok)
}

func TestQueuePrepend(t *testing.T) {
	q := New[string]()
	q.Append("b")
	q.Prepend("a")
	q.Append("c")

	v, _ := q.Dequeue()
	require.Equal(t, "a", v)
	v, _ = q.Dequeue()
	require.Equal(t, "b", v)
	v, _ = q.Dequeue()
	require.Equal(t, "c", v)
}

func TestQueueDelete(t *testing.T) {
	q := New[int]()
	for i := 1; i <= 4; i++ {
		q.Append(i)
	}
	require.True(t, q.Delete(3))
	require.False(t, q.Delete(3))
	require.True(t, q.Delete(1))
	require.True(t, q.Delete(4))
	require.Equal(t, 1, q.Len())

	// The rear pointer must survive deleting the rear element.
	q.Append(5)
	v, _ := q.Dequeue()
	require.Equal(t, 2, v)
	v, _ = q.Dequeue()
	require.Equal(t, 5, v)
}

// TestQueueModel drives the queue against a slice model with random
// operation sequences.
func TestQueueModel(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		q := New[int]()
		var model []int
		ops := rapid.IntRange(1, 200).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0:
				v := rapid.Int().Draw(t, "append")
				q.Append(v)
				model = append(model, v)
			case 1:
				v := rapid.Int().Draw(t, "prepend")
				q.Prepend(v)
				model = append([]int{v}, model...)
			case 2:
				v, ok := q.Dequeue()
				if len(model) == 0 {
					if ok {
						t.Fatalf("dequeue on empty queue returned %v", v)
					}
				} else {
					if !ok || v != model[0] {
						t.Fatalf("dequeue got %v want %v", v, model[0])
					}
					model = model[1:]
				}
			case 3:
				if len(model) == 0 {
					continue
				}
				idx := rapid.IntRange(0, len(model)-1).Draw(t, "idx")
				v := model[idx]
				// Delete removes the first occurrence; mirror that.
				for j, m := range model {
					if m == v {
						model = append(model[:j:j], model[j+1:]...)
						break
					}
				}
				if !q.Delete(v) {
					t.Fatalf("delete of present element %v failed", v)
				}
			}
			if q.Len() != len(model) {
				t.Fatalf("length mismatch: %d != %d", q.Len(), len(model))
			}
		}
	})
}
