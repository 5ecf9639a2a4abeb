// kernel_test.go - scheduler tests.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package kernel

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/katzenpost/tinyos/core/log"
)

func newTestRuntime(t *testing.T) *Runtime {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	r, err := New(&Config{ManualClock: true}, backend)
	require.NoError(t, err)
	r.Start()
	return r
}

func TestForkRuns(t *testing.T) {
	r := newTestRuntime(t)
	ran := make(chan int, 1)
	th := r.Fork(func() {
		ran <- 42
	})
	require.NotNil(t, th)
	select {
	case v := <-ran:
		require.Equal(t, 42, v)
	case <-time.After(5 * time.Second):
		t.Fatal("forked thread never ran")
	}
	r.WaitIdle()
	require.Equal(t, StateZombie, th.State())
}

func TestCreateDoesNotRun(t *testing.T) {
	r := newTestRuntime(t)
	var ran uint32
	th := r.Create(func() {
		atomic.StoreUint32(&ran, 1)
	})
	r.WaitIdle()
	require.Equal(t, uint32(0), atomic.LoadUint32(&ran))
	require.Equal(t, StateWaiting, th.State())

	r.Ready(th)
	r.WaitIdle()
	require.Equal(t, uint32(1), atomic.LoadUint32(&ran))
}

func TestReadyNilIsNoop(t *testing.T) {
	r := newTestRuntime(t)
	r.Ready(nil)
	r.WaitIdle()
}

func TestYieldRoundRobin(t *testing.T) {
	r := newTestRuntime(t)
	var order []string
	done := make(chan struct{}, 2)
	mk := func(name string) func() {
		return func() {
			for i := 0; i < 3; i++ {
				order = append(order, name)
				r.Yield()
			}
			done <- struct{}{}
		}
	}
	r.Fork(mk("a"))
	r.Fork(mk("b"))
	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("threads did not finish")
		}
	}
	r.WaitIdle()
	require.Equal(t, []string{"a", "b", "a", "b", "a", "b"}, order)
}

func TestSleepWakesOnThirdTick(t *testing.T) {
	// 250ms with a 100ms tick rounds up to 3 ticks.
	r := newTestRuntime(t)
	var woke uint32
	th := r.Fork(func() {
		r.Sleep(250 * time.Millisecond)
		atomic.StoreUint32(&woke, 1)
	})
	r.WaitIdle()
	require.Equal(t, StateWaiting, th.State())

	for i := 0; i < 2; i++ {
		r.Step()
		r.WaitIdle()
		require.Equal(t, uint32(0), atomic.LoadUint32(&woke), "woke after tick %d", i+1)
	}
	r.Step()
	r.WaitIdle()
	require.Equal(t, uint32(1), atomic.LoadUint32(&woke))
	require.Equal(t, StateZombie, th.State())
}

func TestReaperDrainsStopped(t *testing.T) {
	r := newTestRuntime(t)
	for i := 0; i < 4; i++ {
		r.Fork(func() {})
	}
	r.WaitIdle()
	r.mask.Lock()
	defer r.mask.Unlock()
	require.Equal(t, 0, r.stopped.Len())
}

func TestThreadPresence(t *testing.T) {
	// Every live thread is in exactly one of running / a run queue level /
	// a waiter list once the runtime quiesces.
	r := newTestRuntime(t)
	sem := r.Semaphore(0)
	waiter := r.Fork(func() { sem.P() })
	sleeper := r.Fork(func() { r.Sleep(time.Hour) })
	r.WaitIdle()

	require.Equal(t, StateWaiting, waiter.State())
	require.Equal(t, StateWaiting, sleeper.State())
	r.mask.Lock()
	require.True(t, r.runq.Empty())
	require.Equal(t, r.idle, r.running)
	r.mask.Unlock()

	sem.V()
	r.WaitIdle()
	require.Equal(t, StateZombie, waiter.State())
}

func TestMLFQAccounting(t *testing.T) {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	r, err := New(&Config{ManualClock: true}, backend)
	require.NoError(t, err)
	// Not started: drive the accounting directly against a pinned thread.
	th := &Thread{id: 99, state: StateRunning, resume: make(chan struct{}, 1)}
	r.running = th

	// Level 0 allows 1 quantum per turn: the first tick demotes.
	r.Step()
	require.Equal(t, 1, th.Level())
	require.Equal(t, 0, th.quanta)
	require.True(t, r.preempt)
	r.preempt = false

	// At level cursor 0 still, thread now on level 1... the cursor only
	// advances when the visit quota is consumed.
	require.Equal(t, 0, r.curLevel)

	// Exhaust the level 0 visit quota (80 ticks); the cursor advances and
	// the visit counter resets.
	r.curLevelQuanta = 79
	r.Step()
	require.Equal(t, 1, r.curLevel)
	require.Equal(t, 0, r.curLevelQuanta)
	require.True(t, r.preempt)
	r.preempt = false

	// A thread on the bottom level stays there.
	r.curLevel = 3
	th.level = 3
	th.quanta = 7
	r.Step()
	require.Equal(t, 3, th.Level())
	require.Equal(t, 0, th.quanta)
}

func TestIdleTickAdvancesCursor(t *testing.T) {
	backend, err := log.New("", "DEBUG", true)
	require.NoError(t, err)
	r, err := New(&Config{ManualClock: true}, backend)
	require.NoError(t, err)
	// running == idle; visits still elapse, nothing is demoted.
	r.curLevelQuanta = 79
	r.Step()
	require.Equal(t, 1, r.curLevel)
	require.False(t, r.preempt)
	require.Equal(t, 0, r.idle.level)
}

func TestTicksAdvance(t *testing.T) {
	r := newTestRuntime(t)
	require.Equal(t, uint64(0), r.Ticks())
	r.Step()
	r.Step()
	require.Equal(t, uint64(2), r.Ticks())
}
