// alarm_test.go - alarm subsystem tests.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package kernel

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type firingLog struct {
	sync.Mutex
	fired []string
}

func (f *firingLog) record(s string) func() {
	return func() {
		f.Lock()
		f.fired = append(f.fired, s)
		f.Unlock()
	}
}

func (f *firingLog) snapshot() []string {
	f.Lock()
	defer f.Unlock()
	out := make([]string, len(f.fired))
	copy(out, f.fired)
	return out
}

func TestAlarmDeadlineRounding(t *testing.T) {
	// ceil(delay/period): 250ms at a 100ms tick fires on tick 3, 300ms on
	// tick 3 as well, 301ms on tick 4.
	r := newTestRuntime(t)
	log := &firingLog{}
	r.RegisterAlarm(250*time.Millisecond, log.record("a"))
	r.RegisterAlarm(300*time.Millisecond, log.record("b"))
	r.RegisterAlarm(301*time.Millisecond, log.record("c"))

	r.Step()
	r.Step()
	require.Empty(t, log.snapshot())
	r.Step()
	require.Equal(t, []string{"a", "b"}, log.snapshot())
	r.Step()
	require.Equal(t, []string{"a", "b", "c"}, log.snapshot())
}

func TestAlarmOrdering(t *testing.T) {
	// Alarms fire in deadline order; equal deadlines fire in registration
	// order.
	r := newTestRuntime(t)
	log := &firingLog{}
	r.RegisterAlarm(200*time.Millisecond, log.record("late"))
	r.RegisterAlarm(100*time.Millisecond, log.record("early1"))
	r.RegisterAlarm(100*time.Millisecond, log.record("early2"))

	r.Step()
	require.Equal(t, []string{"early1", "early2"}, log.snapshot())
	r.Step()
	require.Equal(t, []string{"early1", "early2", "late"}, log.snapshot())
}

func TestDeregisterBeforeFiring(t *testing.T) {
	r := newTestRuntime(t)
	log := &firingLog{}
	a := r.RegisterAlarm(100*time.Millisecond, log.record("x"))
	require.Equal(t, 1, r.AlarmsPending())
	require.False(t, r.DeregisterAlarm(a))
	require.Equal(t, 0, r.AlarmsPending())
	r.Step()
	require.Empty(t, log.snapshot())
}

func TestDeregisterAfterFiring(t *testing.T) {
	r := newTestRuntime(t)
	log := &firingLog{}
	a := r.RegisterAlarm(100*time.Millisecond, log.record("x"))
	r.Step()
	require.Equal(t, []string{"x"}, log.snapshot())
	require.True(t, r.DeregisterAlarm(a))
	// Deregistering twice stays a no-op.
	require.True(t, r.DeregisterAlarm(a))
}

func TestDeregisterNil(t *testing.T) {
	r := newTestRuntime(t)
	require.True(t, r.DeregisterAlarm(nil))
}

func TestZeroDelayFiresNextTick(t *testing.T) {
	r := newTestRuntime(t)
	log := &firingLog{}
	r.RegisterAlarm(0, log.record("now"))
	r.Step()
	require.Equal(t, []string{"now"}, log.snapshot())
}

func TestAlarmReregisterFromHandler(t *testing.T) {
	// A handler may register a follow-up alarm; it lands relative to the
	// tick that fired it.
	r := newTestRuntime(t)
	log := &firingLog{}
	r.RegisterAlarm(100*time.Millisecond, func() {
		log.record("first")()
		r.RegisterAlarm(100*time.Millisecond, log.record("second"))
	})
	r.Step()
	require.Equal(t, []string{"first"}, log.snapshot())
	r.Step()
	require.Equal(t, []string{"first", "second"}, log.snapshot())
}
