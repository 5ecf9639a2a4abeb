// alarm.go - deadline ordered alarms.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package kernel

import (
	"time"

	"gitlab.com/yawning/avl.git"

	"github.com/katzenpost/tinyos/internal/instrument"
)

// Alarm is a registered alarm. The handle is opaque apart from
// DeregisterAlarm.
type Alarm struct {
	deadline uint64
	seq      uint64
	fn       func()
	fired    bool
	node     *avl.Node
}

// alarmQueue keeps alarms ordered by (deadline, registration order), so
// that equal deadlines fire in insertion order. Access is serialized by the
// interrupt mask.
type alarmQueue struct {
	tree *avl.Tree
	seq  uint64
}

func newAlarmQueue() *alarmQueue {
	return &alarmQueue{
		tree: avl.New(func(a, b interface{}) int {
			alarmA, alarmB := a.(*Alarm), b.(*Alarm)
			switch {
			case alarmA.deadline < alarmB.deadline:
				return -1
			case alarmA.deadline > alarmB.deadline:
				return 1
			case alarmA.seq < alarmB.seq:
				return -1
			case alarmA.seq > alarmB.seq:
				return 1
			default:
				return 0
			}
		}),
	}
}

func (q *alarmQueue) insertLocked(a *Alarm) {
	a.seq = q.seq
	q.seq++
	a.node = q.tree.Insert(a)
}

// collectDueLocked removes and returns every alarm with deadline <= now, in
// firing order. An alarm whose deadline slipped past while the queue head
// was busy still fires on the next tick.
func (q *alarmQueue) collectDueLocked(now uint64) []*Alarm {
	var due []*Alarm
	iter := q.tree.Iterator(avl.Forward)
	for node := iter.First(); node != nil; node = iter.Next() {
		a := node.Value.(*Alarm)
		if a.deadline > now {
			break
		}
		a.fired = true
		a.node = nil
		// Removing the current node is the one mutation the iterator
		// supports.
		q.tree.Remove(node)
		instrument.AlarmFired()
		due = append(due, a)
	}
	return due
}

// RegisterAlarm schedules fn to run ceil(delay/period) ticks from now. The
// callback runs on the clock goroutine, outside the mask; it must confine
// itself to the non blocking primitives (Ready, Semaphore.V,
// RegisterAlarm).
func (r *Runtime) RegisterAlarm(delay time.Duration, fn func()) *Alarm {
	if fn == nil {
		return nil
	}
	r.mask.Lock()
	defer r.mask.Unlock()
	return r.registerAlarmLocked(delay, fn)
}

func (r *Runtime) registerAlarmLocked(delay time.Duration, fn func()) *Alarm {
	period := r.cfg.TickInterval
	d := uint64(delay / period)
	if delay%period != 0 {
		// The alarm must sleep for at least delay.
		d++
	}
	a := &Alarm{deadline: r.ticks + d, fn: fn}
	r.alarms.insertLocked(a)
	return a
}

// DeregisterAlarm removes a from the alarm queue and reports whether it had
// already fired. Deregistering a nil or fired alarm is a no-op.
func (r *Runtime) DeregisterAlarm(a *Alarm) bool {
	if a == nil {
		return true
	}
	r.mask.Lock()
	defer r.mask.Unlock()
	if a.fired {
		return true
	}
	fired := a.deadline <= r.ticks
	if a.node != nil {
		r.alarms.tree.Remove(a.node)
		a.node = nil
	}
	return fired
}

// AlarmsPending returns the number of registered, unfired alarms.
func (r *Runtime) AlarmsPending() int {
	r.mask.Lock()
	defer r.mask.Unlock()
	return r.alarms.tree.Len()
}
