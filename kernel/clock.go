// clock.go - clock tick handling and MLFQ accounting.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

package kernel

import (
	"time"

	"github.com/katzenpost/tinyos/internal/instrument"
)

// clockWorker drives ticks from wall clock time.
func (r *Runtime) clockWorker() {
	t := time.NewTicker(r.cfg.TickInterval)
	defer t.Stop()
	for {
		select {
		case <-r.HaltCh():
			return
		case <-t.C:
			r.tick()
		}
	}
}

// Step executes one clock tick synchronously. It is the drive shaft of the
// simulated clock (Config.ManualClock); calling it alongside the wall clock
// worker merely makes time pass faster.
func (r *Runtime) Step() {
	r.tick()
}

// tick is the clock interrupt: advance the tick counter, collect due
// alarms, apply MLFQ accounting. The alarm callbacks run after the mask is
// released; they are restricted to the non switching primitives, each of
// which masks on its own.
func (r *Runtime) tick() {
	r.mask.Lock()
	r.ticks++
	instrument.Tick()
	due := r.alarms.collectDueLocked(r.ticks)
	r.accountLocked()
	r.mask.Unlock()

	for _, a := range due {
		a.fn()
	}
}

// accountLocked is the scheduling policy proper, applied once per tick:
//
//  1. charge the running thread one quantum
//  2. a thread that consumed its per level quantum moves down one level
//  3. a level that consumed its visit quota passes the cursor on
//  4. if either decision fired, the running thread is preempted at its next
//     kernel entry
func (r *Runtime) accountLocked() {
	cur := r.running
	if cur == r.idle {
		// Idle CPU: level visits still elapse, but there is nothing to
		// charge or demote.
		r.curLevelQuanta++
		if r.curLevelQuanta >= r.cfg.LevelVisitQuanta[r.curLevel] {
			r.curLevel = (r.curLevel + 1) % r.runq.Levels()
			r.curLevelQuanta = 0
		}
		return
	}

	r.curLevelQuanta++
	cur.quanta++
	schedule := false
	if r.curLevelQuanta >= r.cfg.LevelVisitQuanta[r.curLevel] {
		if cur.quanta >= r.cfg.ThreadQuanta[r.curLevel] {
			cur.quanta = 0
			cur.level = r.demoteLevel()
		}
		r.curLevel = (r.curLevel + 1) % r.runq.Levels()
		r.curLevelQuanta = 0
		schedule = true
	} else if cur.quanta >= r.cfg.ThreadQuanta[r.curLevel] {
		cur.quanta = 0
		cur.level = r.demoteLevel()
		schedule = true
	}
	if schedule {
		r.preempt = true
	}
}
