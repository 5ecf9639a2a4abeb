// kernel.go - cooperative-preemptive threading runtime.
// SPDX-FileCopyrightText: © 2023 David Stainton
// SPDX-License-Identifier: AGPL-3.0-only

// Package kernel implements a user space threading runtime: a multilevel
// feedback queue scheduler driven by a periodic clock tick, counting
// semaphores, and a tick indexed alarm subsystem.
//
// A kernel thread is a goroutine parked on a one slot resume channel; at
// most one kernel thread executes at a time. The runtime mutex is the
// interrupt mask: the tick handler acquires it before touching any kernel
// state, so holding it is the masked region and code running masked is
// never preempted. Blocking primitives (Semaphore.P, Sleep, Yield) may only
// be called from kernel threads; Ready, Semaphore.V and the alarm
// registration calls are safe from any goroutine, including the ingress and
// alarm callback paths, because they only enqueue and never switch.
package kernel

import (
	"fmt"
	"sync"
	"time"

	"gopkg.in/op/go-logging.v1"

	"github.com/katzenpost/tinyos/core/log"
	"github.com/katzenpost/tinyos/core/queue"
	"github.com/katzenpost/tinyos/core/worker"
	"github.com/katzenpost/tinyos/internal/instrument"
)

const (
	// DefaultTickInterval is the default clock period.
	DefaultTickInterval = 100 * time.Millisecond

	defaultLevels = 4
)

var (
	defaultLevelVisitQuanta = []int{80, 40, 24, 16}
	defaultThreadQuanta     = []int{1, 2, 4, 8}
)

// Config is the runtime configuration.
type Config struct {
	// TickInterval is the amount of wall clock time represented by one
	// tick. It is also used to convert alarm delays into tick counts when
	// the clock is simulated.
	TickInterval time.Duration

	// ManualClock disables the wall clock worker; ticks are driven
	// explicitly with Runtime.Step. Used by tests and simulations.
	ManualClock bool

	// LevelVisitQuanta is the number of ticks the scheduler spends on a
	// level before advancing the level cursor.
	LevelVisitQuanta []int

	// ThreadQuanta is the number of ticks a thread may consume per
	// scheduling turn at each level before it is pushed down a level.
	ThreadQuanta []int
}

func (cfg *Config) validate() error {
	if cfg.TickInterval < 0 {
		return fmt.Errorf("kernel: negative TickInterval")
	}
	if cfg.TickInterval == 0 {
		cfg.TickInterval = DefaultTickInterval
	}
	if cfg.LevelVisitQuanta == nil {
		cfg.LevelVisitQuanta = defaultLevelVisitQuanta
	}
	if cfg.ThreadQuanta == nil {
		cfg.ThreadQuanta = defaultThreadQuanta
	}
	if len(cfg.LevelVisitQuanta) != len(cfg.ThreadQuanta) {
		return fmt.Errorf("kernel: LevelVisitQuanta/ThreadQuanta length mismatch")
	}
	if len(cfg.LevelVisitQuanta) == 0 {
		return fmt.Errorf("kernel: no scheduler levels")
	}
	for i := range cfg.LevelVisitQuanta {
		if cfg.LevelVisitQuanta[i] <= 0 || cfg.ThreadQuanta[i] <= 0 {
			return fmt.Errorf("kernel: scheduler quanta must be positive")
		}
	}
	return nil
}

// Runtime is the threading runtime. All of the formerly process wide state
// (run queues, alarm queue, tick counter) hangs off it.
type Runtime struct {
	worker.Worker

	cfg *Config
	log *logging.Logger

	// mask is the interrupt mask. Holding it is the masked region.
	mask sync.Mutex

	runq    *queue.Multilevel[*Thread]
	stopped *queue.Queue[*Thread]

	running *Thread
	idle    *Thread
	reaper  *Thread

	curLevel       int
	curLevelQuanta int
	preempt        bool

	ticks    uint64
	alarms   *alarmQueue
	nextID   int
	idleWake chan struct{}

	// Quiescence tracking for WaitIdle.
	settleMu   sync.Mutex
	settleCond *sync.Cond
	parked     bool
}

// New constructs a runtime. Start must be called before any thread runs.
func New(cfg *Config, logBackend *log.Backend) (*Runtime, error) {
	if cfg == nil {
		cfg = &Config{}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	r := &Runtime{
		cfg:      cfg,
		log:      logBackend.GetLogger("kernel"),
		runq:     queue.NewMultilevel[*Thread](len(cfg.LevelVisitQuanta)),
		stopped:  queue.New[*Thread](),
		alarms:   newAlarmQueue(),
		idleWake: make(chan struct{}, 1),
	}
	r.settleCond = sync.NewCond(&r.settleMu)
	r.idle = &Thread{id: r.nextID, resume: make(chan struct{}, 1)}
	r.nextID++
	r.running = r.idle
	return r, nil
}

// Start launches the idle dispatcher, the reaper thread and, unless the
// clock is manual, the wall clock worker.
func (r *Runtime) Start() {
	r.reaper = r.newThread(r.reaperMain)
	r.reaper.state = StateWaiting
	r.Go(r.idleMain)
	if !r.cfg.ManualClock {
		r.Go(r.clockWorker)
	}
	r.log.Debugf("runtime started: %d levels, tick %v, manual=%v",
		len(r.cfg.LevelVisitQuanta), r.cfg.TickInterval, r.cfg.ManualClock)
}

// Ticks returns the current tick counter.
func (r *Runtime) Ticks() uint64 {
	r.mask.Lock()
	defer r.mask.Unlock()
	return r.ticks
}

// Self returns the calling kernel thread. Must be called from a kernel
// thread.
func (r *Runtime) Self() *Thread {
	r.mask.Lock()
	defer r.mask.Unlock()
	return r.running
}

// Masked runs fn with the interrupt mask held. fn must not call any
// blocking primitive, nor any other runtime entry point.
func (r *Runtime) Masked(fn func()) {
	r.mask.Lock()
	defer r.mask.Unlock()
	fn()
}

func (r *Runtime) newThread(fn func()) *Thread {
	t := &Thread{resume: make(chan struct{}, 1), fn: fn}
	r.mask.Lock()
	t.id = r.nextID
	r.nextID++
	r.mask.Unlock()
	go r.threadMain(t)
	return t
}

// Create allocates a thread without scheduling it.
func (r *Runtime) Create(fn func()) *Thread {
	if fn == nil {
		return nil
	}
	t := r.newThread(fn)
	t.state = StateWaiting
	return t
}

// Fork allocates a thread and schedules it at the highest level.
func (r *Runtime) Fork(fn func()) *Thread {
	t := r.Create(fn)
	r.Ready(t)
	return t
}

// Ready marks t runnable and enqueues it at its current level. Readying a
// nil thread is a no-op. Ready never context switches and is therefore safe
// from alarm handlers and the ingress path.
func (r *Runtime) Ready(t *Thread) {
	if t == nil {
		return
	}
	r.mask.Lock()
	r.readyLocked(t)
	r.mask.Unlock()
}

func (r *Runtime) readyLocked(t *Thread) {
	if t.state == StateRunnable || t.state == StateRunning {
		return
	}
	t.state = StateRunnable
	r.runq.Enqueue(t.level, t)
	r.setParked(false)
	if r.running == r.idle {
		select {
		case r.idleWake <- struct{}{}:
		default:
		}
	}
}

// Yield relinquishes the CPU, requeueing the caller at its current level.
func (r *Runtime) Yield() {
	r.mask.Lock()
	defer r.mask.Unlock()
	cur := r.running
	if cur == nil || cur == r.idle {
		return
	}
	// A thread that burned through its per level quantum mid turn is pushed
	// down a level on the way out.
	if cur.quanta >= r.cfg.ThreadQuanta[r.curLevel] {
		cur.quanta = 0
		cur.level = r.demoteLevel()
	}
	r.switchLocked(cur, true)
}

// Sleep blocks the caller for at least d, rounded up to whole ticks.
func (r *Runtime) Sleep(d time.Duration) {
	r.mask.Lock()
	cur := r.running
	r.registerAlarmLocked(d, func() { r.Ready(cur) })
	r.blockLocked(cur)
	r.mask.Unlock()
}

// blockLocked blocks the current thread; the caller has already recorded it
// on whatever waiter list will eventually ready it again. Called masked.
func (r *Runtime) blockLocked(cur *Thread) {
	// A thread stopped mid quantum is charged for the whole quantum.
	cur.quanta++
	if cur.quanta >= r.cfg.ThreadQuanta[r.curLevel] {
		cur.quanta = 0
		cur.level = r.demoteLevel()
	}
	cur.state = StateWaiting
	r.switchLocked(cur, false)
}

func (r *Runtime) demoteLevel() int {
	if r.curLevel+1 >= r.runq.Levels() {
		return r.curLevel
	}
	return r.curLevel + 1
}

// switchLocked hands the CPU to the next runnable thread (or the idle
// dispatcher) and, unless cur is exiting, parks cur until it is dispatched
// again. Entered masked; the mask is dropped across the park and reacquired
// before return.
func (r *Runtime) switchLocked(cur *Thread, requeue bool) {
	if requeue {
		cur.state = StateRunnable
		r.runq.Enqueue(cur.level, cur)
	}
	next, lvl, ok := r.runq.Dequeue(r.curLevel)
	if ok && lvl != r.curLevel {
		r.curLevel = lvl
		r.curLevelQuanta = 0
	}
	r.preempt = false
	if ok && next == cur {
		cur.state = StateRunning
		return
	}
	target := r.idle
	if ok {
		target = next
	}
	target.state = StateRunning
	r.running = target
	instrument.ContextSwitch()
	r.mask.Unlock()
	target.resume <- struct{}{}
	<-cur.resume
	r.mask.Lock()
}

// exitLocked is switchLocked for a dying thread: the token is passed on and
// the caller's goroutine returns without parking. Entered masked, returns
// unmasked.
func (r *Runtime) exitLocked(cur *Thread) {
	cur.state = StateZombie
	r.stopped.Append(cur)
	if r.reaper != nil && r.reaper.state == StateWaiting {
		r.readyLocked(r.reaper)
	}
	next, lvl, ok := r.runq.Dequeue(r.curLevel)
	if ok && lvl != r.curLevel {
		r.curLevel = lvl
		r.curLevelQuanta = 0
	}
	r.preempt = false
	target := r.idle
	if ok {
		target = next
	}
	target.state = StateRunning
	r.running = target
	instrument.ContextSwitch()
	r.mask.Unlock()
	target.resume <- struct{}{}
}

// preemptPointLocked takes a pending tick initiated preemption on behalf of
// the calling thread. Called masked from kernel entry points.
func (r *Runtime) preemptPointLocked(cur *Thread) {
	if r.preempt && cur != nil && cur == r.running && cur != r.idle {
		r.switchLocked(cur, true)
	}
}

func (r *Runtime) threadMain(t *Thread) {
	<-t.resume
	t.fn()
	r.mask.Lock()
	r.exitLocked(t)
}

// reaperMain drains the stopped queue, dropping the final references to
// terminated threads, then blocks until the next exit readies it.
func (r *Runtime) reaperMain() {
	for {
		r.mask.Lock()
		for {
			t, ok := r.stopped.Dequeue()
			if !ok {
				break
			}
			t.fn = nil
			instrument.ThreadReaped()
		}
		r.blockLocked(r.running)
		r.mask.Unlock()
	}
}

// idleMain owns the CPU whenever no kernel thread is runnable. It parks on
// the idle wake channel and dispatches the next runnable thread.
func (r *Runtime) idleMain() {
	for {
		r.mask.Lock()
		for r.runq.Empty() {
			r.setParked(true)
			r.mask.Unlock()
			select {
			case <-r.idleWake:
			case <-r.HaltCh():
				return
			}
			r.mask.Lock()
			r.setParked(false)
		}
		next, lvl, _ := r.runq.Dequeue(r.curLevel)
		if lvl != r.curLevel {
			r.curLevel = lvl
			r.curLevelQuanta = 0
		}
		r.preempt = false
		next.state = StateRunning
		r.running = next
		instrument.ContextSwitch()
		r.mask.Unlock()
		next.resume <- struct{}{}

		select {
		case <-r.idle.resume:
		case <-r.HaltCh():
			return
		}
	}
}

func (r *Runtime) setParked(v bool) {
	r.settleMu.Lock()
	r.parked = v
	if v {
		r.settleCond.Broadcast()
	}
	r.settleMu.Unlock()
}

// WaitIdle blocks until the virtual CPU is parked with an empty run queue.
// Together with Step it forms the deterministic harness used by the tests:
// drive a tick, wait for every runnable thread to block again, inspect.
func (r *Runtime) WaitIdle() {
	r.settleMu.Lock()
	for !r.parked {
		r.settleCond.Wait()
	}
	r.settleMu.Unlock()
}
