package lib

import (
	"container/heap"
	"time"
)

// TimerToken identifies one scheduled firing. Cancelling a token is always
// safe, even after the firing has happened.
type TimerToken uint64

// Scheduler is the injected clock capability the core depends on but does not
// implement. The host event loop must guarantee that fire callbacks run on
// the same single thread that drives the core's commands and segments.
type Scheduler interface {
	Now() time.Time
	Schedule(delay time.Duration, fire func()) TimerToken
	Cancel(token TimerToken)
}

// VirtualClock is a deterministic Scheduler for tests and simulation
// harnesses. Time only moves when Advance is called; due timers fire in
// deadline order, ties broken by scheduling order.
type VirtualClock struct {
	now       time.Time
	nextToken TimerToken
	queue     timerHeap
	pending   map[TimerToken]*timerEntry
}

type timerEntry struct {
	when      time.Time
	token     TimerToken
	fire      func()
	cancelled bool
	index     int
}

func NewVirtualClock() *VirtualClock {
	return &VirtualClock{
		now:     time.Unix(0, 0),
		pending: make(map[TimerToken]*timerEntry),
	}
}

func (vc *VirtualClock) Now() time.Time {
	return vc.now
}

func (vc *VirtualClock) Schedule(delay time.Duration, fire func()) TimerToken {
	vc.nextToken++
	entry := &timerEntry{
		when:  vc.now.Add(delay),
		token: vc.nextToken,
		fire:  fire,
	}
	heap.Push(&vc.queue, entry)
	vc.pending[entry.token] = entry
	return entry.token
}

func (vc *VirtualClock) Cancel(token TimerToken) {
	entry, ok := vc.pending[token]
	if !ok {
		return // already fired or cancelled
	}
	entry.cancelled = true
	delete(vc.pending, token)
}

// Advance moves virtual time forward by d, firing every timer that becomes
// due. A firing may schedule new timers; those fire too if they fall within
// the advanced window.
func (vc *VirtualClock) Advance(d time.Duration) {
	target := vc.now.Add(d)
	for vc.queue.Len() > 0 {
		entry := vc.queue[0]
		if entry.when.After(target) {
			break
		}
		heap.Pop(&vc.queue)
		if entry.cancelled {
			continue
		}
		delete(vc.pending, entry.token)
		vc.now = entry.when
		entry.fire()
	}
	vc.now = target
}

// PendingTimers returns the number of timers not yet fired or cancelled.
func (vc *VirtualClock) PendingTimers() int {
	return len(vc.pending)
}

type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].token < h[j].token
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x interface{}) {
	entry := x.(*timerEntry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return entry
}

// SystemScheduler adapts the wall clock to the Scheduler capability. The
// caller supplies run, which must hand the callback to the single thread
// driving the core; time.AfterFunc callbacks arrive on arbitrary goroutines.
type SystemScheduler struct {
	run       func(func())
	nextToken TimerToken
	timers    map[TimerToken]*time.Timer
}

func NewSystemScheduler(run func(func())) *SystemScheduler {
	return &SystemScheduler{
		run:    run,
		timers: make(map[TimerToken]*time.Timer),
	}
}

func (ss *SystemScheduler) Now() time.Time {
	return time.Now()
}

func (ss *SystemScheduler) Schedule(delay time.Duration, fire func()) TimerToken {
	ss.nextToken++
	token := ss.nextToken
	ss.timers[token] = time.AfterFunc(delay, func() {
		ss.run(func() {
			delete(ss.timers, token)
			fire()
		})
	})
	return token
}

func (ss *SystemScheduler) Cancel(token TimerToken) {
	if timer, ok := ss.timers[token]; ok {
		timer.Stop()
		delete(ss.timers, token)
	}
}
