package lib

import (
	"time"
)

// timerKind enumerates the per-connection timers. At most one instance of
// each kind is active per connection; arming a kind again reschedules it.
type timerKind int

const (
	timerConnEstab timerKind = iota // handshake must complete before this fires
	timerSynRexmit                  // periodic SYN / SYN+ACK retransmission
	timerRexmt                      // data retransmission timeout
	timerDelAck                     // delayed ACK batching
	timerFinWait2                   // give up waiting for the peer FIN
	timerTimeWait                   // 2MSL quiet period
	numTimerKinds
)

var timerNames = [...]string{
	"CONN-ESTAB", "SYN-REXMIT", "REXMT", "DELACK", "FIN-WAIT-2", "2MSL",
}

func (k timerKind) String() string {
	if k < 0 || int(k) >= len(timerNames) {
		return "UNKNOWN"
	}
	return timerNames[k]
}

// timerSet owns every pending timer of one connection. Firings carry the
// connection generation observed at arming time, so a timer that outlives
// table removal can never revive a released connection.
type timerSet struct {
	sched      Scheduler
	fire       func(kind timerKind, generation uint64)
	generation uint64
	tokens     [numTimerKinds]TimerToken
	armed      [numTimerKinds]bool
}

func newTimerSet(sched Scheduler, fire func(kind timerKind, generation uint64)) *timerSet {
	return &timerSet{
		sched: sched,
		fire:  fire,
	}
}

// arm schedules kind to fire after delay, cancelling any prior instance.
func (ts *timerSet) arm(kind timerKind, delay time.Duration) {
	ts.cancel(kind)
	generation := ts.generation
	var token TimerToken
	token = ts.sched.Schedule(delay, func() {
		// On a real clock a firing already queued behind the host thread
		// survives Cancel; only the current instance of this kind may run.
		if !ts.armed[kind] || ts.tokens[kind] != token || ts.generation != generation {
			return
		}
		ts.armed[kind] = false
		ts.fire(kind, generation)
	})
	ts.tokens[kind] = token
	ts.armed[kind] = true
}

// cancel stops one timer kind if it is pending.
func (ts *timerSet) cancel(kind timerKind) {
	if ts.armed[kind] {
		ts.sched.Cancel(ts.tokens[kind])
		ts.armed[kind] = false
	}
}

// isArmed reports whether kind has a pending firing.
func (ts *timerSet) isArmed(kind timerKind) bool {
	return ts.armed[kind]
}

// cancelAll stops every pending timer and invalidates firings already in
// flight by bumping the generation. Must be called before a connection is
// released.
func (ts *timerSet) cancelAll() {
	for kind := timerKind(0); kind < numTimerKinds; kind++ {
		ts.cancel(kind)
	}
	ts.generation++
}

// armedKinds lists the currently pending timer kinds, for STATUS.
func (ts *timerSet) armedKinds() []string {
	var kinds []string
	for kind := timerKind(0); kind < numTimerKinds; kind++ {
		if ts.armed[kind] {
			kinds = append(kinds, kind.String())
		}
	}
	return kinds
}
