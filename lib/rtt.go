package lib

import (
	"time"
)

// rttEstimator keeps the per-connection smoothed RTT and RTT variance and
// derives the retransmission timeout from them (Jacobson's algorithm with
// Karn's rule applied by the caller: retransmitted segments are never
// sampled). Exponential backoff is layered on top as a shift count that the
// next valid RTT sample resets.
type rttEstimator struct {
	srtt      time.Duration
	rttvar    time.Duration
	hasSample bool

	minRTO time.Duration
	maxRTO time.Duration

	backoffShift int
}

func newRTTEstimator(minRTO, maxRTO time.Duration) *rttEstimator {
	return &rttEstimator{
		minRTO: minRTO,
		maxRTO: maxRTO,
	}
}

// sample feeds one round-trip measurement taken from a segment that was
// transmitted exactly once. Resets any accumulated backoff.
func (e *rttEstimator) sample(rtt time.Duration) {
	if !e.hasSample {
		// First measurement: srtt = rtt, rttvar = rtt/2 per RFC6298.
		e.srtt = rtt
		e.rttvar = rtt / 2
		e.hasSample = true
	} else {
		// rttvar = 3/4 rttvar + 1/4 |srtt - rtt|
		// srtt   = 7/8 srtt + 1/8 rtt
		diff := e.srtt - rtt
		if diff < 0 {
			diff = -diff
		}
		e.rttvar = (3*e.rttvar + diff) / 4
		e.srtt = (7*e.srtt + rtt) / 8
	}
	e.backoffShift = 0
}

// backoff doubles the effective timeout after a retransmission timeout.
func (e *rttEstimator) backoff() {
	e.backoffShift++
}

// rto returns the current retransmission timeout: the Jacobson estimate
// scaled by the accumulated backoff, clamped to [minRTO, maxRTO].
func (e *rttEstimator) rto() time.Duration {
	base := e.minRTO
	if e.hasSample {
		base = e.srtt + 4*e.rttvar
	}
	if base < e.minRTO {
		base = e.minRTO
	}

	shift := e.backoffShift
	if shift > 16 {
		shift = 16 // beyond this the clamp always wins
	}
	timeout := base << uint(shift)

	if timeout > e.maxRTO {
		timeout = e.maxRTO
	}
	return timeout
}
