package lib

// tahoe implements classic slow start and congestion avoidance. Any loss
// signal, whether timeout or three duplicate ACKs, collapses the window back
// to one segment; fast retransmit exists but there is no fast recovery.
type tahoe struct {
	mss      int
	cwnd     int
	ssthresh int
}

func newTahoe(mss int) *tahoe {
	return &tahoe{
		mss:      mss,
		cwnd:     mss,
		ssthresh: 1 << 30, // effectively unbounded until the first loss
	}
}

func (t *tahoe) Name() string { return CCTahoe }

func (t *tahoe) OnAck(acked, flight int) {
	if t.cwnd < t.ssthresh {
		// slow start: one MSS per ACK
		t.cwnd += t.mss
	} else {
		// congestion avoidance: roughly one MSS per RTT
		t.cwnd += t.mss * t.mss / t.cwnd
	}
}

func (t *tahoe) OnDupAck(dupCount, flight int) bool {
	if dupCount != dupAckThreshold {
		return false
	}
	t.collapse(flight)
	return true
}

func (t *tahoe) OnTimeout(flight int) {
	t.collapse(flight)
}

// collapse halves ssthresh against the flight size and restarts slow start
// from a single segment.
func (t *tahoe) collapse(flight int) {
	t.ssthresh = flight / 2
	if t.ssthresh < 2*t.mss {
		t.ssthresh = 2 * t.mss
	}
	t.cwnd = t.mss
}

func (t *tahoe) Window() int { return t.cwnd }
