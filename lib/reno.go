package lib

// reno extends Tahoe with fast recovery: after a fast retransmit the window
// is halved instead of collapsing to one segment, and each further duplicate
// ACK inflates it by one MSS until new data is acknowledged.
type reno struct {
	mss        int
	cwnd       int
	ssthresh   int
	inRecovery bool
}

func newReno(mss int) *reno {
	return &reno{
		mss:      mss,
		cwnd:     mss,
		ssthresh: 1 << 30,
	}
}

func (r *reno) Name() string { return CCReno }

func (r *reno) OnAck(acked, flight int) {
	if r.inRecovery {
		// New data acknowledged: deflate back to the halved window.
		r.cwnd = r.ssthresh
		r.inRecovery = false
		return
	}
	if r.cwnd < r.ssthresh {
		r.cwnd += r.mss
	} else {
		r.cwnd += r.mss * r.mss / r.cwnd
	}
}

func (r *reno) OnDupAck(dupCount, flight int) bool {
	if r.inRecovery {
		// window inflation: the duplicate ACK means one more segment left
		// the network
		r.cwnd += r.mss
		return false
	}
	if dupCount != dupAckThreshold {
		return false
	}

	r.ssthresh = flight / 2
	if r.ssthresh < 2*r.mss {
		r.ssthresh = 2 * r.mss
	}
	r.cwnd = r.ssthresh + dupAckThreshold*r.mss
	r.inRecovery = true
	return true
}

func (r *reno) OnTimeout(flight int) {
	// Timeouts collapse the window fully even for Reno.
	r.ssthresh = flight / 2
	if r.ssthresh < 2*r.mss {
		r.ssthresh = 2 * r.mss
	}
	r.cwnd = r.mss
	r.inRecovery = false
}

func (r *reno) Window() int { return r.cwnd }
