package lib

import (
	"errors"
	"testing"
)

const testMSS = 1024

func TestCongestionControlLookup(t *testing.T) {
	for _, name := range []string{CCReno, CCTahoe, CCNone, CCDumb} {
		cc, err := newCongestionControl(name, testMSS)
		if err != nil {
			t.Errorf("%s: %v", name, err)
			continue
		}
		if cc.Name() != name {
			t.Errorf("variant reports name %s, want %s", cc.Name(), name)
		}
	}

	if _, err := newCongestionControl("Vegas", testMSS); !errors.Is(err, ErrUnknownVariant) {
		t.Errorf("unknown variant: err = %v, want ErrUnknownVariant", err)
	}
}

func TestTahoeSlowStartAndAvoidance(t *testing.T) {
	cc := newTahoe(testMSS)
	if cc.Window() != testMSS {
		t.Fatalf("initial window = %d, want one segment", cc.Window())
	}

	// slow start: one MSS per ACK
	cc.OnAck(testMSS, 0)
	cc.OnAck(testMSS, 0)
	if cc.Window() != 3*testMSS {
		t.Errorf("window after two ACKs = %d, want %d", cc.Window(), 3*testMSS)
	}

	// a timeout halves ssthresh against the flight and restarts slow start
	cc.OnTimeout(8 * testMSS)
	if cc.Window() != testMSS {
		t.Errorf("window after timeout = %d, want one segment", cc.Window())
	}
	if cc.ssthresh != 4*testMSS {
		t.Errorf("ssthresh = %d, want half the flight", cc.ssthresh)
	}

	// grow back to ssthresh, then switch to additive increase
	for i := 0; i < 3; i++ {
		cc.OnAck(testMSS, 0)
	}
	if cc.Window() != 4*testMSS {
		t.Fatalf("window at ssthresh = %d, want %d", cc.Window(), 4*testMSS)
	}
	cc.OnAck(testMSS, 0)
	if got := cc.Window(); got != 4*testMSS+testMSS/4 {
		t.Errorf("congestion avoidance step = %d, want %d", got, 4*testMSS+testMSS/4)
	}
}

func TestTahoeDupAcksCollapseWindow(t *testing.T) {
	cc := newTahoe(testMSS)
	for i := 0; i < 9; i++ {
		cc.OnAck(testMSS, 0)
	}

	if cc.OnDupAck(1, 10*testMSS) || cc.OnDupAck(2, 10*testMSS) {
		t.Fatal("retransmit requested below the duplicate ACK threshold")
	}
	if !cc.OnDupAck(3, 10*testMSS) {
		t.Fatal("third duplicate ACK did not request a retransmit")
	}
	// no fast recovery: straight back to one segment
	if cc.Window() != testMSS {
		t.Errorf("window after fast retransmit = %d, want one segment", cc.Window())
	}
	if cc.ssthresh != 5*testMSS {
		t.Errorf("ssthresh = %d, want half the flight", cc.ssthresh)
	}
}

func TestRenoFastRecovery(t *testing.T) {
	cc := newReno(testMSS)

	if !cc.OnDupAck(3, 10*testMSS) {
		t.Fatal("third duplicate ACK did not request a retransmit")
	}
	// halved window plus one MSS per duplicate ACK already seen
	if cc.Window() != 5*testMSS+3*testMSS {
		t.Errorf("window entering recovery = %d, want %d", cc.Window(), 8*testMSS)
	}

	// further duplicates inflate without retransmitting again
	if cc.OnDupAck(4, 10*testMSS) {
		t.Error("second retransmit requested during recovery")
	}
	if cc.Window() != 9*testMSS {
		t.Errorf("inflated window = %d, want %d", cc.Window(), 9*testMSS)
	}

	// new data deflates back to the halved window
	cc.OnAck(testMSS, 0)
	if cc.Window() != 5*testMSS {
		t.Errorf("deflated window = %d, want %d", cc.Window(), 5*testMSS)
	}
	if cc.inRecovery {
		t.Error("still in recovery after a full ACK")
	}
}

func TestRenoSsthreshFloor(t *testing.T) {
	cc := newReno(testMSS)
	cc.OnDupAck(3, testMSS) // tiny flight

	if cc.ssthresh != 2*testMSS {
		t.Errorf("ssthresh = %d, want the two segment floor", cc.ssthresh)
	}
}

func TestRenoTimeoutCollapsesFully(t *testing.T) {
	cc := newReno(testMSS)
	cc.OnDupAck(3, 10*testMSS) // enter recovery first

	cc.OnTimeout(10 * testMSS)
	if cc.Window() != testMSS {
		t.Errorf("window after timeout = %d, want one segment", cc.Window())
	}
	if cc.inRecovery {
		t.Error("timeout left the recovery flag set")
	}
}

func TestDegenerateVariants(t *testing.T) {
	none := &noCongestionControl{}
	none.OnTimeout(1 << 20)
	if none.Window() < 1<<29 {
		t.Error("unconstrained variant constrained the window")
	}

	dumb := &dumbCongestionControl{mss: testMSS}
	dumb.OnAck(testMSS, 0)
	if dumb.Window() != testMSS {
		t.Errorf("stop-and-wait window = %d, want exactly one segment", dumb.Window())
	}
}
