package lib

import (
	"github.com/pkg/errors"
)

// CongestionControl is the strategy a connection selects by name at OPEN
// time and never changes afterwards. The connection tells the strategy about
// acknowledgement and timeout events; the strategy answers with the
// congestion window the connection may keep in flight. RTT estimation is
// shared by all variants and lives in the connection, not here.
type CongestionControl interface {
	Name() string

	// OnAck is invoked for every ACK that acknowledges new data. acked is
	// the number of newly acknowledged bytes, flight the bytes still
	// outstanding after the ACK.
	OnAck(acked, flight int)

	// OnDupAck is invoked for every duplicate ACK. dupCount is the current
	// run length. The return value tells the connection to fast-retransmit
	// the oldest unacknowledged segment now.
	OnDupAck(dupCount, flight int) bool

	// OnTimeout is invoked when the retransmission timer expires with
	// flight bytes outstanding.
	OnTimeout(flight int)

	// Window returns the congestion window in bytes. The connection sends
	// min(Window, peer advertised window) minus what is already in flight.
	Window() int
}

// ccFactory builds a variant for a connection with the given MSS.
type ccFactory func(mss int) CongestionControl

var ccVariants = map[string]ccFactory{
	CCReno:  func(mss int) CongestionControl { return newReno(mss) },
	CCTahoe: func(mss int) CongestionControl { return newTahoe(mss) },
	CCNone:  func(mss int) CongestionControl { return &noCongestionControl{} },
	CCDumb:  func(mss int) CongestionControl { return &dumbCongestionControl{mss: mss} },
}

// newCongestionControl looks up a variant by name.
func newCongestionControl(name string, mss int) (CongestionControl, error) {
	factory, ok := ccVariants[name]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownVariant, "congestion control %q", name)
	}
	return factory(mss), nil
}

// noCongestionControl never constrains sending; only the peer's advertised
// window applies.
type noCongestionControl struct{}

func (c *noCongestionControl) Name() string                  { return CCNone }
func (c *noCongestionControl) OnAck(acked, flight int)       {}
func (c *noCongestionControl) OnDupAck(dup, flight int) bool { return false }
func (c *noCongestionControl) OnTimeout(flight int)          {}
func (c *noCongestionControl) Window() int                   { return 1 << 30 }

// dumbCongestionControl keeps exactly one segment in flight: stop-and-wait.
type dumbCongestionControl struct {
	mss int
}

func (c *dumbCongestionControl) Name() string                  { return CCDumb }
func (c *dumbCongestionControl) OnAck(acked, flight int)       {}
func (c *dumbCongestionControl) OnDupAck(dup, flight int) bool { return false }
func (c *dumbCongestionControl) OnTimeout(flight int)          {}
func (c *dumbCongestionControl) Window() int                   { return c.mss }
