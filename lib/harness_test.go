package lib

import (
	"net/netip"
	"testing"
	"time"

	"github.com/google/netstack/tcpip/header"

	"github.com/cloudpath-net/tcpcore/config"
)

const (
	flagFin = header.TCPFlagFin
	flagSyn = header.TCPFlagSyn
	flagRst = header.TCPFlagRst
	flagPsh = header.TCPFlagPsh
	flagAck = header.TCPFlagAck
)

var (
	hostA = netip.MustParseAddr("10.0.0.1")
	hostB = netip.MustParseAddr("10.0.0.2")
)

// testConfig returns a config with the timing-sensitive knobs disabled so a
// test controls every segment explicitly.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.DelayedAck = false
	cfg.Nagle = false
	cfg.PayloadPoolSize = 256
	return cfg
}

// sentRecord is one segment observed on a wire, down to the fields tests
// assert on.
type sentRecord struct {
	seq, ack   uint32
	flags      uint8
	payloadLen int
}

type queuedFrame struct {
	frame    []byte
	src, dst netip.Addr
}

// testWire captures everything one core sends and forwards it to the peer
// core as marshalled frames when pumped. A drop hook injects loss.
type testWire struct {
	t     *testing.T
	peer  *TcpCore
	queue []queuedFrame
	log   []sentRecord
	drop  func(seg *Segment) bool
}

func (w *testWire) SendSegment(seg *Segment) error {
	w.log = append(w.log, sentRecord{
		seq:        seg.SeqNum,
		ack:        seg.AckNum,
		flags:      seg.Flags,
		payloadLen: len(seg.Payload),
	})
	if w.drop != nil && w.drop(seg) {
		return nil
	}
	buf := make([]byte, TcpHeaderLength+TcpOptionsMaxLength+len(seg.Payload))
	n, err := seg.Marshal(config.ProtocolID, buf)
	if err != nil {
		return err
	}
	w.queue = append(w.queue, queuedFrame{frame: buf[:n], src: seg.SrcAddr, dst: seg.DstAddr})
	return nil
}

func (w *testWire) lastSent() sentRecord {
	if len(w.log) == 0 {
		w.t.Fatal("nothing was sent on the wire")
	}
	return w.log[len(w.log)-1]
}

// testApp records every notification a core surfaces.
type testApp struct {
	notes []Notification
}

func (a *testApp) Notify(n Notification) {
	if n.Kind == NotifyData {
		owned := make([]byte, len(n.Data))
		copy(owned, n.Data)
		n.Data = owned
	}
	a.notes = append(a.notes, n)
}

func (a *testApp) has(kind NotificationKind, endpoint, connID int) bool {
	for _, n := range a.notes {
		if n.Kind == kind && n.Endpoint == endpoint && n.ConnID == connID {
			return true
		}
	}
	return false
}

// received concatenates every DATA notification for one connection.
func (a *testApp) received(endpoint, connID int) []byte {
	var out []byte
	for _, n := range a.notes {
		if n.Kind == NotifyData && n.Endpoint == endpoint && n.ConnID == connID {
			out = append(out, n.Data...)
		}
	}
	return out
}

// messages returns the DATA notifications for one connection individually.
func (a *testApp) messages(endpoint, connID int) [][]byte {
	var out [][]byte
	for _, n := range a.notes {
		if n.Kind == NotifyData && n.Endpoint == endpoint && n.ConnID == connID {
			out = append(out, n.Data)
		}
	}
	return out
}

// testPair is two cores joined back to back through in-memory wires driven
// by one shared virtual clock.
type testPair struct {
	t     *testing.T
	clock *VirtualClock

	coreA, coreB *TcpCore
	wireA, wireB *testWire
	appA, appB   *testApp
}

func newTestPair(t *testing.T, cfgA, cfgB *config.Config) *testPair {
	t.Helper()
	if cfgA == nil {
		cfgA = testConfig()
	}
	if cfgB == nil {
		cfgB = testConfig()
	}

	p := &testPair{
		t:     t,
		clock: NewVirtualClock(),
		wireA: &testWire{t: t},
		wireB: &testWire{t: t},
		appA:  &testApp{},
		appB:  &testApp{},
	}

	var err error
	p.coreA, err = NewTcpCore(cfgA, p.clock, p.wireA, p.appA)
	if err != nil {
		t.Fatalf("core A: %v", err)
	}
	p.coreB, err = NewTcpCore(cfgB, p.clock, p.wireB, p.appB)
	if err != nil {
		t.Fatalf("core B: %v", err)
	}
	p.wireA.peer = p.coreB
	p.wireB.peer = p.coreA
	return p
}

// pump shuttles queued frames between the cores until both wires go quiet.
func (p *testPair) pump() {
	p.t.Helper()
	for progress := true; progress; {
		progress = false
		for _, w := range []*testWire{p.wireA, p.wireB} {
			for len(w.queue) > 0 {
				f := w.queue[0]
				w.queue = w.queue[1:]
				if err := w.peer.DeliverFrame(f.frame, f.src, f.dst); err != nil {
					p.t.Fatalf("deliver frame: %v", err)
				}
				progress = true
			}
		}
	}
}

// advance moves the shared clock and pumps whatever the fired timers sent.
func (p *testPair) advance(d time.Duration) {
	p.clock.Advance(d)
	p.pump()
}

// establish runs a non-forking handshake: B listens as (1,1) on port 9000,
// A opens (1,1) from port 8000, and both sides must reach ESTABLISHED.
func (p *testPair) establish() {
	p.t.Helper()
	if err := p.coreB.OpenPassive(1, 1, netip.AddrPortFrom(hostB, 9000), false, nil); err != nil {
		p.t.Fatalf("passive open: %v", err)
	}
	if err := p.coreA.OpenActive(1, 1, netip.AddrPortFrom(hostA, 8000), netip.AddrPortFrom(hostB, 9000), nil); err != nil {
		p.t.Fatalf("active open: %v", err)
	}
	p.pump()

	if !p.appA.has(NotifyEstablished, 1, 1) {
		p.t.Fatal("active side never reached ESTABLISHED")
	}
	if !p.appB.has(NotifyEstablished, 1, 1) {
		p.t.Fatal("passive side never reached ESTABLISHED")
	}
}

func (p *testPair) stateOf(core *TcpCore, endpoint, connID int) string {
	p.t.Helper()
	st, err := core.Status(endpoint, connID)
	if err != nil {
		p.t.Fatalf("status: %v", err)
	}
	return st.State
}

// soloHarness drives a single core against hand-crafted segments, for tests
// that need byte-exact control over what arrives.
type soloHarness struct {
	t     *testing.T
	clock *VirtualClock
	core  *TcpCore
	wire  *testWire
	app   *testApp

	// peer identity the crafted segments claim to come from
	peerAddr netip.Addr
	peerPort uint16
	peerISS  uint32
	peerNxt  uint32
}

func newSoloHarness(t *testing.T, cfg *config.Config) *soloHarness {
	t.Helper()
	if cfg == nil {
		cfg = testConfig()
	}
	h := &soloHarness{
		t:        t,
		clock:    NewVirtualClock(),
		wire:     &testWire{t: t},
		app:      &testApp{},
		peerAddr: hostB,
		peerPort: 9000,
		peerISS:  5000,
	}
	var err error
	h.core, err = NewTcpCore(cfg, h.clock, h.wire, h.app)
	if err != nil {
		t.Fatalf("core: %v", err)
	}
	h.peerNxt = h.peerISS
	return h
}

// inject builds a segment claiming to come from the peer and feeds it to the
// core directly, bypassing the wire codec.
func (h *soloHarness) inject(flags uint8, seq, ack uint32, payload []byte) {
	h.t.Helper()
	seg := &Segment{
		SrcAddr:    h.peerAddr,
		DstAddr:    hostA,
		SrcPort:    h.peerPort,
		DstPort:    8000,
		SeqNum:     seq,
		AckNum:     ack,
		Flags:      flags,
		WindowSize: 65535,
	}
	if len(payload) > 0 {
		if err := seg.CopyToPayload(h.core.pool, payload); err != nil {
			h.t.Fatalf("inject payload: %v", err)
		}
	}
	h.core.SegmentArrived(seg)
}

// openEstablished runs an active open for (1,1) with a pinned ISN and
// completes the handshake by injecting the peer's SYN+ACK. Returns our ISS.
func (h *soloHarness) openEstablished(override *ConnectionConfig) uint32 {
	h.t.Helper()
	iss := uint32(1000)
	if override == nil {
		override = &ConnectionConfig{}
	}
	override.ISN = &iss
	if err := h.core.OpenActive(1, 1, netip.AddrPortFrom(hostA, 8000), netip.AddrPortFrom(h.peerAddr, h.peerPort), override); err != nil {
		h.t.Fatalf("active open: %v", err)
	}
	h.inject(flagSyn|flagAck, h.peerISS, iss+1, nil)
	h.peerNxt = h.peerISS + 1
	if !h.app.has(NotifyEstablished, 1, 1) {
		h.t.Fatal("connection never reached ESTABLISHED")
	}
	return iss
}
