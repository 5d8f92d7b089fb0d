package lib

import (
	"log"
	"net/netip"
	"time"

	"github.com/google/netstack/tcpip/header"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"

	"github.com/cloudpath-net/tcpcore/config"
)

// connectionParams carries the static identity of a connection: who it is on
// the application side and on the network side.
type connectionParams struct {
	endpoint   int
	connID     int
	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

// ConnectionConfig is the per-connection tuning selected at OPEN time.
// Unset fields inherit the core's module-wide configuration.
type ConnectionConfig struct {
	MSS                 int
	AdvertisedWindowMSS int
	CongestionControl   string
	QueueStrategy       string

	// DelayedAck and Nagle inherit the module setting when nil.
	DelayedAck *bool
	Nagle      *bool

	ConnEstabTimeout time.Duration
	SynRexmitTimeout time.Duration
	FinWait2Timeout  time.Duration
	MSL              time.Duration
	DelAckTimeout    time.Duration
	MinRTO           time.Duration
	MaxRTO           time.Duration
	MaxRexmitShift   int

	// ISN pins the initial sequence number; nil draws a random one.
	ISN *uint32
}

// connConfigFromModule expands a module Config into a fully populated
// ConnectionConfig.
func connConfigFromModule(cfg *config.Config) *ConnectionConfig {
	delayedAck := cfg.DelayedAck
	nagle := cfg.Nagle
	return &ConnectionConfig{
		MSS:                 cfg.MSS,
		AdvertisedWindowMSS: cfg.AdvertisedWindowMSS,
		CongestionControl:   cfg.CongestionControl,
		QueueStrategy:       cfg.QueueStrategy,
		DelayedAck:          &delayedAck,
		Nagle:               &nagle,
		ConnEstabTimeout:    cfg.ConnEstabTimeout,
		SynRexmitTimeout:    cfg.SynRexmitTimeout,
		FinWait2Timeout:     cfg.FinWait2Timeout,
		MSL:                 cfg.MSL,
		DelAckTimeout:       cfg.DelAckTimeout,
		MinRTO:              cfg.MinRTO,
		MaxRTO:              cfg.MaxRTO,
		MaxRexmitShift:      cfg.MaxRexmitShift,
	}
}

// sentSegment tracks one transmitted, not yet acknowledged segment for
// retransmission and RTT sampling.
type sentSegment struct {
	seg         *Segment
	sentAt      time.Time
	rexmitCount int
}

// Connection is one RFC793 state machine instance. It is owned exclusively
// by the core's connection table and driven by exactly three event kinds:
// application commands, inbound segments and timer firings, all of which the
// host delivers on a single thread.
type Connection struct {
	core   *TcpCore
	params connectionParams
	config *ConnectionConfig
	state  State
	fork   bool // LISTEN only: clone a new connection per incoming SYN

	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16

	// send sequence variables
	iss    seqnum.Value
	sndUna seqnum.Value
	sndNxt seqnum.Value
	sndWnd seqnum.Size

	// receive sequence variables
	irs    seqnum.Value
	rcvNxt seqnum.Value
	rcvWnd seqnum.Size // fixed advertised window, no RECEIVE throttling

	mss     int // effective MSS: min of ours and the peer's announced one
	peerMSS int

	sendQ         sendQueue
	reasmQ        *reassemblyQueue
	objectFraming bool

	rexmitQ     []*sentSegment
	cc          CongestionControl
	rtt         *rttEstimator
	rexmitShift int // consecutive unanswered retransmissions of the oldest segment
	dupAcks     int

	timers        *timerSet
	delAckPending bool

	finQueued bool // CLOSE issued, FIN not emitted yet
	finSent   bool
	finSeq    seqnum.Value

	released bool
}

func newConnection(core *TcpCore, params connectionParams, cfg *ConnectionConfig) (*Connection, error) {
	if cfg.MSS <= 0 || cfg.MSS > maxSegmentSize {
		return nil, errors.Errorf("MSS %d outside 1..%d", cfg.MSS, maxSegmentSize)
	}
	sendQ, err := newSendQueue(cfg.QueueStrategy, cfg.MSS, sendQueueCapacity(cfg))
	if err != nil {
		return nil, err
	}
	cc, err := newCongestionControl(cfg.CongestionControl, cfg.MSS)
	if err != nil {
		return nil, err
	}

	conn := &Connection{
		core:          core,
		params:        params,
		config:        cfg,
		state:         StateClosed,
		localAddr:     params.localAddr,
		localPort:     params.localPort,
		remoteAddr:    params.remoteAddr,
		remotePort:    params.remotePort,
		mss:           cfg.MSS,
		peerMSS:       cfg.MSS,
		rcvWnd:        seqnum.Size(cfg.AdvertisedWindowMSS * cfg.MSS),
		sendQ:         sendQ,
		reasmQ:        newReassemblyQueue(),
		objectFraming: cfg.QueueStrategy == QueueObject,
		cc:            cc,
		rtt:           newRTTEstimator(cfg.MinRTO, cfg.MaxRTO),
	}
	if conn.rcvWnd > 65535 {
		// no window scaling option, so the advertised window is capped at
		// what the 16-bit header field can carry
		conn.rcvWnd = 65535
	}
	conn.timers = newTimerSet(core.sched, conn.onTimer)

	if cfg.ISN != nil {
		conn.iss = seqnum.Value(*cfg.ISN)
	} else {
		isn, err := GenerateISN()
		if err != nil {
			return nil, errors.Wrap(err, "new connection")
		}
		conn.iss = seqnum.Value(isn)
	}
	conn.sndUna = conn.iss
	conn.sndNxt = conn.iss

	return conn, nil
}

// sendQueueCapacity sizes the byte-stream ring: enough to keep a full
// congestion-grown window busy plus slack for the application.
func sendQueueCapacity(cfg *ConnectionConfig) int {
	capacity := 4 * cfg.AdvertisedWindowMSS * cfg.MSS
	if capacity < 1<<16 {
		capacity = 1 << 16
	}
	return capacity
}

func (c *Connection) netKey() netTuple {
	return netTuple{
		localAddr:  c.localAddr,
		localPort:  c.localPort,
		remoteAddr: c.remoteAddr,
		remotePort: c.remotePort,
	}
}

func (c *Connection) appKey() appTuple {
	return appTuple{endpoint: c.params.endpoint, connID: c.params.connID}
}

// openActive fires the SYN and starts the handshake timers.
func (c *Connection) openActive() {
	c.state = StateSynSent
	c.transmitControl(header.TCPFlagSyn, c.iss, 0, uint16(c.config.MSS))
	c.sndNxt = c.iss.Add(1)
	c.timers.arm(timerConnEstab, c.config.ConnEstabTimeout)
	c.timers.arm(timerSynRexmit, c.config.SynRexmitTimeout)
}

// openPassive parks the connection in LISTEN.
func (c *Connection) openPassive(fork bool) {
	c.state = StateListen
	c.fork = fork
}

// ---------------------------------------------------------------------------
// inbound segment processing
// ---------------------------------------------------------------------------

// segmentArrived is the single entry point for a demultiplexed inbound
// segment. The payload chunk is owned by this call and returned to the pool
// before it finishes.
func (c *Connection) segmentArrived(seg *Segment) {
	defer seg.ReturnChunk()

	switch c.state {
	case StateListen:
		c.handleSegListen(seg)
	case StateSynSent:
		c.handleSegSynSent(seg)
	case StateClosed:
		// released connection still reachable through a stale reference
		c.core.respondWithRst(seg)
	default:
		c.handleSegSynchronized(seg)
	}
}

// handleSegListen implements the LISTEN state. A SYN either forks a fresh
// connection or converts this one into the handshake responder; anything
// carrying an ACK is answered with RST.
func (c *Connection) handleSegListen(seg *Segment) {
	if seg.Flags&header.TCPFlagRst != 0 {
		return
	}
	if seg.Flags&header.TCPFlagAck != 0 {
		c.core.respondWithRst(seg)
		return
	}
	if seg.Flags&header.TCPFlagSyn == 0 {
		return
	}
	// A FIN riding on the SYN is discarded along with any payload; the
	// segment is treated as a plain SYN.

	if c.fork {
		// clone a new connection; this one stays in LISTEN
		c.core.forkFromListener(c, seg)
		return
	}

	// The listening connection itself becomes the handshake responder.
	c.core.table.remove(c)
	c.localAddr = seg.DstAddr
	c.remoteAddr = seg.SrcAddr
	c.remotePort = seg.SrcPort
	c.core.table.register(c)
	c.acceptSyn(seg)
}

// acceptSyn moves a connection with a SYN in hand into SYN_RCVD and answers
// with SYN+ACK.
func (c *Connection) acceptSyn(seg *Segment) {
	c.irs = seqnum.Value(seg.SeqNum)
	c.rcvNxt = c.irs.Add(1)
	c.sndWnd = seqnum.Size(seg.WindowSize)
	c.notePeerMSS(seg.MSSOption)

	c.state = StateSynReceived
	c.transmitControl(header.TCPFlagSyn|header.TCPFlagAck, c.iss, uint32(c.rcvNxt), uint16(c.config.MSS))
	c.sndNxt = c.iss.Add(1)
	c.timers.arm(timerConnEstab, c.config.ConnEstabTimeout)
	c.timers.arm(timerSynRexmit, c.config.SynRexmitTimeout)
}

// handleSegSynSent implements SYN_SENT: waiting for the SYN+ACK of an active
// open, or a crossing SYN.
func (c *Connection) handleSegSynSent(seg *Segment) {
	hasAck := seg.Flags&header.TCPFlagAck != 0
	ack := seqnum.Value(seg.AckNum)

	if hasAck {
		// acceptable ACK: iss < ack <= sndNxt
		if !c.iss.LessThan(ack) || c.sndNxt.LessThan(ack) {
			if seg.Flags&header.TCPFlagRst == 0 {
				c.core.respondWithRst(seg)
			}
			return
		}
	}

	if seg.Flags&header.TCPFlagRst != 0 {
		if hasAck {
			c.release(NotifyRefused)
		}
		return
	}

	if seg.Flags&header.TCPFlagSyn == 0 {
		return
	}
	// SYN+FIN: the FIN bit and any payload are discarded, SYN processed alone.

	c.irs = seqnum.Value(seg.SeqNum)
	c.rcvNxt = c.irs.Add(1)
	c.sndWnd = seqnum.Size(seg.WindowSize)
	c.notePeerMSS(seg.MSSOption)

	if hasAck {
		// normal 3-way handshake completion
		c.sndUna = ack
		c.timers.cancel(timerConnEstab)
		c.timers.cancel(timerSynRexmit)
		c.state = StateEstablished
		c.sendAck()
		c.core.notify(c, NotifyEstablished, nil)
		c.trySend()
		return
	}

	// simultaneous open: both sides sent SYN
	c.state = StateSynReceived
	c.transmitControl(header.TCPFlagSyn|header.TCPFlagAck, c.iss, uint32(c.rcvNxt), uint16(c.config.MSS))
	c.timers.arm(timerSynRexmit, c.config.SynRexmitTimeout)
}

// handleSegSynchronized implements every state from SYN_RCVD onward: the
// RFC793 acceptance test followed by RST, SYN, ACK, payload and FIN
// processing in that order.
func (c *Connection) handleSegSynchronized(seg *Segment) {
	seq := seqnum.Value(seg.SeqNum)

	if !c.segmentAcceptable(seg) {
		if seg.Flags&header.TCPFlagRst == 0 {
			// out-of-window data elicits a duplicate ACK
			c.core.stats.count(&c.core.stats.stats.OutOfWindowDrops, 1)
			c.sendAck()
		}
		return
	}

	if seg.Flags&header.TCPFlagRst != 0 {
		c.handleRst()
		return
	}

	if seg.Flags&header.TCPFlagSyn != 0 {
		// in-window SYN in a synchronized state is fatal
		c.core.respondWithRst(seg)
		c.release(NotifyReset)
		return
	}

	if seg.Flags&header.TCPFlagAck == 0 {
		return
	}

	if !c.processAck(seg) {
		return
	}

	c.processPayload(seg)

	if seg.Flags&header.TCPFlagFin != 0 {
		finSeq := seq.Add(seqnum.Size(len(seg.Payload)))
		c.processFin(finSeq)
	}
}

// segmentAcceptable applies the RFC793 window test against RCV.NXT and the
// advertised window.
func (c *Connection) segmentAcceptable(seg *Segment) bool {
	seq := seqnum.Value(seg.SeqNum)
	segLen := seqnum.Size(seg.SeqSpace())

	if segLen == 0 {
		if c.rcvWnd == 0 {
			return seq == c.rcvNxt
		}
		return seq.InWindow(c.rcvNxt, c.rcvWnd)
	}
	if c.rcvWnd == 0 {
		return false
	}
	last := seq.Add(segLen - 1)
	return seq.InWindow(c.rcvNxt, c.rcvWnd) || last.InWindow(c.rcvNxt, c.rcvWnd)
}

// handleRst tears the connection down in response to a valid inbound RST.
func (c *Connection) handleRst() {
	c.core.stats.count(&c.core.stats.stats.RstsIn, 1)

	switch c.state {
	case StateSynReceived:
		// a forked handshake responder dies silently; the application was
		// never told about it
		c.release(notifyNothing)
	case StateTimeWait, StateClosing, StateLastAck:
		c.release(notifyNothing)
	default:
		c.core.stats.count(&c.core.stats.stats.ConnsReset, 1)
		c.release(NotifyReset)
	}
}

// processAck performs ACK bookkeeping. Returns false when the segment must
// not be processed any further.
func (c *Connection) processAck(seg *Segment) bool {
	ack := seqnum.Value(seg.AckNum)

	if c.state == StateSynReceived {
		if c.sndUna.LessThan(ack) && ack.LessThanEq(c.sndNxt) {
			c.timers.cancel(timerConnEstab)
			c.timers.cancel(timerSynRexmit)
			c.sndUna = ack
			c.sndWnd = seqnum.Size(seg.WindowSize)
			c.state = StateEstablished
			c.core.stats.count(&c.core.stats.stats.ConnsAccepted, 1)
			c.core.notify(c, NotifyEstablished, nil)
			c.trySend()
		} else {
			c.core.respondWithRst(seg)
			return false
		}
		return true
	}

	switch {
	case c.sndUna.LessThan(ack) && ack.LessThanEq(c.sndNxt):
		// new data acknowledged
		acked := int(c.sndUna.Size(ack))
		c.sndUna = ack
		c.sndWnd = seqnum.Size(seg.WindowSize)
		c.dupAcks = 0
		c.rexmitShift = 0
		c.ackRexmitQueue(ack)
		c.cc.OnAck(acked, c.flightSize())

		if len(c.rexmitQ) == 0 {
			c.timers.cancel(timerRexmt)
		} else {
			c.timers.arm(timerRexmt, c.rtt.rto())
		}

		if c.finSent && c.finSeq.LessThan(ack) {
			c.finAcknowledged()
		}
		c.trySend()

	case ack == c.sndUna:
		if len(seg.Payload) == 0 && seg.Flags&(header.TCPFlagSyn|header.TCPFlagFin) == 0 &&
			len(c.rexmitQ) > 0 && seqnum.Size(seg.WindowSize) == c.sndWnd {
			// classic duplicate ACK
			c.dupAcks++
			c.core.stats.count(&c.core.stats.stats.DupAcksIn, 1)
			if c.cc.OnDupAck(c.dupAcks, c.flightSize()) {
				c.fastRetransmit()
			}
			c.trySend()
		} else {
			c.sndWnd = seqnum.Size(seg.WindowSize)
			c.trySend()
		}

	case c.sndNxt.LessThan(ack):
		// ACK for data we never sent
		c.sendAck()
		return false
	}

	return true
}

// ackRexmitQueue drops every fully acknowledged segment from the
// retransmission queue and feeds the RTT estimator, honoring Karn's rule.
func (c *Connection) ackRexmitQueue(ack seqnum.Value) {
	kept := c.rexmitQ[:0]
	for _, entry := range c.rexmitQ {
		end := seqnum.Value(entry.seg.SeqNum).Add(seqnum.Size(entry.seg.SeqSpace()))
		if end.LessThanEq(ack) {
			if entry.rexmitCount == 0 {
				c.rtt.sample(c.core.sched.Now().Sub(entry.sentAt))
			} else {
				// Karn's rule forbids sampling; the valid ACK still resets
				// the backoff
				c.rtt.backoffShift = 0
			}
			entry.seg.ReturnChunk()
			continue
		}
		kept = append(kept, entry)
	}
	c.rexmitQ = kept
}

// fastRetransmit resends the oldest unacknowledged segment without touching
// the backoff state.
func (c *Connection) fastRetransmit() {
	if len(c.rexmitQ) == 0 {
		return
	}
	entry := c.rexmitQ[0]
	entry.rexmitCount++
	entry.sentAt = c.core.sched.Now()
	c.core.stats.count(&c.core.stats.stats.FastRetransmits, 1)
	c.core.stats.count(&c.core.stats.stats.Retransmits, 1)
	c.core.transmit(c, entry.seg)
	c.timers.arm(timerRexmt, c.rtt.rto())
}

// processPayload reassembles and delivers inbound data. Data is only
// accepted while we have not seen the peer's FIN: ESTABLISHED, FIN_WAIT_1
// and FIN_WAIT_2. Delivery always pushes; there is no RECEIVE throttling.
func (c *Connection) processPayload(seg *Segment) {
	if len(seg.Payload) == 0 {
		return
	}
	switch c.state {
	case StateEstablished, StateFinWait1, StateFinWait2:
	default:
		return
	}

	seq := seqnum.Value(seg.SeqNum)
	if c.rcvNxt.LessThan(seq) {
		c.core.stats.count(&c.core.stats.stats.SegmentsReordered, 1)
	}
	c.reasmQ.insert(seq, seg.Payload)

	deliverable, newNxt := c.reasmQ.extract(c.rcvNxt)
	if newNxt == c.rcvNxt {
		// gap ahead of this segment: tell the peer what we still expect
		c.sendAck()
		return
	}
	c.rcvNxt = newNxt

	if c.objectFraming {
		for _, obj := range deliverable {
			c.core.notify(c, NotifyData, obj)
		}
	} else {
		total := 0
		for _, chunk := range deliverable {
			total += len(chunk)
		}
		data := make([]byte, 0, total)
		for _, chunk := range deliverable {
			data = append(data, chunk...)
		}
		c.core.notify(c, NotifyData, data)
	}

	c.scheduleAck()
}

// processFin handles a FIN whose sequence number is finSeq. Only an
// in-sequence FIN advances the connection; an out-of-sequence one waits in
// the reassembly queue's shadow until the data before it arrives.
func (c *Connection) processFin(finSeq seqnum.Value) {
	if finSeq != c.rcvNxt {
		// data before the FIN is still missing, or the FIN is a duplicate
		c.sendAck()
		return
	}
	c.rcvNxt = c.rcvNxt.Add(1)
	c.sendAck()

	switch c.state {
	case StateEstablished:
		c.state = StateCloseWait
		c.core.notify(c, NotifyPeerClosed, nil)
	case StateFinWait1:
		// our FIN is not yet acknowledged, otherwise we would be in
		// FIN_WAIT_2
		c.state = StateClosing
		c.core.notify(c, NotifyPeerClosed, nil)
	case StateFinWait2:
		c.core.notify(c, NotifyPeerClosed, nil)
		c.enterTimeWait()
	case StateTimeWait:
		// retransmitted FIN restarts the quiet period
		c.timers.arm(timerTimeWait, 2*c.config.MSL)
	}
}

// finAcknowledged advances the closing states once our FIN is covered by
// SND.UNA.
func (c *Connection) finAcknowledged() {
	switch c.state {
	case StateFinWait1:
		c.state = StateFinWait2
		c.timers.arm(timerFinWait2, c.config.FinWait2Timeout)
	case StateClosing:
		c.enterTimeWait()
	case StateLastAck:
		c.release(NotifyClosed)
	}
}

func (c *Connection) enterTimeWait() {
	c.state = StateTimeWait
	c.timers.cancel(timerRexmt)
	c.timers.cancel(timerFinWait2)
	c.timers.arm(timerTimeWait, 2*c.config.MSL)
}

// ---------------------------------------------------------------------------
// application commands
// ---------------------------------------------------------------------------

// send buffers outbound data. Before the handshake completes the data sits
// in the queue; a CLOSE or ABORT issued before ESTABLISHED discards it.
func (c *Connection) send(data []byte) error {
	switch c.state {
	case StateSynSent, StateSynReceived, StateEstablished, StateCloseWait:
	default:
		return errors.Wrapf(ErrInvalidState, "SEND in %s", c.state)
	}
	if c.finQueued || c.finSent {
		return errors.Wrap(ErrInvalidState, "SEND after CLOSE")
	}
	if err := c.sendQ.enqueue(data); err != nil {
		return err
	}
	if c.state == StateEstablished || c.state == StateCloseWait {
		c.trySend()
	}
	return nil
}

// close begins an orderly release. In the handshake states this degenerates
// to an abort: buffered but untransmitted data is discarded.
func (c *Connection) close() error {
	switch c.state {
	case StateListen:
		c.release(NotifyClosed)
	case StateSynSent, StateSynReceived:
		// documented deviation: SEND followed by CLOSE before ESTABLISHED
		// drops straight to CLOSED without flushing the buffered payload
		c.release(NotifyClosed)
	case StateEstablished:
		c.state = StateFinWait1
		c.finQueued = true
		c.trySend()
	case StateCloseWait:
		c.state = StateLastAck
		c.finQueued = true
		c.trySend()
	default:
		return errors.Wrapf(ErrInvalidState, "CLOSE in %s", c.state)
	}
	return nil
}

// abort tears the connection down immediately, sending RST when the peer
// may still hold state for it.
func (c *Connection) abort() error {
	switch c.state {
	case StateSynReceived, StateEstablished, StateFinWait1, StateFinWait2, StateCloseWait:
		c.transmitControl(header.TCPFlagRst|header.TCPFlagAck, c.sndNxt, uint32(c.rcvNxt), 0)
		c.core.stats.count(&c.core.stats.stats.RstsOut, 1)
	}
	c.release(NotifyClosed)
	return nil
}

// ---------------------------------------------------------------------------
// output path
// ---------------------------------------------------------------------------

// trySend pushes queued data into the window and emits the queued FIN once
// the send queue has drained.
func (c *Connection) trySend() {
	switch c.state {
	case StateEstablished, StateCloseWait, StateFinWait1, StateClosing, StateLastAck:
	default:
		return
	}

	for {
		window := c.cc.Window()
		if peer := int(c.sndWnd); peer < window {
			window = peer
		}
		flight := c.flightSize()
		avail := window - flight
		if avail <= 0 {
			break
		}
		maxBytes := c.mss
		if avail < maxBytes {
			maxBytes = avail
		}

		buffered := c.sendQ.buffered()
		if buffered == 0 {
			break
		}
		if *c.config.Nagle && flight > 0 && buffered < c.mss {
			// Nagle: hold small segments while data is outstanding
			break
		}

		payload := c.sendQ.next(maxBytes)
		if payload == nil {
			break
		}
		if !c.transmitData(payload) {
			break
		}
	}

	if c.finQueued && c.sendQ.buffered() == 0 {
		c.finQueued = false
		c.finSent = true
		c.finSeq = c.sndNxt
		seg := c.buildSegment(header.TCPFlagFin|header.TCPFlagAck, c.sndNxt, uint32(c.rcvNxt), 0)
		c.sndNxt = c.sndNxt.Add(1)
		c.trackAndTransmit(seg)
	}
}

// transmitData emits one data segment carrying payload at SND.NXT. The
// payload is copied into a pool chunk first; when the copy fails nothing is
// sent and SND.NXT stays put, so the sequence space never runs ahead of
// data that was not transmitted.
func (c *Connection) transmitData(payload []byte) bool {
	seg := c.buildSegment(header.TCPFlagAck|header.TCPFlagPsh, c.sndNxt, uint32(c.rcvNxt), 0)
	if err := seg.CopyToPayload(c.core.pool, payload); err != nil {
		log.Println("transmitData:", err)
		return false
	}
	c.sndNxt = c.sndNxt.Add(seqnum.Size(len(payload)))
	c.trackAndTransmit(seg)
	return true
}

// trackAndTransmit appends a sequence-space consuming segment to the
// retransmission queue and sends it.
func (c *Connection) trackAndTransmit(seg *Segment) {
	c.rexmitQ = append(c.rexmitQ, &sentSegment{
		seg:    seg,
		sentAt: c.core.sched.Now(),
	})
	if !c.timers.isArmed(timerRexmt) {
		c.timers.arm(timerRexmt, c.rtt.rto())
	}
	// piggybacked ACK supersedes a pending delayed one
	c.clearDelAck()
	c.core.transmit(c, seg)
}

// buildSegment assembles a payloadless outbound segment from the connection
// state; data segments are filled in by transmitData.
func (c *Connection) buildSegment(flags uint8, seq seqnum.Value, ack uint32, mssOption uint16) *Segment {
	return &Segment{
		SrcAddr:    c.localAddr,
		DstAddr:    c.remoteAddr,
		SrcPort:    c.localPort,
		DstPort:    c.remotePort,
		SeqNum:     uint32(seq),
		AckNum:     ack,
		Flags:      flags,
		WindowSize: uint16(c.rcvWnd),
		MSSOption:  mssOption,
	}
}

// transmitControl sends a segment that is not tracked for retransmission by
// the data path (SYN and SYN+ACK have their own rexmit timer, RST has none).
func (c *Connection) transmitControl(flags uint8, seq seqnum.Value, ack uint32, mssOption uint16) {
	if flags&header.TCPFlagAck == 0 {
		// only the initial SYN legitimately omits ACK
		c.core.transmit(c, c.buildSegment(flags, seq, 0, mssOption))
		return
	}
	c.core.transmit(c, c.buildSegment(flags, seq, ack, mssOption))
}

// sendAck emits an immediate pure acknowledgement.
func (c *Connection) sendAck() {
	c.clearDelAck()
	c.core.transmit(c, c.buildSegment(header.TCPFlagAck, c.sndNxt, uint32(c.rcvNxt), 0))
}

// scheduleAck arranges acknowledgement of freshly delivered data: batched on
// the delayed ACK timer when enabled, immediate otherwise.
func (c *Connection) scheduleAck() {
	if !*c.config.DelayedAck {
		c.sendAck()
		return
	}
	if c.delAckPending {
		// second in-order segment within one batching interval: ack now
		c.sendAck()
		return
	}
	c.delAckPending = true
	c.timers.arm(timerDelAck, c.config.DelAckTimeout)
}

func (c *Connection) clearDelAck() {
	if c.delAckPending {
		c.delAckPending = false
		c.timers.cancel(timerDelAck)
	}
}

// flightSize is the amount of sequence space sent but not yet acknowledged.
func (c *Connection) flightSize() int {
	return int(c.sndUna.Size(c.sndNxt))
}

func (c *Connection) notePeerMSS(mss uint16) {
	if mss == 0 {
		return
	}
	c.peerMSS = int(mss)
	if c.peerMSS < c.mss {
		c.mss = c.peerMSS
	}
}

// ---------------------------------------------------------------------------
// timers
// ---------------------------------------------------------------------------

// onTimer dispatches a timer firing. A firing whose generation predates the
// last cancelAll belongs to a released connection and is ignored.
func (c *Connection) onTimer(kind timerKind, generation uint64) {
	if c.released || generation != c.timers.generation {
		return
	}

	switch kind {
	case timerConnEstab:
		c.core.stats.count(&c.core.stats.stats.ConnsTimedOut, 1)
		c.release(NotifyTimedOut)

	case timerSynRexmit:
		c.resendHandshake()

	case timerRexmt:
		c.retransmitTimeout()

	case timerDelAck:
		if c.delAckPending {
			c.delAckPending = false
			c.core.stats.count(&c.core.stats.stats.DelayedAcksSent, 1)
			c.core.transmit(c, c.buildSegment(header.TCPFlagAck, c.sndNxt, uint32(c.rcvNxt), 0))
		}

	case timerFinWait2:
		// the peer never sent its FIN; give up waiting
		c.release(NotifyClosed)

	case timerTimeWait:
		c.core.stats.count(&c.core.stats.stats.ConnsTimedWait, 1)
		c.release(NotifyClosed)
	}
}

// resendHandshake retransmits the SYN or SYN+ACK until CONN-ESTAB gives up.
func (c *Connection) resendHandshake() {
	switch c.state {
	case StateSynSent:
		c.transmitControl(header.TCPFlagSyn, c.iss, 0, uint16(c.config.MSS))
	case StateSynReceived:
		c.transmitControl(header.TCPFlagSyn|header.TCPFlagAck, c.iss, uint32(c.rcvNxt), uint16(c.config.MSS))
	default:
		return
	}
	c.core.stats.count(&c.core.stats.stats.Retransmits, 1)
	c.timers.arm(timerSynRexmit, c.config.SynRexmitTimeout)
}

// retransmitTimeout resends the oldest unacknowledged segment with
// exponential backoff, aborting the connection once the retry budget is
// exhausted.
func (c *Connection) retransmitTimeout() {
	if len(c.rexmitQ) == 0 {
		return
	}

	c.rexmitShift++
	if c.rexmitShift > c.config.MaxRexmitShift {
		c.core.stats.count(&c.core.stats.stats.ConnsTimedOut, 1)
		c.release(NotifyTimedOut)
		return
	}

	c.rtt.backoff()
	c.cc.OnTimeout(c.flightSize())
	c.dupAcks = 0

	entry := c.rexmitQ[0]
	entry.rexmitCount++
	entry.sentAt = c.core.sched.Now()
	c.core.stats.count(&c.core.stats.stats.Retransmits, 1)
	c.core.transmit(c, entry.seg)

	c.timers.arm(timerRexmt, c.rtt.rto())
}

// ---------------------------------------------------------------------------
// release
// ---------------------------------------------------------------------------

// notifyNothing suppresses the release notification.
const notifyNothing NotificationKind = -1

// release moves the connection to CLOSED, cancels every timer, returns all
// pooled chunks and removes the connection from the table. kind, unless
// notifyNothing, is surfaced to the application.
func (c *Connection) release(kind NotificationKind) {
	if c.released {
		return
	}
	c.released = true
	c.state = StateClosed

	c.timers.cancelAll()
	for _, entry := range c.rexmitQ {
		entry.seg.ReturnChunk()
	}
	c.rexmitQ = nil
	c.sendQ.reset()
	c.reasmQ.clear()

	c.core.table.remove(c)

	if kind != notifyNothing {
		c.core.notify(c, kind, nil)
	}
}

// ---------------------------------------------------------------------------
// status
// ---------------------------------------------------------------------------

// ConnectionStatus is the STATUS command snapshot.
type ConnectionStatus struct {
	State             string
	LocalAddr         string
	RemoteAddr        string
	SndUna            uint32
	SndNxt            uint32
	SndWnd            uint32
	RcvNxt            uint32
	RcvWnd            uint32
	MSS               int
	CongestionControl string
	CongestionWindow  int
	SRTT              time.Duration
	RTO               time.Duration
	SendBuffered      int
	InFlight          int
	ReassemblyPending int
	ArmedTimers       []string
}

func (c *Connection) status() *ConnectionStatus {
	return &ConnectionStatus{
		State:             c.state.String(),
		LocalAddr:         addrPortString(c.localAddr, c.localPort),
		RemoteAddr:        addrPortString(c.remoteAddr, c.remotePort),
		SndUna:            uint32(c.sndUna),
		SndNxt:            uint32(c.sndNxt),
		SndWnd:            uint32(c.sndWnd),
		RcvNxt:            uint32(c.rcvNxt),
		RcvWnd:            uint32(c.rcvWnd),
		MSS:               c.mss,
		CongestionControl: c.cc.Name(),
		CongestionWindow:  c.cc.Window(),
		SRTT:              c.rtt.srtt,
		RTO:               c.rtt.rto(),
		SendBuffered:      c.sendQ.buffered(),
		InFlight:          c.flightSize(),
		ReassemblyPending: c.reasmQ.pending(),
		ArmedTimers:       c.timers.armedKinds(),
	}
}
