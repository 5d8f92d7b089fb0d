package lib

import (
	"fmt"
	"log"
	"net/netip"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"

	"github.com/cloudpath-net/tcpcore/config"
)

// NotificationKind enumerates the indications surfaced to the application.
type NotificationKind int

const (
	NotifyEstablished NotificationKind = iota
	NotifyData
	NotifyPeerClosed
	NotifyClosed
	NotifyTimedOut
	NotifyRefused
	NotifyReset
)

var notificationNames = [...]string{
	"ESTABLISHED", "DATA", "PEER-CLOSED", "CLOSED",
	"TIMED-OUT", "CONNECTION-REFUSED", "CONNECTION-RESET",
}

func (k NotificationKind) String() string {
	if k < 0 || int(k) >= len(notificationNames) {
		return "UNKNOWN"
	}
	return notificationNames[k]
}

// Notification is one indication to an application endpoint about one of its
// connections. Data is only set for NotifyData.
type Notification struct {
	Kind     NotificationKind
	Endpoint int
	ConnID   int
	Data     []byte
}

// Application receives notifications. Notify is called on the single thread
// driving the core, synchronously from event processing; implementations
// must not call back into the core from inside Notify.
type Application interface {
	Notify(n Notification)
}

// NetworkSender is the IP-layer collaborator the core emits segments to. The
// segment, including its payload, is only valid for the duration of the
// call; implementations that queue must marshal or copy first.
type NetworkSender interface {
	SendSegment(seg *Segment) error
}

// TcpCore is one protocol entity multiplexing many application connections.
// All of its methods, the scheduler's timer firings included, must be driven
// from a single thread; the core does no locking of its own.
type TcpCore struct {
	config  *config.Config
	sched   Scheduler
	network NetworkSender
	app     Application
	table   *connectionTable
	pool    *rp.RingPool
	stats   *statsRecorder

	nextForkID int
}

// NewTcpCore builds a core instance. The payload chunk pool is owned by the
// instance so several cores can coexist in one process.
func NewTcpCore(cfg *config.Config, sched Scheduler, network NetworkSender, app Application) (*TcpCore, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if sched == nil || network == nil || app == nil {
		return nil, errors.New("scheduler, network sender and application are all required")
	}

	core := &TcpCore{
		config:     cfg,
		sched:      sched,
		network:    network,
		app:        app,
		table:      newConnectionTable(),
		pool:       newPayloadPool(cfg.PayloadPoolSize, payloadBufferLength, cfg.Debug),
		stats:      &statsRecorder{enabled: cfg.RecordStats},
		nextForkID: 1 << 20,
	}

	log.Println("Tcp protocol core started")
	return core, nil
}

// ---------------------------------------------------------------------------
// application command surface
// ---------------------------------------------------------------------------

// OpenActive allocates a connection under (endpoint, connID), sends the SYN
// and starts the handshake. override, when non-nil, adjusts the module
// defaults for this connection only.
func (p *TcpCore) OpenActive(endpoint, connID int, local, remote netip.AddrPort, override *ConnectionConfig) error {
	if p.table.lookupApp(endpoint, connID) != nil {
		return errors.Wrapf(ErrConnectionExists, "endpoint %d connection %d", endpoint, connID)
	}

	conn, err := newConnection(p, connectionParams{
		endpoint:   endpoint,
		connID:     connID,
		localAddr:  local.Addr(),
		localPort:  local.Port(),
		remoteAddr: remote.Addr(),
		remotePort: remote.Port(),
	}, p.mergeConnConfig(override))
	if err != nil {
		return errors.Wrap(err, "OPEN-ACTIVE")
	}

	p.table.register(conn)
	p.stats.count(&p.stats.stats.ConnsOpened, 1)
	conn.openActive()
	return nil
}

// OpenPassive parks a connection in LISTEN on local. With fork set, every
// incoming SYN clones a new connection and the listener keeps listening;
// without it the listener itself is consumed by the first SYN.
func (p *TcpCore) OpenPassive(endpoint, connID int, local netip.AddrPort, fork bool, override *ConnectionConfig) error {
	if p.table.lookupApp(endpoint, connID) != nil {
		return errors.Wrapf(ErrConnectionExists, "endpoint %d connection %d", endpoint, connID)
	}
	if p.table.hasListener(local.Port()) {
		return errors.Wrapf(ErrPortInUse, "port %d", local.Port())
	}

	conn, err := newConnection(p, connectionParams{
		endpoint:  endpoint,
		connID:    connID,
		localAddr: local.Addr(),
		localPort: local.Port(),
	}, p.mergeConnConfig(override))
	if err != nil {
		return errors.Wrap(err, "OPEN-PASSIVE")
	}

	p.table.registerListener(conn)
	p.stats.count(&p.stats.stats.ConnsOpened, 1)
	conn.openPassive(fork)
	return nil
}

// Send buffers data on the connection's send queue.
func (p *TcpCore) Send(endpoint, connID int, data []byte) error {
	conn := p.table.lookupApp(endpoint, connID)
	if conn == nil {
		return errors.Wrapf(ErrConnectionNotFound, "endpoint %d connection %d", endpoint, connID)
	}
	return conn.send(data)
}

// Close starts an orderly release of the connection.
func (p *TcpCore) Close(endpoint, connID int) error {
	conn := p.table.lookupApp(endpoint, connID)
	if conn == nil {
		return errors.Wrapf(ErrConnectionNotFound, "endpoint %d connection %d", endpoint, connID)
	}
	return conn.close()
}

// Abort tears the connection down immediately with RST.
func (p *TcpCore) Abort(endpoint, connID int) error {
	conn := p.table.lookupApp(endpoint, connID)
	if conn == nil {
		return errors.Wrapf(ErrConnectionNotFound, "endpoint %d connection %d", endpoint, connID)
	}
	return conn.abort()
}

// Status reports a snapshot of the connection.
func (p *TcpCore) Status(endpoint, connID int) (*ConnectionStatus, error) {
	conn := p.table.lookupApp(endpoint, connID)
	if conn == nil {
		return nil, errors.Wrapf(ErrConnectionNotFound, "endpoint %d connection %d", endpoint, connID)
	}
	return conn.status(), nil
}

// Stats returns a copy of the core's counters.
func (p *TcpCore) Stats() Stats {
	return p.stats.snapshot()
}

// ConnectionCount returns the number of live connections, listeners included.
func (p *TcpCore) ConnectionCount() int {
	return p.table.size()
}

// Shutdown releases every connection without further wire traffic. Pending
// timers are cancelled so nothing can fire afterwards.
func (p *TcpCore) Shutdown() error {
	for _, conn := range p.table.connections() {
		conn.release(notifyNothing)
	}
	log.Println("Tcp core closed gracefully")
	return nil
}

// ---------------------------------------------------------------------------
// network input
// ---------------------------------------------------------------------------

// SegmentArrived demultiplexes one inbound segment to its connection. A
// segment for which no connection exists is answered with RST unless it
// carries one itself.
func (p *TcpCore) SegmentArrived(seg *Segment) {
	p.stats.count(&p.stats.stats.SegmentsIn, 1)
	p.stats.count(&p.stats.stats.BytesIn, uint64(len(seg.Payload)))

	if p.config.Debug {
		log.Printf("recv %s:%d -> %s:%d seq=%d ack=%d flags=%#x len=%d",
			seg.SrcAddr, seg.SrcPort, seg.DstAddr, seg.DstPort,
			seg.SeqNum, seg.AckNum, seg.Flags, len(seg.Payload))
	}

	conn := p.table.lookupSegment(seg)
	if conn == nil {
		// connection refused: RST the originator
		p.respondWithRst(seg)
		seg.ReturnChunk()
		return
	}
	conn.segmentArrived(seg)
}

// DeliverFrame decodes a wire frame from the network layer and feeds the
// segment in. Checksum verification applies here when enabled.
func (p *TcpCore) DeliverFrame(frame []byte, srcAddr, dstAddr netip.Addr) error {
	if p.config.VerifyChecksum && !VerifySegmentChecksum(frame, srcAddr, dstAddr, config.ProtocolID) {
		p.stats.count(&p.stats.stats.ChecksumDrops, 1)
		return errors.New("frame dropped: checksum verification failed")
	}

	seg, err := UnmarshalSegment(frame, srcAddr, dstAddr, p.pool)
	if err != nil {
		return errors.Wrap(err, "deliver frame")
	}
	p.SegmentArrived(seg)
	return nil
}

// ---------------------------------------------------------------------------
// internals shared with Connection
// ---------------------------------------------------------------------------

// transmit hands one outbound segment to the network collaborator.
func (p *TcpCore) transmit(conn *Connection, seg *Segment) {
	p.stats.count(&p.stats.stats.SegmentsOut, 1)
	p.stats.count(&p.stats.stats.BytesOut, uint64(len(seg.Payload)))

	if p.config.Debug {
		log.Printf("send %s:%d -> %s:%d seq=%d ack=%d flags=%#x len=%d state=%s",
			seg.SrcAddr, seg.SrcPort, seg.DstAddr, seg.DstPort,
			seg.SeqNum, seg.AckNum, seg.Flags, len(seg.Payload), conn.state)
	}

	if err := p.network.SendSegment(seg); err != nil {
		// the wire failing is not fatal to the connection; retransmission
		// covers the loss
		log.Println("error sending segment:", err)
	}
}

// notify surfaces one indication to the application.
func (p *TcpCore) notify(conn *Connection, kind NotificationKind, data []byte) {
	p.app.Notify(Notification{
		Kind:     kind,
		Endpoint: conn.params.endpoint,
		ConnID:   conn.params.connID,
		Data:     data,
	})
}

// respondWithRst answers an unacceptable segment per RFC793: echo the ACK
// number as our sequence number when one is present, otherwise ACK the
// offending segment from sequence zero. Never RST a RST.
func (p *TcpCore) respondWithRst(seg *Segment) {
	if seg.Flags&header.TCPFlagRst != 0 {
		return
	}
	rst := &Segment{
		SrcAddr: seg.DstAddr,
		DstAddr: seg.SrcAddr,
		SrcPort: seg.DstPort,
		DstPort: seg.SrcPort,
	}
	if seg.Flags&header.TCPFlagAck != 0 {
		rst.Flags = header.TCPFlagRst
		rst.SeqNum = seg.AckNum
	} else {
		rst.Flags = header.TCPFlagRst | header.TCPFlagAck
		rst.AckNum = seg.SeqNum + uint32(seg.SeqSpace())
	}

	p.stats.count(&p.stats.stats.RstsOut, 1)
	if p.config.Debug {
		log.Printf("send RST %s:%d -> %s:%d seq=%d ack=%d",
			rst.SrcAddr, rst.SrcPort, rst.DstAddr, rst.DstPort, rst.SeqNum, rst.AckNum)
	}
	if err := p.network.SendSegment(rst); err != nil {
		log.Println("error sending RST:", err)
	}
}

// forkFromListener clones a new connection off a fork-enabled listener in
// response to an incoming SYN. The listener stays in LISTEN; the clone gets
// a core-assigned connection id the application learns from its
// ESTABLISHED notification.
func (p *TcpCore) forkFromListener(listener *Connection, seg *Segment) {
	connID := p.allocForkID(listener.params.endpoint)

	// each clone gets its own config so a pinned ISN on the listener does
	// not stamp the same ISS on every accepted connection
	cfg := *listener.config
	cfg.ISN = nil

	conn, err := newConnection(p, connectionParams{
		endpoint:   listener.params.endpoint,
		connID:     connID,
		localAddr:  seg.DstAddr,
		localPort:  listener.localPort,
		remoteAddr: seg.SrcAddr,
		remotePort: seg.SrcPort,
	}, &cfg)
	if err != nil {
		log.Println("error forking connection off listener:", err)
		return
	}
	conn.fork = false

	p.table.register(conn)
	conn.acceptSyn(seg)
}

// allocForkID picks an unused connection id for a forked connection. Fork
// ids live above 2^20 so they cannot collide with ids applications choose
// for their own OPEN commands.
func (p *TcpCore) allocForkID(endpoint int) int {
	for {
		p.nextForkID++
		if p.table.lookupApp(endpoint, p.nextForkID) == nil {
			return p.nextForkID
		}
	}
}

// mergeConnConfig layers a per-connection override over the module config.
// Unset override fields inherit the module setting.
func (p *TcpCore) mergeConnConfig(override *ConnectionConfig) *ConnectionConfig {
	cfg := connConfigFromModule(p.config)
	if override == nil {
		return cfg
	}

	if override.DelayedAck != nil {
		cfg.DelayedAck = override.DelayedAck
	}
	if override.Nagle != nil {
		cfg.Nagle = override.Nagle
	}
	if override.ISN != nil {
		cfg.ISN = override.ISN
	}

	if override.MSS > 0 {
		cfg.MSS = override.MSS
	}
	if override.AdvertisedWindowMSS > 0 {
		cfg.AdvertisedWindowMSS = override.AdvertisedWindowMSS
	}
	if override.CongestionControl != "" {
		cfg.CongestionControl = override.CongestionControl
	}
	if override.QueueStrategy != "" {
		cfg.QueueStrategy = override.QueueStrategy
	}
	if override.ConnEstabTimeout > 0 {
		cfg.ConnEstabTimeout = override.ConnEstabTimeout
	}
	if override.SynRexmitTimeout > 0 {
		cfg.SynRexmitTimeout = override.SynRexmitTimeout
	}
	if override.FinWait2Timeout > 0 {
		cfg.FinWait2Timeout = override.FinWait2Timeout
	}
	if override.MSL > 0 {
		cfg.MSL = override.MSL
	}
	if override.DelAckTimeout > 0 {
		cfg.DelAckTimeout = override.DelAckTimeout
	}
	if override.MinRTO > 0 {
		cfg.MinRTO = override.MinRTO
	}
	if override.MaxRTO > 0 {
		cfg.MaxRTO = override.MaxRTO
	}
	if override.MaxRexmitShift > 0 {
		cfg.MaxRexmitShift = override.MaxRexmitShift
	}
	return cfg
}

func addrPortString(addr netip.Addr, port uint16) string {
	return fmt.Sprintf("%s:%d", addr, port)
}
