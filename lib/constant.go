package lib

// RFC793 connection states.
type State int

const (
	StateClosed State = iota
	StateListen
	StateSynSent
	StateSynReceived
	StateEstablished
	StateFinWait1
	StateFinWait2
	StateCloseWait
	StateClosing
	StateLastAck
	StateTimeWait
)

var stateNames = [...]string{
	"CLOSED", "LISTEN", "SYN_SENT", "SYN_RCVD",
	"ESTABLISHED", "FIN_WAIT_1", "FIN_WAIT_2", "CLOSE_WAIT",
	"CLOSING", "LAST_ACK", "TIME_WAIT",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// synchronized reports whether the handshake has completed in state s.
func (s State) synchronized() bool {
	return s >= StateEstablished
}

const (
	TcpHeaderLength       = 20 // options not included
	TcpOptionsMaxLength   = 40
	TcpPseudoHeaderLength = 12 // IPv4 pseudo header

	// Kind and length of the MSS option, the only option we emit.
	tcpOptionMSS    = 2
	tcpOptionMSSLen = 4
	tcpOptionNop    = 1
	tcpOptionEnd    = 0

	// maxSegmentSize caps the MSS a connection may be configured with; the
	// 16-bit MSS option cannot announce more, and payload pool chunks are
	// sized past it.
	maxSegmentSize = 65535
)

// Queue strategy names accepted at OPEN time.
const (
	QueueByteStream = "bytestream"
	QueueObject     = "object"
)

// Congestion control variant names accepted at OPEN time.
const (
	CCReno  = "Reno"
	CCTahoe = "Tahoe"
	CCNone  = "NoCongestionControl"
	CCDumb  = "Dumb"
)

// Number of duplicate ACKs that triggers fast retransmit.
const dupAckThreshold = 3
