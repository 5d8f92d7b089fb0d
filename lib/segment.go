package lib

import (
	"crypto/rand"
	"encoding/binary"
	"net/netip"

	rp "github.com/Clouded-Sabre/ringpool/lib"
	"github.com/google/netstack/tcpip/header"
	"github.com/pkg/errors"
)

// Segment is one TCP segment plus the network-layer addressing metadata the
// IP collaborator wraps around it. Immutable once constructed.
type Segment struct {
	SrcAddr, DstAddr netip.Addr
	SrcPort, DstPort uint16
	SeqNum           uint32
	AckNum           uint32
	Flags            uint8
	WindowSize       uint16
	Checksum         uint16
	MSSOption        uint16 // MSS option value, only meaningful on SYN segments; 0 if absent
	Payload          []byte

	chunk *rp.Element  // pool chunk backing Payload, nil for payload-less segments
	pool  *rp.RingPool // pool the chunk came from
}

// PayloadLength returns the number of payload bytes the segment carries.
func (s *Segment) PayloadLength() int {
	return len(s.Payload)
}

// SeqSpace is the amount of sequence space the segment occupies: payload
// bytes plus one for SYN and one for FIN.
func (s *Segment) SeqSpace() int {
	space := len(s.Payload)
	if s.Flags&header.TCPFlagSyn != 0 {
		space++
	}
	if s.Flags&header.TCPFlagFin != 0 {
		space++
	}
	return space
}

// CopyToPayload copies src into a fresh pool chunk and points Payload at it.
func (s *Segment) CopyToPayload(pool *rp.RingPool, src []byte) error {
	if len(src) == 0 {
		return errors.New("segment payload copy: source slice is empty")
	}
	chunk := pool.GetElement()
	if chunk == nil {
		return errors.New("segment payload copy: payload pool exhausted")
	}
	if err := chunk.Data.(*Payload).Copy(src); err != nil {
		pool.ReturnElement(chunk)
		return errors.Wrap(err, "segment payload copy")
	}
	s.chunk = chunk
	s.pool = pool
	s.Payload = chunk.Data.(*Payload).GetSlice()
	return nil
}

// ReturnChunk gives the payload chunk back to the pool. Safe to call twice.
func (s *Segment) ReturnChunk() {
	if s.chunk != nil {
		s.pool.ReturnElement(s.chunk)
		s.chunk = nil
		s.Payload = nil
	}
}

// Marshal encodes the segment into buffer, which must be large enough for
// header, options and payload. Returns the frame length.
func (s *Segment) Marshal(protocolID uint8, buffer []byte) (int, error) {
	optionsLength := 0
	if s.Flags&header.TCPFlagSyn != 0 && s.MSSOption > 0 {
		optionsLength = tcpOptionMSSLen
	}

	totalHeaderLength := TcpHeaderLength + optionsLength
	frameLength := totalHeaderLength + len(s.Payload)
	if frameLength > len(buffer) {
		return 0, errors.Errorf("marshal: buffer size (%d) is too small to hold the frame (%d)", len(buffer), frameLength)
	}

	tcp := header.TCP(buffer[:totalHeaderLength])
	tcp.Encode(&header.TCPFields{
		SrcPort:    s.SrcPort,
		DstPort:    s.DstPort,
		SeqNum:     s.SeqNum,
		AckNum:     s.AckNum,
		DataOffset: uint8(totalHeaderLength),
		Flags:      s.Flags,
		WindowSize: s.WindowSize,
		Checksum:   0,
	})

	if optionsLength > 0 {
		options := buffer[TcpHeaderLength:totalHeaderLength]
		options[0] = tcpOptionMSS
		options[1] = tcpOptionMSSLen
		binary.BigEndian.PutUint16(options[2:4], s.MSSOption)
	}

	copy(buffer[totalHeaderLength:], s.Payload)

	checksum := segmentChecksum(buffer[:frameLength], s.SrcAddr, s.DstAddr, protocolID)
	binary.BigEndian.PutUint16(buffer[16:18], checksum)

	return frameLength, nil
}

// UnmarshalSegment decodes a frame received from the network layer. Payload
// bytes are copied into a pool chunk so the caller may reuse its buffer.
func UnmarshalSegment(frame []byte, srcAddr, dstAddr netip.Addr, pool *rp.RingPool) (*Segment, error) {
	if len(frame) < TcpHeaderLength {
		return nil, errors.Errorf("unmarshal: frame length (%d) is too short for a TCP header", len(frame))
	}

	tcp := header.TCP(frame)
	dataOffset := int(tcp.DataOffset())
	if dataOffset < TcpHeaderLength || dataOffset > TcpHeaderLength+TcpOptionsMaxLength || dataOffset > len(frame) {
		return nil, errors.Errorf("unmarshal: bad data offset %d for frame length %d", dataOffset, len(frame))
	}

	seg := &Segment{
		SrcAddr:    srcAddr,
		DstAddr:    dstAddr,
		SrcPort:    tcp.SourcePort(),
		DstPort:    tcp.DestinationPort(),
		SeqNum:     tcp.SequenceNumber(),
		AckNum:     tcp.AckNumber(),
		Flags:      tcp.Flags(),
		WindowSize: tcp.WindowSize(),
		Checksum:   tcp.Checksum(),
	}
	seg.MSSOption = parseMSSOption(frame[TcpHeaderLength:dataOffset])

	if payload := frame[dataOffset:]; len(payload) > 0 {
		if err := seg.CopyToPayload(pool, payload); err != nil {
			return nil, errors.Wrap(err, "unmarshal")
		}
	}

	return seg, nil
}

// parseMSSOption scans an option block for the MSS option. Other option
// kinds are skipped; none are emitted by this core.
func parseMSSOption(options []byte) uint16 {
	for i := 0; i < len(options); {
		kind := options[i]
		switch kind {
		case tcpOptionEnd:
			return 0
		case tcpOptionNop:
			i++
		default:
			if i+1 >= len(options) {
				return 0
			}
			length := int(options[i+1])
			if length < 2 || i+length > len(options) {
				return 0
			}
			if kind == tcpOptionMSS && length == tcpOptionMSSLen {
				return binary.BigEndian.Uint16(options[i+2 : i+4])
			}
			i += length
		}
	}
	return 0
}

// VerifySegmentChecksum recomputes the checksum of a received frame and
// compares it against the carried one.
func VerifySegmentChecksum(frame []byte, srcAddr, dstAddr netip.Addr, protocolID uint8) bool {
	if len(frame) < TcpHeaderLength {
		return false
	}
	received := binary.BigEndian.Uint16(frame[16:18])

	// Zero out the checksum field for calculation, then restore it.
	binary.BigEndian.PutUint16(frame[16:18], 0)
	calculated := segmentChecksum(frame, srcAddr, dstAddr, protocolID)
	binary.BigEndian.PutUint16(frame[16:18], received)

	return received == calculated
}

// segmentChecksum computes the one's complement checksum over the pseudo
// header and the frame. The frame's checksum field must be zero.
func segmentChecksum(frame []byte, srcAddr, dstAddr netip.Addr, protocolID uint8) uint16 {
	pseudo := assemblePseudoHeader(srcAddr, dstAddr, protocolID, uint16(len(frame)))
	partial := header.Checksum(pseudo, 0)
	return ^header.Checksum(frame, partial)
}

// assemblePseudoHeader builds the pseudo header for checksum calculation.
// IPv4 and IPv6 addresses produce the matching pseudo header layout.
func assemblePseudoHeader(srcAddr, dstAddr netip.Addr, protocolID uint8, frameLength uint16) []byte {
	src := srcAddr.AsSlice()
	dst := dstAddr.AsSlice()

	pseudo := make([]byte, 0, len(src)+len(dst)+4)
	pseudo = append(pseudo, src...)
	pseudo = append(pseudo, dst...)
	pseudo = append(pseudo, 0, protocolID)
	pseudo = binary.BigEndian.AppendUint16(pseudo, frameLength)
	return pseudo
}

// GenerateISN draws a random 32-bit initial sequence number.
func GenerateISN() (uint32, error) {
	var isn uint32
	if err := binary.Read(rand.Reader, binary.BigEndian, &isn); err != nil {
		return 0, err
	}
	return isn, nil
}
