package lib

import (
	"github.com/google/btree"
	"github.com/google/netstack/tcpip/seqnum"
	"github.com/pkg/errors"
	"github.com/smallnest/ringbuffer"
)

// sendQueue buffers outbound data between the application SEND command and
// segmentization. The two implementations realize the two queue strategies:
// byte-stream coalesces freely, object preserves message boundaries.
type sendQueue interface {
	enqueue(data []byte) error
	// next removes and returns the next payload of at most maxBytes, or nil
	// when nothing is buffered. The object strategy never splits an object.
	next(maxBytes int) []byte
	// buffered returns the number of bytes waiting for transmission.
	buffered() int
	reset()
}

// newSendQueue builds the strategy selected by name at OPEN time.
func newSendQueue(strategy string, mss, capacity int) (sendQueue, error) {
	switch strategy {
	case QueueByteStream:
		return &byteSendQueue{ring: ringbuffer.New(capacity)}, nil
	case QueueObject:
		return &objectSendQueue{mss: mss}, nil
	default:
		return nil, errors.Wrapf(ErrUnknownVariant, "queue strategy %q", strategy)
	}
}

// byteSendQueue treats SEND payloads as an undifferentiated byte stream.
type byteSendQueue struct {
	ring *ringbuffer.RingBuffer
}

func (q *byteSendQueue) enqueue(data []byte) error {
	if q.ring.Free() < len(data) {
		return errors.Errorf("send queue full: %d bytes free, %d needed", q.ring.Free(), len(data))
	}
	if _, err := q.ring.Write(data); err != nil {
		return errors.Wrap(err, "send queue")
	}
	return nil
}

func (q *byteSendQueue) next(maxBytes int) []byte {
	if q.ring.IsEmpty() || maxBytes <= 0 {
		return nil
	}
	if buffered := q.ring.Length(); buffered < maxBytes {
		maxBytes = buffered
	}
	out := make([]byte, maxBytes)
	n, err := q.ring.Read(out)
	if err != nil || n == 0 {
		return nil
	}
	return out[:n]
}

func (q *byteSendQueue) buffered() int {
	return q.ring.Length()
}

func (q *byteSendQueue) reset() {
	q.ring.Reset()
}

// objectSendQueue keeps each SEND payload as a discrete object. An object is
// carried by exactly one segment, so objects larger than the MSS are
// rejected at SEND time.
type objectSendQueue struct {
	mss     int
	objects [][]byte
	bytes   int
}

func (q *objectSendQueue) enqueue(data []byte) error {
	if len(data) > q.mss {
		return errors.Wrapf(ErrObjectTooLarge, "object of %d bytes with MSS %d", len(data), q.mss)
	}
	owned := make([]byte, len(data))
	copy(owned, data)
	q.objects = append(q.objects, owned)
	q.bytes += len(owned)
	return nil
}

func (q *objectSendQueue) next(maxBytes int) []byte {
	if len(q.objects) == 0 || len(q.objects[0]) > maxBytes {
		return nil
	}
	obj := q.objects[0]
	q.objects = q.objects[1:]
	q.bytes -= len(obj)
	return obj
}

func (q *objectSendQueue) buffered() int {
	return q.bytes
}

func (q *objectSendQueue) reset() {
	q.objects = nil
	q.bytes = 0
}

// reassemblyQueue holds out-of-order inbound payloads keyed by sequence
// number until the gap before them closes. The receive queue invariant:
// extract never hands data to the application out of sequence order.
type reassemblyQueue struct {
	tree *btree.BTree
}

type reassemblySegment struct {
	seq     seqnum.Value
	payload []byte
}

// Less orders by sequence number modulo 2^32. All queued segments lie within
// one receive window, so the wraparound comparison is consistent here.
func (s *reassemblySegment) Less(than btree.Item) bool {
	return s.seq.LessThan(than.(*reassemblySegment).seq)
}

func newReassemblyQueue() *reassemblyQueue {
	return &reassemblyQueue{tree: btree.New(4)}
}

// insert stores a copy of payload at seq. A duplicate of an already queued
// sequence number is dropped in favor of the first arrival.
func (q *reassemblyQueue) insert(seq seqnum.Value, payload []byte) {
	if len(payload) == 0 {
		return
	}
	item := &reassemblySegment{seq: seq}
	if q.tree.Has(item) {
		return
	}
	item.payload = make([]byte, len(payload))
	copy(item.payload, payload)
	q.tree.ReplaceOrInsert(item)
}

// extract pops every payload that is now in sequence starting at nxt,
// trimming overlap with already delivered data, and returns the payload
// slices along with the advanced sequence number.
func (q *reassemblyQueue) extract(nxt seqnum.Value) ([][]byte, seqnum.Value) {
	var out [][]byte
	for q.tree.Len() > 0 {
		item := q.tree.Min().(*reassemblySegment)
		end := item.seq.Add(seqnum.Size(len(item.payload)))

		if !nxt.LessThan(end) {
			// fully duplicate, already delivered
			q.tree.DeleteMin()
			continue
		}
		if item.seq.LessThanEq(nxt) {
			// overlaps the delivery point: trim the stale head
			q.tree.DeleteMin()
			skip := item.seq.Size(nxt)
			out = append(out, item.payload[skip:])
			nxt = end
			continue
		}
		break // gap remains
	}
	return out, nxt
}

// pending returns the number of segments still waiting for a gap to close.
func (q *reassemblyQueue) pending() int {
	return q.tree.Len()
}

func (q *reassemblyQueue) clear() {
	q.tree.Clear(false)
}
