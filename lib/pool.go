package lib

import (
	"fmt"
	"log"

	rp "github.com/Clouded-Sabre/ringpool/lib"
)

// payload chunk buffers hold the largest payload any segment can carry,
// whatever MSS individual connections negotiate
var payloadBufferLength = 65536

// Payload represents a segment payload byte slice backed by a pool chunk.
type Payload struct {
	payloadBytes []byte
	length       int
}

// newPayload creates a new pool element. Signature dictated by ringpool.
func newPayload(params ...interface{}) rp.DataInterface {
	if len(params) == 1 {
		if bufLen, ok := params[0].(int); ok && bufLen > 0 {
			payloadBufferLength = bufLen
		}
	}

	return &Payload{
		payloadBytes: make([]byte, payloadBufferLength),
	}
}

// Reset resets the content of the payload
func (p *Payload) Reset() {
	p.length = 0
}

// PrintContent prints the content of the payload
func (p *Payload) PrintContent() {
	fmt.Println("Content:", string(p.payloadBytes[:p.length]))
}

func (p *Payload) Copy(src []byte) error {
	if len(src) > len(p.payloadBytes) {
		return fmt.Errorf("payload copy: source byte slice(%d) is longer than buffer length(%d)", len(src), len(p.payloadBytes))
	}
	if len(src) == 0 {
		return fmt.Errorf("payload copy: source byte slice is empty")
	}
	copy(p.payloadBytes, src)
	p.length = len(src)
	return nil
}

func (p *Payload) GetSlice() []byte {
	return p.payloadBytes[:p.length]
}

// newPayloadPool builds the per-core chunk pool. The pool is owned by the
// core instance, not by the package, so two cores in one process never share
// or clobber each other's chunks.
func newPayloadPool(poolSize, bufferLength int, debug bool) *rp.RingPool {
	rp.Debug = debug
	pool := rp.NewRingPool("TCPCORE: ", poolSize, newPayload, bufferLength)
	if pool == nil {
		log.Fatalln("failed to create payload ring pool")
	}
	return pool
}
