package lib

import (
	"github.com/pkg/errors"
)

// Command errors are reported to the issuing application endpoint and never
// affect other connections; protocol violations on the wire are handled per
// RFC793 (drop, duplicate ACK or RST) and never surface as errors at all.
var (
	// ErrConnectionNotFound: command referenced a connection id that does not exist.
	ErrConnectionNotFound = errors.New("no such connection")
	// ErrConnectionExists: OPEN with a (endpoint, connection id) already in use.
	ErrConnectionExists = errors.New("connection already exists")
	// ErrPortInUse: passive OPEN on a port that already has a listener.
	ErrPortInUse = errors.New("port already in use")
	// ErrInvalidState: command not legal in the connection's current state.
	ErrInvalidState = errors.New("command not allowed in current state")
	// ErrObjectTooLarge: object-preserving SEND larger than the connection MSS.
	ErrObjectTooLarge = errors.New("object larger than MSS")
	// ErrUnknownVariant: OPEN named a congestion control or queue strategy
	// that is not registered.
	ErrUnknownVariant = errors.New("unknown variant name")
)
