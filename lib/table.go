package lib

import (
	"net/netip"
)

// netTuple identifies a connection on the network side.
type netTuple struct {
	localAddr  netip.Addr
	localPort  uint16
	remoteAddr netip.Addr
	remotePort uint16
}

// appTuple identifies a connection on the application side: the application
// endpoint index plus the connection id the application chose at OPEN time.
type appTuple struct {
	endpoint int
	connID   int
}

// connectionTable owns every connection of one core instance and performs
// the two-sided demultiplexing: inbound segments by network tuple with
// LISTEN wildcard fallback, application commands by (endpoint, connection id).
// The table is passed by handle into every operation; there is no package
// level registry.
type connectionTable struct {
	byNet     map[netTuple]*Connection
	byApp     map[appTuple]*Connection
	listeners map[uint16]*Connection // keyed by local port
}

func newConnectionTable() *connectionTable {
	return &connectionTable{
		byNet:     make(map[netTuple]*Connection),
		byApp:     make(map[appTuple]*Connection),
		listeners: make(map[uint16]*Connection),
	}
}

// register adds a fully qualified connection under both of its identities.
func (t *connectionTable) register(conn *Connection) {
	t.byNet[conn.netKey()] = conn
	t.byApp[conn.appKey()] = conn
}

// registerListener adds a passive-open connection reachable by local port
// with wildcard remote matching.
func (t *connectionTable) registerListener(conn *Connection) {
	t.listeners[conn.localPort] = conn
	t.byApp[conn.appKey()] = conn
}

// remove drops a connection from every index it appears in.
func (t *connectionTable) remove(conn *Connection) {
	delete(t.byApp, conn.appKey())
	delete(t.byNet, conn.netKey())
	if listener, ok := t.listeners[conn.localPort]; ok && listener == conn {
		delete(t.listeners, conn.localPort)
	}
}

// lookupSegment finds the connection an inbound segment belongs to. A fully
// qualified tuple match wins over a listening connection on the local port.
func (t *connectionTable) lookupSegment(seg *Segment) *Connection {
	key := netTuple{
		localAddr:  seg.DstAddr,
		localPort:  seg.DstPort,
		remoteAddr: seg.SrcAddr,
		remotePort: seg.SrcPort,
	}
	if conn, ok := t.byNet[key]; ok {
		return conn
	}

	listener, ok := t.listeners[seg.DstPort]
	if !ok {
		return nil
	}
	// a listener bound to a specific local address only matches that address
	if listener.localAddr.IsValid() && !listener.localAddr.IsUnspecified() && listener.localAddr != seg.DstAddr {
		return nil
	}
	return listener
}

// lookupApp finds the connection an application command addresses.
func (t *connectionTable) lookupApp(endpoint, connID int) *Connection {
	return t.byApp[appTuple{endpoint: endpoint, connID: connID}]
}

// hasListener reports whether some connection already listens on port.
func (t *connectionTable) hasListener(port uint16) bool {
	_, ok := t.listeners[port]
	return ok
}

// connections snapshots every registered connection so callers can release
// them while iterating.
func (t *connectionTable) connections() []*Connection {
	conns := make([]*Connection, 0, len(t.byApp))
	for _, conn := range t.byApp {
		conns = append(conns, conn)
	}
	return conns
}

// size returns the number of registered connections, listeners included.
func (t *connectionTable) size() int {
	return len(t.byApp)
}
