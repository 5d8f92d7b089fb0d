package lib

// Stats counts wire and connection events for one core instance. Counting is
// gated by the recordStats config switch; reading is always allowed.
type Stats struct {
	SegmentsIn        uint64
	SegmentsOut       uint64
	BytesIn           uint64
	BytesOut          uint64
	Retransmits       uint64
	DupAcksIn         uint64
	OutOfWindowDrops  uint64
	ChecksumDrops     uint64
	RstsIn            uint64
	RstsOut           uint64
	ConnsOpened       uint64
	ConnsAccepted     uint64
	ConnsReset        uint64
	ConnsTimedOut     uint64
	ConnsTimedWait    uint64
	DelayedAcksSent   uint64
	FastRetransmits   uint64
	SegmentsReordered uint64
}

type statsRecorder struct {
	enabled bool
	stats   Stats
}

func (r *statsRecorder) count(field *uint64, delta uint64) {
	if r.enabled {
		*field += delta
	}
}

// snapshot returns a copy of the counters.
func (r *statsRecorder) snapshot() Stats {
	return r.stats
}
