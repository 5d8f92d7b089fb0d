package config

import (
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

const (
	// DefaultMSS is the largest payload a single segment carries unless overridden.
	DefaultMSS = 1024
	// DefaultAdvertisedWindowMSS is the advertised receive window in MSS units.
	DefaultAdvertisedWindowMSS = 14
	// ProtocolID is the IP protocol number used in the checksum pseudo header.
	ProtocolID = 6
)

// Config holds the module-wide settings. Every field can be overridden per
// connection at OPEN time through lib.ConnectionConfig.
type Config struct {
	MSS                 int    // maximum segment payload size in bytes
	AdvertisedWindowMSS int    // receive window advertised to the peer, in MSS units
	CongestionControl   string // "Tahoe", "Reno", "NoCongestionControl" or "Dumb"
	QueueStrategy       string // "bytestream" or "object"
	DelayedAck          bool   // batch pure ACKs on a short timer
	Nagle               bool   // withhold small segments while data is outstanding
	VerifyChecksum      bool   // verify inbound segment checksums
	RecordStats         bool   // per-core counters on/off
	Debug               bool   // verbose per-segment logging

	PayloadPoolSize int // number of payload chunks in the ring pool
	MaxRexmitShift  int // retransmission backoffs before the connection is timed out

	ConnEstabTimeout time.Duration // give up on the 3-way handshake after this long
	SynRexmitTimeout time.Duration // interval between SYN retransmissions
	FinWait2Timeout  time.Duration // give up waiting for the peer FIN in FIN_WAIT_2
	MSL              time.Duration // maximum segment lifetime; TIME_WAIT lasts 2*MSL
	DelAckTimeout    time.Duration // delayed ACK batching interval
	MinRTO           time.Duration // lower clamp for the retransmission timeout
	MaxRTO           time.Duration // upper clamp for the retransmission timeout
}

// DefaultConfig returns the configuration used when no config file is present.
func DefaultConfig() *Config {
	return &Config{
		MSS:                 DefaultMSS,
		AdvertisedWindowMSS: DefaultAdvertisedWindowMSS,
		CongestionControl:   "Reno",
		QueueStrategy:       "bytestream",
		DelayedAck:          true,
		Nagle:               true,
		VerifyChecksum:      false,
		RecordStats:         true,
		Debug:               false,
		PayloadPoolSize:     2000,
		MaxRexmitShift:      12,
		ConnEstabTimeout:    75 * time.Second,
		SynRexmitTimeout:    3 * time.Second,
		FinWait2Timeout:     600 * time.Second,
		MSL:                 120 * time.Second,
		DelAckTimeout:       200 * time.Millisecond,
		MinRTO:              1 * time.Second,
		MaxRTO:              240 * time.Second,
	}
}

// fileConfig is the on-disk schema. Timers are plain millisecond integers
// because the yaml decoder has no notion of time.Duration.
type fileConfig struct {
	MSS                 *int    `yaml:"mss"`
	AdvertisedWindowMSS *int    `yaml:"advertisedWindowMSS"`
	CongestionControl   *string `yaml:"congestionControl"`
	QueueStrategy       *string `yaml:"queueStrategy"`
	DelayedAck          *bool   `yaml:"delayedAck"`
	Nagle               *bool   `yaml:"nagle"`
	VerifyChecksum      *bool   `yaml:"verifyChecksum"`
	RecordStats         *bool   `yaml:"recordStats"`
	Debug               *bool   `yaml:"debug"`

	PayloadPoolSize *int `yaml:"payloadPoolSize"`
	MaxRexmitShift  *int `yaml:"maxRexmitShift"`

	ConnEstabTimeoutMs *int `yaml:"connEstabTimeoutMs"`
	SynRexmitTimeoutMs *int `yaml:"synRexmitTimeoutMs"`
	FinWait2TimeoutMs  *int `yaml:"finWait2TimeoutMs"`
	MSLMs              *int `yaml:"mslMs"`
	DelAckTimeoutMs    *int `yaml:"delAckTimeoutMs"`
	MinRTOMs           *int `yaml:"minRTOMs"`
	MaxRTOMs           *int `yaml:"maxRTOMs"`
}

// ReadConfig loads a yaml config file on top of the defaults. Fields absent
// from the file keep their default values.
func ReadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file fileConfig
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return nil, err
	}

	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setBool := func(dst *bool, src *bool) {
		if src != nil {
			*dst = *src
		}
	}
	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, ms *int) {
		if ms != nil {
			*dst = time.Duration(*ms) * time.Millisecond
		}
	}

	setInt(&cfg.MSS, file.MSS)
	setInt(&cfg.AdvertisedWindowMSS, file.AdvertisedWindowMSS)
	setString(&cfg.CongestionControl, file.CongestionControl)
	setString(&cfg.QueueStrategy, file.QueueStrategy)
	setBool(&cfg.DelayedAck, file.DelayedAck)
	setBool(&cfg.Nagle, file.Nagle)
	setBool(&cfg.VerifyChecksum, file.VerifyChecksum)
	setBool(&cfg.RecordStats, file.RecordStats)
	setBool(&cfg.Debug, file.Debug)
	setInt(&cfg.PayloadPoolSize, file.PayloadPoolSize)
	setInt(&cfg.MaxRexmitShift, file.MaxRexmitShift)
	setDuration(&cfg.ConnEstabTimeout, file.ConnEstabTimeoutMs)
	setDuration(&cfg.SynRexmitTimeout, file.SynRexmitTimeoutMs)
	setDuration(&cfg.FinWait2Timeout, file.FinWait2TimeoutMs)
	setDuration(&cfg.MSL, file.MSLMs)
	setDuration(&cfg.DelAckTimeout, file.DelAckTimeoutMs)
	setDuration(&cfg.MinRTO, file.MinRTOMs)
	setDuration(&cfg.MaxRTO, file.MaxRTOMs)

	return cfg, nil
}
