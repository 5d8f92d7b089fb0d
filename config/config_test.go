package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.MSS != DefaultMSS {
		t.Errorf("MSS = %d, want %d", cfg.MSS, DefaultMSS)
	}
	if cfg.AdvertisedWindowMSS != DefaultAdvertisedWindowMSS {
		t.Errorf("AdvertisedWindowMSS = %d", cfg.AdvertisedWindowMSS)
	}
	if cfg.CongestionControl != "Reno" || cfg.QueueStrategy != "bytestream" {
		t.Errorf("variants = %s/%s", cfg.CongestionControl, cfg.QueueStrategy)
	}
	if cfg.MSL != 120*time.Second || cfg.MinRTO != time.Second {
		t.Errorf("timing defaults = MSL %v, MinRTO %v", cfg.MSL, cfg.MinRTO)
	}
}

func TestReadConfigOverridesSelectedFields(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcpcore.yaml")
	content := []byte(`
mss: 512
congestionControl: Tahoe
delayedAck: false
minRTOMs: 250
`)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := ReadConfig(path)
	if err != nil {
		t.Fatalf("read config: %v", err)
	}

	if cfg.MSS != 512 {
		t.Errorf("MSS = %d, want the file's value", cfg.MSS)
	}
	if cfg.CongestionControl != "Tahoe" {
		t.Errorf("CongestionControl = %s", cfg.CongestionControl)
	}
	if cfg.DelayedAck {
		t.Error("DelayedAck not overridden to false")
	}
	if cfg.MinRTO != 250*time.Millisecond {
		t.Errorf("MinRTO = %v, want 250ms", cfg.MinRTO)
	}

	// fields the file does not mention keep their defaults
	if cfg.QueueStrategy != "bytestream" || cfg.MSL != 120*time.Second {
		t.Errorf("untouched fields changed: %s, %v", cfg.QueueStrategy, cfg.MSL)
	}
}

func TestReadConfigRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tcpcore.yaml")
	if err := os.WriteFile(path, []byte("windowScale: 7\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := ReadConfig(path); err == nil {
		t.Error("misspelled key accepted silently")
	}
}

func TestReadConfigMissingFile(t *testing.T) {
	if _, err := ReadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Error("reading a missing file succeeded")
	}
}
