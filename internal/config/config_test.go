package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "conf.toml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestNewConfigSample(t *testing.T) {
	cfg, err := NewConfig("../../configs/conf.toml")
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if cfg.Sender.FPS != 30 || cfg.Sender.DiscoveryInterval.Duration != 10*time.Second {
		t.Fatalf("sender = %+v", cfg.Sender)
	}
	if len(cfg.Sender.Outputs) != 2 {
		t.Fatalf("outputs = %+v", cfg.Sender.Outputs)
	}
	if out := cfg.Sender.Outputs[1]; out.Priority != nil || out.TTL != nil || out.Destination != "192.168.6.20" {
		t.Fatalf("second output = %+v", out)
	}
	if out := cfg.Sender.Outputs[0]; out.TTL == nil || *out.TTL != 8 {
		t.Fatalf("first output = %+v", out)
	}
	if len(cfg.Receiver.Universes) != 2 {
		t.Fatalf("receiver universes = %v", cfg.Receiver.Universes)
	}
}

func TestNewConfigDefaults(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, "[logger]\nlog-level = \"debug\"\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Logger.Level != "debug" || cfg.Logger.Format != "text" {
		t.Fatalf("logger = %+v", cfg.Logger)
	}
	if cfg.Sender.KeepAlive.Duration != time.Second || !cfg.Sender.Discovery {
		t.Fatalf("sender defaults = %+v", cfg.Sender)
	}
	if cfg.MQTT.TopicPrefix != "sacn" || cfg.Receiver.Port != 5568 {
		t.Fatalf("defaults = %+v %+v", cfg.MQTT, cfg.Receiver)
	}
}

func TestNewConfigValidation(t *testing.T) {
	body := `
[sacn]
cid = "nope"

[sender]
fps = 0

[[sender.output]]
universe = 0
priority = 201
multicast = true
broadcast = true
`
	_, err := NewConfig(writeConfig(t, body))
	if err == nil {
		t.Fatalf("expected validation error")
	}
	for _, want := range []string{"sacn.cid", "sender.fps", "output[0].universe", "output[0].priority", "exclusive"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
}

func TestNewConfigOutputTTL(t *testing.T) {
	cfg, err := NewConfig(writeConfig(t, "[[sender.output]]\nuniverse = 1\nttl = 0\n\n[[sender.output]]\nuniverse = 2\n"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if ttl := cfg.Sender.Outputs[0].TTL; ttl == nil || *ttl != 0 {
		t.Fatalf("explicit ttl 0 not kept: %v", ttl)
	}
	if ttl := cfg.Sender.Outputs[1].TTL; ttl != nil {
		t.Fatalf("omitted ttl = %d, want unset", *ttl)
	}

	_, err = NewConfig(writeConfig(t, "[[sender.output]]\nuniverse = 1\nttl = 256\n"))
	if err == nil || !strings.Contains(err.Error(), "output[0].ttl") {
		t.Fatalf("ttl 256: %v", err)
	}
}

func TestNewConfigBadDuration(t *testing.T) {
	if _, err := NewConfig(writeConfig(t, "[sender]\nkeep-alive = \"soon\"\n")); err == nil {
		t.Fatalf("expected duration error")
	}
}

func TestNewConfigMissingFile(t *testing.T) {
	if _, err := NewConfig(filepath.Join(t.TempDir(), "missing.toml")); err == nil {
		t.Fatalf("expected error")
	}
}
