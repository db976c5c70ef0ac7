package logger

import (
	"testing"

	"sacn2mqtt/internal/config"
)

func TestNewLogger(t *testing.T) {
	log, err := NewLogger(config.LogConf{Level: "debug", Format: "json"})
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if log.GetLevel() != "debug" {
		t.Fatalf("level = %s", log.GetLevel())
	}
	entry := log.With(Fields{"module": "receiver"})
	if entry.Data["module"] != "receiver" {
		t.Fatalf("fields = %v", entry.Data)
	}
}

func TestNewLoggerRejectsBadSettings(t *testing.T) {
	if _, err := NewLogger(config.LogConf{Level: "loud"}); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := NewLogger(config.LogConf{Level: "info", Format: "xml"}); err == nil {
		t.Fatalf("expected format error")
	}
}
