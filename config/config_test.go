package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "")
	t.Setenv("OFFLINE_CONFIRMATIONS", "")
	t.Setenv("RECORDINGS_DIR", "")
	t.Setenv("CHAT_RECORDING", "")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 30*time.Second {
		t.Errorf("PollInterval = %v, want 30s default", cfg.PollInterval)
	}
	if cfg.OfflineConfirmations != 2 {
		t.Errorf("OfflineConfirmations = %d, want 2", cfg.OfflineConfirmations)
	}
	if cfg.RecordingsDir != "data/recordings" {
		t.Errorf("RecordingsDir = %q, want default", cfg.RecordingsDir)
	}
	if cfg.S3Bucket != "recordings" {
		t.Errorf("S3Bucket = %q, want default bucket name", cfg.S3Bucket)
	}
	if cfg.FFprobePath != "ffprobe" {
		t.Errorf("FFprobePath = %q, want ffprobe", cfg.FFprobePath)
	}
	if !cfg.ChatRecording {
		t.Errorf("ChatRecording disabled by default")
	}
}

func TestLoadChatRecordingToggle(t *testing.T) {
	for _, v := range []string{"0", "false", "FALSE"} {
		t.Setenv("CHAT_RECORDING", v)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error: %v", err)
		}
		if cfg.ChatRecording {
			t.Errorf("CHAT_RECORDING=%q should disable chat capture", v)
		}
	}
	t.Setenv("CHAT_RECORDING", "1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if !cfg.ChatRecording {
		t.Errorf("CHAT_RECORDING=1 should leave chat capture on")
	}
}

func TestLoadPollInterval(t *testing.T) {
	t.Setenv("POLL_INTERVAL", "15s")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.PollInterval != 15*time.Second {
		t.Errorf("PollInterval = %v, want 15s", cfg.PollInterval)
	}

	t.Setenv("POLL_INTERVAL", "oops")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for bad POLL_INTERVAL")
	}

	t.Setenv("POLL_INTERVAL", "100ms")
	if _, err := Load(); err == nil {
		t.Errorf("expected error for sub-second POLL_INTERVAL")
	}
}

func TestLoadKafkaBrokers(t *testing.T) {
	t.Setenv("KAFKA_BROKERS", "kafka1:9092, kafka2:9092 ,")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[0] != "kafka1:9092" || cfg.KafkaBrokers[1] != "kafka2:9092" {
		t.Errorf("KafkaBrokers = %v, want trimmed two-element list", cfg.KafkaBrokers)
	}
}

func TestValidateTwitchReady(t *testing.T) {
	t.Setenv("TWITCH_CLIENT_ID", "id")
	t.Setenv("TWITCH_CLIENT_SECRET", "secret")
	cfg, _ := Load()
	if err := cfg.ValidateTwitchReady(); err != nil {
		t.Errorf("expected valid twitch config, got %v", err)
	}
	if err := os.Unsetenv("TWITCH_CLIENT_SECRET"); err != nil {
		t.Fatalf("failed to unset TWITCH_CLIENT_SECRET: %v", err)
	}
	cfg, _ = Load()
	if err := cfg.ValidateTwitchReady(); err == nil {
		t.Errorf("expected error when missing twitch envs")
	}
}
