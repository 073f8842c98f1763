package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.Codec.URL != "http://localhost:8000" {
		t.Errorf("expected default codec URL, got %q", cfg.Codec.URL)
	}

	if cfg.Codec.Model != "arcface" {
		t.Errorf("expected default model 'arcface', got %q", cfg.Codec.Model)
	}

	if cfg.Sync.BatchSize != 50 {
		t.Errorf("expected batch size 50, got %d", cfg.Sync.BatchSize)
	}

	if cfg.Sync.MaxBackoff != 10*time.Minute {
		t.Errorf("expected max backoff 10m, got %v", cfg.Sync.MaxBackoff)
	}
}

func TestEmbeddedProfiles(t *testing.T) {
	cfg := Load()

	p, ok := cfg.Models.Profiles["arcface"]
	if !ok {
		t.Fatal("arcface profile missing from embedded models.yaml")
	}
	if p.Dim != 512 {
		t.Errorf("expected arcface dim 512, got %d", p.Dim)
	}
	if p.MatchThreshold <= 0 || p.MarginThreshold <= 0 {
		t.Errorf("arcface thresholds not set: %+v", p)
	}

	p, ok = cfg.Models.Profiles["mobilefacenet"]
	if !ok {
		t.Fatal("mobilefacenet profile missing from embedded models.yaml")
	}
	if p.Dim != 128 {
		t.Errorf("expected mobilefacenet dim 128, got %d", p.Dim)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("MATCH_THRESHOLD", "0.5")
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("CODEC_MODEL", "mobilefacenet")

	cfg := Load()

	if cfg.Matcher.MatchThreshold != 0.5 {
		t.Errorf("expected match threshold 0.5, got %f", cfg.Matcher.MatchThreshold)
	}
	if cfg.Sync.BatchSize != 10 {
		t.Errorf("expected batch size 10, got %d", cfg.Sync.BatchSize)
	}
	if cfg.Profile().Dim != 128 {
		t.Errorf("expected profile dim 128 for mobilefacenet, got %d", cfg.Profile().Dim)
	}
}

func TestEnvIntInvalid(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "not-a-number")
	cfg := Load()
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("invalid env value should fall back to default 50, got %d", cfg.Sync.BatchSize)
	}

	t.Setenv("SYNC_BATCH_SIZE", "-3")
	cfg = Load()
	if cfg.Sync.BatchSize != 50 {
		t.Errorf("negative env value should fall back to default 50, got %d", cfg.Sync.BatchSize)
	}
}
