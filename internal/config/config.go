package config

import (
	_ "embed"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed models.yaml
var modelsYAML []byte

type Config struct {
	Codec     CodecConfig
	Matcher   MatcherConfig
	Store     StoreConfig
	Sync      SyncConfig
	Web       WebConfig
	Authority AuthorityConfig
	Models    ModelsConfig
}

type CodecConfig struct {
	URL          string  // embedding sidecar base URL, defaults to http://localhost:8000
	Model        string  // model profile name, must exist in models.yaml
	QualityFloor float64 // minimum detector score accepted at enrollment/scan time
	Timeout      time.Duration
}

type MatcherConfig struct {
	MatchThreshold  float64 // cosine distance above which the best candidate is a NoMatch
	MarginThreshold float64 // minimum d2-d1 gap required to call a Match
}

type StoreConfig struct {
	Path string // path to the on-device SQLite database
}

type SyncConfig struct {
	RemoteURL      string        // sync authority base URL
	Token          string        // bearer token for the authority
	DeviceID       string        // stable device identifier sent with every push
	BatchSize      int           // max ledger entries per push request (per kind)
	Interval       time.Duration // scheduler period
	MaxAttempts    int           // transient failures before ExhaustedRetries
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	PullPageSize   int
	RequestTimeout time.Duration
	IOWorkers      int // size of the sync I/O lane
	ComputeWorkers int // size of the codec/matcher compute lane
}

type WebConfig struct {
	Host string
	Port int
}

// AuthorityConfig configures the reference authority service (server side).
type AuthorityConfig struct {
	DatabaseURL              string // PostgreSQL connection URL
	MaxOpenConns             int
	MaxIdleConns             int
	MaxEmbeddingsPerIdentity int // server-enforced cap per identity
	Port                     int
}

// ModelsConfig maps codec model profile names to their properties.
type ModelsConfig struct {
	Profiles map[string]ModelProfile `yaml:"profiles"`
}

// ModelProfile describes one embedding model the codec sidecar can serve.
type ModelProfile struct {
	Dim             int     `yaml:"dim"`
	MatchThreshold  float64 `yaml:"match_threshold"`
	MarginThreshold float64 `yaml:"margin_threshold"`
	QualityFloor    float64 `yaml:"quality_floor"`
}

// envInt reads an environment variable and parses it as a positive integer.
// Returns the default value if the env var is unset, empty, or invalid.
func envInt(key string, defaultVal int) int {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if n, err := strconv.Atoi(s); err == nil && n > 0 {
		return n
	}
	return defaultVal
}

// envFloat reads an environment variable and parses it as a positive float.
func envFloat(key string, defaultVal float64) float64 {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		return f
	}
	return defaultVal
}

// envDuration reads an environment variable and parses it as a duration.
func envDuration(key string, defaultVal time.Duration) time.Duration {
	s := os.Getenv(key)
	if s == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return d
	}
	return defaultVal
}

func envString(key, defaultVal string) string {
	if s := os.Getenv(key); s != "" {
		return s
	}
	return defaultVal
}

func Load() *Config {
	var models ModelsConfig
	if err := yaml.Unmarshal(modelsYAML, &models); err != nil {
		// This is an embedded file so this error should never happen in practice
		panic("failed to unmarshal embedded models.yaml: " + err.Error())
	}

	model := envString("CODEC_MODEL", "arcface")
	profile := models.Profiles[model]

	return &Config{
		Codec: CodecConfig{
			URL:          envString("CODEC_URL", "http://localhost:8000"),
			Model:        model,
			QualityFloor: envFloat("CODEC_QUALITY_FLOOR", profile.QualityFloor),
			Timeout:      envDuration("CODEC_TIMEOUT", 30*time.Second),
		},
		Matcher: MatcherConfig{
			MatchThreshold:  envFloat("MATCH_THRESHOLD", profile.MatchThreshold),
			MarginThreshold: envFloat("MATCH_MARGIN", profile.MarginThreshold),
		},
		Store: StoreConfig{
			Path: envString("STORE_PATH", "rollcall.db"),
		},
		Sync: SyncConfig{
			RemoteURL:      os.Getenv("SYNC_URL"),
			Token:          os.Getenv("SYNC_TOKEN"),
			DeviceID:       os.Getenv("SYNC_DEVICE_ID"),
			BatchSize:      envInt("SYNC_BATCH_SIZE", 50),
			Interval:       envDuration("SYNC_INTERVAL", 5*time.Minute),
			MaxAttempts:    envInt("SYNC_MAX_ATTEMPTS", 8),
			InitialBackoff: envDuration("SYNC_INITIAL_BACKOFF", 2*time.Second),
			MaxBackoff:     envDuration("SYNC_MAX_BACKOFF", 10*time.Minute),
			PullPageSize:   envInt("SYNC_PULL_PAGE_SIZE", 200),
			RequestTimeout: envDuration("SYNC_REQUEST_TIMEOUT", 30*time.Second),
			IOWorkers:      envInt("SYNC_IO_WORKERS", 2),
			ComputeWorkers: envInt("COMPUTE_WORKERS", 2),
		},
		Web: WebConfig{
			Host: envString("WEB_HOST", "127.0.0.1"),
			Port: envInt("WEB_PORT", 8090),
		},
		Authority: AuthorityConfig{
			DatabaseURL:              os.Getenv("AUTHORITY_DATABASE_URL"),
			MaxOpenConns:             envInt("AUTHORITY_MAX_OPEN_CONNS", 25),
			MaxIdleConns:             envInt("AUTHORITY_MAX_IDLE_CONNS", 5),
			MaxEmbeddingsPerIdentity: envInt("AUTHORITY_MAX_EMBEDDINGS", 8),
			Port:                     envInt("AUTHORITY_PORT", 8091),
		},
		Models: models,
	}
}

// Profile returns the model profile for the configured codec model.
// Falls back to a 512-dim profile if the model is unknown.
func (c *Config) Profile() ModelProfile {
	if p, ok := c.Models.Profiles[c.Codec.Model]; ok {
		return p
	}
	return ModelProfile{Dim: 512, MatchThreshold: 0.35, MarginThreshold: 0.05, QualityFloor: 0.6}
}
