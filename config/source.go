package config

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"gopkg.in/yaml.v3"
)

// Source provides configuration from an arbitrary backend.
// Implementations must be safe for concurrent use.
type Source interface {
	// Load retrieves and validates the current configuration.
	Load(ctx context.Context) (*Config, error)

	// Hash returns a content hash used for change detection without a
	// full parse.
	Hash(ctx context.Context) (string, error)

	// Name returns a human-readable identifier for this source.
	Name() string
}

// ChangeEvent is emitted when a Source detects a change.
type ChangeEvent struct {
	Source  string
	OldHash string
	NewHash string
	Config  *Config
	Time    time.Time
}

// HashConfig returns the SHA256 hex digest of the YAML-serialized config.
func HashConfig(cfg *Config) (string, error) {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

func shortHash(h string) string {
	if len(h) > 8 {
		return h[:8]
	}
	return h
}
