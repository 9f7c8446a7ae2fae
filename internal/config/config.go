// Package config loads the node's static boot configuration. Loading is a
// simple encoding/json read: the config file is a local, trusted input,
// not an external collaborator that needs its own client abstraction.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// TLS holds the optional server certificate material. A nil *TLS means
// the node listens without TLS termination.
type TLS struct {
	CertPath string `json:"cert_path"`
	KeyPath  string `json:"key_path"`
}

// Config is the on-disk boot configuration, read once at startup.
type Config struct {
	NodeID         byte   `json:"node_id"`
	WebAPIURL      string `json:"webapi_url"`
	WebAPIKey      string `json:"webapi_key"`
	CheckInterval  uint64 `json:"check_interval"`
	SubmitInterval uint64 `json:"submit_interval"`
	TLS            *TLS   `json:"tls"`
}

// CheckIntervalDuration is CheckInterval as a time.Duration.
func (c Config) CheckIntervalDuration() time.Duration {
	return time.Duration(c.CheckInterval) * time.Second
}

// SubmitIntervalDuration is SubmitInterval as a time.Duration.
func (c Config) SubmitIntervalDuration() time.Duration {
	return time.Duration(c.SubmitInterval) * time.Second
}

// Load reads and decodes the config file at path.
func Load(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, fmt.Errorf("open config: %w", err)
	}
	defer f.Close()

	var cfg Config
	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	return cfg, nil
}
