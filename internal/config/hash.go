package config

import (
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

const redactedMarker = "********"

// Redacted returns a copy of the configuration with secrets masked.
func (c *Config) Redacted() *Config {
	out := *c
	if out.WeChat.Token != "" {
		out.WeChat.Token = redactedMarker
	}
	if out.Completion.APIKey != "" {
		out.Completion.APIKey = redactedMarker
	}
	return &out
}

// MarshalRedacted renders the configuration as YAML with secrets masked.
func (c *Config) MarshalRedacted() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("failed to marshal config: %w", err)
	}
	return data, nil
}

// Fingerprint returns a BLAKE3 digest of the effective configuration
// ("blake3:<hex>"). Secrets only contribute whether they are set, so the
// fingerprint is safe to log and compare across hosts.
func Fingerprint(c *Config) (string, error) {
	data, err := c.MarshalRedacted()
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return "blake3:" + hex.EncodeToString(sum[:]), nil
}
