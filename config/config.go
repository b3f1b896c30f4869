// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config holds the configuration of the routing core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the routing core.
type Config struct {
	Topics       TopicsConfig       `yaml:"topics"`
	Subscription SubscriptionConfig `yaml:"subscription"`
	Delivery     DeliveryConfig     `yaml:"delivery"`
	Storage      StorageConfig      `yaml:"storage"`
	Log          LogConfig          `yaml:"log"`
}

// TopicsConfig limits topic and filter shapes.
type TopicsConfig struct {
	// MaxLength is the maximum byte length of a topic or filter.
	MaxLength int `yaml:"max_length"`
	// MaxLevels is the maximum number of levels in a filter, 0 = unlimited.
	MaxLevels int `yaml:"max_levels"`
}

// SubscriptionConfig gates optional subscription capabilities.
type SubscriptionConfig struct {
	WildcardsEnabled  bool `yaml:"wildcards_enabled"`
	SharedEnabled     bool `yaml:"shared_enabled"`
	RetainedAvailable bool `yaml:"retained_available"`
}

// DeliveryConfig tunes the QoS delivery engine.
type DeliveryConfig struct {
	// ReceiveMaximum is the default in-flight window when the client did
	// not negotiate one.
	ReceiveMaximum uint16 `yaml:"receive_maximum"`
	// RetryInterval is the handshake timeout before an unacknowledged
	// message is redelivered.
	RetryInterval time.Duration `yaml:"retry_interval"`
	// MaxRetries bounds redeliveries per message, 0 = unlimited.
	MaxRetries int `yaml:"max_retries"`
	// RedeliveryRate paces redeliveries per client, per second.
	RedeliveryRate float64 `yaml:"redelivery_rate"`
	RedeliveryBurst int    `yaml:"redelivery_burst"`
	// QueueQoS0Offline also queues QoS 0 messages for disconnected
	// clients instead of dropping them.
	QueueQoS0Offline bool `yaml:"queue_qos0_offline"`
	// MaxQueueSize bounds each destination queue.
	MaxQueueSize int `yaml:"max_queue_size"`
}

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Type      string `yaml:"type"` // "memory" or "badger"
	BadgerDir string `yaml:"badger_dir"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Topics: TopicsConfig{
			MaxLength: 65535,
			MaxLevels: 0,
		},
		Subscription: SubscriptionConfig{
			WildcardsEnabled:  true,
			SharedEnabled:     true,
			RetainedAvailable: true,
		},
		Delivery: DeliveryConfig{
			ReceiveMaximum:  65535,
			RetryInterval:   20 * time.Second,
			MaxRetries:      0, // Infinite retries
			RedeliveryRate:  100,
			RedeliveryBurst: 100,
			MaxQueueSize:    1000,
		},
		Storage: StorageConfig{
			Type:      "memory",
			BadgerDir: "/tmp/mqcore/data",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads configuration from a YAML file, applying defaults for missing
// fields.
func Load(filename string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Topics.MaxLength <= 0 {
		return fmt.Errorf("topics.max_length must be positive")
	}
	if c.Delivery.ReceiveMaximum == 0 {
		return fmt.Errorf("delivery.receive_maximum must be positive")
	}
	if c.Delivery.MaxQueueSize <= 0 {
		return fmt.Errorf("delivery.max_queue_size must be positive")
	}
	switch c.Storage.Type {
	case "memory", "badger":
	default:
		return fmt.Errorf("storage.type must be \"memory\" or \"badger\", got %q", c.Storage.Type)
	}
	if c.Storage.Type == "badger" && c.Storage.BadgerDir == "" {
		return fmt.Errorf("storage.badger_dir is required for badger storage")
	}
	return nil
}
