package eventbus

import (
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// TypeNATS streams events through a NATS JetStream stream.
const TypeNATS = "nats"

// Config selects the stream plan and admin events are published to.
type Config struct {
	Enabled bool       `mapstructure:"enabled" yaml:"enabled"`
	Type    string     `mapstructure:"type" yaml:"type"`
	NATS    NATSConfig `mapstructure:"nats" yaml:"nats"`
}

// NATSConfig describes the JetStream connection and the stream limits.
type NATSConfig struct {
	URL             string        `mapstructure:"url" yaml:"url"`
	StreamName      string        `mapstructure:"stream_name" yaml:"stream_name"`
	SubjectPrefix   string        `mapstructure:"subject_prefix" yaml:"subject_prefix"`
	Storage         string        `mapstructure:"storage" yaml:"storage"`
	MaxAge          time.Duration `mapstructure:"max_age" yaml:"max_age"`
	MaxBytes        int64         `mapstructure:"max_bytes" yaml:"max_bytes"`
	MaxMsgs         int64         `mapstructure:"max_msgs" yaml:"max_msgs"`
	Replicas        int           `mapstructure:"replicas" yaml:"replicas"`
	DuplicateWindow time.Duration `mapstructure:"duplicate_window" yaml:"duplicate_window"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout" yaml:"connect_timeout"`
	ReconnectWait   time.Duration `mapstructure:"reconnect_wait" yaml:"reconnect_wait"`
	MaxReconnects   int           `mapstructure:"max_reconnects" yaml:"max_reconnects"`
}

// DefaultConfig keeps the stream disabled but fully described, so enabling
// it only needs a reachable URL.
func DefaultConfig() Config {
	return Config{
		Type: TypeNATS,
		NATS: NATSConfig{
			URL:             "nats://localhost:4222",
			StreamName:      "KVADMIN_EVENTS",
			SubjectPrefix:   "kvadmin.events",
			Storage:         "file",
			MaxAge:          24 * time.Hour,
			MaxBytes:        256 << 20,
			MaxMsgs:         1_000_000,
			Replicas:        1,
			DuplicateWindow: 5 * time.Minute,
			ConnectTimeout:  10 * time.Second,
			ReconnectWait:   2 * time.Second,
			MaxReconnects:   10,
		},
	}
}

// Validate reports every problem of an enabled configuration at once.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Type {
	case TypeNATS:
		return c.NATS.validate()
	case "":
		return errors.New("event bus type is required")
	default:
		return fmt.Errorf("unsupported event bus type %q", c.Type)
	}
}

func (c *NATSConfig) validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("NATS URL is required"))
	}
	if c.StreamName == "" {
		errs = append(errs, errors.New("NATS stream name is required"))
	}
	if c.SubjectPrefix == "" {
		errs = append(errs, errors.New("NATS subject prefix is required"))
	}
	switch c.Storage {
	case "file", "memory":
	default:
		errs = append(errs, fmt.Errorf("NATS storage must be file or memory, got %q", c.Storage))
	}
	if c.MaxAge <= 0 || c.MaxBytes <= 0 || c.MaxMsgs <= 0 {
		errs = append(errs, errors.New("NATS stream limits must be positive"))
	}
	if c.Replicas < 1 {
		errs = append(errs, errors.New("NATS replicas must be at least 1"))
	}
	if c.ConnectTimeout <= 0 {
		errs = append(errs, errors.New("NATS connect timeout must be positive"))
	}
	return errors.Join(errs...)
}

// Open connects the configured bus. It returns a nil bus when events are
// disabled; admins then publish nothing.
func Open(c Config, logger *zap.Logger) (EventBus, error) {
	if !c.Enabled {
		return nil, nil
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid event bus configuration: %w", err)
	}
	return NewNATSBus(c.NATS, logger)
}
