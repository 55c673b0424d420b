package weft

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// EnvRegistryURL is the environment key the fabric resolves the registry
// endpoint from.
const EnvRegistryURL = "WEFT_REGISTRY_URL"

// DefaultRegistryURL is the well-known local registry endpoint.
const DefaultRegistryURL = "tcp://127.0.0.1:7117"

// Config holds fabric configuration loaded from the environment.
type Config struct {
	RegistryURL string `envconfig:"WEFT_REGISTRY_URL" default:"tcp://127.0.0.1:7117"`

	// Timeouts
	CallTimeout     time.Duration `envconfig:"WEFT_CALL_TIMEOUT" default:"10s"`
	PublishTimeout  time.Duration `envconfig:"WEFT_PUBLISH_TIMEOUT" default:"5s"`
	RegistryTimeout time.Duration `envconfig:"WEFT_REGISTRY_TIMEOUT" default:"3s"`

	// Liveness. SweepMaxAge must exceed HeartbeatInterval by a safety
	// margin or healthy services expire under normal jitter.
	HeartbeatInterval time.Duration `envconfig:"WEFT_HEARTBEAT_INTERVAL" default:"2s"`
	SweepInterval     time.Duration `envconfig:"WEFT_SWEEP_INTERVAL" default:"5s"`
	SweepMaxAge       time.Duration `envconfig:"WEFT_SWEEP_MAX_AGE" default:"10s"`

	// Logging
	LogLevel string `envconfig:"WEFT_LOG_LEVEL" default:"info"`
}

// LoadConfig loads configuration from environment variables.
func LoadConfig() (*Config, error) {
	var c Config
	if err := envconfig.Process("", &c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// DefaultConfig returns a Config with defaults, ignoring the environment.
// Tests use this to construct isolated configurations.
func DefaultConfig() *Config {
	return &Config{
		RegistryURL:       DefaultRegistryURL,
		CallTimeout:       10 * time.Second,
		PublishTimeout:    5 * time.Second,
		RegistryTimeout:   3 * time.Second,
		HeartbeatInterval: 2 * time.Second,
		SweepInterval:     5 * time.Second,
		SweepMaxAge:       10 * time.Second,
		LogLevel:          "info",
	}
}

// Validate checks configuration invariants.
func (c *Config) Validate() error {
	if c.RegistryURL == "" {
		return fmt.Errorf("config: registry URL is required")
	}
	if c.CallTimeout <= 0 || c.PublishTimeout <= 0 || c.RegistryTimeout <= 0 {
		return fmt.Errorf("config: timeouts must be positive")
	}
	if c.HeartbeatInterval <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("config: intervals must be positive")
	}
	if c.SweepMaxAge <= c.HeartbeatInterval {
		return fmt.Errorf("config: sweep max age %v must exceed heartbeat interval %v",
			c.SweepMaxAge, c.HeartbeatInterval)
	}
	return nil
}

// ApplySettings resolves the registry endpoint through a Settings instance,
// letting explicit Set calls override the environment.
func (c *Config) ApplySettings(s *Settings) {
	c.RegistryURL = s.Resolve(EnvRegistryURL, c.RegistryURL)
}

// Settings is a process-local key/value resolver with override semantics:
// an explicit Set takes precedence over the environment, which takes
// precedence over the default. Absence always falls through to the default;
// there is no error path.
type Settings struct {
	mu        sync.RWMutex
	overrides map[string]string
}

// NewSettings creates an empty Settings instance.
func NewSettings() *Settings {
	return &Settings{overrides: make(map[string]string)}
}

// Set records an override visible to all subsequent Resolve calls.
func (s *Settings) Set(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[key] = value
}

// Resolve returns the override for key if set, else the environment value,
// else def.
func (s *Settings) Resolve(key, def string) string {
	s.mu.RLock()
	v, ok := s.overrides[key]
	s.mu.RUnlock()
	if ok {
		return v
	}
	if env, ok := os.LookupEnv(key); ok {
		return env
	}
	return def
}
