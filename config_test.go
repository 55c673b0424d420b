package weft

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_Load(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, DefaultRegistryURL, cfg.RegistryURL)
		assert.Equal(t, 10*time.Second, cfg.CallTimeout)
		assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval)
	})

	t.Run("environment override", func(t *testing.T) {
		t.Setenv("WEFT_REGISTRY_URL", "tcp://127.0.0.1:9999")
		t.Setenv("WEFT_CALL_TIMEOUT", "1s")

		cfg, err := LoadConfig()
		require.NoError(t, err)

		assert.Equal(t, "tcp://127.0.0.1:9999", cfg.RegistryURL)
		assert.Equal(t, time.Second, cfg.CallTimeout)
	})

	t.Run("sweep max age must exceed heartbeat interval", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.SweepMaxAge = cfg.HeartbeatInterval

		assert.Error(t, cfg.Validate())
	})

	t.Run("default config validates", func(t *testing.T) {
		assert.NoError(t, DefaultConfig().Validate())
	})
}

func TestSettings_Resolve(t *testing.T) {
	t.Run("falls through to default", func(t *testing.T) {
		s := NewSettings()
		assert.Equal(t, "fallback", s.Resolve("WEFT_TEST_MISSING", "fallback"))
	})

	t.Run("environment beats default", func(t *testing.T) {
		t.Setenv("WEFT_TEST_KEY", "from-env")

		s := NewSettings()
		assert.Equal(t, "from-env", s.Resolve("WEFT_TEST_KEY", "fallback"))
	})

	t.Run("explicit set beats environment", func(t *testing.T) {
		t.Setenv("WEFT_TEST_KEY", "from-env")

		s := NewSettings()
		s.Set("WEFT_TEST_KEY", "from-set")
		assert.Equal(t, "from-set", s.Resolve("WEFT_TEST_KEY", "fallback"))
	})

	t.Run("set is visible to all subsequent resolves", func(t *testing.T) {
		s := NewSettings()
		s.Set("WEFT_TEST_KEY", "v1")
		assert.Equal(t, "v1", s.Resolve("WEFT_TEST_KEY", ""))
		assert.Equal(t, "v1", s.Resolve("WEFT_TEST_KEY", "other-default"))
	})
}

func TestConfig_ApplySettings(t *testing.T) {
	t.Run("settings override registry endpoint", func(t *testing.T) {
		s := NewSettings()
		s.Set(EnvRegistryURL, "tcp://127.0.0.1:7300")

		cfg := DefaultConfig()
		cfg.ApplySettings(s)

		assert.Equal(t, "tcp://127.0.0.1:7300", cfg.RegistryURL)
	})

	t.Run("no override keeps configured endpoint", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.ApplySettings(NewSettings())

		assert.Equal(t, DefaultRegistryURL, cfg.RegistryURL)
	})
}
