package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()

	require.NoError(t, cfg.Validate())

	policy, err := cfg.DeliveryPolicy()
	require.NoError(t, err)
	assert.Equal(t, 9*time.Hour, policy.WindowStart)
	assert.Equal(t, 18*time.Hour, policy.WindowEnd)
	assert.Equal(t, []time.Weekday{time.Sunday}, policy.BlackoutDays)
	assert.Equal(t, 10, cfg.WarehousePolicy().MaxPerReservation)
	assert.Equal(t, uint(3), cfg.ExecutorConfig().MaxAttempts)
}

func TestLoad_FileThenEnv(t *testing.T) {
	// Arrange
	t.Chdir(t.TempDir())
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
service:
  name: orders
  port: "9090"
fulfillment:
  mode: remote
  billing_url: http://billing:8080
  warehouse_url: http://warehouse:8080
  delivery_url: ${DELIVERY_HOST}
  timeout: 3s
saga:
  max_attempts: 5
  initial_backoff: 50ms
  max_backoff: 1s
delivery:
  window_start: "08:00"
  window_end: "20:00"
  blackout_days: [Saturday, sunday]
logging:
  level: debug
  format: console
`), 0o600))
	t.Setenv("DELIVERY_HOST", "http://delivery:8080")
	t.Setenv("PORT", "7070")
	t.Setenv("SAGA_MAX_ATTEMPTS", "4")

	// Act
	cfg, err := Load(path)

	// Assert
	require.NoError(t, err)
	assert.Equal(t, "orders", cfg.Service.Name)
	assert.Equal(t, "7070", cfg.Service.Port, "environment wins over the file")
	assert.Equal(t, ModeRemote, cfg.Fulfillment.Mode)
	assert.Equal(t, "http://delivery:8080", cfg.Fulfillment.DeliveryURL)
	assert.Equal(t, 3*time.Second, cfg.Fulfillment.Timeout)
	assert.Equal(t, uint(4), cfg.Saga.MaxAttempts)
	assert.Equal(t, 50*time.Millisecond, cfg.Saga.InitialBackoff)
	assert.Equal(t, "console", cfg.Logging.Format)

	policy, err := cfg.DeliveryPolicy()
	require.NoError(t, err)
	assert.Equal(t, []time.Weekday{time.Saturday, time.Sunday}, policy.BlackoutDays)
	assert.Equal(t, 20*time.Hour, policy.WindowEnd)

	client := cfg.ClientConfig(cfg.Fulfillment.BillingURL)
	assert.Equal(t, "http://billing:8080", client.BaseURL)
	assert.Equal(t, 3*time.Second, client.Timeout)
}

func TestLoad_ReadsDotEnv(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("JWT_SECRET=from-dotenv\n"), 0o600))
	t.Setenv("CONFIG_FILE", "")
	// godotenv never overrides variables that are already set.
	os.Unsetenv("JWT_SECRET")
	t.Cleanup(func() { os.Unsetenv("JWT_SECRET") })

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, "from-dotenv", cfg.Auth.JWTSecret)
}

func TestValidate_RejectsInconsistentValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"unknown mode", func(c *Config) { c.Fulfillment.Mode = "hybrid" }},
		{"remote without urls", func(c *Config) {
			c.Fulfillment.Mode = ModeRemote
			c.Fulfillment.DeliveryURL = ""
		}},
		{"no attempts", func(c *Config) { c.Saga.MaxAttempts = 0 }},
		{"backoff inverted", func(c *Config) { c.Saga.MaxBackoff = time.Millisecond }},
		{"bad clock", func(c *Config) { c.Delivery.WindowStart = "9am" }},
		{"window inverted", func(c *Config) { c.Delivery.WindowEnd = "08:00" }},
		{"bad weekday", func(c *Config) { c.Delivery.BlackoutDays = []string{"Funday"} }},
		{"bad timezone", func(c *Config) { c.Delivery.Timezone = "Mars/Olympus" }},
		{"no database", func(c *Config) { c.Database.URL = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoad_BadEnvValue(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("SAGA_MAX_ATTEMPTS", "many")

	_, err := Load("")

	assert.Error(t, err)
}
