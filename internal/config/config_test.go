package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PHARMACY_NETWORK_URL", "http://erx.local")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "medflow-erx", cfg.App.Name)
	assert.Equal(t, "0.0.0.0:8080", cfg.Server.Address())
	assert.Equal(t, 2, cfg.PharmacyNetwork.MaxRetries)
	assert.Equal(t, 200*time.Millisecond, cfg.PharmacyNetwork.BaseBackoff)
	assert.Equal(t, 5*time.Second, cfg.PharmacyNetwork.Timeout)
	assert.Equal(t, "self", cfg.PharmacyNetwork.InteractionScope)
	assert.Equal(t, []string{"GET", "POST", "OPTIONS"}, cfg.CORS.AllowedMethods)
	assert.False(t, cfg.Kafka.Enabled)
}

func TestLoad_EnvironmentOverrides(t *testing.T) {
	t.Setenv("JWT_SECRET", "test-secret")
	t.Setenv("PHARMACY_NETWORK_URL", "http://erx.local")
	t.Setenv("SERVER_PORT", "9090")
	t.Setenv("PHARMACY_NETWORK_TIMEOUT", "750ms")
	t.Setenv("ERX_INTERACTION_SCOPE", "PATIENT")
	t.Setenv("KAFKA_BROKERS", "k1:9092, k2:9092")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 750*time.Millisecond, cfg.PharmacyNetwork.Timeout)
	assert.Equal(t, "patient", cfg.PharmacyNetwork.InteractionScope)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_ReportsEveryProblem(t *testing.T) {
	t.Setenv("APP_ENV", "production")
	t.Setenv("JWT_SECRET", "short")
	t.Setenv("DB_SSLMODE", "disable")
	t.Setenv("PHARMACY_NETWORK_URL", "http://erx.local")
	t.Setenv("ERX_INTERACTION_SCOPE", "everything")

	_, err := Load()
	require.Error(t, err)

	msg := err.Error()
	assert.Contains(t, msg, "JWT_SECRET must be at least 32 characters")
	assert.Contains(t, msg, "DB_PASSWORD is required")
	assert.Contains(t, msg, "DB_SSLMODE=disable")
	assert.Contains(t, msg, "must use https")
	assert.Contains(t, msg, "ERX_INTERACTION_SCOPE")
}
