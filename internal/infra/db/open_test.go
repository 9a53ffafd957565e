package db

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultConnectionConfig(t *testing.T) {
	cfg := DefaultConnectionConfig()
	assert.Equal(t, 25, cfg.MaxOpenConns)
	assert.Equal(t, 10, cfg.MaxIdleConns)
	assert.Equal(t, 1*time.Hour, cfg.ConnMaxLifetime)
	assert.Equal(t, 30*time.Minute, cfg.ConnMaxIdleTime)
}

func TestGetConnectionConfigFromEnv(t *testing.T) {
	tests := []struct {
		name  string
		env   map[string]string
		check func(t *testing.T, cfg ConnectionConfig)
	}{
		{
			name: "defaults",
			env:  map[string]string{},
			check: func(t *testing.T, cfg ConnectionConfig) {
				assert.Equal(t, DefaultConnectionConfig(), cfg)
			},
		},
		{
			name: "custom values",
			env: map[string]string{
				"DB_MAX_OPEN_CONNS":     "50",
				"DB_MAX_IDLE_CONNS":     "5",
				"DB_CONN_MAX_LIFETIME":  "2h",
				"DB_CONN_MAX_IDLE_TIME": "10m",
			},
			check: func(t *testing.T, cfg ConnectionConfig) {
				assert.Equal(t, 50, cfg.MaxOpenConns)
				assert.Equal(t, 5, cfg.MaxIdleConns)
				assert.Equal(t, 2*time.Hour, cfg.ConnMaxLifetime)
				assert.Equal(t, 10*time.Minute, cfg.ConnMaxIdleTime)
			},
		},
		{
			name: "invalid values fall back",
			env: map[string]string{
				"DB_MAX_OPEN_CONNS":    "abc",
				"DB_MAX_IDLE_CONNS":    "0",
				"DB_CONN_MAX_LIFETIME": "-1h",
			},
			check: func(t *testing.T, cfg ConnectionConfig) {
				assert.Equal(t, 25, cfg.MaxOpenConns)
				assert.Equal(t, 10, cfg.MaxIdleConns)
				assert.Equal(t, 1*time.Hour, cfg.ConnMaxLifetime)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for _, k := range []string{"DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS", "DB_CONN_MAX_LIFETIME", "DB_CONN_MAX_IDLE_TIME"} {
				t.Setenv(k, "")
			}
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			tt.check(t, getConnectionConfigFromEnv())
		})
	}
}

func TestOpen_MissingDSN(t *testing.T) {
	_, err := Open(context.Background(), "")
	assert.ErrorIs(t, err, ErrMissingDSN)
}
