package db

import (
	"testing"

	"github.com/smallbiznis/voltara/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromApp(t *testing.T) {
	cfg := FromApp(config.Config{
		DBType:            "postgres",
		DBHost:            "db.internal",
		DBPort:            "5433",
		DBName:            "voltara",
		DBUser:            "svc",
		DBPassword:        "secret",
		DBSSLMode:         "require",
		DBMaxIdleConn:     3,
		DBMaxOpenConn:     12,
		DBConnMaxLifetime: 1800,
		DBConnMaxIdleTime: 300,
	})

	assert.Equal(t, "postgres", cfg.Type)
	assert.Equal(t, "db.internal", cfg.Host)
	assert.Equal(t, "5433", cfg.Port)
	assert.Equal(t, "voltara", cfg.Name)
	assert.Equal(t, "svc", cfg.User)
	assert.Equal(t, "require", cfg.SSLMode)
	assert.Equal(t, 3, cfg.MaxIdleConn)
	assert.Equal(t, 12, cfg.MaxOpenConn)
	assert.Equal(t, 1800, cfg.ConnMaxLifetime)
	assert.Equal(t, 300, cfg.ConnMaxIdleTime)
}

func TestDialect_UnsupportedType(t *testing.T) {
	_, err := Dialect(Config{Type: "oracle"})
	assert.ErrorContains(t, err, "unsupported")

	dialector, err := Dialect(Config{Type: "sqlite", Name: "voltara"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite", dialector.Name())
}
