package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_DefaultValues(t *testing.T) {
	for _, k := range []string{
		"DB_HOST", "DB_PORT", "DB_NAME", "REDIS_ADDR", "TENANT_DIRECTORY",
		"MAINT_CALL_TIMEOUT", "MAINT_MAX_ATTEMPTS", "MAINT_CONCURRENCY",
		"MAINT_SEED_DEFAULTS", "MAINT_REPORT_SINK", "MAINT_SEED_LOCK", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)

	// 检查默认值
	assert.Equal(t, "localhost", cfg.Database.Host)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "owlrd", cfg.Database.Database)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "postgres", cfg.Directory.Mode)
	assert.Equal(t, 30*time.Second, cfg.Maintenance.CallTimeout)
	assert.Equal(t, 4, cfg.Maintenance.MaxAttempts)
	assert.Equal(t, 4, cfg.Maintenance.Concurrency)
	assert.Equal(t, []string{"Other"}, cfg.Maintenance.SeedDefaults)
	assert.Equal(t, "none", cfg.Maintenance.ReportSink)
	assert.Equal(t, "local", cfg.Maintenance.SeedLock)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_EnvironmentVariables(t *testing.T) {
	t.Setenv("DB_HOST", "test-host")
	t.Setenv("DB_PORT", "6543")
	t.Setenv("TENANT_DIRECTORY", "http")
	t.Setenv("TENANT_DIRECTORY_URL", "http://admin.local")
	t.Setenv("MAINT_CALL_TIMEOUT", "5s")
	t.Setenv("MAINT_CONCURRENCY", "8")
	t.Setenv("MAINT_SEED_DEFAULTS", " Other , Misc ,,")
	t.Setenv("MAINT_REPORT_SINK", "redis")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "test-host", cfg.Database.Host)
	assert.Equal(t, 6543, cfg.Database.Port)
	assert.Equal(t, "http", cfg.Directory.Mode)
	assert.Equal(t, "http://admin.local", cfg.Directory.BaseURL)
	assert.Equal(t, 5*time.Second, cfg.Maintenance.CallTimeout)
	assert.Equal(t, 8, cfg.Maintenance.Concurrency)
	assert.Equal(t, []string{"Other", "Misc"}, cfg.Maintenance.SeedDefaults)
	assert.Equal(t, "redis", cfg.Maintenance.ReportSink)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_InvalidValues(t *testing.T) {
	t.Setenv("MAINT_REPORT_SINK", "kafka")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAINT_REPORT_SINK")
}

func TestValidate_Backoff(t *testing.T) {
	cfg := &Config{}
	cfg.Directory.Mode = "postgres"
	cfg.Maintenance.ReportSink = "none"
	cfg.Maintenance.SeedLock = "local"
	cfg.Maintenance.MaxAttempts = 3
	cfg.Maintenance.Concurrency = 1
	cfg.Maintenance.InitialBackoff = time.Second
	cfg.Maintenance.MaxBackoff = 100 * time.Millisecond

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAINT_MAX_BACKOFF")
}

func TestGetDSN(t *testing.T) {
	c := DatabaseConfig{Host: "h", Port: 1, User: "u", Password: "p", Database: "d", SSLMode: "disable"}
	assert.Equal(t, "host=h port=1 user=u password=p dbname=d sslmode=disable", c.GetDSN())
}

func TestGetEnv(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")
	assert.Equal(t, "test-value", getEnv("TEST_VAR", "default"))
	assert.Equal(t, "default-value", getEnv("NON_EXISTENT_VAR_FOR_TEST", "default-value"))
}
