package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/hashicorp/go-multierror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 60*time.Second, cfg.AdminTimeout)
	assert.Equal(t, 30*time.Second, cfg.IOTimeout)
	assert.Equal(t, 5, cfg.MaxRetries)
	assert.Equal(t, 10, cfg.MpathIORetries)
	assert.Equal(t, 4096, cfg.MpathPoolSize)
	assert.Equal(t, 3, cfg.ActivationRetries)
}

func TestParseOverridesDefaults(t *testing.T) {
	doc := `
admin_timeout: 10s
failover_interval: 0s
mpath_pool_size: 16
log:
  level: debug
  json: true
`
	cfg, err := Parse(strings.NewReader(doc))
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.AdminTimeout)
	assert.Equal(t, time.Duration(0), cfg.FailoverInterval)
	assert.Equal(t, 16, cfg.MpathPoolSize)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.True(t, cfg.Log.JSON)
	assert.Equal(t, 30*time.Second, cfg.IOTimeout, "unset keys keep defaults")
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse(strings.NewReader("admin_timeot: 1s\n"))
	assert.Error(t, err)
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.AdminTimeout = 0
	cfg.IOQueues = 0
	cfg.Workers = -1
	cfg.Log.Level = "loud"

	err := cfg.Validate()
	require.Error(t, err)

	var merr *multierror.Error
	require.True(t, errors.As(err, &merr))
	assert.Len(t, merr.Errors, 4)
	assert.Contains(t, err.Error(), "admin_timeout must be positive")
	assert.Contains(t, err.Error(), `unknown log level "loud"`)
}

func TestMarshalRoundTrip(t *testing.T) {
	data, err := Default().Marshal()
	require.NoError(t, err)
	assert.Contains(t, string(data), "admin_timeout: 1m0s")

	path := filepath.Join(t.TempDir(), "nvmpath.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	if diff := cmp.Diff(Default(), cfg); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestOptionMapping(t *testing.T) {
	cfg := Default()
	cfg.KeepAliveTimeout = 7 * time.Second

	opts := cfg.ControllerOptions()
	assert.Equal(t, 7*time.Second, opts.KeepAlive)
	assert.Equal(t, cfg.IOQueueDepth, opts.IOQueueDepth)

	mp := cfg.MultipathConfig()
	assert.Equal(t, cfg.FailoverRetryDelay, mp.RetryDelay)
	assert.Equal(t, cfg.MpathPoolSize, mp.PoolSize)

	assert.Equal(t, "info", string(cfg.LoggerConfig().Level))
}
