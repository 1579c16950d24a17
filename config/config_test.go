package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-calamity/optimizer"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)

	assert.Equal(t, "Adamax", cfg.Fit.Optimizer)
	assert.Equal(t, 1e-2, cfg.Fit.LearningRate)
	assert.Equal(t, 1e-14, cfg.Fit.Tol)
	assert.Equal(t, 10000, cfg.Fit.MaxSteps)
	assert.Equal(t, "float32", cfg.Fit.Precision)
	assert.Equal(t, 1, cfg.Fit.Workers)
	assert.False(t, cfg.Fit.FreezeModel)

	assert.Equal(t, "dpss", cfg.Foreground.ModelingBasis)
	assert.Equal(t, 1.0, cfg.Foreground.Horizon)
	assert.Equal(t, 0.0, cfg.Foreground.MinDly)
	assert.Equal(t, 1e-12, cfg.Foreground.EigenvalCutoff)
	assert.Equal(t, 1.0, cfg.Foreground.RedTol)

	assert.Equal(t, "zstd", cfg.IO.Compression)
	assert.False(t, cfg.IO.Clobber)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "calamity.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
io:
  infilename: zen.2459122.uvd
  clobber: true
foreground:
  horizon: 0.5
  min_dly: 150
fit:
  optimizer: nadam
  maxsteps: 200
  optimizer_params:
    beta_1: 0.8
`), 0o644))

	t.Setenv("CALAMITY_FIT_MAXSTEPS", "300")
	t.Setenv("CALAMITY_FIT_PRECISION", "float64")

	cfg, err := Load(viper.New(), path)
	require.NoError(t, err)
	assert.Equal(t, "zen.2459122.uvd", cfg.IO.InFile)
	assert.True(t, cfg.IO.Clobber)
	assert.Equal(t, 0.5, cfg.Foreground.Horizon)
	assert.Equal(t, 150.0, cfg.Foreground.MinDly)
	assert.Equal(t, "nadam", cfg.Fit.Optimizer)
	assert.Equal(t, 0.8, cfg.Fit.OptimizerParams["beta_1"])
	// environment beats the file
	assert.Equal(t, 300, cfg.Fit.MaxSteps)
	assert.Equal(t, "float64", cfg.Fit.Precision)
	// untouched keys keep their defaults
	assert.Equal(t, 1e-14, cfg.Fit.Tol)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(viper.New(), filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base, err := Load(viper.New(), "")
	require.NoError(t, err)

	tests := []struct {
		name   string
		modify func(*Config)
		target error
	}{
		{"negative tol", func(c *Config) { c.Fit.Tol = -1 }, ErrInvalidConfig},
		{"zero maxsteps", func(c *Config) { c.Fit.MaxSteps = 0 }, ErrInvalidConfig},
		{"zero learning rate", func(c *Config) { c.Fit.LearningRate = 0 }, ErrInvalidConfig},
		{"bad precision", func(c *Config) { c.Fit.Precision = "float16" }, ErrInvalidConfig},
		{"unknown optimizer", func(c *Config) { c.Fit.Optimizer = "Newton" }, optimizer.ErrUnsupportedOptimizer},
		{"negative min_dly", func(c *Config) { c.Foreground.MinDly = -5 }, ErrInvalidConfig},
		{"zero red_tol", func(c *Config) { c.Foreground.RedTol = 0 }, ErrInvalidConfig},
		{"negative workers", func(c *Config) { c.Fit.Workers = -2 }, ErrInvalidConfig},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := *base
			tt.modify(&cfg)
			assert.ErrorIs(t, cfg.Validate(), tt.target)
		})
	}

	cfg := *base
	cfg.IO.Compression = "brotli"
	assert.Error(t, cfg.Validate())
	cfg = *base
	cfg.IO.HistoryFormat = "xml"
	assert.Error(t, cfg.Validate())

	// the basis is checked by the driver, not here
	cfg = *base
	cfg.Foreground.ModelingBasis = "dft"
	assert.NoError(t, cfg.Validate())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(viper.New(), "")
	require.NoError(t, err)
	cfg.IO.InFile = "s3://hera/zen.uvd"
	cfg.Fit.Optimizer = "SGD"
	cfg.Fit.OptimizerParams = map[string]float64{"momentum": 0.9}
	cfg.Storage.SecretKey = "hunter2"

	var buf bytes.Buffer
	require.NoError(t, Save(&buf, cfg))
	assert.NotContains(t, buf.String(), "hunter2")

	path := filepath.Join(t.TempDir(), "effective.yaml")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	got, err := Load(viper.New(), path)
	require.NoError(t, err)

	cfg.Storage.SecretKey = ""
	assert.Equal(t, cfg, got)
}
