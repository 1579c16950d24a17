package main

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-calamity/config"
	"github.com/tsawler/go-calamity/driver"
)

func TestEveryFlagIsBound(t *testing.T) {
	cmd := newRootCmd(viper.New())
	for name := range flagKeys {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestFlagsReachConfig(t *testing.T) {
	dir := t.TempDir()
	saved := filepath.Join(dir, "effective.yaml")
	v := viper.New()
	cmd := newRootCmd(v)
	cmd.SetArgs([]string{
		filepath.Join(dir, "missing.uvd"),
		"--modeling_basis", "dft",
		"--maxsteps", "42",
		"--optimizer", "Nadam",
		"--min_dly", "150",
		"--clobber",
		"--save-config", saved,
	})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	// the unimplemented basis stops the run before any data is read
	err := cmd.Execute()
	assert.ErrorIs(t, err, driver.ErrNotImplemented)

	cfg, err := config.Load(viper.New(), saved)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "missing.uvd"), cfg.IO.InFile)
	assert.Equal(t, 42, cfg.Fit.MaxSteps)
	assert.Equal(t, "Nadam", cfg.Fit.Optimizer)
	assert.Equal(t, 150.0, cfg.Foreground.MinDly)
	assert.True(t, cfg.IO.Clobber)
	assert.Equal(t, 1e-14, cfg.Fit.Tol)
}

func TestBadConfigValue(t *testing.T) {
	cmd := newRootCmd(viper.New())
	cmd.SetArgs([]string{"in.uvd", "--maxsteps", "0"})
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	assert.ErrorIs(t, cmd.Execute(), config.ErrInvalidConfig)
}

func TestSetupLogger(t *testing.T) {
	cfg := &config.Config{LogLevel: "warn"}
	assert.Equal(t, logrus.WarnLevel, setupLogger(cfg).GetLevel())
	cfg.Verbose = true
	assert.Equal(t, logrus.DebugLevel, setupLogger(cfg).GetLevel())
	cfg = &config.Config{LogLevel: "chatty"}
	assert.Equal(t, logrus.InfoLevel, setupLogger(cfg).GetLevel())
}
