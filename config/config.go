// Package config loads the settings of a calibration run from defaults, an
// optional YAML file, CALAMITY_* environment variables and command line
// flags, in increasing order of precedence.
package config

import (
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/tsawler/go-calamity/blobstore/minio"
	"github.com/tsawler/go-calamity/dataset"
	"github.com/tsawler/go-calamity/history"
	"github.com/tsawler/go-calamity/optimizer"
	"github.com/tsawler/go-calamity/solver"
)

// EnvPrefix prefixes every environment variable, e.g. CALAMITY_FIT_TOL.
const EnvPrefix = "CALAMITY"

var ErrInvalidConfig = errors.New("config: invalid configuration")

// IOConfig names the input and output files. Empty outputs are not
// written. Paths may be s3://bucket/key.
type IOConfig struct {
	InFile        string `mapstructure:"infilename" yaml:"infilename"`
	InCalFile     string `mapstructure:"incalfilename" yaml:"incalfilename"`
	RefModelFile  string `mapstructure:"refmodelname" yaml:"refmodelname"`
	ResidFile     string `mapstructure:"residfilename" yaml:"residfilename"`
	ModelFile     string `mapstructure:"modelfilename" yaml:"modelfilename"`
	FilteredFile  string `mapstructure:"filteredfilename" yaml:"filteredfilename"`
	CalFile       string `mapstructure:"calfilename" yaml:"calfilename"`
	HistoryFile   string `mapstructure:"historyfilename" yaml:"historyfilename"`
	HistoryFormat string `mapstructure:"history_format" yaml:"history_format"` // empty: from the file extension
	Compression   string `mapstructure:"compression" yaml:"compression"`
	Clobber       bool   `mapstructure:"clobber" yaml:"clobber"`
}

// ForegroundConfig selects and shapes the per-baseline foreground basis.
type ForegroundConfig struct {
	ModelingBasis    string  `mapstructure:"modeling_basis" yaml:"modeling_basis"`
	Horizon          float64 `mapstructure:"horizon" yaml:"horizon"`
	Offset           float64 `mapstructure:"offset" yaml:"offset"`   // ns
	MinDly           float64 `mapstructure:"min_dly" yaml:"min_dly"` // ns
	EigenvalCutoff   float64 `mapstructure:"eigenval_cutoff" yaml:"eigenval_cutoff"`
	RedTol           float64 `mapstructure:"red_tol" yaml:"red_tol"` // meters
	RemoveRedundancy bool    `mapstructure:"remove_redundancy" yaml:"remove_redundancy"`
	CacheSize        int     `mapstructure:"cache_size" yaml:"cache_size"`
}

// FitConfig controls the optimization.
type FitConfig struct {
	Optimizer        string             `mapstructure:"optimizer" yaml:"optimizer"`
	LearningRate     float64            `mapstructure:"learning_rate" yaml:"learning_rate"`
	OptimizerParams  map[string]float64 `mapstructure:"optimizer_params" yaml:"optimizer_params,omitempty"`
	Tol              float64            `mapstructure:"tol" yaml:"tol"`
	MaxSteps         int                `mapstructure:"maxsteps" yaml:"maxsteps"`
	Precision        string             `mapstructure:"precision" yaml:"precision"`
	FreezeModel      bool               `mapstructure:"freeze_model" yaml:"freeze_model"`
	RecordVarHistory bool               `mapstructure:"record_var_history" yaml:"record_var_history"`
	Workers          int                `mapstructure:"workers" yaml:"workers"`
	GainFloor        float64            `mapstructure:"gain_floor" yaml:"gain_floor"`
}

// Config is the complete configuration of a run.
type Config struct {
	IO         IOConfig         `mapstructure:"io" yaml:"io"`
	Foreground ForegroundConfig `mapstructure:"foreground" yaml:"foreground"`
	Fit        FitConfig        `mapstructure:"fit" yaml:"fit"`
	Storage    minio.Config     `mapstructure:"storage" yaml:"storage"`
	Verbose    bool             `mapstructure:"verbose" yaml:"verbose"`
	LogLevel   string           `mapstructure:"log_level" yaml:"log_level"`
}

// SetDefaults registers the default of every key on v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("io.infilename", "")
	v.SetDefault("io.incalfilename", "")
	v.SetDefault("io.refmodelname", "")
	v.SetDefault("io.residfilename", "")
	v.SetDefault("io.modelfilename", "")
	v.SetDefault("io.filteredfilename", "")
	v.SetDefault("io.calfilename", "")
	v.SetDefault("io.historyfilename", "")
	v.SetDefault("io.history_format", "")
	v.SetDefault("io.compression", "zstd")
	v.SetDefault("io.clobber", false)

	v.SetDefault("foreground.modeling_basis", "dpss")
	v.SetDefault("foreground.horizon", 1.0)
	v.SetDefault("foreground.offset", 0.0)
	v.SetDefault("foreground.min_dly", 0.0)
	v.SetDefault("foreground.eigenval_cutoff", 1e-12)
	v.SetDefault("foreground.red_tol", 1.0)
	v.SetDefault("foreground.remove_redundancy", false)
	v.SetDefault("foreground.cache_size", 64)

	v.SetDefault("fit.optimizer", "Adamax")
	v.SetDefault("fit.learning_rate", 1e-2)
	v.SetDefault("fit.optimizer_params", map[string]float64{})
	v.SetDefault("fit.tol", 1e-14)
	v.SetDefault("fit.maxsteps", 10000)
	v.SetDefault("fit.precision", "float32")
	v.SetDefault("fit.freeze_model", false)
	v.SetDefault("fit.record_var_history", false)
	v.SetDefault("fit.workers", 1)
	v.SetDefault("fit.gain_floor", solver.DefaultGainFloor)

	v.SetDefault("storage.endpoint", "")
	v.SetDefault("storage.access_key", "")
	v.SetDefault("storage.secret_key", "")
	v.SetDefault("storage.region", "")
	v.SetDefault("storage.secure", true)

	v.SetDefault("verbose", false)
	v.SetDefault("log_level", "info")
}

// Load reads the configuration from v, which may already have flags bound,
// after applying defaults, the YAML file at path (if not empty) and the
// environment.
func Load(v *viper.Viper, path string) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks every setting that can be checked without touching data.
// The modeling basis is left to the driver.
func (c *Config) Validate() error {
	invalid := func(format string, args ...any) error {
		return fmt.Errorf("%w: "+format, append([]any{ErrInvalidConfig}, args...)...)
	}

	if c.Fit.Tol < 0 || math.IsNaN(c.Fit.Tol) {
		return invalid("tol must be non-negative, got %g", c.Fit.Tol)
	}
	if c.Fit.MaxSteps <= 0 {
		return invalid("maxsteps must be positive, got %d", c.Fit.MaxSteps)
	}
	if c.Fit.LearningRate <= 0 {
		return invalid("learning_rate must be positive, got %g", c.Fit.LearningRate)
	}
	if c.Fit.Workers < 0 {
		return invalid("workers must be non-negative, got %d", c.Fit.Workers)
	}
	if c.Fit.GainFloor < 0 {
		return invalid("gain_floor must be non-negative, got %g", c.Fit.GainFloor)
	}
	if _, err := optimizer.ParseKind(c.Fit.Optimizer); err != nil {
		return err
	}
	if _, err := solver.ParsePrecision(c.Fit.Precision); err != nil {
		return invalid("%v", err)
	}

	if c.Foreground.MinDly < 0 {
		return invalid("min_dly must be non-negative, got %g", c.Foreground.MinDly)
	}
	if c.Foreground.Horizon < 0 {
		return invalid("horizon must be non-negative, got %g", c.Foreground.Horizon)
	}
	if c.Foreground.EigenvalCutoff < 0 {
		return invalid("eigenval_cutoff must be non-negative, got %g", c.Foreground.EigenvalCutoff)
	}
	if c.Foreground.RedTol <= 0 {
		return invalid("red_tol must be positive, got %g", c.Foreground.RedTol)
	}

	if c.IO.HistoryFormat != "" {
		if _, err := history.ParseFormat(c.IO.HistoryFormat); err != nil {
			return err
		}
	}
	if _, err := dataset.ParseCompression(c.IO.Compression); err != nil {
		return err
	}
	return nil
}

// Save writes c as YAML.
func Save(w io.Writer, c *Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(c); err != nil {
		return err
	}
	return enc.Close()
}
