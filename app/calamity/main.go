// Command calamity calibrates interferometric visibilities and models their
// foregrounds with DPSS modes, writing residual, model, filtered data,
// gains and the fitting history.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/tsawler/go-calamity/config"
	"github.com/tsawler/go-calamity/driver"
)

// flagKeys maps every command line flag to its configuration key.
var flagKeys = map[string]string{
	"incalfilename":      "io.incalfilename",
	"refmodelname":       "io.refmodelname",
	"residfilename":      "io.residfilename",
	"modelfilename":      "io.modelfilename",
	"filteredfilename":   "io.filteredfilename",
	"calfilename":        "io.calfilename",
	"historyfilename":    "io.historyfilename",
	"history_format":     "io.history_format",
	"compression":        "io.compression",
	"clobber":            "io.clobber",
	"modeling_basis":     "foreground.modeling_basis",
	"horizon":            "foreground.horizon",
	"offset":             "foreground.offset",
	"min_dly":            "foreground.min_dly",
	"eigenval_cutoff":    "foreground.eigenval_cutoff",
	"red_tol":            "foreground.red_tol",
	"remove_redundancy":  "foreground.remove_redundancy",
	"freeze_model":       "fit.freeze_model",
	"optimizer":          "fit.optimizer",
	"tol":                "fit.tol",
	"maxsteps":           "fit.maxsteps",
	"learning_rate":      "fit.learning_rate",
	"precision":          "fit.precision",
	"workers":            "fit.workers",
	"gain_floor":         "fit.gain_floor",
	"record_var_history": "fit.record_var_history",
	"verbose":            "verbose",
	"log_level":          "log_level",
}

func newRootCmd(v *viper.Viper) *cobra.Command {
	var configPath, saveConfig string

	cmd := &cobra.Command{
		Use:   "calamity infilename",
		Short: "Simultaneous gain calibration and filtering of foregrounds using DPSS modes",
		Long: `calamity jointly fits per-antenna complex gains and per-baseline DPSS
foreground models to the cross-correlations of a visibility file, one time
step at a time, by gradient descent.

Settings come from defaults, then --config, then CALAMITY_* environment
variables (e.g. CALAMITY_FIT_MAXSTEPS), then flags. Paths may be local or
s3://bucket/key.`,
		Args:          cobra.MaximumNArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				v.Set("io.infilename", args[0])
			}
			cfg, err := config.Load(v, configPath)
			if err != nil {
				return err
			}
			if saveConfig != "" {
				f, err := os.Create(saveConfig)
				if err != nil {
					return err
				}
				if err := config.Save(f, cfg); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
			}

			logger := setupLogger(cfg)
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			res, err := driver.ReadCalibrateAndModelPerBaseline(ctx, cfg,
				driver.WithLogger(logger),
				driver.WithProgress(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}

			fits, converged := 0, 0
			for _, byTime := range res.Info {
				for _, h := range byTime {
					fits++
					if h.Converged {
						converged++
					}
				}
			}
			logger.WithFields(logrus.Fields{
				"fits":      fits,
				"converged": converged,
			}).Info("done")
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVar(&configPath, "config", "", "YAML configuration file")
	f.StringVar(&saveConfig, "save-config", "", "write the effective configuration to this file")

	f.String("incalfilename", "", "path to optional initial gains")
	f.String("refmodelname", "", "path to a reference sky model used to initialize foreground coefficients and set the overall flux scale and phase")
	f.String("residfilename", "", "path to write the residual")
	f.String("modelfilename", "", "path to write the foreground model")
	f.String("filteredfilename", "", "path to write the filtered and calibrated data")
	f.String("calfilename", "", "path to write the calibration gains")
	f.String("historyfilename", "", "path to write the fitting history (.json, or .pb for protobuf)")
	f.String("history_format", "", "fitting history format: json or proto (default from the file extension)")
	f.String("compression", "zstd", "output compression: none, zstd or lz4")
	f.Bool("clobber", false, "overwrite existing output files")

	f.String("modeling_basis", "dpss", "per-baseline foreground basis")
	f.Float64("horizon", 1.0, "fraction of the horizon delay to model with DPSS modes")
	f.Float64("offset", 0.0, "offset off of the horizon delay (ns) to model foregrounds with DPSS modes")
	f.Float64("min_dly", 0.0, "minimum delay (ns) to model, regardless of baseline length")
	f.Float64("eigenval_cutoff", 1e-12, "smallest DPSS concentration kept")
	f.Float64("red_tol", 1.0, "redundancy tolerance (m) for sharing DPSS modes")
	f.Bool("remove_redundancy", false, "give every baseline its own DPSS lookup")

	f.Bool("freeze_model", false, "only optimize gains, keeping the foreground model at its initialization")
	f.String("optimizer", "Adamax", "optimizer: Adadelta, Adagrad, Adam, Adamax, Ftrl, Nadam, SGD, RMSprop or LBFGS")
	f.Float64("tol", 1e-14, "halt optimization once the loss changes by less than this amount")
	f.Int("maxsteps", 10000, "maximum number of optimization steps per time step")
	f.Float64("learning_rate", 1e-2, "initial learning rate")
	f.String("precision", "float32", "arithmetic precision: float32 or float64")
	f.Int("workers", 1, "number of time steps fitted concurrently")
	f.Float64("gain_floor", 1e-12, "smallest gain product magnitude divided by")
	f.Bool("record_var_history", false, "record every variable at every step in the history")
	f.Bool("verbose", false, "lots of output")
	f.String("log_level", "info", "log level: debug, info, warn or error")

	for name, key := range flagKeys {
		if err := v.BindPFlag(key, f.Lookup(name)); err != nil {
			panic(fmt.Sprintf("binding flag %s: %v", name, err))
		}
	}
	return cmd
}

func setupLogger(cfg *config.Config) *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(os.Stderr)
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})

	switch {
	case cfg.Verbose:
		logger.SetLevel(logrus.DebugLevel)
	default:
		level, err := logrus.ParseLevel(strings.ToLower(cfg.LogLevel))
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
	}
	return logger
}

func main() {
	cmd := newRootCmd(viper.New())
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "calamity: %v\n", err)
		os.Exit(1)
	}
}
