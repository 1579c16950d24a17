// Package driver runs a complete calibration: it reads the inputs named in
// a config.Config, fits gains and DPSS foreground models, and writes the
// requested outputs.
package driver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/tsawler/go-calamity/basis"
	"github.com/tsawler/go-calamity/blobstore"
	"github.com/tsawler/go-calamity/blobstore/minio"
	"github.com/tsawler/go-calamity/config"
	"github.com/tsawler/go-calamity/dataset"
	"github.com/tsawler/go-calamity/history"
	"github.com/tsawler/go-calamity/optimizer"
	"github.com/tsawler/go-calamity/solver"
)

var (
	// ErrNotImplemented is returned for any modeling basis other than dpss,
	// before any data is read.
	ErrNotImplemented = errors.New("driver: only the dpss modeling basis is implemented")
	ErrNoInput        = errors.New("driver: no input file")
)

// Option configures a run.
type Option func(*runner)

// WithLogger sets the logger. The default discards everything.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *runner) { r.log = l }
}

// WithProgress draws per-time-step progress bars on w when the config is
// verbose.
func WithProgress(w io.Writer) Option {
	return func(r *runner) { r.progress = w }
}

// WithCache shares a DPSS operator cache between runs.
func WithCache(c *basis.OperatorCache) Option {
	return func(r *runner) { r.cache = c }
}

// WithStore serves every path under prefix ("s3://bucket") from s, with the
// object key as the blob name.
func WithStore(prefix string, s blobstore.Store) Option {
	return func(r *runner) { r.stores[strings.TrimSuffix(prefix, "/")] = s }
}

type runner struct {
	cfg      *config.Config
	log      logrus.FieldLogger
	progress io.Writer
	cache    *basis.OperatorCache

	mu     sync.Mutex
	stores map[string]blobstore.Store
}

// SolverOptions translates the fit section of cfg.
func SolverOptions(cfg *config.Config) (solver.Options, error) {
	opts := solver.DefaultOptions()
	kind, err := optimizer.ParseKind(cfg.Fit.Optimizer)
	if err != nil {
		return opts, err
	}
	prec, err := solver.ParsePrecision(cfg.Fit.Precision)
	if err != nil {
		return opts, err
	}

	params := make(map[string]float64, len(cfg.Fit.OptimizerParams)+1)
	params["learning_rate"] = cfg.Fit.LearningRate
	for k, v := range cfg.Fit.OptimizerParams {
		params[k] = v
	}

	opts.Optimizer = kind
	opts.OptimizerParams = params
	opts.Tol = cfg.Fit.Tol
	opts.MaxSteps = cfg.Fit.MaxSteps
	opts.Precision = prec
	opts.FreezeModel = cfg.Fit.FreezeModel
	opts.RecordVarHistory = cfg.Fit.RecordVarHistory
	opts.Verbose = cfg.Verbose
	opts.Workers = cfg.Fit.Workers
	opts.GainFloor = cfg.Fit.GainFloor
	return opts, nil
}

// DPSSParams translates the foreground section of cfg. Delays are given
// in ns.
func DPSSParams(cfg *config.Config) solver.DPSSParams {
	params := solver.DefaultDPSSParams()
	params.Horizon = cfg.Foreground.Horizon
	params.Offset = cfg.Foreground.Offset
	params.MinDly = cfg.Foreground.MinDly
	params.EigenvalCutoff = cfg.Foreground.EigenvalCutoff
	params.RedTol = cfg.Foreground.RedTol
	params.RemoveRedundancy = cfg.Foreground.RemoveRedundancy
	return params
}

// ReadCalibrateAndModelPerBaseline reads the data, optional starting gains
// and optional sky model named in cfg, calibrates and models the data and
// writes every output with a non-empty path. Existing outputs are only
// replaced when cfg.IO.Clobber is set; this is checked before fitting.
func ReadCalibrateAndModelPerBaseline(ctx context.Context, cfg *config.Config, opts ...Option) (*solver.Result, error) {
	if !strings.EqualFold(cfg.Foreground.ModelingBasis, "dpss") {
		return nil, fmt.Errorf("%w: %q", ErrNotImplemented, cfg.Foreground.ModelingBasis)
	}
	if cfg.IO.InFile == "" {
		return nil, ErrNoInput
	}

	r := &runner{cfg: cfg, stores: make(map[string]blobstore.Store)}
	for _, opt := range opts {
		opt(r)
	}
	if r.log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		r.log = l
	}
	if r.cache == nil {
		r.cache = basis.NewOperatorCache(cfg.Foreground.CacheSize)
	}

	sopts, err := SolverOptions(cfg)
	if err != nil {
		return nil, err
	}
	sopts.Logger = r.log
	sopts.Progress = r.progress
	compression, err := dataset.ParseCompression(cfg.IO.Compression)
	if err != nil {
		return nil, err
	}
	if !cfg.IO.Clobber {
		if err := r.checkOutputs(ctx); err != nil {
			return nil, err
		}
	}

	ds, err := r.readDataset(ctx, cfg.IO.InFile)
	if err != nil {
		return nil, err
	}
	r.log.WithFields(logrus.Fields{
		"file":      cfg.IO.InFile,
		"baselines": ds.Nbls(),
		"times":     ds.Ntimes(),
		"freqs":     ds.Nfreqs(),
		"pols":      ds.Npols(),
	}).Info("read data")

	var gains *dataset.Calibration
	if cfg.IO.InCalFile != "" {
		if gains, err = r.readCalibration(ctx, cfg.IO.InCalFile); err != nil {
			return nil, err
		}
	}
	var sky *dataset.Dataset
	if cfg.IO.RefModelFile != "" {
		if sky, err = r.readDataset(ctx, cfg.IO.RefModelFile); err != nil {
			return nil, err
		}
	}

	res, err := solver.CalibrateAndModelDPSS(ctx, ds, DPSSParams(cfg), gains, sky, sopts, r.cache)
	if err != nil {
		return nil, err
	}
	stats := r.cache.Stats()
	r.log.WithFields(logrus.Fields{
		"size":     stats.Size,
		"hit_rate": stats.HitRate,
	}).Debug("DPSS operator cache")

	writes := []struct {
		path string
		ds   *dataset.Dataset
	}{
		{cfg.IO.ResidFile, res.Resid},
		{cfg.IO.ModelFile, res.Model},
		{cfg.IO.FilteredFile, res.Filtered},
	}
	for _, w := range writes {
		if w.path == "" {
			continue
		}
		err := r.write(ctx, w.path, func(out io.Writer) error {
			return dataset.EncodeDataset(out, w.ds, compression)
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.IO.CalFile != "" {
		err := r.write(ctx, cfg.IO.CalFile, func(out io.Writer) error {
			return dataset.EncodeCalibration(out, res.Gains, compression)
		})
		if err != nil {
			return nil, err
		}
	}
	if cfg.IO.HistoryFile != "" {
		if err := r.writeHistory(ctx, res.Info, sopts.Optimizer); err != nil {
			return nil, err
		}
	}
	return res, nil
}

func (r *runner) outputs() []string {
	c := r.cfg.IO
	var paths []string
	for _, p := range []string{c.ResidFile, c.ModelFile, c.FilteredFile, c.CalFile, c.HistoryFile} {
		if p != "" {
			paths = append(paths, p)
		}
	}
	return paths
}

func (r *runner) checkOutputs(ctx context.Context) error {
	for _, path := range r.outputs() {
		store, name, err := r.resolve(path)
		if err != nil {
			return err
		}
		exists, err := store.Exists(ctx, name)
		if err != nil {
			return err
		}
		if exists {
			return fmt.Errorf("%w: %s", blobstore.ErrExists, path)
		}
	}
	return nil
}

// resolve picks the store serving path and the blob name within it.
func (r *runner) resolve(path string) (blobstore.Store, string, error) {
	loc, err := blobstore.ParseLocation(path)
	if err != nil {
		return nil, "", err
	}
	prefix := "file"
	if loc.Scheme == "s3" {
		prefix = "s3://" + loc.Bucket
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[prefix]; ok {
		return s, loc.Key, nil
	}
	var s blobstore.Store
	if loc.Scheme == "s3" {
		client, err := minio.NewClient(r.cfg.Storage)
		if err != nil {
			return nil, "", err
		}
		s = minio.NewStore(client, loc.Bucket, "")
	} else {
		s = blobstore.NewLocalStore("")
	}
	r.stores[prefix] = s
	return s, loc.Key, nil
}

func (r *runner) open(ctx context.Context, path string) (io.ReadCloser, error) {
	store, name, err := r.resolve(path)
	if err != nil {
		return nil, err
	}
	return store.Open(ctx, name)
}

func (r *runner) readDataset(ctx context.Context, path string) (*dataset.Dataset, error) {
	rc, err := r.open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	ds, err := dataset.DecodeDataset(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return ds, nil
}

func (r *runner) readCalibration(ctx context.Context, path string) (*dataset.Calibration, error) {
	rc, err := r.open(ctx, path)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	cal, err := dataset.DecodeCalibration(rc)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return cal, nil
}

// write creates path and fills it with encode, discarding the partial
// output on failure.
func (r *runner) write(ctx context.Context, path string, encode func(io.Writer) error) error {
	store, name, err := r.resolve(path)
	if err != nil {
		return err
	}
	w, err := store.Create(ctx, name, r.cfg.IO.Clobber)
	if err != nil {
		return err
	}
	if err := encode(w); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	r.log.WithField("file", path).Info("wrote output")
	return nil
}

func (r *runner) writeHistory(ctx context.Context, info history.FittingInfo, kind optimizer.Kind) error {
	path := r.cfg.IO.HistoryFile
	format := history.FormatFromPath(path)
	if r.cfg.IO.HistoryFormat != "" {
		var err error
		if format, err = history.ParseFormat(r.cfg.IO.HistoryFormat); err != nil {
			return err
		}
	}
	rec := &history.Record{
		Metadata: history.Metadata{
			Optimizer:   kind.String(),
			Description: "calibration of " + r.cfg.IO.InFile,
		},
		Info: info,
	}
	saver := history.NewSaver(format)
	return r.write(ctx, path, func(w io.Writer) error { return saver.Save(w, rec) })
}
