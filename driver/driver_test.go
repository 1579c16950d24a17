package driver

import (
	"bytes"
	"context"
	"math/cmplx"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/go-calamity/blobstore"
	"github.com/tsawler/go-calamity/config"
	"github.com/tsawler/go-calamity/dataset"
	"github.com/tsawler/go-calamity/history"
	"github.com/tsawler/go-calamity/optimizer"
	"github.com/tsawler/go-calamity/solver"
)

// writeInput stores a small smooth dataset at path and returns it.
func writeInput(t *testing.T, path string) *dataset.Dataset {
	t.Helper()
	freqs := make([]float64, 8)
	for i := range freqs {
		freqs[i] = 150e6 + float64(i)*100e3
	}
	ds, err := dataset.New([]dataset.AntPair{{0, 0}, {0, 1}, {1, 2}, {0, 2}}, []float64{2459122.1, 2459122.2},
		freqs, []string{"ee"}, []int{0, 1, 2}, [][3]float64{{0, 0, 0}, {14.6, 0, 0}, {29.2, 0, 0}})
	require.NoError(t, err)
	for bl, ap := range ds.AntPairs {
		for ti := range ds.Times {
			for f := range ds.Freqs {
				ds.Data[ds.Index(bl, ti, f, 0)] = cmplx.Rect(2+float64(ap.A1+ap.A2), 0.01*float64(f)+0.1*float64(ap.A2))
			}
		}
	}

	var buf bytes.Buffer
	require.NoError(t, dataset.EncodeDataset(&buf, ds, dataset.CompressionZstd))
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o644))
	return ds
}

func testConfig(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg.IO.InFile = filepath.Join(dir, "zen.uvd")
	cfg.IO.ResidFile = filepath.Join(dir, "out", "resid.uvd")
	cfg.IO.ModelFile = filepath.Join(dir, "out", "model.uvd")
	cfg.IO.FilteredFile = filepath.Join(dir, "out", "filtered.uvd")
	cfg.IO.CalFile = filepath.Join(dir, "out", "gains.cal")
	cfg.IO.HistoryFile = filepath.Join(dir, "out", "history.json")
	cfg.Fit.MaxSteps = 20
	cfg.Fit.Precision = "float64"
	return cfg
}

func readDataset(t *testing.T, path string) *dataset.Dataset {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	ds, err := dataset.DecodeDataset(f)
	require.NoError(t, err)
	return ds
}

func TestReadCalibrateAndModelPerBaseline(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "zen.uvd"))
	cfg := testConfig(t, dir)

	res, err := ReadCalibrateAndModelPerBaseline(context.Background(), cfg)
	require.NoError(t, err)

	for _, p := range []string{cfg.IO.ResidFile, cfg.IO.ModelFile, cfg.IO.FilteredFile} {
		ds := readDataset(t, p)
		assert.Len(t, ds.AntPairs, 3, p)
	}
	model := readDataset(t, cfg.IO.ModelFile)
	assert.Equal(t, res.Model.Data, model.Data)

	f, err := os.Open(cfg.IO.CalFile)
	require.NoError(t, err)
	cal, err := dataset.DecodeCalibration(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, res.Gains.Gains, cal.Gains)

	f, err = os.Open(cfg.IO.HistoryFile)
	require.NoError(t, err)
	rec, err := history.NewSaver(history.FormatJSON).Load(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	assert.Equal(t, "Adamax", rec.Metadata.Optimizer)
	for ti := 0; ti < 2; ti++ {
		h, ok := rec.Info.Get("ee", ti)
		require.True(t, ok)
		assert.NotEmpty(t, h.LossHistory)
	}
}

func TestReadCalibrateWithInputsAndProtoHistory(t *testing.T) {
	dir := t.TempDir()
	ds := writeInput(t, filepath.Join(dir, "zen.uvd"))

	cross, err := ds.SelectCrossCorrelations()
	require.NoError(t, err)
	var buf bytes.Buffer
	require.NoError(t, dataset.EncodeDataset(&buf, cross, dataset.CompressionLZ4))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sky.uvd"), buf.Bytes(), 0o644))

	cal, err := dataset.BlankCalibration(ds)
	require.NoError(t, err)
	buf.Reset()
	require.NoError(t, dataset.EncodeCalibration(&buf, cal, dataset.CompressionNone))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "in.cal"), buf.Bytes(), 0o644))

	cfg := testConfig(t, dir)
	cfg.IO.RefModelFile = filepath.Join(dir, "sky.uvd")
	cfg.IO.InCalFile = filepath.Join(dir, "in.cal")
	cfg.IO.HistoryFile = filepath.Join(dir, "out", "history.pb")
	cfg.Fit.Optimizer = "LBFGS"
	cfg.Fit.FreezeModel = true

	_, err = ReadCalibrateAndModelPerBaseline(context.Background(), cfg)
	require.NoError(t, err)

	f, err := os.Open(cfg.IO.HistoryFile)
	require.NoError(t, err)
	defer f.Close()
	rec, err := history.NewSaver(history.FormatProto).Load(f)
	require.NoError(t, err)
	assert.Equal(t, "LBFGS", rec.Metadata.Optimizer)
	assert.Len(t, rec.Info["ee"], 2)
}

func TestReadCalibrateNotImplementedBasis(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig(t, dir)
	cfg.Foreground.ModelingBasis = "dft"
	// the input does not exist; the basis is rejected first
	_, err := ReadCalibrateAndModelPerBaseline(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNotImplemented)
}

func TestReadCalibrateNoInput(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	cfg.IO.InFile = ""
	_, err := ReadCalibrateAndModelPerBaseline(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrNoInput)
}

func TestReadCalibrateClobber(t *testing.T) {
	dir := t.TempDir()
	writeInput(t, filepath.Join(dir, "zen.uvd"))
	cfg := testConfig(t, dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "out"), 0o755))
	require.NoError(t, os.WriteFile(cfg.IO.ModelFile, []byte("old"), 0o644))

	_, err := ReadCalibrateAndModelPerBaseline(context.Background(), cfg)
	assert.ErrorIs(t, err, blobstore.ErrExists)
	_, err = os.Stat(cfg.IO.ResidFile)
	assert.ErrorIs(t, err, os.ErrNotExist, "nothing is written when an output exists")

	cfg.IO.Clobber = true
	_, err = ReadCalibrateAndModelPerBaseline(context.Background(), cfg)
	require.NoError(t, err)
	model := readDataset(t, cfg.IO.ModelFile)
	assert.Len(t, model.AntPairs, 3)
}

func TestReadCalibrateS3Paths(t *testing.T) {
	dir := t.TempDir()
	bucket := filepath.Join(dir, "bucket")
	require.NoError(t, os.MkdirAll(filepath.Join(bucket, "raw"), 0o755))
	writeInput(t, filepath.Join(bucket, "raw", "zen.uvd"))

	cfg := testConfig(t, dir)
	cfg.IO.InFile = "s3://hera/raw/zen.uvd"
	cfg.IO.ModelFile = "s3://hera/cal/model.uvd"
	cfg.IO.ResidFile = ""
	cfg.IO.FilteredFile = ""
	cfg.IO.CalFile = ""
	cfg.IO.HistoryFile = ""

	_, err := ReadCalibrateAndModelPerBaseline(context.Background(), cfg,
		WithStore("s3://hera", blobstore.NewLocalStore(bucket)))
	require.NoError(t, err)
	model := readDataset(t, filepath.Join(bucket, "cal", "model.uvd"))
	assert.Len(t, model.AntPairs, 3)
}

func TestReadCalibrateMissingInput(t *testing.T) {
	cfg := testConfig(t, t.TempDir())
	_, err := ReadCalibrateAndModelPerBaseline(context.Background(), cfg)
	assert.ErrorIs(t, err, blobstore.ErrNotFound)
}

func TestSolverOptions(t *testing.T) {
	cfg, err := config.Load(viper.New(), "")
	require.NoError(t, err)
	cfg.Fit.Optimizer = "sgd"
	cfg.Fit.LearningRate = 0.05
	cfg.Fit.OptimizerParams = map[string]float64{"momentum": 0.9}
	cfg.Fit.Precision = "float64"
	cfg.Fit.Workers = 3

	opts, err := SolverOptions(cfg)
	require.NoError(t, err)
	assert.Equal(t, optimizer.SGD, opts.Optimizer)
	assert.Equal(t, map[string]float64{"learning_rate": 0.05, "momentum": 0.9}, opts.OptimizerParams)
	assert.Equal(t, solver.Float64, opts.Precision)
	assert.Equal(t, 3, opts.Workers)
	assert.Equal(t, 1e-14, opts.Tol)

	params := DPSSParams(cfg)
	assert.Equal(t, 1.0, params.Horizon)
	assert.Equal(t, 1.0, params.RedTol)
	assert.Equal(t, 1e-12, params.EigenvalCutoff)
}
