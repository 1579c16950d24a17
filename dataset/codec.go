package dataset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"
	"strings"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/tsawler/go-calamity/internal/wire"
)

// File layout: 8 byte magic, 1 compression byte, then one protobuf-wire
// message, compressed as a whole.
//
// Dataset message:
//
//	1 telescope_name     string
//	2 antenna_numbers    packed sint64
//	3 antenna_positions  packed double, x/y/z per antenna
//	4 ant_1              packed sint64, one per baseline
//	5 ant_2              packed sint64
//	6 times              packed double
//	7 freqs              packed double
//	8 pols               repeated string
//	9 data               packed double, re/im interleaved
//	10 flags             roaring bitmap of flagged flat indices
//	11 nsamples          packed double
//
// Calibration message:
//
//	1 telescope_name, 2 antenna_numbers, 3 freqs, 4 times, 5 jones,
//	6 gain_convention, 7 cal_style, 8 cal_type, 9 gains (re/im),
//	10 flags (roaring), 11 quality
const (
	datasetMagic     = "CALMUVD1"
	calibrationMagic = "CALMUVC1"
)

var (
	ErrBadMagic           = errors.New("dataset: not a calamity file")
	ErrUnknownCompression = errors.New("dataset: unknown compression")
	ErrTooLarge           = errors.New("dataset: too many samples for flag bitmap")
	ErrFileTooLarge       = errors.New("dataset: file exceeds the size limit")
)

// MaxFileSize caps both the bytes read from a file and its decompressed
// size.
var MaxFileSize int64 = 16 << 30

// Compression selects how a file body is compressed.
type Compression byte

const (
	CompressionNone Compression = iota
	CompressionZstd
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLZ4:
		return "lz4"
	default:
		return "unknown"
	}
}

// ParseCompression maps "none", "zstd" or "lz4" to a Compression.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownCompression, s)
	}
}

func compress(c Compression, body []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
		}
		defer enc.Close()
		return enc.EncodeAll(body, nil), nil
	case CompressionLZ4:
		var buf bytes.Buffer
		w := lz4.NewWriter(&buf)
		if _, err := w.Write(body); err != nil {
			return nil, fmt.Errorf("lz4 write failed: %w", err)
		}
		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("lz4 close failed: %w", err)
		}
		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}

func decompress(c Compression, body []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return body, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(uint64(MaxFileSize)))
		if err != nil {
			return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
		}
		defer dec.Close()
		out, err := dec.DecodeAll(body, nil)
		if errors.Is(err, zstd.ErrDecoderSizeExceeded) || errors.Is(err, zstd.ErrWindowSizeExceeded) {
			return nil, fmt.Errorf("%w: %v", ErrFileTooLarge, err)
		}
		return out, err
	case CompressionLZ4:
		out, err := io.ReadAll(io.LimitReader(lz4.NewReader(bytes.NewReader(body)), MaxFileSize+1))
		if err != nil {
			return nil, err
		}
		if int64(len(out)) > MaxFileSize {
			return nil, ErrFileTooLarge
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}

func writeFile(w io.Writer, magic string, c Compression, msg []byte) error {
	body, err := compress(c, msg)
	if err != nil {
		return err
	}
	header := append([]byte(magic), byte(c))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("failed to write header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("failed to write body: %w", err)
	}
	return nil
}

func readFile(r io.Reader, magic string) ([]byte, error) {
	raw, err := io.ReadAll(io.LimitReader(r, int64(len(magic))+1+MaxFileSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read: %w", err)
	}
	if int64(len(raw)) > int64(len(magic))+1+MaxFileSize {
		return nil, ErrFileTooLarge
	}
	if len(raw) < len(magic)+1 || string(raw[:len(magic)]) != magic {
		return nil, ErrBadMagic
	}
	return decompress(Compression(raw[len(magic)]), raw[len(magic)+1:])
}

func encodeFlags(flags []bool) ([]byte, error) {
	if uint64(len(flags)) > math.MaxUint32 {
		return nil, ErrTooLarge
	}
	bm := roaring.New()
	for i, f := range flags {
		if f {
			bm.Add(uint32(i))
		}
	}
	bm.RunOptimize()
	return bm.MarshalBinary()
}

func decodeFlags(p []byte, n int) ([]bool, error) {
	flags := make([]bool, n)
	if len(p) == 0 {
		return flags, nil
	}
	bm := roaring.New()
	if err := bm.UnmarshalBinary(p); err != nil {
		return nil, fmt.Errorf("%w: flag bitmap: %v", wire.ErrMalformed, err)
	}
	it := bm.Iterator()
	for it.HasNext() {
		i := int(it.Next())
		if i >= n {
			return nil, fmt.Errorf("%w: flag index %d beyond %d samples", wire.ErrMalformed, i, n)
		}
		flags[i] = true
	}
	return flags, nil
}

// EncodeDataset writes ds to w.
func EncodeDataset(w io.Writer, ds *Dataset, c Compression) error {
	if err := ds.Validate(); err != nil {
		return err
	}
	flags, err := encodeFlags(ds.Flags)
	if err != nil {
		return err
	}

	pos := make([]float64, 0, 3*len(ds.AntennaPositions))
	for _, p := range ds.AntennaPositions {
		pos = append(pos, p[0], p[1], p[2])
	}
	a1 := make([]int, len(ds.AntPairs))
	a2 := make([]int, len(ds.AntPairs))
	for i, ap := range ds.AntPairs {
		a1[i], a2[i] = ap.A1, ap.A2
	}

	var b []byte
	b = wire.AppendString(b, 1, ds.TelescopeName)
	b = wire.AppendInts(b, 2, ds.AntennaNumbers)
	b = wire.AppendDoubles(b, 3, pos)
	b = wire.AppendInts(b, 4, a1)
	b = wire.AppendInts(b, 5, a2)
	b = wire.AppendDoubles(b, 6, ds.Times)
	b = wire.AppendDoubles(b, 7, ds.Freqs)
	for _, p := range ds.Pols {
		b = wire.AppendString(b, 8, p)
	}
	b = wire.AppendComplexes(b, 9, ds.Data)
	b = wire.AppendBytes(b, 10, flags)
	b = wire.AppendDoubles(b, 11, ds.Nsamples)

	return writeFile(w, datasetMagic, c, b)
}

// DecodeDataset reads a dataset written by EncodeDataset.
func DecodeDataset(r io.Reader) (*Dataset, error) {
	msg, err := readFile(r, datasetMagic)
	if err != nil {
		return nil, err
	}

	ds := &Dataset{}
	var pos []float64
	var a1, a2 []int
	var flagBytes []byte
	err = wire.Walk(msg, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			ds.TelescopeName = string(f.Bytes)
		case 2:
			ds.AntennaNumbers, err = appendInts(ds.AntennaNumbers, f.Bytes)
		case 3:
			pos, err = appendDoubles(pos, f.Bytes)
		case 4:
			a1, err = appendInts(a1, f.Bytes)
		case 5:
			a2, err = appendInts(a2, f.Bytes)
		case 6:
			ds.Times, err = appendDoubles(ds.Times, f.Bytes)
		case 7:
			ds.Freqs, err = appendDoubles(ds.Freqs, f.Bytes)
		case 8:
			ds.Pols = append(ds.Pols, string(f.Bytes))
		case 9:
			ds.Data, err = appendComplexes(ds.Data, f.Bytes)
		case 10:
			flagBytes = f.Bytes
		case 11:
			ds.Nsamples, err = appendDoubles(ds.Nsamples, f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	if len(pos) != 3*len(ds.AntennaNumbers) || len(a1) != len(a2) {
		return nil, fmt.Errorf("%w: inconsistent antenna tables", wire.ErrMalformed)
	}
	ds.AntennaPositions = make([][3]float64, len(ds.AntennaNumbers))
	for i := range ds.AntennaPositions {
		ds.AntennaPositions[i] = [3]float64{pos[3*i], pos[3*i+1], pos[3*i+2]}
	}
	ds.AntPairs = make([]AntPair, len(a1))
	for i := range a1 {
		ds.AntPairs[i] = AntPair{A1: a1[i], A2: a2[i]}
	}
	if ds.Flags, err = decodeFlags(flagBytes, len(ds.Data)); err != nil {
		return nil, err
	}
	if err := ds.Validate(); err != nil {
		return nil, err
	}
	return ds, nil
}

// EncodeCalibration writes cal to w.
func EncodeCalibration(w io.Writer, cal *Calibration, c Compression) error {
	if err := cal.Validate(); err != nil {
		return err
	}
	flags, err := encodeFlags(cal.Flags)
	if err != nil {
		return err
	}

	var b []byte
	b = wire.AppendString(b, 1, cal.TelescopeName)
	b = wire.AppendInts(b, 2, cal.AntennaNumbers)
	b = wire.AppendDoubles(b, 3, cal.Freqs)
	b = wire.AppendDoubles(b, 4, cal.Times)
	for _, j := range cal.Jones {
		b = wire.AppendString(b, 5, j)
	}
	b = wire.AppendString(b, 6, cal.GainConvention)
	b = wire.AppendString(b, 7, cal.CalStyle)
	b = wire.AppendString(b, 8, cal.CalType)
	b = wire.AppendComplexes(b, 9, cal.Gains)
	b = wire.AppendBytes(b, 10, flags)
	b = wire.AppendDoubles(b, 11, cal.Quality)

	return writeFile(w, calibrationMagic, c, b)
}

// DecodeCalibration reads a calibration written by EncodeCalibration.
func DecodeCalibration(r io.Reader) (*Calibration, error) {
	msg, err := readFile(r, calibrationMagic)
	if err != nil {
		return nil, err
	}

	cal := &Calibration{}
	var flagBytes []byte
	err = wire.Walk(msg, func(f wire.Field) error {
		var err error
		switch f.Num {
		case 1:
			cal.TelescopeName = string(f.Bytes)
		case 2:
			cal.AntennaNumbers, err = appendInts(cal.AntennaNumbers, f.Bytes)
		case 3:
			cal.Freqs, err = appendDoubles(cal.Freqs, f.Bytes)
		case 4:
			cal.Times, err = appendDoubles(cal.Times, f.Bytes)
		case 5:
			cal.Jones = append(cal.Jones, string(f.Bytes))
		case 6:
			cal.GainConvention = string(f.Bytes)
		case 7:
			cal.CalStyle = string(f.Bytes)
		case 8:
			cal.CalType = string(f.Bytes)
		case 9:
			cal.Gains, err = appendComplexes(cal.Gains, f.Bytes)
		case 10:
			flagBytes = f.Bytes
		case 11:
			cal.Quality, err = appendDoubles(cal.Quality, f.Bytes)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if cal.Flags, err = decodeFlags(flagBytes, len(cal.Gains)); err != nil {
		return nil, err
	}
	if err := cal.Validate(); err != nil {
		return nil, err
	}
	return cal, nil
}

func appendDoubles(dst []float64, p []byte) ([]float64, error) {
	vs, err := wire.Doubles(p)
	return append(dst, vs...), err
}

func appendComplexes(dst []complex128, p []byte) ([]complex128, error) {
	vs, err := wire.Complexes(p)
	return append(dst, vs...), err
}

func appendInts(dst []int, p []byte) ([]int, error) {
	vs, err := wire.Ints(p)
	return append(dst, vs...), err
}
