// Package history records the per-step trace of every fit and saves it as
// JSON or as a protobuf-wire message.
package history

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/tsawler/go-calamity/internal/wire"
)

var ErrUnsupportedFormat = errors.New("history: unsupported format")

// Format defines the serialization format
type Format int

const (
	FormatJSON Format = iota
	FormatProto
)

func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "JSON"
	case FormatProto:
		return "Proto"
	default:
		return "Unknown"
	}
}

// ParseFormat resolves "json" or "proto", ignoring case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json", "":
		return FormatJSON, nil
	case "proto", "pb", "protobuf":
		return FormatProto, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnsupportedFormat, s)
}

// FormatFromPath picks the format from the file extension; anything other
// than .pb or .bin is JSON.
func FormatFromPath(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pb", ".bin":
		return FormatProto
	}
	return FormatJSON
}

// TimeHistory is the trace of the fit of one time step of one polarization.
// The variable snapshots are Nstep x Nvar and only present when recording
// was requested.
type TimeHistory struct {
	LossHistory []float64   `json:"loss_history"`
	GR          [][]float64 `json:"g_r,omitempty"`
	GI          [][]float64 `json:"g_i,omitempty"`
	FGR         [][]float64 `json:"fg_r,omitempty"`
	FGI         [][]float64 `json:"fg_i,omitempty"`
	Steps       int         `json:"steps"`
	Converged   bool        `json:"converged"`
}

// FittingInfo holds one TimeHistory per polarization and time index.
type FittingInfo map[string]map[int]*TimeHistory

// Set stores h under (pol, timeIndex).
func (fi FittingInfo) Set(pol string, timeIndex int, h *TimeHistory) {
	if fi[pol] == nil {
		fi[pol] = make(map[int]*TimeHistory)
	}
	fi[pol][timeIndex] = h
}

// Get returns the history stored under (pol, timeIndex).
func (fi FittingInfo) Get(pol string, timeIndex int) (*TimeHistory, bool) {
	h, ok := fi[pol][timeIndex]
	return h, ok
}

// Metadata describes a saved history.
type Metadata struct {
	Version     string    `json:"version"`
	Framework   string    `json:"framework"`
	CreatedAt   time.Time `json:"created_at"`
	Optimizer   string    `json:"optimizer,omitempty"`
	Description string    `json:"description,omitempty"`
}

// Record is what gets saved.
type Record struct {
	Metadata Metadata    `json:"metadata"`
	Info     FittingInfo `json:"fitting_info"`
}

// Saver writes and reads records in one format.
type Saver struct {
	format Format
}

// NewSaver creates a saver for the specified format
func NewSaver(format Format) *Saver {
	return &Saver{format: format}
}

// Save writes rec to w. Empty metadata is filled in.
func (s *Saver) Save(w io.Writer, rec *Record) error {
	if rec.Metadata.Framework == "" {
		rec.Metadata.Framework = "go-calamity"
		rec.Metadata.Version = "1.0.0"
		rec.Metadata.CreatedAt = time.Now().UTC()
	}
	switch s.format {
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("failed to encode history: %w", err)
		}
		return nil
	case FormatProto:
		_, err := w.Write(marshalRecord(rec))
		return err
	default:
		return fmt.Errorf("%w: %s", ErrUnsupportedFormat, s.format)
	}
}

// Load reads a record from r.
func (s *Saver) Load(r io.Reader) (*Record, error) {
	switch s.format {
	case FormatJSON:
		var rec Record
		if err := json.NewDecoder(r).Decode(&rec); err != nil {
			return nil, fmt.Errorf("failed to decode history: %w", err)
		}
		if rec.Info == nil {
			rec.Info = FittingInfo{}
		}
		return &rec, nil
	case FormatProto:
		b, err := io.ReadAll(r)
		if err != nil {
			return nil, err
		}
		return unmarshalRecord(b)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, s.format)
	}
}

// Record fields:
//
//	1 metadata (message): 1 version, 2 framework, 3 created_at unix nanos,
//	  4 optimizer, 5 description
//	2 entry (repeated message): 1 pol, 2 time index, 3 loss history (packed
//	  double), 4 steps, 5 converged, 6 g_r rows, 7 g_i rows, 8 fg_r rows,
//	  9 fg_i rows (each row a message with field 1 packed double)
func marshalRecord(rec *Record) []byte {
	var meta []byte
	meta = wire.AppendString(meta, 1, rec.Metadata.Version)
	meta = wire.AppendString(meta, 2, rec.Metadata.Framework)
	meta = wire.AppendVarint(meta, 3, uint64(rec.Metadata.CreatedAt.UnixNano()))
	meta = wire.AppendString(meta, 4, rec.Metadata.Optimizer)
	meta = wire.AppendString(meta, 5, rec.Metadata.Description)

	b := wire.AppendBytes(nil, 1, meta)

	pols := make([]string, 0, len(rec.Info))
	for p := range rec.Info {
		pols = append(pols, p)
	}
	sort.Strings(pols)
	for _, pol := range pols {
		times := make([]int, 0, len(rec.Info[pol]))
		for t := range rec.Info[pol] {
			times = append(times, t)
		}
		sort.Ints(times)
		for _, t := range times {
			h := rec.Info[pol][t]
			if h == nil {
				continue
			}
			var e []byte
			e = wire.AppendString(e, 1, pol)
			e = wire.AppendVarint(e, 2, uint64(t))
			e = wire.AppendDoubles(e, 3, h.LossHistory)
			e = wire.AppendVarint(e, 4, uint64(h.Steps))
			e = wire.AppendBool(e, 5, h.Converged)
			e = appendRows(e, 6, h.GR)
			e = appendRows(e, 7, h.GI)
			e = appendRows(e, 8, h.FGR)
			e = appendRows(e, 9, h.FGI)
			b = wire.AppendBytes(b, 2, e)
		}
	}
	return b
}

func appendRows(b []byte, num protowire.Number, rows [][]float64) []byte {
	for _, row := range rows {
		b = wire.AppendBytes(b, num, wire.AppendDoubles(nil, 1, row))
	}
	return b
}

func decodeRow(p []byte) ([]float64, error) {
	row := []float64{}
	err := wire.Walk(p, func(f wire.Field) error {
		if f.Num != 1 || f.Type != protowire.BytesType {
			return nil
		}
		vs, err := wire.Doubles(f.Bytes)
		row = vs
		return err
	})
	return row, err
}

func unmarshalRecord(b []byte) (*Record, error) {
	rec := &Record{Info: FittingInfo{}}
	err := wire.Walk(b, func(f wire.Field) error {
		if f.Type != protowire.BytesType {
			return nil
		}
		switch f.Num {
		case 1:
			return wire.Walk(f.Bytes, func(m wire.Field) error {
				switch m.Num {
				case 1:
					rec.Metadata.Version = string(m.Bytes)
				case 2:
					rec.Metadata.Framework = string(m.Bytes)
				case 3:
					rec.Metadata.CreatedAt = time.Unix(0, int64(m.Varint)).UTC()
				case 4:
					rec.Metadata.Optimizer = string(m.Bytes)
				case 5:
					rec.Metadata.Description = string(m.Bytes)
				}
				return nil
			})
		case 2:
			return decodeEntry(rec.Info, f.Bytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func decodeEntry(info FittingInfo, b []byte) error {
	var pol string
	var t int
	h := &TimeHistory{}
	err := wire.Walk(b, func(f wire.Field) error {
		var err error
		var row []float64
		switch f.Num {
		case 1:
			pol = string(f.Bytes)
		case 2:
			t = int(f.Varint)
		case 3:
			h.LossHistory, err = wire.Doubles(f.Bytes)
		case 4:
			h.Steps = int(f.Varint)
		case 5:
			h.Converged = protowire.DecodeBool(f.Varint)
		case 6, 7, 8, 9:
			row, err = decodeRow(f.Bytes)
			switch f.Num {
			case 6:
				h.GR = append(h.GR, row)
			case 7:
				h.GI = append(h.GI, row)
			case 8:
				h.FGR = append(h.FGR, row)
			case 9:
				h.FGI = append(h.FGI, row)
			}
		}
		return err
	})
	if err != nil {
		return err
	}
	info.Set(pol, t, h)
	return nil
}
