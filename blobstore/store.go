// Package blobstore reads and writes the input and output files of a
// calibration run, on the local filesystem or in S3-compatible object
// storage.
//
// Writes go through Create, which refuses to replace an existing blob
// unless clobber is set.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
)

var (
	// ErrNotFound is returned when a blob does not exist. It maps to
	// os.ErrNotExist.
	ErrNotFound = os.ErrNotExist
	// ErrExists is returned by Create when the blob exists and clobber is
	// not set.
	ErrExists = errors.New("blobstore: output exists and clobber is not set")
	// ErrBadLocation is returned for an unparseable s3:// location.
	ErrBadLocation = errors.New("blobstore: bad location")
)

// Store is the storage abstraction used by the driver. Implementations must
// be safe for concurrent use.
type Store interface {
	// Open opens a blob for reading.
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	// Create opens a blob for writing. The blob becomes visible when the
	// returned writer is closed.
	Create(ctx context.Context, name string, clobber bool) (WritableBlob, error)
	// Exists reports whether the blob exists.
	Exists(ctx context.Context, name string) (bool, error)
}

// WritableBlob is a blob being written.
type WritableBlob interface {
	io.WriteCloser
	// Abort discards everything written so far.
	Abort() error
}

// Location is a parsed file argument: a local path, or a bucket and key
// for s3://bucket/key.
type Location struct {
	Scheme string // "file" or "s3"
	Bucket string
	Key    string
}

// ParseLocation splits an s3://bucket/key URL; anything else is a local
// path.
func ParseLocation(path string) (Location, error) {
	rest, ok := strings.CutPrefix(path, "s3://")
	if !ok {
		if path == "" {
			return Location{}, fmt.Errorf("%w: empty path", ErrBadLocation)
		}
		return Location{Scheme: "file", Key: path}, nil
	}
	bucket, key, ok := strings.Cut(rest, "/")
	if !ok || bucket == "" || key == "" {
		return Location{}, fmt.Errorf("%w: %q needs a bucket and a key", ErrBadLocation, path)
	}
	return Location{Scheme: "s3", Bucket: bucket, Key: key}, nil
}

func (l Location) String() string {
	if l.Scheme == "s3" {
		return "s3://" + l.Bucket + "/" + l.Key
	}
	return l.Key
}
