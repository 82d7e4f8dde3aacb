// Package persistence serializes built search indexes. Files are
// self-describing: the header records the format version and the codec the
// body was encoded with, and the body is zstd compressed.
package persistence

import "errors"

const (
	// MagicNumber identifies pose index files (ASCII: "POSE").
	MagicNumber = 0x504F5345

	// Version is the current file format version. It is bumped whenever the
	// index binary layout or the build algorithm changes; older files are
	// rejected rather than migrated.
	Version = "1"
)

var (
	ErrInvalidMagic   = errors.New("invalid magic number")
	ErrInvalidVersion = errors.New("unsupported version")
	ErrUnknownCodec   = errors.New("unknown codec")
)
