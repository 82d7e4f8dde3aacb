package persistence

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/posematch/codec"
	"github.com/hupe1980/posematch/searchindex"
)

// snapshot is the serialized body of an index file.
type snapshot struct {
	Index *searchindex.Index `json:"index"`
}

// Save writes the index to w: a header with magic number, format version and
// codec name, followed by the zstd-compressed encoded index.
func Save(w io.Writer, c codec.Codec, idx *searchindex.Index) error {
	if c == nil {
		c = codec.Default
	}
	if !idx.IsValid() {
		return fmt.Errorf("persistence: refusing to save invalid index")
	}

	if err := binary.Write(w, binary.LittleEndian, uint32(MagicNumber)); err != nil {
		return err
	}
	if err := writeString(w, Version); err != nil {
		return err
	}
	if err := writeString(w, c.Name()); err != nil {
		return err
	}

	body, err := c.Marshal(snapshot{Index: idx})
	if err != nil {
		return fmt.Errorf("persistence: encode index: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return err
	}
	if _, err := zw.Write(body); err != nil {
		_ = zw.Close()
		return err
	}
	return zw.Close()
}

// Load reads an index written by Save, validating the magic number and
// version and selecting the codec recorded in the header.
func Load(r io.Reader) (*searchindex.Index, error) {
	var magic uint32
	if err := binary.Read(r, binary.LittleEndian, &magic); err != nil {
		return nil, err
	}
	if magic != MagicNumber {
		return nil, fmt.Errorf("%w: got 0x%08x", ErrInvalidMagic, magic)
	}

	version, err := readString(r)
	if err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidVersion, version)
	}

	codecName, err := readString(r)
	if err != nil {
		return nil, err
	}
	c, ok := codec.ByName(codecName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, codecName)
	}

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, err
	}
	defer zr.Close()

	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, err
	}

	var snap snapshot
	if err := c.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("persistence: decode index: %w", err)
	}
	if !snap.Index.IsValid() {
		return nil, fmt.Errorf("persistence: loaded index failed validation")
	}
	return snap.Index, nil
}

func writeString(w io.Writer, s string) error {
	if len(s) > 0xFFFF {
		return fmt.Errorf("persistence: string too long: %d", len(s))
	}
	if err := binary.Write(w, binary.LittleEndian, uint16(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	var n uint16
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// SaveToFile saves data to a file through writeFunc. The write goes to a
// temp file in the same directory and is renamed into place, so readers
// never observe a partial file.
func SaveToFile(filename string, writeFunc func(io.Writer) error) error {
	dir := filepath.Dir(filename)
	base := filepath.Base(filename)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	_ = tmp.Chmod(0644)

	buf := bufio.NewWriterSize(tmp, 256*1024)
	if err := writeFunc(buf); err != nil {
		return err
	}
	if err := buf.Flush(); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}

	if err := os.Rename(tmpName, filename); err != nil {
		return err
	}

	// Best-effort: fsync the directory so the rename is durable on POSIX.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}

	tmpName = ""
	return nil
}

// LoadFromFile loads data from a file through readFunc.
func LoadFromFile(filename string, readFunc func(io.Reader) error) error {
	f, err := os.Open(filename)
	if err != nil {
		return err
	}
	defer f.Close()

	return readFunc(bufio.NewReaderSize(f, 256*1024))
}
