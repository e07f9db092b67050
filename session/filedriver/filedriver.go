// Package filedriver implements session.Driver against a plain directory of
// per-session files, the default backing store a Lattice server runs with
// when no database is configured (spec §4.3: "the reference implementation
// ships a file-backed driver").
package filedriver

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	icrypto "github.com/latticehttp/lattice/internal/crypto"
	"github.com/latticehttp/lattice/session"
)

const fileExt = ".sess"

// Driver is a session.Driver backed by one file per session id under Dir.
// Load takes a shared lock and Save an exclusive lock on the target file
// via the platform lock in filelock_*.go so that concurrent processes
// sharing Dir don't corrupt a record (spec §4.3: "write-atomic with respect
// to other invocations for the same id"). Exists and Destroy take no lock:
// Destroy removes the file without waiting for a reader or writer holding
// one.
type Driver struct {
	Dir string

	// Encryptor, if set, wraps every record's KLV-encoded payload in AES-GCM before
	// it touches disk (SUPPLEMENTED FEATURES #5).
	Encryptor *icrypto.Encryptor

	logger *slog.Logger
}

// New returns a Driver rooted at dir, creating it if necessary.
func New(dir string, encryptor *icrypto.Encryptor, logger *slog.Logger) (*Driver, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("filedriver: create %s: %w", dir, err)
	}
	return &Driver{Dir: dir, Encryptor: encryptor, logger: logger}, nil
}

func (d *Driver) path(id string) string {
	return filepath.Join(d.Dir, id+fileExt)
}

// Exists reports whether id's file is present, without taking a lock
// (spec §4.3: "a fast predicate that may race with Destroy/Save").
func (d *Driver) Exists(_ context.Context, id string) (bool, error) {
	_, err := os.Stat(d.path(id))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}

// Load reads id's file under a shared lock and replaces sess's data.
func (d *Driver) Load(_ context.Context, sess *session.Session, id string) error {
	f, err := os.Open(d.path(id))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("filedriver: session %s not found: %w", id, err)
		}
		return err
	}
	defer f.Close()

	if err := lockShared(f); err != nil {
		return fmt.Errorf("filedriver: lock %s: %w", id, err)
	}
	defer unlock(f)

	raw, err := readAll(f)
	if err != nil {
		return fmt.Errorf("filedriver: read %s: %w", id, err)
	}

	if d.Encryptor != nil {
		raw, err = d.Encryptor.Decrypt(raw)
		if err != nil {
			return fmt.Errorf("filedriver: decrypt %s: %w", id, err)
		}
	}

	data, err := decodeRecord(raw)
	if err != nil {
		return fmt.Errorf("filedriver: decode %s: %w", id, err)
	}
	sess.ReplaceData(data)
	return nil
}

// Save encodes sess's data and writes it to id's file under an exclusive
// lock, creating the file if it doesn't exist (spec §4.4: "the driver is
// expected to silently create the record on SAVE even if a prior DESTROY
// removed it").
func (d *Driver) Save(_ context.Context, sess *session.Session, id string) error {
	raw, err := encodeRecord(sess.Snapshot())
	if err != nil {
		return fmt.Errorf("filedriver: encode %s: %w", id, err)
	}
	if d.Encryptor != nil {
		raw, err = d.Encryptor.Encrypt(raw)
		if err != nil {
			return fmt.Errorf("filedriver: encrypt %s: %w", id, err)
		}
	}

	f, err := os.OpenFile(d.path(id), os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return fmt.Errorf("filedriver: open %s: %w", id, err)
	}
	defer f.Close()

	if err := lockExclusive(f); err != nil {
		return fmt.Errorf("filedriver: lock %s: %w", id, err)
	}
	defer unlock(f)

	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt(raw, 0); err != nil {
		return fmt.Errorf("filedriver: write %s: %w", id, err)
	}
	return f.Sync()
}

// Destroy removes id's file. A missing file is not an error (DESTROY is
// idempotent).
func (d *Driver) Destroy(_ context.Context, _ *session.Session, id string) error {
	if err := os.Remove(d.path(id)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("filedriver: remove %s: %w", id, err)
	}
	return nil
}

// Migrate loads id's record from from, then saves it under this driver,
// mirroring spec §4.3's Migrate contract for moving a session between
// backends.
func (d *Driver) Migrate(ctx context.Context, sess *session.Session, id string, from session.Driver) error {
	if from != nil {
		if err := from.Load(ctx, sess, id); err != nil {
			return fmt.Errorf("filedriver: migrate load %s: %w", id, err)
		}
	}
	return d.Save(ctx, sess, id)
}

func readAll(f *os.File) ([]byte, error) {
	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, info.Size())
	if _, err := io.ReadFull(f, buf); err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		return nil, err
	}
	return buf, nil
}

// encodeRecord produces the default session file format (spec §4.3, §6):
// a repeated key_len/key/val_len/val stream, key and length fields varint
// and utf8, value bytes each field's own JSON encoding. Keys are sorted so
// repeated saves of unchanged data produce byte-identical files.
func encodeRecord(data map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		val, err := json.Marshal(data[k])
		if err != nil {
			return nil, fmt.Errorf("encode value for %q: %w", k, err)
		}
		writeKLVField(&buf, []byte(k))
		writeKLVField(&buf, val)
	}
	return buf.Bytes(), nil
}

// decodeRecord parses the stream encodeRecord produces.
func decodeRecord(raw []byte) (map[string]any, error) {
	data := make(map[string]any)
	r := bytes.NewReader(raw)
	for r.Len() > 0 {
		key, err := readKLVField(r)
		if err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		val, err := readKLVField(r)
		if err != nil {
			return nil, fmt.Errorf("read value for %q: %w", key, err)
		}
		var v any
		if len(val) > 0 {
			if err := json.Unmarshal(val, &v); err != nil {
				return nil, fmt.Errorf("decode value for %q: %w", key, err)
			}
		}
		data[string(key)] = v
	}
	return data, nil
}

func writeKLVField(buf *bytes.Buffer, field []byte) {
	var lenBuf [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(lenBuf[:], uint64(len(field)))
	buf.Write(lenBuf[:n])
	buf.Write(field)
}

func readKLVField(r *bytes.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, fmt.Errorf("read length: %w", err)
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, fmt.Errorf("read field bytes: %w", err)
	}
	return field, nil
}
