package ledger

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// maxRecordSize bounds a single JSONL record when scanning.
const maxRecordSize = 1 << 20

// FileStore persists entries as newline-delimited JSON records.
//
// Every Append writes the complete new file to a staging file in the same
// directory, fsyncs it, renames it over the ledger and fsyncs the directory.
// A crash at any point leaves either the old file or the new one, never a
// partial tail record.
type FileStore struct {
	path string
	mu   sync.Mutex

	// rename is os.Rename; tests swap it to simulate a crash before publish.
	rename func(oldpath, newpath string) error
}

// NewFileStore returns a store at path. The file is created on first Append.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path, rename: os.Rename}
}

// Path returns the ledger file path.
func (f *FileStore) Path() string { return f.path }

// LoadAll implements Store.
func (f *FileStore) LoadAll(ctx context.Context) ([]Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	file, err := os.Open(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: open %s: %w", f.path, err)
	}
	defer func() { _ = file.Close() }()

	var entries []Entry
	sc := bufio.NewScanner(file)
	sc.Buffer(make([]byte, 64*1024), maxRecordSize)
	line := 0
	for sc.Scan() {
		line++
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		raw := bytes.TrimSpace(sc.Bytes())
		if len(raw) == 0 {
			continue
		}
		e, err := DecodeRecord(raw)
		if err != nil {
			return entries, &CorruptRecordError{Index: len(entries), Where: fmt.Sprintf("%s line %d", f.path, line), Err: err}
		}
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ledger: read %s: %w", f.path, err)
	}
	return entries, nil
}

// Append implements Store.
func (f *FileStore) Append(ctx context.Context, e Entry) error {
	rec, err := EncodeRecord(e)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("ledger: create dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(f.path)+".staging-*")
	if err != nil {
		return fmt.Errorf("ledger: create staging file: %w", err)
	}
	tmpPath := tmp.Name()
	published := false
	defer func() {
		if !published {
			_ = os.Remove(tmpPath)
		}
	}()

	if err := f.writeStaging(tmp, rec); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("ledger: close staging file: %w", err)
	}

	if err := f.rename(tmpPath, f.path); err != nil {
		return fmt.Errorf("ledger: publish %s: %w", f.path, err)
	}
	published = true

	if err := syncDir(dir); err != nil {
		return fmt.Errorf("ledger: sync dir: %w", err)
	}
	return nil
}

// writeStaging copies the current ledger followed by rec into tmp and fsyncs.
func (f *FileStore) writeStaging(tmp *os.File, rec []byte) error {
	if err := tmp.Chmod(0o600); err != nil {
		return fmt.Errorf("ledger: chmod staging file: %w", err)
	}

	cur, err := os.Open(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return fmt.Errorf("ledger: open %s: %w", f.path, err)
	default:
		n, err := io.Copy(tmp, cur)
		_ = cur.Close()
		if err != nil {
			return fmt.Errorf("ledger: copy existing records: %w", err)
		}
		if n > 0 {
			if err := ensureTrailingNewline(tmp, n); err != nil {
				return err
			}
		}
	}

	w := bufio.NewWriter(tmp)
	if _, err := w.Write(rec); err != nil {
		return fmt.Errorf("ledger: write record: %w", err)
	}
	if err := w.WriteByte('\n'); err != nil {
		return fmt.Errorf("ledger: write record: %w", err)
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("ledger: flush record: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("ledger: sync staging file: %w", err)
	}
	return nil
}

func ensureTrailingNewline(tmp *os.File, size int64) error {
	last := make([]byte, 1)
	if _, err := tmp.ReadAt(last, size-1); err != nil {
		return fmt.Errorf("ledger: inspect staging tail: %w", err)
	}
	if last[0] == '\n' {
		return nil
	}
	if _, err := tmp.Write([]byte{'\n'}); err != nil {
		return fmt.Errorf("ledger: write separator: %w", err)
	}
	return nil
}

// StagingFiles lists leftover staging files from interrupted appends.
func (f *FileStore) StagingFiles() ([]string, error) {
	dir := filepath.Dir(f.path)
	prefix := "." + filepath.Base(f.path) + ".staging-"
	ents, err := os.ReadDir(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: list %s: %w", dir, err)
	}
	var out []string
	for _, de := range ents {
		if strings.HasPrefix(de.Name(), prefix) {
			out = append(out, filepath.Join(dir, de.Name()))
		}
	}
	return out, nil
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = d.Close() }()
	return d.Sync()
}
