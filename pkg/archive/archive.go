// Package archive exports verified ledger snapshots to object storage.
//
// A snapshot is the ledger in its JSONL record layout, so an archived object
// can be pulled back down and replayed with the same verifier. Objects are
// keyed by the chain head: the same head is never uploaded twice.
package archive

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
	"github.com/Mindburn-Labs/helm-certify/pkg/ledger"
)

// ErrEmptyLedger is returned when there is nothing to archive.
var ErrEmptyLedger = errors.New("archive: ledger has no entries")

// Sink is an object store that snapshots are written to.
type Sink interface {
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
}

// Result describes one archive run.
type Result struct {
	Key      string
	Head     string
	Entries  int
	Bytes    int
	Uploaded bool // false when an object for this head already existed
}

// Snapshot renders entries in the ledger record layout, one record per line.
func Snapshot(entries []ledger.Entry) ([]byte, error) {
	var buf bytes.Buffer
	for _, e := range entries {
		rec, err := ledger.EncodeRecord(e)
		if err != nil {
			return nil, err
		}
		buf.Write(rec)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// KeyFor returns the object key for a chain head.
func KeyFor(prefix, head string) string {
	return prefix + "approvals-" + strings.TrimPrefix(head, "sha256:") + ".jsonl"
}

// Archiver exports verified ledger snapshots to a sink.
type Archiver struct {
	sink   Sink
	prefix string
	logger *slog.Logger
}

// New returns an archiver writing keys under prefix.
func New(sink Sink, prefix string) *Archiver {
	return &Archiver{
		sink:   sink,
		prefix: prefix,
		logger: slog.Default().With("component", "archive"),
	}
}

// WithLogger replaces the component logger.
func (a *Archiver) WithLogger(logger *slog.Logger) *Archiver {
	a.logger = logger.With("component", "archive")
	return a
}

// Archive verifies l and uploads its snapshot with a default Archiver.
func Archive(ctx context.Context, l *ledger.Ledger, sink Sink, prefix string) (Result, error) {
	return New(sink, prefix).Run(ctx, l)
}

// Run verifies l and uploads its snapshot. A ledger whose chain does not
// verify, or that never loaded, is never exported.
func (a *Archiver) Run(ctx context.Context, l *ledger.Ledger) (Result, error) {
	if ok, detail := l.Verify(); !ok {
		a.logger.ErrorContext(ctx, "refusing to archive unverified ledger", "detail", detail)
		if e := certerr.Parse(detail); e != nil {
			return Result{}, e
		}
		return Result{}, certerr.New(certerr.ChainTampered, "%s", detail)
	}
	entries := l.Entries()
	if len(entries) == 0 {
		return Result{}, ErrEmptyLedger
	}
	head := entries[len(entries)-1].EntryHash
	res := Result{Key: KeyFor(a.prefix, head), Head: head, Entries: len(entries)}

	exists, err := a.sink.Exists(ctx, res.Key)
	if err != nil {
		return res, fmt.Errorf("archive: stat %s: %w", res.Key, err)
	}
	if exists {
		a.logger.DebugContext(ctx, "snapshot already archived", "key", res.Key)
		return res, nil
	}

	data, err := Snapshot(entries)
	if err != nil {
		return res, err
	}
	res.Bytes = len(data)
	if err := a.sink.Put(ctx, res.Key, data); err != nil {
		return res, fmt.Errorf("archive: put %s: %w", res.Key, err)
	}
	res.Uploaded = true
	a.logger.InfoContext(ctx, "ledger archived", "key", res.Key, "entries", res.Entries, "head", head)
	return res, nil
}

// DirSink writes snapshots into a local directory.
type DirSink struct {
	dir string

	// rename is os.Rename; tests swap it to fail the publish step.
	rename func(oldpath, newpath string) error
}

// NewDirSink returns a sink rooted at dir.
func NewDirSink(dir string) *DirSink {
	return &DirSink{dir: dir, rename: os.Rename}
}

// Put writes data to a staging file in the target directory, fsyncs it,
// renames it over dir/key and fsyncs the directory.
func (d *DirSink) Put(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path := filepath.Join(d.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".staging-*")
	if err != nil {
		return err
	}
	published := false
	defer func() {
		if !published {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := d.rename(tmp.Name(), path); err != nil {
		return err
	}
	published = true
	return syncDir(dir)
}

func syncDir(dir string) error {
	f, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	return f.Sync()
}

// Exists reports whether dir/key is present.
func (d *DirSink) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(filepath.Join(d.dir, filepath.FromSlash(key)))
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}
