package archive

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm-certify/pkg/approval"
	"github.com/Mindburn-Labs/helm-certify/pkg/certerr"
	"github.com/Mindburn-Labs/helm-certify/pkg/keys"
	"github.com/Mindburn-Labs/helm-certify/pkg/ledger"
)

func seededLedger(t *testing.T, store ledger.Store, fields ...int64) *ledger.Ledger {
	t.Helper()
	km, err := keys.NewManager("k1", bytes.Repeat([]byte{7}, 32))
	require.NoError(t, err)
	signer := approval.NewSigner(km)
	l := ledger.New(store, signer)
	require.NoError(t, l.Load(context.Background()))
	for _, f := range fields {
		tok, err := signer.SignApproval(f, "alice", "confirmed")
		require.NoError(t, err)
		_, err = l.AppendForField(context.Background(), tok, f)
		require.NoError(t, err)
	}
	return l
}

func TestArchiveToDirIsReplayable(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore(), 1, 2, 3)
	dir := t.TempDir()

	res, err := Archive(context.Background(), l, NewDirSink(dir), "daily/")
	require.NoError(t, err)
	assert.True(t, res.Uploaded)
	assert.Equal(t, 3, res.Entries)
	assert.Equal(t, l.Head(), res.Head)
	assert.Equal(t, KeyFor("daily/", l.Head()), res.Key)

	replay := ledger.New(ledger.NewFileStore(filepath.Join(dir, "daily", filepath.Base(res.Key))), nil)
	require.NoError(t, replay.Load(context.Background()))
	ok, detail := replay.Verify()
	require.True(t, ok, detail)
	assert.Equal(t, l.Head(), replay.Head())
}

func TestArchiveSkipsExistingHead(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore(), 1)
	sink := NewDirSink(t.TempDir())

	_, err := Archive(context.Background(), l, sink, "")
	require.NoError(t, err)
	res, err := Archive(context.Background(), l, sink, "")
	require.NoError(t, err)
	assert.False(t, res.Uploaded)
}

func TestArchiveRefusesEmptyLedger(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore())
	_, err := Archive(context.Background(), l, NewDirSink(t.TempDir()), "")
	assert.ErrorIs(t, err, ErrEmptyLedger)
}

func TestArchiveRefusesTamperedLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "approvals.jsonl")
	seededLedger(t, ledger.NewFileStore(path), 1, 2)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw = bytes.Replace(raw, []byte(`"alice"`), []byte(`"mallory"`), 1)
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	l := ledger.New(ledger.NewFileStore(path), nil)
	require.NoError(t, l.Load(context.Background()))

	dir := t.TempDir()
	_, err = Archive(context.Background(), l, NewDirSink(dir), "")
	assert.ErrorIs(t, err, certerr.ErrChainTampered)

	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestDirSinkFailedPublishLeavesNothing(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore(), 1)
	dir := t.TempDir()
	sink := NewDirSink(dir)
	sink.rename = func(string, string) error { return errors.New("simulated crash") }

	_, err := Archive(context.Background(), l, sink, "")
	require.ErrorContains(t, err, "simulated crash")
	left, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, left, "staging file must be removed")

	sink.rename = os.Rename
	res, err := Archive(context.Background(), l, sink, "")
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(dir, res.Key))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestArchiverLogsWithComponent(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore(), 1)
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	_, err := New(NewDirSink(t.TempDir()), "").WithLogger(logger).Run(context.Background(), l)
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "component=archive")
	assert.Contains(t, buf.String(), "ledger archived")
}

func TestArchiveRefusesUnloadedLedger(t *testing.T) {
	unloaded := ledger.New(ledger.NewMemoryStore(), nil)
	_, err := Archive(context.Background(), unloaded, NewDirSink(t.TempDir()), "")
	assert.ErrorIs(t, err, certerr.ErrLedgerNotLoaded)
}

type fakeS3 struct {
	objects map[string][]byte
	headErr error
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	if _, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]; !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func TestS3SinkUploadsOnce(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore(), 4, 5)
	fake := &fakeS3{objects: map[string][]byte{}}
	sink := &S3Sink{client: fake, bucket: "audit"}

	res, err := Archive(context.Background(), l, sink, "certify/")
	require.NoError(t, err)
	require.True(t, res.Uploaded)

	want, err := Snapshot(l.Entries())
	require.NoError(t, err)
	assert.Equal(t, want, fake.objects["audit/"+res.Key])
	assert.Equal(t, len(want), res.Bytes)

	res, err = Archive(context.Background(), l, sink, "certify/")
	require.NoError(t, err)
	assert.False(t, res.Uploaded)
	assert.Len(t, fake.objects, 1)
}

func TestS3SinkSurfacesHeadErrors(t *testing.T) {
	l := seededLedger(t, ledger.NewMemoryStore(), 1)
	fake := &fakeS3{objects: map[string][]byte{}, headErr: errors.New("access denied")}

	_, err := Archive(context.Background(), l, &S3Sink{client: fake, bucket: "audit"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "access denied")
	assert.Empty(t, fake.objects)
}

func TestParseDestination(t *testing.T) {
	tests := []struct {
		raw     string
		want    Destination
		wantErr bool
	}{
		{raw: "s3://audit", want: Destination{Scheme: "s3", Bucket: "audit"}},
		{raw: "s3://audit/certify/daily/", want: Destination{Scheme: "s3", Bucket: "audit", Prefix: "certify/daily/"}},
		{raw: "gs://audit/certify", want: Destination{Scheme: "gs", Bucket: "audit", Prefix: "certify/"}},
		{raw: "file:///var/backups", want: Destination{Scheme: "file", Bucket: "/var/backups"}},
		{raw: "s3:///nobucket", wantErr: true},
		{raw: "ftp://host/x", wantErr: true},
		{raw: "/plain/path", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := ParseDestination(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
