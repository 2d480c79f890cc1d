package archive

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// Destination is a parsed archive target such as s3://bucket/prefix/.
type Destination struct {
	Scheme string // s3, gs or file
	Bucket string // bucket name, or the directory for file
	Prefix string // key prefix, always empty or ending in "/"
}

// ParseDestination parses s3://bucket[/prefix], gs://bucket[/prefix] or
// file:///dir.
func ParseDestination(raw string) (Destination, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Destination{}, fmt.Errorf("archive: destination %q: %w", raw, err)
	}
	switch u.Scheme {
	case "s3", "gs":
		if u.Host == "" {
			return Destination{}, fmt.Errorf("archive: destination %q has no bucket", raw)
		}
		prefix := strings.Trim(u.Path, "/")
		if prefix != "" {
			prefix += "/"
		}
		return Destination{Scheme: u.Scheme, Bucket: u.Host, Prefix: prefix}, nil
	case "file":
		dir := u.Host + u.Path
		if dir == "" {
			return Destination{}, fmt.Errorf("archive: destination %q has no directory", raw)
		}
		return Destination{Scheme: "file", Bucket: dir}, nil
	}
	return Destination{}, fmt.Errorf("archive: unsupported destination %q: want s3://, gs:// or file://", raw)
}

// Options carry the S3 settings a URL cannot express.
type Options struct {
	Region   string
	Endpoint string
}

// Open returns the sink for d and a close func.
func Open(ctx context.Context, d Destination, opts Options) (Sink, func() error, error) {
	noop := func() error { return nil }
	switch d.Scheme {
	case "s3":
		sink, err := NewS3Sink(ctx, S3Config{Bucket: d.Bucket, Region: opts.Region, Endpoint: opts.Endpoint})
		if err != nil {
			return nil, nil, err
		}
		return sink, noop, nil
	case "gs":
		return openGCS(ctx, d.Bucket)
	case "file":
		return NewDirSink(d.Bucket), noop, nil
	}
	return nil, nil, fmt.Errorf("archive: unsupported scheme %q", d.Scheme)
}
