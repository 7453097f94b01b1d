// Package objectstore writes evaluation results as JSON lines objects to an
// S3-compatible store through minio-go.
//
// The DSN has the form
//
//	s3://ACCESS:SECRET@host:9000/bucket?ssl=false&region=us-east-1
//
// Every Write uploads one object per non-empty output partition under the
// sink location: <location>/part-NNNNN-SSSSS.jsonl, where SSSSS is the write
// sequence number.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"path"
	"strconv"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"cohorteval/internal/evaluator"
	"cohorteval/internal/storage"
)

const contentType = "application/x-ndjson"

// client is the subset of *minio.Client the writer uses.
type client interface {
	BucketExists(ctx context.Context, bucket string) (bool, error)
	MakeBucket(ctx context.Context, bucket string, opts minio.MakeBucketOptions) error
	PutObject(ctx context.Context, bucket, key string, r io.Reader, size int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Endpoint is a parsed object store DSN.
type Endpoint struct {
	Host      string
	Bucket    string
	AccessKey string
	SecretKey string
	Region    string
	SSL       bool
}

// ParseDSN parses an s3:// DSN.
func ParseDSN(dsn string) (Endpoint, error) {
	u, err := url.Parse(dsn)
	if err != nil {
		return Endpoint{}, fmt.Errorf("objectstore dsn: %w", err)
	}
	if u.Scheme != "s3" {
		return Endpoint{}, fmt.Errorf("objectstore dsn: scheme must be s3, got %q", u.Scheme)
	}
	ep := Endpoint{
		Host:   u.Host,
		Bucket: strings.Trim(u.Path, "/"),
		Region: u.Query().Get("region"),
		SSL:    true,
	}
	if ep.Host == "" || ep.Bucket == "" {
		return Endpoint{}, fmt.Errorf("objectstore dsn: host and bucket are required")
	}
	if u.User != nil {
		ep.AccessKey = u.User.Username()
		ep.SecretKey, _ = u.User.Password()
	}
	if v := u.Query().Get("ssl"); v != "" {
		ep.SSL, err = strconv.ParseBool(v)
		if err != nil {
			return Endpoint{}, fmt.Errorf("objectstore dsn: ssl: %w", err)
		}
	}
	return ep, nil
}

// newClient is a test hook that builds the minio client.
var newClient = func(ep Endpoint) (client, error) {
	mc, err := minio.New(ep.Host, &minio.Options{
		Creds:  credentials.NewStaticV4(ep.AccessKey, ep.SecretKey, ""),
		Secure: ep.SSL,
		Region: ep.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}
	return mc, nil
}

// Writer is an object store backed storage.Writer.
type Writer struct {
	mc     client
	bucket string
	prefix string
	parts  int
	seq    int
}

var _ storage.Writer = (*Writer)(nil)

func init() {
	storage.Register("s3", func(ctx context.Context, cfg storage.Config) (storage.Writer, error) {
		return NewWriter(ctx, cfg)
	})
}

// NewWriter connects and creates the bucket when it does not exist.
func NewWriter(ctx context.Context, cfg storage.Config) (*Writer, error) {
	ep, err := ParseDSN(cfg.DSN)
	if err != nil {
		return nil, err
	}
	mc, err := newClient(ep)
	if err != nil {
		return nil, err
	}
	if err := ensureBucket(ctx, mc, ep.Bucket, ep.Region); err != nil {
		return nil, fmt.Errorf("objectstore: bucket %s: %w", ep.Bucket, err)
	}
	parts := cfg.Partitions
	if parts < 1 {
		parts = 1
	}
	return &Writer{
		mc:     mc,
		bucket: ep.Bucket,
		prefix: strings.Trim(cfg.Location(), "/"),
		parts:  parts,
	}, nil
}

func ensureBucket(ctx context.Context, mc client, bucket, region string) error {
	exists, err := mc.BucketExists(ctx, bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return mc.MakeBucket(ctx, bucket, minio.MakeBucketOptions{Region: region})
}

// ObjectKey is the key of partition part for write sequence seq.
func ObjectKey(prefix string, part, seq int) string {
	return path.Join(prefix, fmt.Sprintf("part-%05d-%05d.jsonl", part, seq))
}

// Write uploads rows, one object per non-empty partition.
func (w *Writer) Write(ctx context.Context, rows []evaluator.EvaluationResult) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}
	bufs := make([]*bytes.Buffer, w.parts)
	counts := make([]int64, w.parts)
	for _, r := range rows {
		p := storage.Partition(r.Key, w.parts)
		if bufs[p] == nil {
			bufs[p] = new(bytes.Buffer)
		}
		if err := json.NewEncoder(bufs[p]).Encode(storage.Line{Key: r.Key, Values: r.Columns}); err != nil {
			return 0, fmt.Errorf("objectstore: encode key %v: %w", r.Key, err)
		}
		counts[p]++
	}

	var n int64
	for p, b := range bufs {
		if b == nil {
			continue
		}
		key := ObjectKey(w.prefix, p, w.seq)
		if _, err := w.mc.PutObject(ctx, w.bucket, key, b, int64(b.Len()), minio.PutObjectOptions{ContentType: contentType}); err != nil {
			return n, fmt.Errorf("objectstore: put %s: %w", key, err)
		}
		n += counts[p]
	}
	w.seq++
	return n, nil
}

// Close is a no-op; every Write is already durable.
func (w *Writer) Close() error { return nil }
