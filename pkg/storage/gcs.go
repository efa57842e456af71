package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"path"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

const gcsPublicHost = "storage.googleapis.com"

// GCS stores objects in a Google Cloud Storage bucket and hands out public
// https URLs.
type GCS struct {
	client *storage.Client
	bucket string
	prefix string
}

// NewGCS connects to bucket. An empty credentialsFile uses application
// default credentials.
func NewGCS(ctx context.Context, bucket, prefix, credentialsFile string) (*GCS, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return NewGCSWithClient(client, bucket, prefix), nil
}

// NewGCSWithClient wraps an existing storage client
func NewGCSWithClient(client *storage.Client, bucket, prefix string) *GCS {
	return &GCS{client: client, bucket: bucket, prefix: strings.Trim(prefix, "/")}
}

// Close releases the underlying client
func (g *GCS) Close() error {
	return g.client.Close()
}

// Put uploads data as prefix/name
func (g *GCS) Put(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	key := path.Join(g.prefix, path.Base(name))

	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("failed to upload %s: %w", key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize %s: %w", key, err)
	}

	slog.DebugContext(ctx, "stored object", "backend", "gcs", "bucket", g.bucket, "key", key, "bytes", len(data))
	return g.publicURL(key), nil
}

// Get downloads an object referenced by a gs:// or public https URL
func (g *GCS) Get(ctx context.Context, ref string) ([]byte, error) {
	bucket, key, ok := parseGCSRef(ref)
	if !ok || bucket != g.bucket {
		return nil, fmt.Errorf("reference %q is not in bucket %s", ref, g.bucket)
	}
	r, err := g.client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", key, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return data, nil
}

// Owns reports whether ref points into the configured bucket
func (g *GCS) Owns(ref string) bool {
	bucket, _, ok := parseGCSRef(ref)
	return ok && bucket == g.bucket
}

func (g *GCS) publicURL(key string) string {
	return (&url.URL{Scheme: "https", Host: gcsPublicHost, Path: "/" + g.bucket + "/" + key}).String()
}

// parseGCSRef splits gs://bucket/key and https://storage.googleapis.com/bucket/key
func parseGCSRef(ref string) (bucket, key string, ok bool) {
	u, err := url.Parse(ref)
	if err != nil {
		return "", "", false
	}
	switch {
	case u.Scheme == "gs":
		bucket, key = u.Host, strings.TrimPrefix(u.Path, "/")
	case u.Scheme == "https" && u.Host == gcsPublicHost:
		bucket, key, _ = strings.Cut(strings.TrimPrefix(u.Path, "/"), "/")
	default:
		return "", "", false
	}
	if bucket == "" || key == "" {
		return "", "", false
	}
	return bucket, key, true
}
