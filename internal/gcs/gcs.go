// Package gcs uploads a run's audit directory to Cloud Storage.
package gcs

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// Location is a parsed gs://bucket/prefix URL.
type Location struct {
	Bucket string
	Prefix string
}

func (l Location) String() string {
	if l.Prefix == "" {
		return "gs://" + l.Bucket
	}
	return "gs://" + l.Bucket + "/" + l.Prefix
}

// ParseURL parses gs://bucket[/prefix]. Trailing slashes on the prefix are dropped.
func ParseURL(raw string) (Location, error) {
	rest, ok := strings.CutPrefix(raw, "gs://")
	if !ok {
		return Location{}, fmt.Errorf("invalid gcs url %q: must start with gs://", raw)
	}
	bucket, prefix, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return Location{}, fmt.Errorf("invalid gcs url %q: missing bucket", raw)
	}
	return Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
}

// Uploader copies local files into a bucket.
type Uploader struct {
	client *storage.Client
	logger *slog.Logger
}

// NewUploader creates an Uploader. An empty credentialsFile uses
// Application Default Credentials.
func NewUploader(ctx context.Context, credentialsFile string, logger *slog.Logger) (*Uploader, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		if _, err := os.Stat(credentialsFile); err != nil {
			return nil, fmt.Errorf("credentials file %s: %w", credentialsFile, err)
		}
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{client: client, logger: logger}, nil
}

// Close releases the underlying client.
func (u *Uploader) Close() error {
	return u.client.Close()
}

// UploadDir uploads every regular file under dir to loc, keeping paths
// relative to dir. It returns the number of objects written.
func (u *Uploader) UploadDir(ctx context.Context, dir string, loc Location) (int, error) {
	n := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		if err := u.uploadFile(ctx, p, loc.Bucket, objectName(loc.Prefix, rel)); err != nil {
			return err
		}
		n++
		return nil
	})
	if err != nil {
		return n, err
	}
	u.logger.Info("uploaded audit trail", "dir", dir, "dest", loc.String(), "objects", n)
	return n, nil
}

func (u *Uploader) uploadFile(ctx context.Context, localPath, bucket, name string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", localPath, err)
	}
	defer f.Close()

	w := u.client.Bucket(bucket).Object(name).NewWriter(ctx)
	w.ContentType = contentType(name)
	w.CacheControl = "no-cache"
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return fmt.Errorf("copy %s to gs://%s/%s: %w", localPath, bucket, name, err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("close gs://%s/%s: %w", bucket, name, err)
	}
	u.logger.Debug("uploaded", "object", name)
	return nil
}

func objectName(prefix, rel string) string {
	rel = filepath.ToSlash(rel)
	if prefix == "" {
		return rel
	}
	return path.Join(prefix, rel)
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".jsonl":
		return "application/x-ndjson"
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".html":
		return "text/html; charset=utf-8"
	default:
		return "application/octet-stream"
	}
}
