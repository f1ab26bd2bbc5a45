package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/minio/minio-go/v7"
)

// scanTypes maps the accepted scan extensions, plus the PNG review
// overlays, to the content type stored with the object.
var scanTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".tif":  "image/tiff",
	".tiff": "image/tiff",
	".bmp":  "image/bmp",
	".webp": "image/webp",
}

func contentType(name string) string {
	if ct, ok := scanTypes[strings.ToLower(path.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}

// minioStore keeps one kind of blob (scans or overlays) under its own
// prefix of the shared bucket. The durable results live under "results/"
// and are never touched from here.
type minioStore struct {
	db     *minio.Client
	bucket string
	kind   string
	prefix string
}

func NewMinIOStore(client *minio.Client, bucket, kind string) *minioStore {
	kind = strings.Trim(kind, "/")
	prefix := ""
	if kind != "" {
		prefix = kind + "/"
	}

	return &minioStore{
		db:     client,
		bucket: bucket,
		kind:   kind,
		prefix: prefix,
	}
}

func (s *minioStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	size int64,
) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	objectName, err := s.objectName(filename)
	if err != nil {
		return 0, "", err
	}

	hasher := sha256.New()

	putSize := size
	if putSize <= 0 {
		putSize = -1
	}

	opts := minio.PutObjectOptions{ContentType: contentType(objectName)}
	if s.kind != "" {
		opts.UserMetadata = map[string]string{"kind": s.kind}
	}

	info, err := s.db.PutObject(ctx, s.bucket, objectName, io.TeeReader(reader, hasher), putSize, opts)
	if err != nil {
		return 0, "", fmt.Errorf("put object: %w", err)
	}

	return info.Size, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *minioStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	objectName, err := s.objectName(filename)
	if err != nil {
		return nil, 0, err
	}

	obj, err := s.db.GetObject(ctx, s.bucket, objectName, minio.GetObjectOptions{})
	if err != nil {
		return nil, 0, fmt.Errorf("get object: %w", err)
	}

	st, err := obj.Stat()
	if err != nil {
		obj.Close()
		if minio.ToErrorResponse(err).Code == minio.NoSuchKey {
			return nil, 0, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, filename)
		}
		return nil, 0, fmt.Errorf("stat object: %w", err)
	}

	return obj, st.Size, nil
}

func (s *minioStore) Delete(ctx context.Context, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	objectName, err := s.objectName(filename)
	if err != nil {
		return err
	}

	err = s.db.RemoveObject(ctx, s.bucket, objectName, minio.RemoveObjectOptions{})
	if err != nil {
		var merr minio.ErrorResponse
		if errors.As(err, &merr) && merr.Code == minio.NoSuchKey {
			return nil
		}
		return fmt.Errorf("remove object: %w", err)
	}

	return nil
}

func (s *minioStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	if s.prefix == "" {
		return fmt.Errorf("refusing to clean up the whole bucket %q", s.bucket)
	}
	cutoff := time.Now().Add(-maxAge)

	opts := minio.ListObjectsOptions{
		Prefix:    s.prefix,
		Recursive: true,
	}

	removed := 0
	for obj := range s.db.ListObjects(ctx, s.bucket, opts) {
		if obj.Err != nil {
			slog.Warn("minioStore: list failed",
				slog.String("kind", s.kind),
				slog.String("error", obj.Err.Error()),
			)
			continue
		}
		if !obj.LastModified.Before(cutoff) {
			continue
		}

		if err := s.db.RemoveObject(ctx, s.bucket, obj.Key, minio.RemoveObjectOptions{}); err != nil {
			return fmt.Errorf("remove old object %s: %w", obj.Key, err)
		}
		removed++
	}

	if removed > 0 {
		slog.Info("minioStore: expired blobs removed",
			slog.String("kind", s.kind),
			slog.Int("count", removed),
		)
	}
	return nil
}

// objectName places filename under the store prefix. Upload refs already
// carry it ("scans/<id>.png"), so it is not doubled.
func (s *minioStore) objectName(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := strings.TrimLeft(path.Clean(filename), "/")
	if clean == "" || clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}
	if s.prefix != "" && strings.HasPrefix(clean, s.prefix) {
		return clean, nil
	}

	return s.prefix + clean, nil
}
