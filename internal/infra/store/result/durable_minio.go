package resultstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/minio/minio-go/v7"
)

type minioDurable struct {
	db     *minio.Client
	bucket string
	prefix string

	// serializes the exists-then-put check within this process
	mu sync.Mutex
}

func NewMinIODurable(client *minio.Client, bucket string) *minioDurable {
	return &minioDurable{db: client, bucket: bucket, prefix: "results/"}
}

func (d *minioDurable) Load(ctx context.Context, id string) (domain.ProcessingResult, error) {
	obj, err := d.db.GetObject(ctx, d.bucket, d.objectName(id), minio.GetObjectOptions{})
	if err != nil {
		return domain.ProcessingResult{}, fmt.Errorf("get object: %w", err)
	}
	defer obj.Close()

	raw, err := io.ReadAll(obj)
	if err != nil {
		if minio.ToErrorResponse(err).Code == minio.NoSuchKey {
			return domain.ProcessingResult{}, domain.ErrResultNotFound
		}
		return domain.ProcessingResult{}, fmt.Errorf("read object: %w", err)
	}

	var r domain.ProcessingResult
	if err := json.Unmarshal(raw, &r); err != nil {
		return domain.ProcessingResult{}, fmt.Errorf("decode result %s: %w", id, err)
	}
	return r, nil
}

func (d *minioDurable) Save(ctx context.Context, r domain.ProcessingResult) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	name := d.objectName(r.TaskID)
	_, err = d.db.StatObject(ctx, d.bucket, name, minio.StatObjectOptions{})
	switch {
	case err == nil:
		return domain.ErrResultImmutable
	case minio.ToErrorResponse(err).Code != minio.NoSuchKey:
		return fmt.Errorf("stat object: %w", err)
	}

	_, err = d.db.PutObject(ctx, d.bucket, name, bytes.NewReader(raw), int64(len(raw)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

func (d *minioDurable) objectName(id string) string {
	return d.prefix + id + ".json"
}
