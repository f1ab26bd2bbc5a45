package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/you-humble/boothscan/internal/domain"
)

type localStore struct {
	baseDir string
}

func NewLocalStore(baseDir string) (*localStore, error) {
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir is empty")
	}

	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create base dir: %w", err)
	}

	return &localStore{baseDir: baseDir}, nil
}

// Save writes through a temp file and renames it into place. It returns the
// number of bytes written and their sha256.
func (s *localStore) Save(
	ctx context.Context,
	reader io.Reader,
	filename string,
	_ int64,
) (int64, string, error) {
	if err := ctx.Err(); err != nil {
		return 0, "", err
	}

	fullPath, err := s.fullFilePath(filename)
	if err != nil {
		return 0, "", err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return 0, "", fmt.Errorf("mkdir: %w", err)
	}

	tempPath := fullPath + ".tmp-" + fmt.Sprint(time.Now().UnixNano())
	f, err := os.Create(tempPath)
	if err != nil {
		return 0, "", fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = f.Close()
		_ = os.Remove(tempPath)
	}()

	hasher := sha256.New()
	written, err := io.Copy(f, io.TeeReader(reader, hasher))
	if err != nil {
		return 0, "", fmt.Errorf("write file: %w", err)
	}

	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close file: %w", err)
	}

	if err := os.Rename(tempPath, fullPath); err != nil {
		return 0, "", fmt.Errorf("rename temp file: %w", err)
	}

	return written, hex.EncodeToString(hasher.Sum(nil)), nil
}

func (s *localStore) Open(ctx context.Context, filename string) (io.ReadCloser, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	fullPath, err := s.fullFilePath(filename)
	if err != nil {
		return nil, 0, err
	}

	info, err := os.Stat(fullPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, fmt.Errorf("%w: %s", domain.ErrBlobNotFound, filename)
		}
		return nil, 0, fmt.Errorf("stat file: %w", err)
	}

	f, err := os.Open(fullPath)
	if err != nil {
		return nil, 0, fmt.Errorf("open file: %w", err)
	}

	return f, info.Size(), nil
}

func (s *localStore) Delete(ctx context.Context, filename string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	fullPath, err := s.fullFilePath(filename)
	if err != nil {
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file: %w", err)
	}
	return nil
}

func (s *localStore) CleanupOlderThan(ctx context.Context, maxAge time.Duration) error {
	cutoff := time.Now().Add(-maxAge)

	return filepath.WalkDir(s.baseDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		if !info.ModTime().Before(cutoff) {
			return nil
		}

		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove old file %s: %w", p, err)
		}
		return nil
	})
}

func (s *localStore) fullFilePath(filename string) (string, error) {
	if strings.TrimSpace(filename) == "" {
		return "", fmt.Errorf("empty filename")
	}

	clean := filepath.Clean(filename)
	if strings.HasPrefix(clean, "..") || filepath.IsAbs(clean) {
		return "", fmt.Errorf("invalid filename: %s", filename)
	}

	return filepath.Join(s.baseDir, clean), nil
}
