package review

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"io"

	"github.com/you-humble/boothscan/internal/domain"
)

type Saver interface {
	Save(ctx context.Context, reader io.Reader, filename string, size int64) (int64, string, error)
}

type writer struct {
	store Saver
}

func NewWriter(store Saver) *writer {
	return &writer{store: store}
}

func OverlayName(taskID string) string {
	return taskID + ".png"
}

func (w *writer) WriteOverlay(
	ctx context.Context,
	taskID string,
	img image.Image,
	regions []domain.Region,
	res domain.AnalysisResult,
) (string, error) {
	data, err := RenderPNG(img, regions, res)
	if err != nil {
		return "", err
	}

	name := OverlayName(taskID)
	if _, _, err := w.store.Save(ctx, bytes.NewReader(data), name, int64(len(data))); err != nil {
		return "", fmt.Errorf("save overlay: %w", err)
	}
	return name, nil
}
