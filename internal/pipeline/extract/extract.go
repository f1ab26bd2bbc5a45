package extract

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"strings"

	"github.com/you-humble/boothscan/internal/domain"
	"github.com/you-humble/boothscan/internal/ocr"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/errgroup"
)

type Config struct {
	Padding int `yaml:"padding"`
}

type extractor struct {
	engine  ocr.Engine
	padding int
}

func New(engine ocr.Engine, cfg Config) *extractor {
	if cfg.Padding < 0 {
		cfg.Padding = 0
	}
	return &extractor{engine: engine, padding: cfg.Padding}
}

// Extract runs OCR over every region with at most limit calls in flight.
// Output is ordered by region index. Region failures are returned as
// TextExtractionError details and never abort the other regions; only
// cancellation of ctx makes the whole call fail.
func (e *extractor) Extract(
	ctx context.Context,
	img image.Image,
	regions []domain.Region,
	language string,
	limit int,
) ([]domain.ExtractedText, []domain.ErrorDetail, error) {
	if limit <= 0 {
		limit = 1
	}

	texts := make([]*domain.ExtractedText, len(regions))
	failures := make([]*domain.StageError, len(regions))

	eg := errgroup.Group{}
	eg.SetLimit(limit)

	for i, region := range regions {
		eg.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}

			res, err := e.engine.Recognize(ctx, ocr.Input{
				Image:    e.crop(img, region.Bounds),
				Language: language,
			})
			if err != nil {
				if ctx.Err() == nil {
					failures[i] = domain.NewTextExtractionError(region.Index, err)
				}
				return nil
			}

			text := strings.TrimSpace(res.Text)
			if text == "" {
				slog.Debug("extract: region has no text", slog.Int("region", region.Index))
				return nil
			}

			texts[i] = &domain.ExtractedText{
				Region:     region,
				Text:       text,
				Confidence: ocr.Clamp(res.Confidence),
			}
			return nil
		})
	}
	_ = eg.Wait()

	if err := ctx.Err(); err != nil {
		return nil, nil, fmt.Errorf("extract: %w", err)
	}

	out := make([]domain.ExtractedText, 0, len(regions))
	var errs []domain.ErrorDetail
	for i := range regions {
		if failures[i] != nil {
			slog.Warn("extract: region failed",
				slog.Int("region", regions[i].Index),
				slog.String("engine", e.engine.Name()),
				slog.String("error", failures[i].Error()),
			)
			errs = append(errs, failures[i].Detail())
		}
		if texts[i] != nil {
			out = append(out, *texts[i])
		}
	}

	return out, errs, nil
}

func (e *extractor) crop(img image.Image, b domain.Bounds) image.Image {
	r := image.Rect(b.X1-e.padding, b.Y1-e.padding, b.X2+e.padding, b.Y2+e.padding).Intersect(img.Bounds())
	if r.Eq(img.Bounds()) {
		return img
	}
	return imaging.Crop(img, r)
}
