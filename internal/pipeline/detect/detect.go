package detect

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sort"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/segment"
)

type Config struct {
	Threshold          uint8   `yaml:"threshold"`
	OutlineRadius      float64 `yaml:"outline_radius"`
	MinRegionSize      int     `yaml:"min_region_size"`
	MaxAreaRatio       float64 `yaml:"max_area_ratio"`
	MinConfidence      float64 `yaml:"min_confidence"`
	IoUThreshold       float64 `yaml:"iou_threshold"`
	FallbackConfidence float64 `yaml:"fallback_confidence"`
}

func DefaultConfig() Config {
	return Config{
		Threshold:          160,
		OutlineRadius:      0,
		MinRegionSize:      50,
		MaxAreaRatio:       0.9,
		MinConfidence:      0.6,
		IoUThreshold:       0.5,
		FallbackConfidence: 0.1,
	}
}

var ErrEmptyImage = errors.New("empty image")

type detector struct {
	cfg Config
}

func New(cfg Config) *detector {
	def := DefaultConfig()
	if cfg.Threshold == 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.MinRegionSize <= 0 {
		cfg.MinRegionSize = def.MinRegionSize
	}
	if cfg.MaxAreaRatio <= 0 || cfg.MaxAreaRatio > 1 {
		cfg.MaxAreaRatio = def.MaxAreaRatio
	}
	if cfg.IoUThreshold <= 0 || cfg.IoUThreshold > 1 {
		cfg.IoUThreshold = def.IoUThreshold
	}
	if cfg.FallbackConfidence <= 0 || cfg.FallbackConfidence > 1 {
		cfg.FallbackConfidence = def.FallbackConfidence
	}
	if cfg.MinConfidence < 0 || cfg.MinConfidence > 1 {
		cfg.MinConfidence = def.MinConfidence
	}

	return &detector{cfg: cfg}
}

// Fallback is the single whole-image region used when segmentation finds
// nothing or is switched off.
func (d *detector) Fallback(img image.Image) []domain.Region {
	return []domain.Region{{
		Index:      0,
		Bounds:     domain.BoundsFromRect(img.Bounds()),
		Confidence: d.cfg.FallbackConfidence,
		Kind:       domain.RegionFallback,
	}}
}

// Detect segments booth cells: closed areas of background enclosed by
// outline ink. It never returns an empty slice; on failure the whole-image
// fallback is returned together with a RegionDetectionError.
func (d *detector) Detect(ctx context.Context, img image.Image) (regions []domain.Region, err error) {
	if img == nil || img.Bounds().Empty() {
		return nil, domain.NewImageProcessingError(ErrEmptyImage)
	}

	defer func() {
		if rec := recover(); rec != nil {
			regions = d.Fallback(img)
			err = domain.NewRegionDetectionError(fmt.Errorf("panic: %v", rec))
		}
	}()

	cells, err := d.findCells(ctx, img)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return d.Fallback(img), domain.NewRegionDetectionError(err)
	}

	merged := mergeOverlapping(cells, d.cfg.IoUThreshold)
	if len(merged) == 0 {
		slog.Debug("no regions detected, using fallback")
		return d.Fallback(img), nil
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i].Bounds, merged[j].Bounds
		if a.Y1 != b.Y1 {
			return a.Y1 < b.Y1
		}
		return a.X1 < b.X1
	})
	for i := range merged {
		merged[i].Index = i
	}

	return merged, nil
}

func (d *detector) findCells(ctx context.Context, img image.Image) ([]domain.Region, error) {
	src := img
	if d.cfg.OutlineRadius > 0 {
		src = effect.Erode(img, d.cfg.OutlineRadius)
	}
	bin := segment.Threshold(src, d.cfg.Threshold)

	b := bin.Bounds()
	width, height := b.Dx(), b.Dy()
	if width < 3 || height < 3 {
		return nil, fmt.Errorf("image too small: %dx%d", width, height)
	}

	background := func(x, y int) bool {
		return bin.Pix[y*bin.Stride+x] != 0
	}

	visited := make([]bool, width*height)
	imageArea := width * height
	cells := make([]domain.Region, 0)
	noise := 0

	for y := 0; y < height; y++ {
		if y%64 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		for x := 0; x < width; x++ {
			if visited[y*width+x] || !background(x, y) {
				continue
			}

			c := fill(background, visited, x, y, width, height)
			if c.touchesBorder {
				continue
			}

			box := domain.Bounds{
				X1: c.minX + b.Min.X,
				Y1: c.minY + b.Min.Y,
				X2: c.maxX + 1 + b.Min.X,
				Y2: c.maxY + 1 + b.Min.Y,
			}
			if box.Width() < d.cfg.MinRegionSize || box.Height() < d.cfg.MinRegionSize {
				continue
			}
			if float64(box.Area()) > d.cfg.MaxAreaRatio*float64(imageArea) {
				continue
			}

			// A booth interior fills its bounding box; text inside only
			// punches small holes into it.
			confidence := float64(c.pixels) / float64(box.Area())
			if confidence < d.cfg.MinConfidence {
				noise++
				continue
			}

			cells = append(cells, domain.Region{
				Bounds:     box,
				Confidence: min(confidence, 1),
				Kind:       domain.RegionBooth,
			})
		}
	}

	if noise > 0 {
		slog.Debug("detector: noise components dropped", slog.Int("count", noise))
	}

	return cells, nil
}

type component struct {
	minX, minY, maxX, maxY int
	pixels                 int
	touchesBorder          bool
}

// fill is an iterative 4-connected flood fill over background pixels.
// Background is split along 4-connectivity so that diagonal gaps in the
// 8-connected outline ink keep cells apart.
func fill(background func(x, y int) bool, visited []bool, startX, startY, width, height int) component {
	c := component{minX: startX, minY: startY, maxX: startX, maxY: startY}
	stack := []image.Point{{X: startX, Y: startY}}
	visited[startY*width+startX] = true

	for len(stack) > 0 {
		p := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		c.pixels++
		c.minX, c.maxX = min(c.minX, p.X), max(c.maxX, p.X)
		c.minY, c.maxY = min(c.minY, p.Y), max(c.maxY, p.Y)
		if p.X == 0 || p.Y == 0 || p.X == width-1 || p.Y == height-1 {
			c.touchesBorder = true
		}

		for _, n := range [4]image.Point{{X: p.X + 1, Y: p.Y}, {X: p.X - 1, Y: p.Y}, {X: p.X, Y: p.Y + 1}, {X: p.X, Y: p.Y - 1}} {
			if n.X < 0 || n.X >= width || n.Y < 0 || n.Y >= height {
				continue
			}
			idx := n.Y*width + n.X
			if visited[idx] || !background(n.X, n.Y) {
				continue
			}
			visited[idx] = true
			stack = append(stack, n)
		}
	}

	return c
}

// mergeOverlapping repeatedly merges regions whose IoU exceeds threshold into
// their union box, keeping the highest confidence, until no pair qualifies.
func mergeOverlapping(regions []domain.Region, threshold float64) []domain.Region {
	out := append([]domain.Region(nil), regions...)

	for merged := true; merged; {
		merged = false
		for i := 0; i < len(out) && !merged; i++ {
			for j := i + 1; j < len(out); j++ {
				if out[i].Bounds.IoU(out[j].Bounds) <= threshold {
					continue
				}
				out[i].Bounds = out[i].Bounds.Union(out[j].Bounds)
				out[i].Confidence = max(out[i].Confidence, out[j].Confidence)
				out = append(out[:j], out[j+1:]...)
				merged = true
				break
			}
		}
	}

	return out
}
