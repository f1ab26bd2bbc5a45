package preprocess

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/anthonynsimon/bild/effect"
	"github.com/anthonynsimon/bild/segment"
	"github.com/disintegration/imaging"
	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

type Config struct {
	MaxDimension    int     `yaml:"max_dimension"`
	MinDimension    int     `yaml:"min_dimension"`
	Contrast        float64 `yaml:"contrast"`
	Sharpen         float64 `yaml:"sharpen"`
	DenoiseRadius   float64 `yaml:"denoise_radius"`
	MaxSkewDegrees  float64 `yaml:"max_skew_degrees"`
	SkewStepDegrees float64 `yaml:"skew_step_degrees"`
}

func DefaultConfig() Config {
	return Config{
		MaxDimension:    2000,
		MinDimension:    600,
		Contrast:        40,
		Sharpen:         1.0,
		DenoiseRadius:   1,
		MaxSkewDegrees:  5,
		SkewStepDegrees: 0.5,
	}
}

// Prepared is a normalized grayscale page ready for segmentation.
type Prepared struct {
	Image image.Image
	Scale float64
	Skew  float64
}

var ErrEmptyImage = errors.New("empty image")

const skewProbeSize = 400

type preprocessor struct {
	cfg Config
}

func New(cfg Config) *preprocessor {
	def := DefaultConfig()
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = def.MaxDimension
	}
	if cfg.MinDimension < 0 || cfg.MinDimension > cfg.MaxDimension {
		cfg.MinDimension = 0
	}
	if cfg.SkewStepDegrees <= 0 {
		cfg.SkewStepDegrees = def.SkewStepDegrees
	}
	if cfg.MaxSkewDegrees < 0 {
		cfg.MaxSkewDegrees = 0
	}

	return &preprocessor{cfg: cfg}
}

// Decode turns raw upload bytes into an image, honoring EXIF orientation.
func (p *preprocessor) Decode(raw []byte) (image.Image, error) {
	if len(raw) == 0 {
		return nil, domain.NewImageProcessingError(ErrEmptyImage)
	}

	img, err := imaging.Decode(bytes.NewReader(raw), imaging.AutoOrientation(true))
	if err != nil {
		return nil, domain.NewImageProcessingError(fmt.Errorf("decode: %w", err))
	}

	return img, nil
}

func (p *preprocessor) Prepare(ctx context.Context, img image.Image) (Prepared, error) {
	if img == nil || img.Bounds().Empty() {
		return Prepared{}, domain.NewImageProcessingError(ErrEmptyImage)
	}

	scaled, scale := p.normalizeScale(img)

	gray := imaging.Grayscale(scaled)
	if p.cfg.Contrast != 0 {
		gray = imaging.AdjustContrast(gray, p.cfg.Contrast)
	}
	if p.cfg.Sharpen > 0 {
		gray = imaging.Sharpen(gray, p.cfg.Sharpen)
	}

	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}

	var clean image.Image = gray
	if p.cfg.DenoiseRadius > 0 {
		clean = effect.Median(gray, p.cfg.DenoiseRadius)
	}

	if err := ctx.Err(); err != nil {
		return Prepared{}, err
	}

	angle := p.estimateSkew(clean)
	if math.Abs(angle) >= p.cfg.SkewStepDegrees {
		clean = imaging.Rotate(clean, angle, color.White)
	}

	return Prepared{Image: clean, Scale: scale, Skew: angle}, nil
}

func (p *preprocessor) normalizeScale(img image.Image) (image.Image, float64) {
	b := img.Bounds()
	longest := max(b.Dx(), b.Dy())

	switch {
	case longest > p.cfg.MaxDimension:
		out := imaging.Fit(img, p.cfg.MaxDimension, p.cfg.MaxDimension, imaging.Lanczos)
		return out, float64(out.Bounds().Dx()) / float64(b.Dx())
	case p.cfg.MinDimension > 0 && longest < p.cfg.MinDimension:
		ratio := float64(p.cfg.MinDimension) / float64(longest)
		w := int(math.Round(float64(b.Dx()) * ratio))
		h := int(math.Round(float64(b.Dy()) * ratio))
		return imaging.Resize(img, w, h, imaging.Lanczos), ratio
	}

	return img, 1
}

// estimateSkew searches for the rotation that makes ink rows the sharpest
// (highest variance of per-row ink counts). Candidates are tried from 0
// outwards so ties resolve to the smallest correction.
func (p *preprocessor) estimateSkew(img image.Image) float64 {
	if p.cfg.MaxSkewDegrees == 0 {
		return 0
	}

	probe := imaging.Fit(img, skewProbeSize, skewProbeSize, imaging.Box)

	best := 0.0
	bestScore := rowVariance(probe)
	for step := p.cfg.SkewStepDegrees; step <= p.cfg.MaxSkewDegrees+1e-9; step += p.cfg.SkewStepDegrees {
		for _, angle := range []float64{step, -step} {
			score := rowVariance(imaging.Rotate(probe, angle, color.White))
			if score > bestScore+1e-9 {
				best, bestScore = angle, score
			}
		}
	}

	return best
}

func rowVariance(img image.Image) float64 {
	bin := segment.Threshold(img, 128)
	b := bin.Bounds()
	if b.Dy() == 0 {
		return 0
	}

	rows := make([]float64, b.Dy())
	var mean float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		off := (y - b.Min.Y) * bin.Stride
		var ink float64
		for x := 0; x < b.Dx(); x++ {
			if bin.Pix[off+x] == 0 {
				ink++
			}
		}
		rows[y-b.Min.Y] = ink
		mean += ink
	}
	mean /= float64(len(rows))

	var variance float64
	for _, v := range rows {
		variance += (v - mean) * (v - mean)
	}
	return variance / float64(len(rows))
}
