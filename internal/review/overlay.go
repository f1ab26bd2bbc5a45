package review

import (
	"bytes"
	"fmt"
	"image"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/fogleman/gg"
)

type rgba struct{ r, g, b, a float64 }

var (
	colorAccepted = rgba{0.13, 0.65, 0.30, 0.9}
	colorReview   = rgba{0.95, 0.55, 0.10, 0.9}
	colorFailed   = rgba{0.85, 0.15, 0.15, 0.9}
	colorEmpty    = rgba{0.55, 0.55, 0.55, 0.6}
)

// Render draws every region over img, colored by what came out of it:
// accepted entities, entities needing review, failed extraction or nothing.
func Render(img image.Image, regions []domain.Region, res domain.AnalysisResult) image.Image {
	return draw(img, regions, res).Image()
}

func RenderPNG(img image.Image, regions []domain.Region, res domain.AnalysisResult) ([]byte, error) {
	var buf bytes.Buffer
	if err := draw(img, regions, res).EncodePNG(&buf); err != nil {
		return nil, fmt.Errorf("encode overlay: %w", err)
	}
	return buf.Bytes(), nil
}

func draw(img image.Image, regions []domain.Region, res domain.AnalysisResult) *gg.Context {
	state := regionStates(res)

	dc := gg.NewContextForImage(img)
	width := max(2, float64(max(img.Bounds().Dx(), img.Bounds().Dy()))/500)
	dc.SetLineWidth(width)

	for _, r := range regions {
		c := colorEmpty
		if s, ok := state[r.Index]; ok {
			c = s
		}
		dc.SetRGBA(c.r, c.g, c.b, c.a)
		b := r.Bounds
		dc.DrawRectangle(float64(b.X1), float64(b.Y1), float64(b.Width()), float64(b.Height()))
		dc.Stroke()
	}

	return dc
}

func regionStates(res domain.AnalysisResult) map[int]rgba {
	state := make(map[int]rgba)

	mark := func(idx int, review bool) {
		if review {
			state[idx] = colorReview
			return
		}
		if _, ok := state[idx]; !ok {
			state[idx] = colorAccepted
		}
	}
	for _, c := range res.Companies {
		mark(c.RegionIndex, c.NeedsReview)
	}
	for _, b := range res.BoothSizes {
		mark(b.RegionIndex, b.NeedsReview)
	}
	for _, e := range res.Errors {
		if e.Region != nil {
			state[*e.Region] = colorFailed
		}
	}

	return state
}
