package detect

import (
	"context"
	"image"
	"testing"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/fogleman/gg"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// floorPlan draws a framed 3x2 grid of booths on a white page.
func floorPlan(t *testing.T, missingWall bool) image.Image {
	t.Helper()

	dc := gg.NewContext(600, 400)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(4)

	dc.DrawRectangle(20, 20, 560, 360)
	dc.DrawLine(206, 20, 206, 380)
	dc.DrawLine(393, 20, 393, 380)
	if missingWall {
		// The lower right booth opens onto the corridor.
		dc.DrawLine(20, 200, 393, 200)
	} else {
		dc.DrawLine(20, 200, 580, 200)
	}
	dc.Stroke()

	// Booth labels punch small holes into the cells.
	dc.DrawRectangle(60, 80, 60, 12)
	dc.DrawRectangle(250, 260, 40, 12)
	dc.Fill()

	return dc.Image()
}

func TestDetect_GridOfBooths(t *testing.T) {
	d := New(DefaultConfig())

	regions, err := d.Detect(context.Background(), floorPlan(t, false))
	require.NoError(t, err)
	require.Len(t, regions, 6)

	for i, r := range regions {
		assert.Equal(t, i, r.Index)
		assert.Equal(t, domain.RegionBooth, r.Kind)
		assert.Greater(t, r.Confidence, 0.9)
		assert.Greater(t, r.Bounds.Width(), 150)
		assert.Greater(t, r.Bounds.Height(), 150)
	}

	// Row-major order: top row left to right, then the bottom row.
	for i := 0; i < 3; i++ {
		assert.Less(t, regions[i].Bounds.Y1, 100)
		assert.Greater(t, regions[i+3].Bounds.Y1, 190)
	}
	assert.Less(t, regions[0].Bounds.X1, regions[1].Bounds.X1)
	assert.Less(t, regions[1].Bounds.X1, regions[2].Bounds.X1)
	assert.Less(t, regions[3].Bounds.X1, regions[4].Bounds.X1)
}

func TestDetect_OpenCellIsNotABooth(t *testing.T) {
	d := New(DefaultConfig())

	regions, err := d.Detect(context.Background(), floorPlan(t, true))
	require.NoError(t, err)

	// The two right-hand cells merge into one tall region.
	require.Len(t, regions, 5)
	tall := regions[2]
	assert.Greater(t, tall.Bounds.Height(), 300)
}

func TestDetect_BlankPageFallsBack(t *testing.T) {
	d := New(DefaultConfig())
	dc := gg.NewContext(300, 200)
	dc.SetRGB(1, 1, 1)
	dc.Clear()

	regions, err := d.Detect(context.Background(), dc.Image())
	require.NoError(t, err)
	require.Len(t, regions, 1)

	assert.Equal(t, domain.RegionFallback, regions[0].Kind)
	assert.Equal(t, domain.Bounds{X1: 0, Y1: 0, X2: 300, Y2: 200}, regions[0].Bounds)
	assert.Equal(t, DefaultConfig().FallbackConfidence, regions[0].Confidence)
}

func TestDetect_SmallBoxesAreIgnored(t *testing.T) {
	d := New(DefaultConfig())
	dc := gg.NewContext(300, 200)
	dc.SetRGB(1, 1, 1)
	dc.Clear()
	dc.SetRGB(0, 0, 0)
	dc.SetLineWidth(3)
	dc.DrawRectangle(50, 50, 20, 20)
	dc.Stroke()

	regions, err := d.Detect(context.Background(), dc.Image())
	require.NoError(t, err)
	require.Len(t, regions, 1)
	assert.Equal(t, domain.RegionFallback, regions[0].Kind)
}

func TestDetect_TooSmallImageDegrades(t *testing.T) {
	d := New(DefaultConfig())

	regions, err := d.Detect(context.Background(), image.NewGray(image.Rect(0, 0, 2, 2)))
	require.Len(t, regions, 1)

	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.KindRegionDetection, se.Kind)
	assert.Equal(t, domain.ClassDegraded, se.Class())
}

func TestDetect_EmptyImage(t *testing.T) {
	d := New(DefaultConfig())

	_, err := d.Detect(context.Background(), image.NewGray(image.Rectangle{}))
	var se *domain.StageError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, domain.KindImageProcessing, se.Kind)
}

func TestDetect_Cancelled(t *testing.T) {
	d := New(DefaultConfig())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := d.Detect(ctx, floorPlan(t, false))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMergeOverlapping(t *testing.T) {
	regions := []domain.Region{
		{Bounds: domain.Bounds{X1: 0, Y1: 0, X2: 100, Y2: 100}, Confidence: 0.7},
		{Bounds: domain.Bounds{X1: 10, Y1: 0, X2: 110, Y2: 100}, Confidence: 0.9},
		{Bounds: domain.Bounds{X1: 300, Y1: 300, X2: 400, Y2: 400}, Confidence: 0.8},
	}

	out := mergeOverlapping(regions, 0.5)
	require.Len(t, out, 2)
	assert.Equal(t, domain.Bounds{X1: 0, Y1: 0, X2: 110, Y2: 100}, out[0].Bounds)
	assert.Equal(t, 0.9, out[0].Confidence)
	assert.Equal(t, regions[2].Bounds, out[1].Bounds)

	assert.Len(t, mergeOverlapping(regions, 0.95), 3)
}

func TestFallbackUsesImageBounds(t *testing.T) {
	d := New(Config{FallbackConfidence: 0.25})
	img := image.NewGray(image.Rect(5, 5, 50, 40))

	regions := d.Fallback(img)
	require.Len(t, regions, 1)
	assert.Equal(t, domain.Bounds{X1: 5, Y1: 5, X2: 50, Y2: 40}, regions[0].Bounds)
	assert.Equal(t, 0.25, regions[0].Confidence)
}
