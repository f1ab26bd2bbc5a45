package review

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"io"
	"testing"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func whitePage(w, h int) image.Image {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	return img
}

func TestRenderColorsRegionsByOutcome(t *testing.T) {
	regions := []domain.Region{
		{Index: 0, Bounds: domain.Bounds{X1: 10, Y1: 10, X2: 90, Y2: 90}},
		{Index: 1, Bounds: domain.Bounds{X1: 110, Y1: 10, X2: 190, Y2: 90}},
		{Index: 2, Bounds: domain.Bounds{X1: 210, Y1: 10, X2: 290, Y2: 90}},
	}
	failed := 2
	res := domain.AnalysisResult{
		Companies: []domain.Company{
			{Name: "Acme", RegionIndex: 0},
			{Name: "Globex", RegionIndex: 1, NeedsReview: true},
		},
		Errors: []domain.ErrorDetail{{Kind: domain.KindTextExtraction, Region: &failed}},
	}

	out := Render(whitePage(300, 100), regions, res)
	require.Equal(t, image.Rect(0, 0, 300, 100), out.Bounds())

	green := color.NRGBAModel.Convert(out.At(10, 50)).(color.NRGBA)
	orange := color.NRGBAModel.Convert(out.At(110, 50)).(color.NRGBA)
	red := color.NRGBAModel.Convert(out.At(210, 50)).(color.NRGBA)

	assert.Greater(t, green.G, green.R)
	assert.Greater(t, orange.R, orange.B)
	assert.Greater(t, red.R, red.G)

	inside := color.GrayModel.Convert(out.At(50, 50)).(color.Gray)
	assert.Equal(t, uint8(0xff), inside.Y)
}

type memSaver struct {
	name string
	data []byte
}

func (m *memSaver) Save(_ context.Context, r io.Reader, name string, _ int64) (int64, string, error) {
	data, err := io.ReadAll(r)
	m.name, m.data = name, data
	return int64(len(data)), "", err
}

func TestWriterStoresPNG(t *testing.T) {
	saver := &memSaver{}
	w := NewWriter(saver)

	ref, err := w.WriteOverlay(context.Background(), "task-1", whitePage(40, 40), nil, domain.AnalysisResult{})
	require.NoError(t, err)
	assert.Equal(t, "task-1.png", ref)
	assert.Equal(t, ref, saver.name)

	img, err := png.Decode(bytes.NewReader(saver.data))
	require.NoError(t, err)
	assert.Equal(t, 40, img.Bounds().Dx())
}
