package ocr

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
)

// Input is a single region image submitted for recognition.
type Input struct {
	Image    image.Image
	Language string
}

// Result is the recognized text of one input with a confidence in [0,1].
type Result struct {
	Text       string
	Confidence float64
}

// Engine is the pluggable OCR capability: one image in, one result out.
type Engine interface {
	Name() string
	Recognize(ctx context.Context, in Input) (Result, error)
}

// EngineFunc adapts a function to the Engine interface.
type EngineFunc func(ctx context.Context, in Input) (Result, error)

func (f EngineFunc) Name() string { return "func" }

func (f EngineFunc) Recognize(ctx context.Context, in Input) (Result, error) {
	return f(ctx, in)
}

func EncodePNG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return buf.Bytes(), nil
}

func Clamp(conf float64) float64 {
	switch {
	case conf < 0:
		return 0
	case conf > 1:
		return 1
	}
	return conf
}
