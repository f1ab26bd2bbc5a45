//go:build cgo

package tesseract

import (
	"context"
	"fmt"
	"strings"

	"github.com/you-humble/boothscan/internal/ocr"

	"github.com/otiai10/gosseract/v2"
)

type Config struct {
	TessdataPrefix string `yaml:"tessdata_prefix"`
	MaxParallel    int    `yaml:"max_parallel"`
}

type engine struct {
	tessdataPrefix string
	sem            chan struct{}
}

func New(cfg Config) *engine {
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}

	return &engine{
		tessdataPrefix: cfg.TessdataPrefix,
		sem:            make(chan struct{}, cfg.MaxParallel),
	}
}

func (e *engine) Name() string { return "tesseract" }

// Recognize runs Tesseract in sparse-text mode. A running recognition cannot
// be interrupted, so on cancellation the call returns early and the client
// finishes in the background.
func (e *engine) Recognize(ctx context.Context, in ocr.Input) (ocr.Result, error) {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ocr.Result{}, fmt.Errorf("tesseract busy: %w", ctx.Err())
	}

	img, err := ocr.EncodePNG(in.Image)
	if err != nil {
		<-e.sem
		return ocr.Result{}, err
	}

	type outcome struct {
		res ocr.Result
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() { <-e.sem }()
		res, err := e.recognize(img, in.Language)
		done <- outcome{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return ocr.Result{}, ctx.Err()
	case out := <-done:
		return out.res, out.err
	}
}

func (e *engine) recognize(img []byte, language string) (ocr.Result, error) {
	c := gosseract.NewClient()
	defer c.Close()

	if e.tessdataPrefix != "" {
		if err := c.SetTessdataPrefix(e.tessdataPrefix); err != nil {
			return ocr.Result{}, fmt.Errorf("set tessdata path: %w", err)
		}
	}
	if language != "" {
		if err := c.SetLanguage(language); err != nil {
			return ocr.Result{}, fmt.Errorf("set language: %w", err)
		}
	}
	if err := c.SetPageSegMode(gosseract.PSM_SPARSE_TEXT); err != nil {
		return ocr.Result{}, fmt.Errorf("set page seg mode: %w", err)
	}
	if err := c.SetImageFromBytes(img); err != nil {
		return ocr.Result{}, fmt.Errorf("set image: %w", err)
	}

	text, err := c.Text()
	if err != nil {
		return ocr.Result{}, fmt.Errorf("recognize text: %w", err)
	}

	return ocr.Result{
		Text:       strings.TrimSpace(text),
		Confidence: wordConfidence(c),
	}, nil
}

func wordConfidence(c *gosseract.Client) float64 {
	boxes, err := c.GetBoundingBoxes(gosseract.RIL_WORD)
	if err != nil || len(boxes) == 0 {
		return 0
	}

	var sum float64
	for _, b := range boxes {
		sum += b.Confidence / 100.0
	}
	return ocr.Clamp(sum / float64(len(boxes)))
}
