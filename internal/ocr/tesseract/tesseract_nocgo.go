//go:build !cgo

package tesseract

import (
	"context"
	"errors"

	"github.com/you-humble/boothscan/internal/ocr"
)

type Config struct {
	TessdataPrefix string `yaml:"tessdata_prefix"`
	MaxParallel    int    `yaml:"max_parallel"`
}

var ErrUnavailable = errors.New("tesseract requires cgo")

type engine struct{}

func New(Config) *engine { return &engine{} }

func (e *engine) Name() string { return "tesseract" }

func (e *engine) Recognize(context.Context, ocr.Input) (ocr.Result, error) {
	return ocr.Result{}, ErrUnavailable
}
