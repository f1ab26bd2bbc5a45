package domain

import (
	"context"
	"errors"
	"fmt"
)

type Stage string

const (
	StageFetch      Stage = "fetch"
	StagePreprocess Stage = "preprocess"
	StageDetect     Stage = "detect"
	StageExtract    Stage = "extract"
	StageAnalyze    Stage = "analyze"
	StageScore      Stage = "score"
	StageStore      Stage = "store"
	StageQueue      Stage = "queue"
)

type ErrorKind string

const (
	KindImageProcessing ErrorKind = "image_processing"
	KindRegionDetection ErrorKind = "region_detection"
	KindTextExtraction  ErrorKind = "text_extraction"
	KindAnalysis        ErrorKind = "analysis"
	KindQueue           ErrorKind = "queue"
	KindStorage         ErrorKind = "storage"
	KindTimeout         ErrorKind = "timeout"
	KindCancelled       ErrorKind = "cancelled"
)

// ErrorClass decides what the orchestrator does with a stage error.
type ErrorClass int

const (
	ClassFatal ErrorClass = iota
	ClassTransient
	ClassDegraded
	ClassRegion
)

func (c ErrorClass) String() string {
	switch c {
	case ClassFatal:
		return "fatal"
	case ClassTransient:
		return "transient"
	case ClassDegraded:
		return "degraded"
	case ClassRegion:
		return "region"
	}
	return "unknown"
}

var kindClass = map[ErrorKind]ErrorClass{
	KindImageProcessing: ClassFatal,
	KindRegionDetection: ClassDegraded,
	KindTextExtraction:  ClassRegion,
	KindAnalysis:        ClassFatal,
	KindQueue:           ClassTransient,
	KindStorage:         ClassTransient,
	KindTimeout:         ClassTransient,
	KindCancelled:       ClassFatal,
}

var kindCode = map[ErrorKind]string{
	KindImageProcessing: "IMAGE_PROCESSING_ERROR",
	KindRegionDetection: "REGION_DETECTION_ERROR",
	KindTextExtraction:  "TEXT_EXTRACTION_ERROR",
	KindAnalysis:        "ANALYSIS_ERROR",
	KindQueue:           "QUEUE_ERROR",
	KindStorage:         "STORAGE_ERROR",
	KindTimeout:         "TIMEOUT_ERROR",
	KindCancelled:       "CANCELLED",
}

// ErrorDetail is the serialized form of a StageError kept in results.
type ErrorDetail struct {
	Kind    ErrorKind `json:"kind"`
	Code    string    `json:"code"`
	Stage   Stage     `json:"stage"`
	Region  *int      `json:"region,omitempty"`
	Attempt int       `json:"attempt,omitempty"`
	Message string    `json:"message"`
}

type StageError struct {
	Kind    ErrorKind
	Stage   Stage
	Region  *int
	Attempt int
	Err     error
}

func (e *StageError) Error() string {
	var where string
	if e.Region != nil {
		where = fmt.Sprintf(" region %d", *e.Region)
	}
	if e.Err == nil {
		return fmt.Sprintf("%s%s: %s", e.Stage, where, e.Kind)
	}
	return fmt.Sprintf("%s%s: %s: %v", e.Stage, where, e.Kind, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

func (e *StageError) Class() ErrorClass {
	if c, ok := kindClass[e.Kind]; ok {
		return c
	}
	return ClassFatal
}

func (e *StageError) Detail() ErrorDetail {
	d := ErrorDetail{
		Kind:    e.Kind,
		Code:    kindCode[e.Kind],
		Stage:   e.Stage,
		Attempt: e.Attempt,
		Message: e.Error(),
	}
	if e.Region != nil {
		idx := *e.Region
		d.Region = &idx
	}
	return d
}

func NewImageProcessingError(err error) *StageError {
	return &StageError{Kind: KindImageProcessing, Stage: StagePreprocess, Err: err}
}

func NewRegionDetectionError(err error) *StageError {
	return &StageError{Kind: KindRegionDetection, Stage: StageDetect, Err: err}
}

func NewTextExtractionError(region int, err error) *StageError {
	return &StageError{Kind: KindTextExtraction, Stage: StageExtract, Region: &region, Err: err}
}

func NewAnalysisError(err error) *StageError {
	return &StageError{Kind: KindAnalysis, Stage: StageAnalyze, Err: err}
}

func NewQueueError(err error) *StageError {
	return &StageError{Kind: KindQueue, Stage: StageQueue, Err: err}
}

func NewStorageError(stage Stage, err error) *StageError {
	return &StageError{Kind: KindStorage, Stage: stage, Err: err}
}

func NewTimeoutError(stage Stage, err error) *StageError {
	return &StageError{Kind: KindTimeout, Stage: stage, Err: err}
}

func NewCancelledError(stage Stage) *StageError {
	return &StageError{Kind: KindCancelled, Stage: stage, Err: ErrTaskCancelled}
}

// AsStageError classifies any error. Deadline errors become timeouts and
// unknown errors are treated as fatal at the given stage.
func AsStageError(stage Stage, err error) *StageError {
	if err == nil {
		return nil
	}
	var se *StageError
	if errors.As(err, &se) {
		return se
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewTimeoutError(stage, err)
	}
	if errors.Is(err, ErrTaskCancelled) {
		return NewCancelledError(stage)
	}
	return &StageError{Kind: KindImageProcessing, Stage: stage, Err: err}
}
