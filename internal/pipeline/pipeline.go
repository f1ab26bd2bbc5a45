package pipeline

import (
	"context"
	"errors"
	"image"
	"log/slog"

	"github.com/you-humble/boothscan/internal/domain"
	"github.com/you-humble/boothscan/internal/pipeline/preprocess"
)

type Preprocessor interface {
	Decode(raw []byte) (image.Image, error)
	Prepare(ctx context.Context, img image.Image) (preprocess.Prepared, error)
}

type Detector interface {
	Detect(ctx context.Context, img image.Image) ([]domain.Region, error)
	Fallback(img image.Image) []domain.Region
}

type Extractor interface {
	Extract(
		ctx context.Context,
		img image.Image,
		regions []domain.Region,
		language string,
		limit int,
	) ([]domain.ExtractedText, []domain.ErrorDetail, error)
}

type Analyzer interface {
	Analyze(texts []domain.ExtractedText) (domain.AnalysisResult, error)
}

type Scorer interface {
	Score(res domain.AnalysisResult, minConfidence float64) domain.AnalysisResult
}

// Checkpoint runs before every stage; a non-nil error stops the pipeline.
// The orchestrator uses it to observe cancellation requests.
type Checkpoint func(ctx context.Context, next domain.Stage) error

type Output struct {
	Analysis domain.AnalysisResult
	Prepared image.Image
	Regions  []domain.Region
	// Errors holds the details recorded before a failing stage. It is only
	// set when Run returns an error; on success they are in Analysis.Errors.
	Errors []domain.ErrorDetail
}

type state struct {
	raw      []byte
	settings domain.Settings

	decoded  image.Image
	prepared image.Image
	regions  []domain.Region
	texts    []domain.ExtractedText
	analysis domain.AnalysisResult
	errors   []domain.ErrorDetail
}

type stage struct {
	name domain.Stage
	run  func(ctx context.Context, st *state) error
}

type pipeline struct {
	pre       Preprocessor
	detector  Detector
	extractor Extractor
	analyzer  Analyzer
	scorer    Scorer

	includeRegions bool
	stages         []stage
}

func New(
	pre Preprocessor,
	detector Detector,
	extractor Extractor,
	analyzer Analyzer,
	scorer Scorer,
	includeRegions bool,
) *pipeline {
	p := &pipeline{
		pre:            pre,
		detector:       detector,
		extractor:      extractor,
		analyzer:       analyzer,
		scorer:         scorer,
		includeRegions: includeRegions,
	}
	p.stages = []stage{
		{name: domain.StagePreprocess, run: p.preprocess},
		{name: domain.StageDetect, run: p.detect},
		{name: domain.StageExtract, run: p.extract},
		{name: domain.StageAnalyze, run: p.analyze},
		{name: domain.StageScore, run: p.score},
	}
	return p
}

// Run executes the stages in order. The returned error is always a
// *domain.StageError carrying the class the orchestrator acts on; the
// returned Output then only carries the details recorded so far.
func (p *pipeline) Run(ctx context.Context, raw []byte, settings domain.Settings, check Checkpoint) (Output, error) {
	st := &state{raw: raw, settings: settings}

	for _, s := range p.stages {
		if err := ctx.Err(); err != nil {
			return Output{Errors: st.errors}, domain.AsStageError(s.name, err)
		}
		if check != nil {
			if err := check(ctx, s.name); err != nil {
				return Output{Errors: st.errors}, domain.AsStageError(s.name, err)
			}
		}

		if err := s.run(ctx, st); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil && !isStageError(err) {
				err = ctxErr
			}
			return Output{Errors: st.errors}, domain.AsStageError(s.name, err)
		}
	}

	st.analysis.Errors = st.errors
	if p.includeRegions {
		st.analysis.Regions = st.regions
	}

	return Output{
		Analysis: st.analysis,
		Prepared: st.prepared,
		Regions:  st.regions,
	}, nil
}

func (p *pipeline) preprocess(ctx context.Context, st *state) error {
	img, err := p.pre.Decode(st.raw)
	if err != nil {
		return err
	}
	st.decoded = img

	prepared, err := p.pre.Prepare(ctx, img)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var se *domain.StageError
		if !errors.As(err, &se) {
			err = domain.NewImageProcessingError(err)
		}
		return err
	}
	st.prepared = prepared.Image

	return nil
}

func (p *pipeline) detect(ctx context.Context, st *state) error {
	if !st.settings.DetectRegions {
		st.regions = p.detector.Fallback(st.prepared)
		return nil
	}

	regions, err := p.detector.Detect(ctx, st.prepared)
	if err != nil {
		var se *domain.StageError
		if !errors.As(err, &se) || se.Class() != domain.ClassDegraded {
			return err
		}
		slog.Warn("detect: degraded to fallback region", slog.String("error", err.Error()))
		st.errors = append(st.errors, se.Detail())
	}
	if len(regions) == 0 {
		regions = p.detector.Fallback(st.prepared)
	}
	st.regions = regions

	return nil
}

func (p *pipeline) extract(ctx context.Context, st *state) error {
	texts, regionErrs, err := p.extractor.Extract(ctx, st.prepared, st.regions, st.settings.Language, st.settings.BatchSize)
	if err != nil {
		return err
	}
	st.texts = texts
	st.errors = append(st.errors, regionErrs...)

	return nil
}

func (p *pipeline) analyze(_ context.Context, st *state) error {
	res, err := p.analyzer.Analyze(st.texts)
	if err != nil {
		return err
	}
	st.analysis = res

	return nil
}

func (p *pipeline) score(_ context.Context, st *state) error {
	st.analysis = p.scorer.Score(st.analysis, st.settings.MinConfidence)
	return nil
}

func isStageError(err error) bool {
	var se *domain.StageError
	return errors.As(err, &se)
}
