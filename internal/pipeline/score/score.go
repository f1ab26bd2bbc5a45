package score

import (
	"log/slog"

	"github.com/you-humble/boothscan/internal/domain"
)

// Weights of the confidence formula:
//
//	c = (ocr*OCR + det*Detection + rule*Rule) / (OCR + Detection + Rule) * (1 - penalty)
type Weights struct {
	OCR       float64 `yaml:"ocr_weight"`
	Detection float64 `yaml:"detection_weight"`
	Rule      float64 `yaml:"rule_weight"`
}

func DefaultWeights() Weights {
	return Weights{OCR: 0.6, Detection: 0.1, Rule: 0.3}
}

func (w Weights) valid() bool {
	return w.OCR >= 0 && w.Detection >= 0 && w.Rule >= 0 && w.OCR+w.Detection+w.Rule > 0
}

type scorer struct {
	w Weights
}

func New(w Weights) *scorer {
	if !w.valid() {
		slog.Warn("scorer: invalid weights, using defaults",
			slog.Float64("ocr", w.OCR),
			slog.Float64("detection", w.Detection),
			slog.Float64("rule", w.Rule),
		)
		w = DefaultWeights()
	}
	return &scorer{w: w}
}

func (s *scorer) Weights() Weights { return s.w }

// Entity scores one set of signals.
func (s *scorer) Entity(sig domain.Signals) float64 {
	sum := s.w.OCR + s.w.Detection + s.w.Rule
	c := (s.w.OCR*clamp(sig.OCRConfidence) +
		s.w.Detection*clamp(sig.DetectionConfidence) +
		s.w.Rule*clamp(sig.RuleStrength)) / sum

	return clamp(c * (1 - clamp(sig.Penalty)))
}

// Score fills every entity confidence, flags entities below minConfidence
// for review and sets the overall confidence to the mean over entities.
// Nothing is removed.
func (s *scorer) Score(res domain.AnalysisResult, minConfidence float64) domain.AnalysisResult {
	out := res
	out.Companies = append([]domain.Company(nil), res.Companies...)
	out.BoothSizes = append([]domain.BoothSize(nil), res.BoothSizes...)
	out.ReviewCount = 0

	var total float64
	n := 0

	for i := range out.Companies {
		c := &out.Companies[i]
		c.Confidence = s.Entity(c.Signals)
		c.NeedsReview = c.Confidence < minConfidence
		if c.NeedsReview {
			out.ReviewCount++
		}
		total += c.Confidence
		n++
	}

	for i := range out.BoothSizes {
		b := &out.BoothSizes[i]
		b.Confidence = s.Entity(b.Signals)
		b.NeedsReview = b.Confidence < minConfidence
		if b.NeedsReview {
			out.ReviewCount++
		}
		total += b.Confidence
		n++
	}

	out.Confidence = 0
	if n > 0 {
		out.Confidence = clamp(total / float64(n))
	}

	return out
}

func clamp(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
