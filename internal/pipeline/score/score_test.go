package score

import (
	"testing"

	"github.com/you-humble/boothscan/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestEntity(t *testing.T) {
	s := New(DefaultWeights())

	tests := []struct {
		name string
		sig  domain.Signals
		want float64
	}{
		{
			name: "labelled company",
			sig:  domain.Signals{OCRConfidence: 0.8, DetectionConfidence: 1, RuleStrength: 1},
			want: 0.88,
		},
		{
			name: "default size penalty halves the score",
			sig:  domain.Signals{OCRConfidence: 0.8, DetectionConfidence: 1, RuleStrength: 1, Penalty: 0.5},
			want: 0.44,
		},
		{
			name: "out of range inputs are clamped",
			sig:  domain.Signals{OCRConfidence: 1.7, DetectionConfidence: -3, RuleStrength: 1},
			want: 0.9,
		},
		{
			name: "full penalty",
			sig:  domain.Signals{OCRConfidence: 1, DetectionConfidence: 1, RuleStrength: 1, Penalty: 2},
			want: 0,
		},
		{
			name: "nothing",
			sig:  domain.Signals{},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, s.Entity(tt.sig), 1e-9)
		})
	}
}

func TestNew_InvalidWeightsFallBack(t *testing.T) {
	assert.Equal(t, DefaultWeights(), New(Weights{}).Weights())
	assert.Equal(t, DefaultWeights(), New(Weights{OCR: -1, Detection: 1, Rule: 1}).Weights())

	custom := Weights{OCR: 1, Detection: 0, Rule: 1}
	s := New(custom)
	assert.Equal(t, custom, s.Weights())
	assert.InDelta(t, 0.75, s.Entity(domain.Signals{OCRConfidence: 1, RuleStrength: 0.5}), 1e-9)
}

func TestScore_FlagsAndOverall(t *testing.T) {
	s := New(DefaultWeights())
	in := domain.AnalysisResult{
		Companies: []domain.Company{
			{Name: "Acme Corp", Signals: domain.Signals{OCRConfidence: 0.8, DetectionConfidence: 1, RuleStrength: 1}},
			{Name: "Globex", Signals: domain.Signals{OCRConfidence: 0.5, DetectionConfidence: 0.5, RuleStrength: 0.6}},
		},
		BoothSizes: []domain.BoothSize{
			{Width: 10, Height: 12, Signals: domain.Signals{OCRConfidence: 0.8, DetectionConfidence: 1, RuleStrength: 1}},
			{Width: 10, Height: 10, Default: true, Signals: domain.Signals{OCRConfidence: 0.8, DetectionConfidence: 1, RuleStrength: 1, Penalty: 0.5}},
		},
	}

	out := s.Score(in, 0.8)

	assert.InDelta(t, 0.88, out.Companies[0].Confidence, 1e-9)
	assert.False(t, out.Companies[0].NeedsReview)
	assert.InDelta(t, 0.53, out.Companies[1].Confidence, 1e-9)
	assert.True(t, out.Companies[1].NeedsReview)
	assert.False(t, out.BoothSizes[0].NeedsReview)
	assert.InDelta(t, 0.44, out.BoothSizes[1].Confidence, 1e-9)
	assert.True(t, out.BoothSizes[1].NeedsReview)

	assert.Equal(t, 2, out.ReviewCount)
	assert.InDelta(t, (0.88+0.53+0.88+0.44)/4, out.Confidence, 1e-9)

	assert.Zero(t, in.Companies[0].Confidence, "input is not modified")
	assert.Len(t, out.Companies, 2, "nothing is removed")
}

func TestScore_Empty(t *testing.T) {
	out := New(DefaultWeights()).Score(domain.AnalysisResult{}, 0.8)
	assert.Zero(t, out.Confidence)
	assert.Zero(t, out.ReviewCount)
}

func TestScore_ThresholdIsInclusive(t *testing.T) {
	s := New(Weights{OCR: 1, Detection: 1, Rule: 2})
	out := s.Score(domain.AnalysisResult{
		Companies: []domain.Company{{Signals: domain.Signals{OCRConfidence: 0.5, DetectionConfidence: 0.5, RuleStrength: 0.5}}},
	}, 0.5)
	assert.Equal(t, 0.5, out.Companies[0].Confidence)
	assert.False(t, out.Companies[0].NeedsReview)
}
