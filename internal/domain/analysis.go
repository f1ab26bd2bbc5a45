package domain

import (
	"image"
	"time"
)

// Bounds is an axis-aligned box, X2/Y2 exclusive.
type Bounds struct {
	X1 int `json:"x1"`
	Y1 int `json:"y1"`
	X2 int `json:"x2"`
	Y2 int `json:"y2"`
}

func BoundsFromRect(r image.Rectangle) Bounds {
	return Bounds{X1: r.Min.X, Y1: r.Min.Y, X2: r.Max.X, Y2: r.Max.Y}
}

func (b Bounds) Rect() image.Rectangle {
	return image.Rect(b.X1, b.Y1, b.X2, b.Y2)
}

func (b Bounds) Width() int  { return max(0, b.X2-b.X1) }
func (b Bounds) Height() int { return max(0, b.Y2-b.Y1) }
func (b Bounds) Area() int   { return b.Width() * b.Height() }

func (b Bounds) Union(o Bounds) Bounds {
	return Bounds{
		X1: min(b.X1, o.X1),
		Y1: min(b.Y1, o.Y1),
		X2: max(b.X2, o.X2),
		Y2: max(b.Y2, o.Y2),
	}
}

// IoU returns the intersection-over-union of two boxes.
func (b Bounds) IoU(o Bounds) float64 {
	inter := Bounds{
		X1: max(b.X1, o.X1),
		Y1: max(b.Y1, o.Y1),
		X2: min(b.X2, o.X2),
		Y2: min(b.Y2, o.Y2),
	}.Area()
	if inter == 0 {
		return 0
	}
	union := b.Area() + o.Area() - inter
	if union <= 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

type RegionKind string

const (
	RegionBooth    RegionKind = "booth"
	RegionNoise    RegionKind = "noise"
	RegionFallback RegionKind = "fallback"
)

type Region struct {
	Index      int        `json:"index"`
	Bounds     Bounds     `json:"bounds"`
	Confidence float64    `json:"confidence"`
	Kind       RegionKind `json:"kind"`
}

type ExtractedText struct {
	Region     Region  `json:"region"`
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

type MatchRule string

const (
	RuleCompanyLabel    MatchRule = "company_label"
	RuleBoothLabel      MatchRule = "booth_label"
	RuleCapitalizedLine MatchRule = "capitalized_line"
	RuleDimensionOnly   MatchRule = "dimension_only"
	RuleDefaultSize     MatchRule = "default_size"
)

// Signals are the per-entity inputs of the confidence formula.
type Signals struct {
	OCRConfidence       float64 `json:"ocr_confidence"`
	DetectionConfidence float64 `json:"detection_confidence"`
	RuleStrength        float64 `json:"rule_strength"`
	Penalty             float64 `json:"penalty,omitempty"`
}

// MatchConfidence is the unweighted strength of the evidence behind an entity.
func (s Signals) MatchConfidence() float64 {
	return s.RuleStrength * s.OCRConfidence * s.DetectionConfidence
}

type Company struct {
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	BoothID     string    `json:"booth_id,omitempty"`
	RegionIndex int       `json:"region_index"`
	Rule        MatchRule `json:"rule"`
	Signals     Signals   `json:"signals"`
	Confidence  float64   `json:"confidence"`
	NeedsReview bool      `json:"needs_review"`
}

type BoothSize struct {
	Width       float64   `json:"width"`
	Height      float64   `json:"height"`
	Unit        string    `json:"unit"`
	Default     bool      `json:"default"`
	Company     string    `json:"company,omitempty"`
	BoothID     string    `json:"booth_id,omitempty"`
	RegionIndex int       `json:"region_index"`
	Rule        MatchRule `json:"rule"`
	Signals     Signals   `json:"signals"`
	Confidence  float64   `json:"confidence"`
	NeedsReview bool      `json:"needs_review"`
}

type AnalysisResult struct {
	Companies   []Company     `json:"companies"`
	BoothSizes  []BoothSize   `json:"booth_sizes"`
	Confidence  float64       `json:"confidence"`
	ReviewCount int           `json:"review_count"`
	Errors      []ErrorDetail `json:"errors,omitempty"`
	Regions     []Region      `json:"regions,omitempty"`
}

type ProcessingResult struct {
	TaskID      string          `json:"task_id"`
	Fingerprint string          `json:"fingerprint"`
	Status      TaskStatus      `json:"status"`
	Analysis    *AnalysisResult `json:"analysis,omitempty"`
	Errors      []ErrorDetail   `json:"errors"`
	Attempts    int             `json:"attempts"`
	Duration    time.Duration   `json:"duration"`
	OverlayRef  string          `json:"overlay_ref,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt time.Time       `json:"completed_at"`
}

// ResultEvent is published for downstream consumers once a task is terminal.
type ResultEvent struct {
	TaskID      string        `json:"task_id"`
	Fingerprint string        `json:"fingerprint"`
	Status      TaskStatus    `json:"status"`
	Companies   []Company     `json:"companies,omitempty"`
	BoothSizes  []BoothSize   `json:"booth_sizes,omitempty"`
	Confidence  float64       `json:"confidence"`
	ReviewCount int           `json:"review_count"`
	Errors      []ErrorDetail `json:"errors,omitempty"`
	CompletedAt time.Time     `json:"completed_at"`
}

func NewResultEvent(r ProcessingResult) ResultEvent {
	ev := ResultEvent{
		TaskID:      r.TaskID,
		Fingerprint: r.Fingerprint,
		Status:      r.Status,
		Errors:      r.Errors,
		CompletedAt: r.CompletedAt,
	}
	if r.Analysis != nil {
		ev.Companies = r.Analysis.Companies
		ev.BoothSizes = r.Analysis.BoothSizes
		ev.Confidence = r.Analysis.Confidence
		ev.ReviewCount = r.Analysis.ReviewCount
	}
	return ev
}
