package analyze

import (
	"errors"
	"strings"

	"github.com/you-humble/boothscan/internal/domain"

	"golang.org/x/text/cases"
)

type Config struct {
	DefaultWidth       float64 `yaml:"default_width"`
	DefaultHeight      float64 `yaml:"default_height"`
	DefaultUnit        string  `yaml:"default_unit"`
	DefaultSizePenalty float64 `yaml:"default_size_penalty"`

	CompanyLabelStrength float64 `yaml:"company_label_strength"`
	BoothLabelStrength   float64 `yaml:"booth_label_strength"`
	CapitalizedStrength  float64 `yaml:"capitalized_strength"`
	DimensionStrength    float64 `yaml:"dimension_strength"`
}

func DefaultConfig() Config {
	return Config{
		DefaultWidth:         10,
		DefaultHeight:        10,
		DefaultUnit:          "ft",
		DefaultSizePenalty:   0.5,
		CompanyLabelStrength: 1.0,
		BoothLabelStrength:   1.0,
		CapitalizedStrength:  0.6,
		DimensionStrength:    0.8,
	}
}

var ErrNoText = errors.New("no extractable text in any region")

type analyzer struct {
	cfg     Config
	ruleSet []rule
}

func New(cfg Config) *analyzer {
	def := DefaultConfig()
	if cfg.DefaultWidth <= 0 || cfg.DefaultHeight <= 0 {
		cfg.DefaultWidth, cfg.DefaultHeight = def.DefaultWidth, def.DefaultHeight
	}
	if cfg.DefaultUnit == "" {
		cfg.DefaultUnit = def.DefaultUnit
	}
	if cfg.DefaultSizePenalty < 0 || cfg.DefaultSizePenalty >= 1 {
		cfg.DefaultSizePenalty = def.DefaultSizePenalty
	}
	fixStrength(&cfg.CompanyLabelStrength, def.CompanyLabelStrength)
	fixStrength(&cfg.BoothLabelStrength, def.BoothLabelStrength)
	fixStrength(&cfg.CapitalizedStrength, def.CapitalizedStrength)
	fixStrength(&cfg.DimensionStrength, def.DimensionStrength)

	a := &analyzer{cfg: cfg}
	a.ruleSet = a.rules()
	return a
}

func fixStrength(v *float64, def float64) {
	if *v <= 0 || *v > 1 {
		*v = def
	}
}

// entry is one company (or a company-less booth) found in a block.
type entry struct {
	company *domain.Company
	booth   domain.BoothSize
}

// Analyze extracts companies and booth sizes from region texts in region
// order. Confidence fields are left for the scorer; only the signals are set.
func (a *analyzer) Analyze(texts []domain.ExtractedText) (domain.AnalysisResult, error) {
	var entries []entry
	usable := 0

	for _, t := range texts {
		if strings.TrimSpace(t.Text) == "" {
			continue
		}
		usable++
		entries = append(entries, a.analyzeBlock(t)...)
	}

	if usable == 0 {
		return domain.AnalysisResult{}, domain.NewAnalysisError(ErrNoText)
	}

	entries = a.dedupe(entries)

	res := domain.AnalysisResult{
		Companies:  make([]domain.Company, 0, len(entries)),
		BoothSizes: make([]domain.BoothSize, 0, len(entries)),
	}
	for _, e := range entries {
		if e.company != nil {
			res.Companies = append(res.Companies, *e.company)
		}
		res.BoothSizes = append(res.BoothSizes, e.booth)
	}

	return res, nil
}

// analyzeBlock applies the rules to one block. Each line is claimed by the
// first rule that matches it. Company lines are then resolved by priority:
// when any line of the block matched the company label rule, capitalized-line
// matches in the same block are ignored; among equal priority earlier lines
// come first. Every company line opens an entry running to the next one.
func (a *analyzer) analyzeBlock(t domain.ExtractedText) []entry {
	lines := splitLines(t.Text)
	matches := make([]lineMatch, len(lines))
	companyRule := domain.RuleCapitalizedLine
	for i, l := range lines {
		matches[i] = a.classify(l)
		if matches[i].rule == domain.RuleCompanyLabel {
			companyRule = domain.RuleCompanyLabel
		}
	}

	var starts []int
	for i, m := range matches {
		if m.rule == companyRule {
			starts = append(starts, i)
		}
	}

	base := domain.Signals{
		OCRConfidence:       t.Confidence,
		DetectionConfidence: t.Region.Confidence,
	}

	if len(starts) == 0 {
		var out []entry
		for _, m := range matches {
			if m.rule != domain.RuleBoothLabel {
				continue
			}
			out = append(out, entry{booth: a.boothFromMatch(m, t.Region.Index, base, "")})
		}
		return out
	}

	out := make([]entry, 0, len(starts))
	for k, s := range starts {
		from, to := s, len(lines)
		if k == 0 {
			from = 0
		}
		if k+1 < len(starts) {
			to = starts[k+1]
		}

		out = append(out, a.buildEntry(lines[from:to], matches[from:to], s-from, companyRule, t.Region.Index, base)...)
	}
	return out
}

// buildEntry returns the company entry first. Booth label lines beyond the
// first one cannot be tied to the company and follow as company-less booths.
func (a *analyzer) buildEntry(
	lines []string,
	matches []lineMatch,
	head int,
	companyRule domain.MatchRule,
	regionIndex int,
	base domain.Signals,
) []entry {
	cm := matches[head]

	company := &domain.Company{
		Name:        cm.company,
		Key:         foldKey(cm.company),
		BoothID:     cm.boothID,
		RegionIndex: regionIndex,
		Rule:        companyRule,
		Signals:     base,
	}
	company.Signals.RuleStrength = a.strength(companyRule)

	var booth *domain.BoothSize
	var extra []entry
	for _, m := range matches {
		if m.rule != domain.RuleBoothLabel {
			continue
		}
		if booth == nil {
			b := a.boothFromMatch(m, regionIndex, base, company.Name)
			booth = &b
			continue
		}
		extra = append(extra, entry{booth: a.boothFromMatch(m, regionIndex, base, "")})
	}

	if booth == nil {
		candidates := make([]*dimension, 0, 1)
		if cm.dim != nil {
			candidates = append(candidates, cm.dim)
		}
		for i, m := range matches {
			if i == head || m.rule == domain.RuleCompanyLabel || m.rule == domain.RuleBoothLabel {
				continue
			}
			if d := findDimension(lines[i]); d != nil {
				candidates = append(candidates, d)
			}
		}
		if len(candidates) > 0 {
			d := candidates[0]
			booth = &domain.BoothSize{
				Width:       d.width,
				Height:      d.height,
				Unit:        a.unit(d.unit),
				Company:     company.Name,
				RegionIndex: regionIndex,
				Rule:        domain.RuleDimensionOnly,
				Signals:     base,
			}
			booth.Signals.RuleStrength = a.cfg.DimensionStrength
		}
	}

	if booth == nil {
		booth = &domain.BoothSize{
			Width:       a.cfg.DefaultWidth,
			Height:      a.cfg.DefaultHeight,
			Unit:        a.cfg.DefaultUnit,
			Default:     true,
			Company:     company.Name,
			RegionIndex: regionIndex,
			Rule:        domain.RuleDefaultSize,
			Signals:     base,
		}
		booth.Signals.RuleStrength = a.cfg.BoothLabelStrength
		booth.Signals.Penalty = a.cfg.DefaultSizePenalty
	}

	if company.BoothID == "" {
		company.BoothID = booth.BoothID
	}
	if company.BoothID == "" {
		for _, l := range lines {
			if id := findBoothID(l); id != "" {
				company.BoothID = id
				break
			}
		}
	}
	booth.BoothID = company.BoothID

	return append([]entry{{company: company, booth: *booth}}, extra...)
}

func (a *analyzer) boothFromMatch(m lineMatch, regionIndex int, base domain.Signals, company string) domain.BoothSize {
	b := domain.BoothSize{
		Width:       m.dim.width,
		Height:      m.dim.height,
		Unit:        a.unit(m.dim.unit),
		Company:     company,
		BoothID:     m.boothID,
		RegionIndex: regionIndex,
		Rule:        domain.RuleBoothLabel,
		Signals:     base,
	}
	b.Signals.RuleStrength = a.cfg.BoothLabelStrength
	return b
}

// dedupe keeps one entry per case-folded company name: the one with the
// highest match confidence, earliest on ties, at the position of the first
// occurrence. Company-less booths are kept as they are.
func (a *analyzer) dedupe(entries []entry) []entry {
	seen := make(map[string]int, len(entries))
	out := make([]entry, 0, len(entries))

	for _, e := range entries {
		if e.company == nil {
			out = append(out, e)
			continue
		}

		idx, ok := seen[e.company.Key]
		if !ok {
			seen[e.company.Key] = len(out)
			out = append(out, e)
			continue
		}
		if e.company.Signals.MatchConfidence() > out[idx].company.Signals.MatchConfidence() {
			out[idx] = e
		}
	}

	return out
}

func (a *analyzer) strength(r domain.MatchRule) float64 {
	switch r {
	case domain.RuleCompanyLabel:
		return a.cfg.CompanyLabelStrength
	case domain.RuleBoothLabel:
		return a.cfg.BoothLabelStrength
	case domain.RuleCapitalizedLine:
		return a.cfg.CapitalizedStrength
	case domain.RuleDimensionOnly:
		return a.cfg.DimensionStrength
	}
	return 0
}

func (a *analyzer) unit(u string) string {
	if u == "" {
		return a.cfg.DefaultUnit
	}
	return u
}

// foldKey is the comparison form of a company name. A Caser keeps state, so
// a fresh one is used per call.
func foldKey(name string) string {
	return cases.Fold().String(name)
}

func splitLines(text string) []string {
	raw := strings.FieldsFunc(text, func(r rune) bool { return r == '\n' || r == '\r' })
	lines := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}
