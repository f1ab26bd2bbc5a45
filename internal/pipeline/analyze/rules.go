package analyze

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/you-humble/boothscan/internal/domain"
)

// dimension is a parsed "W x H [unit]" occurrence inside a line.
type dimension struct {
	width, height float64
	unit          string
	start, end    int
}

// lineMatch is the outcome of classifying one line. rule is empty when no
// rule matched.
type lineMatch struct {
	rule    domain.MatchRule
	company string
	boothID string
	dim     *dimension
}

// rule is a pure matcher; rules are evaluated in slice order and the first
// match claims the line.
type rule struct {
	name  domain.MatchRule
	match func(line string) (lineMatch, bool)
}

var (
	dimensionRe = regexp.MustCompile(
		`(?i)(\d+(?:\.\d+)?)\s*(?:ft|feet|m|['′])?\s*[x×*]\s*(\d+(?:\.\d+)?)\s*` +
			`(?:(sq\.?\s*ft|sq\.?\s*m|square\s+feet|square\s+meters?|feet|ft|meters?|metres?|m)\b|(['′]))?`)

	companyLabelRe = regexp.MustCompile(`(?i)^\s*(?:company|exhibitor)(?:\s+name)?\s*[:\-–]\s*(.+?)\s*$`)
	boothLabelRe   = regexp.MustCompile(`(?i)^\s*(?:booth|space|stand)\b\s*(?:no\.?|#)?\s*[:\-–]?\s*(.*)$`)
	capitalizedRe  = regexp.MustCompile(
		`^([A-Z][A-Za-z0-9&.,'’\- ]*[A-Za-z0-9.&])\s*(?:\((?i:booth|space|stand)\s*#?\s*([A-Za-z0-9-]+)\s*\))?$`)

	boothIDRe     = regexp.MustCompile(`(?i)\b(?:booth|space|stand)\s*(?:no\.?|#)?\s*:?\s*([A-Z]{0,2}-?\d{1,4}[A-Z]?)\b`)
	hashIDRe      = regexp.MustCompile(`#\s*([A-Za-z]{0,2}\d{1,4}[A-Za-z]?)\b`)
	leadingIDRe   = regexp.MustCompile(`(?i)^#?\s*([A-Z0-9][A-Z0-9-]{0,7})$`)
	letterRunRe   = regexp.MustCompile(`[A-Za-z]{2,}`)
	hasLetterRe   = regexp.MustCompile(`[A-Za-z]`)
	headingPrefix = map[string]bool{
		"booth": true, "space": true, "stand": true, "hall": true,
		"floor": true, "entrance": true, "exit": true, "aisle": true,
		"restroom": true, "restrooms": true, "lobby": true, "legend": true,
		"registration": true, "map": true,
	}
)

func (a *analyzer) rules() []rule {
	return []rule{
		{name: domain.RuleCompanyLabel, match: matchCompanyLabel},
		{name: domain.RuleBoothLabel, match: matchBoothLabel},
		{name: domain.RuleCapitalizedLine, match: matchCapitalizedLine},
	}
}

func (a *analyzer) classify(line string) lineMatch {
	for _, r := range a.ruleSet {
		if m, ok := r.match(line); ok {
			m.rule = r.name
			return m
		}
	}
	return lineMatch{}
}

func matchCompanyLabel(line string) (lineMatch, bool) {
	sub := companyLabelRe.FindStringSubmatch(line)
	if sub == nil {
		return lineMatch{}, false
	}

	name := sub[1]
	m := lineMatch{}
	if d := findDimension(name); d != nil {
		m.dim = d
		name = name[:d.start]
	}
	if suffix := capitalizedRe.FindStringSubmatch(strings.TrimSpace(name)); suffix != nil && suffix[2] != "" {
		name, m.boothID = suffix[1], strings.ToUpper(suffix[2])
	}

	m.company = normalizeName(name)
	if !validName(m.company) {
		return lineMatch{}, false
	}
	return m, true
}

func matchBoothLabel(line string) (lineMatch, bool) {
	sub := boothLabelRe.FindStringSubmatch(line)
	if sub == nil {
		return lineMatch{}, false
	}

	rest := sub[1]
	d := findDimension(rest)
	if d == nil {
		return lineMatch{}, false
	}

	m := lineMatch{dim: d}
	lead := strings.Trim(rest[:d.start], " \t,;:-–(")
	if id := leadingIDRe.FindStringSubmatch(lead); id != nil {
		m.boothID = strings.ToUpper(id[1])
	}
	return m, true
}

func matchCapitalizedLine(line string) (lineMatch, bool) {
	line = strings.TrimSpace(line)
	if strings.Contains(line, ":") || findDimension(line) != nil {
		return lineMatch{}, false
	}

	sub := capitalizedRe.FindStringSubmatch(line)
	if sub == nil {
		return lineMatch{}, false
	}

	name := normalizeName(sub[1])
	if !validName(name) || !letterRunRe.MatchString(name) {
		return lineMatch{}, false
	}
	first := strings.ToLower(strings.Fields(name)[0])
	if headingPrefix[first] {
		return lineMatch{}, false
	}

	return lineMatch{company: name, boothID: strings.ToUpper(sub[2])}, true
}

func findDimension(s string) *dimension {
	loc := dimensionRe.FindStringSubmatchIndex(s)
	if loc == nil {
		return nil
	}

	w, err := strconv.ParseFloat(s[loc[2]:loc[3]], 64)
	if err != nil {
		return nil
	}
	h, err := strconv.ParseFloat(s[loc[4]:loc[5]], 64)
	if err != nil {
		return nil
	}
	if w <= 0 || h <= 0 {
		return nil
	}

	unit := ""
	if loc[6] >= 0 {
		unit = s[loc[6]:loc[7]]
	} else if loc[8] >= 0 {
		unit = s[loc[8]:loc[9]]
	}

	return &dimension{
		width:  w,
		height: h,
		unit:   normalizeUnit(unit),
		start:  loc[0],
		end:    loc[1],
	}
}

func normalizeUnit(u string) string {
	u = strings.ToLower(strings.TrimSpace(u))
	switch {
	case u == "":
		return ""
	case u == "'" || u == "′" || strings.Contains(u, "ft") || strings.Contains(u, "feet"):
		return "ft"
	default:
		return "m"
	}
}

// findBoothID looks for an identifier outside any dimension span.
func findBoothID(line string) string {
	if d := findDimension(line); d != nil {
		line = line[:d.start] + " " + line[d.end:]
	}
	if sub := boothIDRe.FindStringSubmatch(line); sub != nil {
		return strings.ToUpper(sub[1])
	}
	if sub := hashIDRe.FindStringSubmatch(line); sub != nil {
		return strings.ToUpper(sub[1])
	}
	return ""
}

func normalizeName(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	return strings.TrimRight(s, " ,.;:-–")
}

func validName(s string) bool {
	return len([]rune(s)) >= 3 && hasLetterRe.MatchString(s)
}
