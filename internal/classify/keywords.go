package classify

import (
	"regexp"
	"strings"
)

// Keyword is one frozen lattice term compiled for whitespace-tolerant
// matching: a single optional whitespace may appear between any two adjacent
// characters of the term (PDF extraction breaks words across lines), and a
// literal space inside a multi-word term matches any whitespace run. The
// pattern never bridges words the term does not contain.
type Keyword struct {
	Term string
	re   *regexp.Regexp
}

// Set groups keywords under the lattice name reported in MatchedTerms.
type Set struct {
	Name     string
	Keywords []Keyword
}

// Match reports the earliest occurrence of a keyword in a normalized string.
type Match struct {
	Term   string
	Start  int
	Length int
}

func compileKeyword(term string, wholeWord bool) Keyword {
	var b strings.Builder
	if wholeWord {
		b.WriteString(`\b`)
	}
	prevChar := false
	for _, r := range term {
		if r == ' ' {
			b.WriteString(`\s+`)
			prevChar = false
			continue
		}
		if prevChar {
			b.WriteString(`\s?`)
		}
		b.WriteString(regexp.QuoteMeta(string(r)))
		prevChar = true
	}
	if wholeWord {
		b.WriteString(`\b`)
	}
	return Keyword{Term: term, re: regexp.MustCompile(b.String())}
}

// wholeWordTerms are short terms that would otherwise match inside unrelated
// German compounds ("bess" in "besser", "wind" in "geschwindigkeit").
var wholeWordTerms = map[string]bool{
	"bess": true,
	"pv":   true,
	"wind": true,
	"fnp":  true,
	"vbp":  true,
}

func newSet(name string, terms ...string) Set {
	kws := make([]Keyword, 0, len(terms))
	for _, t := range terms {
		kws = append(kws, compileKeyword(t, wholeWordTerms[t]))
	}
	return Set{Name: name, Keywords: kws}
}

// The keyword lattice. These sets are the only ground truth for relevance;
// terms are stored in normalized form (lowercase, umlauts folded).
var (
	BessExplicit = newSet("BESS_EXPLICIT",
		"batteriespeicher", "energiespeicher", "stromspeicher",
		"battery energy storage", "bess", "grossspeicher",
		"grossbatteriespeicher",
	)

	// BessMedium terms signal storage but also appear in non-battery
	// contexts; they gate candidacy and feed rule R3, never R1/R2.
	BessMedium = newSet("BESS_MEDIUM",
		"speicheranlage", "speicherpark", "speicherkraftwerk",
	)

	BessContainerGrid = newSet("BESS_CONTAINER_GRID",
		"containeranlage", "anlage zur energiespeicherung",
		"lithium", "li-ion", "lithium-ionen",
	)

	PlanningStrong = newSet("PLANNING_STRONG",
		"bebauungsplan", "b-plan", "bplan", "bauleitplanung",
		"vorhabenbezogener bebauungsplan", "vbp",
		"flaechennutzungsplan", "fnp",
	)

	PlanningSteps = newSet("PLANNING_STEPS",
		"aufstellungsbeschluss", "fruehzeitige beteiligung",
		"oeffentliche auslegung", "auslegungsbeschluss",
		"satzungsbeschluss", "abwaegung", "billigung des entwurfs",
	)

	PermitStrong = newSet("PERMIT_STRONG",
		"bauvorbescheid", "bauvoranfrage", "bauvorantrag",
		"baugenehmigung", "bauantrag", "kenntnisnahme",
		"antrag auf errichtung", "standortgemeinde", "einvernehmen",
	)

	GridStrong = newSet("GRID_STRONG",
		"umspannwerk", "110 kv", "220 kv", "380 kv",
		"hoechstspannung", "hochspannung",
	)

	GridMedium = newSet("GRID_MEDIUM",
		"mittelspannung", "20 kv", "30 kv", "schaltanlage",
		"trafostation", "netzanschluss", "netzverknuepfungspunkt",
	)

	NegativeStorage = newSet("NEGATIVE_STORAGE",
		"waermespeicher", "wasserspeicher", "datenspeicher",
		"gasspeicher", "pufferspeicher", "eisspeicher",
		"fernwaermespeicher", "regenrueckhaltebecken", "loeschwasser",
	)

	EnergyPV = newSet("ENERGY_PV",
		"pv", "photovoltaik", "solarpark", "solaranlage", "freiflaechenanlage",
	)

	EnergyWind = newSet("ENERGY_WIND",
		"wind", "windenergie", "windkraft",
	)

	Zoning = newSet("ZONING",
		"sondergebiet", "gewerbegebiet", "industriegebiet",
		"aussenbereich", "innenbereich",
	)

	ParcelTerms = newSet("PARCEL",
		"gemarkung", "flur", "flurstueck",
	)
)

// gridScoreWeights drives the supplemental grid proximity score. Separate
// from the relevance sets so scoring terms never influence relevance.
var gridScoreWeights = []struct {
	kw     Keyword
	weight int
}{
	{compileKeyword("umspannwerk", false), 5},
	{compileKeyword("110 kv", false), 5},
	{compileKeyword("220 kv", false), 5},
	{compileKeyword("380 kv", false), 5},
	{compileKeyword("400 kv", false), 5},
	{compileKeyword("hochspannung", false), 4},
	{compileKeyword("hoechstspannung", false), 4},
	{compileKeyword("mittelspannung", false), 3},
	{compileKeyword("20 kv", false), 3},
	{compileKeyword("30 kv", false), 3},
	{compileKeyword("10 kv", false), 2},
	{compileKeyword("schaltanlage", false), 2},
	{compileKeyword("netzverknuepfungspunkt", false), 2},
	{compileKeyword("netzanschluss", false), 2},
	{compileKeyword("trafostation", false), 1},
	{compileKeyword("trafo", false), 1},
	{compileKeyword("einspeisepunkt", false), 1},
	{compileKeyword("einspeisung", false), 1},
	{compileKeyword("stromnetz", false), 1},
}

var voltageLevels = []Keyword{
	compileKeyword("110 kv", false),
	compileKeyword("220 kv", false),
	compileKeyword("380 kv", false),
	compileKeyword("400 kv", false),
}

// FindMatches returns the earliest occurrence of each keyword of the set
// that appears in norm. The result preserves the set's term order.
func FindMatches(norm string, set Set) []Match {
	var out []Match
	for _, kw := range set.Keywords {
		loc := kw.re.FindStringIndex(norm)
		if loc == nil {
			continue
		}
		out = append(out, Match{Term: kw.Term, Start: loc[0], Length: loc[1] - loc[0]})
	}
	return out
}

// MatchesAny reports whether any keyword of the set occurs in norm.
func MatchesAny(norm string, set Set) bool {
	for _, kw := range set.Keywords {
		if kw.re.MatchString(norm) {
			return true
		}
	}
	return false
}
