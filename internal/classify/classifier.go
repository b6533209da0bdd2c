package classify

import (
	"math"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Relevance rule identifiers recorded on the Result.
const (
	RuleBessWithProcedure = "R1"
	RuleBessInTitle       = "R2"
	RuleAmbiguousGrid     = "R3"
)

// Result is the complete classifier verdict for one item. Classify is pure:
// equal inputs yield equal Results.
type Result struct {
	IsCandidate       bool
	Relevant          bool
	Rule              string
	ProcedureType     crawler.ProcedureType
	LegalBasis        string
	Components        string
	AmbiguityFlag     bool
	ReviewRecommended bool
	Confidence        float64
	EvidenceSnippets  []string
	MatchedTerms      map[string][]string
	BessScore         int
	GridScore         int
}

// r2CutoffDate: undated BESS titles pass rule R2, dated ones only from 2023
// on (the BESS planning wave Germany-wide starts there).
var r2CutoffDate = time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC)

const maxEvidenceSnippets = 6

// Patterns for procedure-type and legal-basis tagging. All tolerate the
// whitespace breaks PDF extraction introduces.
var (
	reParagraph3Abs1 = regexp.MustCompile(`§\s*3\s*(?:abs\.?\s*1|\(\s*1\s*\))`)
	reParagraph3Abs2 = regexp.MustCompile(`§\s*3\s*(?:abs\.?\s*2|\(\s*2\s*\))`)
	reParagraph34    = regexp.MustCompile(`§\s*3\s*4`)
	reParagraph35    = regexp.MustCompile(`§\s*3\s*5`)
	reParagraph36    = regexp.MustCompile(`§\s*3\s*6`)
	reSatzung        = regexp.MustCompile(`satzung`)
	rePrivilegiert   = regexp.MustCompile(`privilegiertes\s+vorhaben`)
)

type matchIndex struct {
	title map[string][]Match
	text  map[string][]Match
}

var latticeSets = []Set{
	BessExplicit, BessMedium, BessContainerGrid,
	PlanningStrong, PlanningSteps, PermitStrong,
	GridStrong, GridMedium, NegativeStorage,
	EnergyPV, EnergyWind, Zoning, ParcelTerms,
}

func buildMatchIndex(titleNorm, textNorm string) matchIndex {
	idx := matchIndex{
		title: make(map[string][]Match, len(latticeSets)),
		text:  make(map[string][]Match, len(latticeSets)),
	}
	for _, set := range latticeSets {
		if ms := FindMatches(titleNorm, set); len(ms) > 0 {
			idx.title[set.Name] = ms
		}
		if ms := FindMatches(textNorm, set); len(ms) > 0 {
			idx.text[set.Name] = ms
		}
	}
	return idx
}

func (m matchIndex) has(set Set) bool {
	return len(m.title[set.Name]) > 0 || len(m.text[set.Name]) > 0
}

func (m matchIndex) titleHas(set Set) bool {
	return len(m.title[set.Name]) > 0
}

func (m matchIndex) terms(set Set) []string {
	seen := make(map[string]bool)
	var out []string
	for _, ms := range [][]Match{m.title[set.Name], m.text[set.Name]} {
		for _, match := range ms {
			if !seen[match.Term] {
				seen[match.Term] = true
				out = append(out, match.Term)
			}
		}
	}
	return out
}

func (m matchIndex) matchedTerms() map[string][]string {
	out := make(map[string][]string)
	for _, set := range latticeSets {
		if terms := m.terms(set); len(terms) > 0 {
			out[set.Name] = terms
		}
	}
	return out
}

// Classify runs the deterministic relevance decision over raw text and
// title. The date is the published/session date when known. Tagging is
// source-independent; the discovery source only matters downstream, in
// IsValidProcedure.
func Classify(textRaw, title string, date *time.Time, _ crawler.SourceType) Result {
	textNorm, textOffsets := Normalize(textRaw)
	titleNorm, titleOffsets := Normalize(title)
	combined := titleNorm + " " + textNorm

	idx := buildMatchIndex(titleNorm, textNorm)
	res := Result{MatchedTerms: idx.matchedTerms()}

	// Candidate gate: without any storage signal the item is out, whatever
	// else it says.
	res.IsCandidate = idx.has(BessExplicit) || idx.has(BessMedium) || idx.has(BessContainerGrid)
	if !res.IsCandidate {
		res.LegalBasis = crawler.LegalBasisUnknown
		res.Components = crawler.ComponentsOther
		return res
	}

	hasProcedure := idx.has(PlanningSteps) || idx.has(PlanningStrong) || idx.has(PermitStrong)

	switch {
	case idx.has(BessExplicit) && hasProcedure:
		res.Relevant = true
		res.Rule = RuleBessWithProcedure
	case idx.titleHas(BessExplicit) && (date == nil || !date.Before(r2CutoffDate)):
		res.Relevant = true
		res.Rule = RuleBessInTitle
	case ruleAmbiguousGrid(combined, idx, hasProcedure):
		res.Relevant = true
		res.Rule = RuleAmbiguousGrid
		res.AmbiguityFlag = true
	}

	res.ProcedureType = tagProcedureType(combined, idx)
	if res.Relevant && res.ProcedureType == crawler.ProcUnknown {
		res.ReviewRecommended = true
	}
	res.LegalBasis = tagLegalBasis(combined)
	res.Components = tagComponents(idx)
	res.Confidence = confidence(idx, res.AmbiguityFlag, date)
	res.EvidenceSnippets = evidence(textRaw, textOffsets, title, titleOffsets, idx)
	res.GridScore = gridScore(combined)
	res.BessScore = bessScore(res.Confidence, idx)
	return res
}

// ruleAmbiguousGrid is R3: a generic "speicher" mention plus at least two
// distinct container/grid terms plus a procedure term, with no negative
// storage term in sight. High recall for grid-scale storage hiding behind
// vague wording; always flagged ambiguous.
func ruleAmbiguousGrid(combined string, idx matchIndex, hasProcedure bool) bool {
	if !strings.Contains(combined, "speicher") {
		return false
	}
	if !hasProcedure {
		return false
	}
	if idx.has(NegativeStorage) {
		return false
	}
	distinct := make(map[string]bool)
	for _, set := range []Set{BessContainerGrid, GridStrong, GridMedium} {
		for _, term := range idx.terms(set) {
			distinct[term] = true
		}
	}
	return len(distinct) >= 2
}

func tagProcedureType(combined string, idx matchIndex) crawler.ProcedureType {
	switch {
	case strings.Contains(combined, "aufstellungsbeschluss"):
		return crawler.ProcBplanAufstellung
	case strings.Contains(combined, "fruehzeitige beteiligung") || reParagraph3Abs1.MatchString(combined):
		return crawler.ProcBplanFruehzeitig31
	case strings.Contains(combined, "oeffentliche auslegung") ||
		strings.Contains(combined, "auslegungsbeschluss") ||
		reParagraph3Abs2.MatchString(combined):
		return crawler.ProcBplanAuslegung32
	case strings.Contains(combined, "satzungsbeschluss") || reSatzung.MatchString(combined):
		return crawler.ProcBplanSatzung
	case idx.has(PlanningStrong):
		return crawler.ProcBplanOther
	case strings.Contains(combined, "bauvorbescheid") ||
		strings.Contains(combined, "bauvoranfrage") ||
		strings.Contains(combined, "bauvorantrag"):
		return crawler.ProcPermitBauvorbescheid
	case strings.Contains(combined, "baugenehmigung"):
		return crawler.ProcPermitBaugenehmigung
	case strings.Contains(combined, "einvernehmen") && reParagraph36.MatchString(combined),
		strings.Contains(combined, "standortgemeinde"):
		return crawler.ProcPermit36Einvernehmen
	case idx.has(PermitStrong):
		return crawler.ProcPermitOther
	default:
		return crawler.ProcUnknown
	}
}

func tagLegalBasis(combined string) string {
	switch {
	case reParagraph35.MatchString(combined) ||
		strings.Contains(combined, "aussenbereich") ||
		rePrivilegiert.MatchString(combined):
		return crawler.LegalBasis35
	case reParagraph34.MatchString(combined) || strings.Contains(combined, "innenbereich"):
		return crawler.LegalBasis34
	case reParagraph36.MatchString(combined) || strings.Contains(combined, "einvernehmen"):
		return crawler.LegalBasis36
	default:
		return crawler.LegalBasisUnknown
	}
}

func tagComponents(idx matchIndex) string {
	bess := idx.has(BessExplicit) || idx.has(BessMedium) || idx.has(BessContainerGrid)
	switch {
	case bess && idx.has(EnergyPV):
		return crawler.ComponentsPVBESS
	case bess && idx.has(EnergyWind):
		return crawler.ComponentsWindBESS
	case bess:
		return crawler.ComponentsBESSOnly
	default:
		return crawler.ComponentsOther
	}
}

func confidence(idx matchIndex, ambiguity bool, date *time.Time) float64 {
	score := 0.0
	if idx.has(BessExplicit) {
		score += 0.55
	}
	if idx.has(PlanningSteps) || idx.has(PermitStrong) {
		score += 0.25
	}
	if idx.has(GridStrong) {
		score += 0.10
	}
	if idx.has(NegativeStorage) && !idx.has(BessExplicit) {
		score -= 0.60
	}
	if ambiguity {
		score -= 0.25
	}
	if date == nil {
		score -= 0.15
	}
	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

// evidenceSets are the strong sets whose matches justify human review.
var evidenceSets = []Set{BessExplicit, PlanningSteps, PermitStrong, GridStrong}

func evidence(textRaw string, textOffsets []int, titleRaw string, titleOffsets []int, idx matchIndex) []string {
	type hit struct {
		fromTitle bool
		pos       int
		snippet   string
	}
	var hits []hit
	seenTerm := make(map[string]bool)

	for _, set := range evidenceSets {
		for _, m := range idx.text[set.Name] {
			if seenTerm[m.Term] {
				continue
			}
			seenTerm[m.Term] = true
			if s := snippetAt(textRaw, textOffsets, m.Start, m.Length); s != "" {
				hits = append(hits, hit{pos: m.Start, snippet: s})
			}
		}
		for _, m := range idx.title[set.Name] {
			if seenTerm[m.Term] {
				continue
			}
			seenTerm[m.Term] = true
			if s := snippetAt(titleRaw, titleOffsets, m.Start, m.Length); s != "" {
				hits = append(hits, hit{fromTitle: true, pos: m.Start, snippet: s})
			}
		}
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].fromTitle != hits[j].fromTitle {
			return hits[i].fromTitle
		}
		return hits[i].pos < hits[j].pos
	})

	var out []string
	seenSnippet := make(map[string]bool)
	for _, h := range hits {
		if seenSnippet[h.snippet] {
			continue
		}
		seenSnippet[h.snippet] = true
		out = append(out, h.snippet)
		if len(out) == maxEvidenceSnippets {
			break
		}
	}
	return out
}

func gridScore(combined string) int {
	score := 0
	sawUmspannwerk := false
	for _, entry := range gridScoreWeights {
		if entry.kw.re.MatchString(combined) {
			score += entry.weight
			if entry.kw.Term == "umspannwerk" {
				sawUmspannwerk = true
			}
		}
	}
	if sawUmspannwerk {
		for _, v := range voltageLevels {
			if v.re.MatchString(combined) {
				score += 10
				break
			}
		}
	}
	if score > 100 {
		score = 100
	}
	return score
}

func bessScore(conf float64, idx matchIndex) int {
	score := int(math.Round(conf * 50))
	if idx.has(BessExplicit) {
		score += 20
	}
	if idx.has(GridStrong) {
		score += 15
	}
	if score > 100 {
		score = 100
	}
	return score
}
