package resolve

import (
	"regexp"
	"sort"
	"strings"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Signature is the comparable fingerprint of one procedure, used by the
// matching ladder.
type Signature struct {
	PlanToken     string
	ParcelToken   string
	DeveloperNorm string
	TitleSig      []string
}

var reLegalForm = regexp.MustCompile(`\b(gmbh\s*&\s*co\.?\s*kg|gmbh|ag|ug|kg)\b`)

var reNonAlnum = regexp.MustCompile(`[^a-z0-9äöüß ]+`)

var reTitleToken = regexp.MustCompile(`[a-z0-9]+`)

// titleStopwords drops procedural boilerplate so that different steps of
// the same plan still share a title signature.
var titleStopwords = map[string]bool{
	"aufstellung":       true,
	"auslegung":         true,
	"beschluss":         true,
	"bekanntmachung":    true,
	"oeffentliche":      true,
	"oeffentlichen":     true,
	"fruehzeitige":      true,
	"beteiligung":       true,
	"satzung":           true,
	"satzungsbeschluss": true,
	"bebauungsplan":     true,
	"bebauungsplans":    true,
	"bebauungsplanes":   true,
	"gemeinde":          true,
	"stadt":             true,
	"ortsteil":          true,
	"ueber":             true,
	"eines":             true,
	"einer":             true,
	"nach":              true,
	"baugb":             true,
	"vorhabenbezogene":  true,
	"vorhabenbezogenen": true,
}

// BuildSignature derives the matching fingerprint from an already
// classified procedure.
func BuildSignature(p crawler.Procedure) Signature {
	return Signature{
		PlanToken:     p.PlanToken,
		ParcelToken:   p.ParcelToken,
		DeveloperNorm: NormalizeDeveloper(p.Developer),
		TitleSig:      TitleSignature(p.TitleNorm),
	}
}

// NormalizeDeveloper strips corporate legal forms and punctuation so that
// "Energiepark Süd GmbH & Co. KG" and "energiepark süd" compare equal.
func NormalizeDeveloper(name string) string {
	lower := strings.ToLower(strings.TrimSpace(name))
	if lower == "" {
		return ""
	}
	lower = reLegalForm.ReplaceAllString(lower, " ")
	lower = reNonAlnum.ReplaceAllString(lower, " ")
	return strings.Join(strings.Fields(lower), " ")
}

// TitleSignature reduces a normalized title to its sorted distinctive
// tokens: length >= 4, stopwords removed, duplicates dropped.
func TitleSignature(titleNorm string) []string {
	seen := make(map[string]bool)
	var sig []string
	for _, token := range reTitleToken.FindAllString(strings.ToLower(titleNorm), -1) {
		if len(token) < 4 || titleStopwords[token] || seen[token] {
			continue
		}
		seen[token] = true
		sig = append(sig, token)
	}
	sort.Strings(sig)
	return sig
}

// jaccard over two sorted token sets; empty sets never match.
func jaccard(a, b []string) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	set := make(map[string]bool, len(a))
	for _, t := range a {
		set[t] = true
	}
	intersection := 0
	for _, t := range b {
		if set[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
