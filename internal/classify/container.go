package classify

import (
	"regexp"
	"strings"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Skip reason codes. These appear verbatim in audit records and log lines;
// do not reword them.
const (
	SkipContainer             = "SKIP_CONTAINER"
	SkipNoProcedureSignal     = "SKIP_NO_PROCEDURE_SIGNAL"
	SkipLowConfidenceNoSignal = "SKIP_LOW_CONFIDENCE_NO_SIGNAL"
)

// containerKeywords mark wrapper publications: gazette issues, bulletin
// volumes, generic announcement pages. An item carrying one of these and no
// procedure keyword is a container, not a procedure.
var containerKeywords = []string{
	"amtsblatt", "sonderamtsblatt", "bekanntmachungsblatt",
	"bekanntmachung", "veroeffentlichung", "ausgabe",
	"nummer", "nr.", "jahrgang",
}

// privilegedRISTerms let terse RIS agenda items through even when no
// procedure type could be tagged. Council agendas abbreviate heavily.
var privilegedRISTerms = []string{
	"einvernehmen", "stellungnahme", "bauantrag", "bauvoranfrage",
	"vorhaben", "kenntnisnahme", "antrag auf errichtung",
}

var reParagraphAny = regexp.MustCompile(`§\s*\d`)

// IsValidProcedure decides whether a classified candidate names an actual
// procedure or a wrapper around many. titleNorm must already be normalized;
// rawURL and extractedText are raw. The second return value is the skip
// reason when the item is rejected.
func IsValidProcedure(titleNorm, rawURL string, source crawler.SourceType, res Result, extractedText string) (bool, string) {
	urlNorm, _ := Normalize(rawURL)
	textNorm, _ := Normalize(extractedText)

	if isContainer(titleNorm, urlNorm) {
		if hasProcedureSignal(titleNorm) || hasProcedureSignal(textNorm) {
			return true, ""
		}
		return false, SkipContainer
	}

	bessSignal := res.IsCandidate ||
		MatchesAny(textNorm, BessExplicit) || MatchesAny(textNorm, BessMedium)
	gridStorage := strings.Contains(titleNorm+" "+textNorm, "speicher") &&
		(MatchesAny(textNorm, GridStrong) || MatchesAny(textNorm, GridMedium) ||
			MatchesAny(titleNorm, GridStrong) || MatchesAny(titleNorm, GridMedium))
	if bessSignal || gridStorage {
		return true, ""
	}

	if source == crawler.SourceRIS {
		for _, term := range privilegedRISTerms {
			if strings.Contains(titleNorm, term) || strings.Contains(textNorm, term) {
				return true, ""
			}
		}
	}

	if hasProcedureSignal(titleNorm) || hasProcedureSignal(textNorm) {
		return true, ""
	}
	return false, SkipNoProcedureSignal
}

// HasPrivilegedRISTerm reports whether a normalized RIS title carries one of
// the agenda terms that justify following the item for attachments even when
// no procedure type could be tagged.
func HasPrivilegedRISTerm(norm string) bool {
	for _, term := range privilegedRISTerms {
		if strings.Contains(norm, term) {
			return true
		}
	}
	return false
}

func isContainer(titleNorm, urlNorm string) bool {
	marked := false
	for _, kw := range containerKeywords {
		if strings.Contains(titleNorm, kw) || strings.Contains(urlNorm, kw) {
			marked = true
			break
		}
	}
	if !marked {
		return false
	}
	return !hasProcedureSignal(titleNorm) && !hasProcedureSignal(urlNorm)
}

func hasProcedureSignal(norm string) bool {
	if norm == "" {
		return false
	}
	return MatchesAny(norm, PlanningStrong) ||
		MatchesAny(norm, PlanningSteps) ||
		MatchesAny(norm, PermitStrong) ||
		strings.Contains(norm, "stellungnahme") ||
		reParagraphAny.MatchString(norm)
}
