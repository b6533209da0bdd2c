package classify

import (
	"strings"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// containerTitleMarkers flag titles that name a wrapper publication rather
// than a procedure (gazette issues, bulletin front pages).
var containerTitleMarkers = []string{
	"amtsblatt nr",
	"amtsblatt der",
	"sonderamtsblatt",
	"bekanntmachungsblatt",
	"mitteilungsblatt",
	"bekanntmachung der stadt",
	"bekanntmachung der gemeinde",
}

// PrefilterScore scores a candidate on title and URL alone, before any
// content is fetched. Cheap by construction: discovery calls this for every
// enumerated item.
func PrefilterScore(title, rawURL string) float64 {
	titleNorm, _ := Normalize(title)
	urlNorm, _ := Normalize(rawURL)

	score := 0.0
	if MatchesAny(titleNorm, BessExplicit) {
		score += 0.6
	}
	if hasProcedureTerm(titleNorm) {
		score += 0.3
	}
	if hasProcedureTerm(urlNorm) {
		score += 0.2
	}
	if looksLikeContainerTitle(titleNorm) {
		score -= 0.7
	}

	if score < 0 {
		return 0
	}
	if score > 1 {
		return 1
	}
	return score
}

func hasProcedureTerm(norm string) bool {
	return MatchesAny(norm, PlanningStrong) ||
		MatchesAny(norm, PlanningSteps) ||
		MatchesAny(norm, PermitStrong)
}

func looksLikeContainerTitle(titleNorm string) bool {
	for _, marker := range containerTitleMarkers {
		if strings.Contains(titleNorm, marker) {
			return true
		}
	}
	return false
}

// ExtractionThreshold returns the minimum prefilter score a candidate from
// the given source must reach before an extraction job is enqueued. RIS
// titles are terse and high-precision, so the bar is lower; municipal
// websites are noisy, so the bar is higher.
func ExtractionThreshold(source crawler.SourceType, mode crawler.RunMode) float64 {
	deep := mode == crawler.ModeDeep
	switch source {
	case crawler.SourceRIS:
		if deep {
			return 0.20
		}
		return 0.35
	case crawler.SourceAmtsblatt:
		if deep {
			return 0.30
		}
		return 0.50
	case crawler.SourceMunicipal:
		if deep {
			return 0.50
		}
		return 0.60
	default:
		if deep {
			return 0.30
		}
		return 0.60
	}
}
