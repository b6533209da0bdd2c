package resolve

import (
	"context"
	"fmt"
	"time"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// legalBasisRank orders rollup precedence: outdoor-area planning beats
// infill beats municipal consent.
var legalBasisRank = map[string]int{
	crawler.LegalBasis35:      3,
	crawler.LegalBasis34:      2,
	crawler.LegalBasis36:      1,
	crawler.LegalBasisUnknown: 0,
}

// Recompute rebuilds a project's rollup fields from its full linked set.
// It is a pure function of that set: rerunning it yields the same row.
func (r *Resolver) Recompute(ctx context.Context, project crawler.Project) (crawler.Project, error) {
	procs, err := r.dir.LinkedProcedures(ctx, project.ID)
	if err != nil {
		return crawler.Project{}, fmt.Errorf("resolve: recompute %s: %w", project.ID, err)
	}
	if len(procs) == 0 {
		return project, nil
	}
	out := Rollup(project, procs)
	out.UpdatedAt = r.clock.Now().UTC()
	return out, nil
}

// Rollup derives the aggregate fields from the linked procedures. The
// input project contributes only identity and CreatedAt.
func Rollup(project crawler.Project, procs []crawler.Procedure) crawler.Project {
	out := crawler.Project{
		ID:              project.ID,
		MunicipalityKey: project.MunicipalityKey,
		LegalBasis:      crawler.LegalBasisUnknown,
		Maturity:        crawler.MaturityDiscovered,
		CreatedAt:       project.CreatedAt,
		UpdatedAt:       project.UpdatedAt,
	}

	planTokens := make(map[string]int)
	planNewest := make(map[string]time.Time)
	developers := make(map[string]int)
	var longestTitle, longestLocation, parcel string

	for i, p := range procs {
		seen := seenAt(p)
		if i == 0 {
			out.FirstSeen, out.LastSeen = seen, seen
		} else {
			if seen.Before(out.FirstSeen) {
				out.FirstSeen = seen
			}
			if seen.After(out.LastSeen) {
				out.LastSeen = seen
			}
		}

		if m := crawler.MaturityForProcedure(p.ProcedureType); m.Rank() > out.Maturity.Rank() {
			out.Maturity = m
		}
		if legalBasisRank[p.LegalBasis] > legalBasisRank[out.LegalBasis] {
			out.LegalBasis = p.LegalBasis
		}

		if p.PlanToken != "" {
			planTokens[p.PlanToken]++
			if seen.After(planNewest[p.PlanToken]) {
				planNewest[p.PlanToken] = seen
			}
		}
		if p.Relevant && len(p.TitleNorm) > len(longestTitle) {
			longestTitle = p.TitleNorm
		}
		if p.ParcelToken != "" && parcel == "" {
			parcel = p.ParcelToken
		}
		if len(p.LocationText) > len(longestLocation) {
			longestLocation = p.LocationText
		}
		if p.Developer != "" {
			developers[p.Developer]++
		}

		out.CapacityMW = maxFloat(out.CapacityMW, p.CapacityMW)
		out.CapacityMWh = maxFloat(out.CapacityMWh, p.CapacityMWh)
		out.AreaHA = maxFloat(out.AreaHA, p.AreaHA)
		if p.Confidence > out.MaxConfidence {
			out.MaxConfidence = p.Confidence
		}
		out.NeedsReview = out.NeedsReview || p.ReviewNeeded || p.AmbiguityFlag
	}

	out.CanonicalName = mostFrequent(planTokens, planNewest)
	if out.CanonicalName == "" {
		out.CanonicalName = longestTitle
	}
	out.SiteLocation = parcel
	if out.SiteLocation == "" {
		out.SiteLocation = longestLocation
	}
	out.Developer = mostFrequent(developers, nil)
	out.ProcedureCount = len(procs)
	return out
}

// mostFrequent picks the highest-count key; ties go to the newest when
// recency is known, else to the lexically smaller key for determinism.
func mostFrequent(counts map[string]int, newest map[string]time.Time) string {
	best := ""
	for key, count := range counts {
		if best == "" {
			best = key
			continue
		}
		switch {
		case count > counts[best]:
			best = key
		case count == counts[best]:
			if newest != nil {
				if newest[key].After(newest[best]) {
					best = key
				}
			} else if key < best {
				best = key
			}
		}
	}
	return best
}

func maxFloat(a, b *float64) *float64 {
	if b == nil {
		return a
	}
	if a == nil || *b > *a {
		v := *b
		return &v
	}
	return a
}
