package resolve

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Match-type confidences. These are properties of the match ladder, not of
// the classifier.
const (
	confParcel     = 0.95
	confPlan       = 0.90
	confDevTitle   = 0.80
	confTitleSig   = 0.70
	confNewProject = 1.0
	confPermit36   = 0.85

	devTitleJaccardMin = 0.6
	titleSigJaccardMin = 0.8
)

// Directory is the narrow read surface the resolver needs from the store.
type Directory interface {
	ProjectsByMunicipality(ctx context.Context, municipalityKey string) ([]crawler.Project, error)
	LinkedProcedures(ctx context.Context, projectID string) ([]crawler.Procedure, error)
}

// Resolver links classified procedures to projects within one
// municipality.
type Resolver struct {
	dir    Directory
	ids    crawler.IDGenerator
	clock  crawler.Clock
	logger *zap.Logger
}

// New builds a Resolver.
func New(dir Directory, ids crawler.IDGenerator, clock crawler.Clock, logger *zap.Logger) *Resolver {
	return &Resolver{dir: dir, ids: ids, clock: clock, logger: logger}
}

type matchTier struct {
	matchType  string
	confidence float64
	matches    func(a, b Signature) bool
}

var matchLadder = []matchTier{
	{crawler.MatchParcel, confParcel, func(a, b Signature) bool {
		return a.ParcelToken != "" && a.ParcelToken == b.ParcelToken
	}},
	{crawler.MatchPlan, confPlan, func(a, b Signature) bool {
		return a.PlanToken != "" && a.PlanToken == b.PlanToken
	}},
	{crawler.MatchDevTitle, confDevTitle, func(a, b Signature) bool {
		return a.DeveloperNorm != "" && a.DeveloperNorm == b.DeveloperNorm &&
			jaccard(a.TitleSig, b.TitleSig) >= devTitleJaccardMin
	}},
	{crawler.MatchTitleSig, confTitleSig, func(a, b Signature) bool {
		return jaccard(a.TitleSig, b.TitleSig) >= titleSigJaccardMin
	}},
}

// Resolve finds the project a procedure belongs to, or creates one. The
// returned Project is non-nil only on creation; the link always refers to
// the decided project.
//
// §36 consents short-circuit: without a parcel or plan match they always
// open a new project and never fall through to the fuzzy tiers, because a
// municipal consent names a specific site even when titles look alike.
func (r *Resolver) Resolve(ctx context.Context, p crawler.Procedure) (crawler.ProjectLink, *crawler.Project, error) {
	sig := BuildSignature(p)

	projects, err := r.dir.ProjectsByMunicipality(ctx, p.MunicipalityKey)
	if err != nil {
		return crawler.ProjectLink{}, nil, fmt.Errorf("resolve: list projects for %s: %w", p.MunicipalityKey, err)
	}

	ladder := matchLadder
	if p.ProcedureType == crawler.ProcPermit36Einvernehmen {
		ladder = matchLadder[:2]
	}

	// Signatures of linked procedures, loaded lazily per project.
	sigCache := make(map[string][]Signature, len(projects))
	signaturesFor := func(projectID string) ([]Signature, error) {
		if sigs, ok := sigCache[projectID]; ok {
			return sigs, nil
		}
		procs, err := r.dir.LinkedProcedures(ctx, projectID)
		if err != nil {
			return nil, fmt.Errorf("resolve: linked procedures of %s: %w", projectID, err)
		}
		sigs := make([]Signature, 0, len(procs))
		for _, proc := range procs {
			sigs = append(sigs, BuildSignature(proc))
		}
		sigCache[projectID] = sigs
		return sigs, nil
	}

	now := r.clock.Now().UTC()
	for _, tier := range ladder {
		for _, project := range projects {
			sigs, err := signaturesFor(project.ID)
			if err != nil {
				return crawler.ProjectLink{}, nil, err
			}
			for _, other := range sigs {
				if !tier.matches(sig, other) {
					continue
				}
				r.logger.Debug("procedure matched project",
					zap.String("procedure_id", p.ID),
					zap.String("project_id", project.ID),
					zap.String("match_type", tier.matchType))
				return crawler.ProjectLink{
					ProjectID:   project.ID,
					ProcedureID: p.ID,
					MatchType:   tier.matchType,
					Confidence:  tier.confidence,
					Reason:      tier.matchType,
					CreatedAt:   now,
				}, nil, nil
			}
		}
	}

	return r.newProject(p, sig, now)
}

func (r *Resolver) newProject(p crawler.Procedure, sig Signature, now time.Time) (crawler.ProjectLink, *crawler.Project, error) {
	id, err := r.ids.NewID()
	if err != nil {
		return crawler.ProjectLink{}, nil, fmt.Errorf("resolve: new project id: %w", err)
	}

	name := sig.PlanToken
	if name == "" {
		name = p.TitleNorm
	}
	location := sig.ParcelToken
	if location == "" {
		location = p.LocationText
	}

	project := &crawler.Project{
		ID:              id,
		MunicipalityKey: p.MunicipalityKey,
		CanonicalName:   name,
		SiteLocation:    location,
		Developer:       p.Developer,
		Maturity:        crawler.MaturityForProcedure(p.ProcedureType),
		LegalBasis:      p.LegalBasis,
		CapacityMW:      p.CapacityMW,
		CapacityMWh:     p.CapacityMWh,
		AreaHA:          p.AreaHA,
		FirstSeen:       seenAt(p),
		LastSeen:        seenAt(p),
		MaxConfidence:   p.Confidence,
		NeedsReview:     p.ReviewNeeded || p.AmbiguityFlag,
		ProcedureCount:  1,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	reason := crawler.LinkReasonNewProject
	confidence := confNewProject
	if p.ProcedureType == crawler.ProcPermit36Einvernehmen {
		reason = crawler.LinkReasonPermit36
		confidence = confPermit36
		project.Maturity = crawler.MaturityPermit36
		project.LegalBasis = crawler.LegalBasis36
	}

	r.logger.Debug("procedure opened new project",
		zap.String("procedure_id", p.ID),
		zap.String("project_id", id),
		zap.String("reason", reason))
	return crawler.ProjectLink{
		ProjectID:   id,
		ProcedureID: p.ID,
		Confidence:  confidence,
		Reason:      reason,
		CreatedAt:   now,
	}, project, nil
}

// seenAt is the timestamp rollups order procedures by.
func seenAt(p crawler.Procedure) time.Time {
	if p.DecisionDate != nil {
		return *p.DecisionDate
	}
	return p.CreatedAt
}
