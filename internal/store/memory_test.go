package store

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

func memBundle(procID, projID string, project bool, decided time.Time) crawler.ProcedureBundle {
	b := crawler.ProcedureBundle{
		Procedure: crawler.Procedure{
			ID:              procID,
			RunID:           "run-1",
			MunicipalityKey: "lindow",
			TitleNorm:       "bebauungsplan nr 5 batteriespeicher",
			ProcedureType:   crawler.ProcBplanAufstellung,
			Relevant:        true,
			PlanToken:       "5",
			Confidence:      0.8,
			DecisionDate:    &decided,
			CreatedAt:       decided,
			UpdatedAt:       decided,
		},
		Source: crawler.SourceRecord{ID: "src-" + procID, RunID: "run-1", MunicipalityKey: "lindow", FetchedAt: decided},
		Link: crawler.ProjectLink{
			ProjectID:   projID,
			ProcedureID: procID,
			Reason:      crawler.LinkReasonNewProject,
			Confidence:  1.0,
			CreatedAt:   decided,
		},
	}
	if project {
		b.Project = &crawler.Project{
			ID:              projID,
			MunicipalityKey: "lindow",
			CanonicalName:   "5",
			Maturity:        crawler.MaturityBplanAufstellung,
			FirstSeen:       decided,
			LastSeen:        decided,
			ProcedureCount:  1,
			CreatedAt:       decided,
		}
	}
	return b
}

func TestMemoryStore(t *testing.T) {
	t.Parallel()

	t.Run("UpsertRecomputesRollup", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		ctx := context.Background()

		first := memBundle("proc-1", "proj-1", true, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, m.UpsertProcedure(ctx, first))

		second := memBundle("proc-2", "proj-1", false, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC))
		second.Procedure.ProcedureType = crawler.ProcBplanSatzung
		second.Link.MatchType = crawler.MatchPlan
		second.Link.Reason = crawler.MatchPlan
		second.Link.Confidence = 0.90
		require.NoError(t, m.UpsertProcedure(ctx, second))

		project, err := m.GetProject(ctx, "proj-1")
		require.NoError(t, err)
		assert.Equal(t, 2, project.ProcedureCount)
		assert.Equal(t, crawler.MaturityBplanSatzung, project.Maturity)
		assert.Equal(t, time.Date(2024, 8, 1, 0, 0, 0, 0, time.UTC), project.LastSeen)

		linked, err := m.LinkedProcedures(ctx, "proj-1")
		require.NoError(t, err)
		assert.Len(t, linked, 2)
	})

	t.Run("UpsertIsIdempotent", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		ctx := context.Background()

		bundle := memBundle("proc-1", "proj-1", true, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC))
		require.NoError(t, m.UpsertProcedure(ctx, bundle))
		require.NoError(t, m.UpsertProcedure(ctx, bundle))

		project, err := m.GetProject(ctx, "proj-1")
		require.NoError(t, err)
		assert.Equal(t, 1, project.ProcedureCount)
	})

	t.Run("CandidateLifecycle", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		ctx := context.Background()

		cands := []crawler.Candidate{{ID: "cand-1", RunID: "run-1", Status: crawler.CandidatePending}}
		require.NoError(t, m.SaveCandidates(ctx, cands))
		require.NoError(t, m.UpdateCandidateStatus(ctx, "cand-1", crawler.CandidateSkipped, "SKIP_CONTAINER", ""))

		got, err := m.GetCandidate(ctx, "cand-1")
		require.NoError(t, err)
		assert.Equal(t, crawler.CandidateSkipped, got.Status)
		assert.Equal(t, "SKIP_CONTAINER", got.SkipReason)

		err = m.UpdateCandidateStatus(ctx, "missing", crawler.CandidateDone, "", "")
		assert.Error(t, err)
	})

	t.Run("StatsAccumulate", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		ctx := context.Background()

		require.NoError(t, m.AddCrawlStats(ctx, crawler.CrawlStats{RunID: "run-1", MunicipalityKey: "lindow", PagesFetched: 5}))
		require.NoError(t, m.AddCrawlStats(ctx, crawler.CrawlStats{RunID: "run-1", MunicipalityKey: "lindow", PagesFetched: 3, Errors: 1}))

		out, err := m.RunStats(ctx, "run-1")
		require.NoError(t, err)
		require.Len(t, out, 1)
		assert.Equal(t, 8, out[0].PagesFetched)
		assert.Equal(t, 1, out[0].Errors)
	})

	t.Run("AuditSourcesKept", func(t *testing.T) {
		t.Parallel()
		m := NewMemory()
		require.NoError(t, m.InsertAuditSource(context.Background(), crawler.SourceRecord{ID: "src-9", SkipReason: "SKIP_CONTAINER"}))
		sources := m.Sources()
		require.Len(t, sources, 1)
		assert.Equal(t, "SKIP_CONTAINER", sources[0].SkipReason)
	})
}
