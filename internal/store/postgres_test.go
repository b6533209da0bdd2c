package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

var procedureColumns = []string{
	"id", "run_id", "municipality_key", "municipality_name", "title",
	"title_norm", "url", "discovery_source", "procedure_type", "legal_basis",
	"components", "relevant", "ambiguity_flag", "review_recommended",
	"confidence", "bess_score", "grid_score", "capacity_mw", "capacity_mwh",
	"area_ha", "developer", "location_text", "plan_token", "parcel_token",
	"decision_date", "evidence_snippets", "matched_terms", "content_hash",
	"created_at", "updated_at",
}

var projectColumns = []string{
	"id", "municipality_key", "canonical_name", "site_location", "developer",
	"maturity", "legal_basis", "capacity_mw", "capacity_mwh", "area_ha",
	"first_seen", "last_seen", "max_confidence", "needs_review",
	"procedure_count", "created_at", "updated_at",
}

func testTime() time.Time {
	return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
}

func testBundle() crawler.ProcedureBundle {
	now := testTime()
	return crawler.ProcedureBundle{
		Procedure: crawler.Procedure{
			ID:               "proc-1",
			RunID:            "run-1",
			MunicipalityKey:  "lindow",
			MunicipalityName: "Lindow (Mark)",
			Title:            "Aufstellungsbeschluss Bebauungsplan Nr. 5",
			TitleNorm:        "aufstellungsbeschluss bebauungsplan nr 5",
			URL:              "https://www.lindow.de/bekanntmachungen/b-plan-5",
			DiscoverySource:  crawler.SourceMunicipal,
			ProcedureType:    crawler.ProcBplanAufstellung,
			LegalBasis:       crawler.LegalBasis35,
			Components:       crawler.ComponentsBESSOnly,
			Relevant:         true,
			Confidence:       0.8,
			PlanToken:        "5",
			EvidenceSnippets: []string{"Batteriespeicher am Umspannwerk"},
			ContentHash:      "abc123",
			CreatedAt:        now,
			UpdatedAt:        now,
		},
		Source: crawler.SourceRecord{
			ID:              "src-1",
			RunID:           "run-1",
			MunicipalityKey: "lindow",
			SourceType:      crawler.SourceMunicipal,
			URL:             "https://www.lindow.de/bekanntmachungen/b-plan-5",
			Status:          crawler.SourceStatusOK,
			HTTPStatus:      200,
			FetchedAt:       now,
		},
		Documents: []crawler.DocumentRecord{{
			ID:          "doc-1",
			ProcedureID: "proc-1",
			URL:         "https://www.lindow.de/docs/b-plan-5.pdf",
			SHA256:      "def456",
			FetchedAt:   now,
		}},
		Project: &crawler.Project{
			ID:              "proj-1",
			MunicipalityKey: "lindow",
			CanonicalName:   "5",
			Maturity:        crawler.MaturityBplanAufstellung,
			LegalBasis:      crawler.LegalBasis35,
			FirstSeen:       now,
			LastSeen:        now,
			ProcedureCount:  1,
			CreatedAt:       now,
			UpdatedAt:       now,
		},
		Link: crawler.ProjectLink{
			ProjectID:   "proj-1",
			ProcedureID: "proc-1",
			Confidence:  1.0,
			Reason:      crawler.LinkReasonNewProject,
			CreatedAt:   now,
		},
	}
}

func addProcedureRow(rows *pgxmock.Rows, p crawler.Procedure) {
	rows.AddRow(
		p.ID, p.RunID, p.MunicipalityKey, p.MunicipalityName, p.Title,
		p.TitleNorm, p.URL, p.DiscoverySource, p.ProcedureType, p.LegalBasis,
		p.Components, p.Relevant, p.AmbiguityFlag, p.ReviewNeeded,
		p.Confidence, p.BessScore, p.GridScore, p.CapacityMW, p.CapacityMWh,
		p.AreaHA, p.Developer, p.LocationText, p.PlanToken, p.ParcelToken,
		p.DecisionDate, []byte(`["Batteriespeicher am Umspannwerk"]`),
		[]byte(`{}`), p.ContentHash, p.CreatedAt, p.UpdatedAt,
	)
}

func TestUpsertProcedure(t *testing.T) {
	t.Parallel()

	t.Run("SingleTransaction", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		s, err := NewWithPool(mock, zaptest.NewLogger(t))
		require.NoError(t, err)

		bundle := testBundle()

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO procedures").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO sources").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO documents").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO projects").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO project_links").
			WithArgs("proj-1", "proc-1", "", 1.0, crawler.LinkReasonNewProject, testTime()).
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		projectRows := pgxmock.NewRows(projectColumns).AddRow(
			"proj-1", "lindow", "5", "", "", crawler.MaturityBplanAufstellung,
			crawler.LegalBasis35, nil, nil, nil, testTime(), testTime(), 0.0,
			false, 1, testTime(), testTime(),
		)
		mock.ExpectQuery("SELECT(.|\n)+FROM projects").
			WithArgs("proj-1").
			WillReturnRows(projectRows)

		procedureRows := pgxmock.NewRows(procedureColumns)
		addProcedureRow(procedureRows, bundle.Procedure)
		mock.ExpectQuery("SELECT(.|\n)+FROM procedures").
			WithArgs("proj-1").
			WillReturnRows(procedureRows)

		mock.ExpectExec("UPDATE projects").
			WillReturnResult(pgxmock.NewResult("UPDATE", 1))
		mock.ExpectCommit()

		require.NoError(t, s.UpsertProcedure(context.Background(), bundle))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RollsBackOnSourceError", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		s, err := NewWithPool(mock, zaptest.NewLogger(t))
		require.NoError(t, err)

		mock.ExpectBegin()
		mock.ExpectExec("INSERT INTO procedures").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))
		mock.ExpectExec("INSERT INTO sources").
			WillReturnError(errors.New("duplicate key"))
		mock.ExpectRollback()

		err = s.UpsertProcedure(context.Background(), testBundle())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "insert source")
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestInsertAuditSource(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, zaptest.NewLogger(t))
	require.NoError(t, err)

	src := crawler.SourceRecord{
		ID:              "src-2",
		RunID:           "run-1",
		MunicipalityKey: "lindow",
		SourceType:      crawler.SourceRIS,
		URL:             "https://allris.lindow.de/bi/to0040?TO=9",
		Status:          crawler.SourceStatusOK,
		HTTPStatus:      200,
		SkipReason:      "SKIP_NO_PROCEDURE_SIGNAL",
		FetchedAt:       testTime(),
	}

	mock.ExpectExec("INSERT INTO sources").
		WithArgs(src.ID, src.ProcedureID, src.RunID, src.MunicipalityKey,
			src.SourceType, src.URL, src.Status, src.HTTPStatus,
			src.ContentHash, src.SkipReason, src.ErrorMessage, src.FetchedAt).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.InsertAuditSource(context.Background(), src))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveCandidates(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, zaptest.NewLogger(t))
	require.NoError(t, err)

	candidates := []crawler.Candidate{
		{ID: "cand-1", RunID: "run-1", MunicipalityKey: "lindow", Source: crawler.SourceRIS, URL: "https://allris.lindow.de/bi/to0040?TO=1", CreatedAt: testTime()},
		{ID: "cand-2", RunID: "run-1", MunicipalityKey: "lindow", Source: crawler.SourceRIS, URL: "https://allris.lindow.de/bi/to0040?TO=2", CreatedAt: testTime()},
	}

	batch := mock.ExpectBatch()
	batch.ExpectExec("INSERT INTO candidates").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	batch.ExpectExec("INSERT INTO candidates").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, s.SaveCandidates(context.Background(), candidates))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateCandidateStatus(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, zaptest.NewLogger(t))
	require.NoError(t, err)

	mock.ExpectExec("UPDATE candidates").
		WithArgs("cand-1", crawler.CandidateSkipped, "SKIP_CONTAINER", "").
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, s.UpdateCandidateStatus(context.Background(), "cand-1", crawler.CandidateSkipped, "SKIP_CONTAINER", ""))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCrawlStats(t *testing.T) {
	t.Parallel()

	t.Run("AddUpserts", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		s, err := NewWithPool(mock, zaptest.NewLogger(t))
		require.NoError(t, err)

		mock.ExpectExec("INSERT INTO crawl_stats").
			WillReturnResult(pgxmock.NewResult("INSERT", 1))

		stats := crawler.CrawlStats{RunID: "run-1", MunicipalityKey: "lindow", PagesFetched: 12}
		require.NoError(t, s.AddCrawlStats(context.Background(), stats))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("RunStatsLists", func(t *testing.T) {
		t.Parallel()
		mock, err := pgxmock.NewPool()
		require.NoError(t, err)
		defer mock.Close()

		s, err := NewWithPool(mock, zaptest.NewLogger(t))
		require.NoError(t, err)

		columns := []string{
			"run_id", "municipality_key", "pages_fetched", "pdfs_downloaded",
			"pdfs_skipped", "candidates_found", "procedures_saved",
			"procedures_skipped", "errors", "fetch_html_ms", "fetch_pdf_ms",
			"extract_pdf_ms", "classify_ms", "db_write_ms", "total_ms",
		}
		rows := pgxmock.NewRows(columns).
			AddRow("run-1", "lindow", 12, 3, 1, 7, 2, 5, 0, int64(900), int64(400), int64(250), int64(30), int64(80), int64(1700)).
			AddRow("run-1", "rheinsberg", 4, 0, 0, 1, 0, 1, 1, int64(300), int64(0), int64(0), int64(5), int64(10), int64(330))
		mock.ExpectQuery("SELECT(.|\n)+FROM crawl_stats").
			WithArgs("run-1").
			WillReturnRows(rows)

		out, err := s.RunStats(context.Background(), "run-1")
		require.NoError(t, err)
		require.Len(t, out, 2)
		assert.Equal(t, "lindow", out[0].MunicipalityKey)
		assert.Equal(t, 12, out[0].PagesFetched)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestProjectsByMunicipality(t *testing.T) {
	t.Parallel()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	s, err := NewWithPool(mock, zaptest.NewLogger(t))
	require.NoError(t, err)

	rows := pgxmock.NewRows(projectColumns).AddRow(
		"proj-1", "lindow", "5", "", "", crawler.MaturityBplanSatzung,
		crawler.LegalBasis35, nil, nil, nil, testTime(), testTime(), 0.8,
		false, 3, testTime(), testTime(),
	)
	mock.ExpectQuery("SELECT(.|\n)+FROM projects").
		WithArgs("lindow").
		WillReturnRows(rows)

	out, err := s.ProjectsByMunicipality(context.Background(), "lindow")
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, crawler.MaturityBplanSatzung, out[0].Maturity)
	assert.Equal(t, 3, out[0].ProcedureCount)
	require.NoError(t, mock.ExpectationsWereMet())
}
