package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/resolve"
)

const upsertProcedureSQL = `
INSERT INTO procedures (
	id, run_id, municipality_key, municipality_name, title, title_norm, url,
	discovery_source, procedure_type, legal_basis, components, relevant,
	ambiguity_flag, review_recommended, confidence, bess_score, grid_score,
	capacity_mw, capacity_mwh, area_ha, developer, location_text, plan_token,
	parcel_token, decision_date, evidence_snippets, matched_terms,
	content_hash, created_at, updated_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,
	$21,$22,$23,$24,$25,$26,$27,$28,$29,$30
)
ON CONFLICT (id) DO UPDATE SET
	run_id = EXCLUDED.run_id,
	title = EXCLUDED.title,
	title_norm = EXCLUDED.title_norm,
	url = EXCLUDED.url,
	discovery_source = EXCLUDED.discovery_source,
	procedure_type = EXCLUDED.procedure_type,
	legal_basis = EXCLUDED.legal_basis,
	components = EXCLUDED.components,
	relevant = EXCLUDED.relevant,
	ambiguity_flag = EXCLUDED.ambiguity_flag,
	review_recommended = EXCLUDED.review_recommended,
	confidence = EXCLUDED.confidence,
	bess_score = EXCLUDED.bess_score,
	grid_score = EXCLUDED.grid_score,
	capacity_mw = EXCLUDED.capacity_mw,
	capacity_mwh = EXCLUDED.capacity_mwh,
	area_ha = EXCLUDED.area_ha,
	developer = EXCLUDED.developer,
	location_text = EXCLUDED.location_text,
	plan_token = EXCLUDED.plan_token,
	parcel_token = EXCLUDED.parcel_token,
	decision_date = EXCLUDED.decision_date,
	evidence_snippets = EXCLUDED.evidence_snippets,
	matched_terms = EXCLUDED.matched_terms,
	content_hash = EXCLUDED.content_hash,
	updated_at = EXCLUDED.updated_at`

const insertSourceSQL = `
INSERT INTO sources (
	id, procedure_id, run_id, municipality_key, source_type, url, status,
	http_status, content_hash, skip_reason, error_message, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`

const upsertDocumentSQL = `
INSERT INTO documents (
	id, procedure_id, url, sha256, content_type, storage_path, size_bytes,
	page_count, ocr_needed, text_extracted, fetched_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (procedure_id, sha256) DO UPDATE SET
	storage_path = EXCLUDED.storage_path,
	page_count = EXCLUDED.page_count,
	ocr_needed = EXCLUDED.ocr_needed,
	text_extracted = EXCLUDED.text_extracted,
	fetched_at = EXCLUDED.fetched_at`

const upsertLinkSQL = `
INSERT INTO project_links (
	project_id, procedure_id, match_type, confidence, reason, created_at
) VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (procedure_id) DO UPDATE SET
	project_id = EXCLUDED.project_id,
	match_type = EXCLUDED.match_type,
	confidence = EXCLUDED.confidence,
	reason = EXCLUDED.reason`

// UpsertProcedure persists one accepted procedure with its source row,
// documents, project link and the recomputed project rollup in a single
// transaction. A reader never sees a procedure without its source.
func (s *Postgres) UpsertProcedure(ctx context.Context, bundle crawler.ProcedureBundle) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("store: begin upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := execUpsertProcedure(ctx, tx, bundle.Procedure); err != nil {
		return err
	}
	if err := execInsertSource(ctx, tx, bundle.Source); err != nil {
		return err
	}
	for _, doc := range bundle.Documents {
		if err := execUpsertDocument(ctx, tx, doc); err != nil {
			return err
		}
	}

	if bundle.Project != nil {
		if err := execInsertProject(ctx, tx, *bundle.Project); err != nil {
			return err
		}
	}
	if bundle.Link.ProjectID != "" {
		if _, err := tx.Exec(ctx, upsertLinkSQL,
			bundle.Link.ProjectID, bundle.Link.ProcedureID, bundle.Link.MatchType,
			bundle.Link.Confidence, bundle.Link.Reason, bundle.Link.CreatedAt,
		); err != nil {
			return fmt.Errorf("store: upsert link: %w", err)
		}
		if err := recomputeProject(ctx, tx, bundle.Link.ProjectID, bundle.Procedure.UpdatedAt); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("store: commit upsert: %w", err)
	}
	s.logger.Debug("procedure upserted",
		zap.String("procedure_id", bundle.Procedure.ID),
		zap.String("project_id", bundle.Link.ProjectID))
	return nil
}

// InsertAuditSource records a fetch outcome that produced no procedure.
func (s *Postgres) InsertAuditSource(ctx context.Context, src crawler.SourceRecord) error {
	if err := execInsertSource(ctx, s.db, src); err != nil {
		return err
	}
	return nil
}

// LinkedProcedures loads all procedures linked to a project. Satisfies
// resolve.Directory.
func (s *Postgres) LinkedProcedures(ctx context.Context, projectID string) ([]crawler.Procedure, error) {
	return queryLinkedProcedures(ctx, s.db, projectID)
}

func execUpsertProcedure(ctx context.Context, q querier, p crawler.Procedure) error {
	evidence, err := json.Marshal(p.EvidenceSnippets)
	if err != nil {
		return fmt.Errorf("store: marshal evidence: %w", err)
	}
	terms, err := json.Marshal(p.MatchedTerms)
	if err != nil {
		return fmt.Errorf("store: marshal matched terms: %w", err)
	}
	if _, err := q.Exec(ctx, upsertProcedureSQL,
		p.ID, p.RunID, p.MunicipalityKey, p.MunicipalityName, p.Title,
		p.TitleNorm, p.URL, p.DiscoverySource, p.ProcedureType, p.LegalBasis,
		p.Components, p.Relevant, p.AmbiguityFlag, p.ReviewNeeded,
		p.Confidence, p.BessScore, p.GridScore, p.CapacityMW, p.CapacityMWh,
		p.AreaHA, p.Developer, p.LocationText, p.PlanToken, p.ParcelToken,
		p.DecisionDate, evidence, terms, p.ContentHash, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("store: upsert procedure %s: %w", p.ID, err)
	}
	return nil
}

func execInsertSource(ctx context.Context, q querier, src crawler.SourceRecord) error {
	if _, err := q.Exec(ctx, insertSourceSQL,
		src.ID, src.ProcedureID, src.RunID, src.MunicipalityKey,
		src.SourceType, src.URL, src.Status, src.HTTPStatus, src.ContentHash,
		src.SkipReason, src.ErrorMessage, src.FetchedAt,
	); err != nil {
		return fmt.Errorf("store: insert source %s: %w", src.ID, err)
	}
	return nil
}

func execUpsertDocument(ctx context.Context, q querier, doc crawler.DocumentRecord) error {
	if _, err := q.Exec(ctx, upsertDocumentSQL,
		doc.ID, doc.ProcedureID, doc.URL, doc.SHA256, doc.ContentType,
		doc.StoragePath, doc.SizeBytes, doc.PageCount, doc.OCRNeeded,
		doc.TextExtracted, doc.FetchedAt,
	); err != nil {
		return fmt.Errorf("store: upsert document %s: %w", doc.ID, err)
	}
	return nil
}

// recomputeProject rebuilds the rollup columns from the linked set inside
// the running transaction, so the project row commits consistent with its
// procedures.
func recomputeProject(ctx context.Context, q querier, projectID string, at time.Time) error {
	project, err := queryProject(ctx, q, projectID)
	if err != nil {
		return err
	}
	procs, err := queryLinkedProcedures(ctx, q, projectID)
	if err != nil {
		return err
	}
	if len(procs) == 0 {
		return nil
	}
	rolled := resolve.Rollup(project, procs)
	rolled.UpdatedAt = at.UTC()
	return execUpdateProjectRollup(ctx, q, rolled)
}

const selectProcedureColumns = `
	id, run_id, municipality_key, municipality_name, title, title_norm, url,
	discovery_source, procedure_type, legal_basis, components, relevant,
	ambiguity_flag, review_recommended, confidence, bess_score, grid_score,
	capacity_mw, capacity_mwh, area_ha, developer, location_text, plan_token,
	parcel_token, decision_date, evidence_snippets, matched_terms,
	content_hash, created_at, updated_at`

const linkedProceduresSQL = `
SELECT` + selectProcedureColumns + `
FROM procedures p
JOIN project_links l ON l.procedure_id = p.id
WHERE l.project_id = $1
ORDER BY p.created_at`

func queryLinkedProcedures(ctx context.Context, q querier, projectID string) ([]crawler.Procedure, error) {
	rows, err := q.Query(ctx, linkedProceduresSQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("store: linked procedures of %s: %w", projectID, err)
	}
	defer rows.Close()

	var procs []crawler.Procedure
	for rows.Next() {
		p, err := scanProcedure(rows)
		if err != nil {
			return nil, err
		}
		procs = append(procs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate procedures: %w", err)
	}
	return procs, nil
}

func scanProcedure(row pgx.Row) (crawler.Procedure, error) {
	var p crawler.Procedure
	var evidence, terms []byte
	if err := row.Scan(
		&p.ID, &p.RunID, &p.MunicipalityKey, &p.MunicipalityName, &p.Title,
		&p.TitleNorm, &p.URL, &p.DiscoverySource, &p.ProcedureType,
		&p.LegalBasis, &p.Components, &p.Relevant, &p.AmbiguityFlag,
		&p.ReviewNeeded, &p.Confidence, &p.BessScore, &p.GridScore,
		&p.CapacityMW, &p.CapacityMWh, &p.AreaHA, &p.Developer,
		&p.LocationText, &p.PlanToken, &p.ParcelToken, &p.DecisionDate,
		&evidence, &terms, &p.ContentHash, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return crawler.Procedure{}, fmt.Errorf("store: scan procedure: %w", err)
	}
	if len(evidence) > 0 {
		if err := json.Unmarshal(evidence, &p.EvidenceSnippets); err != nil {
			return crawler.Procedure{}, fmt.Errorf("store: decode evidence: %w", err)
		}
	}
	if len(terms) > 0 {
		if err := json.Unmarshal(terms, &p.MatchedTerms); err != nil {
			return crawler.Procedure{}, fmt.Errorf("store: decode matched terms: %w", err)
		}
	}
	return p, nil
}
