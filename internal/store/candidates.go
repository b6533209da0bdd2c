package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

const insertCandidateSQL = `
INSERT INTO candidates (
	id, run_id, municipality_key, municipality_name, source, url, title,
	published_at, doc_urls, prefilter_score, status, skip_reason,
	error_message, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (id) DO NOTHING`

const getCandidateSQL = `
SELECT
	id, run_id, municipality_key, municipality_name, source, url, title,
	published_at, doc_urls, prefilter_score, status, skip_reason,
	error_message, created_at
FROM candidates
WHERE id = $1`

const updateCandidateStatusSQL = `
UPDATE candidates SET status = $2, skip_reason = $3, error_message = $4
WHERE id = $1`

// SaveCandidates persists discovery output for audit in one batch.
func (s *Postgres) SaveCandidates(ctx context.Context, candidates []crawler.Candidate) error {
	if len(candidates) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, c := range candidates {
		batch.Queue(insertCandidateSQL,
			c.ID, c.RunID, c.MunicipalityKey, c.MunicipalityName, c.Source,
			c.URL, c.Title, c.PublishedAt, c.DocURLs, c.PrefilterScore,
			c.Status, c.SkipReason, c.ErrorMessage, c.CreatedAt,
		)
	}
	results := s.db.SendBatch(ctx, batch)
	defer results.Close()
	for i := range candidates {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("store: save candidate %s: %w", candidates[i].ID, err)
		}
	}
	return nil
}

// GetCandidate loads one candidate row.
func (s *Postgres) GetCandidate(ctx context.Context, id string) (crawler.Candidate, error) {
	var c crawler.Candidate
	if err := s.db.QueryRow(ctx, getCandidateSQL, id).Scan(
		&c.ID, &c.RunID, &c.MunicipalityKey, &c.MunicipalityName, &c.Source,
		&c.URL, &c.Title, &c.PublishedAt, &c.DocURLs, &c.PrefilterScore,
		&c.Status, &c.SkipReason, &c.ErrorMessage, &c.CreatedAt,
	); err != nil {
		return crawler.Candidate{}, fmt.Errorf("store: get candidate %s: %w", id, err)
	}
	return c, nil
}

// UpdateCandidateStatus records the extraction outcome of a candidate.
func (s *Postgres) UpdateCandidateStatus(ctx context.Context, id string, status crawler.CandidateStatus, skipReason, errorMessage string) error {
	if _, err := s.db.Exec(ctx, updateCandidateStatusSQL, id, status, skipReason, errorMessage); err != nil {
		return fmt.Errorf("store: update candidate %s: %w", id, err)
	}
	return nil
}
