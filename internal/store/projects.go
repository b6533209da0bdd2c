package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

const insertProjectSQL = `
INSERT INTO projects (
	id, municipality_key, canonical_name, site_location, developer, maturity,
	legal_basis, capacity_mw, capacity_mwh, area_ha, first_seen, last_seen,
	max_confidence, needs_review, procedure_count, created_at, updated_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
ON CONFLICT (id) DO NOTHING`

const updateProjectRollupSQL = `
UPDATE projects SET
	canonical_name = $2,
	site_location = $3,
	developer = $4,
	maturity = $5,
	legal_basis = $6,
	capacity_mw = $7,
	capacity_mwh = $8,
	area_ha = $9,
	first_seen = $10,
	last_seen = $11,
	max_confidence = $12,
	needs_review = $13,
	procedure_count = $14,
	updated_at = $15
WHERE id = $1`

const selectProjectColumns = `
	id, municipality_key, canonical_name, site_location, developer, maturity,
	legal_basis, capacity_mw, capacity_mwh, area_ha, first_seen, last_seen,
	max_confidence, needs_review, procedure_count, created_at, updated_at`

const getProjectSQL = `
SELECT` + selectProjectColumns + `
FROM projects
WHERE id = $1`

const projectsByMunicipalitySQL = `
SELECT` + selectProjectColumns + `
FROM projects
WHERE municipality_key = $1
ORDER BY created_at`

// GetProject loads one project row.
func (s *Postgres) GetProject(ctx context.Context, id string) (crawler.Project, error) {
	return queryProject(ctx, s.db, id)
}

// ProjectsByMunicipality lists all projects of one municipality for the
// matching ladder. Satisfies resolve.Directory.
func (s *Postgres) ProjectsByMunicipality(ctx context.Context, key string) ([]crawler.Project, error) {
	rows, err := s.db.Query(ctx, projectsByMunicipalitySQL, key)
	if err != nil {
		return nil, fmt.Errorf("store: projects of %s: %w", key, err)
	}
	defer rows.Close()

	var projects []crawler.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate projects: %w", err)
	}
	return projects, nil
}

func queryProject(ctx context.Context, q querier, id string) (crawler.Project, error) {
	p, err := scanProject(q.QueryRow(ctx, getProjectSQL, id))
	if err != nil {
		return crawler.Project{}, fmt.Errorf("store: get project %s: %w", id, err)
	}
	return p, nil
}

func execInsertProject(ctx context.Context, q querier, p crawler.Project) error {
	if _, err := q.Exec(ctx, insertProjectSQL,
		p.ID, p.MunicipalityKey, p.CanonicalName, p.SiteLocation, p.Developer,
		p.Maturity, p.LegalBasis, p.CapacityMW, p.CapacityMWh, p.AreaHA,
		p.FirstSeen, p.LastSeen, p.MaxConfidence, p.NeedsReview,
		p.ProcedureCount, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("store: insert project %s: %w", p.ID, err)
	}
	return nil
}

func execUpdateProjectRollup(ctx context.Context, q querier, p crawler.Project) error {
	if _, err := q.Exec(ctx, updateProjectRollupSQL,
		p.ID, p.CanonicalName, p.SiteLocation, p.Developer, p.Maturity,
		p.LegalBasis, p.CapacityMW, p.CapacityMWh, p.AreaHA, p.FirstSeen,
		p.LastSeen, p.MaxConfidence, p.NeedsReview, p.ProcedureCount,
		p.UpdatedAt,
	); err != nil {
		return fmt.Errorf("store: update rollup %s: %w", p.ID, err)
	}
	return nil
}

func scanProject(row pgx.Row) (crawler.Project, error) {
	var p crawler.Project
	if err := row.Scan(
		&p.ID, &p.MunicipalityKey, &p.CanonicalName, &p.SiteLocation,
		&p.Developer, &p.Maturity, &p.LegalBasis, &p.CapacityMW,
		&p.CapacityMWh, &p.AreaHA, &p.FirstSeen, &p.LastSeen,
		&p.MaxConfidence, &p.NeedsReview, &p.ProcedureCount, &p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return crawler.Project{}, err
	}
	return p, nil
}
