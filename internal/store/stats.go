package store

import (
	"context"
	"fmt"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

const upsertStatsSQL = `
INSERT INTO crawl_stats (
	run_id, municipality_key, pages_fetched, pdfs_downloaded, pdfs_skipped,
	candidates_found, procedures_saved, procedures_skipped, errors,
	fetch_html_ms, fetch_pdf_ms, extract_pdf_ms, classify_ms, db_write_ms,
	total_ms
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
ON CONFLICT (run_id, municipality_key) DO UPDATE SET
	pages_fetched = crawl_stats.pages_fetched + EXCLUDED.pages_fetched,
	pdfs_downloaded = crawl_stats.pdfs_downloaded + EXCLUDED.pdfs_downloaded,
	pdfs_skipped = crawl_stats.pdfs_skipped + EXCLUDED.pdfs_skipped,
	candidates_found = crawl_stats.candidates_found + EXCLUDED.candidates_found,
	procedures_saved = crawl_stats.procedures_saved + EXCLUDED.procedures_saved,
	procedures_skipped = crawl_stats.procedures_skipped + EXCLUDED.procedures_skipped,
	errors = crawl_stats.errors + EXCLUDED.errors,
	fetch_html_ms = crawl_stats.fetch_html_ms + EXCLUDED.fetch_html_ms,
	fetch_pdf_ms = crawl_stats.fetch_pdf_ms + EXCLUDED.fetch_pdf_ms,
	extract_pdf_ms = crawl_stats.extract_pdf_ms + EXCLUDED.extract_pdf_ms,
	classify_ms = crawl_stats.classify_ms + EXCLUDED.classify_ms,
	db_write_ms = crawl_stats.db_write_ms + EXCLUDED.db_write_ms,
	total_ms = crawl_stats.total_ms + EXCLUDED.total_ms`

const runStatsSQL = `
SELECT
	run_id, municipality_key, pages_fetched, pdfs_downloaded, pdfs_skipped,
	candidates_found, procedures_saved, procedures_skipped, errors,
	fetch_html_ms, fetch_pdf_ms, extract_pdf_ms, classify_ms, db_write_ms,
	total_ms
FROM crawl_stats
WHERE run_id = $1
ORDER BY municipality_key`

// AddCrawlStats accumulates counters for one run and municipality;
// repeated calls add up.
func (s *Postgres) AddCrawlStats(ctx context.Context, stats crawler.CrawlStats) error {
	if _, err := s.db.Exec(ctx, upsertStatsSQL,
		stats.RunID, stats.MunicipalityKey, stats.PagesFetched,
		stats.PDFsDownloaded, stats.PDFsSkipped, stats.CandidatesFound,
		stats.ProceduresSaved, stats.ProceduresSkipped, stats.Errors,
		stats.FetchHTMLMs, stats.FetchPDFMs, stats.ExtractPDFMs,
		stats.ClassifyMs, stats.DBWriteMs, stats.TotalMs,
	); err != nil {
		return fmt.Errorf("store: add crawl stats %s/%s: %w", stats.RunID, stats.MunicipalityKey, err)
	}
	return nil
}

// RunStats returns the per-municipality stats rows of one run.
func (s *Postgres) RunStats(ctx context.Context, runID string) ([]crawler.CrawlStats, error) {
	rows, err := s.db.Query(ctx, runStatsSQL, runID)
	if err != nil {
		return nil, fmt.Errorf("store: run stats %s: %w", runID, err)
	}
	defer rows.Close()

	var out []crawler.CrawlStats
	for rows.Next() {
		var st crawler.CrawlStats
		if err := rows.Scan(
			&st.RunID, &st.MunicipalityKey, &st.PagesFetched,
			&st.PDFsDownloaded, &st.PDFsSkipped, &st.CandidatesFound,
			&st.ProceduresSaved, &st.ProceduresSkipped, &st.Errors,
			&st.FetchHTMLMs, &st.FetchPDFMs, &st.ExtractPDFMs,
			&st.ClassifyMs, &st.DBWriteMs, &st.TotalMs,
		); err != nil {
			return nil, fmt.Errorf("store: scan crawl stats: %w", err)
		}
		out = append(out, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate crawl stats: %w", err)
	}
	return out, nil
}
