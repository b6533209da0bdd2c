package worker

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/classify"
	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/progress"
)

// discoveryJobs is the fan-out a municipality job produces.
var discoveryJobs = []crawler.JobType{
	crawler.JobDiscoveryRIS,
	crawler.JobDiscoveryGazette,
	crawler.JobDiscoveryMunicipal,
}

// processMunicipality fans one municipality out into its three source
// discovery jobs.
func (w *Worker) processMunicipality(ctx context.Context, job crawler.JobPayload) error {
	w.emit(progress.Event{
		RunID:            job.RunID,
		TS:               w.deps.Clock.Now().UTC(),
		Stage:            progress.StageMunicipalityStart,
		MunicipalityKey:  job.MunicipalityKey,
		MunicipalityName: job.MunicipalityName,
	})

	for _, jt := range discoveryJobs {
		next := job
		next.Type = jt
		if err := w.deps.Queue.Enqueue(ctx, next); err != nil {
			return fmt.Errorf("enqueue %s for %s: %w", jt, job.MunicipalityKey, err)
		}
	}
	return nil
}

// processDiscovery runs one source adapter, persists its candidates, records
// an audit row for the adapter outcome and enqueues extraction jobs for
// candidates above the source's threshold.
func (w *Worker) processDiscovery(ctx context.Context, job crawler.JobPayload) error {
	muni := crawler.Municipality{
		Key:        job.MunicipalityKey,
		Name:       job.MunicipalityName,
		Entrypoint: job.Entrypoint,
	}

	var result crawler.DiscoveryResult
	switch job.Type {
	case crawler.JobDiscoveryRIS:
		result = w.deps.Discoverer.DiscoverRIS(ctx, job.RunID, muni, job.Mode)
	case crawler.JobDiscoveryGazette:
		result = w.deps.Discoverer.DiscoverGazette(ctx, job.RunID, muni, job.Mode)
	case crawler.JobDiscoveryMunicipal:
		result = w.deps.Discoverer.DiscoverMunicipal(ctx, job.RunID, muni, job.Mode)
	default:
		return fmt.Errorf("not a discovery job type: %q", job.Type)
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}

	now := w.deps.Clock.Now().UTC()

	if len(result.Candidates) > 0 {
		if err := w.deps.Store.SaveCandidates(ctx, result.Candidates); err != nil {
			return fmt.Errorf("save candidates for %s/%s: %w", job.MunicipalityKey, result.Source, err)
		}
	}

	if err := w.deps.Store.InsertAuditSource(ctx, w.adapterAuditRecord(job, result, now)); err != nil {
		w.logger.Warn("audit source insert failed",
			zap.String("municipality", job.MunicipalityKey),
			zap.String("source", string(result.Source)),
			zap.Error(err),
		)
	}

	stats := crawler.CrawlStats{
		RunID:           job.RunID,
		MunicipalityKey: job.MunicipalityKey,
		PagesFetched:    len(result.Diagnostics.AttemptedURLs),
		CandidatesFound: len(result.Candidates),
	}
	if isErrorStatus(result.Status) {
		stats.Errors = 1
	}
	if err := w.deps.Store.AddCrawlStats(ctx, stats); err != nil {
		w.logger.Warn("crawl stats update failed",
			zap.String("municipality", job.MunicipalityKey), zap.Error(err))
	}

	enqueued, err := w.enqueueExtractions(ctx, job, result)
	if err != nil {
		return err
	}

	w.emit(progress.Event{
		RunID:            job.RunID,
		TS:               now,
		Stage:            progress.StageSourceDone,
		MunicipalityKey:  job.MunicipalityKey,
		MunicipalityName: job.MunicipalityName,
		Source:           result.Source,
		Status:           result.Status,
		Candidates:       len(result.Candidates),
		Note:             result.Diagnostics.ReasonCode,
	})
	summaryEvt, _ := w.summary.sourceDone(job.RunID, muni, result.Source, result.Status, now)
	w.emit(summaryEvt)

	w.logger.Info("discovery finished",
		zap.String("run_id", job.RunID),
		zap.String("municipality", job.MunicipalityKey),
		zap.String("source", string(result.Source)),
		zap.String("status", string(result.Status)),
		zap.String("reason", result.Diagnostics.ReasonCode),
		zap.Int("candidates", len(result.Candidates)),
		zap.Int("extractions", enqueued),
	)
	return nil
}

func (w *Worker) enqueueExtractions(ctx context.Context, job crawler.JobPayload, result crawler.DiscoveryResult) (int, error) {
	threshold := classify.ExtractionThreshold(result.Source, job.Mode)
	enqueued := 0
	for _, cand := range result.Candidates {
		if cand.PrefilterScore < threshold {
			continue
		}
		next := crawler.JobPayload{
			Type:             crawler.JobExtraction,
			RunID:            job.RunID,
			MunicipalityKey:  job.MunicipalityKey,
			MunicipalityName: job.MunicipalityName,
			Mode:             job.Mode,
			CandidateID:      cand.ID,
		}
		if err := w.deps.Queue.Enqueue(ctx, next); err != nil {
			return enqueued, fmt.Errorf("enqueue extraction for %s: %w", cand.ID, err)
		}
		enqueued++
	}
	return enqueued, nil
}

// adapterAuditRecord turns a discovery outcome into the audit SourceRecord
// kept even for failed adapters.
func (w *Worker) adapterAuditRecord(job crawler.JobPayload, result crawler.DiscoveryResult, now time.Time) crawler.SourceRecord {
	id, err := w.deps.IDs.NewID()
	if err != nil {
		id = fmt.Sprintf("%s-%s-%s", job.RunID, job.MunicipalityKey, result.Source)
	}
	url := job.Entrypoint
	if len(result.Diagnostics.AttemptedURLs) > 0 {
		url = result.Diagnostics.AttemptedURLs[0]
	}
	rec := crawler.SourceRecord{
		ID:              id,
		RunID:           job.RunID,
		MunicipalityKey: job.MunicipalityKey,
		SourceType:      result.Source,
		URL:             url,
		Status:          result.Status,
		FetchedAt:       now,
	}
	if result.Status != crawler.SourceStatusOK {
		rec.SkipReason = result.Diagnostics.ReasonCode
	}
	return rec
}

func isErrorStatus(s crawler.SourceStatus) bool {
	switch s {
	case crawler.SourceStatusErrorSSL, crawler.SourceStatusErrorNetwork, crawler.SourceStatusErrorOther:
		return true
	default:
		return false
	}
}
