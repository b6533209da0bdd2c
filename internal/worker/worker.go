// Package worker implements the crawl pipeline execution loop: municipality
// fan-out, source discovery and candidate extraction.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/metrics"
	"github.com/netzspeicher/bess-crawler/internal/progress"
)

// SourceDiscoverer runs one discovery adapter per source type.
// *discover.Discoverer satisfies it.
type SourceDiscoverer interface {
	DiscoverRIS(ctx context.Context, runID string, muni crawler.Municipality, mode crawler.RunMode) crawler.DiscoveryResult
	DiscoverGazette(ctx context.Context, runID string, muni crawler.Municipality, mode crawler.RunMode) crawler.DiscoveryResult
	DiscoverMunicipal(ctx context.Context, runID string, muni crawler.Municipality, mode crawler.RunMode) crawler.DiscoveryResult
}

// ProjectResolver links procedures to projects. *resolve.Resolver satisfies it.
type ProjectResolver interface {
	Resolve(ctx context.Context, proc crawler.Procedure) (crawler.ProjectLink, *crawler.Project, error)
}

// Config controls Worker behavior.
type Config struct {
	// Topic is the publisher topic for procedure upserts; empty disables
	// publishing.
	Topic string
	// MaxPDFsPerCandidate caps attachment downloads per candidate.
	MaxPDFsPerCandidate int
	// MaxPDFBytes is the HEAD-probe size guard applied in fast mode.
	MaxPDFBytes int64
	// PrefilterBypass lets high-scoring candidates skip the size guard.
	PrefilterBypass float64
}

const (
	defaultMaxPDFsPerCandidate = 5
	defaultMaxPDFBytes         = 25 << 20
	defaultPrefilterBypass     = 0.8
)

// Deps carries the collaborators a Worker needs. Publisher, Emitter and PDF
// are optional; a nil PDF extractor degrades to HTML-only extraction.
type Deps struct {
	Queue      crawler.Queue
	Store      crawler.Store
	Discoverer SourceDiscoverer
	Resolver   ProjectResolver
	Fetcher    crawler.Fetcher
	PDF        crawler.PDFTextExtractor
	Blobs      crawler.BlobStore
	Publisher  crawler.Publisher
	Hasher     crawler.Hasher
	Clock      crawler.Clock
	IDs        crawler.IDGenerator
	Emitter    progress.Emitter
}

// Worker consumes queue jobs and executes the crawl pipeline.
type Worker struct {
	deps     Deps
	cfg      Config
	summary  *summaryTracker
	inflight *atomic.Int64
	logger   *zap.Logger
}

// New constructs a Worker. Workers sharing one summary tracker (via
// SharedSummary) produce consistent municipality summaries across the pool.
func New(deps Deps, cfg Config, logger *zap.Logger) *Worker {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPDFsPerCandidate <= 0 {
		cfg.MaxPDFsPerCandidate = defaultMaxPDFsPerCandidate
	}
	if cfg.MaxPDFBytes <= 0 {
		cfg.MaxPDFBytes = defaultMaxPDFBytes
	}
	if cfg.PrefilterBypass <= 0 {
		cfg.PrefilterBypass = defaultPrefilterBypass
	}
	return &Worker{
		deps:     deps,
		cfg:      cfg,
		summary:  newSummaryTracker(),
		inflight: new(atomic.Int64),
		logger:   logger,
	}
}

// SharedSummary makes this worker report municipality summaries through the
// provided tracker instead of its own.
func (w *Worker) SharedSummary(t *summaryTracker) *Worker {
	w.summary = t
	return w
}

// SharedInflight makes this worker count in-flight jobs on the provided
// counter so a pool supervisor can detect drain.
func (w *Worker) SharedInflight(c *atomic.Int64) *Worker {
	w.inflight = c
	return w
}

// Run blocks, consuming queue jobs until the context finishes or the queue
// closes and drains.
func (w *Worker) Run(ctx context.Context) {
	for {
		job, err := w.deps.Queue.Dequeue(ctx)
		if err != nil {
			if errors.Is(err, crawler.ErrQueueClosed) || ctx.Err() != nil {
				return
			}
			w.logger.Error("queue dequeue failed", zap.Error(err))
			continue
		}

		w.inflight.Add(1)
		metrics.IncActiveWorkers()
		start := w.deps.Clock.Now()
		err = w.Process(ctx, job)
		dur := w.deps.Clock.Now().Sub(start)
		metrics.DecActiveWorkers()
		w.inflight.Add(-1)

		status := "ok"
		if err != nil {
			status = "error"
			w.logger.Error("job failed",
				zap.String("job_type", string(job.Type)),
				zap.String("run_id", job.RunID),
				zap.String("municipality", job.MunicipalityKey),
				zap.Error(err),
			)
		}
		metrics.ObserveJob(string(job.Type), status, dur)
	}
}

// Process executes one job. Adapter and candidate failures are recorded in
// the store and do not fail the job; only infrastructure errors (queue,
// database) propagate.
func (w *Worker) Process(ctx context.Context, job crawler.JobPayload) error {
	switch job.Type {
	case crawler.JobMunicipality:
		return w.processMunicipality(ctx, job)
	case crawler.JobDiscoveryRIS, crawler.JobDiscoveryGazette, crawler.JobDiscoveryMunicipal:
		return w.processDiscovery(ctx, job)
	case crawler.JobExtraction:
		return w.processExtraction(ctx, job)
	default:
		return fmt.Errorf("unknown job type %q", job.Type)
	}
}

func (w *Worker) emit(evt progress.Event) {
	if w.deps.Emitter == nil {
		return
	}
	w.deps.Emitter.Emit(evt)
}
