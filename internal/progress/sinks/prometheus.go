package sinks

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/netzspeicher/bess-crawler/internal/progress"
)

// PrometheusSink exports crawl progress metrics via Prometheus. It owns all
// collectors for municipality lifecycle, source outcomes and persistence
// counters; fetch-level metrics live in the metrics package.
type PrometheusSink struct {
	municipalitiesStarted prometheus.Counter
	municipalitiesDone    prometheus.Counter
	municipalitiesRunning prometheus.Gauge
	municipalityDuration  prometheus.Histogram

	sourceOutcomes    *prometheus.CounterVec
	candidatesFound   *prometheus.CounterVec
	candidatesSkipped prometheus.Counter
	proceduresSaved   prometheus.Counter
	runErrors         prometheus.Counter

	tracker *municipalityTracker
}

// NewPrometheusSink registers the collectors against the provided registry.
func NewPrometheusSink(reg prometheus.Registerer) (*PrometheusSink, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	s := &PrometheusSink{
		municipalitiesStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_municipalities_started_total",
			Help: "Municipalities for which a crawl job has started.",
		}),
		municipalitiesDone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_municipalities_done_total",
			Help: "Municipalities for which the crawl job completed.",
		}),
		municipalitiesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "crawl_municipalities_running",
			Help: "Municipality jobs currently in flight.",
		}),
		municipalityDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "crawl_municipality_duration_seconds",
			Help:    "Wall time per completed municipality.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200},
		}),
		sourceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_source_outcomes_total",
			Help: "Discovery adapter completions partitioned by source and status.",
		}, []string{"source", "status"}),
		candidatesFound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "crawl_progress_candidates_total",
			Help: "Candidates discovered, partitioned by source.",
		}, []string{"source"}),
		candidatesSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_progress_candidates_skipped_total",
			Help: "Candidates skipped before extraction.",
		}),
		proceduresSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_progress_procedures_saved_total",
			Help: "Procedures persisted to the store.",
		}),
		runErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "crawl_progress_errors_total",
			Help: "Errors reported through the progress stream.",
		}),
		tracker: newMunicipalityTracker(),
	}
	for _, collector := range []prometheus.Collector{
		s.municipalitiesStarted,
		s.municipalitiesDone,
		s.municipalitiesRunning,
		s.municipalityDuration,
		s.sourceOutcomes,
		s.candidatesFound,
		s.candidatesSkipped,
		s.proceduresSaved,
		s.runErrors,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, fmt.Errorf("register progress collector: %w", err)
		}
	}
	return s, nil
}

// Consume updates the Prometheus collectors using the provided batch. It is
// safe for concurrent use by multiple goroutines.
func (s *PrometheusSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		s.consumeEvent(evt)
	}
	return nil
}

func (s *PrometheusSink) consumeEvent(evt progress.Event) {
	switch evt.Stage {
	case progress.StageMunicipalityStart:
		s.municipalitiesStarted.Inc()
		if s.tracker.start(evt.RunID, evt.MunicipalityKey) {
			s.municipalitiesRunning.Inc()
		}
	case progress.StageMunicipalityDone:
		s.municipalitiesDone.Inc()
		if evt.Dur > 0 {
			s.municipalityDuration.Observe(evt.Dur.Seconds())
		}
		if s.tracker.complete(evt.RunID, evt.MunicipalityKey) {
			s.municipalitiesRunning.Dec()
		}
	case progress.StageSourceDone:
		s.sourceOutcomes.WithLabelValues(string(evt.Source), string(evt.Status)).Inc()
	case progress.StageCandidateFound:
		s.candidatesFound.WithLabelValues(string(evt.Source)).Add(float64(max(evt.Candidates, 1)))
	case progress.StageCandidateSkipped:
		s.candidatesSkipped.Inc()
	case progress.StageProcedureSaved:
		s.proceduresSaved.Inc()
	case progress.StageError:
		s.runErrors.Inc()
		if evt.MunicipalityKey != "" && s.tracker.complete(evt.RunID, evt.MunicipalityKey) {
			s.municipalitiesRunning.Dec()
		}
	}
}

// Close implements the Sink interface; it performs no action.
func (s *PrometheusSink) Close(context.Context) error {
	return nil
}

type municipalityTracker struct {
	mu      sync.Mutex
	running map[string]struct{}
}

func newMunicipalityTracker() *municipalityTracker {
	return &municipalityTracker{running: make(map[string]struct{})}
}

func trackerKey(runID, municipalityKey string) string {
	return runID + "/" + municipalityKey
}

func (t *municipalityTracker) start(runID, municipalityKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey(runID, municipalityKey)
	if _, ok := t.running[key]; ok {
		return false
	}
	t.running[key] = struct{}{}
	return true
}

func (t *municipalityTracker) complete(runID, municipalityKey string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := trackerKey(runID, municipalityKey)
	if _, ok := t.running[key]; !ok {
		return false
	}
	delete(t.running, key)
	return true
}
