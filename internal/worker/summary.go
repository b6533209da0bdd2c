package worker

import (
	"sync"
	"time"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/progress"
)

// statusPending marks a source that has not reported yet in summaries.
const statusPending crawler.SourceStatus = "PENDING"

// summaryTracker accumulates per-municipality source outcomes and procedure
// counts across the worker pool so that every discovery completion can emit
// a consistent municipality summary.
type summaryTracker struct {
	mu sync.Mutex
	m  map[string]*muniProgress
}

type muniProgress struct {
	name       string
	started    time.Time
	statuses   map[crawler.SourceType]crawler.SourceStatus
	procedures int
}

// NewSummaryTracker builds a tracker shared by a worker pool.
func NewSummaryTracker() *summaryTracker {
	return newSummaryTracker()
}

func newSummaryTracker() *summaryTracker {
	return &summaryTracker{m: make(map[string]*muniProgress)}
}

func summaryKey(runID, municipalityKey string) string {
	return runID + "/" + municipalityKey
}

func (t *summaryTracker) get(runID string, muni crawler.Municipality, now time.Time) *muniProgress {
	key := summaryKey(runID, muni.Key)
	p := t.m[key]
	if p == nil {
		p = &muniProgress{
			name:     muni.Name,
			started:  now,
			statuses: make(map[crawler.SourceType]crawler.SourceStatus),
		}
		t.m[key] = p
	}
	return p
}

// sourceDone records one adapter outcome and returns the summary event to
// emit. final is true once all three sources have reported.
func (t *summaryTracker) sourceDone(runID string, muni crawler.Municipality, source crawler.SourceType, status crawler.SourceStatus, now time.Time) (progress.Event, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := t.get(runID, muni, now)
	p.statuses[source] = status
	final := len(p.statuses) >= 3

	evt := progress.Event{
		RunID:            runID,
		TS:               now,
		Stage:            progress.StageMunicipalitySummary,
		MunicipalityKey:  muni.Key,
		MunicipalityName: p.name,
		RISStatus:        p.status(crawler.SourceRIS),
		AmtsblattStatus:  p.status(crawler.SourceAmtsblatt),
		MunicipalStatus:  p.status(crawler.SourceMunicipal),
		Procedures:       p.procedures,
	}
	if final {
		evt.Stage = progress.StageMunicipalityDone
		evt.Dur = now.Sub(p.started)
	}
	return evt, final
}

// procedureSaved bumps the municipality's procedure count.
func (t *summaryTracker) procedureSaved(runID string, muni crawler.Municipality, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.get(runID, muni, now).procedures++
}

func (p *muniProgress) status(source crawler.SourceType) crawler.SourceStatus {
	if s, ok := p.statuses[source]; ok {
		return s
	}
	return statusPending
}
