package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
	"github.com/netzspeicher/bess-crawler/internal/resolve"
)

// Memory is an in-memory Store and resolve.Directory for tests and runs
// without a database.
type Memory struct {
	mu         sync.RWMutex
	procedures map[string]crawler.Procedure
	sources    []crawler.SourceRecord
	documents  map[string][]crawler.DocumentRecord
	projects   map[string]crawler.Project
	links      map[string]crawler.ProjectLink // procedure id -> link
	candidates map[string]crawler.Candidate
	stats      map[string]crawler.CrawlStats // run id + "\x00" + muni key
}

// NewMemory builds an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		procedures: make(map[string]crawler.Procedure),
		documents:  make(map[string][]crawler.DocumentRecord),
		projects:   make(map[string]crawler.Project),
		links:      make(map[string]crawler.ProjectLink),
		candidates: make(map[string]crawler.Candidate),
		stats:      make(map[string]crawler.CrawlStats),
	}
}

// UpsertProcedure mirrors the Postgres transaction: procedure, source,
// documents, project, link and rollup land together under one lock.
func (m *Memory) UpsertProcedure(_ context.Context, bundle crawler.ProcedureBundle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.procedures[bundle.Procedure.ID] = bundle.Procedure
	m.sources = append(m.sources, bundle.Source)
	if len(bundle.Documents) > 0 {
		byHash := make(map[string]bool)
		kept := m.documents[bundle.Procedure.ID]
		for _, doc := range kept {
			byHash[doc.SHA256] = true
		}
		for _, doc := range bundle.Documents {
			if !byHash[doc.SHA256] {
				kept = append(kept, doc)
				byHash[doc.SHA256] = true
			}
		}
		m.documents[bundle.Procedure.ID] = kept
	}

	if bundle.Project != nil {
		if _, exists := m.projects[bundle.Project.ID]; !exists {
			m.projects[bundle.Project.ID] = *bundle.Project
		}
	}
	if bundle.Link.ProjectID != "" {
		m.links[bundle.Procedure.ID] = bundle.Link
		m.recomputeLocked(bundle.Link.ProjectID, bundle.Procedure.UpdatedAt)
	}
	return nil
}

func (m *Memory) recomputeLocked(projectID string, at time.Time) {
	project, ok := m.projects[projectID]
	if !ok {
		return
	}
	procs := m.linkedLocked(projectID)
	if len(procs) == 0 {
		return
	}
	rolled := resolve.Rollup(project, procs)
	rolled.UpdatedAt = at.UTC()
	m.projects[projectID] = rolled
}

func (m *Memory) linkedLocked(projectID string) []crawler.Procedure {
	var procs []crawler.Procedure
	for procedureID, link := range m.links {
		if link.ProjectID != projectID {
			continue
		}
		if p, ok := m.procedures[procedureID]; ok {
			procs = append(procs, p)
		}
	}
	return procs
}

// InsertAuditSource appends an audit-only source row.
func (m *Memory) InsertAuditSource(_ context.Context, src crawler.SourceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sources = append(m.sources, src)
	return nil
}

// SaveCandidates stores discovery output, first write wins per id.
func (m *Memory) SaveCandidates(_ context.Context, candidates []crawler.Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range candidates {
		if _, exists := m.candidates[c.ID]; !exists {
			m.candidates[c.ID] = c
		}
	}
	return nil
}

// GetCandidate returns one candidate or an error when absent.
func (m *Memory) GetCandidate(_ context.Context, id string) (crawler.Candidate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.candidates[id]
	if !ok {
		return crawler.Candidate{}, fmt.Errorf("store: candidate %s not found", id)
	}
	return c, nil
}

// UpdateCandidateStatus records the extraction outcome.
func (m *Memory) UpdateCandidateStatus(_ context.Context, id string, status crawler.CandidateStatus, skipReason, errorMessage string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.candidates[id]
	if !ok {
		return fmt.Errorf("store: candidate %s not found", id)
	}
	c.Status = status
	c.SkipReason = skipReason
	c.ErrorMessage = errorMessage
	m.candidates[id] = c
	return nil
}

// AddCrawlStats accumulates counters per run and municipality.
func (m *Memory) AddCrawlStats(_ context.Context, stats crawler.CrawlStats) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := stats.RunID + "\x00" + stats.MunicipalityKey
	existing, ok := m.stats[key]
	if !ok {
		existing = crawler.CrawlStats{RunID: stats.RunID, MunicipalityKey: stats.MunicipalityKey}
	}
	existing.Add(stats)
	m.stats[key] = existing
	return nil
}

// RunStats lists accumulated stats for one run.
func (m *Memory) RunStats(_ context.Context, runID string) ([]crawler.CrawlStats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []crawler.CrawlStats
	for _, st := range m.stats {
		if st.RunID == runID {
			out = append(out, st)
		}
	}
	return out, nil
}

// Ping always succeeds.
func (m *Memory) Ping(context.Context) error { return nil }

// GetProject returns one project row.
func (m *Memory) GetProject(_ context.Context, id string) (crawler.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.projects[id]
	if !ok {
		return crawler.Project{}, fmt.Errorf("store: project %s not found", id)
	}
	return p, nil
}

// ProjectsByMunicipality satisfies resolve.Directory.
func (m *Memory) ProjectsByMunicipality(_ context.Context, key string) ([]crawler.Project, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []crawler.Project
	for _, p := range m.projects {
		if p.MunicipalityKey == key {
			out = append(out, p)
		}
	}
	return out, nil
}

// LinkedProcedures satisfies resolve.Directory.
func (m *Memory) LinkedProcedures(_ context.Context, projectID string) ([]crawler.Procedure, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.linkedLocked(projectID), nil
}

// Sources returns a copy of all audit rows, newest last.
func (m *Memory) Sources() []crawler.SourceRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]crawler.SourceRecord(nil), m.sources...)
}
