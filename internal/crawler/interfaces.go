package crawler

import (
	"context"
	"errors"
	"net/http"
	"time"
)

// ErrQueueClosed is returned by queue operations after Close.
var ErrQueueClosed = errors.New("queue closed")

// Queue provides enqueue/dequeue semantics for crawl jobs.
type Queue interface {
	Enqueue(ctx context.Context, job JobPayload) error
	Dequeue(ctx context.Context) (JobPayload, error)
	Close() error
}

// FetchRequest describes one retrieval through the politeness chokepoint.
type FetchRequest struct {
	URL string
	// Method is GET when empty; HEAD is used for PDF size probes.
	Method string
	// RISContext enables the RIS-only plain-HTTP fallback rules.
	RISContext bool
	// MaxBodyBytes aborts the download when the body exceeds the limit;
	// zero means no limit.
	MaxBodyBytes int64
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL              string
	StatusCode       int
	Header           http.Header
	Body             []byte
	Duration         time.Duration
	FromCache        bool
	UsedInsecureTLS  bool
	UsedHTTPFallback bool
}

// Fetcher fetches a URL politely: robots, rate limits, cache, retries and
// the TLS/HTTP fallback policies all live behind this single interface.
type Fetcher interface {
	Fetch(ctx context.Context, req FetchRequest) (FetchResponse, error)
}

// HeadlessDetector decides whether a static fetch warrants a browser re-fetch.
type HeadlessDetector interface {
	ShouldPromote(probe FetchResponse) bool
}

// PDFExtractRequest carries one PDF body through progressive text extraction.
type PDFExtractRequest struct {
	URL  string
	Data []byte
	Mode RunMode
}

// PDFExtractResult is the outcome of progressive PDF text extraction.
type PDFExtractResult struct {
	Text           string
	PagesExtracted int
	TotalPages     int
	OCRNeeded      bool
	FromCache      bool
}

// PDFTextExtractor turns PDF bytes into text, first pages first.
type PDFTextExtractor interface {
	Extract(ctx context.Context, req PDFExtractRequest) (PDFExtractResult, error)
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (string, error)
}

// Publisher pushes domain events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// ProcedureBundle is everything the extraction pipeline persists for one
// accepted procedure. The store commits it in a single transaction.
type ProcedureBundle struct {
	Procedure Procedure
	Source    SourceRecord
	Documents []DocumentRecord
	// Project is non-nil when the resolver decided to create a new project.
	Project *Project
	Link    ProjectLink
}

// LinkedProcedure pairs a stored procedure with the project it belongs to.
type LinkedProcedure struct {
	ProjectID string
	Procedure Procedure
}

// Store is the persistence surface used by the workers and the API.
type Store interface {
	SaveCandidates(ctx context.Context, candidates []Candidate) error
	GetCandidate(ctx context.Context, id string) (Candidate, error)
	UpdateCandidateStatus(ctx context.Context, id string, status CandidateStatus, skipReason, errorMessage string) error
	UpsertProcedure(ctx context.Context, bundle ProcedureBundle) error
	InsertAuditSource(ctx context.Context, src SourceRecord) error
	AddCrawlStats(ctx context.Context, stats CrawlStats) error
	RunStats(ctx context.Context, runID string) ([]CrawlStats, error)
	Ping(ctx context.Context) error
}

// Hasher computes digests for deduplication and integrity.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run, candidate and document IDs.
type IDGenerator interface {
	NewID() (string, error)
}
