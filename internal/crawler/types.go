package crawler

import (
	"fmt"
	"time"
)

// RunMode selects the crawl depth/threshold profile.
type RunMode string

// Run modes.
const (
	ModeFast RunMode = "fast"
	ModeDeep RunMode = "deep"
)

// ParseRunMode validates a mode string from flags or the API.
func ParseRunMode(s string) (RunMode, error) {
	switch RunMode(s) {
	case ModeFast, ModeDeep:
		return RunMode(s), nil
	case "":
		return ModeFast, nil
	default:
		return "", fmt.Errorf("unknown run mode %q", s)
	}
}

// SourceType identifies where a candidate was discovered.
type SourceType string

// Discovery source types.
const (
	SourceRIS       SourceType = "RIS"
	SourceAmtsblatt SourceType = "AMTSBLATT"
	SourceMunicipal SourceType = "MUNICIPAL_WEBSITE"
)

// SourceStatus is the outcome of a discovery or fetch attempt, persisted for audit.
type SourceStatus string

// Source statuses.
const (
	SourceStatusOK           SourceStatus = "OK"
	SourceStatusEmpty        SourceStatus = "EMPTY"
	SourceStatusNotFound     SourceStatus = "NOT_FOUND"
	SourceStatusErrorSSL     SourceStatus = "ERROR_SSL"
	SourceStatusErrorNetwork SourceStatus = "ERROR_NETWORK"
	SourceStatusErrorOther   SourceStatus = "ERROR_OTHER"
)

// CandidateStatus is the lifecycle state of a discovered candidate.
type CandidateStatus string

// Candidate statuses persisted in the candidate table.
const (
	CandidatePending CandidateStatus = "PENDING"
	CandidateDone    CandidateStatus = "DONE"
	CandidateSkipped CandidateStatus = "SKIPPED"
	CandidateError   CandidateStatus = "ERROR"
)

// Municipality is one unit of work for a crawl run.
type Municipality struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Entrypoint string `json:"entrypoint,omitempty"`
}

// Candidate is a lightweight pointer to a potentially relevant document,
// produced by discovery and consumed by extraction.
type Candidate struct {
	ID               string          `json:"id"`
	RunID            string          `json:"run_id"`
	MunicipalityKey  string          `json:"municipality_key"`
	MunicipalityName string          `json:"municipality_name"`
	Source           SourceType      `json:"source"`
	URL              string          `json:"url"`
	Title            string          `json:"title"`
	PublishedAt      *time.Time      `json:"published_at,omitempty"`
	DocURLs          []string        `json:"doc_urls,omitempty"`
	PrefilterScore   float64         `json:"prefilter_score"`
	Status           CandidateStatus `json:"status"`
	SkipReason       string          `json:"skip_reason,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Discovery methods recorded in diagnostics.
const (
	MethodSiteDriven      = "site_driven"
	MethodPatternGuessing = "pattern_guessing"
)

// Diagnostic reason codes for discovery outcomes.
const (
	ReasonFound         = "FOUND"
	ReasonNoSeedURL     = "NO_SEED_URL"
	ReasonAllURLs404    = "ALL_URLS_404"
	ReasonSSLBlocked    = "SSL_BLOCKED"
	ReasonNoMarkers     = "NO_MARKERS_FOUND"
	ReasonFoundButEmpty = "FOUND_BUT_EMPTY"
)

// Diagnostics explains how an adapter arrived at its result, kept even on
// success so that silent discovery failures stay debuggable.
type Diagnostics struct {
	Method        string            `json:"method"`
	AttemptedURLs []string          `json:"attempted_urls,omitempty"`
	FailedURLs    map[string]string `json:"failed_urls,omitempty"`
	ReasonCode    string            `json:"reason_code"`
}

// DiscoveryResult is the graceful-degradation envelope returned by every
// source adapter: on failure Candidates is empty and Status says why.
type DiscoveryResult struct {
	Source      SourceType  `json:"source"`
	Status      SourceStatus `json:"status"`
	Candidates  []Candidate `json:"candidates"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// ProcedureType tags the formal planning or permitting step a document records.
type ProcedureType string

// Procedure types, ordered roughly along the planning timeline.
const (
	ProcBplanAufstellung     ProcedureType = "BPLAN_AUFSTELLUNG"
	ProcBplanFruehzeitig31   ProcedureType = "BPLAN_FRUEHZEITIG_3_1"
	ProcBplanAuslegung32     ProcedureType = "BPLAN_AUSLEGUNG_3_2"
	ProcBplanSatzung         ProcedureType = "BPLAN_SATZUNG"
	ProcBplanOther           ProcedureType = "BPLAN_OTHER"
	ProcPermitBauvorbescheid ProcedureType = "PERMIT_BAUVORBESCHEID"
	ProcPermitBaugenehmigung ProcedureType = "PERMIT_BAUGENEHMIGUNG"
	ProcPermit36Einvernehmen ProcedureType = "PERMIT_36_EINVERNEHMEN"
	ProcPermitOther          ProcedureType = "PERMIT_OTHER"
	ProcUnknown              ProcedureType = "UNKNOWN"
)

// Legal basis values. German building code references are kept verbatim.
const (
	LegalBasis35      = "§ 35"
	LegalBasis34      = "§ 34"
	LegalBasis36      = "§ 36"
	LegalBasisUnknown = "unknown"
)

// Project component mixes.
const (
	ComponentsPVBESS   = "PV+BESS"
	ComponentsWindBESS = "WIND+BESS"
	ComponentsBESSOnly = "BESS_ONLY"
	ComponentsOther    = "OTHER"
)

// Procedure is the unit record of the pipeline: one classified planning or
// permitting step for one municipality.
type Procedure struct {
	ID               string        `json:"id"`
	RunID            string        `json:"run_id"`
	MunicipalityKey  string        `json:"municipality_key"`
	MunicipalityName string        `json:"municipality_name"`
	Title            string        `json:"title"`
	TitleNorm        string        `json:"title_norm"`
	URL              string        `json:"url"`
	DiscoverySource  SourceType    `json:"discovery_source"`
	ProcedureType    ProcedureType `json:"procedure_type"`
	LegalBasis       string        `json:"legal_basis"`
	Components       string        `json:"components"`
	Relevant         bool          `json:"relevant"`
	AmbiguityFlag    bool          `json:"ambiguity_flag"`
	ReviewNeeded     bool          `json:"review_recommended"`
	Confidence       float64       `json:"confidence"`
	BessScore        int           `json:"bess_score"`
	GridScore        int           `json:"grid_score"`
	CapacityMW       *float64      `json:"capacity_mw,omitempty"`
	CapacityMWh      *float64      `json:"capacity_mwh,omitempty"`
	AreaHA           *float64      `json:"area_ha,omitempty"`
	Developer        string        `json:"developer,omitempty"`
	LocationText     string        `json:"location_text,omitempty"`
	PlanToken        string        `json:"plan_token,omitempty"`
	ParcelToken      string        `json:"parcel_token,omitempty"`
	DecisionDate     *time.Time    `json:"decision_date,omitempty"`
	EvidenceSnippets []string      `json:"evidence_snippets,omitempty"`
	MatchedTerms     map[string][]string `json:"matched_terms,omitempty"`
	ContentHash      string        `json:"content_hash"`
	CreatedAt        time.Time     `json:"created_at"`
	UpdatedAt        time.Time     `json:"updated_at"`
}

// SourceRecord is the audit row written for every extraction outcome,
// including rejects. ProcedureID is nil for audit-only rows.
type SourceRecord struct {
	ID              string       `json:"id"`
	ProcedureID     *string      `json:"procedure_id,omitempty"`
	RunID           string       `json:"run_id"`
	MunicipalityKey string       `json:"municipality_key"`
	SourceType      SourceType   `json:"source_type"`
	URL             string       `json:"url"`
	Status          SourceStatus `json:"status"`
	HTTPStatus      int          `json:"http_status,omitempty"`
	ContentHash     string       `json:"content_hash,omitempty"`
	SkipReason      string       `json:"skip_reason,omitempty"`
	ErrorMessage    string       `json:"error_message,omitempty"`
	FetchedAt       time.Time    `json:"fetched_at"`
}

// DocumentRecord describes one stored attachment (usually a PDF).
type DocumentRecord struct {
	ID            string    `json:"id"`
	ProcedureID   string    `json:"procedure_id"`
	URL           string    `json:"url"`
	SHA256        string    `json:"sha256"`
	ContentType   string    `json:"content_type,omitempty"`
	StoragePath   string    `json:"storage_path,omitempty"`
	SizeBytes     int64     `json:"size_bytes"`
	PageCount     int       `json:"page_count,omitempty"`
	OCRNeeded     bool      `json:"ocr_needed"`
	TextExtracted bool      `json:"text_extracted"`
	FetchedAt     time.Time `json:"fetched_at"`
}

// Maturity is the rollup stage of a project. Values are ordered; compare
// with Rank, never lexically.
type Maturity string

// Project maturity ladder, ascending.
const (
	MaturityDiscovered       Maturity = "DISCOVERED"
	MaturityBplanAufstellung Maturity = "BPLAN_AUFSTELLUNG"
	MaturityBplanAuslegung   Maturity = "BPLAN_AUSLEGUNG"
	MaturityBplanSatzung     Maturity = "BPLAN_SATZUNG"
	MaturityPermit36         Maturity = "PERMIT_36"
	MaturityBauvorbescheid   Maturity = "PERMIT_BAUVORBESCHEID"
	MaturityBaugenehmigung   Maturity = "PERMIT_BAUGENEHMIGUNG"
)

var maturityRank = map[Maturity]int{
	MaturityDiscovered:       0,
	MaturityBplanAufstellung: 1,
	MaturityBplanAuslegung:   2,
	MaturityBplanSatzung:     3,
	MaturityPermit36:         4,
	MaturityBauvorbescheid:   5,
	MaturityBaugenehmigung:   6,
}

// Rank returns the ladder position; unknown values rank below DISCOVERED.
func (m Maturity) Rank() int {
	if r, ok := maturityRank[m]; ok {
		return r
	}
	return -1
}

// MaturityForProcedure maps a procedure type onto the project ladder.
func MaturityForProcedure(pt ProcedureType) Maturity {
	switch pt {
	case ProcBplanAufstellung:
		return MaturityBplanAufstellung
	case ProcBplanFruehzeitig31, ProcBplanAuslegung32:
		return MaturityBplanAuslegung
	case ProcBplanSatzung:
		return MaturityBplanSatzung
	case ProcPermit36Einvernehmen:
		return MaturityPermit36
	case ProcPermitBauvorbescheid:
		return MaturityBauvorbescheid
	case ProcPermitBaugenehmigung:
		return MaturityBaugenehmigung
	default:
		return MaturityDiscovered
	}
}

// Project is the deduplicated rollup of procedures that concern one site.
type Project struct {
	ID              string     `json:"id"`
	MunicipalityKey string     `json:"municipality_key"`
	CanonicalName   string     `json:"canonical_name"`
	SiteLocation    string     `json:"site_location,omitempty"`
	Developer       string     `json:"developer,omitempty"`
	Maturity        Maturity   `json:"maturity"`
	LegalBasis      string     `json:"legal_basis"`
	CapacityMW      *float64   `json:"capacity_mw,omitempty"`
	CapacityMWh     *float64   `json:"capacity_mwh,omitempty"`
	AreaHA          *float64   `json:"area_ha,omitempty"`
	FirstSeen       time.Time  `json:"first_seen"`
	LastSeen        time.Time  `json:"last_seen"`
	MaxConfidence   float64    `json:"max_confidence"`
	NeedsReview     bool       `json:"needs_review"`
	ProcedureCount  int        `json:"procedure_count"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Project link match types, in descending match strength.
const (
	MatchParcel   = "PARCEL"
	MatchPlan     = "PLAN"
	MatchDevTitle = "DEV_TITLE"
	MatchTitleSig = "TITLE_SIG"
)

// Link reasons for newly created projects.
const (
	LinkReasonNewProject = "NEW_PROJECT"
	LinkReasonPermit36   = "PERMIT_36_NEW"
)

// ProjectLink records why a procedure was attached to a project.
type ProjectLink struct {
	ProjectID   string    `json:"project_id"`
	ProcedureID string    `json:"procedure_id"`
	MatchType   string    `json:"match_type,omitempty"`
	Confidence  float64   `json:"confidence"`
	Reason      string    `json:"reason"`
	CreatedAt   time.Time `json:"created_at"`
}

// JobType routes queue payloads to worker handlers.
type JobType string

// Job types.
const (
	JobMunicipality       JobType = "Municipality"
	JobDiscoveryRIS       JobType = "DiscoveryRIS"
	JobDiscoveryGazette   JobType = "DiscoveryGazette"
	JobDiscoveryMunicipal JobType = "DiscoveryMunicipal"
	JobExtraction         JobType = "Extraction"
)

// JobPayload is the unit carried by the queue. It is JSON-encoded when the
// queue backend needs bytes on the wire.
type JobPayload struct {
	Type             JobType `json:"type"`
	RunID            string  `json:"run_id"`
	MunicipalityKey  string  `json:"municipality_key"`
	MunicipalityName string  `json:"municipality_name"`
	Entrypoint       string  `json:"entrypoint,omitempty"`
	Mode             RunMode `json:"mode"`
	CandidateID      string  `json:"candidate_id,omitempty"`
}

// CrawlStats aggregates counters and stage timings per run and municipality.
type CrawlStats struct {
	RunID             string `json:"run_id"`
	MunicipalityKey   string `json:"municipality_key"`
	PagesFetched      int    `json:"pages_fetched"`
	PDFsDownloaded    int    `json:"pdfs_downloaded"`
	PDFsSkipped       int    `json:"pdfs_skipped"`
	CandidatesFound   int    `json:"candidates_found"`
	ProceduresSaved   int    `json:"procedures_saved"`
	ProceduresSkipped int    `json:"procedures_skipped"`
	Errors            int    `json:"errors"`
	FetchHTMLMs       int64  `json:"fetch_html_ms"`
	FetchPDFMs        int64  `json:"fetch_pdf_ms"`
	ExtractPDFMs      int64  `json:"extract_pdf_ms"`
	ClassifyMs        int64  `json:"classify_ms"`
	DBWriteMs         int64  `json:"db_write_ms"`
	TotalMs           int64  `json:"total_ms"`
}

// Add accumulates counters and timings from another stats sample.
func (s *CrawlStats) Add(other CrawlStats) {
	s.PagesFetched += other.PagesFetched
	s.PDFsDownloaded += other.PDFsDownloaded
	s.PDFsSkipped += other.PDFsSkipped
	s.CandidatesFound += other.CandidatesFound
	s.ProceduresSaved += other.ProceduresSaved
	s.ProceduresSkipped += other.ProceduresSkipped
	s.Errors += other.Errors
	s.FetchHTMLMs += other.FetchHTMLMs
	s.FetchPDFMs += other.FetchPDFMs
	s.ExtractPDFMs += other.ExtractPDFMs
	s.ClassifyMs += other.ClassifyMs
	s.DBWriteMs += other.DBWriteMs
	s.TotalMs += other.TotalMs
}
