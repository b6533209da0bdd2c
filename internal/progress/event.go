// Package progress defines the event structures emitted by the crawl workers.
package progress

import (
	"errors"
	"fmt"
	"time"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// Stage denotes the type of milestone represented by an Event.
type Stage string

// Supported progress stages.
const (
	StageRunStart          Stage = "RUN_START"
	StageRunDone           Stage = "RUN_DONE"
	StageMunicipalityStart Stage = "MUNICIPALITY_START"
	// StageMunicipalitySummary is an interim summary emitted after each
	// source adapter finishes; StageMunicipalityDone closes the municipality
	// once all sources have reported.
	StageMunicipalitySummary Stage = "MUNICIPALITY_SUMMARY"
	StageMunicipalityDone    Stage = "MUNICIPALITY_DONE"
	StageSourceDone        Stage = "SOURCE_DONE"
	StageCandidateFound    Stage = "CANDIDATE_FOUND"
	StageCandidateSkipped  Stage = "CANDIDATE_SKIPPED"
	StageProcedureSaved    Stage = "PROCEDURE_SAVED"
	StageError             Stage = "ERROR"
)

// Event captures a single milestone of a crawl run. Municipality-scoped
// stages carry the municipality key; SOURCE_DONE additionally carries which
// adapter finished and with what outcome.
type Event struct {
	// RunID identifies the crawl run the event belongs to.
	RunID string
	// TS is the UTC timestamp recorded by the emitter.
	TS time.Time
	// Stage denotes which lifecycle milestone occurred.
	Stage Stage
	// MunicipalityKey scopes municipality, source and candidate stages.
	MunicipalityKey string
	// MunicipalityName is the display name, used for summary lines.
	MunicipalityName string
	// Source names the discovery adapter for SOURCE_DONE and candidate stages.
	Source crawler.SourceType
	// Status is the adapter outcome for SOURCE_DONE.
	Status crawler.SourceStatus
	// RISStatus, AmtsblattStatus and MunicipalStatus carry the per-source
	// outcomes on MUNICIPALITY_DONE so sinks can render the summary.
	RISStatus       crawler.SourceStatus
	AmtsblattStatus crawler.SourceStatus
	MunicipalStatus crawler.SourceStatus
	// Candidates counts discovered candidates for the stage's scope.
	Candidates int
	// Procedures counts persisted procedures for the stage's scope.
	Procedures int
	// URL optionally points at the page or document involved.
	URL string
	// Dur captures execution latency for done stages.
	Dur time.Duration
	// Note lets emitters attach low-volume context (skip reason, error text).
	Note string
}

// Validate performs coarse validation on Event payloads.
func (e Event) Validate() error {
	if e.RunID == "" {
		return errors.New("run id is required")
	}
	if e.TS.IsZero() {
		return errors.New("timestamp is required")
	}
	switch e.Stage {
	case StageRunStart, StageRunDone, StageError:
	case StageMunicipalityStart, StageMunicipalitySummary, StageMunicipalityDone:
		if e.MunicipalityKey == "" {
			return fmt.Errorf("%s requires municipality key", e.Stage)
		}
	case StageSourceDone:
		if e.MunicipalityKey == "" {
			return errors.New("source done requires municipality key")
		}
		if e.Source == "" {
			return errors.New("source done requires source")
		}
		if e.Status == "" {
			return errors.New("source done requires status")
		}
	case StageCandidateFound, StageCandidateSkipped:
		if e.Source == "" {
			return fmt.Errorf("%s requires source", e.Stage)
		}
	case StageProcedureSaved:
		if e.MunicipalityKey == "" {
			return errors.New("procedure saved requires municipality key")
		}
	default:
		return fmt.Errorf("unknown stage %q", e.Stage)
	}
	if e.Dur < 0 {
		return errors.New("duration must be >= 0")
	}
	return nil
}
