package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/netzspeicher/bess-crawler/internal/crawler"
)

// maxRunMunicipalities caps a single run request; larger sweeps go through
// the municipality CSV and the CLI.
const maxRunMunicipalities = 500

type runRequest struct {
	Municipalities []runMunicipality `json:"municipalities"`
	Mode           string            `json:"mode"`
}

type runMunicipality struct {
	Key        string `json:"key"`
	Name       string `json:"name"`
	Entrypoint string `json:"entrypoint"`
}

type runResponse struct {
	RunID    string `json:"run_id"`
	Enqueued int    `json:"enqueued"`
}

type runStatsResponse struct {
	RunID          string               `json:"run_id"`
	Municipalities []crawler.CrawlStats `json:"municipalities"`
	Totals         crawler.CrawlStats   `json:"totals"`
}

// startRun handles POST /v1/runs: it mints a run ID and enqueues one
// municipality job per requested municipality.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req runRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if len(req.Municipalities) == 0 {
		writeError(w, http.StatusBadRequest, "at least one municipality required")
		return
	}
	if len(req.Municipalities) > maxRunMunicipalities {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("too many municipalities (max %d)", maxRunMunicipalities))
		return
	}

	modeRaw := req.Mode
	if modeRaw == "" {
		modeRaw = s.cfg.Mode
	}
	mode, err := crawler.ParseRunMode(modeRaw)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	for i, m := range req.Municipalities {
		if m.Key == "" || m.Name == "" {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("municipality %d: key and name are required", i))
			return
		}
	}

	runID, err := s.ids.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not create run")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), enqueueTimeout)
	defer cancel()

	enqueued := 0
	for _, m := range req.Municipalities {
		job := crawler.JobPayload{
			Type:             crawler.JobMunicipality,
			RunID:            runID,
			MunicipalityKey:  m.Key,
			MunicipalityName: m.Name,
			Entrypoint:       m.Entrypoint,
			Mode:             mode,
		}
		if err := s.dispatch.Enqueue(ctx, job); err != nil {
			s.logger.Error("run enqueue failed",
				zap.String("run_id", runID),
				zap.String("municipality", m.Key),
				zap.Error(err),
			)
			status := http.StatusInternalServerError
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusRequestTimeout
			}
			writeError(w, status, "enqueue failed")
			return
		}
		enqueued++
	}

	s.logger.Info("run started",
		zap.String("run_id", runID),
		zap.String("mode", string(mode)),
		zap.Int("municipalities", enqueued),
	)
	writeJSON(w, http.StatusAccepted, runResponse{RunID: runID, Enqueued: enqueued})
}

// runStats handles GET /v1/runs/{run_id}/stats: per-municipality rows plus
// run-wide totals.
func (s *Server) runStats(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	if runID == "" {
		writeError(w, http.StatusBadRequest, "run id required")
		return
	}

	rows, err := s.store.RunStats(r.Context(), runID)
	if err != nil {
		s.logger.Error("run stats query failed",
			zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run stats")
		return
	}
	if len(rows) == 0 {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}

	totals := crawler.CrawlStats{RunID: runID}
	for _, row := range rows {
		totals.Add(row)
	}
	writeJSON(w, http.StatusOK, runStatsResponse{
		RunID:          runID,
		Municipalities: rows,
		Totals:         totals,
	})
}
