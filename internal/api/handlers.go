package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/ingest-crawler/internal/crawler"
	"github.com/JakeFAU/ingest-crawler/internal/pipeline"
	"github.com/JakeFAU/ingest-crawler/internal/registry"
	"github.com/JakeFAU/ingest-crawler/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 200
)

type startRunRequest struct {
	Categories  []string `json:"categories"`
	Stages      []string `json:"stages"`
	Incremental bool     `json:"incremental"`
	DryRun      bool     `json:"dry_run"`
}

type runResponse struct {
	Run    crawler.PipelineRun   `json:"run"`
	Stages []crawler.StageRecord `json:"stages"`
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", defaultListLimit)
	if err != nil || limit <= 0 || limit > maxListLimit {
		writeError(w, http.StatusBadRequest, "limit must be between 1 and 200")
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil || offset < 0 {
		writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
		return
	}
	runs, err := s.deps.Runs.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "limit": limit, "offset": offset})
}

// startRun launches a run in the background and answers 202. Dry runs write
// nothing, so they run inline and return their summary.
func (s *Server) startRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	opts := pipeline.Options{Categories: req.Categories, Incremental: req.Incremental, DryRun: req.DryRun}
	for _, raw := range req.Stages {
		stage, err := crawler.ParseStage(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		opts.Stages = append(opts.Stages, stage)
	}

	if opts.DryRun {
		summary, err := s.deps.Runner.Run(r.Context(), opts)
		if err != nil {
			writeError(w, runErrorStatus(err), err.Error())
			return
		}
		writeJSON(w, http.StatusOK, summary)
		return
	}

	running := crawler.StatusRunning
	if active, err := s.deps.Runs.LatestRun(r.Context(), &running); err == nil {
		writeJSON(w, http.StatusConflict, map[string]string{"error": store.ErrRunInProgress.Error(), "run_id": active.ID})
		return
	} else if !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("look up running run failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to check running runs")
		return
	}

	s.runs.Add(1)
	go func() {
		defer s.runs.Done()
		summary, err := s.deps.Runner.Run(s.base, opts)
		if err != nil {
			s.logger.Error("run started over HTTP ended with error", zap.String("run_id", summary.RunID), zap.Error(err))
			return
		}
		s.logger.Info("run started over HTTP completed", zap.String("run_id", summary.RunID))
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func runErrorStatus(err error) int {
	switch {
	case errors.Is(err, pipeline.ErrInvalidOptions):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrRunInProgress):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	run, err := s.deps.Runs.GetRun(r.Context(), runID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}
	stages, err := s.deps.Runs.ListStages(r.Context(), runID)
	if err != nil {
		s.logger.Error("list stages failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load stages")
		return
	}
	writeJSON(w, http.StatusOK, runResponse{Run: run, Stages: stages})
}

func (s *Server) getReport(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "run_id")
	var summary pipeline.Summary
	err := s.deps.Artifacts.ReadSummary(r.Context(), runID, &summary)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "report not found")
		return
	}
	if err != nil {
		s.logger.Error("read report failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read report")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) listSources(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	out := []crawler.Source{}
	for _, src := range s.deps.Sources.Sources() {
		if category == "" || src.Category == category {
			out = append(out, src)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sources": out})
}

func (s *Server) toggleSource(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		s.sources.Lock()
		defer s.sources.Unlock()
		if _, err := s.deps.Sources.SetEnabled(registry.BySource, name, enabled); err != nil {
			if errors.Is(err, registry.ErrUnknownSource) {
				writeError(w, http.StatusNotFound, "source not found")
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.deps.SaveSources != nil {
			if err := s.deps.SaveSources(); err != nil {
				s.logger.Error("save registry failed", zap.String("source", name), zap.Error(err))
				writeError(w, http.StatusInternalServerError, "failed to save registry")
				return
			}
		}
		s.logger.Info("source toggled", zap.String("source", name), zap.Bool("enabled", enabled))
		writeJSON(w, http.StatusOK, map[string]any{"source": name, "enabled": enabled})
	}
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Cache.Stats(r.Context())
	if err != nil {
		s.logger.Error("cache stats failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to read cache stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
