package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/copyleftdev/scryrun/internal/dom"
	"github.com/copyleftdev/scryrun/internal/errs"
	"github.com/copyleftdev/scryrun/internal/report"
	"github.com/copyleftdev/scryrun/internal/scenario"
	"github.com/copyleftdev/scryrun/internal/store"
	"github.com/copyleftdev/scryrun/internal/suite"
)

// History is the persisted view of past runs.
type History interface {
	Recent(ctx context.Context, limit int) ([]store.RunSummary, error)
	ScenarioHistory(ctx context.Context, name string, since time.Time) (store.Flakiness, error)
}

type APIHandler struct {
	deps   Deps
	logger *zap.Logger
}

func NewAPIHandler(deps Deps, logger *zap.Logger) *APIHandler {
	return &APIHandler{deps: deps, logger: logger}
}

// SubmitRunRequest selects what to run. Inline Documents win over catalog
// selection; named Scenarios win over Filter and Tags.
type SubmitRunRequest struct {
	Scenarios   []string `json:"scenarios,omitempty"`
	Filter      string   `json:"filter,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Documents   string   `json:"documents,omitempty"`
	CallbackURL string   `json:"callback_url,omitempty"`
}

type SubmitRunResponse struct {
	RunID     string          `json:"run_id"`
	Status    suite.RunStatus `json:"status"`
	Scenarios []string        `json:"scenarios"`
}

type ListRunsResponse struct {
	Active []suite.Run         `json:"active"`
	Recent []store.RunSummary `json:"recent,omitempty"`
}

type ScenarioInfo struct {
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	Source      string   `json:"source"`
	Steps       int      `json:"steps"`
}

type DomOutlineRequest struct {
	HTML  string `json:"html"`
	Limit int    `json:"limit,omitempty"`
}

type DomOutlineResponse struct {
	Lines []string `json:"lines"`
}

func (h *APIHandler) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	defer r.Body.Close()

	scenarios, err := h.resolve(&req)
	if err != nil {
		h.respondErr(w, err)
		return
	}

	run, err := h.deps.Manager.Submit(scenarios, req.CallbackURL)
	if err != nil {
		h.respondErr(w, err)
		return
	}
	h.logger.Info("submitted run", zap.String("run", run.ID), zap.Int("scenarios", len(run.Scenarios)))
	h.respondJSON(w, http.StatusAccepted, SubmitRunResponse{RunID: run.ID, Status: run.Status, Scenarios: run.Scenarios})
}

func (h *APIHandler) resolve(req *SubmitRunRequest) ([]scenario.Scenario, error) {
	if req.Documents != "" {
		return scenario.Parse([]byte(req.Documents), "request")
	}
	cat := h.deps.Catalog()
	if len(req.Scenarios) == 0 {
		return cat.Select(req.Filter, req.Tags)
	}
	out := make([]scenario.Scenario, 0, len(req.Scenarios))
	for _, name := range req.Scenarios {
		sc, ok := cat.Get(name)
		if !ok {
			return nil, errs.New(errs.InvalidScenario, "unknown scenario %q", name)
		}
		out = append(out, sc)
	}
	return out, nil
}

func (h *APIHandler) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	resp := ListRunsResponse{Active: h.deps.Manager.Runs()}
	if h.deps.History != nil {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		recent, err := h.deps.History.Recent(r.Context(), limit)
		if err != nil {
			h.logger.Error("failed to list run history", zap.Error(err))
			h.respondError(w, http.StatusInternalServerError, "Failed to list run history")
			return
		}
		resp.Recent = recent
	}
	h.respondJSON(w, http.StatusOK, resp)
}

// HandleGetRun returns the run, or with ?format=envelope its report wrapped
// for machine consumers.
func (h *APIHandler) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")
	run, err := h.deps.Manager.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, suite.ErrRunNotFound) {
			h.respondError(w, http.StatusNotFound, "Run not found")
			return
		}
		h.logger.Error("failed to retrieve run", zap.String("run", runID), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to retrieve run")
		return
	}

	if r.URL.Query().Get("format") != "envelope" {
		h.respondJSON(w, http.StatusOK, run)
		return
	}
	switch {
	case run.Error != "":
		h.respondJSON(w, http.StatusOK, report.ForError(run.ID, errors.New(run.Error)))
	case run.Report == nil:
		h.respondError(w, http.StatusConflict, "Run %s is still %s", run.ID, run.Status)
	default:
		h.respondJSON(w, http.StatusOK, report.ForReport(run.Report))
	}
}

func (h *APIHandler) HandleListScenarios(w http.ResponseWriter, r *http.Request) {
	all := h.deps.Catalog().All()
	out := make([]ScenarioInfo, 0, len(all))
	for _, sc := range all {
		out = append(out, ScenarioInfo{
			Name:        sc.Name,
			Description: sc.Description,
			Tags:        sc.Tags,
			Source:      sc.Source,
			Steps:       len(sc.Steps),
		})
	}
	h.respondJSON(w, http.StatusOK, out)
}

// HandleScenarioHistory reports how often a scenario passed within ?since
// (a duration, default one week).
func (h *APIHandler) HandleScenarioHistory(w http.ResponseWriter, r *http.Request) {
	if h.deps.History == nil {
		h.respondError(w, http.StatusNotImplemented, "Run history is not configured")
		return
	}
	name := chi.URLParam(r, "name")
	window := 7 * 24 * time.Hour
	if s := r.URL.Query().Get("since"); s != "" {
		d, err := time.ParseDuration(s)
		if err != nil || d <= 0 {
			h.respondError(w, http.StatusBadRequest, "Invalid since duration %q", s)
			return
		}
		window = d
	}

	flaky, err := h.deps.History.ScenarioHistory(r.Context(), name, time.Now().Add(-window))
	if err != nil {
		h.logger.Error("failed to read scenario history", zap.String("scenario", name), zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to read scenario history")
		return
	}
	h.respondJSON(w, http.StatusOK, flaky)
}

func (h *APIHandler) HandleDomOutline(w http.ResponseWriter, r *http.Request) {
	var req DomOutlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "Invalid request body: %v", err)
		return
	}
	defer r.Body.Close()

	if req.HTML == "" {
		h.respondError(w, http.StatusBadRequest, "html cannot be empty")
		return
	}
	lines, err := dom.Outline(req.HTML, req.Limit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "%v", err)
		return
	}
	h.respondJSON(w, http.StatusOK, DomOutlineResponse{Lines: lines})
}

func statusFor(err error) int {
	switch errs.KindOf(err) {
	case errs.InvalidScenario:
		return http.StatusBadRequest
	case errs.ServiceUnavailable:
		return http.StatusServiceUnavailable
	case errs.Canceled:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (h *APIHandler) respondErr(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("request failed", zap.Error(err))
	}
	h.respondError(w, status, "%s", err.Error())
}

func (h *APIHandler) respondJSON(w http.ResponseWriter, status int, payload any) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal response", zap.Error(err))
		h.respondError(w, http.StatusInternalServerError, "Failed to marshal JSON response")
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(response); err != nil {
		h.logger.Warn("failed to write response", zap.Error(err))
	}
}

func (h *APIHandler) respondError(w http.ResponseWriter, status int, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	body, err := json.Marshal(map[string]string{"error": msg})
	if err != nil {
		body = []byte(`{"error":"internal error"}`)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if _, err := w.Write(body); err != nil {
		h.logger.Warn("failed to write error response", zap.Error(err))
	}
}
