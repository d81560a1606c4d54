package server

import (
	"net/http"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
)

// HandleCreateRun handles POST /v1/eval-runs (reviewer+).
// Validates the request, persists the run with one QUEUED case per enabled
// test case, and returns 202: the worker picks it up asynchronously.
func (h *Handlers) HandleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEvalRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	run, err := h.runs.CreateRun(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), ctxutil.ActorFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleEstimateRun handles POST /v1/eval-runs/estimate.
func (h *Handlers) HandleEstimateRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateEvalRunRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	est, err := h.runs.EstimateRun(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, est)
}

// HandleListRuns handles GET /v1/eval-runs?prompt_id=&status=&limit=&offset=.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	promptID, err := queryUUID(r, "prompt_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	f := model.EvalRunFilter{
		PromptID: promptID,
		Limit:    queryLimit(r, 50),
		Offset:   queryOffset(r),
	}
	if v := r.URL.Query().Get("status"); v != "" {
		s := model.RunStatus(v)
		f.Status = &s
	}

	runs, total, err := h.runs.ListRuns(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), f)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	if runs == nil {
		runs = []model.EvalRun{}
	}
	writeListJSON(w, r, runs, total, f.Limit, f.Offset, len(runs))
}

// HandleGetRun handles GET /v1/eval-runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.runs.GetRun(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runID)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleCancelRun handles POST /v1/eval-runs/{run_id}/cancel (reviewer+).
// Terminal runs answer 409.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.runs.CancelRun(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runID)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListCases handles
// GET /v1/eval-runs/{run_id}/cases?status=&pass=&verdict=&overridden=&limit=&offset=.
func (h *Handlers) HandleListCases(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	f := model.CaseFilter{Limit: queryLimit(r, 100), Offset: queryOffset(r)}
	q := r.URL.Query()
	if v := q.Get("status"); v != "" {
		s := model.CaseStatus(v)
		f.Status = &s
	}
	if v := q.Get("verdict"); v != "" {
		vd := model.Verdict(v)
		f.Verdict = &vd
	}
	if f.Pass, err = queryBool(r, "pass"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.Overridden, err = queryBool(r, "overridden"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	cases, total, err := h.runs.ListCases(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runID, f)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	if cases == nil {
		cases = []model.EvalCaseResult{}
	}
	writeListJSON(w, r, cases, total, f.Limit, f.Offset, len(cases))
}

// HandleCaseStats handles GET /v1/eval-runs/{run_id}/cases/stats.
func (h *Handlers) HandleCaseStats(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	stats, err := h.runs.CaseStats(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runID)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, stats)
}

// HandleGetReleaseCriteria handles GET /v1/release-criteria. Workspaces
// that never saved criteria get the defaults with is_default set.
func (h *Handlers) HandleGetReleaseCriteria(w http.ResponseWriter, r *http.Request) {
	c, err := h.runs.ReleaseCriteria(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()))
	if err != nil {
		h.writeServiceError(w, r, "release criteria", err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}

// HandleUpsertReleaseCriteria handles PUT /v1/release-criteria (admin).
// Omitted fields keep their current value.
func (h *Handlers) HandleUpsertReleaseCriteria(w http.ResponseWriter, r *http.Request) {
	var req model.UpsertReleaseCriteriaRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}

	c, err := h.runs.UpsertReleaseCriteria(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), ctxutil.ActorFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, "release criteria", err)
		return
	}
	writeJSON(w, r, http.StatusOK, c)
}
