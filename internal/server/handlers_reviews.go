package server

import (
	"net/http"

	"github.com/ashita-ai/kensa/internal/ctxutil"
	"github.com/ashita-ai/kensa/internal/model"
)

// idempotencyHeader may carry the review request id instead of the body.
const idempotencyHeader = "Idempotency-Key"

func requestIDFallback(r *http.Request, fromBody *string) *string {
	if fromBody != nil {
		return fromBody
	}
	if v := r.Header.Get(idempotencyHeader); v != "" {
		return &v
	}
	return nil
}

// HandleUpsertReview handles PUT /v1/eval-cases/{case_id}/review (reviewer+).
// Replaying a request_id returns the current state with replayed=true.
func (h *Handlers) HandleUpsertReview(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "case_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.UpsertReviewRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	req.RequestID = requestIDFallback(r, req.RequestID)

	state, err := h.reviews.Upsert(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), caseID, ctxutil.ActorFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, "eval case", err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// HandleClearReview handles DELETE /v1/eval-cases/{case_id}/review
// (reviewer+). The body is optional.
func (h *Handlers) HandleClearReview(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "case_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	var req model.ClearReviewRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
			handleDecodeError(w, r, err)
			return
		}
	}
	req.RequestID = requestIDFallback(r, req.RequestID)

	state, err := h.reviews.Clear(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), caseID, ctxutil.ActorFromContext(r.Context()), req)
	if err != nil {
		h.writeServiceError(w, r, "eval case", err)
		return
	}
	writeJSON(w, r, http.StatusOK, state)
}

// HandleReviewHistory handles GET /v1/eval-cases/{case_id}/review/history.
func (h *Handlers) HandleReviewHistory(w http.ResponseWriter, r *http.Request) {
	caseID, err := pathUUID(r, "case_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	rows, err := h.reviews.History(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), caseID)
	if err != nil {
		h.writeServiceError(w, r, "eval case", err)
		return
	}
	writeJSON(w, r, http.StatusOK, rows)
}

// HandleRunJudgeAccuracy handles GET /v1/eval-runs/{run_id}/judge-accuracy.
func (h *Handlers) HandleRunJudgeAccuracy(w http.ResponseWriter, r *http.Request) {
	runID, err := pathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	report, err := h.accuracy.ForRun(r.Context(), ctxutil.WorkspaceIDFromContext(r.Context()), runID)
	if err != nil {
		h.writeServiceError(w, r, "eval run", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}

// HandleJudgeAccuracyRollup handles
// GET /v1/judge-accuracy?prompt_id=&version_id=&from=&to=.
func (h *Handlers) HandleJudgeAccuracyRollup(w http.ResponseWriter, r *http.Request) {
	f := model.AccuracyRollupFilter{WorkspaceID: ctxutil.WorkspaceIDFromContext(r.Context())}
	var err error
	if f.PromptID, err = queryUUID(r, "prompt_id"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.VersionID, err = queryUUID(r, "version_id"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.From, err = queryTime(r, "from"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if f.To, err = queryTime(r, "to"); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	report, err := h.accuracy.Rollup(r.Context(), f)
	if err != nil {
		h.writeServiceError(w, r, "judge accuracy", err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
