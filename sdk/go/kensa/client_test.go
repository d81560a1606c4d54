package kensa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

var testWorkspace = uuid.MustParse("0190a3c4-0000-7000-8000-000000000001")

// mockServer mimics the Kensa API. POST /auth/token is registered unless
// the caller overrides it.
func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()

	if _, ok := handlers["POST /auth/token"]; !ok {
		mux.HandleFunc("POST /auth/token", func(w http.ResponseWriter, r *http.Request) {
			var req authRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkspaceID != testWorkspace {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "invalid credentials"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data": map[string]any{
					"token":      "test-token-xyz",
					"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
				},
			})
		})
	}
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		BaseURL:      serverURL,
		WorkspaceID:  testWorkspace,
		APIKey:       "ksk_test",
		Timeout:      5 * time.Second,
		PollInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientValidation(t *testing.T) {
	cases := []Config{
		{WorkspaceID: testWorkspace, APIKey: "k"},
		{BaseURL: "http://x", APIKey: "k"},
		{BaseURL: "http://x", WorkspaceID: testWorkspace},
	}
	for i, cfg := range cases {
		if _, err := NewClient(cfg); err == nil {
			t.Errorf("case %d: expected error", i)
		}
	}
}

func TestCreateRunSendsDefaults(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /v1/eval-runs": func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") != "Bearer test-token-xyz" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "bad token"},
				})
				return
			}
			var req CreateRunRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode body: %v", err)
			}
			if req.Mode != ModeCandidateOnly || req.TriggerType != "CI" {
				t.Errorf("unexpected defaults: mode=%q trigger=%q", req.Mode, req.TriggerType)
			}
			writeJSON(w, http.StatusCreated, map[string]any{
				"data": Run{ID: runID, Status: StatusQueued, Mode: req.Mode, TotalCases: 3},
			})
		},
	})

	run, err := newTestClient(t, srv.URL).CreateRun(context.Background(), CreateRunRequest{
		PromptID:           uuid.New(),
		CandidateVersionID: uuid.New(),
		DatasetID:          uuid.New(),
		RubricTemplateCode: "GENERAL_QA",
	})
	if err != nil {
		t.Fatalf("CreateRun failed: %v", err)
	}
	if run.ID != runID || run.Status != StatusQueued || run.TotalCases != 3 {
		t.Errorf("unexpected run: %+v", run)
	}
}

func TestWaitForRunPollsUntilTerminal(t *testing.T) {
	runID := uuid.New()
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/eval-runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			status := StatusRunning
			var summary *Summary
			if calls.Add(1) >= 3 {
				status = StatusFinished
				summary = &Summary{ReleaseDecision: DecisionHold, RiskLevel: "HIGH", BlockingReasons: []string{"pass rate 50% is below 80%"}}
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": Run{ID: runID, Status: status, Summary: summary}})
		},
	})
	c := newTestClient(t, srv.URL)

	run, err := c.WaitForRun(context.Background(), runID)
	if err != nil {
		t.Fatalf("WaitForRun failed: %v", err)
	}
	if run.Status != StatusFinished {
		t.Fatalf("expected FINISHED, got %s", run.Status)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("expected 3 polls, got %d", got)
	}

	decision, err := c.Decision(context.Background(), runID)
	if err != nil {
		t.Fatalf("Decision failed: %v", err)
	}
	if decision.ReleaseDecision != DecisionHold || len(decision.BlockingReasons) != 1 {
		t.Errorf("unexpected decision: %+v", decision)
	}
}

func TestWaitForRunHonorsContext(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/eval-runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": Run{Status: StatusRunning}})
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := newTestClient(t, srv.URL).WaitForRun(ctx, uuid.New())
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestDecisionRequiresFinishedRun(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/eval-runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": Run{Status: StatusFailed}})
		},
	})
	_, err := newTestClient(t, srv.URL).Decision(context.Background(), uuid.New())
	if !errors.Is(err, ErrRunNotFinished) {
		t.Fatalf("expected ErrRunNotFinished, got %v", err)
	}
}

func TestListCasesEncodesFilters(t *testing.T) {
	runID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/eval-runs/{id}/cases": func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			if q.Get("pass") != "false" || q.Get("verdict") != VerdictUnreviewed || q.Get("limit") != "5" {
				t.Errorf("unexpected query: %s", r.URL.RawQuery)
			}
			if r.PathValue("id") != runID.String() {
				t.Errorf("unexpected run id %s", r.PathValue("id"))
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"data":     []CaseResult{{ID: uuid.New(), RunID: runID, Status: "OK"}},
				"total":    7,
				"has_more": true,
				"limit":    5,
				"offset":   0,
			})
		},
	})

	pass := false
	page, err := newTestClient(t, srv.URL).ListCases(context.Background(), runID, &ListCasesOptions{
		Pass:    &pass,
		Verdict: VerdictUnreviewed,
		Limit:   5,
	})
	if err != nil {
		t.Fatalf("ListCases failed: %v", err)
	}
	if len(page.Cases) != 1 || page.Total != 7 || !page.HasMore {
		t.Errorf("unexpected page: %+v", page)
	}
}

func TestReviewCaseReplay(t *testing.T) {
	caseID := uuid.New()
	srv := mockServer(t, map[string]http.HandlerFunc{
		"PUT /v1/eval-cases/{id}/review": func(w http.ResponseWriter, r *http.Request) {
			var req ReviewRequest
			_ = json.NewDecoder(r.Body).Decode(&req)
			if req.Verdict != VerdictIncorrect || req.OverridePass == nil || !*req.OverridePass {
				t.Errorf("unexpected body: %+v", req)
			}
			pass := true
			writeJSON(w, http.StatusOK, map[string]any{"data": ReviewState{
				CaseResultID:  caseID,
				HumanVerdict:  VerdictIncorrect,
				EffectivePass: &pass,
				Replayed:      req.RequestID != nil,
			}})
		},
	})

	override, reqID := true, "ci-42"
	state, err := newTestClient(t, srv.URL).ReviewCase(context.Background(), caseID, ReviewRequest{
		Verdict:      VerdictIncorrect,
		OverridePass: &override,
		RequestID:    &reqID,
	})
	if err != nil {
		t.Fatalf("ReviewCase failed: %v", err)
	}
	if !state.Replayed || state.EffectivePass == nil || !*state.EffectivePass {
		t.Errorf("unexpected state: %+v", state)
	}
}

func TestErrorTypes(t *testing.T) {
	tests := []struct {
		status int
		check  func(error) bool
	}{
		{http.StatusNotFound, IsNotFound},
		{http.StatusForbidden, IsForbidden},
		{http.StatusConflict, IsConflict},
		{http.StatusTooManyRequests, IsRateLimited},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"POST /v1/eval-runs/{id}/cancel": func(w http.ResponseWriter, r *http.Request) {
					writeJSON(w, tt.status, map[string]any{
						"error": map[string]any{"code": "X", "message": "nope"},
					})
				},
			})
			_, err := newTestClient(t, srv.URL).CancelRun(context.Background(), uuid.New())
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			var apiErr *Error
			if !errors.As(err, &apiErr) || apiErr.Message != "nope" {
				t.Errorf("expected message to survive, got %v", err)
			}
		})
	}
}

func TestUnauthorizedRefreshesTokenOnce(t *testing.T) {
	var tokens, calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			n := tokens.Add(1)
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"token":      "token-" + string(rune('0'+n)),
				"expires_at": time.Now().Add(time.Hour).Format(time.RFC3339),
			}})
		},
		"GET /v1/release-criteria": func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			if r.Header.Get("Authorization") != "Bearer token-2" {
				writeJSON(w, http.StatusUnauthorized, map[string]any{
					"error": map[string]any{"code": "UNAUTHORIZED", "message": "token revoked"},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": ReleaseCriteria{MinPassRate: 80, IsDefault: true}})
		},
	})

	crit, err := newTestClient(t, srv.URL).ReleaseCriteria(context.Background())
	if err != nil {
		t.Fatalf("ReleaseCriteria failed: %v", err)
	}
	if crit.MinPassRate != 80 || !crit.IsDefault {
		t.Errorf("unexpected criteria: %+v", crit)
	}
	if tokens.Load() != 2 || calls.Load() != 2 {
		t.Errorf("expected 2 token exchanges and 2 calls, got %d and %d", tokens.Load(), calls.Load())
	}
}

func TestJudgeAccuracyQuery(t *testing.T) {
	from := time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /v1/judge-accuracy": func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("from"); got != "2026-09-01T00:00:00Z" {
				t.Errorf("unexpected from %q", got)
			}
			if r.URL.Query().Has("to") {
				t.Error("zero To must be omitted")
			}
			acc := 0.75
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"scope":   map[string]any{"kind": "ROLLUP", "runCount": 2},
				"metrics": AccuracyMetrics{ReviewedCount: 4, CorrectCount: 3, IncorrectCount: 1, Accuracy: &acc},
			}})
		},
	})

	report, err := newTestClient(t, srv.URL).JudgeAccuracy(context.Background(), &AccuracyRollupOptions{From: from})
	if err != nil {
		t.Fatalf("JudgeAccuracy failed: %v", err)
	}
	if report.Scope.Kind != "ROLLUP" || report.Scope.RunCount == nil || *report.Scope.RunCount != 2 {
		t.Errorf("unexpected scope: %+v", report.Scope)
	}
	if report.Metrics.Accuracy == nil || *report.Metrics.Accuracy != 0.75 {
		t.Errorf("unexpected metrics: %+v", report.Metrics)
	}
}

func TestHealthSkipsAuth(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /auth/token": func(w http.ResponseWriter, r *http.Request) {
			t.Error("health must not authenticate")
		},
		"GET /health": func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": HealthResponse{Status: "healthy", Postgres: "connected"}})
		},
	})
	h, err := newTestClient(t, srv.URL).Health(context.Background())
	if err != nil {
		t.Fatalf("Health failed: %v", err)
	}
	if h.Status != "healthy" {
		t.Errorf("unexpected health: %+v", h)
	}
}
