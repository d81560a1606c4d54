package kensa

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the Kensa server (e.g. "http://localhost:8080").
	BaseURL string

	// WorkspaceID is the workspace the API key belongs to.
	WorkspaceID uuid.UUID

	// APIKey is the workspace API key exchanged for a JWT.
	APIKey string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with Timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration

	// PollInterval is how often WaitForRun checks run status. Defaults to 2 seconds.
	PollInterval time.Duration
}

// Client is an HTTP client for the Kensa API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL      string
	client       *http.Client
	tokenMgr     *tokenManager
	pollInterval time.Duration
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("kensa: BaseURL is required")
	}
	if cfg.WorkspaceID == uuid.Nil {
		return nil, fmt.Errorf("kensa: WorkspaceID is required")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("kensa: APIKey is required")
	}

	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 2 * time.Second
	}

	return &Client{
		baseURL:      baseURL,
		client:       httpClient,
		tokenMgr:     newTokenManager(baseURL, cfg.WorkspaceID, cfg.APIKey, httpClient),
		pollInterval: poll,
	}, nil
}

// ---------------------------------------------------------------------------
// Eval runs
// ---------------------------------------------------------------------------

// CreateRun queues a new eval run. Mode defaults to CANDIDATE_ONLY and the
// trigger to CI.
func (c *Client) CreateRun(ctx context.Context, req CreateRunRequest) (*Run, error) {
	if req.Mode == "" {
		req.Mode = ModeCandidateOnly
	}
	if req.TriggerType == "" {
		req.TriggerType = "CI"
	}
	var resp Run
	if err := c.send(ctx, http.MethodPost, "/v1/eval-runs", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// EstimateRun returns expected call counts and cost without creating a run.
func (c *Client) EstimateRun(ctx context.Context, req CreateRunRequest) (*Estimate, error) {
	if req.Mode == "" {
		req.Mode = ModeCandidateOnly
	}
	var resp Estimate
	if err := c.send(ctx, http.MethodPost, "/v1/eval-runs/estimate", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetRun retrieves one run, including its summary once FINISHED.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.send(ctx, http.MethodGet, "/v1/eval-runs/"+runID.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListRuns returns runs newest first.
func (c *Client) ListRuns(ctx context.Context, opts *ListRunsOptions) (*RunList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.PromptID != nil {
			params.Set("prompt_id", opts.PromptID.String())
		}
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		setPage(params, opts.Limit, opts.Offset)
	}

	var page listPage[Run]
	if err := c.send(ctx, http.MethodGet, withQuery("/v1/eval-runs", params), nil, &page); err != nil {
		return nil, err
	}
	return &RunList{Runs: page.Data, Total: page.total(), HasMore: page.HasMore}, nil
}

// CancelRun cancels a QUEUED or RUNNING run. Terminal runs answer 409; see IsConflict.
func (c *Client) CancelRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	var resp Run
	if err := c.send(ctx, http.MethodPost, "/v1/eval-runs/"+runID.String()+"/cancel", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForRun polls until the run is terminal or ctx is done.
func (c *Client) WaitForRun(ctx context.Context, runID uuid.UUID) (*Run, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		run, err := c.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Terminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Decision returns the release decision summary of a FINISHED run.
func (c *Client) Decision(ctx context.Context, runID uuid.UUID) (*Summary, error) {
	run, err := c.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status != StatusFinished || run.Summary == nil {
		return nil, fmt.Errorf("%w: status %s", ErrRunNotFinished, run.Status)
	}
	return run.Summary, nil
}

// ---------------------------------------------------------------------------
// Cases and review
// ---------------------------------------------------------------------------

// ListCases returns the case results of a run.
func (c *Client) ListCases(ctx context.Context, runID uuid.UUID, opts *ListCasesOptions) (*CaseList, error) {
	params := url.Values{}
	if opts != nil {
		if opts.Status != "" {
			params.Set("status", opts.Status)
		}
		if opts.Pass != nil {
			params.Set("pass", strconv.FormatBool(*opts.Pass))
		}
		if opts.Verdict != "" {
			params.Set("verdict", opts.Verdict)
		}
		if opts.Overridden != nil {
			params.Set("overridden", strconv.FormatBool(*opts.Overridden))
		}
		setPage(params, opts.Limit, opts.Offset)
	}

	var page listPage[CaseResult]
	path := withQuery("/v1/eval-runs/"+runID.String()+"/cases", params)
	if err := c.send(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &CaseList{Cases: page.Data, Total: page.total(), HasMore: page.HasMore}, nil
}

// ReviewCase records a human verdict on a finished case. Reusing a
// RequestID replays the earlier result instead of writing again.
func (c *Client) ReviewCase(ctx context.Context, caseID uuid.UUID, req ReviewRequest) (*ReviewState, error) {
	var resp ReviewState
	if err := c.send(ctx, http.MethodPut, "/v1/eval-cases/"+caseID.String()+"/review", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ClearReview resets a case to UNREVIEWED.
func (c *Client) ClearReview(ctx context.Context, caseID uuid.UUID) (*ReviewState, error) {
	var resp ReviewState
	if err := c.send(ctx, http.MethodDelete, "/v1/eval-cases/"+caseID.String()+"/review", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Release criteria and judge accuracy
// ---------------------------------------------------------------------------

// ReleaseCriteria returns the workspace criteria, or the defaults when unset.
func (c *Client) ReleaseCriteria(ctx context.Context) (*ReleaseCriteria, error) {
	var resp ReleaseCriteria
	if err := c.send(ctx, http.MethodGet, "/v1/release-criteria", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RunJudgeAccuracy returns judge-vs-human metrics for one run.
func (c *Client) RunJudgeAccuracy(ctx context.Context, runID uuid.UUID) (*AccuracyReport, error) {
	var resp AccuracyReport
	if err := c.send(ctx, http.MethodGet, "/v1/eval-runs/"+runID.String()+"/judge-accuracy", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// JudgeAccuracy returns judge-vs-human metrics across runs in a window.
func (c *Client) JudgeAccuracy(ctx context.Context, opts *AccuracyRollupOptions) (*AccuracyReport, error) {
	params := url.Values{}
	if opts != nil {
		if opts.PromptID != nil {
			params.Set("prompt_id", opts.PromptID.String())
		}
		if opts.VersionID != nil {
			params.Set("version_id", opts.VersionID.String())
		}
		if !opts.From.IsZero() {
			params.Set("from", opts.From.UTC().Format(time.RFC3339))
		}
		if !opts.To.IsZero() {
			params.Set("to", opts.To.UTC().Format(time.RFC3339))
		}
	}
	var resp AccuracyReport
	if err := c.send(ctx, http.MethodGet, withQuery("/v1/judge-accuracy", params), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Health checks the server. It does not authenticate.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("kensa: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("kensa: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out HealthResponse
	if err := handleResponse(resp, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ---------------------------------------------------------------------------
// HTTP transport
// ---------------------------------------------------------------------------

// apiEnvelope is the server's standard response wrapper.
type apiEnvelope struct {
	Data json.RawMessage `json:"data"`
}

// listPage is the server's paginated list wrapper.
type listPage[T any] struct {
	Data    []T  `json:"data"`
	Total   *int `json:"total"`
	HasMore bool `json:"has_more"`
}

func (p listPage[T]) total() int {
	if p.Total != nil {
		return *p.Total
	}
	return len(p.Data)
}

type apiErrorEnvelope struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func setPage(params url.Values, limit, offset int) {
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		params.Set("offset", strconv.Itoa(offset))
	}
}

func withQuery(path string, params url.Values) string {
	if len(params) == 0 {
		return path
	}
	return path + "?" + params.Encode()
}

// send performs an authenticated request. A 401 drops the cached token and
// retries once, covering keys rotated or tokens revoked mid-session.
func (c *Client) send(ctx context.Context, method, path string, body, dest any) error {
	var encoded []byte
	if body != nil {
		var err error
		if encoded, err = json.Marshal(body); err != nil {
			return fmt.Errorf("kensa: marshal request body: %w", err)
		}
	}

	err := c.do(ctx, method, path, encoded, dest)
	if IsUnauthorized(err) {
		c.tokenMgr.invalidate()
		err = c.do(ctx, method, path, encoded, dest)
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, encoded []byte, dest any) error {
	token, err := c.tokenMgr.getToken(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if encoded != nil {
		reader = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("kensa: create request: %w", err)
	}
	if encoded != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("kensa: %s %s: %w", method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("kensa: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// List endpoints carry pagination beside "data"; decode them whole.
	if _, ok := dest.(interface{ total() int }); ok {
		if err := json.Unmarshal(bodyBytes, dest); err != nil {
			return fmt.Errorf("kensa: decode list response: %w", err)
		}
		return nil
	}

	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("kensa: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	if err := json.Unmarshal(envelope.Data, dest); err != nil {
		return fmt.Errorf("kensa: decode response: %w", err)
	}
	return nil
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
