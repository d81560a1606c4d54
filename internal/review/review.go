// Package review reconciles human verdicts on judged cases.
//
// Every accepted upsert or clear writes the case's review fields and one
// append-only audit row in the same transaction. A caller-supplied request
// id makes a call idempotent: replaying it returns the current state
// without writing anything.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
	"github.com/ashita-ai/kensa/internal/telemetry"
)

// ErrInvalidInput is returned for review requests that can never succeed as sent.
var ErrInvalidInput = errors.New("review: invalid input")

const (
	maxRequestIDLen = 128
	maxNoteLen      = 2000
)

// Store is the persistence the reconciler needs.
type Store interface {
	GetCase(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalCaseResult, error)
	ReviewRequestExists(ctx context.Context, caseResultID uuid.UUID, requestID string) (bool, error)
	ApplyReview(ctx context.Context, ch model.ReviewChange) (model.EvalCaseResult, error)
	ListReviewHistory(ctx context.Context, workspaceID, caseResultID uuid.UUID, limit int) ([]model.HumanReviewAudit, error)
}

// Service applies and lists human reviews.
type Service struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time

	applied metric.Int64Counter
}

// NewService creates a Service.
func NewService(store Store, logger *slog.Logger) *Service {
	applied, _ := telemetry.Meter("kensa/review").Int64Counter("kensa.reviews.applied",
		metric.WithDescription("Human review changes written, by action"),
	)
	return &Service{store: store, logger: logger, now: time.Now, applied: applied}
}

// Upsert records a verdict. UNREVIEWED is treated as a clear.
func (s *Service) Upsert(ctx context.Context, workspaceID, caseID uuid.UUID, reviewer string, req model.UpsertReviewRequest) (model.ReviewState, error) {
	requestID, err := normalizeRequestID(req.RequestID)
	if err != nil {
		return model.ReviewState{}, err
	}
	note, err := normalizeNote(req.Note)
	if err != nil {
		return model.ReviewState{}, err
	}
	verdict := model.Verdict(strings.ToUpper(strings.TrimSpace(string(req.Verdict))))

	c, replay, err := s.load(ctx, workspaceID, caseID, requestID)
	if err != nil {
		return model.ReviewState{}, err
	}
	if replay {
		return s.state(c, true), nil
	}

	ch := model.ReviewChange{
		CaseResultID: caseID,
		WorkspaceID:  workspaceID,
		Verdict:      verdict,
		Action:       model.ReviewActionUpsert,
		RequestID:    requestID,
		Note:         note,
		Reviewer:     reviewer,
		At:           s.now().UTC(),
	}
	switch verdict {
	case model.VerdictUnreviewed:
		ch.Action = model.ReviewActionClear
	case model.VerdictCorrect:
		if req.OverridePass != nil {
			return model.ReviewState{}, fmt.Errorf("%w: override_pass is not allowed with verdict CORRECT", ErrInvalidInput)
		}
	case model.VerdictIncorrect:
		if req.OverridePass == nil {
			return model.ReviewState{}, fmt.Errorf("%w: override_pass is required with verdict INCORRECT", ErrInvalidInput)
		}
		if c.Pass != nil && *req.OverridePass == *c.Pass {
			return model.ReviewState{}, fmt.Errorf("%w: override_pass must differ from the machine pass", ErrInvalidInput)
		}
		v := *req.OverridePass
		ch.OverridePass = &v
	default:
		return model.ReviewState{}, fmt.Errorf("%w: unknown verdict %q", ErrInvalidInput, req.Verdict)
	}
	return s.apply(ctx, ch)
}

// Clear resets a case to UNREVIEWED.
func (s *Service) Clear(ctx context.Context, workspaceID, caseID uuid.UUID, reviewer string, req model.ClearReviewRequest) (model.ReviewState, error) {
	requestID, err := normalizeRequestID(req.RequestID)
	if err != nil {
		return model.ReviewState{}, err
	}
	note, err := normalizeNote(req.Note)
	if err != nil {
		return model.ReviewState{}, err
	}

	c, replay, err := s.load(ctx, workspaceID, caseID, requestID)
	if err != nil {
		return model.ReviewState{}, err
	}
	if replay {
		return s.state(c, true), nil
	}
	return s.apply(ctx, model.ReviewChange{
		CaseResultID: caseID,
		WorkspaceID:  workspaceID,
		Verdict:      model.VerdictUnreviewed,
		Action:       model.ReviewActionClear,
		RequestID:    requestID,
		Note:         note,
		Reviewer:     reviewer,
		At:           s.now().UTC(),
	})
}

// History returns the most recent audit rows for a case, newest first.
func (s *Service) History(ctx context.Context, workspaceID, caseID uuid.UUID) ([]model.HumanReviewAudit, error) {
	if _, err := s.store.GetCase(ctx, workspaceID, caseID); err != nil {
		return nil, err
	}
	rows, err := s.store.ListReviewHistory(ctx, workspaceID, caseID, model.ReviewHistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("review: history: %w", err)
	}
	if rows == nil {
		rows = []model.HumanReviewAudit{}
	}
	return rows, nil
}

// load fetches the case, enforces the OK precondition, and reports whether
// requestID was already applied.
func (s *Service) load(ctx context.Context, workspaceID, caseID uuid.UUID, requestID *string) (model.EvalCaseResult, bool, error) {
	c, err := s.store.GetCase(ctx, workspaceID, caseID)
	if err != nil {
		return model.EvalCaseResult{}, false, err
	}
	if c.Status != model.CaseStatusOK {
		return model.EvalCaseResult{}, false, fmt.Errorf("%w: case status is %s, reviews require OK", ErrInvalidInput, c.Status)
	}
	if requestID == nil {
		return c, false, nil
	}
	seen, err := s.store.ReviewRequestExists(ctx, caseID, *requestID)
	if err != nil {
		return model.EvalCaseResult{}, false, fmt.Errorf("review: check request id: %w", err)
	}
	return c, seen, nil
}

func (s *Service) apply(ctx context.Context, ch model.ReviewChange) (model.ReviewState, error) {
	updated, err := s.store.ApplyReview(ctx, ch)
	switch {
	case err == nil:
		s.applied.Add(ctx, 1, metric.WithAttributes(attribute.String("action", string(ch.Action))))
		s.logger.Info("review: applied",
			"case_id", ch.CaseResultID,
			"action", ch.Action,
			"verdict", ch.Verdict,
			"reviewer", ch.Reviewer,
		)
		return s.state(updated, false), nil

	case errors.Is(err, storage.ErrDuplicateReviewRequest) && ch.RequestID != nil:
		// A concurrent call with the same request id won the insert.
		seen, checkErr := s.store.ReviewRequestExists(ctx, ch.CaseResultID, *ch.RequestID)
		if checkErr != nil || !seen {
			return model.ReviewState{}, fmt.Errorf("review: duplicate request re-check: %w", errors.Join(err, checkErr))
		}
		current, getErr := s.store.GetCase(ctx, ch.WorkspaceID, ch.CaseResultID)
		if getErr != nil {
			return model.ReviewState{}, getErr
		}
		s.logger.Debug("review: duplicate request id resolved as replay", "case_id", ch.CaseResultID)
		return s.state(current, true), nil

	case errors.Is(err, storage.ErrCaseNotReviewable):
		return model.ReviewState{}, fmt.Errorf("%w: case is not reviewable", ErrInvalidInput)

	default:
		return model.ReviewState{}, fmt.Errorf("review: apply: %w", err)
	}
}

func (s *Service) state(c model.EvalCaseResult, replay bool) model.ReviewState {
	st := model.ReviewStateOf(c)
	st.Idempotent = replay
	return st
}

func normalizeRequestID(id *string) (*string, error) {
	if id == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*id)
	if v == "" {
		return nil, nil
	}
	if len(v) > maxRequestIDLen {
		return nil, fmt.Errorf("%w: request_id exceeds %d characters", ErrInvalidInput, maxRequestIDLen)
	}
	return &v, nil
}

func normalizeNote(note *string) (*string, error) {
	if note == nil {
		return nil, nil
	}
	v := strings.TrimSpace(*note)
	if v == "" {
		return nil, nil
	}
	if len([]rune(v)) > maxNoteLen {
		return nil, fmt.Errorf("%w: note exceeds %d characters", ErrInvalidInput, maxNoteLen)
	}
	return &v, nil
}
