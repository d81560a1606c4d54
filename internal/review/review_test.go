package review

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/model"
	"github.com/ashita-ai/kensa/internal/storage"
)

func ptr[T any](v T) *T { return &v }

// memStore mimics the storage semantics the reconciler relies on: the
// (case, request_id) audit key is unique and a duplicate rolls back the
// whole change.
type memStore struct {
	mu     sync.Mutex
	cases  map[uuid.UUID]model.EvalCaseResult
	audits []model.HumanReviewAudit

	// beforeApply runs inside ApplyReview before the duplicate check.
	beforeApply func()
}

func newMemStore(cases ...model.EvalCaseResult) *memStore {
	s := &memStore{cases: map[uuid.UUID]model.EvalCaseResult{}}
	for _, c := range cases {
		s.cases[c.ID] = c
	}
	return s
}

func (s *memStore) GetCase(_ context.Context, ws, id uuid.UUID) (model.EvalCaseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cases[id]
	if !ok || c.WorkspaceID != ws {
		return model.EvalCaseResult{}, storage.ErrNotFound
	}
	return c, nil
}

func (s *memStore) ReviewRequestExists(_ context.Context, caseID uuid.UUID, requestID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, a := range s.audits {
		if a.CaseResultID == caseID && a.RequestID != nil && *a.RequestID == requestID {
			return true, nil
		}
	}
	return false, nil
}

func (s *memStore) ApplyReview(ctx context.Context, ch model.ReviewChange) (model.EvalCaseResult, error) {
	if s.beforeApply != nil {
		s.beforeApply()
	}
	if ch.RequestID != nil {
		if dup, _ := s.ReviewRequestExists(ctx, ch.CaseResultID, *ch.RequestID); dup {
			return model.EvalCaseResult{}, storage.ErrDuplicateReviewRequest
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	before := s.cases[ch.CaseResultID]
	if before.Status != model.CaseStatusOK {
		return model.EvalCaseResult{}, storage.ErrCaseNotReviewable
	}
	after := before
	after.HumanVerdict = ch.Verdict
	after.HumanOverridePass = ch.OverridePass
	after.ReviewedBy = &ch.Reviewer
	at := ch.At
	after.ReviewedAt = &at
	s.cases[ch.CaseResultID] = after
	s.audits = append(s.audits, model.HumanReviewAudit{
		ID:                  uuid.New(),
		CaseResultID:        ch.CaseResultID,
		RequestID:           ch.RequestID,
		Action:              ch.Action,
		PreviousVerdict:     before.HumanVerdict,
		NewVerdict:          after.HumanVerdict,
		NewOverridePass:     after.HumanOverridePass,
		EffectivePassBefore: before.EffectivePass(),
		EffectivePassAfter:  after.EffectivePass(),
		Reviewer:            ch.Reviewer,
		CreatedAt:           ch.At,
	})
	return after, nil
}

func (s *memStore) ListReviewHistory(_ context.Context, _, caseID uuid.UUID, limit int) ([]model.HumanReviewAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.HumanReviewAudit
	for i := len(s.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if s.audits[i].CaseResultID == caseID {
			out = append(out, s.audits[i])
		}
	}
	return out, nil
}

func (s *memStore) auditCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.audits)
}

var ws = uuid.New()

func okCase(pass bool) model.EvalCaseResult {
	return model.EvalCaseResult{
		ID:           uuid.New(),
		RunID:        uuid.New(),
		WorkspaceID:  ws,
		Status:       model.CaseStatusOK,
		Pass:         &pass,
		HumanVerdict: model.VerdictUnreviewed,
	}
}

func newService(store Store) *Service {
	s := NewService(store, slog.New(slog.NewTextHandler(io.Discard, nil)))
	s.now = func() time.Time { return time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC) }
	return s
}

func TestUpsertIncorrectFlipsEffectivePass(t *testing.T) {
	c := okCase(true)
	store := newMemStore(c)
	svc := newService(store)

	st, err := svc.Upsert(context.Background(), ws, c.ID, "alice", model.UpsertReviewRequest{
		Verdict: "incorrect", OverridePass: ptr(false), Note: ptr("  wrong unit  "),
	})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictIncorrect, st.HumanVerdict)
	assert.Equal(t, ptr(true), st.MachinePass)
	assert.Equal(t, ptr(false), st.EffectivePass)
	assert.Equal(t, ptr("alice"), st.ReviewedBy)
	assert.False(t, st.Idempotent)
	assert.Equal(t, 1, store.auditCount())
}

func TestUpsertValidation(t *testing.T) {
	tests := []struct {
		name string
		req  model.UpsertReviewRequest
	}{
		{"correct with override", model.UpsertReviewRequest{Verdict: model.VerdictCorrect, OverridePass: ptr(false)}},
		{"incorrect without override", model.UpsertReviewRequest{Verdict: model.VerdictIncorrect}},
		{"no-op correction", model.UpsertReviewRequest{Verdict: model.VerdictIncorrect, OverridePass: ptr(true)}},
		{"unknown verdict", model.UpsertReviewRequest{Verdict: "MAYBE"}},
		{"request id too long", model.UpsertReviewRequest{Verdict: model.VerdictCorrect, RequestID: ptr(string(make([]byte, 200)) + "x")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := okCase(true)
			store := newMemStore(c)
			_, err := newService(store).Upsert(context.Background(), ws, c.ID, "bob", tt.req)
			require.ErrorIs(t, err, ErrInvalidInput)
			assert.Equal(t, 0, store.auditCount())
		})
	}
}

func TestUpsertRequiresOKCase(t *testing.T) {
	c := okCase(true)
	c.Status = model.CaseStatusError
	_, err := newService(newMemStore(c)).Upsert(context.Background(), ws, c.ID, "bob",
		model.UpsertReviewRequest{Verdict: model.VerdictCorrect})
	require.ErrorIs(t, err, ErrInvalidInput)

	_, err = newService(newMemStore()).Upsert(context.Background(), ws, uuid.New(), "bob",
		model.UpsertReviewRequest{Verdict: model.VerdictCorrect})
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestUpsertIsIdempotentPerRequestID(t *testing.T) {
	c := okCase(false)
	store := newMemStore(c)
	svc := newService(store)
	req := model.UpsertReviewRequest{Verdict: model.VerdictIncorrect, OverridePass: ptr(true), RequestID: ptr("req-1")}

	first, err := svc.Upsert(context.Background(), ws, c.ID, "carol", req)
	require.NoError(t, err)

	req.RequestID = ptr("  req-1 ")
	second, err := svc.Upsert(context.Background(), ws, c.ID, "carol", req)
	require.NoError(t, err)

	assert.True(t, second.Idempotent)
	second.Idempotent = false
	assert.Equal(t, first, second)
	assert.Equal(t, 1, store.auditCount())
}

func TestConcurrentDuplicateIsBenign(t *testing.T) {
	c := okCase(true)
	store := newMemStore(c)
	svc := newService(store)

	// Simulate a racing request with the same id committing between our
	// existence check and our insert.
	store.beforeApply = func() {
		store.beforeApply = nil
		_, err := store.ApplyReview(context.Background(), model.ReviewChange{
			CaseResultID: c.ID, WorkspaceID: ws, Verdict: model.VerdictCorrect,
			Action: model.ReviewActionUpsert, RequestID: ptr("dup"), Reviewer: "other",
		})
		require.NoError(t, err)
	}

	st, err := svc.Upsert(context.Background(), ws, c.ID, "dave",
		model.UpsertReviewRequest{Verdict: model.VerdictCorrect, RequestID: ptr("dup")})
	require.NoError(t, err)
	assert.True(t, st.Idempotent)
	assert.Equal(t, model.VerdictCorrect, st.HumanVerdict)
	assert.Equal(t, 1, store.auditCount())
}

func TestUnreviewedRoutesToClear(t *testing.T) {
	c := okCase(true)
	store := newMemStore(c)
	svc := newService(store)

	_, err := svc.Upsert(context.Background(), ws, c.ID, "erin", model.UpsertReviewRequest{Verdict: model.VerdictIncorrect, OverridePass: ptr(false)})
	require.NoError(t, err)

	st, err := svc.Upsert(context.Background(), ws, c.ID, "erin", model.UpsertReviewRequest{Verdict: model.VerdictUnreviewed})
	require.NoError(t, err)
	assert.Equal(t, model.VerdictUnreviewed, st.HumanVerdict)
	assert.Nil(t, st.HumanOverridePass)
	assert.Equal(t, ptr(true), st.EffectivePass)

	history, err := svc.History(context.Background(), ws, c.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, model.ReviewActionClear, history[0].Action)
	assert.Equal(t, model.ReviewActionUpsert, history[1].Action)
}

func TestClearIsIdempotent(t *testing.T) {
	c := okCase(true)
	store := newMemStore(c)
	svc := newService(store)

	for range 3 {
		_, err := svc.Clear(context.Background(), ws, c.ID, "frank", model.ClearReviewRequest{RequestID: ptr("clear-1")})
		require.NoError(t, err)
	}
	assert.Equal(t, 1, store.auditCount())
}

func TestHistoryIsCapped(t *testing.T) {
	c := okCase(true)
	store := newMemStore(c)
	svc := newService(store)
	for range 25 {
		_, err := svc.Clear(context.Background(), ws, c.ID, "gina", model.ClearReviewRequest{})
		require.NoError(t, err)
	}
	history, err := svc.History(context.Background(), ws, c.ID)
	require.NoError(t, err)
	assert.Len(t, history, model.ReviewHistoryLimit)
}
