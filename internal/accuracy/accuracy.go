// Package accuracy measures how well the judge's machine pass agrees with
// human review.
package accuracy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/model"
)

// ErrInvalidWindow is returned when a rollup window is empty or inverted.
var ErrInvalidWindow = errors.New("accuracy: invalid window")

// Compute derives the metrics from review projections. Only reviewed rows
// count; a row joins the confusion matrix only when both its machine pass
// and its ground truth are known.
func Compute(rows []model.AccuracyRow) model.JudgeAccuracyMetrics {
	var m model.JudgeAccuracyMetrics
	for _, r := range rows {
		if r.Verdict == model.VerdictUnreviewed || r.Verdict == "" {
			continue
		}
		m.ReviewedCount++
		if r.Verdict == model.VerdictCorrect {
			m.CorrectCount++
		} else {
			m.IncorrectCount++
		}

		truth := model.EffectivePass(r.Verdict, r.MachinePass, r.OverridePass)
		if r.MachinePass == nil || truth == nil {
			continue
		}
		switch machine := *r.MachinePass; {
		case machine && *truth:
			m.Confusion.TP++
		case !machine && !*truth:
			m.Confusion.TN++
		case machine && !*truth:
			m.Confusion.FP++
		default:
			m.Confusion.FN++
		}
	}

	c := m.Confusion
	m.Accuracy = ratio(m.CorrectCount, m.ReviewedCount)
	m.OverrideRate = ratio(m.IncorrectCount, m.ReviewedCount)
	m.Precision = ratio(c.TP, c.TP+c.FP)
	m.Recall = ratio(c.TP, c.TP+c.FN)
	m.Specificity = ratio(c.TN, c.TN+c.FP)
	if m.Precision != nil && m.Recall != nil {
		p, r := *m.Precision, *m.Recall
		f1 := 0.0
		if p+r > 0 {
			f1 = 2 * p * r / (p + r)
		}
		m.F1 = &f1
	}
	if m.Recall != nil && m.Specificity != nil {
		ba := (*m.Recall + *m.Specificity) / 2
		m.BalancedAccuracy = &ba
	}
	return m
}

func ratio(num, den int) *float64 {
	if den <= 0 {
		return nil
	}
	v := float64(num) / float64(den)
	return &v
}

// Store reads the review projections.
type Store interface {
	GetRun(ctx context.Context, workspaceID, id uuid.UUID) (model.EvalRun, error)
	RunAccuracyRows(ctx context.Context, workspaceID, runID uuid.UUID) ([]model.AccuracyRow, error)
	RollupAccuracyRows(ctx context.Context, f model.AccuracyRollupFilter) ([]model.AccuracyRow, int, error)
}

// Service answers judge-accuracy queries.
type Service struct {
	store Store
	now   func() time.Time
}

// NewService creates a Service.
func NewService(store Store) *Service {
	return &Service{store: store, now: time.Now}
}

// ForRun reports accuracy over one run's reviewed cases.
func (s *Service) ForRun(ctx context.Context, workspaceID, runID uuid.UUID) (model.JudgeAccuracyReport, error) {
	if _, err := s.store.GetRun(ctx, workspaceID, runID); err != nil {
		return model.JudgeAccuracyReport{}, err
	}
	rows, err := s.store.RunAccuracyRows(ctx, workspaceID, runID)
	if err != nil {
		return model.JudgeAccuracyReport{}, fmt.Errorf("accuracy: run rows: %w", err)
	}
	return model.JudgeAccuracyReport{
		Scope:   model.AccuracyScope{Kind: model.ScopeRun, WorkspaceID: workspaceID, RunID: &runID},
		Metrics: Compute(rows),
	}, nil
}

// Rollup reports accuracy over a workspace (optionally one prompt or
// version) within [From, To). Zero bounds default to the last 30 days.
func (s *Service) Rollup(ctx context.Context, f model.AccuracyRollupFilter) (model.JudgeAccuracyReport, error) {
	if f.To.IsZero() {
		f.To = s.now().UTC()
	}
	if f.From.IsZero() {
		f.From = f.To.Add(-model.DefaultAccuracyWindow)
	}
	if !f.From.Before(f.To) {
		return model.JudgeAccuracyReport{}, fmt.Errorf("%w: from must be before to", ErrInvalidWindow)
	}
	rows, runs, err := s.store.RollupAccuracyRows(ctx, f)
	if err != nil {
		return model.JudgeAccuracyReport{}, fmt.Errorf("accuracy: rollup rows: %w", err)
	}
	return model.JudgeAccuracyReport{
		Scope: model.AccuracyScope{
			Kind:        model.ScopeRollup,
			WorkspaceID: f.WorkspaceID,
			PromptID:    f.PromptID,
			VersionID:   f.VersionID,
			From:        &f.From,
			To:          &f.To,
			RunCount:    &runs,
		},
		Metrics: Compute(rows),
	}, nil
}
