package mcp

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// runTracker remembers recent kensa_create_run calls so a repeated call for
// the same candidate and dataset can point the agent at the run it already
// enqueued. Advisory only; state is per process.
type runTracker struct {
	mu     sync.Mutex
	runs   map[runKey]trackedRun
	window time.Duration
	now    func() time.Time
}

type runKey struct {
	workspaceID uuid.UUID
	versionID   uuid.UUID
	datasetID   uuid.UUID
}

type trackedRun struct {
	runID uuid.UUID
	at    time.Time
}

func newRunTracker(window time.Duration) *runTracker {
	return &runTracker{
		runs:   make(map[runKey]trackedRun),
		window: window,
		now:    time.Now,
	}
}

// Record notes that runID was enqueued for the key.
func (t *runTracker) Record(k runKey, runID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs[k] = trackedRun{runID: runID, at: t.now()}

	if len(t.runs) > 1000 {
		t.purgeStale()
	}
}

// Recent returns the run enqueued for k within the window, if any.
func (t *runTracker) Recent(k runKey) (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[k]
	if !ok {
		return uuid.Nil, false
	}
	if t.now().Sub(r.at) > t.window {
		delete(t.runs, k)
		return uuid.Nil, false
	}
	return r.runID, true
}

// purgeStale removes expired entries. Must be called with mu held.
func (t *runTracker) purgeStale() {
	now := t.now()
	for k, r := range t.runs {
		if now.Sub(r.at) > t.window {
			delete(t.runs, k)
		}
	}
}
