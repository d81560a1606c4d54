package server

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kensa/internal/storage"
)

// testLogger returns a logger for tests that discards output.
func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type notification struct{ channel, payload string }

// fakeSource replays notifications, then blocks until ctx is done.
type fakeSource struct {
	listened []string
	notes    chan notification
}

func (f *fakeSource) Listen(_ context.Context, channel string) error {
	f.listened = append(f.listened, channel)
	return nil
}

func (f *fakeSource) WaitForNotification(ctx context.Context) (string, string, error) {
	select {
	case n := <-f.notes:
		return n.channel, n.payload, nil
	case <-ctx.Done():
		return "", "", ctx.Err()
	}
}

func receive(t *testing.T, ch chan []byte) string {
	t.Helper()
	select {
	case got := <-ch:
		return string(got)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return ""
	}
}

func assertNothing(t *testing.T, ch chan []byte) {
	t.Helper()
	select {
	case got := <-ch:
		t.Fatalf("unexpected event %q", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestBrokerFansOutPerWorkspace(t *testing.T) {
	b := NewBroker(nil, nil, testLogger())
	wsA, wsB := uuid.New(), uuid.New()

	a1 := b.Subscribe(wsA)
	a2 := b.Subscribe(wsA)
	other := b.Subscribe(wsB)

	event := formatSSE("run_finished", `{"run_id":"abc"}`)
	b.broadcast(wsA, event)

	assert.Equal(t, string(event), receive(t, a1))
	assert.Equal(t, string(event), receive(t, a2))
	assertNothing(t, other)

	b.Unsubscribe(a1)
	event2 := formatSSE("run_finished", `{"run_id":"def"}`)
	b.broadcast(wsA, event2)
	assert.Equal(t, string(event2), receive(t, a2))

	b.Unsubscribe(a2)
	b.Unsubscribe(other)
}

func TestFormatSSE(t *testing.T) {
	got := string(formatSSE("run_queued", `{"id":"123"}`))
	assert.Equal(t, "event: run_queued\ndata: {\"id\":\"123\"}\n\n", got)
}

func TestBrokerSlowSubscriber(t *testing.T) {
	b := NewBroker(nil, nil, testLogger())
	ws := uuid.New()

	slow := b.Subscribe(ws)
	fast := b.Subscribe(ws)

	for range 65 {
		b.broadcast(ws, formatSSE("test", "fill"))
	}
	// Drain fast so it has room again; slow stays full.
	for len(fast) > 0 {
		<-fast
	}

	b.broadcast(ws, formatSSE("test", "after-fill"))
	assert.Contains(t, receive(t, fast), "after-fill")

	b.Unsubscribe(slow)
	b.Unsubscribe(fast)
}

func TestBrokerStartDispatchesNotifications(t *testing.T) {
	src := &fakeSource{notes: make(chan notification, 4)}
	var nudges atomic.Int32
	b := NewBroker(src, func() { nudges.Add(1) }, testLogger())

	ws, run := uuid.New(), uuid.New()
	sub := b.Subscribe(ws)
	defer b.Unsubscribe(sub)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Start(ctx)
		close(done)
	}()

	src.notes <- notification{storage.ChannelRunsQueued, storage.RunPayload(ws, run)}
	got := receive(t, sub)
	assert.Contains(t, got, "event: run_queued\n")
	assert.Contains(t, got, run.String())

	src.notes <- notification{storage.ChannelRunsFinished, storage.RunPayload(ws, run)}
	assert.Contains(t, receive(t, sub), "event: run_finished\n")

	// Malformed payloads still nudge the worker but reach no subscriber.
	src.notes <- notification{storage.ChannelRunsQueued, "garbage"}
	assertNothing(t, sub)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broker did not stop after cancel")
	}
	assert.Equal(t, int32(2), nudges.Load())
	assert.Equal(t, []string{storage.ChannelRunsQueued, storage.ChannelRunsFinished}, src.listened)
}

type failingSource struct{}

func (failingSource) Listen(context.Context, string) error {
	return errors.New("storage: notify connection not configured")
}

func (failingSource) WaitForNotification(context.Context) (string, string, error) {
	return "", "", errors.New("unreachable")
}

func TestBrokerStartReturnsWhenListenFails(t *testing.T) {
	b := NewBroker(failingSource{}, nil, testLogger())
	done := make(chan struct{})
	go func() {
		b.Start(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		require.Fail(t, "Start should return when LISTEN fails")
	}
}
