package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kensa/internal/storage"
)

// NotificationSource is the LISTEN side of the notify connection.
// *storage.DB satisfies it.
type NotificationSource interface {
	Listen(ctx context.Context, channel string) error
	WaitForNotification(ctx context.Context) (channel, payload string, err error)
}

// RunEvent is the data line of a run SSE event.
type RunEvent struct {
	WorkspaceID uuid.UUID `json:"workspace_id"`
	RunID       uuid.UUID `json:"run_id"`
}

var eventNames = map[string]string{
	storage.ChannelRunsQueued:   "run_queued",
	storage.ChannelRunsFinished: "run_finished",
}

// Broker is the only reader of the notify connection. It fans run
// notifications out to SSE subscribers of the same workspace and pokes the
// worker when a run is queued.
type Broker struct {
	source   NotificationSource
	onQueued func()
	logger   *slog.Logger

	mu          sync.RWMutex
	subscribers map[chan []byte]uuid.UUID
}

// NewBroker creates a new SSE broker. onQueued may be nil. Call Start to
// begin listening.
func NewBroker(source NotificationSource, onQueued func(), logger *slog.Logger) *Broker {
	return &Broker{
		source:      source,
		onQueued:    onQueued,
		logger:      logger,
		subscribers: make(map[chan []byte]uuid.UUID),
	}
}

// Start listens on the run channels. It blocks, so call it in a goroutine.
// Returns when ctx is cancelled.
func (b *Broker) Start(ctx context.Context) {
	for _, ch := range []string{storage.ChannelRunsQueued, storage.ChannelRunsFinished} {
		if err := b.source.Listen(ctx, ch); err != nil {
			b.logger.Error("broker: listen", "channel", ch, "error", err)
			return
		}
	}
	b.logger.Info("broker: listening for notifications",
		"channels", []string{storage.ChannelRunsQueued, storage.ChannelRunsFinished})

	for {
		channel, payload, err := b.source.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Warn("broker: notification error, retrying", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		b.dispatch(channel, payload)
	}
}

func (b *Broker) dispatch(channel, payload string) {
	name, ok := eventNames[channel]
	if !ok {
		return
	}
	if channel == storage.ChannelRunsQueued && b.onQueued != nil {
		b.onQueued()
	}

	ws, run, err := storage.ParseRunPayload(payload)
	if err != nil {
		b.logger.Warn("broker: dropping notification", "channel", channel, "error", err)
		return
	}
	data, _ := json.Marshal(RunEvent{WorkspaceID: ws, RunID: run})
	b.broadcast(ws, formatSSE(name, string(data)))
}

// Subscribe returns a channel that receives SSE-formatted events for one
// workspace. The caller must call Unsubscribe when done.
func (b *Broker) Subscribe(workspaceID uuid.UUID) chan []byte {
	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.subscribers[ch] = workspaceID
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber channel and closes it.
func (b *Broker) Unsubscribe(ch chan []byte) {
	b.mu.Lock()
	delete(b.subscribers, ch)
	b.mu.Unlock()
	close(ch)
}

// broadcast drops the event for subscribers whose buffer is full so one slow
// client cannot stall the rest.
func (b *Broker) broadcast(workspaceID uuid.UUID, event []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for ch, ws := range b.subscribers {
		if ws != workspaceID {
			continue
		}
		select {
		case ch <- event:
		default:
		}
	}
}

// formatSSE formats an event as "event: <type>\ndata: <payload>\n\n".
func formatSSE(eventType, data string) []byte {
	return []byte("event: " + eventType + "\ndata: " + data + "\n\n")
}
