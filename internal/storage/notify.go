package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// LISTEN/NOTIFY channels.
const (
	ChannelRunsQueued   = "kensa_runs_queued"
	ChannelRunsFinished = "kensa_runs_finished"
)

// RunPayload encodes a run notification as "<workspace_id>/<run_id>".
func RunPayload(workspaceID, runID uuid.UUID) string {
	return workspaceID.String() + "/" + runID.String()
}

// ParseRunPayload decodes a RunPayload.
func ParseRunPayload(payload string) (workspaceID, runID uuid.UUID, err error) {
	ws, run, ok := strings.Cut(payload, "/")
	if !ok {
		return uuid.Nil, uuid.Nil, fmt.Errorf("storage: malformed run payload %q", payload)
	}
	if workspaceID, err = uuid.Parse(ws); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("storage: run payload workspace: %w", err)
	}
	if runID, err = uuid.Parse(run); err != nil {
		return uuid.Nil, uuid.Nil, fmt.Errorf("storage: run payload run: %w", err)
	}
	return workspaceID, runID, nil
}

// Listen starts listening on the specified channel using the dedicated notify connection.
// Returns an error if no notify connection is configured.
func (db *DB) Listen(ctx context.Context, channel string) error {
	if db.notifyConn == nil {
		return fmt.Errorf("storage: notify connection not configured")
	}
	_, err := db.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{channel}.Sanitize())
	if err != nil {
		return fmt.Errorf("storage: listen %s: %w", channel, err)
	}
	return nil
}

// WaitForNotification blocks until a notification arrives on any listened channel.
func (db *DB) WaitForNotification(ctx context.Context) (channel, payload string, err error) {
	if db.notifyConn == nil {
		return "", "", fmt.Errorf("storage: notify connection not configured")
	}
	notification, err := db.notifyConn.WaitForNotification(ctx)
	if err != nil {
		return "", "", fmt.Errorf("storage: wait for notification: %w", err)
	}
	return notification.Channel, notification.Payload, nil
}

// Notify sends a notification on the specified channel.
func (db *DB) Notify(ctx context.Context, channel, payload string) error {
	_, err := db.pool.Exec(ctx, "SELECT pg_notify($1, $2)", channel, payload)
	if err != nil {
		return fmt.Errorf("storage: notify %s: %w", channel, err)
	}
	return nil
}
