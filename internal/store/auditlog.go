package store

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncLogEntry is one append-only record of a sync pass for a single repo
// (or the whole run, when Repo is empty).
type SyncLogEntry struct {
	ID         string
	Repo       string
	StartedAt  time.Time
	FinishedAt time.Time
	Scanned    int
	Eligible   int
	Errors     string
}

// AppendSyncLog writes a sync log row. Rows are never updated or deleted.
func (d *DB) AppendSyncLog(e SyncLogEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	_, err := d.conn.Exec(`
		INSERT INTO sync_log (id, repo, started_at, finished_at, scanned, eligible, errors)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Repo, e.StartedAt.UTC().Format(time.RFC3339),
		formatTime(e.FinishedAt), e.Scanned, e.Eligible, e.Errors,
	)
	if err != nil {
		return fmt.Errorf("appending sync log: %w", err)
	}
	return nil
}

// DispatchEvent is one append-only record of a dispatch attempt for an item.
type DispatchEvent struct {
	ID        string
	ItemID    string
	Action    Action
	Revision  string
	Agent     string
	Outcome   string // "dispatched" | "failed"
	CreatedAt time.Time
}

// AppendDispatchEvent writes a dispatch event row.
func (d *DB) AppendDispatchEvent(e DispatchEvent) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err := d.conn.Exec(`
		INSERT INTO dispatch_events (id, item_id, action, revision, agent, outcome, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.ItemID, string(e.Action), e.Revision, e.Agent, e.Outcome,
		e.CreatedAt.Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("appending dispatch event: %w", err)
	}
	return nil
}

// ListDispatchEvents returns dispatch events for a single item, oldest first.
func (d *DB) ListDispatchEvents(itemID string) ([]DispatchEvent, error) {
	rows, err := d.conn.Query(`
		SELECT id, item_id, action, revision, agent, outcome, created_at
		FROM dispatch_events WHERE item_id = ? ORDER BY created_at ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing dispatch events: %w", err)
	}
	defer rows.Close()

	var events []DispatchEvent
	for rows.Next() {
		var e DispatchEvent
		var action, createdAt string
		if err := rows.Scan(&e.ID, &e.ItemID, &action, &e.Revision, &e.Agent, &e.Outcome, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning dispatch event: %w", err)
		}
		e.Action = Action(action)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		events = append(events, e)
	}
	return events, rows.Err()
}
