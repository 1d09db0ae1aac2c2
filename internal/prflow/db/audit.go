package db

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SyncRun is one append-only sync_log row.
type SyncRun struct {
	ID          string
	StartedAt   time.Time
	FinishedAt  time.Time
	ItemsSynced int
	Errors      []string
}

// DispatchEvent is one append-only dispatch_events row.
type DispatchEvent struct {
	ID           string
	ItemID       string
	Action       string
	HeadSHA      string
	Agent        string
	Status       string
	DispatchedAt time.Time
}

// RecordSyncRun appends a sync_log row describing one completed pass.
func (db *DB) RecordSyncRun(run SyncRun) (SyncRun, error) {
	if run.ID == "" {
		run.ID = uuid.New().String()
	}
	errsJSON := ""
	if len(run.Errors) > 0 {
		b, err := json.Marshal(run.Errors)
		if err != nil {
			return SyncRun{}, fmt.Errorf("encoding sync errors: %w", err)
		}
		errsJSON = string(b)
	}

	_, err := db.conn.Exec(`
		INSERT INTO sync_log (id, started_at, finished_at, items_synced, errors)
		VALUES (?, ?, ?, ?, ?)`,
		run.ID, formatTime(run.StartedAt), formatTime(run.FinishedAt), run.ItemsSynced, errsJSON,
	)
	if err != nil {
		return SyncRun{}, fmt.Errorf("recording sync run: %w", err)
	}
	return run, nil
}

// ListSyncRuns returns the most recent sync runs, newest first.
func (db *DB) ListSyncRuns(limit int) ([]SyncRun, error) {
	rows, err := db.conn.Query(`
		SELECT id, started_at, finished_at, items_synced, errors
		FROM sync_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing sync runs: %w", err)
	}
	defer rows.Close()

	var runs []SyncRun
	for rows.Next() {
		var run SyncRun
		var startedAt, finishedAt, errsJSON string
		if err := rows.Scan(&run.ID, &startedAt, &finishedAt, &run.ItemsSynced, &errsJSON); err != nil {
			return nil, fmt.Errorf("scanning sync run: %w", err)
		}
		run.StartedAt = parseTime(startedAt)
		run.FinishedAt = parseTime(finishedAt)
		if errsJSON != "" {
			if err := json.Unmarshal([]byte(errsJSON), &run.Errors); err != nil {
				return nil, fmt.Errorf("decoding sync errors: %w", err)
			}
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// RecordDispatchEvent appends a dispatch_events row.
func (db *DB) RecordDispatchEvent(ev DispatchEvent) (DispatchEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.DispatchedAt.IsZero() {
		ev.DispatchedAt = time.Now().UTC()
	}

	_, err := db.conn.Exec(`
		INSERT INTO dispatch_events (id, item_id, action, head_sha, agent, status, dispatched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.ItemID, ev.Action, ev.HeadSHA, ev.Agent, ev.Status, formatTime(ev.DispatchedAt),
	)
	if err != nil {
		return DispatchEvent{}, fmt.Errorf("recording dispatch event: %w", err)
	}
	return ev, nil
}

// ListDispatchEvents returns dispatch events for an item, oldest first.
func (db *DB) ListDispatchEvents(itemID string) ([]DispatchEvent, error) {
	rows, err := db.conn.Query(`
		SELECT id, item_id, action, head_sha, agent, status, dispatched_at
		FROM dispatch_events WHERE item_id = ? ORDER BY dispatched_at ASC, id ASC`, itemID)
	if err != nil {
		return nil, fmt.Errorf("listing dispatch events: %w", err)
	}
	defer rows.Close()

	var events []DispatchEvent
	for rows.Next() {
		var ev DispatchEvent
		var dispatchedAt string
		if err := rows.Scan(&ev.ID, &ev.ItemID, &ev.Action, &ev.HeadSHA, &ev.Agent, &ev.Status, &dispatchedAt); err != nil {
			return nil, fmt.Errorf("scanning dispatch event: %w", err)
		}
		ev.DispatchedAt = parseTime(dispatchedAt)
		events = append(events, ev)
	}
	return events, rows.Err()
}
