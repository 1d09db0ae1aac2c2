package db

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/miller46/prflow/internal/prflow/engine"
)

// Item is a stored workflow item: one issue or PR with its computed state,
// dedupe markers, and iteration counter. Rows are never deleted; closed and
// merged items remain for audit and to preserve dedupe history on reopen.
type Item struct {
	ID          string
	Kind        engine.ItemKind
	Repo        string
	Number      int
	Title       string
	Author      string
	GithubState string
	Status      engine.Status
	Action      engine.Action

	HeadSHA              string
	HeadRefName          string
	LastReviewedSHA      string
	Reviews              map[string]string
	Labels               []string
	AllReviewersApproved bool
	AnyChangesRequested  bool
	SHAMatchesReview     bool
	HasConflicts         bool

	Markers         engine.DispatchMarkers
	LastHeadSHASeen string

	Iteration     int
	MaxIterations int
	Priority      int

	AssignedAgent string
	LockExpires   time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
	LastSync  time.Time
}

// ItemFilter narrows ListItems. Zero values are ignored. GithubStateOpen
// compares case-insensitively against the raw upstream state.
type ItemFilter struct {
	Kind            engine.ItemKind
	Repo            string
	Action          engine.Action
	Status          engine.Status
	GithubStateOpen bool
	MinIteration    *int
}

const itemColumns = `id, kind, repo, number, title, author, github_state, status, action,
	head_sha, head_ref_name, last_reviewed_sha, reviews_json, labels_json,
	all_reviewers_approved, any_changes_requested, sha_matches_review, has_conflicts,
	last_review_dispatch_sha, last_fix_dispatch_sha, last_merge_dispatch_sha,
	last_conflict_dispatch_sha, last_status_fix_dispatch_sha, last_head_sha_seen,
	iteration, max_iterations, priority, assigned_agent, lock_expires,
	created_at, updated_at, last_sync`

// UpsertItem inserts or replaces the full row for an item.
func (db *DB) UpsertItem(item Item) error {
	reviewsJSON, err := json.Marshal(orEmptyMap(item.Reviews))
	if err != nil {
		return fmt.Errorf("encoding reviews: %w", err)
	}
	labelsJSON, err := json.Marshal(orEmptyList(item.Labels))
	if err != nil {
		return fmt.Errorf("encoding labels: %w", err)
	}

	_, err = db.conn.Exec(`
		INSERT OR REPLACE INTO workflow_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.Kind), item.Repo, item.Number, item.Title, item.Author,
		item.GithubState, string(item.Status), string(item.Action),
		item.HeadSHA, item.HeadRefName, item.LastReviewedSHA, string(reviewsJSON), string(labelsJSON),
		boolInt(item.AllReviewersApproved), boolInt(item.AnyChangesRequested),
		boolInt(item.SHAMatchesReview), boolInt(item.HasConflicts),
		item.Markers.Review, item.Markers.Fix, item.Markers.Merge,
		item.Markers.Conflict, item.Markers.StatusFix, item.LastHeadSHASeen,
		item.Iteration, item.MaxIterations, item.Priority,
		item.AssignedAgent, formatTime(item.LockExpires),
		formatTime(item.CreatedAt), formatTime(item.UpdatedAt), formatTime(item.LastSync),
	)
	if err != nil {
		return fmt.Errorf("upserting item %s: %w", item.ID, err)
	}
	return nil
}

// GetItem returns the item with the given ID, or an sql.ErrNoRows-wrapped
// error when absent.
func (db *DB) GetItem(id string) (Item, error) {
	row := db.conn.QueryRow(`SELECT `+itemColumns+` FROM workflow_items WHERE id = ?`, id)
	item, err := scanItemRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Item{}, fmt.Errorf("item not found: %s: %w", id, sql.ErrNoRows)
		}
		return Item{}, fmt.Errorf("getting item %s: %w", id, err)
	}
	return item, nil
}

// ListItems returns items matching the filter ordered by updated_at
// ascending, then id.
func (db *DB) ListItems(filter ItemFilter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM workflow_items`

	var conditions []string
	var args []any

	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Repo != "" {
		conditions = append(conditions, "repo = ?")
		args = append(args, filter.Repo)
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(filter.Action))
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.GithubStateOpen {
		conditions = append(conditions, "lower(github_state) = 'open'")
	}
	if filter.MinIteration != nil {
		conditions = append(conditions, "iteration >= ?")
		args = append(args, *filter.MinIteration)
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC"

	rows, err := db.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// MarkClosed updates an item's upstream state after reconciliation decides
// it is closed or merged. The action is cleared.
func (db *DB) MarkClosed(id, githubState string, status engine.Status, lastSync time.Time) error {
	result, err := db.conn.Exec(`
		UPDATE workflow_items SET github_state = ?, status = ?, action = ?, last_sync = ?
		WHERE id = ?`,
		githubState, string(status), string(engine.ActionNone), formatTime(lastSync), id,
	)
	if err != nil {
		return fmt.Errorf("marking item closed: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item not found: %s", id)
	}
	return nil
}

// MarkDispatched persists a dispatch marker after a successful dispatch.
// For fix dispatches the iteration counter is incremented in the same
// statement, so a crash cannot separate the two.
func (db *DB) MarkDispatched(id string, action engine.Action, headSHA string) error {
	col, ok := markerColumn(action)
	if !ok {
		return fmt.Errorf("action %q has no dispatch marker", action)
	}

	now := formatTime(time.Now())
	return db.Tx(func(tx *Tx) error {
		var stmt string
		if action == engine.ActionNeedsFix {
			stmt = `UPDATE workflow_items SET ` + col + ` = ?, iteration = iteration + 1, last_sync = ? WHERE id = ?`
		} else {
			stmt = `UPDATE workflow_items SET ` + col + ` = ?, last_sync = ? WHERE id = ?`
		}
		result, err := tx.tx.Exec(stmt, headSHA, now, id)
		if err != nil {
			return fmt.Errorf("marking dispatched: %w", err)
		}
		n, _ := result.RowsAffected()
		if n == 0 {
			return fmt.Errorf("item not found: %s", id)
		}
		return nil
	})
}

// ClaimItem leases an item to an agent until the given expiry. Claimed
// items are skipped by queue queries until the lease lapses, which keeps
// long-running dev work from being dispatched twice.
func (db *DB) ClaimItem(id, agent string, until time.Time) error {
	result, err := db.conn.Exec(`
		UPDATE workflow_items SET assigned_agent = ?, lock_expires = ? WHERE id = ?`,
		agent, formatTime(until), id,
	)
	if err != nil {
		return fmt.Errorf("claiming item: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("item not found: %s", id)
	}
	return nil
}

func markerColumn(action engine.Action) (string, bool) {
	switch action {
	case engine.ActionNeedsReview:
		return "last_review_dispatch_sha", true
	case engine.ActionNeedsFix:
		return "last_fix_dispatch_sha", true
	case engine.ActionReadyToMerge:
		return "last_merge_dispatch_sha", true
	case engine.ActionNeedsConflictResolution:
		return "last_conflict_dispatch_sha", true
	case engine.ActionNeedsStatusFix:
		return "last_status_fix_dispatch_sha", true
	}
	return "", false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(rows *sql.Rows) (Item, error) {
	item, err := scanInto(rows)
	if err != nil {
		return Item{}, fmt.Errorf("scanning item: %w", err)
	}
	return item, nil
}

func scanItemRow(row *sql.Row) (Item, error) {
	return scanInto(row)
}

func scanInto(s rowScanner) (Item, error) {
	var item Item
	var kind, status, action string
	var reviewsJSON, labelsJSON string
	var allApproved, anyChanges, shaMatches, hasConflicts int
	var lockExpires, createdAt, updatedAt, lastSync string

	err := s.Scan(&item.ID, &kind, &item.Repo, &item.Number, &item.Title, &item.Author,
		&item.GithubState, &status, &action,
		&item.HeadSHA, &item.HeadRefName, &item.LastReviewedSHA, &reviewsJSON, &labelsJSON,
		&allApproved, &anyChanges, &shaMatches, &hasConflicts,
		&item.Markers.Review, &item.Markers.Fix, &item.Markers.Merge,
		&item.Markers.Conflict, &item.Markers.StatusFix, &item.LastHeadSHASeen,
		&item.Iteration, &item.MaxIterations, &item.Priority,
		&item.AssignedAgent, &lockExpires,
		&createdAt, &updatedAt, &lastSync)
	if err != nil {
		return Item{}, err
	}

	item.Kind = engine.ItemKind(kind)
	item.Status = engine.Status(status)
	item.Action = engine.Action(action)
	item.AllReviewersApproved = allApproved != 0
	item.AnyChangesRequested = anyChanges != 0
	item.SHAMatchesReview = shaMatches != 0
	item.HasConflicts = hasConflicts != 0
	item.LockExpires = parseTime(lockExpires)
	item.CreatedAt = parseTime(createdAt)
	item.UpdatedAt = parseTime(updatedAt)
	item.LastSync = parseTime(lastSync)

	if reviewsJSON != "" {
		if err := json.Unmarshal([]byte(reviewsJSON), &item.Reviews); err != nil {
			return Item{}, fmt.Errorf("decoding reviews for %s: %w", item.ID, err)
		}
	}
	if labelsJSON != "" {
		if err := json.Unmarshal([]byte(labelsJSON), &item.Labels); err != nil {
			return Item{}, fmt.Errorf("decoding labels for %s: %w", item.ID, err)
		}
	}
	return item, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func orEmptyMap(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}

func orEmptyList(l []string) []string {
	if l == nil {
		return []string{}
	}
	return l
}
