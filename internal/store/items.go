package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Kind distinguishes the two upstream entity types an item can represent.
type Kind string

const (
	KindIssue Kind = "issue"
	KindPR    Kind = "pr"
)

// Status is the computed lifecycle position of an item, distinct from Action.
type Status string

const (
	StatusOpen             Status = "open"
	StatusInProgress       Status = "in_progress"
	StatusPRCreated        Status = "pr_created"
	StatusClosed           Status = "closed"
	StatusPendingReview    Status = "pending_review"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMerged           Status = "merged"
	StatusConflicting      Status = "conflicting"
	StatusChecksFailing    Status = "checks_failing"
)

// Action is the next scheduler-visible directive for an item.
type Action string

const (
	ActionNone                  Action = "none"
	ActionNeedsDev              Action = "needs_dev"
	ActionNeedsReview           Action = "needs_review"
	ActionNeedsFix              Action = "needs_fix"
	ActionNeedsConflictResolve  Action = "needs_conflict_resolution"
	ActionNeedsStatusFix        Action = "needs_status_fix"
	ActionReadyToMerge          Action = "ready_to_merge"
	ActionMaxIterationsReached  Action = "max_iterations_reached"
)

// DispatchKind identifies which dedupe marker / dispatch-event an action
// belongs to. Not every Action has a marker (e.g. ActionNone, ActionNeedsDev).
type DispatchKind string

const (
	DispatchReview     DispatchKind = "review"
	DispatchFix        DispatchKind = "fix"
	DispatchMerge      DispatchKind = "merge"
	DispatchConflict   DispatchKind = "conflict"
	DispatchStatusFix  DispatchKind = "status_fix"
)

// Item is the single aggregate: a GitHub issue or pull request tracked by
// the scheduler, its computed status/action, and its dedupe bookkeeping.
type Item struct {
	ID          string
	Kind        Kind
	Repo        string
	Number      int
	Title       string
	Labels      []string
	GithubState string
	Status      Status
	Action      Action
	CreatedAt   time.Time
	UpdatedAt   time.Time
	LastSync    time.Time

	// PR-only fields. Zero-valued for issues per invariant 2.
	HeadSHA              string
	HeadRefName          string
	LastReviewedSHA      string
	Reviews              map[string]string // reviewer login -> latest decision
	AllReviewersApproved bool
	AnyChangesRequested  bool
	ShaMatchesReview     bool
	HasConflicts         bool

	LastReviewDispatchSHA    string
	LastFixDispatchSHA       string
	LastMergeDispatchSHA     string
	LastConflictDispatchSHA  string
	LastStatusFixDispatchSHA string

	Iteration     int
	MaxIterations int

	AssignedAgent string
	LockExpires   time.Time

	DevAgentSuggestion string
}

// ID builds the canonical identity string for a repo/kind/number triple.
func ID(repo string, kind Kind, number int) string {
	return fmt.Sprintf("%s#%s#%d", repo, kind, number)
}

// DispatchMarker returns the dedupe marker SHA currently recorded for kind.
func (i Item) DispatchMarker(kind DispatchKind) string {
	switch kind {
	case DispatchReview:
		return i.LastReviewDispatchSHA
	case DispatchFix:
		return i.LastFixDispatchSHA
	case DispatchMerge:
		return i.LastMergeDispatchSHA
	case DispatchConflict:
		return i.LastConflictDispatchSHA
	case DispatchStatusFix:
		return i.LastStatusFixDispatchSHA
	default:
		return ""
	}
}

// actionDispatchKind maps a computed Action to the DispatchKind whose marker
// gates it. Actions with no marker (none, needs_dev, max_iterations_reached)
// return ok=false.
func actionDispatchKind(a Action) (DispatchKind, bool) {
	switch a {
	case ActionNeedsReview:
		return DispatchReview, true
	case ActionNeedsFix:
		return DispatchFix, true
	case ActionReadyToMerge:
		return DispatchMerge, true
	case ActionNeedsConflictResolve:
		return DispatchConflict, true
	case ActionNeedsStatusFix:
		return DispatchStatusFix, true
	default:
		return "", false
	}
}

// ActionDispatchKind exposes actionDispatchKind to other packages.
func ActionDispatchKind(a Action) (DispatchKind, bool) { return actionDispatchKind(a) }

// Filter selects a subset of items for enumeration.
type Filter struct {
	Repo    string
	Repos   []string
	Kind    Kind
	Action  Action
	Actions []Action
	Status  Status
}

const itemColumns = `id, kind, repo, number, title, github_state, status, action,
	created_at, updated_at, last_sync, head_sha, head_ref_name, last_reviewed_sha,
	reviews, all_reviewers_approved, any_changes_requested, sha_matches_review,
	has_conflicts, last_review_dispatch_sha, last_fix_dispatch_sha,
	last_merge_dispatch_sha, last_conflict_dispatch_sha, last_status_fix_dispatch_sha,
	iteration, max_iterations, assigned_agent, lock_expires, dev_agent_suggestion,
	labels`

// Upsert inserts a new item or replaces an existing one by id.
func (d *DB) Upsert(item Item) error {
	return upsert(d.conn, item)
}

// Upsert is the transactional counterpart of (*DB).Upsert.
func (tx *Tx) Upsert(item Item) error {
	return upsert(tx.tx, item)
}

type execer interface {
	Exec(query string, args ...any) (sql.Result, error)
}

func upsert(ex execer, item Item) error {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.LastSync.IsZero() {
		item.LastSync = now
	}

	reviewsJSON, err := json.Marshal(item.Reviews)
	if err != nil {
		return fmt.Errorf("marshaling reviews: %w", err)
	}
	labelsJSON, err := json.Marshal(item.Labels)
	if err != nil {
		return fmt.Errorf("marshaling labels: %w", err)
	}

	_, err = ex.Exec(`
		INSERT INTO workflow_items (
			id, kind, repo, number, title, github_state, status, action,
			created_at, updated_at, last_sync, head_sha, head_ref_name,
			last_reviewed_sha, reviews, all_reviewers_approved,
			any_changes_requested, sha_matches_review, has_conflicts,
			last_review_dispatch_sha, last_fix_dispatch_sha,
			last_merge_dispatch_sha, last_conflict_dispatch_sha,
			last_status_fix_dispatch_sha, iteration, max_iterations,
			assigned_agent, lock_expires, dev_agent_suggestion, labels
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title = excluded.title,
			github_state = excluded.github_state,
			status = excluded.status,
			action = excluded.action,
			updated_at = excluded.updated_at,
			last_sync = excluded.last_sync,
			head_sha = excluded.head_sha,
			head_ref_name = excluded.head_ref_name,
			last_reviewed_sha = excluded.last_reviewed_sha,
			reviews = excluded.reviews,
			all_reviewers_approved = excluded.all_reviewers_approved,
			any_changes_requested = excluded.any_changes_requested,
			sha_matches_review = excluded.sha_matches_review,
			has_conflicts = excluded.has_conflicts,
			last_review_dispatch_sha = excluded.last_review_dispatch_sha,
			last_fix_dispatch_sha = excluded.last_fix_dispatch_sha,
			last_merge_dispatch_sha = excluded.last_merge_dispatch_sha,
			last_conflict_dispatch_sha = excluded.last_conflict_dispatch_sha,
			last_status_fix_dispatch_sha = excluded.last_status_fix_dispatch_sha,
			iteration = excluded.iteration,
			max_iterations = excluded.max_iterations,
			assigned_agent = excluded.assigned_agent,
			lock_expires = excluded.lock_expires,
			dev_agent_suggestion = excluded.dev_agent_suggestion,
			labels = excluded.labels
		`,
		item.ID, string(item.Kind), item.Repo, item.Number, item.Title,
		item.GithubState, string(item.Status), string(item.Action),
		item.CreatedAt.Format(time.RFC3339), item.UpdatedAt.Format(time.RFC3339),
		item.LastSync.Format(time.RFC3339), item.HeadSHA, item.HeadRefName,
		item.LastReviewedSHA, string(reviewsJSON), boolToInt(item.AllReviewersApproved),
		boolToInt(item.AnyChangesRequested), boolToInt(item.ShaMatchesReview),
		boolToInt(item.HasConflicts), item.LastReviewDispatchSHA, item.LastFixDispatchSHA,
		item.LastMergeDispatchSHA, item.LastConflictDispatchSHA, item.LastStatusFixDispatchSHA,
		item.Iteration, item.MaxIterations, item.AssignedAgent, formatTime(item.LockExpires),
		item.DevAgentSuggestion, string(labelsJSON),
	)
	if err != nil {
		return fmt.Errorf("upserting workflow item: %w", err)
	}
	return nil
}

// Get reads a single item by id. Returns sql.ErrNoRows (wrapped) if absent.
func (d *DB) Get(id string) (Item, error) {
	row := d.conn.QueryRow(`SELECT `+itemColumns+` FROM workflow_items WHERE id = ?`, id)
	item, err := scanItemRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Item{}, fmt.Errorf("workflow item not found: %s: %w", id, sql.ErrNoRows)
		}
		return Item{}, fmt.Errorf("getting workflow item: %w", err)
	}
	return item, nil
}

// Get reads a single item within a transaction, seeing prior writes in the
// same transaction.
func (tx *Tx) Get(id string) (Item, error) {
	row := tx.tx.QueryRow(`SELECT `+itemColumns+` FROM workflow_items WHERE id = ?`, id)
	item, err := scanItemRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return Item{}, fmt.Errorf("workflow item not found: %s: %w", id, sql.ErrNoRows)
		}
		return Item{}, fmt.Errorf("getting workflow item in tx: %w", err)
	}
	return item, nil
}

// List enumerates items matching filter.
func (d *DB) List(filter Filter) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM workflow_items`

	var conditions []string
	var args []any

	if filter.Repo != "" {
		conditions = append(conditions, "repo = ?")
		args = append(args, filter.Repo)
	}
	if len(filter.Repos) > 0 {
		placeholders := make([]string, len(filter.Repos))
		for i, r := range filter.Repos {
			placeholders[i] = "?"
			args = append(args, r)
		}
		conditions = append(conditions, "repo IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Kind != "" {
		conditions = append(conditions, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.Action != "" {
		conditions = append(conditions, "action = ?")
		args = append(args, string(filter.Action))
	}
	if len(filter.Actions) > 0 {
		placeholders := make([]string, len(filter.Actions))
		for i, a := range filter.Actions {
			placeholders[i] = "?"
			args = append(args, string(a))
		}
		conditions = append(conditions, "action IN ("+strings.Join(placeholders, ", ")+")")
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}

	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY updated_at ASC, id ASC"

	rows, err := d.conn.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing workflow items: %w", err)
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

// MarkDispatched atomically records the dispatch marker for action at
// revision, and — only for DispatchFix — increments iteration in the same
// statement. This is the single place iteration ever changes.
func (d *DB) MarkDispatched(id string, kind DispatchKind, revision string) error {
	return d.Tx(func(tx *Tx) error {
		return tx.MarkDispatched(id, kind, revision)
	})
}

// MarkDispatched is the transactional counterpart of (*DB).MarkDispatched.
func (tx *Tx) MarkDispatched(id string, kind DispatchKind, revision string) error {
	col, ok := dispatchColumn(kind)
	if !ok {
		return fmt.Errorf("unknown dispatch kind: %s", kind)
	}

	query := fmt.Sprintf(`UPDATE workflow_items SET %s = ?, updated_at = ?`, col)
	args := []any{revision, time.Now().UTC().Format(time.RFC3339)}
	if kind == DispatchFix {
		query += `, iteration = iteration + 1`
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	result, err := tx.tx.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("marking dispatched: %w", err)
	}
	n, _ := result.RowsAffected()
	if n == 0 {
		return fmt.Errorf("workflow item not found: %s", id)
	}
	return nil
}

func dispatchColumn(kind DispatchKind) (string, bool) {
	switch kind {
	case DispatchReview:
		return "last_review_dispatch_sha", true
	case DispatchFix:
		return "last_fix_dispatch_sha", true
	case DispatchMerge:
		return "last_merge_dispatch_sha", true
	case DispatchConflict:
		return "last_conflict_dispatch_sha", true
	case DispatchStatusFix:
		return "last_status_fix_dispatch_sha", true
	default:
		return "", false
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(rows *sql.Rows) (Item, error) { return scanRow(rows) }
func scanItemRow(row *sql.Row) (Item, error) { return scanRow(row) }

func scanRow(s rowScanner) (Item, error) {
	var item Item
	var kind, status, action string
	var createdAt, updatedAt, lastSync, lockExpires string
	var reviewsJSON, labelsJSON string
	var allApproved, anyChanges, shaMatches, hasConflicts int

	err := s.Scan(
		&item.ID, &kind, &item.Repo, &item.Number, &item.Title, &item.GithubState,
		&status, &action, &createdAt, &updatedAt, &lastSync, &item.HeadSHA,
		&item.HeadRefName, &item.LastReviewedSHA, &reviewsJSON, &allApproved,
		&anyChanges, &shaMatches, &hasConflicts, &item.LastReviewDispatchSHA,
		&item.LastFixDispatchSHA, &item.LastMergeDispatchSHA,
		&item.LastConflictDispatchSHA, &item.LastStatusFixDispatchSHA,
		&item.Iteration, &item.MaxIterations, &item.AssignedAgent, &lockExpires,
		&item.DevAgentSuggestion, &labelsJSON,
	)
	if err != nil {
		return Item{}, err
	}

	item.Kind = Kind(kind)
	item.Status = Status(status)
	item.Action = Action(action)
	item.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	item.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	item.LastSync, _ = time.Parse(time.RFC3339, lastSync)
	if lockExpires != "" {
		item.LockExpires, _ = time.Parse(time.RFC3339, lockExpires)
	}
	item.AllReviewersApproved = allApproved != 0
	item.AnyChangesRequested = anyChanges != 0
	item.ShaMatchesReview = shaMatches != 0
	item.HasConflicts = hasConflicts != 0

	item.Reviews = map[string]string{}
	if reviewsJSON != "" {
		_ = json.Unmarshal([]byte(reviewsJSON), &item.Reviews)
	}
	if labelsJSON != "" {
		_ = json.Unmarshal([]byte(labelsJSON), &item.Labels)
	}

	return item, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(time.RFC3339)
}
