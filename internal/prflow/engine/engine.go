// Package engine holds the pure core of the workflow scheduler: review
// evaluation, the PR/issue state machine, and the dedupe and iteration
// gates. Nothing in this package performs I/O.
package engine

import "fmt"

// ItemKind distinguishes issues from pull requests.
type ItemKind string

const (
	KindIssue ItemKind = "issue"
	KindPR    ItemKind = "pr"
)

// Status is the computed lifecycle position of a workflow item.
type Status string

const (
	// Issue statuses.
	StatusOpen       Status = "open"
	StatusInProgress Status = "in_progress"
	StatusPRCreated  Status = "pr_created"

	// PR statuses.
	StatusPendingReview    Status = "pending_review"
	StatusChangesRequested Status = "changes_requested"
	StatusApproved         Status = "approved"
	StatusMerged           Status = "merged"
	StatusConflicting      Status = "conflicting"
	StatusChecksFailing    Status = "checks_failing"

	// Terminal for both kinds.
	StatusClosed Status = "closed"
)

// Action is the next scheduler-visible directive for an item.
type Action string

const (
	ActionNone                    Action = "none"
	ActionNeedsDev                Action = "needs_dev"
	ActionNeedsReview             Action = "needs_review"
	ActionNeedsFix                Action = "needs_fix"
	ActionNeedsConflictResolution Action = "needs_conflict_resolution"
	ActionNeedsStatusFix          Action = "needs_status_fix"
	ActionReadyToMerge            Action = "ready_to_merge"
	ActionMaxIterationsReached    Action = "max_iterations_reached"
)

var validActions = map[Action]bool{
	ActionNone:                    true,
	ActionNeedsDev:                true,
	ActionNeedsReview:             true,
	ActionNeedsFix:                true,
	ActionNeedsConflictResolution: true,
	ActionNeedsStatusFix:          true,
	ActionReadyToMerge:            true,
	ActionMaxIterationsReached:    true,
}

// ValidAction returns true if a is a recognized Action.
func ValidAction(a Action) bool {
	return validActions[a]
}

// ItemID returns the stable repo-scoped identity for a workflow item,
// e.g. "miller46/jm-api#pr#56".
func ItemID(repo string, kind ItemKind, number int) string {
	return fmt.Sprintf("%s#%s#%d", repo, kind, number)
}
