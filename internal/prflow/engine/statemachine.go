package engine

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// PRObservation is a single upstream observation of a pull request, as
// returned by the GitHub reader's detail fetch.
type PRObservation struct {
	Number      int
	Title       string
	Body        string
	State       string // OPEN, CLOSED, MERGED (casing varies upstream)
	HeadSHA     string
	HeadRefName string
	Mergeable   string // MERGEABLE, CONFLICTING, UNKNOWN
	MergeState  string // CLEAN, DIRTY, UNSTABLE, BLOCKED, ...
	Author      string
	Reviews     []Review
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IssueObservation is a single upstream observation of an issue.
type IssueObservation struct {
	Number    int
	Title     string
	Body      string
	State     string // OPEN, CLOSED
	Author    string
	Labels    []string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PRPrior is the slice of a stored workflow item the state machine needs
// from the previous sync pass. Nil means first observation.
type PRPrior struct {
	LastReviewedSHA string
	Iteration       int
}

// PRResult is the computed outcome for one PR observation.
type PRResult struct {
	Status              Status
	Action              Action
	AllApproved         bool
	AnyChangesRequested bool
	Decisions           map[string]string
	LastReviewedSHA     string
	SHAMatchesReview    bool
	HasConflicts        bool
}

func stateEq(a, b string) bool {
	return strings.EqualFold(a, b)
}

// HasConflicts reports whether the observed mergeability indicates a merge
// conflict: mergeable=CONFLICTING or mergeStateStatus=DIRTY.
func HasConflicts(mergeable, mergeState string) bool {
	return stateEq(mergeable, "CONFLICTING") || stateEq(mergeState, "DIRTY")
}

// ComputePR runs the SHA-gated state machine for a pull request. Rules are
// evaluated in order; the first match wins.
func ComputePR(obs PRObservation, prior *PRPrior, requiredReviewers []string, policy *ApprovalPolicy) PRResult {
	ev := EvaluateReviews(obs.Reviews, requiredReviewers, policy)

	hasConflicts := HasConflicts(obs.Mergeable, obs.MergeState)

	// Baseline resolution: last_reviewed_sha always comes from review
	// evidence, never from head_sha alone. Approved-on-head pins to head;
	// any decisive review pins to that review's commit; otherwise the
	// prior value carries over (empty on first sync).
	lastReviewedSHA := ""
	if prior != nil {
		lastReviewedSHA = prior.LastReviewedSHA
	}
	switch {
	case ev.AllRequiredApproved && ev.LatestReviewSHA != "" && ev.LatestReviewSHA == obs.HeadSHA:
		lastReviewedSHA = obs.HeadSHA
	case ev.LatestReviewSHA != "":
		lastReviewedSHA = ev.LatestReviewSHA
	}

	shaMatches := lastReviewedSHA != "" && lastReviewedSHA == obs.HeadSHA

	res := PRResult{
		AllApproved:         ev.AllRequiredApproved,
		AnyChangesRequested: ev.AnyChangesRequested,
		Decisions:           ev.LatestDecisionByReviewer,
		LastReviewedSHA:     lastReviewedSHA,
		SHAMatchesReview:    shaMatches,
		HasConflicts:        hasConflicts,
	}

	switch {
	case stateEq(obs.State, "MERGED"):
		res.Status, res.Action = StatusMerged, ActionNone
	case stateEq(obs.State, "CLOSED"):
		res.Status, res.Action = StatusClosed, ActionNone
	case hasConflicts:
		res.Status, res.Action = StatusConflicting, ActionNeedsConflictResolution
	case stateEq(obs.MergeState, "UNSTABLE"):
		res.Status, res.Action = StatusChecksFailing, ActionNeedsStatusFix
	case ev.AllRequiredApproved && shaMatches:
		res.Status, res.Action = StatusApproved, ActionReadyToMerge
	case ev.AllRequiredApproved:
		res.Status, res.Action = StatusPendingReview, ActionNeedsReview
	case ev.AnyChangesRequested && shaMatches:
		res.Status, res.Action = StatusChangesRequested, ActionNeedsFix
	case ev.AnyChangesRequested:
		res.Status, res.Action = StatusPendingReview, ActionNeedsReview
	default:
		res.Status, res.Action = StatusPendingReview, ActionNeedsReview
	}

	return res
}

// ComputeIssue determines an issue's status and next action. linkedPR is the
// number of an open PR that references the issue with a closing keyword, or
// zero when none does.
func ComputeIssue(obs IssueObservation, priorStatus Status, linkedPR int) (Status, Action) {
	if stateEq(obs.State, "CLOSED") {
		return StatusClosed, ActionNone
	}
	if linkedPR > 0 {
		return StatusPRCreated, ActionNone
	}
	if priorStatus == StatusInProgress {
		return StatusInProgress, ActionNone
	}
	return StatusOpen, ActionNeedsDev
}

// FindLinkedPR returns the number of the first open PR whose title or body
// references the issue with a closing keyword (closes/fixes/resolves #N).
// Returns zero when no PR links the issue.
func FindLinkedPR(prs []PRObservation, issueNumber int) int {
	re := closingPattern(issueNumber)
	for _, pr := range prs {
		if re.MatchString(pr.Title + "\n" + pr.Body) {
			return pr.Number
		}
	}
	return 0
}

func closingPattern(issueNumber int) *regexp.Regexp {
	return regexp.MustCompile(fmt.Sprintf(`(?i)\b(closes|fixes|resolves)\s*#\s*%d\b`, issueNumber))
}
