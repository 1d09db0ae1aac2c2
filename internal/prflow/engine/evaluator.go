package engine

import (
	"sort"
	"strings"
	"time"
)

// Review decision strings as observed upstream. Comparison is always
// case-insensitive to tolerate casing drift between API versions.
const (
	DecisionApproved         = "APPROVED"
	DecisionChangesRequested = "CHANGES_REQUESTED"
	DecisionCommented        = "COMMENTED"
)

// Review is a single observed pull request review.
type Review struct {
	Author      string
	Decision    string
	CommitSHA   string
	SubmittedAt time.Time
}

// ApprovalPolicy configures threshold-based approval. When MinApprovals is
// nil the legacy rule applies: every required reviewer must approve.
type ApprovalPolicy struct {
	MinApprovals   *int
	RequiredLogins []string
	VetoLogins     []string
}

// ReviewEvaluation is the outcome of evaluating a PR's reviews against the
// required reviewer set.
type ReviewEvaluation struct {
	AllRequiredApproved      bool
	AnyChangesRequested      bool
	LatestReviewSHA          string
	LatestDecisionByReviewer map[string]string
}

func decisionEq(a, b string) bool {
	return strings.EqualFold(a, b)
}

// EvaluateReviews builds the latest decision per required reviewer and
// derives the approval verdict. Reviews are sorted by submission time
// ascending so the last decision in time wins regardless of input order.
// Comment-only reviews never affect the outcome, and reviews from authors
// outside the required set are ignored.
func EvaluateReviews(reviews []Review, requiredReviewers []string, policy *ApprovalPolicy) ReviewEvaluation {
	latestDecision := make(map[string]string)
	latestReviewSHA := ""

	required := make(map[string]bool, len(requiredReviewers))
	for _, r := range requiredReviewers {
		required[r] = true
	}

	sorted := make([]Review, len(reviews))
	copy(sorted, reviews)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].SubmittedAt.Before(sorted[j].SubmittedAt)
	})

	for _, review := range sorted {
		if decisionEq(review.Decision, DecisionCommented) {
			continue
		}
		if !required[review.Author] {
			continue
		}
		latestDecision[review.Author] = review.Decision
		if review.CommitSHA != "" {
			latestReviewSHA = review.CommitSHA
		}
	}

	var allApproved bool
	if policy != nil && policy.MinApprovals != nil {
		approvals := 0
		for _, r := range requiredReviewers {
			if decisionEq(latestDecision[r], DecisionApproved) {
				approvals++
			}
		}

		specificOK := true
		for _, r := range policy.RequiredLogins {
			if !decisionEq(latestDecision[r], DecisionApproved) {
				specificOK = false
				break
			}
		}

		vetoBlocked := false
		for _, r := range policy.VetoLogins {
			if decisionEq(latestDecision[r], DecisionChangesRequested) {
				vetoBlocked = true
				break
			}
		}

		allApproved = approvals >= *policy.MinApprovals && specificOK && !vetoBlocked
	} else {
		// Legacy: every required reviewer must approve.
		allApproved = true
		for _, r := range requiredReviewers {
			if !decisionEq(latestDecision[r], DecisionApproved) {
				allApproved = false
				break
			}
		}
	}

	anyChangesRequested := false
	for _, r := range requiredReviewers {
		if decisionEq(latestDecision[r], DecisionChangesRequested) {
			anyChangesRequested = true
			break
		}
	}

	return ReviewEvaluation{
		AllRequiredApproved:      allApproved,
		AnyChangesRequested:      anyChangesRequested,
		LatestReviewSHA:          latestReviewSHA,
		LatestDecisionByReviewer: latestDecision,
	}
}
