package engine

import (
	"testing"
	"time"
)

func prObs(state, headSHA, mergeable, mergeState string, reviews ...Review) PRObservation {
	return PRObservation{
		Number:     200,
		State:      state,
		HeadSHA:    headSHA,
		Mergeable:  mergeable,
		MergeState: mergeState,
		Reviews:    reviews,
		UpdatedAt:  time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
	}
}

var twoReviewers = []string{"alice", "bob"}

func TestComputePRRules(t *testing.T) {
	tests := []struct {
		name       string
		obs        PRObservation
		prior      *PRPrior
		wantStatus Status
		wantAction Action
	}{
		{
			name:       "merged wins over everything",
			obs:        prObs("MERGED", "sha1", "CONFLICTING", "DIRTY"),
			wantStatus: StatusMerged,
			wantAction: ActionNone,
		},
		{
			name:       "closed",
			obs:        prObs("CLOSED", "sha1", "MERGEABLE", "CLEAN"),
			wantStatus: StatusClosed,
			wantAction: ActionNone,
		},
		{
			name: "conflicts beat approval",
			obs: prObs("OPEN", "sha1", "CONFLICTING", "CLEAN",
				rev("alice", "APPROVED", "sha1", 1),
				rev("bob", "APPROVED", "sha1", 2)),
			wantStatus: StatusConflicting,
			wantAction: ActionNeedsConflictResolution,
		},
		{
			name:       "dirty merge state counts as conflict",
			obs:        prObs("OPEN", "sha1", "UNKNOWN", "dirty"),
			wantStatus: StatusConflicting,
			wantAction: ActionNeedsConflictResolution,
		},
		{
			name:       "unstable checks need a status fix",
			obs:        prObs("OPEN", "sha1", "MERGEABLE", "UNSTABLE"),
			wantStatus: StatusChecksFailing,
			wantAction: ActionNeedsStatusFix,
		},
		{
			name: "approved on head is ready to merge",
			obs: prObs("OPEN", "sha1", "MERGEABLE", "CLEAN",
				rev("alice", "APPROVED", "sha1", 1),
				rev("bob", "APPROVED", "sha1", 2)),
			wantStatus: StatusApproved,
			wantAction: ActionReadyToMerge,
		},
		{
			name: "approval on a stale revision forces re-review",
			obs: prObs("OPEN", "sha2", "MERGEABLE", "CLEAN",
				rev("alice", "APPROVED", "sha1", 1),
				rev("bob", "APPROVED", "sha1", 2)),
			wantStatus: StatusPendingReview,
			wantAction: ActionNeedsReview,
		},
		{
			name: "changes requested on head needs a fix",
			obs: prObs("OPEN", "sha1", "MERGEABLE", "CLEAN",
				rev("alice", "CHANGES_REQUESTED", "sha1", 1)),
			wantStatus: StatusChangesRequested,
			wantAction: ActionNeedsFix,
		},
		{
			name: "changes requested on a stale revision forces re-review",
			obs: prObs("OPEN", "sha2", "MERGEABLE", "CLEAN",
				rev("alice", "CHANGES_REQUESTED", "sha1", 1)),
			wantStatus: StatusPendingReview,
			wantAction: ActionNeedsReview,
		},
		{
			name:       "no reviews defaults to needs_review",
			obs:        prObs("OPEN", "sha1", "MERGEABLE", "CLEAN"),
			wantStatus: StatusPendingReview,
			wantAction: ActionNeedsReview,
		},
		{
			name:       "lowercase upstream state still matches",
			obs:        prObs("merged", "sha1", "UNKNOWN", ""),
			wantStatus: StatusMerged,
			wantAction: ActionNone,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := ComputePR(tt.obs, tt.prior, twoReviewers, nil)
			if res.Status != tt.wantStatus || res.Action != tt.wantAction {
				t.Errorf("got (%s, %s), want (%s, %s)",
					res.Status, res.Action, tt.wantStatus, tt.wantAction)
			}
		})
	}
}

func TestComputePRDeterministic(t *testing.T) {
	obs := prObs("OPEN", "sha1", "MERGEABLE", "CLEAN",
		rev("alice", "APPROVED", "sha1", 1))
	prior := &PRPrior{LastReviewedSHA: "sha0", Iteration: 2}

	a := ComputePR(obs, prior, twoReviewers, nil)
	b := ComputePR(obs, prior, twoReviewers, nil)
	if a.Status != b.Status || a.Action != b.Action || a.LastReviewedSHA != b.LastReviewedSHA {
		t.Errorf("same inputs gave different results: %+v vs %+v", a, b)
	}
}

func TestComputePRBaselineResolution(t *testing.T) {
	t.Run("approved on head pins to head", func(t *testing.T) {
		res := ComputePR(prObs("OPEN", "sha2", "MERGEABLE", "CLEAN",
			rev("alice", "APPROVED", "sha2", 1),
			rev("bob", "APPROVED", "sha2", 2)),
			nil, twoReviewers, nil)
		if res.LastReviewedSHA != "sha2" {
			t.Errorf("last reviewed sha = %q, want sha2", res.LastReviewedSHA)
		}
		if !res.SHAMatchesReview {
			t.Error("expected sha match")
		}
	})

	t.Run("decisive review pins to its commit", func(t *testing.T) {
		res := ComputePR(prObs("OPEN", "sha2", "MERGEABLE", "CLEAN",
			rev("alice", "CHANGES_REQUESTED", "sha1", 1)),
			nil, twoReviewers, nil)
		if res.LastReviewedSHA != "sha1" {
			t.Errorf("last reviewed sha = %q, want sha1", res.LastReviewedSHA)
		}
		if res.SHAMatchesReview {
			t.Error("sha1 != head sha2, expected no match")
		}
	})

	t.Run("no reviews carries the prior value", func(t *testing.T) {
		res := ComputePR(prObs("OPEN", "sha2", "MERGEABLE", "CLEAN"),
			&PRPrior{LastReviewedSHA: "sha0"}, twoReviewers, nil)
		if res.LastReviewedSHA != "sha0" {
			t.Errorf("last reviewed sha = %q, want prior sha0", res.LastReviewedSHA)
		}
	})

	t.Run("no reviews and no prior stays empty", func(t *testing.T) {
		res := ComputePR(prObs("OPEN", "sha2", "MERGEABLE", "CLEAN"), nil, twoReviewers, nil)
		if res.LastReviewedSHA != "" {
			t.Errorf("last reviewed sha = %q, want empty: head_sha is never a baseline", res.LastReviewedSHA)
		}
		if res.SHAMatchesReview {
			t.Error("empty baseline must not match")
		}
	})
}

func TestComputePRInvariants(t *testing.T) {
	// ready_to_merge implies approved, no conflicts, and sha match.
	res := ComputePR(prObs("OPEN", "sha1", "MERGEABLE", "CLEAN",
		rev("alice", "APPROVED", "sha1", 1),
		rev("bob", "APPROVED", "sha1", 2)),
		nil, twoReviewers, nil)
	if res.Action == ActionReadyToMerge {
		if res.Status != StatusApproved || res.HasConflicts || !res.SHAMatchesReview {
			t.Errorf("ready_to_merge with inconsistent fields: %+v", res)
		}
	}

	// all_approved and any_changes_requested are mutually exclusive.
	if res.AllApproved && res.AnyChangesRequested {
		t.Error("all_approved and any_changes_requested cannot both hold")
	}
}

func TestStaleReviewAfterNewCommit(t *testing.T) {
	// A=changes_requested, B=approved, all on sha1.
	reviews := []Review{
		rev("alice", "CHANGES_REQUESTED", "sha1", 1),
		rev("bob", "APPROVED", "sha1", 2),
	}

	res := ComputePR(prObs("OPEN", "sha1", "MERGEABLE", "CLEAN", reviews...), nil, twoReviewers, nil)
	if res.Status != StatusChangesRequested || res.Action != ActionNeedsFix {
		t.Fatalf("pass 1: got (%s, %s), want (changes_requested, needs_fix)", res.Status, res.Action)
	}

	// Dev pushes sha2; reviews unchanged.
	prior := &PRPrior{LastReviewedSHA: res.LastReviewedSHA}
	res = ComputePR(prObs("OPEN", "sha2", "MERGEABLE", "CLEAN", reviews...), prior, twoReviewers, nil)
	if res.Status != StatusPendingReview || res.Action != ActionNeedsReview {
		t.Fatalf("pass 2: got (%s, %s), want (pending_review, needs_review)", res.Status, res.Action)
	}
	if res.SHAMatchesReview {
		t.Error("stale review must not match the new head")
	}
}

func TestComputeIssue(t *testing.T) {
	open := IssueObservation{Number: 100, State: "OPEN"}

	tests := []struct {
		name        string
		obs         IssueObservation
		priorStatus Status
		linkedPR    int
		wantStatus  Status
		wantAction  Action
	}{
		{"closed issue", IssueObservation{Number: 100, State: "CLOSED"}, "", 0, StatusClosed, ActionNone},
		{"linked PR parks the issue", open, "", 200, StatusPRCreated, ActionNone},
		{"in progress sticks", open, StatusInProgress, 0, StatusInProgress, ActionNone},
		{"open and unlinked needs dev", open, "", 0, StatusOpen, ActionNeedsDev},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, action := ComputeIssue(tt.obs, tt.priorStatus, tt.linkedPR)
			if status != tt.wantStatus || action != tt.wantAction {
				t.Errorf("got (%s, %s), want (%s, %s)", status, action, tt.wantStatus, tt.wantAction)
			}
		})
	}
}

func TestFindLinkedPR(t *testing.T) {
	prs := []PRObservation{
		{Number: 200, Title: "Add login form", Body: "Closes #100"},
		{Number: 201, Title: "fixes #101: flaky test", Body: ""},
		{Number: 202, Title: "Unrelated", Body: "See #102 for context"},
	}

	tests := []struct {
		issue int
		want  int
	}{
		{100, 200},
		{101, 201},
		{102, 0}, // "See" is not a closing keyword
		{999, 0},
	}
	for _, tt := range tests {
		if got := FindLinkedPR(prs, tt.issue); got != tt.want {
			t.Errorf("FindLinkedPR(#%d) = %d, want %d", tt.issue, got, tt.want)
		}
	}

	// #1001 must not match a "#100" reference.
	if got := FindLinkedPR(prs, 10); got != 0 {
		t.Errorf("partial number match: FindLinkedPR(#10) = %d, want 0", got)
	}
}

func TestItemID(t *testing.T) {
	if got := ItemID("miller46/jm-api", KindPR, 56); got != "miller46/jm-api#pr#56" {
		t.Errorf("ItemID = %q", got)
	}
	if got := ItemID("miller46/jm-api", KindIssue, 7); got != "miller46/jm-api#issue#7" {
		t.Errorf("ItemID = %q", got)
	}
}
