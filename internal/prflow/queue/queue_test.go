package queue

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/miller46/prflow/internal/prflow/config"
	"github.com/miller46/prflow/internal/prflow/db"
	"github.com/miller46/prflow/internal/prflow/engine"
	"github.com/miller46/prflow/internal/prflow/errcode"
)

func testQueries(t *testing.T) (*Queries, *db.DB) {
	t.Helper()
	database, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening db: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	cfg := config.Config{
		DefaultAgent:         "backend-dev",
		DefaultMaxIterations: 3,
		Repos: map[string]config.RepoRule{
			"miller46/jm-api": {Priority: 5},
			"miller46/jm-web": {},
		},
		Reviewers: []config.Reviewer{
			{Login: "qa-bot", Agent: "qa-reviewer"},
			{Login: "off-bot", Agent: "off-reviewer", Enabled: boolPtr(false)},
		},
	}
	return New(database, cfg), database
}

func boolPtr(b bool) *bool { return &b }

func seedPR(t *testing.T, d *db.DB, id, repo string, number int, action engine.Action, mut ...func(*db.Item)) {
	t.Helper()
	item := db.Item{
		ID:          id,
		Kind:        engine.KindPR,
		Repo:        repo,
		Number:      number,
		Title:       "change something",
		GithubState: "open",
		Status:      engine.StatusPendingReview,
		Action:      action,
		HeadSHA:     "head1",
		HeadRefName: "feature/x",
		UpdatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		LastSync:    time.Now().UTC(),
	}
	for _, m := range mut {
		m(&item)
	}
	if err := d.UpsertItem(item); err != nil {
		t.Fatalf("seeding %s: %v", id, err)
	}
}

func TestQueryInvalidAction(t *testing.T) {
	q, _ := testQueries(t)

	_, err := q.Query(Input{Action: "explode"})
	var ce *errcode.Error
	if !errors.As(err, &ce) {
		t.Fatalf("expected coded error, got %v", err)
	}
	if ce.Code != errcode.InvalidInput || ce.Retryable {
		t.Errorf("got %+v, want non-retryable INVALID_INPUT", ce)
	}
}

func TestQueryEnvelopeAndCounts(t *testing.T) {
	q, d := testQueries(t)
	seedPR(t, d, "miller46/jm-api#pr#1", "miller46/jm-api", 1, engine.ActionNeedsReview)
	seedPR(t, d, "miller46/jm-api#pr#2", "miller46/jm-api", 2, engine.ActionNeedsFix)

	res, err := q.Query(Input{Action: engine.ActionNeedsReview})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}

	if res.Queue != "needs_review" {
		t.Errorf("queue = %q", res.Queue)
	}
	if res.Counts.Scanned != 1 || res.Counts.Eligible != 1 || res.Counts.Returned != 1 {
		t.Errorf("counts = %+v", res.Counts)
	}
	if len(res.PRs) != 1 || res.PRs[0].PRNumber != 1 {
		t.Fatalf("prs = %+v", res.PRs)
	}

	pr := res.PRs[0]
	if pr.ItemID != "miller46/jm-api#pr#1" || pr.HeadSHA != "head1" || pr.HeadRefName != "feature/x" {
		t.Errorf("item fields: %+v", pr)
	}
	if pr.DispatchType != "review" {
		t.Errorf("dispatch type = %q", pr.DispatchType)
	}
	if len(pr.Reviewers) != 1 || pr.Reviewers[0].Agent != "qa-reviewer" {
		t.Errorf("reviewers must list only enabled entries: %+v", pr.Reviewers)
	}
	if pr.DispatchState == nil || pr.Iteration == nil {
		t.Error("meta should be included by default")
	}
}

func TestQueryOrdering(t *testing.T) {
	q, d := testQueries(t)

	at := func(h int) func(*db.Item) {
		return func(i *db.Item) {
			i.UpdatedAt = time.Date(2026, 3, 1, h, 0, 0, 0, time.UTC)
		}
	}
	// Same updated_at: the higher composite priority (repo 5) wins; then id.
	seedPR(t, d, "miller46/jm-web#pr#3", "miller46/jm-web", 3, engine.ActionNeedsReview, at(10))
	seedPR(t, d, "miller46/jm-api#pr#1", "miller46/jm-api", 1, engine.ActionNeedsReview, at(10))
	seedPR(t, d, "miller46/jm-web#pr#2", "miller46/jm-web", 2, engine.ActionNeedsReview, at(9))

	res, err := q.Query(Input{Action: engine.ActionNeedsReview})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(res.PRs) != 3 {
		t.Fatalf("prs = %d", len(res.PRs))
	}

	want := []int{2, 1, 3}
	for i, pr := range res.PRs {
		if pr.PRNumber != want[i] {
			t.Errorf("position %d: pr #%d, want #%d", i, pr.PRNumber, want[i])
		}
	}
}

func TestQueryDedupeFilter(t *testing.T) {
	q, d := testQueries(t)
	seedPR(t, d, "miller46/jm-api#pr#1", "miller46/jm-api", 1, engine.ActionNeedsReview,
		func(i *db.Item) { i.Markers.Review = "head1" })
	seedPR(t, d, "miller46/jm-api#pr#2", "miller46/jm-api", 2, engine.ActionNeedsReview,
		func(i *db.Item) { i.Markers.Review = "stale" })

	res, err := q.Query(Input{Action: engine.ActionNeedsReview})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if res.Counts.Scanned != 2 || res.Counts.Eligible != 1 {
		t.Errorf("counts = %+v", res.Counts)
	}
	if len(res.PRs) != 1 || res.PRs[0].PRNumber != 2 {
		t.Errorf("marker==head must be excluded: %+v", res.PRs)
	}

	// Opt out of the dedupe filter.
	res, err = q.Query(Input{Action: engine.ActionNeedsReview, ExcludeAlreadyDispatched: boolPtr(false)})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(res.PRs) != 2 {
		t.Errorf("opt-out should include both: %+v", res.Counts)
	}
}

func TestQueryClaimedFilter(t *testing.T) {
	q, d := testQueries(t)
	seedPR(t, d, "miller46/jm-api#pr#1", "miller46/jm-api", 1, engine.ActionNeedsFix,
		func(i *db.Item) {
			i.AssignedAgent = "backend-dev"
			i.LockExpires = time.Now().Add(10 * time.Minute)
		})
	seedPR(t, d, "miller46/jm-api#pr#2", "miller46/jm-api", 2, engine.ActionNeedsFix,
		func(i *db.Item) {
			i.AssignedAgent = "backend-dev"
			i.LockExpires = time.Now().Add(-10 * time.Minute) // lapsed lease
		})

	res, err := q.Query(Input{Action: engine.ActionNeedsFix})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(res.PRs) != 1 || res.PRs[0].PRNumber != 2 {
		t.Errorf("unexpired claim must be excluded, lapsed included: %+v", res.PRs)
	}
}

func TestQueryRepoPatterns(t *testing.T) {
	q, d := testQueries(t)
	seedPR(t, d, "miller46/jm-api#pr#1", "miller46/jm-api", 1, engine.ActionNeedsReview)
	seedPR(t, d, "miller46/jm-web#pr#2", "miller46/jm-web", 2, engine.ActionNeedsReview)

	res, err := q.Query(Input{Action: engine.ActionNeedsReview, Repos: []string{"*/jm-api"}})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(res.PRs) != 1 || res.PRs[0].Repo != "miller46/jm-api" {
		t.Errorf("pattern filter: %+v", res.PRs)
	}
	if len(res.Filters.EffectiveRepos) != 1 {
		t.Errorf("effective repos = %v", res.Filters.EffectiveRepos)
	}
}

func TestQueryLimit(t *testing.T) {
	q, d := testQueries(t)
	for i := 1; i <= 5; i++ {
		seedPR(t, d, engine.ItemID("miller46/jm-api", engine.KindPR, i), "miller46/jm-api", i, engine.ActionNeedsReview)
	}

	res, err := q.Query(Input{Action: engine.ActionNeedsReview, Limit: 2})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if res.Counts.Eligible != 5 || res.Counts.Returned != 2 || len(res.PRs) != 2 {
		t.Errorf("limit not applied: %+v", res.Counts)
	}

	// Absurd limits are capped.
	res, err = q.Query(Input{Action: engine.ActionNeedsReview, Limit: 100000})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if res.Filters.Limit != MaxLimit {
		t.Errorf("limit = %d, want cap %d", res.Filters.Limit, MaxLimit)
	}
}

func TestQueryMaxIterationsReached(t *testing.T) {
	q, d := testQueries(t)
	seedPR(t, d, "miller46/jm-api#pr#1", "miller46/jm-api", 1, engine.ActionNeedsFix,
		func(i *db.Item) { i.Iteration = 3; i.MaxIterations = 3 })
	seedPR(t, d, "miller46/jm-api#pr#2", "miller46/jm-api", 2, engine.ActionNeedsFix,
		func(i *db.Item) { i.Iteration = 1; i.MaxIterations = 3 })

	res, err := q.Query(Input{Action: engine.ActionMaxIterationsReached})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(res.PRs) != 1 || res.PRs[0].PRNumber != 1 {
		t.Errorf("iteration>=max filter: %+v", res.PRs)
	}
	// scanned counts every row read for the queue, eligibility filters
	// only narrow eligible.
	if res.Counts.Scanned != 2 || res.Counts.Eligible != 1 {
		t.Errorf("counts = %+v", res.Counts)
	}
	if res.PRs[0].DispatchType != "alert" {
		t.Errorf("dispatch type = %q, want alert", res.PRs[0].DispatchType)
	}
}

func TestQueryNeedsDevIssues(t *testing.T) {
	q, d := testQueries(t)

	issue := db.Item{
		ID:          "miller46/jm-api#issue#100",
		Kind:        engine.KindIssue,
		Repo:        "miller46/jm-api",
		Number:      100,
		Title:       "Broken database migration",
		Labels:      []string{"bug"},
		GithubState: "open",
		Status:      engine.StatusOpen,
		Action:      engine.ActionNeedsDev,
		UpdatedAt:   time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		LastSync:    time.Now().UTC(),
	}
	if err := d.UpsertItem(issue); err != nil {
		t.Fatal(err)
	}

	res, err := q.Query(Input{Action: engine.ActionNeedsDev})
	if err != nil {
		t.Fatalf("querying: %v", err)
	}
	if len(res.Issues) != 1 {
		t.Fatalf("issues = %+v", res.Issues)
	}
	got := res.Issues[0]
	if got.IssueNumber != 100 || got.DispatchType != "dev" {
		t.Errorf("issue item: %+v", got)
	}
	// "database" is a backend term.
	if got.SuggestedAgent != "backend-dev" {
		t.Errorf("suggested agent = %q", got.SuggestedAgent)
	}
}
