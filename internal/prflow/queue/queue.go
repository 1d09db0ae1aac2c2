// Package queue exposes dispatchable work as action-keyed projections over
// the workflow store. The scheduler and the CLI both consume the same
// envelope: deterministic ordering, explicit counts, and coded errors.
package queue

import (
	"sort"
	"time"

	"github.com/miller46/prflow/internal/prflow/config"
	"github.com/miller46/prflow/internal/prflow/db"
	"github.com/miller46/prflow/internal/prflow/engine"
	"github.com/miller46/prflow/internal/prflow/errcode"
	"github.com/miller46/prflow/internal/prflow/prompt"
)

// Limit handling for a query.
const (
	DefaultLimit = 20
	MaxLimit     = 200
)

// PR queue actions accepted by Query.
var prActions = map[engine.Action]bool{
	engine.ActionNeedsReview:             true,
	engine.ActionNeedsFix:                true,
	engine.ActionNeedsConflictResolution: true,
	engine.ActionNeedsStatusFix:          true,
	engine.ActionReadyToMerge:            true,
	engine.ActionMaxIterationsReached:    true,
}

// dispatchTypes maps each queue to the dispatch kind the scheduler runs.
// max_iterations_reached maps to an alert: it is surfaced, never dispatched.
var dispatchTypes = map[engine.Action]string{
	engine.ActionNeedsReview:             "review",
	engine.ActionNeedsFix:                "fix",
	engine.ActionNeedsConflictResolution: "conflict",
	engine.ActionNeedsStatusFix:          "status_fix",
	engine.ActionReadyToMerge:            "merge",
	engine.ActionMaxIterationsReached:    "alert",
	engine.ActionNeedsDev:                "dev",
}

// devAgentDefaultActions are the queues where the suggested dev agent is
// included unless the caller opts out.
var devAgentDefaultActions = map[engine.Action]bool{
	engine.ActionNeedsFix:                true,
	engine.ActionNeedsConflictResolution: true,
	engine.ActionNeedsStatusFix:          true,
	engine.ActionNeedsDev:                true,
}

// Input selects and shapes one queue query. Nil booleans take their
// defaults: excludeAlreadyDispatched, excludeClaimed, and includeMeta are
// on; includeSuggestedDevAgent defaults per queue.
type Input struct {
	Action                   engine.Action `json:"action"`
	Repos                    []string      `json:"repos,omitempty"`
	Limit                    int           `json:"limit,omitempty"`
	ExcludeAlreadyDispatched *bool         `json:"excludeAlreadyDispatched,omitempty"`
	ExcludeClaimed           *bool         `json:"excludeClaimed,omitempty"`
	IncludeMeta              *bool         `json:"includeMeta,omitempty"`
	IncludeSuggestedDevAgent *bool         `json:"includeSuggestedDevAgent,omitempty"`
}

// Filters echoes the effective filter set back in the envelope.
type Filters struct {
	RequestedRepos []string `json:"requestedRepos"`
	EffectiveRepos []string `json:"effectiveRepos"`
	Limit          int      `json:"limit"`
}

// Counts reports the funnel for one query.
type Counts struct {
	Scanned  int `json:"scanned"`
	Eligible int `json:"eligible"`
	Returned int `json:"returned"`
}

// ReviewerRef identifies one required reviewer and its acting agent.
type ReviewerRef struct {
	Login string `json:"login"`
	Agent string `json:"agent"`
}

// DispatchState exposes the per-action dedupe markers of an item.
type DispatchState struct {
	LastReviewDispatchSHA    string `json:"lastReviewDispatchSha"`
	LastFixDispatchSHA       string `json:"lastFixDispatchSha"`
	LastMergeDispatchSHA     string `json:"lastMergeDispatchSha"`
	LastConflictDispatchSHA  string `json:"lastConflictDispatchSha"`
	LastStatusFixDispatchSHA string `json:"lastStatusFixDispatchSha"`
}

// PRItem is one pull request in a queue result.
type PRItem struct {
	ItemID       string `json:"itemId"`
	Repo         string `json:"repo"`
	PRNumber     int    `json:"prNumber"`
	Title        string `json:"title"`
	Author       string `json:"author,omitempty"`
	HeadSHA      string `json:"headSha"`
	HeadRefName  string `json:"headRefName"`
	Status       string `json:"status"`
	DispatchType string `json:"dispatchType"`

	HasConflicts         *bool          `json:"hasConflicts,omitempty"`
	AllReviewersApproved *bool          `json:"allReviewersApproved,omitempty"`
	AnyChangesRequested  *bool          `json:"anyChangesRequested,omitempty"`
	LastReviewedSHA      *string        `json:"lastReviewedSha,omitempty"`
	Iteration            *int           `json:"iteration,omitempty"`
	DispatchState        *DispatchState `json:"dispatchState,omitempty"`

	Reviewers         []ReviewerRef `json:"reviewers,omitempty"`
	SuggestedDevAgent string        `json:"suggestedDevAgent,omitempty"`

	sortUpdated  time.Time
	sortPriority int
}

// IssueItem is one issue in a queue result.
type IssueItem struct {
	ItemID         string   `json:"itemId"`
	Repo           string   `json:"repo"`
	IssueNumber    int      `json:"issueNumber"`
	Title          string   `json:"title"`
	Labels         []string `json:"labels"`
	Status         string   `json:"status"`
	Action         string   `json:"action"`
	HasLinkedPR    bool     `json:"hasLinkedPr"`
	Priority       int      `json:"priority"`
	DispatchType   string   `json:"dispatchType"`
	SuggestedAgent string   `json:"suggestedAgent,omitempty"`

	sortUpdated  time.Time
	sortPriority int
}

// Result is the queue envelope.
type Result struct {
	GeneratedAt string      `json:"generatedAt"`
	Source      string      `json:"source"`
	Queue       string      `json:"queue"`
	Filters     Filters     `json:"filters"`
	Counts      Counts      `json:"counts"`
	PRs         []PRItem    `json:"prs,omitempty"`
	Issues      []IssueItem `json:"issues,omitempty"`
}

// Queries answers queue queries against one store and config.
type Queries struct {
	db  *db.DB
	cfg config.Config
	now func() time.Time
}

// New creates a query layer over the given store.
func New(database *db.DB, cfg config.Config) *Queries {
	return &Queries{db: database, cfg: cfg, now: time.Now}
}

// Query runs one queue query. Errors are always *errcode.Error.
func (q *Queries) Query(in Input) (Result, error) {
	if in.Action == engine.ActionNeedsDev {
		return q.queryIssues(in)
	}
	if !prActions[in.Action] {
		return Result{}, errcode.Newf(errcode.InvalidInput, false,
			"invalid action: %s", in.Action)
	}
	return q.queryPRs(in)
}

func (q *Queries) queryPRs(in Input) (Result, error) {
	in = normalize(in)
	effective := q.cfg.MatchRepos(in.Repos)
	effectiveSet := toSet(effective)

	filter := db.ItemFilter{Kind: engine.KindPR, GithubStateOpen: true}
	if in.Action != engine.ActionMaxIterationsReached {
		filter.Action = in.Action
	}
	items, err := q.db.ListItems(filter)
	if err != nil {
		return Result{}, errcode.Newf(errcode.DBQueryFailed, true,
			"unable to read workflow items: %v", err)
	}

	var scanned int
	var selected []PRItem
	reviewersCache := map[string][]ReviewerRef{}

	for _, item := range items {
		scanned++

		if in.Action == engine.ActionMaxIterationsReached &&
			item.Iteration < q.maxIterations(item) {
			continue
		}
		if len(effectiveSet) > 0 && !effectiveSet[item.Repo] {
			continue
		}
		if boolOr(in.ExcludeAlreadyDispatched, true) && dedupeSkip(in.Action, item) {
			continue
		}
		if boolOr(in.ExcludeClaimed, true) && q.claimed(item) {
			continue
		}

		out := PRItem{
			ItemID:       item.ID,
			Repo:         item.Repo,
			PRNumber:     item.Number,
			Title:        item.Title,
			Author:       item.Author,
			HeadSHA:      item.HeadSHA,
			HeadRefName:  item.HeadRefName,
			Status:       string(item.Action),
			DispatchType: dispatchTypes[in.Action],
			sortUpdated:  item.UpdatedAt,
			sortPriority: item.Priority + q.cfg.RepoPriority(item.Repo),
		}

		if boolOr(in.IncludeMeta, true) {
			out.HasConflicts = ptr(item.HasConflicts)
			out.AllReviewersApproved = ptr(item.AllReviewersApproved)
			out.AnyChangesRequested = ptr(item.AnyChangesRequested)
			out.LastReviewedSHA = ptr(item.LastReviewedSHA)
			out.Iteration = ptr(item.Iteration)
			out.DispatchState = &DispatchState{
				LastReviewDispatchSHA:    item.Markers.Review,
				LastFixDispatchSHA:       item.Markers.Fix,
				LastMergeDispatchSHA:     item.Markers.Merge,
				LastConflictDispatchSHA:  item.Markers.Conflict,
				LastStatusFixDispatchSHA: item.Markers.StatusFix,
			}
		}

		if in.Action == engine.ActionNeedsReview {
			if _, ok := reviewersCache[item.Repo]; !ok {
				reviewersCache[item.Repo] = q.reviewerRefs(item.Repo)
			}
			out.Reviewers = reviewersCache[item.Repo]
		}

		if boolOr(in.IncludeSuggestedDevAgent, devAgentDefaultActions[in.Action]) {
			out.SuggestedDevAgent = prompt.SuggestAgent(item.Title, item.Labels, q.cfg.DefaultAgent)
		}

		selected = append(selected, out)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if !a.sortUpdated.Equal(b.sortUpdated) {
			return a.sortUpdated.Before(b.sortUpdated)
		}
		if a.sortPriority != b.sortPriority {
			return a.sortPriority > b.sortPriority
		}
		return a.ItemID < b.ItemID
	})

	returned := selected
	if len(returned) > in.Limit {
		returned = returned[:in.Limit]
	}

	return Result{
		GeneratedAt: q.now().UTC().Format(time.RFC3339),
		Source:      q.db.Path(),
		Queue:       string(in.Action),
		Filters: Filters{
			RequestedRepos: orEmpty(in.Repos),
			EffectiveRepos: orEmpty(effective),
			Limit:          in.Limit,
		},
		Counts: Counts{Scanned: scanned, Eligible: len(selected), Returned: len(returned)},
		PRs:    returned,
	}, nil
}

func (q *Queries) queryIssues(in Input) (Result, error) {
	in = normalize(in)
	effective := q.cfg.MatchRepos(in.Repos)
	effectiveSet := toSet(effective)

	items, err := q.db.ListItems(db.ItemFilter{
		Kind:            engine.KindIssue,
		Action:          engine.ActionNeedsDev,
		GithubStateOpen: true,
	})
	if err != nil {
		return Result{}, errcode.Newf(errcode.DBQueryFailed, true,
			"unable to read workflow items: %v", err)
	}

	scanned := len(items)
	var selected []IssueItem
	for _, item := range items {
		if len(effectiveSet) > 0 && !effectiveSet[item.Repo] {
			continue
		}
		if boolOr(in.ExcludeClaimed, true) && q.claimed(item) {
			continue
		}

		out := IssueItem{
			ItemID:       item.ID,
			Repo:         item.Repo,
			IssueNumber:  item.Number,
			Title:        item.Title,
			Labels:       orEmpty(item.Labels),
			Status:       "open",
			Action:       string(item.Action),
			HasLinkedPR:  false,
			Priority:     item.Priority + q.cfg.RepoPriority(item.Repo),
			DispatchType: dispatchTypes[engine.ActionNeedsDev],
			sortUpdated:  item.UpdatedAt,
			sortPriority: item.Priority + q.cfg.RepoPriority(item.Repo),
		}
		if boolOr(in.IncludeSuggestedDevAgent, true) {
			out.SuggestedAgent = prompt.SuggestAgent(item.Title, item.Labels, q.cfg.DefaultAgent)
		}
		selected = append(selected, out)
	}

	sort.SliceStable(selected, func(i, j int) bool {
		a, b := selected[i], selected[j]
		if !a.sortUpdated.Equal(b.sortUpdated) {
			return a.sortUpdated.Before(b.sortUpdated)
		}
		if a.sortPriority != b.sortPriority {
			return a.sortPriority > b.sortPriority
		}
		return a.ItemID < b.ItemID
	})

	returned := selected
	if len(returned) > in.Limit {
		returned = returned[:in.Limit]
	}

	return Result{
		GeneratedAt: q.now().UTC().Format(time.RFC3339),
		Source:      q.db.Path(),
		Queue:       string(engine.ActionNeedsDev),
		Filters: Filters{
			RequestedRepos: orEmpty(in.Repos),
			EffectiveRepos: orEmpty(effective),
			Limit:          in.Limit,
		},
		Counts: Counts{Scanned: scanned, Eligible: len(selected), Returned: len(returned)},
		Issues: returned,
	}, nil
}

// maxIterations returns the fix budget for an item: its own column when
// set, otherwise the configured default.
func (q *Queries) maxIterations(item db.Item) int {
	if item.MaxIterations > 0 {
		return item.MaxIterations
	}
	return q.cfg.DefaultMaxIterations
}

// claimed reports whether the item holds an unexpired work lease.
func (q *Queries) claimed(item db.Item) bool {
	if item.AssignedAgent != "" && item.LockExpires.After(q.now()) {
		return true
	}
	return false
}

// dedupeSkip reports whether the item's action-specific marker already
// covers the current head revision. Queues without a marker never skip.
func dedupeSkip(action engine.Action, item db.Item) bool {
	if item.HeadSHA == "" {
		return false
	}
	m := item.Markers.Marker(action)
	return m != "" && m == item.HeadSHA
}

func (q *Queries) reviewerRefs(repo string) []ReviewerRef {
	var refs []ReviewerRef
	for _, r := range q.cfg.ReviewersFor(repo) {
		if r.IsEnabled() {
			refs = append(refs, ReviewerRef{Login: r.Login, Agent: r.Agent})
		}
	}
	return refs
}

// normalize validates nothing; it only applies limit defaults and caps.
func normalize(in Input) Input {
	if in.Limit <= 0 {
		in.Limit = DefaultLimit
	}
	if in.Limit > MaxLimit {
		in.Limit = MaxLimit
	}
	return in
}

func toSet(repos []string) map[string]bool {
	set := make(map[string]bool, len(repos))
	for _, r := range repos {
		set[r] = true
	}
	return set
}

func boolOr(b *bool, def bool) bool {
	if b == nil {
		return def
	}
	return *b
}

func ptr[T any](v T) *T { return &v }

func orEmpty[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
