// Package sync reconciles the workflow store with GitHub: one pass fetches
// open issues and PRs per configured repo, runs each observation through
// the state machine and gates, and writes the computed items back. Only
// this package mutates item fields; dispatch markers are carried over
// untouched.
package sync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/miller46/prflow/internal/prflow/config"
	"github.com/miller46/prflow/internal/prflow/db"
	"github.com/miller46/prflow/internal/prflow/engine"
)

const (
	// LockName is the global advisory lock excluding concurrent sync runs.
	LockName = "sync"
	// LockTTL bounds how long a crashed run can block the next one.
	LockTTL = 10 * time.Minute

	// detailFetchParallelism bounds concurrent per-PR detail fetches.
	detailFetchParallelism = 8
)

// Reader is the GitHub read surface the sync engine needs.
type Reader interface {
	FetchOpenIssues(ctx context.Context, repo string) ([]engine.IssueObservation, error)
	FetchOpenPRs(ctx context.Context, repo string) ([]engine.PRObservation, error)
	FetchPRDetail(ctx context.Context, repo string, number int) (engine.PRObservation, error)
}

// Summary describes one completed (or skipped) sync pass.
type Summary struct {
	LockHeld    bool
	ItemsSynced int
	Errors      []string
	StartedAt   time.Time
	FinishedAt  time.Time
}

// Engine runs sync passes.
type Engine struct {
	db     *db.DB
	cfg    config.Config
	reader Reader
	logger *slog.Logger
	now    func() time.Time
}

// New creates a sync engine.
func New(database *db.DB, cfg config.Config, reader Reader, logger *slog.Logger) *Engine {
	return &Engine{db: database, cfg: cfg, reader: reader, logger: logger, now: time.Now}
}

// Run executes one sync pass. When another run holds the sync lock the
// pass is skipped, not failed: Summary.LockHeld is set and err is nil.
// Per-repo failures are recorded in the summary and the sync log; they
// never abort the pass.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	started := e.now().UTC()
	owner := uuid.New().String()

	acquired, err := e.db.AcquireLock(LockName, owner, LockTTL)
	if err != nil {
		return Summary{}, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !acquired {
		e.logger.Info("sync lock held, skipping pass")
		return Summary{LockHeld: true, StartedAt: started, FinishedAt: e.now().UTC()}, nil
	}
	defer func() {
		if _, err := e.db.ReleaseLock(LockName, owner); err != nil {
			e.logger.Warn("releasing sync lock", "error", err)
		}
	}()

	summary := Summary{StartedAt: started}
	for _, repo := range e.cfg.EnabledRepos() {
		synced, err := e.syncRepo(ctx, repo)
		summary.ItemsSynced += synced
		if err != nil {
			e.logger.Error("repo sync failed", "repo", repo, "error", err)
			summary.Errors = append(summary.Errors, fmt.Sprintf("%s: %v", repo, err))
		}
	}
	summary.FinishedAt = e.now().UTC()

	if _, err := e.db.RecordSyncRun(db.SyncRun{
		StartedAt:   summary.StartedAt,
		FinishedAt:  summary.FinishedAt,
		ItemsSynced: summary.ItemsSynced,
		Errors:      summary.Errors,
	}); err != nil {
		e.logger.Warn("recording sync run", "error", err)
	}

	e.logger.Info("sync pass complete",
		"items", summary.ItemsSynced,
		"errors", len(summary.Errors),
		"duration", summary.FinishedAt.Sub(summary.StartedAt).Round(time.Millisecond),
	)
	return summary, nil
}

// syncRepo syncs one repository and returns how many items were written.
func (e *Engine) syncRepo(ctx context.Context, repo string) (int, error) {
	issues, err := e.reader.FetchOpenIssues(ctx, repo)
	if err != nil {
		return 0, fmt.Errorf("fetching issues: %w", err)
	}
	prList, err := e.reader.FetchOpenPRs(ctx, repo)
	if err != nil {
		return 0, fmt.Errorf("fetching PRs: %w", err)
	}

	prs, err := e.fetchDetails(ctx, repo, prList)
	if err != nil {
		return 0, err
	}

	var synced int
	var errs []string

	observed := make(map[string]bool, len(prs))
	for _, obs := range prs {
		observed[engine.ItemID(repo, engine.KindPR, obs.Number)] = true
		if err := e.syncPR(repo, obs); err != nil {
			errs = append(errs, fmt.Sprintf("pr #%d: %v", obs.Number, err))
			continue
		}
		synced++
	}

	for _, obs := range issues {
		if err := e.syncIssue(repo, obs, prs); err != nil {
			errs = append(errs, fmt.Sprintf("issue #%d: %v", obs.Number, err))
			continue
		}
		synced++
	}

	reconciled, recErrs := e.reconcile(ctx, repo, observed)
	synced += reconciled
	errs = append(errs, recErrs...)

	if len(errs) > 0 {
		return synced, errors.New(strings.Join(errs, "; "))
	}
	return synced, nil
}

// fetchDetails resolves the full observation for each listed PR, bounded
// parallel. A single detail failure fails the repo: partial review data
// must not reach the state machine.
func (e *Engine) fetchDetails(ctx context.Context, repo string, list []engine.PRObservation) ([]engine.PRObservation, error) {
	details := make([]engine.PRObservation, len(list))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(detailFetchParallelism)
	for i, pr := range list {
		i, pr := i, pr
		g.Go(func() error {
			detail, err := e.reader.FetchPRDetail(ctx, repo, pr.Number)
			if err != nil {
				return fmt.Errorf("fetching detail for #%d: %w", pr.Number, err)
			}
			details[i] = detail
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return details, nil
}

func (e *Engine) syncPR(repo string, obs engine.PRObservation) error {
	id := engine.ItemID(repo, engine.KindPR, obs.Number)
	prior, found, err := e.prior(id)
	if err != nil {
		return err
	}

	var priorState *engine.PRPrior
	if found {
		priorState = &engine.PRPrior{
			LastReviewedSHA: prior.LastReviewedSHA,
			Iteration:       prior.Iteration,
		}
	}

	res := engine.ComputePR(obs, priorState, e.cfg.ReviewerLogins(repo), e.cfg.PolicyFor(repo))

	item := db.Item{
		ID:          id,
		Kind:        engine.KindPR,
		Repo:        repo,
		Number:      obs.Number,
		Title:       obs.Title,
		Author:      obs.Author,
		GithubState: strings.ToLower(obs.State),
		Status:      res.Status,

		HeadSHA:              obs.HeadSHA,
		HeadRefName:          obs.HeadRefName,
		LastReviewedSHA:      res.LastReviewedSHA,
		Reviews:              res.Decisions,
		AllReviewersApproved: res.AllApproved,
		AnyChangesRequested:  res.AnyChangesRequested,
		SHAMatchesReview:     res.SHAMatchesReview,
		HasConflicts:         res.HasConflicts,
		LastHeadSHASeen:      obs.HeadSHA,

		MaxIterations: e.cfg.DefaultMaxIterations,
		CreatedAt:     obs.CreatedAt,
		UpdatedAt:     obs.UpdatedAt,
		LastSync:      e.now().UTC(),
	}
	if found {
		// Markers, iteration, and operator-set fields belong to dispatch
		// and operators; sync never touches them.
		item.Markers = prior.Markers
		item.Iteration = prior.Iteration
		item.MaxIterations = prior.MaxIterations
		item.Priority = prior.Priority
		item.AssignedAgent = prior.AssignedAgent
		item.LockExpires = prior.LockExpires
		item.CreatedAt = prior.CreatedAt
	}

	action := engine.ApplyIterationCap(res.Action, item.Iteration, item.MaxIterations)
	action = engine.ApplyDedupe(action, obs.HeadSHA, item.Markers)
	item.Action = action

	return e.db.UpsertItem(item)
}

func (e *Engine) syncIssue(repo string, obs engine.IssueObservation, prs []engine.PRObservation) error {
	id := engine.ItemID(repo, engine.KindIssue, obs.Number)
	prior, found, err := e.prior(id)
	if err != nil {
		return err
	}

	var priorStatus engine.Status
	if found {
		priorStatus = prior.Status
	}
	linkedPR := engine.FindLinkedPR(prs, obs.Number)
	status, action := engine.ComputeIssue(obs, priorStatus, linkedPR)

	item := db.Item{
		ID:          id,
		Kind:        engine.KindIssue,
		Repo:        repo,
		Number:      obs.Number,
		Title:       obs.Title,
		Author:      obs.Author,
		GithubState: strings.ToLower(obs.State),
		Status:      status,
		Action:      action,
		Labels:      obs.Labels,

		MaxIterations: e.cfg.DefaultMaxIterations,
		CreatedAt:     obs.CreatedAt,
		UpdatedAt:     obs.UpdatedAt,
		LastSync:      e.now().UTC(),
	}
	if found {
		item.Markers = prior.Markers
		item.Iteration = prior.Iteration
		item.MaxIterations = prior.MaxIterations
		item.Priority = prior.Priority
		item.AssignedAgent = prior.AssignedAgent
		item.LockExpires = prior.LockExpires
		item.CreatedAt = prior.CreatedAt
	}

	return e.db.UpsertItem(item)
}

// reconcile closes out stored open PRs that no longer appear upstream.
// One extra detail fetch distinguishes merged from closed; when even that
// fails the row is conservatively marked closed rather than left open
// forever.
func (e *Engine) reconcile(ctx context.Context, repo string, observed map[string]bool) (int, []string) {
	stored, err := e.db.ListItems(db.ItemFilter{
		Kind:            engine.KindPR,
		Repo:            repo,
		GithubStateOpen: true,
	})
	if err != nil {
		return 0, []string{fmt.Sprintf("listing stored PRs: %v", err)}
	}

	var reconciled int
	var errs []string
	for _, item := range stored {
		if observed[item.ID] {
			continue
		}

		state, status := "closed", engine.StatusClosed
		detail, err := e.reader.FetchPRDetail(ctx, repo, item.Number)
		if err != nil {
			e.logger.Warn("reconcile detail fetch failed, marking closed",
				"item", item.ID, "error", err)
		} else if strings.EqualFold(detail.State, "MERGED") {
			state, status = "merged", engine.StatusMerged
		}

		if err := e.db.MarkClosed(item.ID, state, status, e.now().UTC()); err != nil {
			errs = append(errs, fmt.Sprintf("reconciling %s: %v", item.ID, err))
			continue
		}
		e.logger.Info("reconciled disappeared PR", "item", item.ID, "state", state)
		reconciled++
	}
	return reconciled, errs
}

// prior loads the stored item, reporting absence without error.
func (e *Engine) prior(id string) (db.Item, bool, error) {
	item, err := e.db.GetItem(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return db.Item{}, false, nil
		}
		return db.Item{}, false, err
	}
	return item, true, nil
}
