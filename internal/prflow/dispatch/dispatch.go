// Package dispatch drains the action queues and hands work to agents.
// Merge-ready PRs go straight to the GitHub writer; everything else is
// spawned as an external agent run. Dispatch markers are written only
// after the hand-off succeeds, so a failed dispatch is retried on the
// next pass and a successful one is deduped until the head moves.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/miller46/prflow/internal/prflow/config"
	"github.com/miller46/prflow/internal/prflow/db"
	"github.com/miller46/prflow/internal/prflow/engine"
	"github.com/miller46/prflow/internal/prflow/prompt"
	"github.com/miller46/prflow/internal/prflow/queue"
	"github.com/miller46/prflow/internal/prflow/spawn"
)

// queueLimit bounds how many items one pass drains per queue.
const queueLimit = 10

// Spawner submits agent runs. Satisfied by *spawn.Client.
type Spawner interface {
	Spawn(ctx context.Context, req spawn.Request) (spawn.Handle, error)
}

// Merger performs PR merges. Satisfied by the GitHub client.
type Merger interface {
	MergePR(ctx context.Context, repo string, number int, strategy string) error
}

// EnvResolver supplies the per-agent environment overlay for spawned runs.
// Satisfied by *credentials.Store.
type EnvResolver interface {
	AgentEnv(agentID string) ([]string, error)
}

// Summary describes one dispatch pass.
type Summary struct {
	Dispatched int
	Failed     int
}

// Scheduler runs dispatch passes.
type Scheduler struct {
	db      *db.DB
	cfg     config.Config
	queries *queue.Queries
	spawner Spawner
	merger  Merger
	env     EnvResolver
	logger  *slog.Logger
	now     func() time.Time
}

// New creates a dispatch scheduler.
func New(database *db.DB, cfg config.Config, queries *queue.Queries, spawner Spawner, merger Merger, env EnvResolver, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		db:      database,
		cfg:     cfg,
		queries: queries,
		spawner: spawner,
		merger:  merger,
		env:     env,
		logger:  logger,
		now:     time.Now,
	}
}

// agentEnv resolves the credential overlay for one agent identity. Agents
// without their own profile run under the gateway's default environment.
func (s *Scheduler) agentEnv(agentID string) []string {
	if s.env == nil {
		return nil
	}
	env, err := s.env.AgentEnv(agentID)
	if err != nil {
		s.logger.Warn("no credential overlay for agent", "agent", agentID, "error", err)
		return nil
	}
	return env
}

// Run executes one dispatch pass. Queue order is fixed: merges first so
// approved work lands before new review churn, then the fix loop, then
// fresh reviews and dev work. Item failures are logged and recorded but
// never halt the pass.
func (s *Scheduler) Run(ctx context.Context) (Summary, error) {
	var summary Summary
	for _, step := range []func(context.Context, *Summary) error{
		s.dispatchMerges,
		s.dispatchFixes,
		s.dispatchConflicts,
		s.dispatchStatusFixes,
		s.dispatchReviews,
		s.dispatchDev,
	} {
		if err := step(ctx, &summary); err != nil {
			return summary, err
		}
		if ctx.Err() != nil {
			return summary, ctx.Err()
		}
	}
	s.logger.Info("dispatch pass complete",
		"dispatched", summary.Dispatched, "failed", summary.Failed)
	return summary, nil
}

func (s *Scheduler) dispatchMerges(ctx context.Context, summary *Summary) error {
	res, err := s.queries.Query(queue.Input{Action: engine.ActionReadyToMerge, Limit: queueLimit})
	if err != nil {
		return fmt.Errorf("querying merge queue: %w", err)
	}
	perRepo := map[string]int{}
	for _, pr := range res.PRs {
		if s.repoBudgetSpent(perRepo, pr.Repo) {
			continue
		}
		err := s.merger.MergePR(ctx, pr.Repo, pr.PRNumber, s.cfg.MergeStrategy)
		if err != nil {
			s.recordFailure(summary, pr.ItemID, engine.ActionReadyToMerge, pr.HeadSHA, "", err)
			continue
		}
		s.recordSuccess(summary, perRepo, pr.Repo, pr.ItemID, engine.ActionReadyToMerge, pr.HeadSHA, "", "merged")
	}
	return nil
}

func (s *Scheduler) dispatchFixes(ctx context.Context, summary *Summary) error {
	return s.dispatchPRQueue(ctx, summary, engine.ActionNeedsFix, func(pr queue.PRItem) string {
		return prompt.Fix(pr.Repo, pr.PRNumber, pr.HeadRefName)
	})
}

func (s *Scheduler) dispatchConflicts(ctx context.Context, summary *Summary) error {
	return s.dispatchPRQueue(ctx, summary, engine.ActionNeedsConflictResolution, func(pr queue.PRItem) string {
		return prompt.Conflict(pr.Repo, pr.PRNumber, pr.HeadRefName)
	})
}

func (s *Scheduler) dispatchStatusFixes(ctx context.Context, summary *Summary) error {
	return s.dispatchPRQueue(ctx, summary, engine.ActionNeedsStatusFix, func(pr queue.PRItem) string {
		return prompt.StatusFix(pr.Repo, pr.PRNumber, pr.HeadRefName)
	})
}

// dispatchPRQueue drains one spawn-backed PR queue where a single dev
// persona handles each item.
func (s *Scheduler) dispatchPRQueue(ctx context.Context, summary *Summary, action engine.Action, task func(queue.PRItem) string) error {
	res, err := s.queries.Query(queue.Input{Action: action, Limit: queueLimit})
	if err != nil {
		return fmt.Errorf("querying %s queue: %w", action, err)
	}
	perRepo := map[string]int{}
	for _, pr := range res.PRs {
		if s.repoBudgetSpent(perRepo, pr.Repo) {
			continue
		}
		agent := pr.SuggestedDevAgent
		if agent == "" {
			agent = s.cfg.DefaultAgent
		}
		_, err := s.spawner.Spawn(ctx, spawn.Request{
			Label:             fmt.Sprintf("%s#%d", pr.Repo, pr.PRNumber),
			Task:              task(pr),
			AgentID:           agent,
			RunTimeoutSeconds: s.cfg.Spawn.RunTimeoutSeconds,
			Cleanup:           s.cfg.Spawn.Cleanup,
			Env:               s.agentEnv(agent),
		})
		if err != nil {
			s.recordFailure(summary, pr.ItemID, action, pr.HeadSHA, agent, err)
			continue
		}
		s.recordSuccess(summary, perRepo, pr.Repo, pr.ItemID, action, pr.HeadSHA, agent, "spawned")
	}
	return nil
}

// dispatchReviews spawns one reviewer agent per enabled required reviewer.
// The dedupe marker is written only when every reviewer spawn succeeded;
// a partial failure leaves the item eligible for the next pass.
func (s *Scheduler) dispatchReviews(ctx context.Context, summary *Summary) error {
	res, err := s.queries.Query(queue.Input{Action: engine.ActionNeedsReview, Limit: queueLimit})
	if err != nil {
		return fmt.Errorf("querying review queue: %w", err)
	}
	perRepo := map[string]int{}
	for _, pr := range res.PRs {
		if s.repoBudgetSpent(perRepo, pr.Repo) {
			continue
		}
		if len(pr.Reviewers) == 0 {
			s.logger.Warn("no enabled reviewers for repo, skipping review dispatch",
				"item", pr.ItemID)
			continue
		}

		allSpawned := true
		for _, reviewer := range pr.Reviewers {
			_, err := s.spawner.Spawn(ctx, spawn.Request{
				Label:             fmt.Sprintf("%s#%d", pr.Repo, pr.PRNumber),
				Task:              prompt.Review(reviewer.Agent, pr.Repo, pr.PRNumber, pr.HeadRefName),
				AgentID:           reviewer.Agent,
				RunTimeoutSeconds: s.cfg.Spawn.RunTimeoutSeconds,
				Cleanup:           s.cfg.Spawn.Cleanup,
				Env:               s.agentEnv(reviewer.Agent),
			})
			if err != nil {
				allSpawned = false
				s.recordFailure(summary, pr.ItemID, engine.ActionNeedsReview, pr.HeadSHA, reviewer.Agent, err)
				continue
			}
			summary.Dispatched++
			s.recordEvent(pr.ItemID, engine.ActionNeedsReview, pr.HeadSHA, reviewer.Agent, "spawned")
			s.logger.Info("dispatched", "item", pr.ItemID, "action", engine.ActionNeedsReview, "agent", reviewer.Agent)
		}

		if allSpawned {
			if err := s.db.MarkDispatched(pr.ItemID, engine.ActionNeedsReview, pr.HeadSHA); err != nil {
				s.logger.Error("marking review dispatched", "item", pr.ItemID, "error", err)
			}
			perRepo[pr.Repo]++
		}
	}
	return nil
}

// dispatchDev spawns a dev agent per unclaimed needs_dev issue and leases
// the issue for the run timeout so the next pass skips it.
func (s *Scheduler) dispatchDev(ctx context.Context, summary *Summary) error {
	res, err := s.queries.Query(queue.Input{Action: engine.ActionNeedsDev, Limit: queueLimit})
	if err != nil {
		return fmt.Errorf("querying dev queue: %w", err)
	}
	perRepo := map[string]int{}
	for _, issue := range res.Issues {
		if s.repoBudgetSpent(perRepo, issue.Repo) {
			continue
		}
		agent := issue.SuggestedAgent
		if agent == "" {
			agent = s.cfg.DefaultAgent
		}
		_, err := s.spawner.Spawn(ctx, spawn.Request{
			Label:             fmt.Sprintf("%s#%d", issue.Repo, issue.IssueNumber),
			Task:              prompt.Dev(issue.Repo, issue.IssueNumber),
			AgentID:           agent,
			RunTimeoutSeconds: s.cfg.Spawn.RunTimeoutSeconds,
			Cleanup:           s.cfg.Spawn.Cleanup,
			Env:               s.agentEnv(agent),
		})
		if err != nil {
			s.recordFailure(summary, issue.ItemID, engine.ActionNeedsDev, "", agent, err)
			continue
		}

		lease := s.now().Add(time.Duration(s.cfg.Spawn.RunTimeoutSeconds) * time.Second)
		if err := s.db.ClaimItem(issue.ItemID, agent, lease); err != nil {
			s.logger.Error("claiming issue", "item", issue.ItemID, "error", err)
		}
		summary.Dispatched++
		perRepo[issue.Repo]++
		s.recordEvent(issue.ItemID, engine.ActionNeedsDev, "", agent, "spawned")
		s.logger.Info("dispatched", "item", issue.ItemID, "action", engine.ActionNeedsDev, "agent", agent)
	}
	return nil
}

// repoBudgetSpent enforces the optional per-repo max_per_run cap within
// one queue drain.
func (s *Scheduler) repoBudgetSpent(perRepo map[string]int, repo string) bool {
	budget := s.cfg.Repos[repo].MaxPerRun
	return budget > 0 && perRepo[repo] >= budget
}

// recordSuccess marks the dispatch marker, counts, and records the event.
// Marker writes for fix dispatches also increment the iteration counter.
func (s *Scheduler) recordSuccess(summary *Summary, perRepo map[string]int, repo, itemID string, action engine.Action, headSHA, agent, outcome string) {
	if err := s.db.MarkDispatched(itemID, action, headSHA); err != nil {
		s.logger.Error("marking dispatched", "item", itemID, "action", action, "error", err)
	}
	summary.Dispatched++
	perRepo[repo]++
	s.recordEvent(itemID, action, headSHA, agent, outcome)
	s.logger.Info("dispatched", "item", itemID, "action", action, "agent", agent)
}

func (s *Scheduler) recordFailure(summary *Summary, itemID string, action engine.Action, headSHA, agent string, err error) {
	summary.Failed++
	s.recordEvent(itemID, action, headSHA, agent, "failed: "+err.Error())
	s.logger.Error("dispatch failed", "item", itemID, "action", action, "error", err)
}

func (s *Scheduler) recordEvent(itemID string, action engine.Action, headSHA, agent, status string) {
	if _, err := s.db.RecordDispatchEvent(db.DispatchEvent{
		ItemID:       itemID,
		Action:       string(action),
		HeadSHA:      headSHA,
		Agent:        agent,
		Status:       status,
		DispatchedAt: s.now().UTC(),
	}); err != nil {
		s.logger.Warn("recording dispatch event", "error", err)
	}
}
