// Package dispatch runs a single scheduler pass: drain the action queues in
// priority order, spawn an external agent for each eligible item, and record
// the outcome. A failed spawn withholds the dedupe marker so the item is
// retried automatically on the next pass — cross-item failures never halt
// the rest of the pass.
package dispatch

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openclaw/prsched/internal/agentspawn"
	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/queue"
	"github.com/openclaw/prsched/internal/store"
)

// DefaultLimit is how many items are drained per queue per pass.
const DefaultLimit = 10

// DefaultClaimTTL is how long a dev-queue dispatch claims an issue before
// it becomes eligible for re-dispatch.
const DefaultClaimTTL = 15 * time.Minute

// DefaultRunTimeout is the per-item agent run timeout passed to the
// agent-spawn adapter.
const DefaultRunTimeout = 10 * time.Minute

// queueOrder is the fixed drain order: merging first reduces rework;
// fix/conflict before review prevents reviewing stale code.
var queueOrder = []store.Action{
	store.ActionReadyToMerge,
	store.ActionNeedsFix,
	store.ActionNeedsConflictResolve,
	store.ActionNeedsStatusFix,
	store.ActionNeedsReview,
	store.ActionNeedsDev,
}

// Store is the durable-store surface the scheduler reads and writes through.
type Store interface {
	queue.Querier
	Get(id string) (store.Item, error)
	Upsert(item store.Item) error
	MarkDispatched(id string, kind store.DispatchKind, revision string) error
	AppendDispatchEvent(e store.DispatchEvent) error
}

// Scheduler drains the action queues and spawns agents for eligible items.
type Scheduler struct {
	db         Store
	cfg        config.Config
	spawner    agentspawn.Spawner
	logger     *slog.Logger
	limit      int
	claimTTL   time.Duration
	runTimeout time.Duration
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

func WithLimit(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.limit = n
		}
	}
}

func WithClaimTTL(ttl time.Duration) Option {
	return func(s *Scheduler) { s.claimTTL = ttl }
}

func WithRunTimeout(d time.Duration) Option {
	return func(s *Scheduler) { s.runTimeout = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs a Scheduler.
func New(db Store, cfg config.Config, spawner agentspawn.Spawner, opts ...Option) *Scheduler {
	s := &Scheduler{
		db:         db,
		cfg:        cfg,
		spawner:    spawner,
		logger:     slog.Default(),
		limit:      DefaultLimit,
		claimTTL:   DefaultClaimTTL,
		runTimeout: DefaultRunTimeout,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ItemOutcome records what happened when the scheduler tried to dispatch
// one item.
type ItemOutcome struct {
	ItemID     string
	Action     store.Action
	Dispatched bool
	Err        error
}

// Summary is the aggregate result of one Run.
type Summary struct {
	Outcomes []ItemOutcome
}

// Run executes a single pass over every queue in priority order.
func (s *Scheduler) Run(ctx context.Context, now time.Time) (Summary, error) {
	var summary Summary

	for _, action := range queueOrder {
		env, err := queue.Query(s.db, s.cfg, queue.Input{
			Action:                   action,
			Limit:                    s.limit,
			ExcludeAlreadyDispatched: true,
			ExcludeClaimed:           true,
		}, "dispatch", now)
		if err != nil {
			return summary, fmt.Errorf("querying %s queue: %w", action, err)
		}

		if action == store.ActionNeedsDev {
			for _, issue := range env.Issues {
				summary.Outcomes = append(summary.Outcomes, s.dispatchIssue(ctx, issue))
			}
			continue
		}
		for _, pr := range env.PRs {
			summary.Outcomes = append(summary.Outcomes, s.dispatchPR(ctx, action, pr))
		}
	}

	return summary, nil
}

func (s *Scheduler) dispatchPR(ctx context.Context, action store.Action, pr queue.PRItem) ItemOutcome {
	outcome := ItemOutcome{ItemID: pr.ItemID, Action: action}

	label := fmt.Sprintf("%s#%d", pr.Repo, pr.PRNumber)
	prompt := prDispatchPrompt(action, pr)

	if action == store.ActionNeedsReview {
		reviewers := pr.Reviewers
		if len(reviewers) == 0 {
			outcome.Err = fmt.Errorf("no reviewers configured for %s", pr.Repo)
			s.logAndContinue(outcome, "")
			return outcome
		}
		// One reviewer agent per required reviewer, not one agent for
		// the whole PR — each review must come from its own identity.
		for _, reviewer := range reviewers {
			if _, err := s.spawner.Spawn(ctx, label, prompt, reviewer, s.runTimeout, agentspawn.CleanupOnSuccess); err != nil {
				outcome.Err = fmt.Errorf("spawning reviewer %s: %w", reviewer, err)
				s.logAndContinue(outcome, reviewer)
				return outcome
			}
		}
		outcome.Dispatched = true
		s.markPRDispatched(pr, action, outcome, strings.Join(reviewers, ","))
		return outcome
	}

	agentID := pr.SuggestedDevAgent
	if agentID == "" {
		agentID = s.cfg.DefaultAgent
	}
	if _, err := s.spawner.Spawn(ctx, label, prompt, agentID, s.runTimeout, agentspawn.CleanupOnSuccess); err != nil {
		outcome.Err = fmt.Errorf("spawning agent %s: %w", agentID, err)
		s.logAndContinue(outcome, agentID)
		return outcome
	}
	outcome.Dispatched = true
	s.markPRDispatched(pr, action, outcome, agentID)
	return outcome
}

func (s *Scheduler) markPRDispatched(pr queue.PRItem, action store.Action, outcome ItemOutcome, agent string) {
	kind, ok := store.ActionDispatchKind(action)
	if !ok {
		return
	}
	if err := s.db.MarkDispatched(pr.ItemID, kind, pr.HeadSHA); err != nil {
		s.logger.Warn("marking dispatched", "item", pr.ItemID, "error", err)
	}
	s.appendEvent(pr.ItemID, action, pr.HeadSHA, agent, outcome)
}

func (s *Scheduler) dispatchIssue(ctx context.Context, issue queue.IssueItem) ItemOutcome {
	outcome := ItemOutcome{ItemID: issue.ItemID, Action: store.ActionNeedsDev}

	agentID := issue.SuggestedAgent
	if agentID == "" {
		agentID = s.cfg.DefaultAgent
	}
	label := fmt.Sprintf("%s#%d", issue.Repo, issue.IssueNumber)
	prompt := issueDispatchPrompt(issue)

	if _, err := s.spawner.Spawn(ctx, label, prompt, agentID, s.runTimeout, agentspawn.CleanupOnSuccess); err != nil {
		outcome.Err = fmt.Errorf("spawning agent %s: %w", agentID, err)
		s.logAndContinue(outcome, agentID)
		return outcome
	}
	outcome.Dispatched = true

	// Issues carry no head revision, so dev-queue dedupe is a claim lease
	// rather than a revision-keyed marker (see internal/queue's isClaimed).
	item, err := s.db.Get(issue.ItemID)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		s.logger.Warn("reading issue before claiming", "item", issue.ItemID, "error", err)
		return outcome
	}
	item.AssignedAgent = agentID
	item.DevAgentSuggestion = issue.SuggestedAgent
	item.LockExpires = time.Now().UTC().Add(s.claimTTL)
	if err := s.db.Upsert(item); err != nil {
		s.logger.Warn("claiming issue after dispatch", "item", issue.ItemID, "error", err)
	}
	s.appendEvent(issue.ItemID, store.ActionNeedsDev, "", agentID, outcome)
	return outcome
}

func (s *Scheduler) appendEvent(itemID string, action store.Action, revision, agent string, outcome ItemOutcome) {
	status := "dispatched"
	if !outcome.Dispatched {
		status = "failed"
	}
	if err := s.db.AppendDispatchEvent(store.DispatchEvent{
		ItemID:   itemID,
		Action:   action,
		Revision: revision,
		Agent:    agent,
		Outcome:  status,
	}); err != nil {
		s.logger.Warn("appending dispatch event", "item", itemID, "error", err)
	}
}

func (s *Scheduler) logAndContinue(outcome ItemOutcome, agent string) {
	s.logger.Warn("dispatch failed, will retry next pass", "item", outcome.ItemID, "action", outcome.Action, "error", outcome.Err)
	if err := s.db.AppendDispatchEvent(store.DispatchEvent{
		ItemID:  outcome.ItemID,
		Action:  outcome.Action,
		Agent:   agent,
		Outcome: "failed",
	}); err != nil {
		s.logger.Warn("appending dispatch event", "item", outcome.ItemID, "error", err)
	}
}

func prDispatchPrompt(action store.Action, pr queue.PRItem) string {
	switch action {
	case store.ActionReadyToMerge:
		return fmt.Sprintf("Merge %s PR #%d (%q) once final checks confirm it's mergeable.", pr.Repo, pr.PRNumber, pr.Title)
	case store.ActionNeedsFix:
		return fmt.Sprintf("Address reviewer feedback on %s PR #%d (%q).", pr.Repo, pr.PRNumber, pr.Title)
	case store.ActionNeedsConflictResolve:
		return fmt.Sprintf("Resolve merge conflicts on %s PR #%d (%q).", pr.Repo, pr.PRNumber, pr.Title)
	case store.ActionNeedsStatusFix:
		return fmt.Sprintf("Fix failing checks on %s PR #%d (%q).", pr.Repo, pr.PRNumber, pr.Title)
	case store.ActionNeedsReview:
		return fmt.Sprintf("Review %s PR #%d (%q) and submit a VERDICT-prefixed review.", pr.Repo, pr.PRNumber, pr.Title)
	default:
		return fmt.Sprintf("Handle %s PR #%d (%q).", pr.Repo, pr.PRNumber, pr.Title)
	}
}

func issueDispatchPrompt(issue queue.IssueItem) string {
	return fmt.Sprintf("Implement %s issue #%d (%q) and open a pull request.", issue.Repo, issue.IssueNumber, issue.Title)
}
