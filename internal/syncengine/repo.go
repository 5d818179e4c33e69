package syncengine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/dedupe"
	"github.com/openclaw/prsched/internal/evaluator"
	"github.com/openclaw/prsched/internal/ghclient"
	"github.com/openclaw/prsched/internal/statemachine"
	"github.com/openclaw/prsched/internal/store"
)

// syncRepo runs one reconciliation pass for a single "owner/name" repo:
// fetch observations, compute status/action per item, upsert, then
// reconcile rows for PRs that left the open set. A fetch or store error
// aborts only this repo's pass; the caller records it and continues with
// the next repo.
func (e *Engine) syncRepo(ctx context.Context, repo string) RepoResult {
	result := RepoResult{Repo: repo}

	owner, name, err := splitRepo(repo)
	if err != nil {
		result.Err = err
		return result
	}

	issues, err := e.reader.FetchOpenIssues(ctx, owner, name)
	if err != nil {
		result.Err = fmt.Errorf("fetching open issues: %w", err)
		return result
	}
	openPRs, err := e.reader.FetchOpenPRs(ctx, owner, name)
	if err != nil {
		result.Err = fmt.Errorf("fetching open pull requests: %w", err)
		return result
	}

	var prBodies []string
	for _, pr := range openPRs {
		prBodies = append(prBodies, pr.Body)
	}

	details := make([]ghclient.PRObservation, len(openPRs))
	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.workers)
	for i, pr := range openPRs {
		i, number := i, pr.Number
		group.Go(func() error {
			detail, err := e.reader.FetchPRDetail(gctx, owner, name, number)
			if err != nil {
				return fmt.Errorf("fetching detail for PR #%d: %w", number, err)
			}
			details[i] = detail
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		result.Err = err
		return result
	}

	required := e.cfg.RequiredReviewersFor(repo)
	policy := buildPolicy(e.cfg, repo)
	maxIterations := e.cfg.MaxIterationsFor(repo)

	openPRNumbers := map[int]bool{}
	scanned, eligible := 0, 0

	for _, detail := range details {
		scanned++
		id := store.ID(repo, store.KindPR, detail.Number)
		openPRNumbers[detail.Number] = true

		prior, priorItem, _, err := e.getPrior(id)
		if err != nil {
			result.Err = err
			return result
		}

		// GitHub reports merged PRs as state=closed with a separate merged
		// flag; the state machine's rule table keys on "merged" directly.
		obsState := detail.State
		if detail.Merged {
			obsState = "merged"
		}

		obs := statemachine.PRObservation{
			State:       obsState,
			HeadSHA:     detail.HeadSHA,
			HeadRefName: detail.HeadRefName,
			Mergeable:   detail.Mergeable,
			MergeState:  detail.MergeState,
			Reviews:     toEvaluatorReviews(detail.Reviews),
		}

		res := statemachine.ComputePR(obs, prior, required, policy)

		action := dedupe.Gate(res.Action, priorItem.Iteration, maxIterations)
		action = dedupe.Apply(action, detail.HeadSHA, priorItem)
		if action != store.ActionNone {
			eligible++
		}

		item := priorItem
		item.ID = id
		item.Kind = store.KindPR
		item.Repo = repo
		item.Number = detail.Number
		item.Title = detail.Title
		item.Labels = detail.Labels
		item.GithubState = strings.ToLower(obsState)
		item.Status = res.Status
		item.Action = action
		item.HeadSHA = detail.HeadSHA
		item.HeadRefName = detail.HeadRefName
		item.LastReviewedSHA = res.LastReviewedSHA
		item.Reviews = decisionsToStrings(res.Decisions)
		item.AllReviewersApproved = res.AllApproved
		item.AnyChangesRequested = res.AnyChangesRequested
		item.ShaMatchesReview = res.ShaMatchesReview
		item.HasConflicts = res.HasConflicts
		item.MaxIterations = maxIterations

		if err := e.db.Upsert(item); err != nil {
			result.Err = fmt.Errorf("upserting PR #%d: %w", detail.Number, err)
			return result
		}
	}

	for _, issue := range issues {
		scanned++
		id := store.ID(repo, store.KindIssue, issue.Number)

		_, priorItem, exists, err := e.getPrior(id)
		if err != nil {
			result.Err = err
			return result
		}
		var issuePrior *statemachine.IssuePrior
		if exists {
			issuePrior = &statemachine.IssuePrior{Status: priorItem.Status}
		}

		res := statemachine.ComputeIssue(statemachine.IssueObservation{
			State:        issue.State,
			LinkedPRBody: prBodies,
			IssueNumber:  issue.Number,
		}, issuePrior)

		if res.Action != store.ActionNone {
			eligible++
		}

		item := priorItem
		item.ID = id
		item.Kind = store.KindIssue
		item.Repo = repo
		item.Number = issue.Number
		item.Title = issue.Title
		item.Labels = issue.Labels
		item.GithubState = strings.ToLower(issue.State)
		item.Status = res.Status
		item.Action = res.Action

		if err := e.db.Upsert(item); err != nil {
			result.Err = fmt.Errorf("upserting issue #%d: %w", issue.Number, err)
			return result
		}
	}

	if err := e.reconcileClosedPRs(ctx, owner, name, repo, openPRNumbers); err != nil {
		result.Err = err
		return result
	}

	result.Scanned = scanned
	result.Eligible = eligible
	return result
}

// getPrior reads the stored item for id, if any. A not-found row is not an
// error: it means this is the first observation, and item is returned fully
// zero-valued; the caller fills in ID/Kind/Repo/Number.
func (e *Engine) getPrior(id string) (prior *statemachine.Prior, item store.Item, exists bool, err error) {
	item, err = e.db.Get(id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.Item{}, false, nil
		}
		return nil, store.Item{}, false, fmt.Errorf("reading prior item %s: %w", id, err)
	}
	return &statemachine.Prior{LastReviewedSHA: item.LastReviewedSHA, Status: item.Status}, item, true, nil
}

// reconcileClosedPRs handles rows that left the open set: any stored PR row
// still marked open but absent from the freshly observed open-PR list has
// been closed or merged since the last pass. Fetching detail once
// distinguishes the two; an ambiguous/unrecognized state defaults to closed.
func (e *Engine) reconcileClosedPRs(ctx context.Context, owner, name, repo string, stillOpen map[int]bool) error {
	rows, err := e.db.List(store.Filter{Repo: repo, Kind: store.KindPR})
	if err != nil {
		return fmt.Errorf("listing stored PRs for reconciliation: %w", err)
	}

	for _, row := range rows {
		if row.GithubState != "open" {
			continue
		}
		if stillOpen[row.Number] {
			continue
		}

		detail, err := e.reader.FetchPRDetail(ctx, owner, name, row.Number)
		if err != nil {
			return fmt.Errorf("fetching detail for reconciliation of PR #%d: %w", row.Number, err)
		}

		if detail.Merged {
			row.GithubState = "merged"
			row.Status = store.StatusMerged
		} else {
			row.GithubState = "closed"
			row.Status = store.StatusClosed
		}
		row.Action = store.ActionNone

		if err := e.db.Upsert(row); err != nil {
			return fmt.Errorf("upserting reconciled PR #%d: %w", row.Number, err)
		}
	}
	return nil
}

func splitRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid repo identifier %q, want owner/name", repo)
	}
	return parts[0], parts[1], nil
}

func toEvaluatorReviews(reviews []ghclient.ReviewObservation) []evaluator.Review {
	out := make([]evaluator.Review, len(reviews))
	for i, r := range reviews {
		out[i] = evaluator.Review{
			Author:      r.Author,
			Decision:    evaluator.Decision(r.Decision),
			Revision:    r.CommitSHA,
			SubmittedAt: r.SubmittedAt.Unix(),
		}
	}
	return out
}

func decisionsToStrings(decisions map[string]evaluator.Decision) map[string]string {
	out := make(map[string]string, len(decisions))
	for login, d := range decisions {
		out[login] = string(d)
	}
	return out
}

// buildPolicy translates a repo's approval-rule override (if any) into an
// evaluator.Policy. No override means Policy{} — the evaluator's legacy
// "everyone required must approve" behavior.
func buildPolicy(cfg config.Config, repo string) evaluator.Policy {
	rule, ok := cfg.ApprovalRuleFor(repo)
	if !ok {
		return evaluator.Policy{}
	}
	policy := evaluator.Policy{
		MinApprovals: rule.MinApprovals,
		HasPolicy:    true,
	}
	if len(rule.RequiredReviewers) > 0 {
		policy.RequiredLogins = map[string]bool{}
		for _, login := range rule.RequiredReviewers {
			policy.RequiredLogins[strings.ToLower(login)] = true
		}
	}
	if len(rule.VetoPowers) > 0 {
		policy.VetoLogins = map[string]bool{}
		for _, login := range rule.VetoPowers {
			policy.VetoLogins[strings.ToLower(login)] = true
		}
	}
	return policy
}
