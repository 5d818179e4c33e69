package ghclient

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v68/github"

	"github.com/openclaw/prsched/internal/apperror"
	"github.com/openclaw/prsched/internal/retry"
)

// MergeStrategy is the GitHub merge method requested for a ready_to_merge PR.
type MergeStrategy string

const (
	MergeStrategyMerge  MergeStrategy = "merge"
	MergeStrategySquash MergeStrategy = "squash"
	MergeStrategyRebase MergeStrategy = "rebase"
)

func (s MergeStrategy) valid() bool {
	switch s {
	case MergeStrategyMerge, MergeStrategySquash, MergeStrategyRebase:
		return true
	default:
		return false
	}
}

// MergePR merges pull request number in repo using strategy. An invalid
// strategy fails locally before any network call.
func (c *Client) MergePR(ctx context.Context, owner, repo string, number int, strategy MergeStrategy) error {
	if !strategy.valid() {
		return apperror.Invalid("strategy must be one of merge, squash, rebase, got: %s", strategy)
	}
	_, err := retry.DoVal(ctx, func() (struct{}, error) {
		_, _, err := c.gh.PullRequests.Merge(ctx, owner, repo, number, "", &gh.PullRequestOptions{
			MergeMethod: string(strategy),
		})
		if err != nil {
			return struct{}{}, classifyErr(fmt.Errorf("merging pull request: %w", err))
		}
		return struct{}{}, nil
	}, c.retryOpts()...)
	return err
}

// CreatePR opens a pull request from head into base, returning its number.
// This backs the CLI's submit_pr subcommand — the engine itself never calls
// it; a dev-agent dispatch opens the PR it was asked to write.
func (c *Client) CreatePR(ctx context.Context, owner, repo, title, head, base, body string) (int, error) {
	if title == "" || head == "" || base == "" {
		return 0, apperror.Invalid("title, head, and base are required")
	}
	number, err := retry.DoVal(ctx, func() (int, error) {
		pr, _, err := c.gh.PullRequests.Create(ctx, owner, repo, &gh.NewPullRequest{
			Title: gh.Ptr(title),
			Head:  gh.Ptr(head),
			Base:  gh.Ptr(base),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return 0, classifyErr(fmt.Errorf("creating pull request: %w", err))
		}
		return pr.GetNumber(), nil
	}, c.retryOpts()...)
	return number, err
}

// ReviewVerdict is the machine-checkable verdict submitted with a review.
type ReviewVerdict string

const (
	VerdictApprove        ReviewVerdict = "approve"
	VerdictRequestChanges ReviewVerdict = "request_changes"
)

// reviewEvent maps a ReviewVerdict to the go-github review event string.
func (v ReviewVerdict) reviewEvent() (string, bool) {
	switch v {
	case VerdictApprove:
		return "APPROVE", true
	case VerdictRequestChanges:
		return "REQUEST_CHANGES", true
	default:
		return "", false
	}
}

// requiredVerdictLine returns the literal first line body must begin with
// so downstream tooling can machine-check the verdict.
func (v ReviewVerdict) requiredVerdictLine() string {
	if v == VerdictApprove {
		return "VERDICT: APPROVE"
	}
	return "VERDICT: REQUEST_CHANGES"
}

// SubmitReview submits a review on pull request number in repo. body must
// begin with the literal line "VERDICT: APPROVE" or "VERDICT: REQUEST_CHANGES"
// matching verdict — enforced here rather than left to the caller.
func (c *Client) SubmitReview(ctx context.Context, owner, repo string, number int, verdict ReviewVerdict, body string) error {
	event, ok := verdict.reviewEvent()
	if !ok {
		return apperror.Invalid("verdict must be one of: approve, request_changes")
	}

	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return apperror.Invalid("body is required")
	}
	firstLine := strings.ToUpper(strings.TrimSpace(strings.SplitN(trimmed, "\n", 2)[0]))
	if firstLine != verdict.requiredVerdictLine() {
		return apperror.Invalid("body must start with %q for machine-checkable output", verdict.requiredVerdictLine())
	}

	_, err := retry.DoVal(ctx, func() (struct{}, error) {
		_, _, err := c.gh.PullRequests.CreateReview(ctx, owner, repo, number, &gh.PullRequestReviewRequest{
			Event: gh.Ptr(event),
			Body:  gh.Ptr(body),
		})
		if err != nil {
			return struct{}{}, classifyErr(fmt.Errorf("submitting review: %w", err))
		}
		return struct{}{}, nil
	}, c.retryOpts()...)
	return err
}
