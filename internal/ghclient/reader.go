package ghclient

import (
	"context"
	"fmt"
	"strings"

	gh "github.com/google/go-github/v68/github"

	"github.com/openclaw/prsched/internal/retry"
)

// FetchOpenIssues returns every open issue in repo, excluding pull requests
// (GitHub's issue-list endpoint returns both; PRs are filtered out here).
func (c *Client) FetchOpenIssues(ctx context.Context, owner, repo string) ([]IssueObservation, error) {
	return retry.DoVal(ctx, func() ([]IssueObservation, error) {
		var all []IssueObservation
		opts := &gh.IssueListByRepoOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			issues, resp, err := c.gh.Issues.ListByRepo(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing open issues: %w", err))
			}
			for _, i := range issues {
				if i.IsPullRequest() {
					continue
				}
				all = append(all, IssueObservation{
					Number:    i.GetNumber(),
					Title:     i.GetTitle(),
					State:     i.GetState(),
					Labels:    labelNames(i.Labels),
					UpdatedAt: i.GetUpdatedAt().Time,
					Body:      i.GetBody(),
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchOpenPRs returns a lightweight listing of every open pull request in
// repo. Per-PR detail (mergeability, reviews) is fetched separately by
// FetchPRDetail since the list endpoint does not return it.
func (c *Client) FetchOpenPRs(ctx context.Context, owner, repo string) ([]PRObservation, error) {
	return retry.DoVal(ctx, func() ([]PRObservation, error) {
		var all []PRObservation
		opts := &gh.PullRequestListOptions{
			State:       "open",
			ListOptions: gh.ListOptions{PerPage: 100},
		}
		for {
			prs, resp, err := c.gh.PullRequests.List(ctx, owner, repo, opts)
			if err != nil {
				return nil, classifyErr(fmt.Errorf("listing open pull requests: %w", err))
			}
			for _, pr := range prs {
				all = append(all, PRObservation{
					Number:    pr.GetNumber(),
					Title:     pr.GetTitle(),
					Body:      pr.GetBody(),
					State:     pr.GetState(),
					Labels:    labelNames(pr.Labels),
					HeadSHA:   pr.GetHead().GetSHA(),
					UpdatedAt: pr.GetUpdatedAt().Time,
				})
			}
			if resp.NextPage == 0 {
				break
			}
			opts.Page = resp.NextPage
		}
		return all, nil
	}, c.retryOpts()...)
}

// FetchPRDetail fetches the full observation the state machine needs for a
// single pull request: merged status, mergeability, computed merge state,
// aggregated check status, and the review history. Reviews are returned in
// whatever order GitHub returns them; the evaluator re-sorts by submission
// time so caller order never matters.
func (c *Client) FetchPRDetail(ctx context.Context, owner, repo string, number int) (PRObservation, error) {
	return retry.DoVal(ctx, func() (PRObservation, error) {
		pr, _, err := c.gh.PullRequests.Get(ctx, owner, repo, number)
		if err != nil {
			return PRObservation{}, classifyErr(fmt.Errorf("fetching pull request: %w", err))
		}

		obs := PRObservation{
			Number:      pr.GetNumber(),
			Title:       pr.GetTitle(),
			Body:        pr.GetBody(),
			State:       pr.GetState(),
			Labels:      labelNames(pr.Labels),
			Merged:      pr.GetMerged(),
			HeadSHA:     pr.GetHead().GetSHA(),
			HeadRefName: pr.GetHead().GetRef(),
			MergeState:  pr.GetMergeableState(),
			UpdatedAt:   pr.GetUpdatedAt().Time,
		}
		obs.Mergeable = mergeableLabel(pr)

		reviews, err := c.fetchReviews(ctx, owner, repo, number)
		if err != nil {
			return PRObservation{}, err
		}
		obs.Reviews = reviews

		checksStatus, err := c.aggregateChecksStatus(ctx, owner, repo, obs.HeadSHA)
		if err != nil {
			return PRObservation{}, err
		}
		obs.ChecksStatus = checksStatus

		return obs, nil
	}, c.retryOpts()...)
}

func labelNames(labels []*gh.Label) []string {
	var names []string
	for _, l := range labels {
		if name := l.GetName(); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// mergeableLabel maps go-github's boolean Mergeable + string MergeableState
// into the three-value vocabulary (mergeable/conflicting/unknown) the state
// machine's conflict predicate expects.
func mergeableLabel(pr *gh.PullRequest) string {
	state := strings.ToLower(pr.GetMergeableState())
	if state == "dirty" {
		return "conflicting"
	}
	if pr.Mergeable != nil && pr.GetMergeable() {
		return "mergeable"
	}
	if pr.Mergeable != nil && !pr.GetMergeable() {
		return "conflicting"
	}
	return "unknown"
}

func (c *Client) fetchReviews(ctx context.Context, owner, repo string, number int) ([]ReviewObservation, error) {
	var all []ReviewObservation
	opts := &gh.ListOptions{PerPage: 100}
	for {
		reviews, resp, err := c.gh.PullRequests.ListReviews(ctx, owner, repo, number, opts)
		if err != nil {
			return nil, classifyErr(fmt.Errorf("fetching PR reviews: %w", err))
		}
		for _, r := range reviews {
			all = append(all, ReviewObservation{
				Author:      r.GetUser().GetLogin(),
				Decision:    strings.ToLower(r.GetState()),
				SubmittedAt: r.GetSubmittedAt().Time,
				CommitSHA:   r.GetCommitID(),
			})
		}
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	return all, nil
}

// aggregateChecksStatus summarizes a ref's check runs into "pending",
// "failure", or "success". An empty ref or no check runs yields "" (no
// opinion) — the state machine never reads this field directly, since
// GitHub's own mergeable_state="unstable" already reflects failing checks;
// it is carried on PRObservation.ChecksStatus only and is not stored.
func (c *Client) aggregateChecksStatus(ctx context.Context, owner, repo, ref string) (string, error) {
	if ref == "" {
		return "", nil
	}
	var runs []*gh.CheckRun
	opts := &gh.ListCheckRunsOptions{ListOptions: gh.ListOptions{PerPage: 100}}
	for {
		result, resp, err := c.gh.Checks.ListCheckRunsForRef(ctx, owner, repo, ref, opts)
		if err != nil {
			return "", classifyErr(fmt.Errorf("fetching check runs: %w", err))
		}
		runs = append(runs, result.CheckRuns...)
		if resp.NextPage == 0 {
			break
		}
		opts.Page = resp.NextPage
	}
	if len(runs) == 0 {
		return "", nil
	}
	allComplete := true
	anyFailed := false
	for _, r := range runs {
		if r.GetStatus() != "completed" {
			allComplete = false
		}
		if r.GetConclusion() == "failure" {
			anyFailed = true
		}
	}
	if anyFailed {
		return "failure", nil
	}
	if !allComplete {
		return "pending", nil
	}
	return "success", nil
}
