// Package statemachine computes a WorkflowItem's (status, action) from a
// fresh upstream observation, the prior stored item, and policy. It is pure:
// no I/O, no clock reads, no hidden state — the same inputs always produce
// the same outputs.
package statemachine

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/openclaw/prsched/internal/evaluator"
	"github.com/openclaw/prsched/internal/store"
)

// PRObservation is the upstream view of a pull request fed into ComputePR.
type PRObservation struct {
	State       string // "open", "closed", "merged" (case-insensitive)
	HeadSHA     string
	HeadRefName string
	Mergeable   string // "mergeable", "conflicting", "unknown" (case-insensitive)
	MergeState  string // e.g. "clean", "dirty", "unstable" (case-insensitive)
	Reviews     []evaluator.Review
}

// Prior carries the fields of the previously stored item that the state
// machine needs to resolve baselines. A nil Prior means first observation.
type Prior struct {
	LastReviewedSHA string
	Status          store.Status
}

// Result is the state machine's verdict for one PR observation.
type Result struct {
	Status              store.Status
	Action              store.Action
	AllApproved         bool
	AnyChangesRequested bool
	Decisions           map[string]evaluator.Decision
	LastReviewedSHA     string
	HasConflicts        bool
	ShaMatchesReview    bool
}

// ComputePR runs the priority-ordered rule table against one PR
// observation. required and policy are passed straight through to the
// review evaluator.
func ComputePR(obs PRObservation, prior *Prior, required []string, policy evaluator.Policy) Result {
	state := strings.ToLower(obs.State)
	mergeable := strings.ToLower(obs.Mergeable)
	mergeState := strings.ToLower(obs.MergeState)

	evalResult := evaluator.Evaluate(obs.Reviews, required, policy)

	lastReviewedSHA := resolveLastReviewedSHA(evalResult, obs.HeadSHA, prior)
	shaMatchesReview := lastReviewedSHA != "" && lastReviewedSHA == obs.HeadSHA
	hasConflicts := mergeable == "conflicting" || mergeState == "dirty"

	res := Result{
		AllApproved:         evalResult.AllRequiredApproved,
		AnyChangesRequested: evalResult.AnyChangesRequested,
		Decisions:           evalResult.LatestDecisionByReviewer,
		LastReviewedSHA:     lastReviewedSHA,
		HasConflicts:        hasConflicts,
		ShaMatchesReview:    shaMatchesReview,
	}

	switch {
	case state == "merged":
		res.Status, res.Action = store.StatusMerged, store.ActionNone
	case hasConflicts:
		// Conflicts always win over an approval.
		res.Status, res.Action = store.StatusConflicting, store.ActionNeedsConflictResolve
	case mergeState == "unstable":
		res.Status, res.Action = store.StatusChecksFailing, store.ActionNeedsStatusFix
	case evalResult.AllRequiredApproved && shaMatchesReview:
		res.Status, res.Action = store.StatusApproved, store.ActionReadyToMerge
	case evalResult.AllRequiredApproved && !shaMatchesReview:
		res.Status, res.Action = store.StatusPendingReview, store.ActionNeedsReview
	case evalResult.AnyChangesRequested && shaMatchesReview:
		res.Status, res.Action = store.StatusChangesRequested, store.ActionNeedsFix
	case evalResult.AnyChangesRequested && !shaMatchesReview:
		res.Status, res.Action = store.StatusPendingReview, store.ActionNeedsReview
	default:
		res.Status, res.Action = store.StatusPendingReview, store.ActionNeedsReview
	}

	return res
}

// resolveLastReviewedSHA picks the review baseline: approved-on-head wins
// outright; else the evaluator's own latest decisive review sha; else carry
// the prior item's value forward (possibly empty). Approvals on an older
// commit never match the current head — they force re-review rather than a
// false ready_to_merge or needs_fix.
func resolveLastReviewedSHA(evalResult evaluator.Result, headSHA string, prior *Prior) string {
	if evalResult.AllRequiredApproved && evalResult.LatestReviewSHA == headSHA {
		return headSHA
	}
	if evalResult.LatestReviewSHA != "" {
		return evalResult.LatestReviewSHA
	}
	if prior != nil {
		return prior.LastReviewedSHA
	}
	return ""
}

// IssueObservation is the upstream view of an issue fed into ComputeIssue.
type IssueObservation struct {
	State        string // "open" or "closed" (case-insensitive)
	LinkedPRBody []string
	IssueNumber  int
}

// IssuePrior carries the prior stored status for issue rule resolution.
type IssuePrior struct {
	Status store.Status
}

// IssueResult is the state machine's verdict for one issue observation.
type IssueResult struct {
	Status store.Status
	Action store.Action
}

var closeKeywordRe = regexp.MustCompile(`(?i)\b(closes|fixes|resolves)\s+#(\d+)\b`)

// ComputeIssue classifies one issue observation. LinkedPRBody is the set
// of open PR bodies in the same repo, scanned for a closes/fixes/resolves
// keyword referencing IssueNumber.
func ComputeIssue(obs IssueObservation, prior *IssuePrior) IssueResult {
	if strings.ToLower(obs.State) == "closed" {
		return IssueResult{Status: store.StatusClosed, Action: store.ActionNone}
	}
	if hasClosingReference(obs.LinkedPRBody, obs.IssueNumber) {
		return IssueResult{Status: store.StatusPRCreated, Action: store.ActionNone}
	}
	if prior != nil && prior.Status == store.StatusInProgress {
		return IssueResult{Status: store.StatusInProgress, Action: store.ActionNone}
	}
	return IssueResult{Status: store.StatusOpen, Action: store.ActionNeedsDev}
}

// hasClosingReference reports whether any body contains a closes/fixes/
// resolves keyword immediately followed by "#number" referencing number.
// Only those three keywords count; "addresses #N" or a bare "#N" do not
// link an issue to a PR.
func hasClosingReference(bodies []string, number int) bool {
	for _, body := range bodies {
		for _, m := range closeKeywordRe.FindAllStringSubmatch(body, -1) {
			if m[2] == strconv.Itoa(number) {
				return true
			}
		}
	}
	return false
}
