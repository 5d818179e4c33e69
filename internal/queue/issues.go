package queue

import (
	"sort"
	"strings"
	"time"

	"github.com/openclaw/prsched/internal/apperror"
	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/store"
)

// IssueItem is one dispatchable issue.
type IssueItem struct {
	ItemID         string `json:"itemId"`
	Repo           string `json:"repo"`
	IssueNumber    int    `json:"issueNumber"`
	Title          string `json:"title"`
	Status         string `json:"status"`
	Action         string `json:"action"`
	SuggestedAgent string `json:"suggestedAgent,omitempty"`

	sortUpdated  time.Time
	sortPriority int
}

// QueryIssues serves the needs_dev queue projection: open issues with no
// linked PR and not already claimed or dispatched.
func QueryIssues(db Querier, cfg config.Config, in Input, source string, now time.Time) (Envelope, error) {
	in = in.normalize()
	if in.Action != store.ActionNeedsDev {
		return Envelope{}, apperror.Invalid("invalid action: %s", in.Action)
	}

	effectiveRepos := effectiveRepos(in.Repos, cfg)

	rows, err := db.List(store.Filter{Kind: store.KindIssue, Action: store.ActionNeedsDev})
	if err != nil {
		return Envelope{}, apperror.DBFailed(err)
	}
	scanned := len(rows)

	var selected []IssueItem
	perRepoCount := map[string]int{}

	for _, row := range rows {
		if strings.ToLower(row.GithubState) != "open" {
			continue
		}
		if len(effectiveRepos) > 0 && !containsStr(effectiveRepos, row.Repo) {
			continue
		}

		rc, hasRC := cfg.Repos[row.Repo]
		if hasRC && rc.MaxPerRun > 0 && perRepoCount[row.Repo] >= rc.MaxPerRun {
			continue
		}

		// Issues carry no head revision, so the dev-queue's dispatch record
		// is the claim lease written by the dispatcher; both filters reduce
		// to the lease check, and an expired lease re-enables dispatch.
		if (in.ExcludeAlreadyDispatched || in.ExcludeClaimed) && isClaimed(row, now) {
			continue
		}

		item := IssueItem{
			ItemID:      store.ID(row.Repo, store.KindIssue, row.Number),
			Repo:        row.Repo,
			IssueNumber: row.Number,
			Title:       row.Title,
			Status:      string(row.Status),
			Action:      string(row.Action),
			sortUpdated: row.UpdatedAt,
			sortPriority: func() int {
				if hasRC {
					return rc.Priority
				}
				return 0
			}(),
		}
		if in.includeSuggestedDevAgentForIssues() {
			item.SuggestedAgent = SuggestAgent(row.Title, row.Labels, cfg.DefaultAgent)
		}

		selected = append(selected, item)
		perRepoCount[row.Repo]++
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

	return Envelope{
		GeneratedAt: now.UTC().Format(time.RFC3339),
		Source:      source,
		Queue:       string(in.Action),
		Filters: Filters{
			RequestedRepos: in.Repos,
			EffectiveRepos: effectiveRepos,
			Limit:          in.Limit,
		},
		Counts: Counts{
			Scanned:  scanned,
			Eligible: len(selected),
			Returned: len(returned),
		},
		Issues: returned,
	}, nil
}

// includeSuggestedDevAgentForIssues defaults to true for the issues queue,
// unlike the PR queue's action-scoped default — every dev dispatch wants a
// persona hint.
func (in Input) includeSuggestedDevAgentForIssues() bool {
	if in.IncludeSuggestedDevAgent != nil {
		return *in.IncludeSuggestedDevAgent
	}
	return true
}
