// Package queue is the read-side projection layer consumed by the dispatch
// scheduler (and, diagnostically, by the CLI): "give me the items needing
// action X", ordered oldest-updated first, then repo priority, then id,
// with dedupe-marker and claim filtering applied before the limit.
package queue

import (
	"sort"
	"strings"
	"time"

	"github.com/openclaw/prsched/internal/apperror"
	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/store"
)

// MaxLimit is the hard cap on returned items for any single query,
// regardless of the caller's limit.
const MaxLimit = 200

// PRActions is the set of actions the PR-side queue recognizes.
var PRActions = map[store.Action]bool{
	store.ActionNeedsReview:          true,
	store.ActionNeedsFix:             true,
	store.ActionNeedsConflictResolve: true,
	store.ActionNeedsStatusFix:       true,
	store.ActionReadyToMerge:         true,
	store.ActionMaxIterationsReached: true,
}

// dispatchTypeOf maps a PR action to the dispatch-queue label the scheduler
// uses. max_iterations_reached has no dispatcher (it's a terminal alert
// state), hence "alert".
func dispatchTypeOf(a store.Action) string {
	switch a {
	case store.ActionNeedsReview:
		return "review"
	case store.ActionNeedsFix:
		return "fix"
	case store.ActionNeedsConflictResolve:
		return "conflict"
	case store.ActionNeedsStatusFix:
		return "status_fix"
	case store.ActionReadyToMerge:
		return "merge"
	case store.ActionMaxIterationsReached:
		return "alert"
	default:
		return ""
	}
}

// devAgentDefaultActions is the set of actions for which a
// suggested-dev-agent hint is included unless the caller explicitly
// overrides it.
var devAgentDefaultActions = map[store.Action]bool{
	store.ActionNeedsFix:             true,
	store.ActionNeedsConflictResolve: true,
}

// Input is the query envelope's input side. The CLI and the dispatch
// scheduler both pass ExcludeAlreadyDispatched=true; a zero Input disables
// the dedupe filter, which is only useful for diagnostic inspection.
type Input struct {
	Action                   store.Action
	Repos                    []string
	Limit                    int
	ExcludeAlreadyDispatched bool
	ExcludeClaimed           bool
	IncludeMeta              bool
	IncludeSuggestedDevAgent *bool
}

// normalize applies the default and the hard cap to the caller's limit.
func (in Input) normalize() Input {
	out := in
	if out.Limit <= 0 {
		out.Limit = 20
	}
	if out.Limit > MaxLimit {
		out.Limit = MaxLimit
	}
	return out
}

func (in Input) includeSuggestedDevAgent() bool {
	if in.IncludeSuggestedDevAgent != nil {
		return *in.IncludeSuggestedDevAgent
	}
	return devAgentDefaultActions[in.Action]
}

// Filters echoes the effective query parameters back to the caller.
type Filters struct {
	RequestedRepos []string `json:"requestedRepos"`
	EffectiveRepos []string `json:"effectiveRepos"`
	Limit          int      `json:"limit"`
}

// Counts reports how many rows were scanned, survived filtering, and were
// actually returned (after the limit was applied).
type Counts struct {
	Scanned  int `json:"scanned"`
	Eligible int `json:"eligible"`
	Returned int `json:"returned"`
}

// DispatchState surfaces the raw dedupe markers for diagnostic callers.
type DispatchState struct {
	LastReviewDispatchSHA   string `json:"lastReviewDispatchSha,omitempty"`
	LastFixDispatchSHA      string `json:"lastFixDispatchSha,omitempty"`
	LastMergeDispatchSHA    string `json:"lastMergeDispatchSha,omitempty"`
	LastConflictDispatchSHA string `json:"lastConflictDispatchSha,omitempty"`
}

// PRItem is one dispatchable pull request, shaped for the scheduler and for
// the diagnostic CLI.
type PRItem struct {
	ItemID            string         `json:"itemId"`
	Repo              string         `json:"repo"`
	PRNumber          int            `json:"prNumber"`
	Title             string         `json:"title"`
	HeadSHA           string         `json:"headSha"`
	HeadRefName       string         `json:"headRefName,omitempty"`
	Status            string         `json:"status"`
	DispatchType      string         `json:"dispatchType"`
	Reviewers         []string       `json:"reviewers,omitempty"`
	SuggestedDevAgent string         `json:"suggestedDevAgent,omitempty"`
	HasConflicts      *bool          `json:"hasConflicts,omitempty"`
	AllApproved       *bool          `json:"allReviewersApproved,omitempty"`
	AnyChanges        *bool          `json:"anyChangesRequested,omitempty"`
	LastReviewedSHA   string         `json:"lastReviewedSha,omitempty"`
	Iteration         int            `json:"iteration,omitempty"`
	DispatchState     *DispatchState `json:"dispatchState,omitempty"`

	sortUpdated  time.Time
	sortPriority int
}

// Envelope is the full query result.
type Envelope struct {
	GeneratedAt string      `json:"generatedAt"`
	Source      string      `json:"source"`
	Queue       string      `json:"queue"`
	Filters     Filters     `json:"filters"`
	Counts      Counts      `json:"counts"`
	PRs         []PRItem    `json:"prs,omitempty"`
	Issues      []IssueItem `json:"issues,omitempty"`
}

// Querier is the minimal store surface the queue layer reads through,
// narrow enough to fake in tests without a real SQLite file.
type Querier interface {
	List(store.Filter) ([]store.Item, error)
}

// QueryPRs serves one of the PR-side queue projections (review, fix,
// conflict, status_fix, merge, max_iterations_reached). now is supplied by
// the caller rather than read from the clock so the function stays pure
// and testable.
func QueryPRs(db Querier, cfg config.Config, in Input, source string, now time.Time) (Envelope, error) {
	in = in.normalize()
	if !PRActions[in.Action] {
		return Envelope{}, apperror.Invalid("invalid action: %s", in.Action)
	}

	effectiveRepos := effectiveRepos(in.Repos, cfg)

	var filter store.Filter
	if in.Action == store.ActionMaxIterationsReached {
		filter = store.Filter{Kind: store.KindPR}
	} else {
		filter = store.Filter{Kind: store.KindPR, Action: in.Action}
	}
	rows, err := db.List(filter)
	if err != nil {
		return Envelope{}, apperror.DBFailed(err)
	}

	scanned := 0
	reviewersCache := map[string][]string{}
	var selected []PRItem

	for _, row := range rows {
		if strings.ToLower(row.GithubState) != "open" {
			continue
		}
		if in.Action == store.ActionMaxIterationsReached {
			if row.Iteration < row.MaxIterations {
				continue
			}
		}
		scanned++

		if len(effectiveRepos) > 0 && !containsStr(effectiveRepos, row.Repo) {
			continue
		}

		if in.ExcludeAlreadyDispatched && dispatchDedupSkip(in.Action, row) {
			continue
		}
		if in.ExcludeClaimed && isClaimed(row, now) {
			continue
		}

		item := PRItem{
			ItemID:       store.ID(row.Repo, store.KindPR, row.Number),
			Repo:         row.Repo,
			PRNumber:     row.Number,
			Title:        row.Title,
			HeadSHA:      row.HeadSHA,
			HeadRefName:  row.HeadRefName,
			Status:       string(row.Action),
			DispatchType: dispatchTypeOf(in.Action),
			sortUpdated:  row.UpdatedAt,
			sortPriority: repoPriority(cfg, row.Repo),
		}

		if in.IncludeMeta {
			hasConflicts := row.HasConflicts
			allApproved := row.AllReviewersApproved
			anyChanges := row.AnyChangesRequested
			item.HasConflicts = &hasConflicts
			item.AllApproved = &allApproved
			item.AnyChanges = &anyChanges
			item.LastReviewedSHA = row.LastReviewedSHA
			item.Iteration = row.Iteration
			item.DispatchState = &DispatchState{
				LastReviewDispatchSHA:   row.LastReviewDispatchSHA,
				LastFixDispatchSHA:      row.LastFixDispatchSHA,
				LastMergeDispatchSHA:    row.LastMergeDispatchSHA,
				LastConflictDispatchSHA: row.LastConflictDispatchSHA,
			}
		}

		if in.Action == store.ActionNeedsReview {
			if _, ok := reviewersCache[row.Repo]; !ok {
				reviewersCache[row.Repo] = cfg.RequiredReviewersFor(row.Repo)
			}
			item.Reviewers = reviewersCache[row.Repo]
		}

		if in.includeSuggestedDevAgent() {
			item.SuggestedDevAgent = SuggestAgent(row.Title, row.Labels, cfg.DefaultAgent)
		}

		selected = append(selected, item)
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
		PRs: returned,
	}, nil
}

// dispatchDedupSkip reports whether action's dispatch marker already equals
// the item's current head revision, meaning the scheduler already dispatched
// this exact revision and should not see it again until the row's Action
// field itself is refreshed by the next sync pass.
func dispatchDedupSkip(action store.Action, row store.Item) bool {
	if row.HeadSHA == "" {
		return false
	}
	kind, ok := store.ActionDispatchKind(action)
	if !ok {
		return false
	}
	return row.DispatchMarker(kind) == row.HeadSHA
}

// isClaimed reports whether row carries an unexpired lease.
func isClaimed(row store.Item, now time.Time) bool {
	if row.AssignedAgent == "" {
		return false
	}
	if row.LockExpires.IsZero() {
		return true
	}
	return row.LockExpires.After(now)
}

// effectiveRepos returns the requested repos deduplicated and sorted, or the
// enabled repos when none are requested. A requested repo is not checked
// against its enabled flag.
func effectiveRepos(requested []string, cfg config.Config) []string {
	if len(requested) > 0 {
		return dedupSorted(requested)
	}
	return dedupSorted(cfg.EnabledRepos())
}

func dedupSorted(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range in {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

func repoPriority(cfg config.Config, repo string) int {
	rc, ok := cfg.Repos[repo]
	if !ok {
		return 0
	}
	return rc.Priority
}

func containsStr(haystack []string, needle string) bool {
	for _, s := range haystack {
		if s == needle {
			return true
		}
	}
	return false
}

// SuggestAgent maps an item's title and labels to one of a small set of
// developer personas by keyword matching. This is a heuristic hint, not a
// contract callers can rely on.
func SuggestAgent(title string, labels []string, defaultAgent string) string {
	text := strings.ToLower(title + " " + strings.Join(labels, " "))
	frontendTerms := []string{"frontend", "ui", "ux", "react", "css", "tailwind", "nextjs", "next.js"}
	backendTerms := []string{"backend", "api", "db", "database", "sql", "postgres", "migration", "fastapi", "django"}

	for _, t := range frontendTerms {
		if strings.Contains(text, t) {
			return "frontend-dev"
		}
	}
	for _, t := range backendTerms {
		if strings.Contains(text, t) {
			return "backend-dev"
		}
	}
	return defaultAgent
}
