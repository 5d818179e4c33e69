package queue

import (
	"testing"
	"time"

	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/store"
)

type fakeDB struct {
	items []store.Item
}

func (f *fakeDB) List(filter store.Filter) ([]store.Item, error) {
	var out []store.Item
	for _, it := range f.items {
		if filter.Kind != "" && it.Kind != filter.Kind {
			continue
		}
		if filter.Action != "" && it.Action != filter.Action {
			continue
		}
		out = append(out, it)
	}
	return out, nil
}

func testCfg() config.Config {
	return config.Config{
		DefaultAgent: "dev-agent",
		Repos: map[string]config.RepoConfig{
			"acme/widgets": {Enabled: true, Priority: 5},
		},
	}
}

func TestQueryPRs_InvalidAction(t *testing.T) {
	_, err := QueryPRs(&fakeDB{}, testCfg(), Input{Action: store.ActionNeedsDev}, "test.db", time.Now())
	if err == nil {
		t.Fatal("expected error for non-PR action")
	}
}

func TestQueryPRs_FiltersClosedAndDispatched(t *testing.T) {
	now := time.Now()
	items := []store.Item{
		{ID: "a", Kind: store.KindPR, Repo: "acme/widgets", Number: 1, GithubState: "open",
			Action: store.ActionNeedsReview, HeadSHA: "sha1", UpdatedAt: now},
		{ID: "b", Kind: store.KindPR, Repo: "acme/widgets", Number: 2, GithubState: "closed",
			Action: store.ActionNeedsReview, HeadSHA: "sha2", UpdatedAt: now},
		{ID: "c", Kind: store.KindPR, Repo: "acme/widgets", Number: 3, GithubState: "open",
			Action: store.ActionNeedsReview, HeadSHA: "sha3", LastReviewDispatchSHA: "sha3", UpdatedAt: now},
	}
	env, err := QueryPRs(&fakeDB{items: items}, testCfg(), Input{
		Action: store.ActionNeedsReview, ExcludeAlreadyDispatched: true,
	}, "test.db", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.PRs) != 1 || env.PRs[0].ItemID != "acme/widgets#pr#1" {
		t.Fatalf("expected only item a, got %+v", env.PRs)
	}
	if env.Counts.Scanned != 2 {
		t.Errorf("expected scanned=2 (closed row excluded before counting), got %d", env.Counts.Scanned)
	}
}

func TestQueryPRs_SortOrder(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)
	items := []store.Item{
		{ID: "z", Kind: store.KindPR, Repo: "acme/widgets", Number: 9, GithubState: "open",
			Action: store.ActionNeedsReview, HeadSHA: "s9", UpdatedAt: t1},
		{ID: "a", Kind: store.KindPR, Repo: "acme/widgets", Number: 1, GithubState: "open",
			Action: store.ActionNeedsReview, HeadSHA: "s1", UpdatedAt: t0},
	}
	env, err := QueryPRs(&fakeDB{items: items}, testCfg(), Input{Action: store.ActionNeedsReview}, "test.db", t1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.PRs) != 2 || env.PRs[0].PRNumber != 1 {
		t.Fatalf("expected oldest-updated first, got %+v", env.PRs)
	}
}

func TestQueryPRs_MaxIterationsReached(t *testing.T) {
	now := time.Now()
	items := []store.Item{
		{ID: "a", Kind: store.KindPR, Repo: "acme/widgets", Number: 1, GithubState: "open",
			Action: store.ActionMaxIterationsReached, Iteration: 5, MaxIterations: 5, UpdatedAt: now},
		{ID: "b", Kind: store.KindPR, Repo: "acme/widgets", Number: 2, GithubState: "open",
			Action: store.ActionNeedsFix, Iteration: 2, MaxIterations: 5, UpdatedAt: now},
	}
	env, err := QueryPRs(&fakeDB{items: items}, testCfg(), Input{Action: store.ActionMaxIterationsReached}, "test.db", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.PRs) != 1 || env.PRs[0].PRNumber != 1 {
		t.Fatalf("expected only the capped item, got %+v", env.PRs)
	}
}

func TestQueryIssues_ExcludesClaimed(t *testing.T) {
	now := time.Now()
	items := []store.Item{
		{ID: "a", Kind: store.KindIssue, Repo: "acme/widgets", Number: 10, GithubState: "open",
			Action: store.ActionNeedsDev, UpdatedAt: now},
		{ID: "b", Kind: store.KindIssue, Repo: "acme/widgets", Number: 11, GithubState: "open",
			Action: store.ActionNeedsDev, UpdatedAt: now, AssignedAgent: "dev-agent", LockExpires: now.Add(time.Hour)},
	}
	env, err := QueryIssues(&fakeDB{items: items}, testCfg(), Input{
		Action: store.ActionNeedsDev, ExcludeClaimed: true,
	}, "test.db", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.Issues) != 1 || env.Issues[0].IssueNumber != 10 {
		t.Fatalf("expected only unclaimed issue, got %+v", env.Issues)
	}
}

func TestSuggestAgent(t *testing.T) {
	cases := []struct {
		title  string
		labels []string
		want   string
	}{
		{"Fix React button styling", nil, "frontend-dev"},
		{"Add Postgres migration", nil, "backend-dev"},
		{"Update README typo", nil, "dev-agent"},
		{"Fix rendering glitch", []string{"frontend"}, "frontend-dev"},
		{"Speed up queries", []string{"database", "performance"}, "backend-dev"},
		{"Tidy changelog", []string{"docs"}, "dev-agent"},
	}
	for _, tc := range cases {
		if got := SuggestAgent(tc.title, tc.labels, "dev-agent"); got != tc.want {
			t.Errorf("SuggestAgent(%q, %v) = %q, want %q", tc.title, tc.labels, got, tc.want)
		}
	}
}

func TestQueryPRs_SuggestedAgentUsesLabels(t *testing.T) {
	now := time.Now()
	items := []store.Item{
		{ID: "a", Kind: store.KindPR, Repo: "acme/widgets", Number: 1, GithubState: "open",
			Action: store.ActionNeedsFix, HeadSHA: "sha1", Title: "Polish rendering",
			Labels: []string{"frontend"}, MaxIterations: 5, UpdatedAt: now},
	}
	env, err := QueryPRs(&fakeDB{items: items}, testCfg(), Input{Action: store.ActionNeedsFix}, "test.db", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.PRs) != 1 || env.PRs[0].SuggestedDevAgent != "frontend-dev" {
		t.Fatalf("expected label-driven frontend-dev suggestion, got %+v", env.PRs)
	}
}

func TestQuery_RoutesByAction(t *testing.T) {
	now := time.Now()
	items := []store.Item{
		{ID: "a", Kind: store.KindIssue, Repo: "acme/widgets", Number: 1, GithubState: "open",
			Action: store.ActionNeedsDev, UpdatedAt: now},
	}
	env, err := Query(&fakeDB{items: items}, testCfg(), Input{Action: store.ActionNeedsDev}, "test.db", now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.Issues) != 1 {
		t.Fatalf("expected routed to issue queue, got %+v", env)
	}

	if _, err := Query(&fakeDB{}, testCfg(), Input{Action: store.Action("bogus")}, "test.db", now); err == nil {
		t.Fatal("expected error for unknown action")
	}
}
