package dispatch

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/openclaw/prsched/internal/agentspawn"
	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/store"
)

// fakeStore mirrors the in-memory fake used by internal/syncengine's tests,
// extended with the dispatch-marker and event-log methods dispatch.Store
// needs.
type fakeStore struct {
	items  map[string]store.Item
	events []store.DispatchEvent
}

func newFakeStore() *fakeStore {
	return &fakeStore{items: map[string]store.Item{}}
}

func (f *fakeStore) List(filter store.Filter) ([]store.Item, error) {
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

func (f *fakeStore) Get(id string) (store.Item, error) {
	item, ok := f.items[id]
	if !ok {
		return store.Item{}, fmt.Errorf("not found: %s", id)
	}
	return item, nil
}

func (f *fakeStore) Upsert(item store.Item) error {
	f.items[item.ID] = item
	return nil
}

func (f *fakeStore) MarkDispatched(id string, kind store.DispatchKind, revision string) error {
	item, ok := f.items[id]
	if !ok {
		return fmt.Errorf("not found: %s", id)
	}
	switch kind {
	case store.DispatchReview:
		item.LastReviewDispatchSHA = revision
	case store.DispatchFix:
		item.LastFixDispatchSHA = revision
		item.Iteration++
	case store.DispatchMerge:
		item.LastMergeDispatchSHA = revision
	case store.DispatchConflict:
		item.LastConflictDispatchSHA = revision
	case store.DispatchStatusFix:
		item.LastStatusFixDispatchSHA = revision
	}
	f.items[id] = item
	return nil
}

func (f *fakeStore) AppendDispatchEvent(e store.DispatchEvent) error {
	f.events = append(f.events, e)
	return nil
}

// fakeSpawner records every Spawn call and can be told to fail for a given
// agentID, so tests can exercise the "failure withholds the marker" path
// without any real transport.
type fakeSpawner struct {
	calls     []string
	failAgent string
}

func (f *fakeSpawner) Spawn(_ context.Context, label, prompt, agentID string, _ time.Duration, _ agentspawn.CleanupPolicy) (agentspawn.Handle, error) {
	f.calls = append(f.calls, label+"|"+agentID)
	if f.failAgent != "" && agentID == f.failAgent {
		return agentspawn.Handle{}, fmt.Errorf("spawn failed for %s", agentID)
	}
	return agentspawn.Handle{ID: "handle-" + agentID}, nil
}

func testConfig() config.Config {
	return config.Config{
		DefaultAgent: "dev-agent",
		Repos: map[string]config.RepoConfig{
			"acme/widgets": {Enabled: true, Priority: 1},
		},
		RequiredReviewers: []config.ReviewerEntry{
			{Login: "alice", Agent: "alice-agent"},
		},
	}
}

func TestRun_MergeDrainedBeforeReview(t *testing.T) {
	db := newFakeStore()
	mergeID := store.ID("acme/widgets", store.KindPR, 1)
	reviewID := store.ID("acme/widgets", store.KindPR, 2)
	db.items[mergeID] = store.Item{
		ID: mergeID, Kind: store.KindPR, Repo: "acme/widgets", Number: 1,
		GithubState: "open", Action: store.ActionReadyToMerge, HeadSHA: "sha1",
	}
	db.items[reviewID] = store.Item{
		ID: reviewID, Kind: store.KindPR, Repo: "acme/widgets", Number: 2,
		GithubState: "open", Action: store.ActionNeedsReview, HeadSHA: "sha2",
	}

	spawner := &fakeSpawner{}
	sched := New(db, testConfig(), spawner)

	summary, err := sched.Run(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(summary.Outcomes) != 2 {
		t.Fatalf("expected 2 outcomes, got %d", len(summary.Outcomes))
	}
	if summary.Outcomes[0].Action != store.ActionReadyToMerge {
		t.Errorf("expected merge dispatched before review, got %s first", summary.Outcomes[0].Action)
	}
	if summary.Outcomes[1].Action != store.ActionNeedsReview {
		t.Errorf("expected review dispatched second, got %s", summary.Outcomes[1].Action)
	}

	merged := db.items[mergeID]
	if merged.LastMergeDispatchSHA != "sha1" {
		t.Errorf("expected merge marker set to sha1, got %q", merged.LastMergeDispatchSHA)
	}
	reviewed := db.items[reviewID]
	if reviewed.LastReviewDispatchSHA != "sha2" {
		t.Errorf("expected review marker set to sha2, got %q", reviewed.LastReviewDispatchSHA)
	}
}

func TestRun_FixDispatchIncrementsIteration(t *testing.T) {
	db := newFakeStore()
	id := store.ID("acme/widgets", store.KindPR, 3)
	db.items[id] = store.Item{
		ID: id, Kind: store.KindPR, Repo: "acme/widgets", Number: 3,
		GithubState: "open", Action: store.ActionNeedsFix, HeadSHA: "sha3",
		Iteration: 1, MaxIterations: 5,
	}

	sched := New(db, testConfig(), &fakeSpawner{})
	if _, err := sched.Run(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	item := db.items[id]
	if item.Iteration != 2 {
		t.Errorf("expected iteration incremented to 2, got %d", item.Iteration)
	}
	if item.LastFixDispatchSHA != "sha3" {
		t.Errorf("expected fix marker sha3, got %q", item.LastFixDispatchSHA)
	}
}

func TestRun_SpawnFailureWithholdsMarkerAndContinues(t *testing.T) {
	db := newFakeStore()
	failID := store.ID("acme/widgets", store.KindPR, 4)
	okID := store.ID("acme/widgets", store.KindPR, 5)
	db.items[failID] = store.Item{
		ID: failID, Kind: store.KindPR, Repo: "acme/widgets", Number: 4,
		GithubState: "open", Action: store.ActionReadyToMerge, HeadSHA: "sha4",
	}
	db.items[okID] = store.Item{
		ID: okID, Kind: store.KindPR, Repo: "acme/widgets", Number: 5,
		GithubState: "open", Action: store.ActionReadyToMerge, HeadSHA: "sha5",
	}

	spawner := &fakeSpawner{failAgent: "dev-agent"}
	sched := New(db, testConfig(), spawner)

	summary, err := sched.Run(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var failed, succeeded int
	for _, o := range summary.Outcomes {
		if o.Err != nil {
			failed++
		} else if o.Dispatched {
			succeeded++
		}
	}
	if failed != 2 || succeeded != 0 {
		t.Fatalf("expected both merges to fail spawning with the shared default agent, got failed=%d succeeded=%d", failed, succeeded)
	}

	// Neither item advanced its dedupe marker, since both spawns failed —
	// the next sync/dispatch tick will retry both automatically.
	if db.items[failID].LastMergeDispatchSHA != "" {
		t.Error("expected no merge marker recorded after a failed spawn")
	}
	if db.items[okID].LastMergeDispatchSHA != "" {
		t.Error("expected no merge marker recorded after a failed spawn")
	}
}

func TestRun_ReviewDispatchesOnePerRequiredReviewer(t *testing.T) {
	db := newFakeStore()
	id := store.ID("acme/widgets", store.KindPR, 6)
	db.items[id] = store.Item{
		ID: id, Kind: store.KindPR, Repo: "acme/widgets", Number: 6,
		GithubState: "open", Action: store.ActionNeedsReview, HeadSHA: "sha6",
	}

	spawner := &fakeSpawner{}
	sched := New(db, testConfig(), spawner)

	if _, err := sched.Run(context.Background(), time.Now().UTC()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// pr.Reviewers carries required-reviewer logins (config.RequiredReviewersFor),
	// and dispatchPR spawns one agent per login directly — the login itself is
	// the agent identity passed to the spawner.
	found := false
	for _, call := range spawner.calls {
		if call == "acme/widgets#6|alice" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a spawn call for reviewer login alice, got calls: %v", spawner.calls)
	}
}
