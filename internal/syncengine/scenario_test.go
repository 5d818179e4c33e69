package syncengine

// End-to-end scenarios: each test drives a real temp-file SQLite store
// through a sequence of sync and dispatch passes with a fake GitHub reader
// and a fake agent-spawn transport, then asserts the final stored row.

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/openclaw/prsched/internal/agentspawn"
	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/dispatch"
	"github.com/openclaw/prsched/internal/ghclient"
	"github.com/openclaw/prsched/internal/store"
)

type countingSpawner struct {
	calls []string
}

func (s *countingSpawner) Spawn(_ context.Context, label, _, agentID string, _ time.Duration, _ agentspawn.CleanupPolicy) (agentspawn.Handle, error) {
	s.calls = append(s.calls, label+"|"+agentID)
	return agentspawn.Handle{ID: "handle-" + agentID}, nil
}

func scenarioDB(t *testing.T) *store.DB {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "scenario.db"))
	if err != nil {
		t.Fatalf("opening scenario db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func scenarioConfig(maxIterations int) config.Config {
	return config.Config{
		DefaultAgent:         "dev-agent",
		DefaultMaxIterations: maxIterations,
		Repos: map[string]config.RepoConfig{
			"acme/widgets": {Enabled: true, Priority: 1},
		},
		RequiredReviewers: []config.ReviewerEntry{
			{Login: "alice"},
			{Login: "bob"},
		},
	}
}

func runSyncPass(t *testing.T, eng *Engine) {
	t.Helper()
	summary, err := eng.Run(context.Background())
	if err != nil {
		t.Fatalf("sync pass: %v", err)
	}
	if !summary.LockAcquired {
		t.Fatal("sync lock unexpectedly held")
	}
	for _, r := range summary.Repos {
		if r.Err != nil {
			t.Fatalf("repo %s sync failed: %v", r.Repo, r.Err)
		}
	}
}

func runDispatchPass(t *testing.T, sched *dispatch.Scheduler) dispatch.Summary {
	t.Helper()
	summary, err := sched.Run(context.Background(), time.Now().UTC())
	if err != nil {
		t.Fatalf("dispatch pass: %v", err)
	}
	return summary
}

func mustGet(t *testing.T, db *store.DB, id string) store.Item {
	t.Helper()
	item, err := db.Get(id)
	if err != nil {
		t.Fatalf("reading %s: %v", id, err)
	}
	return item
}

func obsReview(author, decision, sha string, at int64) ghclient.ReviewObservation {
	return ghclient.ReviewObservation{
		Author:      author,
		Decision:    decision,
		CommitSHA:   sha,
		SubmittedAt: time.Unix(at, 0),
	}
}

// Issue is opened, a dev writes a PR that closes it, both required
// reviewers approve, and the PR becomes ready to merge.
func TestScenario_DevToPRToApproveToMerge(t *testing.T) {
	db := scenarioDB(t)
	cfg := scenarioConfig(5)
	reader := &fakeReader{
		issues: map[string][]ghclient.IssueObservation{
			"acme/widgets": {{Number: 100, Title: "Bug in widget", State: "open"}},
		},
		openPRs: map[string][]ghclient.PRObservation{},
		details: map[string]ghclient.PRObservation{},
	}
	eng := New(reader, db, cfg)
	issueID := store.ID("acme/widgets", store.KindIssue, 100)
	prID := store.ID("acme/widgets", store.KindPR, 200)

	// Pass 1: an open issue with no PR needs dev work.
	runSyncPass(t, eng)
	issue := mustGet(t, db, issueID)
	if issue.Status != store.StatusOpen || issue.Action != store.ActionNeedsDev {
		t.Fatalf("pass 1: expected open/needs_dev, got %s/%s", issue.Status, issue.Action)
	}

	// Pass 2: a PR appears whose body closes the issue.
	reader.openPRs["acme/widgets"] = []ghclient.PRObservation{
		{Number: 200, Title: "Fix widget bug", Body: "Closes #100", HeadSHA: "sha1"},
	}
	reader.details["acme/widgets#200"] = ghclient.PRObservation{
		Number: 200, Title: "Fix widget bug", Body: "Closes #100", State: "open",
		HeadSHA: "sha1", Mergeable: "mergeable", MergeState: "clean",
	}
	runSyncPass(t, eng)

	issue = mustGet(t, db, issueID)
	if issue.Status != store.StatusPRCreated || issue.Action != store.ActionNone {
		t.Errorf("pass 2: expected issue pr_created/none, got %s/%s", issue.Status, issue.Action)
	}
	pr := mustGet(t, db, prID)
	if pr.Status != store.StatusPendingReview || pr.Action != store.ActionNeedsReview {
		t.Errorf("pass 2: expected PR pending_review/needs_review, got %s/%s", pr.Status, pr.Action)
	}

	// Pass 3: both required reviewers approve the head revision.
	d := reader.details["acme/widgets#200"]
	d.Reviews = []ghclient.ReviewObservation{
		obsReview("alice", "approved", "sha1", 1),
		obsReview("bob", "approved", "sha1", 2),
	}
	reader.details["acme/widgets#200"] = d
	runSyncPass(t, eng)

	pr = mustGet(t, db, prID)
	if pr.Status != store.StatusApproved || pr.Action != store.ActionReadyToMerge {
		t.Errorf("pass 3: expected approved/ready_to_merge, got %s/%s", pr.Status, pr.Action)
	}
	if !pr.ShaMatchesReview || pr.LastReviewedSHA != "sha1" {
		t.Errorf("pass 3: expected review baseline sha1 matching head, got %q (match=%v)", pr.LastReviewedSHA, pr.ShaMatchesReview)
	}
}

// A dispatched review is never re-dispatched for the same head revision,
// and a new commit re-enables it.
func TestScenario_DispatchDedupeAcrossPasses(t *testing.T) {
	db := scenarioDB(t)
	cfg := scenarioConfig(5)
	reader := &fakeReader{
		openPRs: map[string][]ghclient.PRObservation{
			"acme/widgets": {{Number: 300, Title: "Refactor pipeline", HeadSHA: "sha3"}},
		},
		details: map[string]ghclient.PRObservation{
			"acme/widgets#300": {
				Number: 300, Title: "Refactor pipeline", State: "open",
				HeadSHA: "sha3", Mergeable: "mergeable", MergeState: "clean",
			},
		},
	}
	eng := New(reader, db, cfg)
	spawner := &countingSpawner{}
	sched := dispatch.New(db, cfg, spawner)
	prID := store.ID("acme/widgets", store.KindPR, 300)

	runSyncPass(t, eng)
	if item := mustGet(t, db, prID); item.Action != store.ActionNeedsReview {
		t.Fatalf("expected needs_review, got %s", item.Action)
	}

	runDispatchPass(t, sched)
	item := mustGet(t, db, prID)
	if item.LastReviewDispatchSHA != "sha3" {
		t.Fatalf("expected review marker sha3 after dispatch, got %q", item.LastReviewDispatchSHA)
	}
	callsAfterFirst := len(spawner.calls)
	if callsAfterFirst == 0 {
		t.Fatal("expected at least one spawn call for the review dispatch")
	}

	// Same observations again: the computed action is suppressed to none and
	// a second dispatch pass spawns nothing.
	runSyncPass(t, eng)
	if item = mustGet(t, db, prID); item.Action != store.ActionNone {
		t.Errorf("expected deduped action none at unchanged head, got %s", item.Action)
	}
	runDispatchPass(t, sched)
	if len(spawner.calls) != callsAfterFirst {
		t.Errorf("expected no new spawns at unchanged head, got %d extra", len(spawner.calls)-callsAfterFirst)
	}

	// A new commit re-enables the review action.
	reader.openPRs["acme/widgets"][0].HeadSHA = "sha4"
	d := reader.details["acme/widgets#300"]
	d.HeadSHA = "sha4"
	reader.details["acme/widgets#300"] = d
	runSyncPass(t, eng)
	if item = mustGet(t, db, prID); item.Action != store.ActionNeedsReview {
		t.Errorf("expected needs_review re-enabled at sha4, got %s", item.Action)
	}
}

// Repeated changes_requested rounds stop producing fix dispatches once the
// iteration cap is spent.
func TestScenario_FixLoopCap(t *testing.T) {
	db := scenarioDB(t)
	cfg := scenarioConfig(3)
	reader := &fakeReader{
		openPRs: map[string][]ghclient.PRObservation{},
		details: map[string]ghclient.PRObservation{},
	}
	eng := New(reader, db, cfg)
	spawner := &countingSpawner{}
	sched := dispatch.New(db, cfg, spawner)
	prID := store.ID("acme/widgets", store.KindPR, 400)

	feedbackRound := func(round int) {
		sha := fmt.Sprintf("sha%d", round)
		reader.openPRs["acme/widgets"] = []ghclient.PRObservation{
			{Number: 400, Title: "Add widget feature", HeadSHA: sha},
		}
		reader.details["acme/widgets#400"] = ghclient.PRObservation{
			Number: 400, Title: "Add widget feature", State: "open",
			HeadSHA: sha, Mergeable: "mergeable", MergeState: "clean",
			Reviews: []ghclient.ReviewObservation{
				obsReview("alice", "changes_requested", sha, int64(round)),
			},
		}
	}

	for round := 1; round <= 3; round++ {
		feedbackRound(round)
		runSyncPass(t, eng)
		item := mustGet(t, db, prID)
		if item.Action != store.ActionNeedsFix {
			t.Fatalf("round %d: expected needs_fix, got %s", round, item.Action)
		}
		runDispatchPass(t, sched)
		item = mustGet(t, db, prID)
		if item.Iteration != round {
			t.Fatalf("round %d: expected iteration %d after fix dispatch, got %d", round, round, item.Iteration)
		}
	}

	// Fourth round of feedback: the cap replaces needs_fix and no further
	// fix dispatch happens.
	feedbackRound(4)
	runSyncPass(t, eng)
	item := mustGet(t, db, prID)
	if item.Action != store.ActionMaxIterationsReached {
		t.Fatalf("expected max_iterations_reached, got %s", item.Action)
	}
	if item.Iteration != 3 {
		t.Errorf("expected iteration to stay at the cap, got %d", item.Iteration)
	}
	callsBefore := len(spawner.calls)
	runDispatchPass(t, sched)
	if len(spawner.calls) != callsBefore {
		t.Errorf("expected no dispatch for a capped item, got %d extra spawns", len(spawner.calls)-callsBefore)
	}
}

// An approved-but-conflicting PR resolves conflicts before anything else;
// once mergeable again on a new head, the stale approvals force re-review.
func TestScenario_ConflictPrecedence(t *testing.T) {
	db := scenarioDB(t)
	cfg := scenarioConfig(5)
	reader := &fakeReader{
		openPRs: map[string][]ghclient.PRObservation{
			"acme/widgets": {{Number: 500, Title: "Rework storage", HeadSHA: "sha1"}},
		},
		details: map[string]ghclient.PRObservation{
			"acme/widgets#500": {
				Number: 500, Title: "Rework storage", State: "open",
				HeadSHA: "sha1", Mergeable: "conflicting", MergeState: "dirty",
				Reviews: []ghclient.ReviewObservation{
					obsReview("alice", "approved", "sha1", 1),
					obsReview("bob", "approved", "sha1", 2),
				},
			},
		},
	}
	eng := New(reader, db, cfg)
	prID := store.ID("acme/widgets", store.KindPR, 500)

	runSyncPass(t, eng)
	item := mustGet(t, db, prID)
	if item.Status != store.StatusConflicting || item.Action != store.ActionNeedsConflictResolve {
		t.Fatalf("expected conflicting/needs_conflict_resolution despite approvals, got %s/%s", item.Status, item.Action)
	}

	// Conflict resolution pushes sha5; reviews are unchanged (still on sha1),
	// so the PR needs a fresh review rather than going straight to merge.
	reader.openPRs["acme/widgets"][0].HeadSHA = "sha5"
	d := reader.details["acme/widgets#500"]
	d.HeadSHA = "sha5"
	d.Mergeable = "mergeable"
	d.MergeState = "clean"
	reader.details["acme/widgets#500"] = d
	runSyncPass(t, eng)

	item = mustGet(t, db, prID)
	if item.Status != store.StatusPendingReview || item.Action != store.ActionNeedsReview {
		t.Errorf("expected pending_review/needs_review after conflict resolution, got %s/%s", item.Status, item.Action)
	}
}

// A ready_to_merge dispatch records a dispatch event and survives a
// subsequent reconciliation once the PR merges upstream.
func TestScenario_MergeDispatchThenReconcile(t *testing.T) {
	db := scenarioDB(t)
	cfg := scenarioConfig(5)
	reader := &fakeReader{
		openPRs: map[string][]ghclient.PRObservation{
			"acme/widgets": {{Number: 600, Title: "Tighten validation", HeadSHA: "sha1"}},
		},
		details: map[string]ghclient.PRObservation{
			"acme/widgets#600": {
				Number: 600, Title: "Tighten validation", State: "open",
				HeadSHA: "sha1", Mergeable: "mergeable", MergeState: "clean",
				Reviews: []ghclient.ReviewObservation{
					obsReview("alice", "approved", "sha1", 1),
					obsReview("bob", "approved", "sha1", 2),
				},
			},
		},
	}
	eng := New(reader, db, cfg)
	spawner := &countingSpawner{}
	sched := dispatch.New(db, cfg, spawner)
	prID := store.ID("acme/widgets", store.KindPR, 600)

	runSyncPass(t, eng)
	if item := mustGet(t, db, prID); item.Action != store.ActionReadyToMerge {
		t.Fatalf("expected ready_to_merge, got %s", item.Action)
	}

	runDispatchPass(t, sched)
	item := mustGet(t, db, prID)
	if item.LastMergeDispatchSHA != "sha1" {
		t.Fatalf("expected merge marker sha1, got %q", item.LastMergeDispatchSHA)
	}
	events, err := db.ListDispatchEvents(prID)
	if err != nil {
		t.Fatalf("listing dispatch events: %v", err)
	}
	if len(events) == 0 || events[len(events)-1].Outcome != "dispatched" {
		t.Errorf("expected a dispatched event recorded, got %+v", events)
	}

	// The merge agent lands the PR upstream; the next sync reconciles it.
	reader.openPRs["acme/widgets"] = nil
	d := reader.details["acme/widgets#600"]
	d.State = "closed"
	d.Merged = true
	reader.details["acme/widgets#600"] = d
	runSyncPass(t, eng)

	item = mustGet(t, db, prID)
	if item.GithubState != "merged" || item.Status != store.StatusMerged || item.Action != store.ActionNone {
		t.Errorf("expected merged/merged/none after reconciliation, got %s/%s/%s", item.GithubState, item.Status, item.Action)
	}
}
