// Package syncengine runs the per-repo reconciliation pass: fetch upstream
// observations, run them through the pure state machine and dedupe/iteration
// gates, and persist the result. It is the only writer of computed fields;
// dispatch markers are written exclusively by internal/dispatch.
package syncengine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/ghclient"
	"github.com/openclaw/prsched/internal/store"
)

// LockName is the advisory lock name the engine serializes sync passes on.
const LockName = "sync"

// DefaultLockTTL bounds how long a crashed holder keeps the sync lock.
const DefaultLockTTL = 10 * time.Minute

// Reader is the GitHub read surface the engine needs, narrow enough to fake
// in tests. internal/ghclient.Client satisfies it directly.
type Reader interface {
	FetchOpenIssues(ctx context.Context, owner, repo string) ([]ghclient.IssueObservation, error)
	FetchOpenPRs(ctx context.Context, owner, repo string) ([]ghclient.PRObservation, error)
	FetchPRDetail(ctx context.Context, owner, repo string, number int) (ghclient.PRObservation, error)
}

// Store is the durable-store surface the engine reads and writes through.
type Store interface {
	Acquire(name, owner string, ttl time.Duration) (bool, error)
	Release(name, owner string) error
	Get(id string) (store.Item, error)
	Upsert(item store.Item) error
	List(filter store.Filter) ([]store.Item, error)
	AppendSyncLog(e store.SyncLogEntry) error
}

// Engine runs sync passes across the repos enabled in cfg.
type Engine struct {
	reader  Reader
	db      Store
	cfg     config.Config
	logger  *slog.Logger
	lockTTL time.Duration
	workers int
}

// Option configures an Engine at construction time.
type Option func(*Engine)

// WithLockTTL overrides DefaultLockTTL.
func WithLockTTL(ttl time.Duration) Option {
	return func(e *Engine) { e.lockTTL = ttl }
}

// WithWorkers bounds the number of repos (and, within each repo, PR detail
// fetches) processed concurrently. Defaults to 8.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.workers = n
		}
	}
}

// WithLogger overrides the default logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// New constructs an Engine.
func New(reader Reader, db Store, cfg config.Config, opts ...Option) *Engine {
	e := &Engine{
		reader:  reader,
		db:      db,
		cfg:     cfg,
		logger:  slog.Default(),
		lockTTL: DefaultLockTTL,
		workers: 8,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RepoResult is one repo's outcome within a Run.
type RepoResult struct {
	Repo     string
	Scanned  int
	Eligible int
	Err      error
}

// Summary is the aggregate result of one Run.
type Summary struct {
	LockAcquired bool
	Repos        []RepoResult
}

// Run executes a single sync pass across every enabled repo. If the sync
// lock is already held, Run returns a zero Summary with LockAcquired=false
// and a nil error — a held lock is an expected condition (another instance
// is mid-pass), not a failure.
func (e *Engine) Run(ctx context.Context) (Summary, error) {
	owner := uuid.New().String()
	acquired, err := e.db.Acquire(LockName, owner, e.lockTTL)
	if err != nil {
		return Summary{}, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !acquired {
		e.logger.Info("sync lock held by another process, skipping pass")
		return Summary{}, nil
	}
	defer func() {
		if err := e.db.Release(LockName, owner); err != nil {
			e.logger.Warn("releasing sync lock", "error", err)
		}
	}()

	repos := e.cfg.EnabledRepos()

	group, gctx := errgroup.WithContext(ctx)
	group.SetLimit(e.workers)

	results := make([]RepoResult, len(repos))
	for i, repo := range repos {
		i, repo := i, repo
		group.Go(func() error {
			result := e.syncRepo(gctx, repo)
			results[i] = result
			if result.Err != nil {
				e.logger.Warn("sync repo failed", "repo", repo, "error", result.Err)
			}
			if logErr := e.db.AppendSyncLog(store.SyncLogEntry{
				Repo:       repo,
				StartedAt:  time.Now().UTC(),
				FinishedAt: time.Now().UTC(),
				Scanned:    result.Scanned,
				Eligible:   result.Eligible,
				Errors:     errString(result.Err),
			}); logErr != nil {
				e.logger.Warn("appending sync log", "repo", repo, "error", logErr)
			}
			return nil // per-repo failures never halt the pass
		})
	}
	// group.Wait never returns an error here since syncRepo's own goroutine
	// always returns nil; failures are captured per-repo in results instead.
	_ = group.Wait()

	return Summary{LockAcquired: true, Repos: results}, nil
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
