// Command prsched is the process shell for the PR workflow scheduler: it
// loads configuration, opens the durable store, and either runs the
// long-lived sync+dispatch loop ("serve") or executes one diagnostic
// subcommand and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/openclaw/prsched/internal/agentspawn"
	"github.com/openclaw/prsched/internal/apperror"
	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/credentials"
	"github.com/openclaw/prsched/internal/dispatch"
	"github.com/openclaw/prsched/internal/ghclient"
	"github.com/openclaw/prsched/internal/queue"
	"github.com/openclaw/prsched/internal/store"
	"github.com/openclaw/prsched/internal/syncengine"
)

var version = "dev"

func usage() {
	fmt.Fprintf(os.Stderr, `prsched — pull-request workflow scheduler

Usage:
  prsched serve [flags]              Run the sync+dispatch loop until signaled
  prsched get_open_prs [flags]       Query a PR action queue (JSON on stdout)
  prsched get_open_issues [flags]    Query the needs_dev issue queue
  prsched submit_pr [flags]          Open a pull request
  prsched submit_pr_review [flags]   Submit a VERDICT-prefixed PR review
  prsched merge [flags]              Merge a pull request
  prsched version                    Print the version and exit

Flags for serve, get_open_prs and get_open_issues:
  --config PATH        Path to the YAML workflow config (default: ~/.prsched/config.yaml)
  --db PATH            Path to the SQLite workflow store (default: ~/.prsched/prsched.db)

Run "prsched <subcommand> -h" for subcommand-specific flags.
`)
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	subcmd := os.Args[1]
	rest := os.Args[2:]

	var err error
	switch subcmd {
	case "serve":
		err = runServe(rest)
	case "get_open_prs":
		err = runGetOpenPRs(rest)
	case "get_open_issues":
		err = runGetOpenIssues(rest)
	case "submit_pr":
		err = runSubmitPR(rest)
	case "submit_pr_review":
		err = runSubmitPRReview(rest)
	case "merge":
		err = runMerge(rest)
	case "--version", "version":
		fmt.Println("prsched " + version)
		return
	case "help", "-h", "--help":
		usage()
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\n", subcmd)
		usage()
		os.Exit(1)
	}

	if err != nil {
		emitError(err)
		os.Exit(1)
	}
}

// emitError prints the JSON error envelope to stdout as a single line;
// the caller exits 1 afterwards.
func emitError(err error) {
	env := apperror.ToEnvelope(err)
	data, marshalErr := json.Marshal(env)
	if marshalErr != nil {
		fmt.Fprintf(os.Stderr, "prsched: %v\n", err)
		return
	}
	fmt.Println(string(data))
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		path = defaultConfigPath()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, apperror.Wrap(apperror.CodeConfigError, "loading config", err)
	}
	return cfg, nil
}

func defaultConfigPath() string {
	dir := credentials.DefaultPath()
	return dir + "/config.yaml"
}

func openStore(path string) (*store.DB, error) {
	if path == "" {
		defPath, err := store.DefaultPath()
		if err != nil {
			return nil, apperror.Wrap(apperror.CodeDBUnavailable, "resolving default db path", err)
		}
		path = defPath
	}
	db, err := store.Open(path)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeDBUnavailable, "opening database", err)
	}
	return db, nil
}

// runServe runs the sync pass and dispatch pass back-to-back on a timer
// until the process receives SIGINT/SIGTERM.
func runServe(args []string) error {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to workflow config")
	dbPath := fs.String("db", "", "path to sqlite workflow store")
	interval := fs.Duration("interval", 2*time.Minute, "time between sync+dispatch ticks")
	agentID := fs.String("agent-id", "", "agent identity used to resolve GitHub/agent-spawn credentials")
	if err := fs.Parse(args); err != nil {
		return apperror.Invalid("parsing flags: %v", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}

	db, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	creds, err := credentials.Resolve(credentials.DefaultPath(), *agentID)
	if err != nil {
		return apperror.Wrap(apperror.CodeConfigError, "resolving credentials", err)
	}

	reader, err := newGithubClient(creds)
	if err != nil {
		return err
	}

	spawner := agentspawn.New(creds.AgentSpawnBaseURL, creds.AgentSpawnAPIKey)

	logger := slog.Default()
	engine := syncengine.New(reader, db, cfg, syncengine.WithLogger(logger))
	scheduler := dispatch.New(db, cfg, spawner, dispatch.WithLogger(logger))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	runPass(ctx, logger, engine, scheduler)
	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			return nil
		case <-ticker.C:
			runPass(ctx, logger, engine, scheduler)
		}
	}
}

// runPass executes one sync pass followed by one dispatch pass. Errors from
// either are logged, never fatal — the outer loop always survives to retry
// on the next tick.
func runPass(ctx context.Context, logger *slog.Logger, engine *syncengine.Engine, scheduler *dispatch.Scheduler) {
	syncSummary, err := engine.Run(ctx)
	if err != nil {
		logger.Error("sync pass failed", "error", err)
		return
	}
	if !syncSummary.LockAcquired {
		return
	}
	for _, r := range syncSummary.Repos {
		if r.Err != nil {
			logger.Warn("repo sync failed", "repo", r.Repo, "error", r.Err)
		}
	}

	dispatchSummary, err := scheduler.Run(ctx, time.Now().UTC())
	if err != nil {
		logger.Error("dispatch pass failed", "error", err)
		return
	}
	for _, o := range dispatchSummary.Outcomes {
		if o.Err != nil {
			logger.Warn("dispatch failed", "item", o.ItemID, "action", o.Action, "error", o.Err)
		}
	}
}

func newGithubClient(creds credentials.Credentials) (*ghclient.Client, error) {
	var opts []ghclient.Option
	if creds.HasGithubApp() {
		opts = append(opts, ghclient.WithAppAuth(ghclient.AppCredentials{
			ClientID:       creds.GithubAppClientID,
			InstallationID: creds.GithubAppInstallationID,
			PrivateKeyPath: creds.GithubAppPrivateKeyPath,
		}))
	}
	client, err := ghclient.New(creds.GithubToken, opts...)
	if err != nil {
		return nil, apperror.Wrap(apperror.CodeConfigError, "constructing GitHub client", err)
	}
	return client, nil
}

// runGetOpenPRs serves one of the PR-side queue projections, printing the
// result (success or error) as a single JSON line on stdout.
func runGetOpenPRs(args []string) error {
	fs := flag.NewFlagSet("get_open_prs", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to workflow config")
	dbPath := fs.String("db", "", "path to sqlite workflow store")
	action := fs.String("action", "", "queue action: needs_review|needs_fix|needs_conflict_resolution|needs_status_fix|ready_to_merge|max_iterations_reached")
	reposCSV := fs.String("repos", "", "comma-separated repo allowlist (default: all enabled repos)")
	limit := fs.Int("limit", 20, "max items to return")
	excludeDispatched := fs.Bool("exclude-already-dispatched", true, "exclude items already dispatched at their current head revision")
	excludeClaimed := fs.Bool("exclude-claimed", true, "exclude items with an unexpired claim")
	includeMeta := fs.Bool("include-meta", false, "include full review/conflict metadata per item")
	includeSuggested := fs.Bool("include-suggested-dev-agent", false, "force the suggested-dev-agent hint on or off (default: on for the fix and conflict queues)")
	if err := fs.Parse(args); err != nil {
		return apperror.Invalid("parsing flags: %v", err)
	}

	if *action == "" {
		return apperror.Invalid("--action is required")
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	db, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	in := queue.Input{
		Action:                   store.Action(*action),
		Repos:                    splitCSV(*reposCSV),
		Limit:                    *limit,
		ExcludeAlreadyDispatched: *excludeDispatched,
		ExcludeClaimed:           *excludeClaimed,
		IncludeMeta:              *includeMeta,
	}
	// Only an explicitly passed flag overrides the queue's per-action default.
	fs.Visit(func(f *flag.Flag) {
		if f.Name == "include-suggested-dev-agent" {
			in.IncludeSuggestedDevAgent = includeSuggested
		}
	})

	env, err := queue.QueryPRs(db, cfg, in, dbSourceLabel(*dbPath), time.Now().UTC())
	if err != nil {
		return err
	}

	return printJSON(env)
}

// runGetOpenIssues serves the needs_dev queue projection.
func runGetOpenIssues(args []string) error {
	fs := flag.NewFlagSet("get_open_issues", flag.ContinueOnError)
	configPath := fs.String("config", "", "path to workflow config")
	dbPath := fs.String("db", "", "path to sqlite workflow store")
	reposCSV := fs.String("repos", "", "comma-separated repo allowlist (default: all enabled repos)")
	limit := fs.Int("limit", 20, "max items to return")
	excludeClaimed := fs.Bool("exclude-claimed", true, "exclude issues with an unexpired claim")
	if err := fs.Parse(args); err != nil {
		return apperror.Invalid("parsing flags: %v", err)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		return err
	}
	db, err := openStore(*dbPath)
	if err != nil {
		return err
	}
	defer db.Close()

	env, err := queue.QueryIssues(db, cfg, queue.Input{
		Action:                   store.ActionNeedsDev,
		Repos:                    splitCSV(*reposCSV),
		Limit:                    *limit,
		ExcludeAlreadyDispatched: true,
		ExcludeClaimed:           *excludeClaimed,
	}, dbSourceLabel(*dbPath), time.Now().UTC())
	if err != nil {
		return err
	}

	return printJSON(env)
}

// runSubmitPR opens a pull request through the GitHub writer adapter — the
// counterpart to submit_pr_review/merge for the dev-agent side of a dispatch.
func runSubmitPR(args []string) error {
	fs := flag.NewFlagSet("submit_pr", flag.ContinueOnError)
	repo := fs.String("repo", "", "owner/repo")
	title := fs.String("title", "", "pull request title")
	head := fs.String("head", "", "head branch (the agent's working branch)")
	base := fs.String("base", "main", "base branch to merge into")
	body := fs.String("body", "", "pull request body")
	agentID := fs.String("agent-id", "", "agent identity used to resolve the authoring GitHub identity")
	if err := fs.Parse(args); err != nil {
		return apperror.Invalid("parsing flags: %v", err)
	}

	owner, name, err := requireOwnerRepo(*repo)
	if err != nil {
		return err
	}

	if *agentID != "" {
		credentials.ClearAmbient()
	}
	creds, err := credentials.Resolve(credentials.DefaultPath(), *agentID)
	if err != nil {
		return apperror.Wrap(apperror.CodeConfigError, "resolving credentials", err)
	}
	client, err := newGithubClient(creds)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	number, err := client.CreatePR(ctx, owner, name, *title, *head, *base, *body)
	if err != nil {
		return toUpstreamError(err)
	}

	return printJSON(map[string]any{"status": "created", "repo": *repo, "prNumber": number})
}

// runSubmitPRReview submits a review through the GitHub writer adapter,
// resolving credentials by --reviewer-id so the review is attributable to
// that reviewer identity.
func runSubmitPRReview(args []string) error {
	fs := flag.NewFlagSet("submit_pr_review", flag.ContinueOnError)
	repo := fs.String("repo", "", "owner/repo")
	prNumber := fs.Int("pr-number", 0, "pull request number")
	reviewerID := fs.String("reviewer-id", "", "agent identity used to resolve the reviewing GitHub identity")
	verdict := fs.String("verdict", "", "approve | request_changes")
	body := fs.String("body", "", "review body (must start with the VERDICT line)")
	if err := fs.Parse(args); err != nil {
		return apperror.Invalid("parsing flags: %v", err)
	}

	owner, name, err := requireOwnerRepo(*repo)
	if err != nil {
		return err
	}
	if *prNumber <= 0 {
		return apperror.Invalid("--pr-number must be a positive integer")
	}

	// A review must come from the reviewer's own identity, never from an
	// ambient token the calling shell happens to carry.
	if *reviewerID != "" {
		credentials.ClearAmbient()
	}
	creds, err := credentials.Resolve(credentials.DefaultPath(), *reviewerID)
	if err != nil {
		return apperror.Wrap(apperror.CodeConfigError, "resolving reviewer credentials", err)
	}
	client, err := newGithubClient(creds)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := client.SubmitReview(ctx, owner, name, *prNumber, ghclient.ReviewVerdict(*verdict), *body); err != nil {
		return toUpstreamError(err)
	}

	return printJSON(map[string]any{"status": "submitted", "repo": *repo, "prNumber": *prNumber})
}

// runMerge merges a pull request through the GitHub writer adapter.
func runMerge(args []string) error {
	fs := flag.NewFlagSet("merge", flag.ContinueOnError)
	repo := fs.String("repo", "", "owner/repo")
	prNumber := fs.Int("pr-number", 0, "pull request number")
	strategy := fs.String("strategy", "merge", "merge | squash | rebase")
	agentID := fs.String("agent-id", "", "agent identity used to resolve the merging GitHub identity")
	if err := fs.Parse(args); err != nil {
		return apperror.Invalid("parsing flags: %v", err)
	}

	owner, name, err := requireOwnerRepo(*repo)
	if err != nil {
		return err
	}
	if *prNumber <= 0 {
		return apperror.Invalid("--pr-number must be a positive integer")
	}

	if *agentID != "" {
		credentials.ClearAmbient()
	}
	creds, err := credentials.Resolve(credentials.DefaultPath(), *agentID)
	if err != nil {
		return apperror.Wrap(apperror.CodeConfigError, "resolving credentials", err)
	}
	client, err := newGithubClient(creds)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	if err := client.MergePR(ctx, owner, name, *prNumber, ghclient.MergeStrategy(*strategy)); err != nil {
		return toUpstreamError(err)
	}

	return printJSON(map[string]any{"status": "merged", "repo": *repo, "prNumber": *prNumber, "strategy": *strategy})
}

// toUpstreamError preserves an already-coded *apperror.Error (e.g. the
// INVALID_INPUT from ghclient's own validation) and otherwise classifies
// the failure as a retryable UPSTREAM_FAILED.
func toUpstreamError(err error) error {
	if ae, ok := err.(*apperror.Error); ok {
		return ae
	}
	return apperror.Upstream(err)
}

func requireOwnerRepo(repo string) (owner, name string, err error) {
	parts := strings.SplitN(repo, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", apperror.Invalid("--repo must be owner/name, got: %q", repo)
	}
	return parts[0], parts[1], nil
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dbSourceLabel(dbPath string) string {
	if dbPath != "" {
		return dbPath
	}
	defPath, err := store.DefaultPath()
	if err != nil {
		return ""
	}
	return defPath
}

func printJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return apperror.Invalid("marshaling output: %v", err)
	}
	fmt.Println(string(data))
	return nil
}
