package config

import (
	"os"
	"path/filepath"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("writing config: %v", err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, `repos:
  acme/widgets:
    enabled: true
    priority: 1
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.DefaultMaxIterations != 5 {
		t.Errorf("expected default max iterations 5, got %d", cfg.DefaultMaxIterations)
	}
	if cfg.DefaultAgent == "" {
		t.Error("expected a non-empty default agent")
	}
}

func TestEnabledRepos_SkipsDisabled(t *testing.T) {
	path := writeConfig(t, `repos:
  acme/widgets:
    enabled: true
  acme/gadgets:
    enabled: false
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	repos := cfg.EnabledRepos()
	if len(repos) != 1 || repos[0] != "acme/widgets" {
		t.Errorf("expected only acme/widgets enabled, got %v", repos)
	}
}

func TestRequiredReviewersFor_PerRepoOverrideWins(t *testing.T) {
	cfg := Config{
		RequiredReviewers: []ReviewerEntry{{Login: "global-a"}},
		RepoRequiredReviewers: map[string][]ReviewerEntry{
			"acme/widgets": {{Login: "repo-a"}},
		},
	}
	got := cfg.RequiredReviewersFor("acme/widgets")
	if len(got) != 1 || got[0] != "repo-a" {
		t.Errorf("expected per-repo override, got %v", got)
	}
}

func TestRequiredReviewersFor_FallsBackToGlobal(t *testing.T) {
	cfg := Config{RequiredReviewers: []ReviewerEntry{{Login: "global-a"}}}
	got := cfg.RequiredReviewersFor("acme/widgets")
	if len(got) != 1 || got[0] != "global-a" {
		t.Errorf("expected global fallback, got %v", got)
	}
}

func TestRequiredReviewersFor_HardcodedSafetyNet(t *testing.T) {
	cfg := Config{}
	got := cfg.RequiredReviewersFor("acme/widgets")
	if len(got) == 0 {
		t.Error("expected non-empty hardcoded fallback")
	}
}

func TestRequiredReviewersFor_DisabledEntriesExcluded(t *testing.T) {
	disabled := false
	cfg := Config{RequiredReviewers: []ReviewerEntry{
		{Login: "a", Enabled: &disabled},
		{Login: "b"},
	}}
	got := cfg.RequiredReviewersFor("acme/widgets")
	if len(got) != 1 || got[0] != "b" {
		t.Errorf("expected only enabled reviewer b, got %v", got)
	}
}

func TestExpandHome(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := ExpandHome("~/prsched/config.yaml")
	want := filepath.Join(home, "prsched/config.yaml")
	if got != want {
		t.Errorf("expected %q, got %q", want, got)
	}
}
