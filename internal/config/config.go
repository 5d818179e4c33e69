// Package config loads the scheduler's YAML configuration: the repo
// allowlist, default agent/iteration policy, required-reviewer lists, and
// per-repo approval rules.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// RepoConfig is one entry of the `repos` map.
type RepoConfig struct {
	Enabled   bool `yaml:"enabled"`
	Priority  int  `yaml:"priority"`
	MaxPerRun int  `yaml:"max_per_run"`
}

// ReviewerEntry is one required-reviewer list entry.
type ReviewerEntry struct {
	Login   string `yaml:"login"`
	Agent   string `yaml:"agent"`
	Enabled *bool  `yaml:"enabled"`
}

func (r ReviewerEntry) isEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// ApprovalRule is the optional per-repo override of approval policy.
type ApprovalRule struct {
	MinApprovals      int      `yaml:"min_approvals"`
	RequiredReviewers []string `yaml:"required_reviewers"`
	VetoPowers        []string `yaml:"veto_powers"`
}

// Config is the process-wide configuration, loaded once at startup.
type Config struct {
	Repos                 map[string]RepoConfig   `yaml:"repos"`
	DefaultAgent          string                  `yaml:"default_agent"`
	DefaultMaxIterations  int                     `yaml:"default_max_iterations"`
	RequiredReviewers     []ReviewerEntry         `yaml:"required_reviewers"`
	RepoRequiredReviewers map[string][]ReviewerEntry `yaml:"repo_required_reviewers"`
	ApprovalRules         map[string]ApprovalRule `yaml:"approval_rules"`
}

// defaultFallbackReviewers is the last-resort reviewer list used only when
// both the per-repo and global reviewer lists are empty — a degenerate
// config. An explicit but empty per-repo list counts as no override.
var defaultFallbackReviewers = []string{"platform-reviewer", "platform-architect"}

// Load reads and parses the YAML config file at path, applying defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}

	applyDefaults(&cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DefaultMaxIterations == 0 {
		cfg.DefaultMaxIterations = 5
	}
	if cfg.DefaultAgent == "" {
		cfg.DefaultAgent = "dev-agent"
	}
	if cfg.Repos == nil {
		cfg.Repos = map[string]RepoConfig{}
	}
	if cfg.ApprovalRules == nil {
		cfg.ApprovalRules = map[string]ApprovalRule{}
	}
}

// EnabledRepos returns the repo names with enabled=true, in config order
// is not preserved (maps are unordered) — callers that need a stable order
// should sort.
func (c Config) EnabledRepos() []string {
	var repos []string
	for name, rc := range c.Repos {
		if rc.Enabled {
			repos = append(repos, name)
		}
	}
	return repos
}

// RequiredReviewersFor resolves the required-reviewer login list for repo
// via the three-tier fallback: per-repo override -> global list ->
// hardcoded safety net, grounded on the original system's
// load_reviewers_for_repo.
func (c Config) RequiredReviewersFor(repo string) []string {
	if entries, ok := c.RepoRequiredReviewers[repo]; ok && len(entries) > 0 {
		return enabledLogins(entries)
	}
	if len(c.RequiredReviewers) > 0 {
		return enabledLogins(c.RequiredReviewers)
	}
	return append([]string(nil), defaultFallbackReviewers...)
}

func enabledLogins(entries []ReviewerEntry) []string {
	var logins []string
	for _, e := range entries {
		if e.isEnabled() {
			logins = append(logins, e.Login)
		}
	}
	return logins
}

// ApprovalRuleFor returns the approval policy override for repo, if any.
func (c Config) ApprovalRuleFor(repo string) (ApprovalRule, bool) {
	rule, ok := c.ApprovalRules[repo]
	return rule, ok
}

// MaxIterationsFor returns the fix-loop cap for repo: per-repo override from
// ApprovalRules is not a thing, so this is always the global default today;
// kept as a method so callers don't need to know that.
func (c Config) MaxIterationsFor(repo string) int {
	return c.DefaultMaxIterations
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[1:])
		}
	}
	return path
}

// ExpandHome is the exported form used by callers resolving path-valued
// config fields (db path, lock dir, credential profile path).
func ExpandHome(path string) string { return expandHome(path) }
