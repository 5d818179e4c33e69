// Package credentials resolves per-agent credentials for the GitHub writer
// and agent-spawn adapters. The agent identity -> credential mapping is a
// pure function of the agent id: the same id always resolves to the same
// profile.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Credentials is one resolved credential set for a single agent identity.
type Credentials struct {
	GithubToken string

	// GitHub App authentication (alternative to GithubToken).
	GithubAppClientID       string
	GithubAppInstallationID int64
	GithubAppPrivateKeyPath string

	GithubUserID   int64
	GithubUsername string

	GitAuthorName  string
	GitAuthorEmail string

	AgentSpawnAPIKey  string
	AgentSpawnBaseURL string
}

// HasGithubApp returns true if GitHub App credentials are configured.
func (c Credentials) HasGithubApp() bool {
	return c.GithubAppClientID != "" && c.GithubAppInstallationID != 0 && c.GithubAppPrivateKeyPath != ""
}

type profileEntry struct {
	GithubToken             string `yaml:"github_token"`
	GithubAppClientID       string `yaml:"github_app_client_id"`
	GithubAppInstallationID int64  `yaml:"github_app_installation_id"`
	GithubAppPrivateKeyPath string `yaml:"github_app_private_key_path"`
	GithubUserID            int64  `yaml:"github_user_id"`
	GithubUsername          string `yaml:"github_username"`
	GitAuthorName           string `yaml:"git_author_name"`
	GitAuthorEmail          string `yaml:"git_author_email"`
	AgentSpawnAPIKey        string `yaml:"agent_spawn_api_key"`
	AgentSpawnBaseURL       string `yaml:"agent_spawn_base_url"`
}

type credentialsFile struct {
	DefaultProfile string                  `yaml:"default_profile"`
	Profiles       map[string]profileEntry `yaml:"profiles"`
}

// ambientVars are the environment variables that could leak an unintended
// identity into a write operation executed on behalf of a specific agent.
var ambientVars = []string{"GITHUB_TOKEN", "GH_TOKEN", "AGENT_SPAWN_API_KEY"}

// ClearAmbient removes ambient credential variables from the process
// environment so writes are attributable to the resolved profile rather
// than whatever identity the calling shell carried, and so spawned child
// processes cannot inherit them.
func ClearAmbient() {
	for _, v := range ambientVars {
		os.Unsetenv(v)
	}
}

// DefaultPath returns the default credentials directory (~/.prsched).
func DefaultPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".prsched")
}

// Resolve returns Credentials for agentID, read from configDir/credentials.yaml.
// Precedence: env vars (GITHUB_TOKEN, AGENT_SPAWN_API_KEY) > the profile
// named agentID > the file's default_profile. If the file is missing and
// agentID is empty, env vars alone are used (GITHUB_TOKEN must be set;
// AGENT_SPAWN_API_KEY may be empty).
func Resolve(configDir, agentID string) (Credentials, error) {
	envGithub := os.Getenv("GITHUB_TOKEN")
	envAgentKey := os.Getenv("AGENT_SPAWN_API_KEY")

	filePath := filepath.Join(configDir, "credentials.yaml")
	data, err := os.ReadFile(filePath)

	if err != nil {
		if !os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("reading credentials file: %w", err)
		}
		if agentID != "" {
			return Credentials{}, fmt.Errorf("credentials file not found: %s", filePath)
		}
		if envGithub == "" {
			return Credentials{}, fmt.Errorf("credentials file not found (%s) and GITHUB_TOKEN not set", filePath)
		}
		return Credentials{
			GithubToken:       envGithub,
			AgentSpawnAPIKey:  envAgentKey,
			GitAuthorName:     gitAuthorNameWithDefault(os.Getenv("PRSCHED_GIT_AUTHOR_NAME")),
			GitAuthorEmail:    gitAuthorEmailWithDefault(os.Getenv("PRSCHED_GIT_AUTHOR_EMAIL")),
		}, nil
	}

	var cf credentialsFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return Credentials{}, fmt.Errorf("parsing credentials file: %w", err)
	}

	profileName := agentID
	if profileName == "" {
		profileName = cf.DefaultProfile
	}
	if profileName == "" {
		return Credentials{}, fmt.Errorf("no agent id provided and no default_profile set in %s", filePath)
	}

	profile, ok := cf.Profiles[profileName]
	if !ok {
		return Credentials{}, fmt.Errorf("profile %q not found in %s", profileName, filePath)
	}

	if err := validateGithubAppFields(profile); err != nil {
		return Credentials{}, fmt.Errorf("profile %q: %w", profileName, err)
	}

	creds := Credentials{
		GithubToken:             profile.GithubToken,
		GithubAppClientID:       profile.GithubAppClientID,
		GithubAppInstallationID: profile.GithubAppInstallationID,
		GithubAppPrivateKeyPath: profile.GithubAppPrivateKeyPath,
		GithubUserID:            profile.GithubUserID,
		GithubUsername:          profile.GithubUsername,
		GitAuthorName:           gitAuthorNameWithDefault(profile.GitAuthorName),
		GitAuthorEmail:          gitAuthorEmailWithDefault(profile.GitAuthorEmail),
		AgentSpawnAPIKey:        profile.AgentSpawnAPIKey,
		AgentSpawnBaseURL:       profile.AgentSpawnBaseURL,
	}

	if envGithub != "" {
		creds.GithubToken = envGithub
		creds.GithubAppClientID = ""
		creds.GithubAppInstallationID = 0
		creds.GithubAppPrivateKeyPath = ""
	}
	if envAgentKey != "" {
		creds.AgentSpawnAPIKey = envAgentKey
	}

	return creds, nil
}

func gitAuthorNameWithDefault(v string) string {
	if v == "" {
		return "prsched"
	}
	return v
}

func gitAuthorEmailWithDefault(v string) string {
	if v == "" {
		return "prsched@noreply"
	}
	return v
}

// validateGithubAppFields checks that if any github_app_* field is set, all
// three must be set.
func validateGithubAppFields(p profileEntry) error {
	hasClientID := p.GithubAppClientID != ""
	hasInstallID := p.GithubAppInstallationID != 0
	hasKeyPath := p.GithubAppPrivateKeyPath != ""

	set := 0
	if hasClientID {
		set++
	}
	if hasInstallID {
		set++
	}
	if hasKeyPath {
		set++
	}

	if set > 0 && set < 3 {
		var missing []string
		if !hasClientID {
			missing = append(missing, "github_app_client_id")
		}
		if !hasInstallID {
			missing = append(missing, "github_app_installation_id")
		}
		if !hasKeyPath {
			missing = append(missing, "github_app_private_key_path")
		}
		return fmt.Errorf("incomplete GitHub App config, missing: %v", missing)
	}
	return nil
}
