package ghclient

import "time"

// IssueObservation is the subset of a GitHub issue's state the state machine
// needs.
type IssueObservation struct {
	Number    int
	Title     string
	State     string // "open" | "closed"
	Labels    []string
	UpdatedAt time.Time
	Body      string

	// LinkedPRBodies is left empty by FetchOpenIssues; the sync engine
	// collects open PR bodies from FetchOpenPRs for closing-keyword linking.
	LinkedPRBodies []string
}

// ReviewObservation is one PR review, in the shape internal/evaluator
// consumes.
type ReviewObservation struct {
	Author      string
	Decision    string // "approved" | "changes_requested" | "commented"
	SubmittedAt time.Time
	CommitSHA   string
}

// PRObservation is the subset of a GitHub pull request's state the state
// machine needs.
type PRObservation struct {
	Number       int
	Title        string
	Body         string
	State        string // "open" | "closed"
	Labels       []string
	Merged       bool
	HeadSHA      string
	HeadRefName  string
	Mergeable    string // "mergeable" | "conflicting" | "unknown"
	MergeState   string // GitHub's mergeable_state, e.g. "dirty", "clean"
	ChecksStatus string // "pending" | "success" | "failure"
	UpdatedAt    time.Time
	Reviews      []ReviewObservation
}
