package queue

import (
	"time"

	"github.com/openclaw/prsched/internal/apperror"
	"github.com/openclaw/prsched/internal/config"
	"github.com/openclaw/prsched/internal/store"
)

// Query dispatches to QueryIssues or QueryPRs depending on in.Action, so
// callers (the CLI, the dispatch scheduler) don't need to know which side
// of the split a given action belongs to.
func Query(db Querier, cfg config.Config, in Input, source string, now time.Time) (Envelope, error) {
	if in.Action == store.ActionNeedsDev {
		return QueryIssues(db, cfg, in, source, now)
	}
	if PRActions[in.Action] {
		return QueryPRs(db, cfg, in, source, now)
	}
	return Envelope{}, apperror.Invalid(
		"invalid action: %s. Must be one of needs_dev, needs_review, needs_fix, "+
			"needs_conflict_resolution, needs_status_fix, ready_to_merge, max_iterations_reached",
		in.Action)
}
