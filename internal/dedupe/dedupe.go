// Package dedupe implements the revision-keyed idempotency gate and the
// fix-loop iteration cap. Both are pure: given the same action, head
// revision, and prior markers, the result never changes.
package dedupe

import "github.com/openclaw/prsched/internal/store"

// Apply suppresses action to store.ActionNone if the dispatch marker for its
// DispatchKind already equals headSHA — the action was already dispatched
// at this revision. Actions with no associated marker (none, needs_dev,
// max_iterations_reached) pass through unchanged. This is idempotency, not
// throttling: a new head revision re-enables the action.
func Apply(action store.Action, headSHA string, markers store.Item) store.Action {
	kind, ok := store.ActionDispatchKind(action)
	if !ok {
		return action
	}
	if headSHA != "" && markers.DispatchMarker(kind) == headSHA {
		return store.ActionNone
	}
	return action
}

// Gate replaces store.ActionNeedsFix with store.ActionMaxIterationsReached
// once iteration has reached maxIterations. The counter itself is never
// incremented here — only a successful fix dispatch increments it, inside
// store.MarkDispatched, in the same transaction as the marker write.
func Gate(action store.Action, iteration, maxIterations int) store.Action {
	if action == store.ActionNeedsFix && iteration >= maxIterations {
		return store.ActionMaxIterationsReached
	}
	return action
}
