package engine

// DispatchMarkers holds the head revision at which each action kind was
// last successfully dispatched for an item. Empty means never dispatched.
type DispatchMarkers struct {
	Review    string
	Fix       string
	Merge     string
	Conflict  string
	StatusFix string
}

// Marker returns the stored revision for the given action, or empty when
// the action has no dedupe marker.
func (m DispatchMarkers) Marker(action Action) string {
	switch action {
	case ActionNeedsReview:
		return m.Review
	case ActionNeedsFix:
		return m.Fix
	case ActionReadyToMerge:
		return m.Merge
	case ActionNeedsConflictResolution:
		return m.Conflict
	case ActionNeedsStatusFix:
		return m.StatusFix
	}
	return ""
}

// ApplyDedupe suppresses an action that was already dispatched for the
// current head revision. This is idempotency, not throttling: a new head
// revision re-enables the action automatically.
func ApplyDedupe(action Action, headSHA string, markers DispatchMarkers) Action {
	if headSHA == "" {
		return action
	}
	if m := markers.Marker(action); m != "" && m == headSHA {
		return ActionNone
	}
	return action
}

// ApplyIterationCap replaces needs_fix with max_iterations_reached once the
// fix loop has spent its budget. The counter itself is incremented only by
// a successful fix dispatch, so the cap reflects actual spend.
func ApplyIterationCap(action Action, iteration, maxIterations int) Action {
	if action != ActionNeedsFix {
		return action
	}
	if iteration >= maxIterations {
		return ActionMaxIterationsReached
	}
	return action
}
