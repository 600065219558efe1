package output

// Coordination-info blocks are minimal peer snapshots returned to agents
// asking what their siblings are doing. The truncator is structure-aware:
// it preserves every top-level key, trims the known list fields by element
// count, and stamps a _truncated marker iff something was removed.

// Coordination truncation caps.
const (
	coordMaxFindings     = 3
	coordMaxProgress     = 5
	coordMaxSampleAgents = 2
)

// TruncatedMarker is the key stamped on trimmed coordination blocks.
const TruncatedMarker = "_truncated"

// IsAlreadyTruncated reports whether a coordination block carries the
// marker; TruncateCoordination is idempotent through this check.
func IsAlreadyTruncated(info map[string]any) bool {
	v, ok := info[TruncatedMarker].(bool)
	return ok && v
}

// TruncateCoordination returns a trimmed copy of a coordination-info
// block: at most 3 recent findings, 5 recent progress entries, and 2
// sample agents. Top-level keys are preserved; _truncated appears iff
// something was removed. Truncating an already-truncated block returns it
// unchanged.
func TruncateCoordination(info map[string]any) map[string]any {
	if info == nil {
		return nil
	}
	if IsAlreadyTruncated(info) {
		return info
	}

	out := make(map[string]any, len(info)+1)
	for k, v := range info {
		out[k] = v
	}

	removed := false
	trimList := func(key string, limit int) {
		list, ok := out[key].([]any)
		if !ok || len(list) <= limit {
			return
		}
		// Keep the most recent entries: lists append chronologically.
		out[key] = list[len(list)-limit:]
		removed = true
	}
	trimList("recent_findings", coordMaxFindings)
	trimList("recent_progress", coordMaxProgress)

	if agents, ok := out["agents"].([]any); ok && len(agents) > coordMaxSampleAgents {
		out["agents"] = agents[:coordMaxSampleAgents]
		out["agent_count"] = len(agents)
		removed = true
	}

	if removed {
		out[TruncatedMarker] = true
	}
	return out
}
