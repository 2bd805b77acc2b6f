package conversation

import (
	"slices"
	"time"

	"companion/pkg/api"
)

// merge unions the working history with persisted turns, identified by ID
// and kept in timestamp order. The task turn always comes last.
func merge(working, persisted []api.Turn, task api.Turn) []api.Turn {
	seen := map[string]bool{task.ID: true}
	out := make([]api.Turn, 0, len(working)+len(persisted)+1)
	add := func(t api.Turn) {
		if t.ID != "" {
			if seen[t.ID] {
				return
			}
			seen[t.ID] = true
		}
		out = append(out, t)
	}
	for _, t := range persisted {
		add(t)
	}
	for _, t := range working {
		add(t)
	}

	slices.SortStableFunc(out, func(a, b api.Turn) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return append(out, task)
}

// prune drops turns older than expiry and keeps at most limit of the rest.
func prune(turns []api.Turn, now time.Time, expiry time.Duration, limit int) []api.Turn {
	if expiry > 0 {
		cutoff := now.Add(-expiry)
		kept := turns[:0:0]
		for _, t := range turns {
			if !t.Timestamp.Before(cutoff) {
				kept = append(kept, t)
			}
		}
		turns = kept
	}
	if limit > 0 && len(turns) > limit {
		turns = append([]api.Turn(nil), turns[len(turns)-limit:]...)
	}
	return turns
}
