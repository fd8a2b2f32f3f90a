package reconcile

import (
	"github.com/agentworkforce/taskmirror/internal/tasks"
)

// Plan is the outcome of merging one fetch into the mirror.
type Plan struct {
	// Visible is the list to render, in display order.
	Visible []tasks.Record
	// Writes are upserted into the mirror. Remotely withdrawn records are
	// included so they reach other contexts before being purged.
	Writes []tasks.Record
	// Removals are mirror ids the fetch superseded.
	Removals []string
}

// Reconcile merges a fetched page with the current mirror entries.
//
// Fetched records replace any mirror copy with the same id; duplicate ids
// keep their first occurrence. An unfiltered fetch is complete, so remote
// entries it no longer lists are removed and local-only entries are rendered
// after the fetched ones. A filtered fetch only says what matched: other
// entries stay in the mirror untouched and out of this list. Suppressed ids
// are neither written nor rendered.
func Reconcile(existing, fetched []tasks.Record, suppressed map[string]struct{}, filtered bool) Plan {
	plan := Plan{
		Visible:  make([]tasks.Record, 0, len(fetched)),
		Writes:   make([]tasks.Record, 0, len(fetched)),
		Removals: make([]string, 0),
	}
	seen := make(map[string]struct{}, len(fetched))
	for _, record := range fetched {
		if !record.Valid() {
			continue
		}
		if _, dup := seen[record.ID]; dup {
			continue
		}
		seen[record.ID] = struct{}{}
		if _, skip := suppressed[record.ID]; skip {
			continue
		}
		record.Origin = tasks.OriginRemote
		plan.Writes = append(plan.Writes, record)
		if !record.Withdrawn() {
			plan.Visible = append(plan.Visible, record)
		}
	}

	for _, record := range existing {
		if _, fetchedNow := seen[record.ID]; fetchedNow {
			continue
		}
		if _, skip := suppressed[record.ID]; skip {
			continue
		}
		if filtered {
			continue
		}
		if record.Origin == tasks.OriginLocalOnly {
			if !record.Withdrawn() {
				plan.Visible = append(plan.Visible, record)
			}
			continue
		}
		plan.Removals = append(plan.Removals, record.ID)
	}
	return plan
}
