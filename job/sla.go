package job

import "time"

// ScopePreset names the inspection package chosen at order time. Each
// preset carries a fixed SLA window.
type ScopePreset string

const (
	PresetRush     ScopePreset = "rush"
	PresetStandard ScopePreset = "standard"
	PresetExtended ScopePreset = "extended"
)

// SLAWindows maps presets to their completion deadline, measured from
// dispatch time.
type SLAWindows map[ScopePreset]time.Duration

// DefaultWindows returns the stock preset durations.
func DefaultWindows() SLAWindows {
	return SLAWindows{
		PresetRush:     24 * time.Hour,
		PresetStandard: 48 * time.Hour,
		PresetExtended: 7 * 24 * time.Hour,
	}
}

// DueAt derives the SLA deadline for a job dispatched at dispatchedAt.
// Unknown presets fall back to the standard window.
func (w SLAWindows) DueAt(preset ScopePreset, dispatchedAt time.Time) time.Time {
	d, ok := w[preset]
	if !ok {
		d = w[PresetStandard]
	}
	return dispatchedAt.Add(d)
}

// slaGoverned holds the statuses during which the SLA clock is running.
// Submitted and later statuses are on the admin, not the appraiser.
var slaGoverned = map[Status]bool{
	StatusDispatched: true,
	StatusAccepted:   true,
	StatusInProgress: true,
}

// IsBreached reports whether the job has blown its SLA as of now. It is
// pure and re-derivable at any time; breach status is never persisted,
// so stored flags cannot drift from the clock.
func IsBreached(j Job, now time.Time) bool {
	if j.SLADueAt == nil {
		return false
	}
	if !slaGoverned[j.Status] {
		return false
	}
	return now.After(*j.SLADueAt)
}

// BreachCount counts jobs breaching their SLA as of now.
func BreachCount(jobs []Job, now time.Time) int {
	n := 0
	for _, j := range jobs {
		if IsBreached(j, now) {
			n++
		}
	}
	return n
}
