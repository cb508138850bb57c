package arbiter

import (
	"time"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/signal"
)

// ApproachStatus is the per-approach view handed to renderers and reporters.
type ApproachStatus struct {
	Approach         approach.Approach `json:"approach"`
	Phase            signal.Phase      `json:"phase"`
	Remaining        time.Duration     `json:"-"`
	RemainingSeconds float64           `json:"remaining_s"`
	Demand           int               `json:"demand"`
	Priority         float64           `json:"priority"`
	Waiting          int               `json:"waiting"`
	Stale            bool              `json:"stale,omitempty"`
	Counters         signal.Counters   `json:"counters"`
}

// Snapshot is the arbiter state at one instant.
type Snapshot struct {
	At         time.Time        `json:"at"`
	Approaches []ApproachStatus `json:"approaches"`
	Counters   Counters         `json:"counters"`
}

// Snapshot reports every approach in tie-break order.
func (a *Arbiter) Snapshot(now time.Time) Snapshot {
	s := Snapshot{At: now, Counters: a.Counters()}
	for _, l := range a.lanes {
		rem := l.sig.Remaining(now)
		s.Approaches = append(s.Approaches, ApproachStatus{
			Approach:         l.id,
			Phase:            l.sig.Phase(),
			Remaining:        rem,
			RemainingSeconds: rem.Seconds(),
			Demand:           l.demand,
			Priority:         l.priority,
			Waiting:          len(l.waitingSince),
			Stale:            l.stale,
			Counters:         l.sig.Counters(),
		})
	}
	return s
}

// Green returns the approach currently GREEN, if any.
func (s Snapshot) Green() (approach.Approach, bool) {
	for _, st := range s.Approaches {
		if st.Phase == signal.Green {
			return st.Approach, true
		}
	}
	return 0, false
}

// Status returns the entry for id.
func (s Snapshot) Status(id approach.Approach) (ApproachStatus, bool) {
	for _, st := range s.Approaches {
		if st.Approach == id {
			return st, true
		}
	}
	return ApproachStatus{}, false
}
