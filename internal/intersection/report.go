package intersection

import (
	"fmt"
	"time"

	"github.com/banshee-data/traficon/internal/arbiter"
	"github.com/banshee-data/traficon/internal/demand"
)

// ApproachReport is one approach's row in a Report.
type ApproachReport struct {
	arbiter.ApproachStatus
	Unique map[demand.Class]int `json:"unique"`
}

// Report is the per-tick output handed to renderers and reporters.
type Report struct {
	At          time.Time            `json:"at"`
	Uptime      time.Duration        `json:"-"`
	Green       string               `json:"green,omitempty"`
	Approaches  []ApproachReport     `json:"approaches"`
	ClassTotals map[demand.Class]int `json:"class_totals"`
	Counters    arbiter.Counters     `json:"counters"`
	Dropped     int                  `json:"dropped"`
	Frames      uint64               `json:"frames"`
	Resets      int                  `json:"resets"`
}

// Approach returns the row for the named approach.
func (r Report) Approach(name string) (ApproachReport, bool) {
	for _, a := range r.Approaches {
		if a.Approach.String() == name {
			return a, true
		}
	}
	return ApproachReport{}, false
}

// String renders a one-line summary for logs.
func (r Report) String() string {
	s := fmt.Sprintf("cycles=%d", r.Counters.Cycles)
	for _, a := range r.Approaches {
		s += fmt.Sprintf(" %s=%s(%.1fs,d=%d,p=%.1f)", a.Approach, a.Phase, a.RemainingSeconds, a.Demand, a.Priority)
	}
	return s
}
