package signal

import (
	"errors"
	"fmt"
	"sort"
	"time"
)

// Tier extends the green window when demand is strictly above Above.
type Tier struct {
	Above int
	Bonus time.Duration
}

// Policy holds the timing rules shared by every approach signal.
type Policy struct {
	BaseGreen time.Duration
	Yellow    time.Duration
	BaseRed   time.Duration

	GreenFloor   time.Duration
	GreenCeiling time.Duration
	RedFloor     time.Duration
	RedCeiling   time.Duration

	// MinGreen is the shortest green a hand-off request may cut to. It may
	// not undercut GreenFloor.
	MinGreen time.Duration

	GreenTiers   []Tier
	RedLowDemand int           // demand strictly below this shortens red
	RedPenalty   time.Duration // amount red is shortened by
}

// DefaultPolicy returns the stock timings: 10s green (+3s above 3
// vehicles, +8s above 6), 3s yellow, 8s red shortened by 3s below 2
// vehicles with a 5s floor.
func DefaultPolicy() Policy {
	return Policy{
		BaseGreen:    10 * time.Second,
		Yellow:       3 * time.Second,
		BaseRed:      8 * time.Second,
		GreenFloor:   3 * time.Second,
		GreenCeiling: 30 * time.Second,
		RedFloor:     5 * time.Second,
		RedCeiling:   60 * time.Second,
		MinGreen:     3 * time.Second,
		GreenTiers: []Tier{
			{Above: 6, Bonus: 8 * time.Second},
			{Above: 3, Bonus: 3 * time.Second},
		},
		RedLowDemand: 2,
		RedPenalty:   3 * time.Second,
	}
}

// Validate rejects policies that would run an unsafe intersection.
func (p Policy) Validate() error {
	var errs []error
	if p.Yellow <= 0 {
		errs = append(errs, fmt.Errorf("yellow must be positive, got %v", p.Yellow))
	}
	if p.BaseGreen <= 0 {
		errs = append(errs, fmt.Errorf("base_green must be positive, got %v", p.BaseGreen))
	}
	if p.BaseRed <= 0 {
		errs = append(errs, fmt.Errorf("base_red must be positive, got %v", p.BaseRed))
	}
	if p.GreenFloor <= 0 || p.RedFloor <= 0 {
		errs = append(errs, fmt.Errorf("duration floors must be positive (green %v, red %v)", p.GreenFloor, p.RedFloor))
	}
	if p.GreenFloor > p.GreenCeiling {
		errs = append(errs, fmt.Errorf("green_floor %v exceeds green_ceiling %v", p.GreenFloor, p.GreenCeiling))
	}
	if p.RedFloor > p.RedCeiling {
		errs = append(errs, fmt.Errorf("red_floor %v exceeds red_ceiling %v", p.RedFloor, p.RedCeiling))
	}
	if p.MinGreen < p.GreenFloor || p.MinGreen > p.GreenCeiling {
		errs = append(errs, fmt.Errorf("min_green %v outside [green_floor %v, green_ceiling %v]", p.MinGreen, p.GreenFloor, p.GreenCeiling))
	}
	if p.RedPenalty < 0 {
		errs = append(errs, fmt.Errorf("red_penalty must not be negative, got %v", p.RedPenalty))
	}
	for _, t := range p.GreenTiers {
		if t.Above < 0 || t.Bonus < 0 {
			errs = append(errs, fmt.Errorf("green tier {above %d, bonus %v} must not be negative", t.Above, t.Bonus))
		}
	}
	return errors.Join(errs...)
}

// GreenDuration is evaluated once, on entry to GREEN.
func (p Policy) GreenDuration(demand int) time.Duration {
	d := p.BaseGreen + p.greenBonus(demand)
	return clamp(d, p.GreenFloor, p.GreenCeiling)
}

// greenBonus applies the highest matching tier only.
func (p Policy) greenBonus(demand int) time.Duration {
	tiers := make([]Tier, len(p.GreenTiers))
	copy(tiers, p.GreenTiers)
	sort.Slice(tiers, func(i, j int) bool { return tiers[i].Above > tiers[j].Above })
	for _, t := range tiers {
		if demand > t.Above {
			return t.Bonus
		}
	}
	return 0
}

// RedDuration only drives the remaining-time display; RED ends on an
// arbiter command.
func (p Policy) RedDuration(demand int) time.Duration {
	d := p.BaseRed
	if demand < p.RedLowDemand {
		d -= p.RedPenalty
	}
	return clamp(d, p.RedFloor, p.RedCeiling)
}

// Duration returns the duration of phase ph entered with the given demand.
func (p Policy) Duration(ph Phase, demand int) time.Duration {
	switch ph {
	case Green:
		return p.GreenDuration(demand)
	case Yellow:
		return p.Yellow
	default:
		return p.RedDuration(demand)
	}
}

func clamp(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
