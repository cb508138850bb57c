// Package intersection wires the demand estimator and the arbiter into the
// single-writer tick loop: read the clock, estimate demand, arbitrate,
// advance the signals, publish a report.
package intersection

import (
	"time"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/arbiter"
	"github.com/banshee-data/traficon/internal/config"
	"github.com/banshee-data/traficon/internal/demand"
	"github.com/banshee-data/traficon/internal/monitoring"
	"github.com/banshee-data/traficon/internal/signal"
	"github.com/banshee-data/traficon/internal/timeutil"
)

// Config configures a Controller.
type Config struct {
	Arbiter   arbiter.Config
	Estimator demand.Config
}

// ConfigFrom assembles a controller Config from a validated SignalConfig.
func ConfigFrom(sc *config.SignalConfig) (Config, error) {
	order, err := sc.GetApproaches()
	if err != nil {
		return Config{}, err
	}
	zones, err := sc.GetZones()
	if err != nil {
		return Config{}, err
	}
	classes, err := sc.GetDemandClasses()
	if err != nil {
		return Config{}, err
	}
	cfg := Config{
		Arbiter: arbiter.Config{
			Approaches:        order,
			Policy:            sc.Policy(),
			WaitNormalization: sc.GetWaitNormalization(),
			PreemptPriority:   sc.GetPreemptPriority(),
		},
		Estimator: demand.Config{
			Zones:         zones,
			DemandClasses: classes,
			MaxMisses:     sc.GetMaxMisses(),
		},
	}
	seed, ok, err := sc.GetSeedGreen()
	if err != nil {
		return Config{}, err
	}
	if ok {
		cfg.Arbiter.SeedGreen = &seed
	}
	return cfg, nil
}

// Controller is the tick loop's state. It is not safe for concurrent use;
// the run loop is its only caller.
type Controller struct {
	clock timeutil.Clock
	est   *demand.Estimator
	arb   *arbiter.Arbiter

	startedAt time.Time
	resets    int
	last      Report
}

// New builds a controller in its startup state.
func New(cfg Config, clock timeutil.Clock) (*Controller, error) {
	est, err := demand.NewEstimator(cfg.Estimator)
	if err != nil {
		return nil, err
	}
	now := clock.Now()
	arb, err := arbiter.New(cfg.Arbiter, now)
	if err != nil {
		return nil, err
	}
	c := &Controller{clock: clock, est: est, arb: arb, startedAt: now}
	c.last = c.report(now)
	return c, nil
}

// AddObserver registers fn for every signal transition.
func (c *Controller) AddObserver(fn arbiter.Observer) { c.arb.AddObserver(fn) }

// Step runs one tick on a frame of detector output. An empty frame means
// zero occupancy on every zoned approach.
func (c *Controller) Step(dets []demand.Detection) Report {
	now := c.clock.Now()
	d := c.est.Observe(dets)
	return c.tick(now, d)
}

// StepDemand runs one tick on pre-computed occupancy, bypassing the
// estimator. Approaches missing from d are treated as stale.
func (c *Controller) StepDemand(d approach.Demand) Report {
	return c.tick(c.clock.Now(), d)
}

func (c *Controller) tick(now time.Time, d approach.Demand) Report {
	c.arb.Tick(now, d)
	c.last = c.report(now)
	return c.last
}

// Reset reinitialises every counter and signal without restarting.
func (c *Controller) Reset() {
	now := c.clock.Now()
	c.est.Reset()
	c.arb.Reset(now)
	c.resets++
	c.last = c.report(now)
	monitoring.Logf("intersection: reset #%d at %s", c.resets, now.Format(time.RFC3339))
}

// Report returns the report produced by the latest tick or reset.
func (c *Controller) Report() Report { return c.last }

// Phases returns the current phase of every approach.
func (c *Controller) Phases() map[approach.Approach]signal.Phase { return c.arb.Phases() }

// Zones returns the estimator's counting zones.
func (c *Controller) Zones() []demand.Zone { return c.est.Zones() }

// Approaches returns the configured approaches in tie-break order.
func (c *Controller) Approaches() []approach.Approach { return c.arb.Approaches() }

func (c *Controller) report(now time.Time) Report {
	snap := c.arb.Snapshot(now)
	unique := c.est.UniqueCounts()
	r := Report{
		At:          now,
		Uptime:      now.Sub(c.startedAt),
		Approaches:  make([]ApproachReport, 0, len(snap.Approaches)),
		ClassTotals: c.est.ClassTotals(),
		Counters:    snap.Counters,
		Dropped:     c.est.Dropped(),
		Frames:      c.est.Tick(),
		Resets:      c.resets,
	}
	for _, st := range snap.Approaches {
		u := unique[st.Approach]
		if u == nil {
			u = map[demand.Class]int{}
		}
		r.Approaches = append(r.Approaches, ApproachReport{ApproachStatus: st, Unique: u})
	}
	if g, ok := snap.Green(); ok {
		r.Green = g.String()
	}
	return r
}
