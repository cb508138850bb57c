// Package arbiter decides, tick by tick, which approach of an
// intersection may be promoted to GREEN.
//
// Invariant: at most one approach is GREEN, and no approach is promoted
// while another is GREEN or YELLOW. The arbiter is the only caller of
// signal.Signal.Promote, so the invariant is enforced here and nowhere
// else.
package arbiter

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/monitoring"
	"github.com/banshee-data/traficon/internal/signal"
)

// Config configures an Arbiter.
type Config struct {
	// Approaches in tie-break order; at least two, no duplicates.
	Approaches []approach.Approach
	Policy     signal.Policy

	// WaitNormalization divides each waiting entity's wait when scoring.
	WaitNormalization time.Duration

	// PreemptPriority enables hand-off requests: once the GREEN approach
	// has run MinGreen, a rival whose priority reaches this score asks it
	// to yield. Zero disables pre-emption.
	PreemptPriority float64

	// SeedGreen, when set, names the approach that starts GREEN.
	SeedGreen *approach.Approach
}

// Validate checks the configuration invariants.
func (c Config) Validate() error {
	var errs []error
	if len(c.Approaches) < 2 {
		errs = append(errs, fmt.Errorf("at least 2 approaches required, got %d", len(c.Approaches)))
	}
	seen := make(map[approach.Approach]bool)
	for _, a := range c.Approaches {
		if !a.Valid() {
			errs = append(errs, fmt.Errorf("invalid approach %d", uint8(a)))
			continue
		}
		if seen[a] {
			errs = append(errs, fmt.Errorf("duplicate approach %s", a))
		}
		seen[a] = true
	}
	if c.WaitNormalization <= 0 {
		errs = append(errs, fmt.Errorf("wait_normalization must be positive, got %v", c.WaitNormalization))
	}
	if c.PreemptPriority < 0 {
		errs = append(errs, fmt.Errorf("preempt_priority must not be negative, got %v", c.PreemptPriority))
	}
	if c.SeedGreen != nil && !seen[*c.SeedGreen] {
		errs = append(errs, fmt.Errorf("seed_green %s is not a configured approach", *c.SeedGreen))
	}
	if err := c.Policy.Validate(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// Event describes one phase transition.
type Event struct {
	At         time.Time
	Approach   approach.Approach
	Transition signal.Transition
	Demand     int
	Priority   float64
	Duration   time.Duration // duration of the phase entered
	Preempted  bool
}

// Observer receives transition events synchronously inside Tick.
type Observer func(Event)

type lane struct {
	id           approach.Approach
	sig          *signal.Signal
	demand       int
	priority     float64
	waitingSince map[string]time.Time
	stale        bool
}

// Counters are the intersection-level tallies.
type Counters struct {
	Transitions signal.Counters `json:"transitions"`
	Cycles      int             `json:"cycles"`
	Promotions  int             `json:"promotions"`
	Preemptions int             `json:"preemptions"`
	Ticks       uint64          `json:"ticks"`
}

// Arbiter owns every approach signal. Not safe for concurrent use: all
// mutation happens inside Tick or Reset.
type Arbiter struct {
	cfg       Config
	lanes     []*lane
	index     map[approach.Approach]*lane
	observers []Observer

	ticks       uint64
	promotions  int
	preemptions int
}

// New validates cfg and returns an arbiter in its startup state at now.
func New(cfg Config, now time.Time) (*Arbiter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("arbiter config: %w", err)
	}
	a := &Arbiter{
		cfg:   cfg,
		index: make(map[approach.Approach]*lane, len(cfg.Approaches)),
	}
	for _, id := range cfg.Approaches {
		l := &lane{id: id, sig: signal.New(cfg.Policy, signal.Red, now)}
		a.lanes = append(a.lanes, l)
		a.index[id] = l
	}
	a.Reset(now)
	return a, nil
}

// AddObserver registers fn for transition events.
func (a *Arbiter) AddObserver(fn Observer) {
	a.observers = append(a.observers, fn)
}

// Reset restores every signal and counter to the startup state.
func (a *Arbiter) Reset(now time.Time) {
	for _, l := range a.lanes {
		initial := signal.Red
		if a.cfg.SeedGreen != nil && *a.cfg.SeedGreen == l.id {
			initial = signal.Green
		}
		l.sig.Reset(now, initial)
		l.demand = 0
		l.priority = 0
		l.waitingSince = make(map[string]time.Time)
		l.stale = false
	}
	a.ticks = 0
	a.promotions = 0
	a.preemptions = 0
}

// Approaches returns the configured approaches in tie-break order.
func (a *Arbiter) Approaches() []approach.Approach {
	out := make([]approach.Approach, len(a.cfg.Approaches))
	copy(out, a.cfg.Approaches)
	return out
}

// Phase returns the current phase of id.
func (a *Arbiter) Phase(id approach.Approach) (signal.Phase, bool) {
	l, ok := a.index[id]
	if !ok {
		return signal.Red, false
	}
	return l.sig.Phase(), true
}

// Phases returns the current phase of every approach.
func (a *Arbiter) Phases() map[approach.Approach]signal.Phase {
	out := make(map[approach.Approach]signal.Phase, len(a.lanes))
	for _, l := range a.lanes {
		out[l.id] = l.sig.Phase()
	}
	return out
}

// Tick runs one scheduling step at now with the latest demand. Approaches
// absent from d keep their last known demand and priority.
func (a *Arbiter) Tick(now time.Time, d approach.Demand) {
	a.ticks++

	for _, l := range a.lanes {
		occ, fresh := d[l.id]
		if !fresh {
			l.stale = true
			continue
		}
		a.absorb(l, now, occ)
	}

	active := a.active()
	switch {
	case active == nil:
		a.promote(now)
	case active.sig.Phase() == signal.Green:
		a.considerHandoff(now, active)
	}

	for _, l := range a.lanes {
		st := l.sig.State()
		early := l.sig.HandoffRequested() && st.Elapsed(now) < st.Duration
		tr, ok := l.sig.Step(now, l.demand)
		if !ok {
			continue
		}
		preempted := early && tr == signal.GreenToYellow
		if preempted {
			a.preemptions++
		}
		a.emit(now, l, tr, preempted)
	}
}

// absorb applies a fresh occupancy to l and rescores it. Entities count as
// waiting only while l is not GREEN.
func (a *Arbiter) absorb(l *lane, now time.Time, occ approach.Occupancy) {
	l.stale = false
	l.demand = occ.Count()

	if l.sig.Phase() == signal.Green {
		clear(l.waitingSince)
		l.priority = 0
		return
	}

	present := make(map[string]bool, len(occ.Entities))
	for _, id := range occ.Entities {
		present[id] = true
		if _, ok := l.waitingSince[id]; !ok {
			l.waitingSince[id] = now
		}
	}
	for id := range l.waitingSince {
		if !present[id] {
			delete(l.waitingSince, id)
		}
	}
	l.priority = a.score(l, now)
}

func (a *Arbiter) score(l *lane, now time.Time) float64 {
	if len(l.waitingSince) == 0 {
		return 0
	}
	norm := a.cfg.WaitNormalization.Seconds()
	waits := make([]float64, 0, len(l.waitingSince))
	for _, since := range l.waitingSince {
		waits = append(waits, now.Sub(since).Seconds()/norm)
	}
	// Summed in sorted order so equal wait sets score bit-identically.
	sort.Float64s(waits)
	return floats.Sum(waits)
}

// active returns the approach holding GREEN or YELLOW, if any.
func (a *Arbiter) active() *lane {
	for _, l := range a.lanes {
		if ph := l.sig.Phase(); ph == signal.Green || ph == signal.Yellow {
			return l
		}
	}
	return nil
}

// best returns the highest-priority lane other than skip. Ties go to the
// earlier lane in configured order.
func (a *Arbiter) best(skip *lane) *lane {
	var top *lane
	for _, l := range a.lanes {
		if l == skip {
			continue
		}
		if top == nil || l.priority > top.priority {
			top = l
		}
	}
	return top
}

func (a *Arbiter) promote(now time.Time) {
	l := a.best(nil)
	if l == nil || l.priority <= 0 {
		return
	}
	if err := l.sig.Promote(now, l.demand); err != nil {
		// Unreachable while active() reports no GREEN/YELLOW.
		monitoring.Logf("arbiter: promote %s: %v", l.id, err)
		return
	}
	prio := l.priority
	clear(l.waitingSince)
	l.priority = 0
	a.promotions++
	monitoring.Debugf("arbiter: promoted %s (priority %.2f, demand %d)", l.id, prio, l.demand)
	a.emitWithPriority(now, l, signal.RedToGreen, false, prio)
}

func (a *Arbiter) considerHandoff(now time.Time, green *lane) {
	if a.cfg.PreemptPriority <= 0 || green.sig.HandoffRequested() {
		return
	}
	if green.sig.State().Elapsed(now) < a.cfg.Policy.MinGreen {
		return
	}
	rival := a.best(green)
	if rival == nil || rival.priority < a.cfg.PreemptPriority {
		return
	}
	green.sig.RequestHandoff()
	monitoring.Debugf("arbiter: %s requests hand-off from %s (%.2f)", rival.id, green.id, rival.priority)
}

func (a *Arbiter) emit(now time.Time, l *lane, tr signal.Transition, preempted bool) {
	a.emitWithPriority(now, l, tr, preempted, l.priority)
}

func (a *Arbiter) emitWithPriority(now time.Time, l *lane, tr signal.Transition, preempted bool, prio float64) {
	if len(a.observers) == 0 {
		return
	}
	st := l.sig.State()
	ev := Event{
		At:         st.EnteredAt,
		Approach:   l.id,
		Transition: tr,
		Demand:     l.demand,
		Priority:   prio,
		Duration:   st.Duration,
		Preempted:  preempted,
	}
	if ev.At.IsZero() {
		ev.At = now
	}
	for _, fn := range a.observers {
		fn(ev)
	}
}

// Counters returns the aggregate counters.
func (a *Arbiter) Counters() Counters {
	c := Counters{
		Promotions:  a.promotions,
		Preemptions: a.preemptions,
		Ticks:       a.ticks,
	}
	for _, l := range a.lanes {
		c.Transitions.Add(l.sig.Counters())
	}
	c.Cycles = c.Transitions.YellowToRed
	return c
}
