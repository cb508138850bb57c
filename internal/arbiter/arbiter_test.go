package arbiter

import (
	"fmt"
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/signal"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

func occ(prefix string, n int) approach.Occupancy {
	o := approach.Occupancy{}
	for i := 0; i < n; i++ {
		o.Entities = append(o.Entities, fmt.Sprintf("%s-%d", prefix, i))
	}
	return o
}

func testConfig(approaches ...approach.Approach) Config {
	return Config{
		Approaches:        approaches,
		Policy:            signal.DefaultPolicy(),
		WaitNormalization: time.Second,
	}
}

func newArbiter(t *testing.T, cfg Config) *Arbiter {
	t.Helper()
	a, err := New(cfg, t0)
	require.NoError(t, err)
	return a
}

type recorder struct {
	events []Event
}

func (r *recorder) observe(e Event) { r.events = append(r.events, e) }

func (r *recorder) kinds() []signal.Transition {
	var out []signal.Transition
	for _, e := range r.events {
		out = append(out, e.Transition)
	}
	return out
}

func TestScenario_HighDemandPromotedWithBonus(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.West, approach.East)
	arb := newArbiter(t, cfg)
	rec := &recorder{}
	arb.AddObserver(rec.observe)

	d := approach.Demand{approach.West: occ("w", 7), approach.East: {}}

	// Entities have not waited yet on the first tick.
	arb.Tick(t0, d)
	_, green := arb.Snapshot(t0).Green()
	assert.False(t, green)

	now := t0.Add(time.Second)
	arb.Tick(now, d)

	snap := arb.Snapshot(now)
	w, _ := snap.Status(approach.West)
	e, _ := snap.Status(approach.East)
	assert.Equal(t, signal.Green, w.Phase)
	assert.Equal(t, cfg.Policy.BaseGreen+8*time.Second, w.Remaining)
	assert.Equal(t, signal.Red, e.Phase)
	assert.Equal(t, signal.Counters{}, e.Counters)

	require.Len(t, rec.events, 1)
	assert.Equal(t, signal.RedToGreen, rec.events[0].Transition)
	assert.Equal(t, approach.West, rec.events[0].Approach)
	assert.InDelta(t, 7.0, rec.events[0].Priority, 1e-9)
	assert.Equal(t, 18*time.Second, rec.events[0].Duration)
}

func TestScenario_GreenRunsOutThroughExactYellow(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.South)
	seed := approach.North
	cfg.SeedGreen = &seed
	arb := newArbiter(t, cfg)
	rec := &recorder{}
	arb.AddObserver(rec.observe)

	step := 100 * time.Millisecond
	for now := t0; now.Before(t0.Add(20 * time.Second)); now = now.Add(step) {
		arb.Tick(now, approach.Demand{approach.North: {}, approach.South: {}})
	}

	require.Equal(t, []signal.Transition{signal.GreenToYellow, signal.YellowToRed}, rec.kinds())
	assert.Equal(t, t0.Add(cfg.Policy.BaseGreen), rec.events[0].At)
	assert.Equal(t, cfg.Policy.Yellow, rec.events[1].At.Sub(rec.events[0].At))

	ph, _ := arb.Phase(approach.North)
	assert.Equal(t, signal.Red, ph)
	assert.Equal(t, 1, arb.Counters().Cycles)
}

func TestArbiter_IdleWithoutDemand(t *testing.T) {
	t.Parallel()
	arb := newArbiter(t, testConfig(approach.North, approach.East, approach.West))
	for i := 0; i < 100; i++ {
		now := t0.Add(time.Duration(i) * time.Second)
		arb.Tick(now, approach.Demand{approach.North: {}, approach.East: {}, approach.West: {}})
		_, green := arb.Snapshot(now).Green()
		require.False(t, green, "tick %d", i)
	}
	assert.Equal(t, 0, arb.Counters().Promotions)
}

func TestArbiter_TieBreakFollowsConfiguredOrder(t *testing.T) {
	t.Parallel()
	for _, order := range [][]approach.Approach{
		{approach.East, approach.West},
		{approach.West, approach.East},
	} {
		arb := newArbiter(t, testConfig(order...))
		d := approach.Demand{approach.East: occ("e", 3), approach.West: occ("w", 3)}
		arb.Tick(t0, d)
		arb.Tick(t0.Add(time.Second), d)
		g, ok := arb.Snapshot(t0.Add(time.Second)).Green()
		require.True(t, ok)
		assert.Equal(t, order[0], g)
	}
}

func TestArbiter_ExactTieIsDeterministic(t *testing.T) {
	t.Parallel()
	south := approach.South
	cfg := testConfig(approach.North, approach.East, approach.South)
	cfg.SeedGreen = &south

	arrivals := func(prefix string, tick int) approach.Occupancy {
		o := approach.Occupancy{}
		for k := 0; k < 8 && 3*k+1 <= tick; k++ {
			o.Entities = append(o.Entities, fmt.Sprintf("%s-%d", prefix, k))
		}
		return o
	}

	for run := 0; run < 300; run++ {
		arb := newArbiter(t, cfg)
		var winner *approach.Approach
		arb.AddObserver(func(e Event) {
			if e.Transition == signal.RedToGreen && winner == nil {
				w := e.Approach
				winner = &w
			}
		})
		for i := 0; i <= 140 && winner == nil; i++ {
			arb.Tick(t0.Add(time.Duration(i)*100*time.Millisecond), approach.Demand{
				approach.North: arrivals("n", i),
				approach.East:  arrivals("e", i),
				approach.South: {},
			})
		}
		require.NotNil(t, winner, "run %d", run)
		require.Equal(t, approach.North, *winner, "run %d", run)
	}
}

func TestArbiter_HigherPriorityWins(t *testing.T) {
	t.Parallel()
	arb := newArbiter(t, testConfig(approach.North, approach.East))
	arb.Tick(t0, approach.Demand{approach.North: occ("n", 1), approach.East: {}})
	// East arrives later with more vehicles but less accumulated wait.
	arb.Tick(t0.Add(5*time.Second), approach.Demand{approach.North: occ("n", 1), approach.East: occ("e", 2)})
	// North has 5s of accumulated wait; East's two vehicles have none yet.
	g, ok := arb.Snapshot(t0.Add(5 * time.Second)).Green()
	require.True(t, ok)
	assert.Equal(t, approach.North, g)
}

func TestArbiter_StaleApproachKeepsPriority(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.South)
	seed := approach.North
	cfg.SeedGreen = &seed
	arb := newArbiter(t, cfg)

	arb.Tick(t0, approach.Demand{approach.North: {}, approach.South: occ("s", 2)})
	arb.Tick(t0.Add(2*time.Second), approach.Demand{approach.North: {}, approach.South: occ("s", 2)})
	before, _ := arb.Snapshot(t0.Add(2 * time.Second)).Status(approach.South)
	require.InDelta(t, 4.0, before.Priority, 1e-9)

	// South's sensor goes quiet: missing, not empty.
	arb.Tick(t0.Add(3*time.Second), approach.Demand{approach.North: {}})
	after, _ := arb.Snapshot(t0.Add(3 * time.Second)).Status(approach.South)
	assert.True(t, after.Stale)
	assert.InDelta(t, before.Priority, after.Priority, 1e-9)
	assert.Equal(t, 2, after.Demand)

	// An empty observation, by contrast, clears it.
	arb.Tick(t0.Add(4*time.Second), approach.Demand{approach.North: {}, approach.South: {}})
	cleared, _ := arb.Snapshot(t0.Add(4 * time.Second)).Status(approach.South)
	assert.False(t, cleared.Stale)
	assert.Zero(t, cleared.Priority)
}

func TestArbiter_GreenApproachHasNoWaiters(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.South)
	seed := approach.North
	cfg.SeedGreen = &seed
	arb := newArbiter(t, cfg)

	arb.Tick(t0, approach.Demand{approach.North: occ("n", 5), approach.South: {}})
	arb.Tick(t0.Add(5*time.Second), approach.Demand{approach.North: occ("n", 5), approach.South: {}})
	st, _ := arb.Snapshot(t0.Add(5 * time.Second)).Status(approach.North)
	assert.Equal(t, signal.Green, st.Phase)
	assert.Zero(t, st.Priority)
	assert.Zero(t, st.Waiting)
	assert.Equal(t, 5, st.Demand)
}

func TestArbiter_YellowBlocksPromotion(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.South)
	seed := approach.North
	cfg.SeedGreen = &seed
	arb := newArbiter(t, cfg)
	d := approach.Demand{approach.North: {}, approach.South: occ("s", 4)}

	arb.Tick(t0, d)
	yellowAt := t0.Add(cfg.Policy.BaseGreen)
	arb.Tick(yellowAt, d)
	ph, _ := arb.Phase(approach.North)
	require.Equal(t, signal.Yellow, ph)

	arb.Tick(yellowAt.Add(time.Second), d)
	ph, _ = arb.Phase(approach.South)
	assert.Equal(t, signal.Red, ph, "no promotion while another approach is YELLOW")

	// North reaches RED on this tick; South is promoted on the next.
	redAt := yellowAt.Add(cfg.Policy.Yellow)
	arb.Tick(redAt, d)
	ph, _ = arb.Phase(approach.South)
	assert.Equal(t, signal.Red, ph)
	arb.Tick(redAt.Add(100*time.Millisecond), d)
	ph, _ = arb.Phase(approach.South)
	assert.Equal(t, signal.Green, ph)
}

func TestArbiter_MutualExclusionUnderRandomDemand(t *testing.T) {
	t.Parallel()
	for _, preempt := range []float64{0, 5} {
		cfg := testConfig(approach.North, approach.East, approach.South, approach.West)
		cfg.PreemptPriority = preempt
		arb := newArbiter(t, cfg)
		rec := &recorder{}
		arb.AddObserver(rec.observe)

		rng := rand.New(rand.NewPCG(42, uint64(preempt)))
		now := t0
		for i := 0; i < 5000; i++ {
			d := approach.Demand{}
			for _, a := range cfg.Approaches {
				if rng.IntN(10) == 0 {
					continue // stale this tick
				}
				d[a] = occ(a.String(), rng.IntN(9))
			}

			before := arb.Phases()
			rec.events = rec.events[:0]
			arb.Tick(now, d)

			greens := 0
			for _, ph := range arb.Phases() {
				if ph == signal.Green {
					greens++
				}
			}
			require.LessOrEqual(t, greens, 1, "tick %d", i)

			for _, ev := range rec.events {
				if ev.Transition != signal.RedToGreen {
					continue
				}
				for a, ph := range before {
					if a != ev.Approach {
						require.Equal(t, signal.Red, ph, "tick %d: %s promoted while %s was %s", i, ev.Approach, a, ph)
					}
				}
			}
			now = now.Add(time.Duration(50+rng.IntN(200)) * time.Millisecond)
		}
		assert.Positive(t, arb.Counters().Promotions)
	}
}

func TestArbiter_ClearanceNeverSkipped(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.West, approach.East)
	cfg.PreemptPriority = 3
	arb := newArbiter(t, cfg)
	rec := &recorder{}
	arb.AddObserver(rec.observe)

	rng := rand.New(rand.NewPCG(7, 7))
	now := t0
	for i := 0; i < 4000; i++ {
		d := approach.Demand{}
		for _, a := range cfg.Approaches {
			d[a] = occ(a.String(), rng.IntN(8))
		}
		arb.Tick(now, d)
		now = now.Add(time.Duration(30+rng.IntN(300)) * time.Millisecond)
	}

	last := map[approach.Approach]Event{}
	for _, ev := range rec.events {
		prev, seen := last[ev.Approach]
		switch ev.Transition {
		case signal.GreenToYellow:
			require.True(t, seen)
			require.Equal(t, signal.RedToGreen, prev.Transition)
		case signal.YellowToRed:
			require.True(t, seen)
			require.Equal(t, signal.GreenToYellow, prev.Transition)
			require.Equal(t, cfg.Policy.Yellow, ev.At.Sub(prev.At))
		case signal.RedToGreen:
			if seen {
				require.Equal(t, signal.YellowToRed, prev.Transition)
			}
		}
		last[ev.Approach] = ev
	}
}

func TestArbiter_StarvationBound(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.East, approach.West)
	arb := newArbiter(t, cfg)
	rec := &recorder{}
	arb.AddObserver(rec.observe)

	// One saturated approach and two light ones, all constantly occupied.
	d := approach.Demand{
		approach.North: occ("n", 12),
		approach.East:  occ("e", 1),
		approach.West:  occ("w", 1),
	}
	now := t0
	for i := 0; i < 3000; i++ {
		arb.Tick(now, d)
		now = now.Add(100 * time.Millisecond)
	}

	var order []approach.Approach
	for _, ev := range rec.events {
		if ev.Transition == signal.RedToGreen {
			order = append(order, ev.Approach)
		}
	}
	require.GreaterOrEqual(t, len(order), 9)

	// The saturated approach may be served back to back, but every
	// approach is served within any window of 2*len(approaches)
	// consecutive promotions.
	window := 2 * len(cfg.Approaches)
	for i := 0; i+window <= len(order); i++ {
		served := map[approach.Approach]bool{}
		for _, a := range order[i : i+window] {
			served[a] = true
		}
		assert.Len(t, served, len(cfg.Approaches), "window %d: %v", i, order[i:i+window])
	}
}

func TestArbiter_PreemptionRespectsMinGreen(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.South)
	cfg.PreemptPriority = 10
	seed := approach.North
	cfg.SeedGreen = &seed
	arb := newArbiter(t, cfg)
	rec := &recorder{}
	arb.AddObserver(rec.observe)

	d := approach.Demand{approach.North: occ("n", 8), approach.South: occ("s", 10)}
	arb.Tick(t0, d)
	// South reaches priority 20 before MinGreen has elapsed.
	arb.Tick(t0.Add(2*time.Second), d)
	ph, _ := arb.Phase(approach.North)
	require.Equal(t, signal.Green, ph)

	arb.Tick(t0.Add(cfg.Policy.MinGreen), d) // request issued
	arb.Tick(t0.Add(cfg.Policy.MinGreen+100*time.Millisecond), d)
	ph, _ = arb.Phase(approach.North)
	assert.Equal(t, signal.Yellow, ph)

	var y Event
	for _, ev := range rec.events {
		if ev.Transition == signal.GreenToYellow {
			y = ev
		}
	}
	assert.True(t, y.Preempted)
	assert.GreaterOrEqual(t, y.At.Sub(t0), cfg.Policy.MinGreen)
	assert.Equal(t, 1, arb.Counters().Preemptions)
}

func TestArbiter_NoPreemptionByDefault(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.South)
	seed := approach.North
	cfg.SeedGreen = &seed
	arb := newArbiter(t, cfg)

	d := approach.Demand{approach.North: occ("n", 1), approach.South: occ("s", 50)}
	for now := t0; now.Before(t0.Add(cfg.Policy.BaseGreen)); now = now.Add(100 * time.Millisecond) {
		arb.Tick(now, d)
		ph, _ := arb.Phase(approach.North)
		require.Equal(t, signal.Green, ph, "at %v", now.Sub(t0))
	}
	assert.Zero(t, arb.Counters().Preemptions)
}

func TestArbiter_Reset(t *testing.T) {
	t.Parallel()
	cfg := testConfig(approach.North, approach.South)
	seed := approach.South
	cfg.SeedGreen = &seed
	arb := newArbiter(t, cfg)

	d := approach.Demand{approach.North: occ("n", 3), approach.South: {}}
	now := t0
	for i := 0; i < 400; i++ {
		arb.Tick(now, d)
		now = now.Add(100 * time.Millisecond)
	}
	require.Positive(t, arb.Counters().Promotions)

	arb.Reset(now)
	snap := arb.Snapshot(now)
	assert.Equal(t, Counters{}, snap.Counters)
	g, ok := snap.Green()
	require.True(t, ok)
	assert.Equal(t, approach.South, g)
	n, _ := snap.Status(approach.North)
	assert.Zero(t, n.Priority)
	assert.Zero(t, n.Waiting)
}

func TestConfig_Validate(t *testing.T) {
	t.Parallel()
	good := testConfig(approach.North, approach.South)
	require.NoError(t, good.Validate())

	bogus := approach.East
	cases := map[string]func(*Config){
		"one approach":       func(c *Config) { c.Approaches = []approach.Approach{approach.North} },
		"duplicate approach": func(c *Config) { c.Approaches = []approach.Approach{approach.North, approach.North} },
		"invalid approach":   func(c *Config) { c.Approaches = append(c.Approaches, approach.Approach(77)) },
		"zero yellow":        func(c *Config) { c.Policy.Yellow = 0 },
		"zero normalization": func(c *Config) { c.WaitNormalization = 0 },
		"negative preempt":   func(c *Config) { c.PreemptPriority = -1 },
		"seed not present":   func(c *Config) { c.SeedGreen = &bogus },
	}
	for name, mutate := range cases {
		c := testConfig(approach.North, approach.South)
		mutate(&c)
		assert.Error(t, c.Validate(), name)
		_, err := New(c, t0)
		assert.Error(t, err, name)
	}
}
