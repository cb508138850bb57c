package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/demand"
	"github.com/banshee-data/traficon/internal/signal"
)

const tick = 100 * time.Millisecond

func allRed(arms []approach.Approach) map[approach.Approach]signal.Phase {
	out := make(map[approach.Approach]signal.Phase, len(arms))
	for _, a := range arms {
		out[a] = signal.Red
	}
	return out
}

func TestDefaultGeometryZones(t *testing.T) {
	t.Parallel()
	g := DefaultGeometry()
	tests := []struct {
		a    approach.Approach
		want demand.Rect
	}{
		{approach.North, demand.Rect{X1: 300, Y1: 50, X2: 400, Y2: 250}},
		{approach.South, demand.Rect{X1: 400, Y1: 450, X2: 500, Y2: 650}},
		{approach.West, demand.Rect{X1: 100, Y1: 350, X2: 300, Y2: 450}},
		{approach.East, demand.Rect{X1: 500, Y1: 250, X2: 700, Y2: 350}},
	}
	for _, tt := range tests {
		t.Run(tt.a.String(), func(t *testing.T) {
			got := g.QueueZone(tt.a)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestExitIsExhaustive(t *testing.T) {
	t.Parallel()
	for _, a := range approach.All {
		exits := make(map[approach.Approach]bool)
		for _, r := range Routes {
			e := Exit(a, r)
			assert.NotEqual(t, a, e, "%s %s exits where it entered", a, r)
			exits[e] = true
		}
		assert.Len(t, exits, 3, "routes from %s must reach three distinct arms", a)
	}
}

func TestLegalRoutesTJunction(t *testing.T) {
	t.Parallel()
	arms := []approach.Approach{approach.North, approach.West, approach.East}
	assert.Equal(t, []Route{Left, Right}, LegalRoutes(approach.North, arms))
	assert.Equal(t, []Route{Straight, Left}, LegalRoutes(approach.West, arms))
	assert.Equal(t, []Route{Straight, Right}, LegalRoutes(approach.East, arms))
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()
	bad := []func(*Config){
		func(c *Config) { c.Approaches = c.Approaches[:1] },
		func(c *Config) { c.SpawnInterval = 0 },
		func(c *Config) { c.MinSpeed = 0 },
		func(c *Config) { c.MaxSpeed = c.MinSpeed - 1 },
		func(c *Config) { c.Headway = 0 },
	}
	for i, mutate := range bad {
		cfg := DefaultConfig()
		mutate(&cfg)
		_, err := New(cfg)
		assert.Error(t, err, "case %d", i)
	}
}

func TestSpawnInterval(t *testing.T) {
	t.Parallel()
	m, err := New(DefaultConfig())
	require.NoError(t, err)

	phases := allRed(DefaultConfig().Approaches)
	for range 11 {
		m.Step(tick, phases)
	}
	assert.Empty(t, m.Vehicles(), "nothing spawns before the first interval")
	m.Step(tick, phases)
	require.Len(t, m.Vehicles(), 1)
	assert.Equal(t, 1, m.Stats().Spawned)
}

func TestRedHoldsAtStopLine(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	phases := allRed(cfg.Approaches)

	for range 600 { // one simulated minute
		m.Step(tick, phases)
	}
	vs := m.Vehicles()
	require.NotEmpty(t, vs)
	g := cfg.Geometry
	for _, v := range vs {
		assert.False(t, v.crossed, "vehicle %s ran the red", v.ID)
		assert.LessOrEqual(t, v.progress, g.stopDistance(v.Origin))
	}
	assert.Zero(t, m.Stats().Retired)

	d := m.Demand()
	total := 0
	for _, a := range cfg.Approaches {
		total += d[a].Count()
	}
	assert.Positive(t, total, "queued vehicles must show up as demand")
}

func TestHeadwayKeepsQueueApart(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	phases := allRed(cfg.Approaches)
	for range 900 {
		m.Step(tick, phases)
	}
	vs := m.Vehicles()
	for i := range vs {
		for j := range vs {
			if i == j || vs[i].Origin != vs[j].Origin || vs[i].Lane != vs[j].Lane {
				continue
			}
			gap := vs[i].progress - vs[j].progress
			if gap < 0 {
				gap = -gap
			}
			assert.GreaterOrEqual(t, gap, cfg.Headway-1e-9, "%s and %s overlap", vs[i].ID, vs[j].ID)
		}
	}
}

func TestGreenReleasesQueue(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	phases := allRed(cfg.Approaches)
	for range 300 {
		m.Step(tick, phases)
	}
	before := m.Demand()

	for _, a := range cfg.Approaches {
		phases[a] = signal.Green
	}
	for range 100 {
		m.Step(tick, phases)
	}
	after := m.Demand()
	for _, a := range cfg.Approaches {
		for _, id := range before[a].Entities {
			assert.NotContains(t, after[a].Entities, id, "%s still queued on %s after green", id, a)
		}
	}
	st := m.Stats()
	assert.Positive(t, st.Retired)
	assert.Positive(t, st.MaxWait)
	assert.LessOrEqual(t, st.MeanWait, st.MaxWait)
	assert.LessOrEqual(t, st.P95Wait, st.MaxWait)
}

func TestDeterministicForSeed(t *testing.T) {
	t.Parallel()
	run := func(seed uint64) []Vehicle {
		cfg := DefaultConfig()
		cfg.Seed = seed
		m, err := New(cfg)
		require.NoError(t, err)
		phases := allRed(cfg.Approaches)
		for i := range 400 {
			if i%50 == 0 {
				phases[cfg.Approaches[(i/50)%len(cfg.Approaches)]] = signal.Green
			}
			m.Step(tick, phases)
		}
		return m.Vehicles()
	}
	a, b := run(7), run(7)
	require.Equal(t, len(a), len(b))
	for i := range a {
		assert.Equal(t, a[i].ID, b[i].ID)
		assert.Equal(t, a[i].Pos, b[i].Pos)
	}
	c := run(8)
	if len(c) > 0 && len(a) > 0 {
		assert.NotEqual(t, a[0].ID, c[0].ID, "ids must depend on the seed")
	}
}

func TestResetRewinds(t *testing.T) {
	t.Parallel()
	m, err := New(DefaultConfig())
	require.NoError(t, err)
	phases := allRed(DefaultConfig().Approaches)
	for range 100 {
		m.Step(tick, phases)
	}
	first := m.Vehicles()
	m.Reset()
	assert.Empty(t, m.Vehicles())
	assert.Zero(t, m.Elapsed())
	for range 100 {
		m.Step(tick, phases)
	}
	assert.Equal(t, first, m.Vehicles())
}

func TestDetectionsFeedEstimator(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	m, err := New(cfg)
	require.NoError(t, err)
	est, err := demand.NewEstimator(demand.Config{Zones: m.Zones()})
	require.NoError(t, err)

	phases := allRed(cfg.Approaches)
	for range 300 {
		m.Step(tick, phases)
	}
	dets := m.Detections()
	require.NotEmpty(t, dets)
	for _, d := range dets {
		assert.True(t, cfg.Geometry.onCanvas(d.Box))
	}
	got := est.Observe(dets)
	want := m.Demand()
	for _, a := range cfg.Approaches {
		assert.Equal(t, want[a].Entities, got[a].Entities, "approach %s", a)
	}
	assert.Zero(t, est.Dropped())
}

func TestDetectionsMatchDemandWhileTrafficFlows(t *testing.T) {
	t.Parallel()
	for _, arms := range [][]approach.Approach{
		{approach.North, approach.West, approach.East},
		approach.All,
	} {
		cfg := DefaultConfig()
		cfg.Approaches = arms
		m, err := New(cfg)
		require.NoError(t, err)
		est, err := demand.NewEstimator(demand.Config{Zones: m.Zones()})
		require.NoError(t, err)

		origin := make(map[string]approach.Approach)
		phases := allRed(arms)
		for i := range 2400 {
			// Each arm gets a 60s green in turn; the first is north.
			for j, a := range arms {
				phases[a] = signal.Red
				if (i/600)%len(arms) == j {
					phases[a] = signal.Green
				}
			}
			m.Step(tick, phases)
			for _, v := range m.Vehicles() {
				origin[v.ID] = v.Origin
			}

			got := est.Observe(m.Detections())
			want := m.Demand()
			for _, a := range arms {
				require.Equal(t, want[a].Entities, got[a].Entities, "tick %d approach %s", i, a)
				for _, id := range got[a].Entities {
					require.Equal(t, a, origin[id], "tick %d: %s counted on %s", i, id, a)
				}
			}
		}
		assert.Positive(t, m.Stats().Retired)
	}
}

func TestVehiclesKeepRight(t *testing.T) {
	t.Parallel()
	cfg := DefaultConfig()
	cfg.Approaches = approach.All
	m, err := New(cfg)
	require.NoError(t, err)
	phases := allRed(cfg.Approaches)
	for _, a := range cfg.Approaches {
		phases[a] = signal.Green
	}
	c := cfg.Geometry.Center()
	turned := 0
	for range 1200 {
		m.Step(tick, phases)
		for _, v := range m.Vehicles() {
			h := inbound(v.Origin)
			if v.turned {
				h = outbound(Exit(v.Origin, v.Route))
				turned++
			}
			r := rightOf(h)
			side := (v.Pos.X-c.X)*r.X + (v.Pos.Y-c.Y)*r.Y
			require.InDelta(t, v.Lane, side, 1e-6, "%s from %s (%s) left its lane", v.ID, v.Origin, v.Route)
		}
	}
	assert.Positive(t, turned)
}
