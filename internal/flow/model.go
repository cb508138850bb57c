// Package flow is a seeded discrete-time traffic generator. Vehicles spawn
// outside the frame, drive to their stop line, queue while their approach
// is not GREEN and leave the frame along a uniformly chosen legal route.
// It produces reproducible demand for exercising the arbiter without a
// live detector.
package flow

import (
	"fmt"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/demand"
	"github.com/banshee-data/traficon/internal/signal"
)

// Lanes are the offsets, in pixels right of the centre line, a vehicle may
// drive at. Each must be below Geometry.RoadHalfWidth.
var Lanes = []float64{25, 50, 75}

var idNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("traficon/flow"))

// Config configures a Model.
type Config struct {
	Approaches    []approach.Approach
	Geometry      Geometry
	Seed          uint64
	SpawnInterval time.Duration
	MinSpeed      float64 // pixels per second
	MaxSpeed      float64
	Headway       float64 // minimum gap to the vehicle ahead, pixels
}

// DefaultConfig returns the T-junction defaults.
func DefaultConfig() Config {
	return Config{
		Approaches:    []approach.Approach{approach.North, approach.West, approach.East},
		Geometry:      DefaultGeometry(),
		Seed:          1,
		SpawnInterval: 1200 * time.Millisecond,
		MinSpeed:      90,
		MaxSpeed:      150,
		Headway:       25,
	}
}

// Vehicle is one simulated road user.
type Vehicle struct {
	ID     string
	Class  demand.Class
	Origin approach.Approach
	Route  Route
	Lane   float64
	Speed  float64
	Size   float64
	Pos    demand.Point

	start    demand.Point
	heading  demand.Point
	progress float64 // distance travelled since spawn
	crossed  bool    // past the stop line
	turned   bool
	Stopped  bool
	Waited   time.Duration
}

// Box is the vehicle's bounding box centred on its position.
func (v *Vehicle) Box() demand.BBox {
	h := v.Size / 2
	return demand.BBox{X1: v.Pos.X - h, Y1: v.Pos.Y - h, X2: v.Pos.X + h, Y2: v.Pos.Y + h}
}

// Stats summarises a run.
type Stats struct {
	Spawned  int           `json:"spawned"`
	Retired  int           `json:"retired"`
	Active   int           `json:"active"`
	MeanWait time.Duration `json:"mean_wait"`
	P95Wait  time.Duration `json:"p95_wait"`
	MaxWait  time.Duration `json:"max_wait"`
}

// Model is not safe for concurrent use.
type Model struct {
	cfg   Config
	rng   *rand.Rand
	legal map[approach.Approach][]Route

	elapsed  time.Duration
	spawnAcc time.Duration
	seq      uint64
	spawned  int
	vehicles []*Vehicle
	waits    []float64 // seconds stopped, per retired vehicle
	retired  int
}

// New validates cfg and returns a model.
func New(cfg Config) (*Model, error) {
	if len(cfg.Approaches) < 2 {
		return nil, fmt.Errorf("flow: at least 2 approaches required, got %d", len(cfg.Approaches))
	}
	if cfg.SpawnInterval <= 0 {
		return nil, fmt.Errorf("flow: spawn interval must be positive")
	}
	if cfg.MinSpeed <= 0 || cfg.MaxSpeed < cfg.MinSpeed {
		return nil, fmt.Errorf("flow: invalid speed range [%v, %v]", cfg.MinSpeed, cfg.MaxSpeed)
	}
	if cfg.Headway <= 0 {
		return nil, fmt.Errorf("flow: headway must be positive")
	}
	m := &Model{cfg: cfg, legal: make(map[approach.Approach][]Route)}
	for _, a := range cfg.Approaches {
		if !a.Valid() {
			return nil, fmt.Errorf("flow: invalid approach %d", a)
		}
		m.legal[a] = LegalRoutes(a, cfg.Approaches)
		if len(m.legal[a]) == 0 {
			return nil, fmt.Errorf("flow: no legal route from %s", a)
		}
	}
	m.Reset()
	return m, nil
}

// Reset rewinds the model to its seeded initial state.
func (m *Model) Reset() {
	m.rng = rand.New(rand.NewPCG(m.cfg.Seed, m.cfg.Seed^0x9e3779b97f4a7c15))
	m.elapsed = 0
	m.spawnAcc = 0
	m.seq = 0
	m.spawned = 0
	m.vehicles = nil
	m.waits = nil
	m.retired = 0
}

// Zones returns the counting zones matching the model's queue areas.
func (m *Model) Zones() []demand.Zone {
	return m.cfg.Geometry.Zones(m.cfg.Approaches)
}

// Vehicles returns the active vehicles in spawn order.
func (m *Model) Vehicles() []Vehicle {
	out := make([]Vehicle, len(m.vehicles))
	for i, v := range m.vehicles {
		out[i] = *v
	}
	return out
}

// Step advances the model by dt. Vehicles on an approach whose phase is
// not GREEN, including approaches missing from phases, hold at the stop
// line.
func (m *Model) Step(dt time.Duration, phases map[approach.Approach]signal.Phase) {
	if dt <= 0 {
		return
	}
	m.elapsed += dt
	m.spawnAcc += dt
	for m.spawnAcc >= m.cfg.SpawnInterval {
		m.spawnAcc -= m.cfg.SpawnInterval
		m.spawn()
	}

	// Leaders first so followers see their updated position.
	order := make([]*Vehicle, len(m.vehicles))
	copy(order, m.vehicles)
	sort.SliceStable(order, func(i, j int) bool { return order[i].progress > order[j].progress })

	secs := dt.Seconds()
	for i, v := range order {
		target := v.progress + v.Speed*secs
		if !v.crossed {
			if stop := m.cfg.Geometry.stopDistance(v.Origin); phases[v.Origin] != signal.Green && target > stop {
				target = stop
			}
			for _, lead := range order[:i] {
				if lead.Origin == v.Origin && lead.Lane == v.Lane && !lead.turned {
					target = min(target, lead.progress-m.cfg.Headway)
				}
			}
		}
		v.Stopped = target <= v.progress
		if v.Stopped {
			v.Waited += dt
			continue
		}
		m.advance(v, target)
	}

	kept := m.vehicles[:0]
	for _, v := range m.vehicles {
		if m.cfg.Geometry.outside(v.Pos) {
			m.retired++
			m.waits = append(m.waits, v.Waited.Seconds())
			continue
		}
		kept = append(kept, v)
	}
	m.vehicles = kept
}

// advance moves v to the given distance along its route. Positions before
// the turn are derived from the spawn point so a vehicle held at its stop
// line sits exactly on it. A turning vehicle swings into its outbound lane
// where the two lanes cross.
func (m *Model) advance(v *Vehicle, target float64) {
	g := m.cfg.Geometry
	exit := Exit(v.Origin, v.Route)
	switch turnAt := g.turnPoint(v.Origin, exit, v.Lane); {
	case v.turned:
		d := target - v.progress
		v.Pos.X += v.heading.X * d
		v.Pos.Y += v.heading.Y * d
	case v.Route != Straight && target >= turnAt:
		in := inbound(v.Origin)
		v.Pos = demand.Point{X: v.start.X + in.X*turnAt, Y: v.start.Y + in.Y*turnAt}
		v.heading = outbound(exit)
		v.turned = true
		v.Pos.X += v.heading.X * (target - turnAt)
		v.Pos.Y += v.heading.Y * (target - turnAt)
	default:
		v.Pos = demand.Point{X: v.start.X + v.heading.X*target, Y: v.start.Y + v.heading.Y*target}
	}
	v.progress = target
	if v.progress > g.stopDistance(v.Origin) {
		v.crossed = true
	}
}

func (m *Model) spawn() {
	origin := m.cfg.Approaches[m.rng.IntN(len(m.cfg.Approaches))]
	routes := m.legal[origin]
	lane := Lanes[m.rng.IntN(len(Lanes))]
	start := m.cfg.Geometry.spawnPoint(origin, lane)
	v := &Vehicle{
		ID:      uuid.NewSHA1(idNamespace, fmt.Appendf(nil, "%d/%d", m.cfg.Seed, m.seq)).String(),
		Class:   m.pickClass(),
		Origin:  origin,
		Route:   routes[m.rng.IntN(len(routes))],
		Lane:    lane,
		Speed:   m.cfg.MinSpeed + m.rng.Float64()*(m.cfg.MaxSpeed-m.cfg.MinSpeed),
		Size:    15 + float64(m.rng.IntN(6)),
		Pos:     start,
		start:   start,
		heading: inbound(origin),
	}
	m.seq++

	// Do not spawn on top of a vehicle still waiting at the entry.
	for _, o := range m.vehicles {
		if o.Origin == origin && o.Lane == lane && !o.turned && o.progress < m.cfg.Headway {
			return
		}
	}
	m.vehicles = append(m.vehicles, v)
	m.spawned++
}

func (m *Model) pickClass() demand.Class {
	switch n := m.rng.IntN(20); {
	case n < 15:
		return demand.ClassCar
	case n < 17:
		return demand.ClassMotorcycle
	case n < 19:
		return demand.ClassTruck
	default:
		return demand.ClassBus
	}
}

// Demand returns the occupancy of each approach's queue zone: vehicles
// from that approach whose box centroid is inside the zone, as a detector
// would see them. The zone ends at the stop line, so crossed vehicles are
// not counted.
func (m *Model) Demand() approach.Demand {
	out := make(approach.Demand, len(m.cfg.Approaches))
	for _, a := range m.cfg.Approaches {
		out[a] = approach.Occupancy{}
	}
	for _, v := range m.vehicles {
		if !m.cfg.Geometry.QueueZone(v.Origin).Contains(v.Box().Centroid()) {
			continue
		}
		occ := out[v.Origin]
		occ.Entities = append(occ.Entities, v.ID)
		out[v.Origin] = occ
	}
	for a, occ := range out {
		sort.Strings(occ.Entities)
		out[a] = occ
	}
	return out
}

// Detections renders the vehicles fully inside the frame as detector
// output, so the estimator path can be driven end to end.
func (m *Model) Detections() []demand.Detection {
	var out []demand.Detection
	for _, v := range m.vehicles {
		b := v.Box()
		if !m.cfg.Geometry.onCanvas(b) {
			continue
		}
		out = append(out, demand.Detection{TrackID: v.ID, Class: string(v.Class), Box: b})
	}
	return out
}

// Elapsed returns simulated time since the last reset.
func (m *Model) Elapsed() time.Duration { return m.elapsed }

// Stats summarises stop times of the vehicles retired so far.
func (m *Model) Stats() Stats {
	s := Stats{Spawned: m.spawned, Retired: m.retired, Active: len(m.vehicles)}
	if len(m.waits) == 0 {
		return s
	}
	sorted := make([]float64, len(m.waits))
	copy(sorted, m.waits)
	sort.Float64s(sorted)
	s.MeanWait = seconds(stat.Mean(sorted, nil))
	s.P95Wait = seconds(stat.Quantile(0.95, stat.Empirical, sorted, nil))
	s.MaxWait = seconds(floats.Max(sorted))
	return s
}

func seconds(f float64) time.Duration {
	return time.Duration(f * float64(time.Second))
}
