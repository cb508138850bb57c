// Package demand turns per-frame detector tracks into per-approach demand.
//
// Live occupancy is recomputed every tick. Unique counts are cumulative and
// keyed by track identity, so a track that leaves and re-enters a zone is
// counted once. A track break upstream (new identity for the same object)
// is counted again; the estimator cannot tell the two apart.
package demand

import (
	"fmt"
	"sort"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/monitoring"
)

// Config configures an Estimator.
type Config struct {
	Zones         []Zone
	DemandClasses []Class
	// MaxMisses is the number of consecutive ticks a track may go
	// unobserved before it is retired.
	MaxMisses int
}

type seenKey struct {
	approach approach.Approach
	class    Class
	id       string
}

type classKey struct {
	class Class
	id    string
}

// Estimator owns track state and unique-count sets. Not safe for
// concurrent use.
type Estimator struct {
	zones      []Zone
	approaches []approach.Approach
	demandSet  map[Class]bool
	maxMisses  int

	tick    uint64
	tracks  map[string]*TrackedEntity
	seen    map[seenKey]struct{}
	byClass map[classKey]struct{}
	unique  map[approach.Approach]map[Class]int
	totals  map[Class]int
	dropped int
}

// NewEstimator validates cfg and returns a ready estimator.
func NewEstimator(cfg Config) (*Estimator, error) {
	if len(cfg.Zones) == 0 {
		return nil, fmt.Errorf("demand: at least one zone is required")
	}
	e := &Estimator{
		demandSet: make(map[Class]bool),
		maxMisses: cfg.MaxMisses,
	}
	if e.maxMisses <= 0 {
		e.maxMisses = 1
	}
	present := make(map[approach.Approach]bool)
	for i, z := range cfg.Zones {
		if !z.Approach.Valid() {
			return nil, fmt.Errorf("demand: zone %d has invalid approach", i)
		}
		if !z.Rect.Valid() {
			return nil, fmt.Errorf("demand: zone %d (%s) has invalid rect %+v", i, z.Approach, z.Rect)
		}
		e.zones = append(e.zones, z)
		if !present[z.Approach] {
			present[z.Approach] = true
			e.approaches = append(e.approaches, z.Approach)
		}
	}
	classes := cfg.DemandClasses
	if len(classes) == 0 {
		classes = DefaultDemandClasses
	}
	for _, c := range classes {
		if _, err := ParseClass(string(c)); err != nil {
			return nil, fmt.Errorf("demand: %w", err)
		}
		e.demandSet[c] = true
	}
	e.Reset()
	return e, nil
}

// Reset clears tracks, unique-count sets and counters.
func (e *Estimator) Reset() {
	e.tick = 0
	e.tracks = make(map[string]*TrackedEntity)
	e.seen = make(map[seenKey]struct{})
	e.byClass = make(map[classKey]struct{})
	e.unique = make(map[approach.Approach]map[Class]int)
	e.totals = make(map[Class]int)
	e.dropped = 0
}

// Zones returns the configured zones.
func (e *Estimator) Zones() []Zone {
	out := make([]Zone, len(e.zones))
	copy(out, e.zones)
	return out
}

// zoneFor returns the first zone in configured order containing p.
func (e *Estimator) zoneFor(p Point) (approach.Approach, bool) {
	for _, z := range e.zones {
		if z.Rect.Contains(p) {
			return z.Approach, true
		}
	}
	return 0, false
}

// Observe consumes one frame of detections and returns the occupancy of
// every zoned approach for this tick. An empty frame yields empty
// occupancy, not stale data.
func (e *Estimator) Observe(dets []Detection) approach.Demand {
	e.tick++
	out := make(approach.Demand, len(e.approaches))
	for _, a := range e.approaches {
		out[a] = approach.Occupancy{}
	}

	observed := make(map[string]bool, len(dets))
	for _, d := range dets {
		if d.TrackID == "" || !d.Box.valid() {
			e.dropped++
			continue
		}
		class, err := ParseClass(d.Class)
		if err != nil {
			e.dropped++
			continue
		}
		if observed[d.TrackID] {
			// Duplicate identity within a frame; first wins.
			e.dropped++
			continue
		}
		c := d.Box.Centroid()
		a, inside := e.zoneFor(c)
		if !inside {
			// Outside every zone: ignored entirely, and a track that
			// left its zone is retired.
			delete(e.tracks, d.TrackID)
			continue
		}
		observed[d.TrackID] = true

		tr, ok := e.tracks[d.TrackID]
		if !ok {
			tr = &TrackedEntity{TrackID: d.TrackID, FirstSeen: e.tick}
			e.tracks[d.TrackID] = tr
		}
		tr.Class = class
		tr.Approach = a
		tr.Position = c
		tr.Inside = true
		tr.LastSeen = e.tick
		tr.Misses = 0

		e.countUnique(a, class, d.TrackID)

		if e.demandSet[class] {
			occ := out[a]
			occ.Entities = append(occ.Entities, d.TrackID)
			out[a] = occ
		}
	}

	for id, tr := range e.tracks {
		if observed[id] {
			continue
		}
		tr.Misses++
		tr.Inside = false
		if tr.Misses >= e.maxMisses {
			delete(e.tracks, id)
		}
	}

	for a, occ := range out {
		sort.Strings(occ.Entities)
		out[a] = occ
	}
	return out
}

func (e *Estimator) countUnique(a approach.Approach, c Class, id string) {
	k := seenKey{approach: a, class: c, id: id}
	if _, ok := e.seen[k]; !ok {
		e.seen[k] = struct{}{}
		if e.unique[a] == nil {
			e.unique[a] = make(map[Class]int)
		}
		e.unique[a][c]++
	}
	ck := classKey{class: c, id: id}
	if _, ok := e.byClass[ck]; !ok {
		e.byClass[ck] = struct{}{}
		e.totals[c]++
		monitoring.Debugf("demand: new %s track %s on %s", c, id, a)
	}
}

// Tracks returns the live tracks sorted by identity.
func (e *Estimator) Tracks() []TrackedEntity {
	out := make([]TrackedEntity, 0, len(e.tracks))
	for _, tr := range e.tracks {
		out = append(out, *tr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrackID < out[j].TrackID })
	return out
}

// UniqueCounts returns cumulative unique identities per approach and class.
func (e *Estimator) UniqueCounts() map[approach.Approach]map[Class]int {
	out := make(map[approach.Approach]map[Class]int, len(e.unique))
	for a, m := range e.unique {
		cp := make(map[Class]int, len(m))
		for c, n := range m {
			cp[c] = n
		}
		out[a] = cp
	}
	return out
}

// ClassTotals returns cumulative unique identities per class across the
// whole intersection; an identity counts once per class.
func (e *Estimator) ClassTotals() map[Class]int {
	out := make(map[Class]int, len(e.totals))
	for c, n := range e.totals {
		out[c] = n
	}
	return out
}

// Dropped returns the number of malformed detections discarded since the
// last reset.
func (e *Estimator) Dropped() int { return e.dropped }

// Tick returns the number of frames observed since the last reset.
func (e *Estimator) Tick() uint64 { return e.tick }
