package flow

import (
	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/demand"
)

// Geometry describes the simulated camera frame: a cross (or T) of two
// roads meeting at the centre of a Width x Height canvas. Traffic keeps to
// the right of the centre line.
type Geometry struct {
	Width, Height float64
	RoadHalfWidth float64
	// QueueDepth is how far a queue zone reaches back from the stop line.
	QueueDepth   float64
	SpawnMargin  float64 // vehicles appear this far outside the canvas
	RetireMargin float64 // and are retired this far outside it
}

// DefaultGeometry is an 800x700 frame with 200 px wide roads.
func DefaultGeometry() Geometry {
	return Geometry{
		Width:         800,
		Height:        700,
		RoadHalfWidth: 100,
		QueueDepth:    200,
		SpawnMargin:   30,
		RetireMargin:  50,
	}
}

// Center returns the conflict point of the two roads.
func (g Geometry) Center() demand.Point {
	return demand.Point{X: g.Width / 2, Y: g.Height / 2}
}

// QueueZone returns the rectangle in which vehicles queue for a: the
// inbound half of a's arm, from the stop line back QueueDepth. Traffic
// leaving through a uses the other half and is never inside it.
func (g Geometry) QueueZone(a approach.Approach) demand.Rect {
	c := g.Center()
	w := g.RoadHalfWidth
	switch a {
	case approach.North:
		stop := c.Y - w
		return demand.Rect{X1: c.X - w, Y1: max(stop-g.QueueDepth, 0), X2: c.X, Y2: stop}
	case approach.South:
		stop := c.Y + w
		return demand.Rect{X1: c.X, Y1: stop, X2: c.X + w, Y2: min(stop+g.QueueDepth, g.Height)}
	case approach.West:
		stop := c.X - w
		return demand.Rect{X1: max(stop-g.QueueDepth, 0), Y1: c.Y, X2: stop, Y2: c.Y + w}
	case approach.East:
		stop := c.X + w
		return demand.Rect{X1: stop, Y1: c.Y - w, X2: min(stop+g.QueueDepth, g.Width), Y2: c.Y}
	}
	return demand.Rect{}
}

// Zones returns the queue zones for order, in order.
func (g Geometry) Zones(order []approach.Approach) []demand.Zone {
	out := make([]demand.Zone, 0, len(order))
	for _, a := range order {
		out = append(out, demand.Zone{Approach: a, Rect: g.QueueZone(a)})
	}
	return out
}

// inbound is the unit heading of a vehicle entering from a.
func inbound(a approach.Approach) demand.Point {
	switch a {
	case approach.North:
		return demand.Point{X: 0, Y: 1}
	case approach.South:
		return demand.Point{X: 0, Y: -1}
	case approach.West:
		return demand.Point{X: 1, Y: 0}
	case approach.East:
		return demand.Point{X: -1, Y: 0}
	}
	return demand.Point{}
}

// outbound is the unit heading of a vehicle leaving through arm a.
func outbound(a approach.Approach) demand.Point {
	d := inbound(a)
	return demand.Point{X: -d.X, Y: -d.Y}
}

// rightOf is the unit vector to the driver's right for heading h, in
// screen coordinates (y grows downwards).
func rightOf(h demand.Point) demand.Point {
	return demand.Point{X: -h.Y, Y: h.X}
}

// spawnPoint is where a vehicle from a appears, lane pixels right of the
// centre line.
func (g Geometry) spawnPoint(a approach.Approach, lane float64) demand.Point {
	in := inbound(a)
	r := rightOf(in)
	back := g.turnDistance(a)
	c := g.Center()
	return demand.Point{X: c.X + r.X*lane - in.X*back, Y: c.Y + r.Y*lane - in.Y*back}
}

// stopDistance is the distance from the spawn point to a's stop line.
func (g Geometry) stopDistance(a approach.Approach) float64 {
	switch a {
	case approach.North, approach.South:
		return g.Height/2 - g.RoadHalfWidth + g.SpawnMargin
	case approach.West, approach.East:
		return g.Width/2 - g.RoadHalfWidth + g.SpawnMargin
	}
	return 0
}

// turnDistance is the distance from the spawn point to the centre line of
// the crossing road.
func (g Geometry) turnDistance(a approach.Approach) float64 {
	return g.stopDistance(a) + g.RoadHalfWidth
}

// turnPoint is the distance along the inbound lane at which a vehicle from
// a joins its outbound lane towards exit. Right turns come before the
// centre line, left turns after it.
func (g Geometry) turnPoint(a, exit approach.Approach, lane float64) float64 {
	in := inbound(a)
	r := rightOf(outbound(exit))
	return g.turnDistance(a) + lane*(r.X*in.X+r.Y*in.Y)
}

func (g Geometry) outside(p demand.Point) bool {
	m := g.RetireMargin
	return p.X < -m || p.X > g.Width+m || p.Y < -m || p.Y > g.Height+m
}

func (g Geometry) onCanvas(b demand.BBox) bool {
	return b.X1 >= 0 && b.Y1 >= 0 && b.X2 <= g.Width && b.Y2 <= g.Height
}
