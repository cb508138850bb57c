package flow

import (
	"fmt"

	"github.com/banshee-data/traficon/internal/approach"
)

// Route is the manoeuvre a vehicle makes at the conflict point.
type Route uint8

const (
	Straight Route = iota
	Left
	Right
)

// Routes lists every route in declaration order.
var Routes = []Route{Straight, Left, Right}

func (r Route) String() string {
	switch r {
	case Straight:
		return "straight"
	case Left:
		return "left"
	case Right:
		return "right"
	}
	return fmt.Sprintf("route(%d)", uint8(r))
}

// Exit returns the arm a vehicle entering from origin leaves through when
// it follows r. Turns are from the driver's point of view.
func Exit(origin approach.Approach, r Route) approach.Approach {
	switch r {
	case Straight:
		return origin.Opposite()
	case Left:
		switch origin {
		case approach.North:
			return approach.East
		case approach.East:
			return approach.South
		case approach.South:
			return approach.West
		case approach.West:
			return approach.North
		}
	case Right:
		switch origin {
		case approach.North:
			return approach.West
		case approach.East:
			return approach.North
		case approach.South:
			return approach.East
		case approach.West:
			return approach.South
		}
	}
	panic(fmt.Sprintf("flow: no exit for %s %s", origin, r))
}

// LegalRoutes returns the routes from origin whose exit arm exists.
func LegalRoutes(origin approach.Approach, arms []approach.Approach) []Route {
	present := make(map[approach.Approach]bool, len(arms))
	for _, a := range arms {
		present[a] = true
	}
	var out []Route
	for _, r := range Routes {
		if present[Exit(origin, r)] {
			out = append(out, r)
		}
	}
	return out
}
