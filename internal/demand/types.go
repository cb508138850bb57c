package demand

import (
	"fmt"
	"math"
	"strings"

	"github.com/banshee-data/traficon/internal/approach"
)

// Class is the detector's object category.
type Class string

const (
	ClassPerson     Class = "person"
	ClassBicycle    Class = "bicycle"
	ClassCar        Class = "car"
	ClassMotorcycle Class = "motorcycle"
	ClassBus        Class = "bus"
	ClassTruck      Class = "truck"
)

// KnownClasses lists every class the estimator accepts.
var KnownClasses = []Class{ClassPerson, ClassBicycle, ClassCar, ClassMotorcycle, ClassBus, ClassTruck}

// DefaultDemandClasses are the classes that queue for a green.
var DefaultDemandClasses = []Class{ClassCar, ClassMotorcycle, ClassBus, ClassTruck}

// ParseClass normalises a detector label. Unknown labels return an error.
func ParseClass(s string) (Class, error) {
	c := Class(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range KnownClasses {
		if c == k {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown class %q", s)
}

// Point is a position in image (pixel) coordinates.
type Point struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BBox is an axis-aligned bounding box [X1,Y1]-[X2,Y2] in pixels.
type BBox struct {
	X1, Y1, X2, Y2 float64
}

// Centroid is the reference point used for zone membership.
func (b BBox) Centroid() Point {
	return Point{X: (b.X1 + b.X2) / 2, Y: (b.Y1 + b.Y2) / 2}
}

func (b BBox) valid() bool {
	for _, v := range []float64{b.X1, b.Y1, b.X2, b.Y2} {
		if math.IsNaN(v) || math.IsInf(v, 0) || v < 0 {
			return false
		}
	}
	return b.X2 >= b.X1 && b.Y2 >= b.Y1
}

// Rect is a counting region. Both edges are inclusive.
type Rect struct {
	X1 float64 `json:"x1"`
	Y1 float64 `json:"y1"`
	X2 float64 `json:"x2"`
	Y2 float64 `json:"y2"`
}

// Contains reports whether p lies inside r, edges included.
func (r Rect) Contains(p Point) bool {
	return r.X1 <= p.X && p.X <= r.X2 && r.Y1 <= p.Y && p.Y <= r.Y2
}

// Valid reports whether r has non-negative, ordered corners.
func (r Rect) Valid() bool {
	return r.X1 >= 0 && r.Y1 >= 0 && r.X2 > r.X1 && r.Y2 > r.Y1
}

// Zone binds a counting region to an approach.
type Zone struct {
	Approach approach.Approach `json:"approach"`
	Rect     Rect              `json:"rect"`
}

// Detection is one tracked object reported by the detector for a frame.
type Detection struct {
	TrackID string `json:"track_id"`
	Class   string `json:"class"`
	Box     BBox   `json:"box"`
}

// TrackedEntity is the estimator's view of one detector track.
type TrackedEntity struct {
	TrackID   string
	Class     Class
	Approach  approach.Approach
	Position  Point
	Inside    bool
	FirstSeen uint64 // tick
	LastSeen  uint64 // tick
	Misses    int
}
