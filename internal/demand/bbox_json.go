package demand

import (
	"encoding/json"
	"fmt"
)

// MarshalJSON encodes the box as [x1, y1, x2, y2], the layout detectors emit.
func (b BBox) MarshalJSON() ([]byte, error) {
	return json.Marshal([4]float64{b.X1, b.Y1, b.X2, b.Y2})
}

func (b *BBox) UnmarshalJSON(data []byte) error {
	var v []float64
	if err := json.Unmarshal(data, &v); err != nil {
		return fmt.Errorf("box: %w", err)
	}
	if len(v) != 4 {
		return fmt.Errorf("box: want 4 coordinates, got %d", len(v))
	}
	*b = BBox{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
	return nil
}
