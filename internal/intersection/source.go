package intersection

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/demand"
	"github.com/banshee-data/traficon/internal/flow"
	"github.com/banshee-data/traficon/internal/monitoring"
	"github.com/banshee-data/traficon/internal/signal"
	"github.com/banshee-data/traficon/internal/timeutil"
)

// FlowSource feeds a flow model's output to the controller. The model is
// advanced by the clock time elapsed since the previous call.
type FlowSource struct {
	model *flow.Model
	clock timeutil.Clock
	last  time.Time
	// Direct bypasses the estimator and feeds the model's queue occupancy.
	Direct bool
}

// NewFlowSource starts the model at the clock's current time.
func NewFlowSource(m *flow.Model, clock timeutil.Clock) *FlowSource {
	return &FlowSource{model: m, clock: clock, last: clock.Now()}
}

func (s *FlowSource) Next(phases map[approach.Approach]signal.Phase) (Frame, error) {
	now := s.clock.Now()
	s.model.Step(now.Sub(s.last), phases)
	s.last = now
	if s.Direct {
		return Frame{Demand: s.model.Demand()}, nil
	}
	return Frame{Detections: s.model.Detections()}, nil
}

// Model returns the underlying flow model.
func (s *FlowSource) Model() *flow.Model { return s.model }

// ReplayRecord is one line of a replay file.
type ReplayRecord struct {
	T          float64            `json:"t"` // seconds since the start of the recording
	Detections []demand.Detection `json:"detections"`
}

// ReplaySource plays back JSON-lines detector output against the clock.
// Each tick consumes every record due by then and uses the last one. A
// tick with no record due is a sensing gap: every approach is reported
// stale rather than empty.
type ReplaySource struct {
	sc      *bufio.Scanner
	clock   timeutil.Clock
	start   time.Time
	pending *ReplayRecord
	line    int
	skipped int
	done    bool
}

// NewReplaySource reads records from r, with t=0 at the clock's current
// time.
func NewReplaySource(r io.Reader, clock timeutil.Clock) *ReplaySource {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	return &ReplaySource{sc: sc, clock: clock, start: clock.Now()}
}

// read returns the next well-formed record. Malformed lines are skipped.
func (s *ReplaySource) read() (*ReplayRecord, error) {
	for s.sc.Scan() {
		s.line++
		b := s.sc.Bytes()
		if len(b) == 0 {
			continue
		}
		var rec ReplayRecord
		if err := json.Unmarshal(b, &rec); err != nil {
			s.skipped++
			monitoring.Logf("replay: skipping line %d: %v", s.line, err)
			continue
		}
		return &rec, nil
	}
	if err := s.sc.Err(); err != nil {
		return nil, fmt.Errorf("replay: line %d: %w", s.line+1, err)
	}
	return nil, io.EOF
}

func (s *ReplaySource) Next(map[approach.Approach]signal.Phase) (Frame, error) {
	if s.done {
		return Frame{}, io.EOF
	}
	elapsed := s.clock.Since(s.start).Seconds()

	var due *ReplayRecord
	for {
		if s.pending == nil {
			rec, err := s.read()
			if err == io.EOF {
				if due == nil {
					s.done = true
					return Frame{}, io.EOF
				}
				break
			}
			if err != nil {
				return Frame{}, err
			}
			s.pending = rec
		}
		if s.pending.T > elapsed {
			break
		}
		due, s.pending = s.pending, nil
	}
	if due == nil {
		return Frame{Demand: approach.Demand{}}, nil
	}
	return Frame{Detections: due.Detections}, nil
}

// Skipped returns the number of malformed lines skipped so far.
func (s *ReplaySource) Skipped() int { return s.skipped }
