package intersection

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/demand"
	"github.com/banshee-data/traficon/internal/monitoring"
	"github.com/banshee-data/traficon/internal/signal"
)

// Frame is one tick of input. When Demand is non-nil it is used directly
// and Detections is ignored.
type Frame struct {
	Detections []demand.Detection
	Demand     approach.Demand
}

// Source supplies the input for each tick. Returning io.EOF ends the run.
type Source interface {
	Next(phases map[approach.Approach]signal.Phase) (Frame, error)
}

// Runner drives a Controller from a Source and publishes each report for
// concurrent readers. Only the goroutine calling Tick or Run touches the
// controller; other goroutines use Latest and RequestReset.
type Runner struct {
	ctrl   *Controller
	src    Source
	latest atomic.Pointer[Report]
	resets chan struct{}
}

// NewRunner returns a runner with the controller's current report
// published.
func NewRunner(ctrl *Controller, src Source) *Runner {
	r := &Runner{ctrl: ctrl, src: src, resets: make(chan struct{}, 1)}
	rep := ctrl.Report()
	r.latest.Store(&rep)
	return r
}

// Latest returns the most recently published report.
func (r *Runner) Latest() Report { return *r.latest.Load() }

// RequestReset asks the loop to reset before its next tick. Requests made
// while one is already pending are coalesced.
func (r *Runner) RequestReset() {
	select {
	case r.resets <- struct{}{}:
	default:
	}
}

// Tick applies any pending reset, then runs one tick.
func (r *Runner) Tick() error {
	select {
	case <-r.resets:
		r.ctrl.Reset()
		r.publish(r.ctrl.Report())
	default:
	}

	f, err := r.src.Next(r.ctrl.Phases())
	if err != nil {
		return err
	}
	var rep Report
	if f.Demand != nil {
		rep = r.ctrl.StepDemand(f.Demand)
	} else {
		rep = r.ctrl.Step(f.Detections)
	}
	r.publish(rep)
	return nil
}

func (r *Runner) publish(rep Report) {
	r.latest.Store(&rep)
}

// Run ticks on every value from ticks until ctx is done or the source is
// exhausted. Exhaustion is not an error.
func (r *Runner) Run(ctx context.Context, ticks <-chan time.Time) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-ticks:
			if !ok {
				return nil
			}
			if err := r.Tick(); err != nil {
				if errors.Is(err, io.EOF) {
					monitoring.Logf("intersection: source exhausted")
					return nil
				}
				return err
			}
		}
	}
}
