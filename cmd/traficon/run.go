package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/banshee-data/traficon/internal/api"
	"github.com/banshee-data/traficon/internal/arbiter"
	"github.com/banshee-data/traficon/internal/config"
	"github.com/banshee-data/traficon/internal/db"
	"github.com/banshee-data/traficon/internal/flow"
	"github.com/banshee-data/traficon/internal/fsutil"
	"github.com/banshee-data/traficon/internal/intersection"
	"github.com/banshee-data/traficon/internal/monitoring"
	"github.com/banshee-data/traficon/internal/timeutil"
)

type options struct {
	Mode      string
	Config    *config.SignalConfig
	InputPath string
	Listen    string
	DBPath    string
	Ticks     int
	Realtime  bool
	Seed      uint64
	Direct    bool

	// Clock overrides the clock; tests inject a MockClock.
	Clock timeutil.Clock
}

type result struct {
	RunID  string
	Report intersection.Report
	Flow   *flow.Stats

	// Skipped counts malformed replay lines.
	Skipped int
}

func flowConfig(sc *config.SignalConfig, seed uint64) (flow.Config, error) {
	order, err := sc.GetApproaches()
	if err != nil {
		return flow.Config{}, err
	}
	lo, hi := sc.GetFlowSpeedRange()
	fc := flow.Config{
		Approaches:    order,
		Geometry:      sc.GetFlowGeometry(),
		Seed:          sc.GetFlowSeed(),
		SpawnInterval: sc.GetFlowSpawnInterval(),
		MinSpeed:      lo,
		MaxSpeed:      hi,
		Headway:       sc.GetFlowHeadway(),
	}
	if seed != 0 {
		fc.Seed = seed
	}
	return fc, nil
}

// logTransitions is the default observer: one log line per phase change.
func logTransitions(e arbiter.Event) {
	suffix := ""
	if e.Preempted {
		suffix = " (pre-empted)"
	}
	monitoring.Logf("%s %s %s demand=%d priority=%.2f next=%v%s",
		e.At.Format("15:04:05.000"), e.Approach, e.Transition, e.Demand, e.Priority, e.Duration, suffix)
}

func run(ctx context.Context, opts options) (result, error) {
	var res result

	clock := opts.Clock
	var mock *timeutil.MockClock
	if clock == nil {
		if opts.Realtime {
			clock = timeutil.RealClock{}
		} else {
			mock = timeutil.NewMockClock(timeutil.RealClock{}.Now())
			clock = mock
		}
	} else if m, ok := clock.(*timeutil.MockClock); ok {
		mock = m
	}

	cc, err := intersection.ConfigFrom(opts.Config)
	if err != nil {
		return res, err
	}
	ctrl, err := intersection.New(cc, clock)
	if err != nil {
		return res, err
	}
	ctrl.AddObserver(logTransitions)

	var src intersection.Source
	var fs *intersection.FlowSource
	var rs *intersection.ReplaySource
	if opts.InputPath != "" {
		f, err := fsutil.Default.Open(opts.InputPath)
		if err != nil {
			return res, fmt.Errorf("open replay: %w", err)
		}
		defer f.Close()
		rs = intersection.NewReplaySource(f, clock)
		src = rs
	} else {
		fc, err := flowConfig(opts.Config, opts.Seed)
		if err != nil {
			return res, err
		}
		model, err := flow.New(fc)
		if err != nil {
			return res, err
		}
		fs = intersection.NewFlowSource(model, clock)
		fs.Direct = opts.Direct
		src = fs
	}

	var database *db.DB
	if opts.DBPath != "" {
		database, err = db.OpenDB(opts.DBPath)
		if err != nil {
			return res, fmt.Errorf("open transition log: %w", err)
		}
		defer database.Close()
		cfgJSON, err := json.Marshal(opts.Config)
		if err != nil {
			return res, fmt.Errorf("encode config: %w", err)
		}
		res.RunID, err = database.StartRun(opts.Mode, cfgJSON, clock.Now())
		if err != nil {
			return res, err
		}
		ctrl.AddObserver(database.Observer(res.RunID))
		monitoring.Logf("transition log: run %s in %s", res.RunID, opts.DBPath)
	}

	runner := intersection.NewRunner(ctrl, src)
	interval := opts.Config.GetTickInterval()

	var wg sync.WaitGroup
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if opts.Mode == "serve" {
		srv := api.NewServer(runner, opts.Config, database, res.RunID)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.ListenAndServe(loopCtx, opts.Listen); err != nil {
				monitoring.Logf("api: %v", err)
				cancel()
			}
		}()
	}

	err = drive(loopCtx, runner, clock, mock, interval, opts)
	cancel()
	wg.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		err = nil // interrupted by the user
	}

	res.Report = ctrl.Report()
	if fs != nil {
		st := fs.Model().Stats()
		res.Flow = &st
	}
	if rs != nil {
		res.Skipped = rs.Skipped()
	}
	if database != nil {
		if ferr := database.FinishRun(res.RunID, clock.Now(), res.Report.Counters.Cycles, res.Report.Counters.Ticks); ferr != nil {
			monitoring.Logf("transition log: %v", ferr)
		}
	}
	return res, err
}

// drive runs the tick loop: against the wall clock when realtime, or as
// fast as possible on the mock clock otherwise.
func drive(ctx context.Context, runner *intersection.Runner, clock timeutil.Clock, mock *timeutil.MockClock, interval time.Duration, opts options) error {
	if opts.Realtime || mock == nil {
		ticker := clock.NewTicker(interval)
		defer ticker.Stop()
		if opts.Ticks <= 0 || opts.Mode == "serve" {
			return runner.Run(ctx, ticker.C())
		}
		for i := 0; i < opts.Ticks; i++ {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C():
			}
			if err := runner.Tick(); err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return err
			}
		}
		return nil
	}

	for i := 0; opts.Ticks <= 0 || i < opts.Ticks; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		mock.Advance(interval)
		if err := runner.Tick(); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}
