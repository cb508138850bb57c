// Command traficon runs the adaptive signal controller against synthetic
// traffic, a recorded detector stream, or live in serve mode with an HTTP
// status API.
//
//	traficon [flags] simulate|replay|serve|status|reset
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/traficon/internal/api"
	"github.com/banshee-data/traficon/internal/config"
	"github.com/banshee-data/traficon/internal/monitoring"
	"github.com/banshee-data/traficon/internal/version"
)

var (
	configPath  = flag.String("config", "", "Path to signal config JSON (defaults built in)")
	inputPath   = flag.String("input", "", "Replay file (JSON lines); serve mode replays it instead of simulating")
	listen      = flag.String("listen", ":8080", "Listen address for serve mode")
	addr        = flag.String("addr", "http://localhost:8080", "Controller API address for status and reset")
	dbPath      = flag.String("db", "", "SQLite transition log path (disabled when empty)")
	ticks       = flag.Int("ticks", 3000, "Number of ticks to simulate (0 runs until the source ends)")
	realtime    = flag.Bool("realtime", false, "Pace simulate and replay with the wall clock")
	seed        = flag.Uint64("seed", 0, "Override the flow model seed (0 keeps the configured seed)")
	direct      = flag.Bool("direct", false, "Feed flow model occupancy directly instead of synthetic detections")
	verbose     = flag.Bool("verbose", false, "Enable debug logging")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

func usage() {
	fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] simulate|replay|serve|status|reset\n\n", os.Args[0])
	flag.PrintDefaults()
}

func main() {
	flag.Usage = usage
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	monitoring.SetVerbose(*verbose)

	mode := "simulate"
	if flag.NArg() > 0 {
		mode = flag.Arg(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	switch mode {
	case "status":
		rep, err := api.NewClient(*addr).Status(ctx)
		if err != nil {
			log.Fatalf("status: %v", err)
		}
		fmt.Println(rep)
		return
	case "reset":
		if err := api.NewClient(*addr).Reset(ctx); err != nil {
			log.Fatalf("reset: %v", err)
		}
		fmt.Println("reset requested")
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("refusing to start: %v", err)
	}
	opts := options{
		Mode:      mode,
		Config:    cfg,
		InputPath: *inputPath,
		Listen:    *listen,
		DBPath:    *dbPath,
		Ticks:     *ticks,
		Realtime:  *realtime || mode == "serve",
		Seed:      *seed,
		Direct:    *direct,
	}

	switch mode {
	case "simulate", "replay", "serve":
	default:
		usage()
		os.Exit(2)
	}
	if mode == "replay" && opts.InputPath == "" {
		log.Fatal("replay requires -input")
	}

	start := time.Now()
	res, err := run(ctx, opts)
	if err != nil {
		log.Fatalf("%s: %v", mode, err)
	}
	log.Printf("%s finished in %v: %s", mode, time.Since(start).Round(time.Millisecond), res.Report)
	if mode == "replay" {
		log.Printf("replay: skipped %d malformed lines", res.Skipped)
	}
	if res.Flow != nil {
		log.Printf("flow: spawned=%d retired=%d active=%d wait mean=%v p95=%v max=%v",
			res.Flow.Spawned, res.Flow.Retired, res.Flow.Active,
			res.Flow.MeanWait.Round(time.Millisecond), res.Flow.P95Wait.Round(time.Millisecond), res.Flow.MaxWait.Round(time.Millisecond))
	}
}

func loadConfig(path string) (*config.SignalConfig, error) {
	if path == "" {
		cfg := config.EmptySignalConfig()
		return cfg, cfg.Validate()
	}
	return config.LoadSignalConfig(path)
}
