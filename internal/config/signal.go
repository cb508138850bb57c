package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/banshee-data/traficon/internal/approach"
	"github.com/banshee-data/traficon/internal/demand"
	"github.com/banshee-data/traficon/internal/flow"
	"github.com/banshee-data/traficon/internal/fsutil"
	"github.com/banshee-data/traficon/internal/signal"
)

// DefaultConfigPath is the path to the canonical signal defaults file.
const DefaultConfigPath = "config/signal.defaults.json"

// ErrInvalid wraps every validation failure. A config that fails
// validation must stop the controller from starting.
var ErrInvalid = errors.New("invalid signal configuration")

// TierConfig is one adaptive green extension step.
type TierConfig struct {
	Above int    `json:"above"`
	Bonus string `json:"bonus"` // duration string like "8s"
}

// FlowConfig configures the synthetic traffic generator.
type FlowConfig struct {
	Seed          *uint64  `json:"seed,omitempty"`
	SpawnInterval *string  `json:"spawn_interval,omitempty"`
	Width         *float64 `json:"width,omitempty"`
	Height        *float64 `json:"height,omitempty"`
	MinSpeed      *float64 `json:"min_speed,omitempty"` // pixels per second
	MaxSpeed      *float64 `json:"max_speed,omitempty"`
	Headway       *float64 `json:"headway,omitempty"` // pixels between queued vehicles
}

// SignalConfig is the root configuration of one intersection controller.
// Omitted fields fall back to the defaults returned by the Get* methods,
// so partial configs are safe.
type SignalConfig struct {
	// Approaches in tie-break order.
	Approaches []string `json:"approaches,omitempty"`
	// Zones maps approach name to its counting rectangle in image pixels.
	Zones map[string]demand.Rect `json:"zones,omitempty"`

	// Timing, as duration strings.
	BaseGreen    *string `json:"base_green,omitempty"`
	Yellow       *string `json:"yellow,omitempty"`
	BaseRed      *string `json:"base_red,omitempty"`
	GreenFloor   *string `json:"green_floor,omitempty"`
	GreenCeiling *string `json:"green_ceiling,omitempty"`
	RedFloor     *string `json:"red_floor,omitempty"`
	RedCeiling   *string `json:"red_ceiling,omitempty"`
	MinGreen     *string `json:"min_green,omitempty"`
	RedPenalty   *string `json:"red_penalty,omitempty"`

	GreenTiers   []TierConfig `json:"green_tiers,omitempty"`
	RedLowDemand *int         `json:"red_low_demand,omitempty"`

	// Arbitration.
	WaitNormalization *string  `json:"wait_normalization,omitempty"`
	PreemptPriority   *float64 `json:"preempt_priority,omitempty"`
	SeedGreen         *string  `json:"seed_green,omitempty"`

	// Demand estimation.
	DemandClasses []string `json:"demand_classes,omitempty"`
	MaxMisses     *int     `json:"max_misses,omitempty"`

	TickInterval *string `json:"tick_interval,omitempty"`

	Flow *FlowConfig `json:"flow,omitempty"`
}

// Helper functions to create pointers
func ptrFloat64(v float64) *float64 { return &v }
func ptrString(v string) *string    { return &v }
func ptrInt(v int) *int             { return &v }
func ptrUint64(v uint64) *uint64    { return &v }

// EmptySignalConfig returns a SignalConfig with every field unset.
func EmptySignalConfig() *SignalConfig {
	return &SignalConfig{}
}

// LoadSignalConfig loads and validates a SignalConfig from a JSON file.
func LoadSignalConfig(path string) (*SignalConfig, error) {
	return LoadSignalConfigFS(fsutil.Default, path)
}

// LoadSignalConfigFS is LoadSignalConfig reading through fsys.
func LoadSignalConfigFS(fsys fsutil.FileSystem, path string) (*SignalConfig, error) {
	cleanPath := filepath.Clean(path)
	if ext := filepath.Ext(cleanPath); ext != ".json" {
		return nil, fmt.Errorf("config file must have .json extension, got %q", ext)
	}

	fileInfo, err := fsys.Stat(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}
	const maxFileSize = 1 * 1024 * 1024 // 1MB
	if fileInfo.Size() > maxFileSize {
		return nil, fmt.Errorf("config file too large: %d bytes (max %d)", fileInfo.Size(), maxFileSize)
	}

	data, err := fsys.ReadFile(cleanPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseSignalConfig(data)
}

// ParseSignalConfig decodes and validates JSON config data. Unknown
// fields are rejected so typos do not silently fall back to defaults.
func ParseSignalConfig(data []byte) (*SignalConfig, error) {
	cfg := EmptySignalConfig()
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// MustLoadDefaultConfig loads DefaultConfigPath, searching upwards from
// the working directory. Panics if the file cannot be loaded; intended
// for test setup.
func MustLoadDefaultConfig() *SignalConfig {
	candidates := []string{
		DefaultConfigPath,
		"../" + DefaultConfigPath,
		"../../" + DefaultConfigPath,
		"../../../" + DefaultConfigPath,
	}
	for _, path := range candidates {
		if cfg, err := LoadSignalConfig(path); err == nil {
			return cfg
		}
	}
	panic("cannot find " + DefaultConfigPath + " - run tests from repository root")
}

// Validate checks every invariant the controller depends on.
func (c *SignalConfig) Validate() error {
	var errs []error

	durations := map[string]*string{
		"base_green":         c.BaseGreen,
		"yellow":             c.Yellow,
		"base_red":           c.BaseRed,
		"green_floor":        c.GreenFloor,
		"green_ceiling":      c.GreenCeiling,
		"red_floor":          c.RedFloor,
		"red_ceiling":        c.RedCeiling,
		"min_green":          c.MinGreen,
		"red_penalty":        c.RedPenalty,
		"wait_normalization": c.WaitNormalization,
		"tick_interval":      c.TickInterval,
	}
	if c.Flow != nil {
		durations["flow.spawn_interval"] = c.Flow.SpawnInterval
	}
	for name, v := range durations {
		if v == nil {
			continue
		}
		if _, err := time.ParseDuration(*v); err != nil {
			errs = append(errs, fmt.Errorf("invalid %s %q: %w", name, *v, err))
		}
	}
	for i, t := range c.GreenTiers {
		if _, err := time.ParseDuration(t.Bonus); err != nil {
			errs = append(errs, fmt.Errorf("invalid green_tiers[%d].bonus %q: %w", i, t.Bonus, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}

	order, err := c.GetApproaches()
	if err != nil {
		errs = append(errs, err)
	} else {
		if len(order) < 2 {
			errs = append(errs, fmt.Errorf("at least 2 approaches required, got %d", len(order)))
		}
		seen := make(map[approach.Approach]bool)
		for _, a := range order {
			if seen[a] {
				errs = append(errs, fmt.Errorf("duplicate approach %s", a))
			}
			seen[a] = true
		}
		if seed, ok, err := c.GetSeedGreen(); err != nil {
			errs = append(errs, err)
		} else if ok && !seen[seed] {
			errs = append(errs, fmt.Errorf("seed_green %s is not a configured approach", seed))
		}
		if zones, err := c.GetZones(); err != nil {
			errs = append(errs, err)
		} else {
			for _, z := range zones {
				if !seen[z.Approach] {
					errs = append(errs, fmt.Errorf("zone for unconfigured approach %s", z.Approach))
				}
				if !z.Rect.Valid() {
					errs = append(errs, fmt.Errorf("zone %s has invalid rect %+v", z.Approach, z.Rect))
				}
			}
		}
	}

	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	if c.GetWaitNormalization() <= 0 {
		errs = append(errs, fmt.Errorf("wait_normalization must be positive"))
	}
	if c.GetTickInterval() <= 0 {
		errs = append(errs, fmt.Errorf("tick_interval must be positive"))
	}
	if c.GetPreemptPriority() < 0 {
		errs = append(errs, fmt.Errorf("preempt_priority must not be negative"))
	}
	if c.GetMaxMisses() < 1 {
		errs = append(errs, fmt.Errorf("max_misses must be at least 1"))
	}
	if _, err := c.GetDemandClasses(); err != nil {
		errs = append(errs, err)
	}
	if err := c.validateFlow(); err != nil {
		errs = append(errs, err)
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

func (c *SignalConfig) validateFlow() error {
	g := c.GetFlowGeometry()
	if g.Width <= 2*g.RoadHalfWidth || g.Height <= 2*g.RoadHalfWidth {
		return fmt.Errorf("flow canvas %.0fx%.0f too small for road width", g.Width, g.Height)
	}
	lo, hi := c.GetFlowSpeedRange()
	if lo <= 0 || hi < lo {
		return fmt.Errorf("flow speed range [%v, %v] invalid", lo, hi)
	}
	if c.GetFlowSpawnInterval() <= 0 {
		return fmt.Errorf("flow spawn_interval must be positive")
	}
	if c.GetFlowHeadway() <= 0 {
		return fmt.Errorf("flow headway must be positive")
	}
	return nil
}

func parseDurationOr(v *string, def time.Duration) time.Duration {
	if v == nil || *v == "" {
		return def
	}
	d, err := time.ParseDuration(*v)
	if err != nil {
		return def // default on parse error
	}
	return d
}

// GetApproaches returns the configured approaches in tie-break order. The
// default is a three-armed T junction.
func (c *SignalConfig) GetApproaches() ([]approach.Approach, error) {
	names := c.Approaches
	if len(names) == 0 {
		names = []string{"north", "west", "east"}
	}
	out := make([]approach.Approach, 0, len(names))
	for _, n := range names {
		a, err := approach.Parse(n)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

// GetZones returns the counting zones in tie-break order. Approaches
// without an explicit zone get the flow model's queue rectangle.
func (c *SignalConfig) GetZones() ([]demand.Zone, error) {
	order, err := c.GetApproaches()
	if err != nil {
		return nil, err
	}
	explicit := make(map[approach.Approach]demand.Rect, len(c.Zones))
	for name, r := range c.Zones {
		a, err := approach.Parse(name)
		if err != nil {
			return nil, fmt.Errorf("zones: %w", err)
		}
		explicit[a] = r
	}
	geom := c.GetFlowGeometry()
	zones := make([]demand.Zone, 0, len(order))
	for _, a := range order {
		r, ok := explicit[a]
		if !ok {
			r = geom.QueueZone(a)
		}
		zones = append(zones, demand.Zone{Approach: a, Rect: r})
		delete(explicit, a)
	}
	for a, r := range explicit {
		zones = append(zones, demand.Zone{Approach: a, Rect: r})
	}
	return zones, nil
}

// GetSeedGreen returns the approach seeded GREEN at startup, if any.
func (c *SignalConfig) GetSeedGreen() (approach.Approach, bool, error) {
	if c.SeedGreen == nil || *c.SeedGreen == "" {
		return 0, false, nil
	}
	a, err := approach.Parse(*c.SeedGreen)
	if err != nil {
		return 0, false, fmt.Errorf("seed_green: %w", err)
	}
	return a, true, nil
}

// Policy assembles the signal timing policy.
func (c *SignalConfig) Policy() signal.Policy {
	def := signal.DefaultPolicy()
	p := signal.Policy{
		BaseGreen:    parseDurationOr(c.BaseGreen, def.BaseGreen),
		Yellow:       parseDurationOr(c.Yellow, def.Yellow),
		BaseRed:      parseDurationOr(c.BaseRed, def.BaseRed),
		GreenFloor:   parseDurationOr(c.GreenFloor, def.GreenFloor),
		GreenCeiling: parseDurationOr(c.GreenCeiling, def.GreenCeiling),
		RedFloor:     parseDurationOr(c.RedFloor, def.RedFloor),
		RedCeiling:   parseDurationOr(c.RedCeiling, def.RedCeiling),
		MinGreen:     parseDurationOr(c.MinGreen, def.MinGreen),
		RedPenalty:   parseDurationOr(c.RedPenalty, def.RedPenalty),
		RedLowDemand: c.GetRedLowDemand(),
		GreenTiers:   def.GreenTiers,
	}
	if c.GreenTiers != nil {
		p.GreenTiers = make([]signal.Tier, 0, len(c.GreenTiers))
		for _, t := range c.GreenTiers {
			p.GreenTiers = append(p.GreenTiers, signal.Tier{Above: t.Above, Bonus: parseDurationOr(&t.Bonus, 0)})
		}
	}
	return p
}

// GetRedLowDemand returns the red_low_demand value or the default.
func (c *SignalConfig) GetRedLowDemand() int {
	if c.RedLowDemand == nil {
		return 2
	}
	return *c.RedLowDemand
}

// GetWaitNormalization returns the wait_normalization value or the default.
func (c *SignalConfig) GetWaitNormalization() time.Duration {
	return parseDurationOr(c.WaitNormalization, time.Second)
}

// GetPreemptPriority returns the preempt_priority value or the default
// (disabled).
func (c *SignalConfig) GetPreemptPriority() float64 {
	if c.PreemptPriority == nil {
		return 0
	}
	return *c.PreemptPriority
}

// GetMaxMisses returns the max_misses value or the default.
func (c *SignalConfig) GetMaxMisses() int {
	if c.MaxMisses == nil {
		return 1
	}
	return *c.MaxMisses
}

// GetTickInterval returns the tick_interval value or the default.
func (c *SignalConfig) GetTickInterval() time.Duration {
	return parseDurationOr(c.TickInterval, 100*time.Millisecond)
}

// GetDemandClasses returns the classes that count towards demand.
func (c *SignalConfig) GetDemandClasses() ([]demand.Class, error) {
	if len(c.DemandClasses) == 0 {
		return demand.DefaultDemandClasses, nil
	}
	out := make([]demand.Class, 0, len(c.DemandClasses))
	for _, s := range c.DemandClasses {
		cl, err := demand.ParseClass(s)
		if err != nil {
			return nil, fmt.Errorf("demand_classes: %w", err)
		}
		out = append(out, cl)
	}
	return out, nil
}

func (c *SignalConfig) flow() *FlowConfig {
	if c.Flow == nil {
		return &FlowConfig{}
	}
	return c.Flow
}

// GetFlowSeed returns the flow.seed value or the default.
func (c *SignalConfig) GetFlowSeed() uint64 {
	if f := c.flow(); f.Seed != nil {
		return *f.Seed
	}
	return 1
}

// GetFlowSpawnInterval returns the flow.spawn_interval value or the default.
func (c *SignalConfig) GetFlowSpawnInterval() time.Duration {
	return parseDurationOr(c.flow().SpawnInterval, 1200*time.Millisecond)
}

// GetFlowGeometry returns the simulated canvas geometry.
func (c *SignalConfig) GetFlowGeometry() flow.Geometry {
	g := flow.DefaultGeometry()
	f := c.flow()
	if f.Width != nil {
		g.Width = *f.Width
	}
	if f.Height != nil {
		g.Height = *f.Height
	}
	return g
}

// GetFlowSpeedRange returns the flow speed bounds in pixels per second.
func (c *SignalConfig) GetFlowSpeedRange() (lo, hi float64) {
	lo, hi = 90, 150
	f := c.flow()
	if f.MinSpeed != nil {
		lo = *f.MinSpeed
	}
	if f.MaxSpeed != nil {
		hi = *f.MaxSpeed
	}
	return lo, hi
}

// GetFlowHeadway returns the flow.headway value or the default.
func (c *SignalConfig) GetFlowHeadway() float64 {
	if f := c.flow(); f.Headway != nil {
		return *f.Headway
	}
	return 25
}

// DefaultSignalConfig returns a config with every field populated with
// its default, matching config/signal.defaults.json.
func DefaultSignalConfig() *SignalConfig {
	return &SignalConfig{
		Approaches:   []string{"north", "west", "east"},
		BaseGreen:    ptrString("10s"),
		Yellow:       ptrString("3s"),
		BaseRed:      ptrString("8s"),
		GreenFloor:   ptrString("3s"),
		GreenCeiling: ptrString("30s"),
		RedFloor:     ptrString("5s"),
		RedCeiling:   ptrString("60s"),
		MinGreen:     ptrString("3s"),
		RedPenalty:   ptrString("3s"),
		GreenTiers: []TierConfig{
			{Above: 6, Bonus: "8s"},
			{Above: 3, Bonus: "3s"},
		},
		RedLowDemand:      ptrInt(2),
		WaitNormalization: ptrString("1s"),
		PreemptPriority:   ptrFloat64(0),
		SeedGreen:         ptrString(""),
		DemandClasses:     []string{"car", "motorcycle", "bus", "truck"},
		MaxMisses:         ptrInt(1),
		TickInterval:      ptrString("100ms"),
		Flow: &FlowConfig{
			Seed:          ptrUint64(1),
			SpawnInterval: ptrString("1.2s"),
			Width:         ptrFloat64(800),
			Height:        ptrFloat64(700),
			MinSpeed:      ptrFloat64(90),
			MaxSpeed:      ptrFloat64(150),
			Headway:       ptrFloat64(25),
		},
	}
}
