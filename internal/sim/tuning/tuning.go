// Package tuning loads the YAML file that sets simulation pacing, desync
// detection and fingerprinting parameters.
package tuning

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/fingerprint"
	"lockstep.ai/internal/sim/tick"
)

type Tuning struct {
	TickRateHz int  `yaml:"tick_rate_hz"`
	AsyncTime  bool `yaml:"async_time"`
	// SpeedMultipliers are ticks per step for paused, normal, fast,
	// superfast and ultrafast.
	SpeedMultipliers []float64 `yaml:"speed_multipliers"`
	IdleMultiplier   float64   `yaml:"idle_multiplier"`

	CommandDelayTicks    int32 `yaml:"command_delay_ticks"`
	OpinionIntervalTicks int32 `yaml:"opinion_interval_ticks"`
	OpinionWindow        int   `yaml:"opinion_window"`
	PendingRemoteLimit   int   `yaml:"pending_remote_limit"`
	SnapshotEveryTicks   int32 `yaml:"snapshot_every_ticks"`

	Fingerprint      Fingerprint `yaml:"fingerprint"`
	LedgerTraceLimit int         `yaml:"ledger_trace_limit"`
}

type Fingerprint struct {
	Enabled    bool     `yaml:"enabled"`
	MaxDepth   int      `yaml:"max_depth"`
	HashFrames int      `yaml:"hash_frames"`
	StopFuncs  []string `yaml:"stop_funcs"`
}

func Defaults() Tuning {
	fp := fingerprint.DefaultConfig()
	dc := desync.DefaultConfig()
	return Tuning{
		TickRateHz:           20,
		AsyncTime:            true,
		SpeedMultipliers:     append([]float64(nil), tick.DefaultMultipliers[:]...),
		IdleMultiplier:       2,
		CommandDelayTicks:    6,
		OpinionIntervalTicks: dc.Interval,
		OpinionWindow:        dc.Window,
		PendingRemoteLimit:   dc.PendingLimit,
		SnapshotEveryTicks:   3000,
		Fingerprint: Fingerprint{
			Enabled:    fp.Enabled,
			MaxDepth:   fp.MaxDepth,
			HashFrames: fp.HashFrames,
		},
		LedgerTraceLimit: 4096,
	}
}

// Load overlays the file at path on Defaults. Keys missing from the file
// keep their default value.
func Load(path string) (Tuning, error) {
	t := Defaults()
	raw, err := os.ReadFile(path)
	if err != nil {
		return t, err
	}
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	if err := t.Validate(); err != nil {
		return t, fmt.Errorf("tuning.yaml: %w", err)
	}
	return t, nil
}

func (t Tuning) Validate() error {
	var errs []error
	if t.TickRateHz <= 0 {
		errs = append(errs, fmt.Errorf("tick_rate_hz must be > 0, got %d", t.TickRateHz))
	}
	if n := len(tick.DefaultMultipliers); len(t.SpeedMultipliers) != n {
		errs = append(errs, fmt.Errorf("speed_multipliers needs %d values, got %d", n, len(t.SpeedMultipliers)))
	} else {
		if t.SpeedMultipliers[tick.Paused] != 0 {
			errs = append(errs, errors.New("speed_multipliers[paused] must be 0"))
		}
		for i := 1; i < n; i++ {
			if t.SpeedMultipliers[i] < t.SpeedMultipliers[i-1] {
				errs = append(errs, fmt.Errorf("speed_multipliers must not decrease (index %d)", i))
			}
		}
	}
	if t.IdleMultiplier < 1 {
		errs = append(errs, fmt.Errorf("idle_multiplier must be >= 1, got %v", t.IdleMultiplier))
	}
	if t.CommandDelayTicks < 1 {
		errs = append(errs, fmt.Errorf("command_delay_ticks must be >= 1, got %d", t.CommandDelayTicks))
	}
	if t.OpinionIntervalTicks < 1 {
		errs = append(errs, fmt.Errorf("opinion_interval_ticks must be >= 1, got %d", t.OpinionIntervalTicks))
	}
	if t.OpinionWindow < 1 || t.PendingRemoteLimit < 1 {
		errs = append(errs, errors.New("opinion_window and pending_remote_limit must be >= 1"))
	}
	if t.Fingerprint.MaxDepth < 1 || t.Fingerprint.HashFrames < 1 {
		errs = append(errs, errors.New("fingerprint max_depth and hash_frames must be >= 1"))
	}
	return errors.Join(errs...)
}

// SchedulerConfig builds the scheduler configuration for seed.
func (t Tuning) SchedulerConfig(seed uint64) tick.Config {
	cfg := tick.DefaultConfig()
	cfg.AsyncTime = t.AsyncTime
	copy(cfg.Multipliers[:], t.SpeedMultipliers)
	cfg.IdleMultiplier = t.IdleMultiplier
	cfg.Seed = seed
	cfg.TraceLimit = t.LedgerTraceLimit
	cfg.Fingerprint.Enabled = t.Fingerprint.Enabled
	cfg.Fingerprint.MaxDepth = t.Fingerprint.MaxDepth
	cfg.Fingerprint.HashFrames = t.Fingerprint.HashFrames
	cfg.Fingerprint.StopFuncs = append([]string(nil), t.Fingerprint.StopFuncs...)
	return cfg
}

func (t Tuning) DesyncConfig() desync.Config {
	return desync.Config{
		Interval:     t.OpinionIntervalTicks,
		Window:       t.OpinionWindow,
		PendingLimit: t.PendingRemoteLimit,
	}
}
