// Package fingerprint identifies the current call path cheaply enough to run
// on every pseudo-random draw.
//
// The walk reads return addresses with runtime.Callers and resolves each one
// through a cache of frame descriptors, so symbol lookup happens once per
// address for the life of the process. Only function names feed the hash,
// which keeps fingerprints comparable between peers running the same build
// at different load addresses.
package fingerprint

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/cespare/xxhash/v2"
)

var supportedArch = map[string]bool{
	"amd64":   true,
	"arm64":   true,
	"386":     true,
	"arm":     true,
	"riscv64": true,
	"ppc64le": true,
	"s390x":   true,
	"loong64": true,
}

type Config struct {
	Enabled bool
	// MaxDepth bounds how many managed frames are walked.
	MaxDepth int
	// HashFrames is how many of the innermost walked frames feed the hash.
	HashFrames int
	// StopFuncs are fully qualified function names that end the walk.
	StopFuncs []string
	// ForeignPrefixes mark frames outside the managed call region.
	ForeignPrefixes []string
}

func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxDepth:        32,
		HashFrames:      8,
		ForeignPrefixes: []string{"runtime.", "testing."},
	}
}

// Entry is one recorded fingerprint with the context it was taken in.
type Entry struct {
	Depth   int    `json:"depth"`
	Hash    int32  `json:"hash"`
	Tick    int32  `json:"tick"`
	Faction string `json:"faction,omitempty"`
	Subject int32  `json:"subject"`
}

// UnrecognizedFrameError means a return address could not be resolved to a
// function. The descriptor heuristics no longer match the binary, so the
// engine refuses to produce a fingerprint.
type UnrecognizedFrameError struct {
	PC uintptr
}

func (e *UnrecognizedFrameError) Error() string {
	return fmt.Sprintf("fingerprint: unrecognized frame at pc %#x", e.PC)
}

// Engine is not safe for concurrent use; it belongs to the simulation goroutine.
type Engine struct {
	cfg       Config
	supported bool
	stops     map[string]struct{}

	table *frameTable
	pcs   []uintptr

	active     int
	suppressed int
}

func New(cfg Config) *Engine {
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = DefaultConfig().MaxDepth
	}
	if cfg.HashFrames <= 0 || cfg.HashFrames > cfg.MaxDepth {
		cfg.HashFrames = cfg.MaxDepth
	}
	if cfg.ForeignPrefixes == nil {
		cfg.ForeignPrefixes = DefaultConfig().ForeignPrefixes
	}
	stops := make(map[string]struct{}, len(cfg.StopFuncs))
	for _, s := range cfg.StopFuncs {
		stops[s] = struct{}{}
	}
	return &Engine{
		cfg:       cfg,
		supported: supportedArch[runtime.GOARCH],
		stops:     stops,
		table:     newFrameTable(256),
		pcs:       make([]uintptr, cfg.MaxDepth+8),
	}
}

// Enabled reports whether fingerprints can be produced at all on this build.
func (e *Engine) Enabled() bool {
	return e != nil && e.cfg.Enabled && e.supported
}

// Live reports whether a fingerprint taken now would be recorded: the engine
// is enabled, an executor bracket is open and nothing suppresses it.
func (e *Engine) Live() bool {
	return e.Enabled() && e.active > 0 && e.suppressed == 0
}

// Enter marks an executor bracket as open. The returned func closes it.
func (e *Engine) Enter() func() {
	if e == nil {
		return func() {}
	}
	e.active++
	return func() { e.active-- }
}

// Suppress hides fingerprints around noisy subsystems. The returned func
// lifts the suppression.
func (e *Engine) Suppress() func() {
	if e == nil {
		return func() {}
	}
	e.suppressed++
	return func() { e.suppressed-- }
}

// CachedFrames is the number of resolved return addresses.
func (e *Engine) CachedFrames() int { return e.table.len() }

// Fingerprint hashes the call path of its caller. skip counts additional
// frames above the caller to leave out, as for runtime.Caller. ok is false
// when the engine is not live.
func (e *Engine) Fingerprint(skip int) (depth int, hash int32, ok bool) {
	if !e.Live() {
		return 0, 0, false
	}
	depth, hash = e.walk(skip + 3)
	return depth, hash, true
}

// walk skips runtime.Callers, walk and Fingerprint itself via skip.
//
//go:noinline
func (e *Engine) walk(skip int) (int, int32) {
	n := runtime.Callers(skip, e.pcs)
	var h int32
	depth := 0
	for _, pc := range e.pcs[:n] {
		d := e.describe(pc)
		if d.kind != frameManaged {
			break
		}
		if depth < e.cfg.HashFrames {
			h = h*31 + int32(d.nameHash)
		}
		depth++
		if depth >= e.cfg.MaxDepth {
			break
		}
	}
	return depth, h
}

func (e *Engine) describe(pc uintptr) frameDesc {
	if d, ok := e.table.get(pc); ok {
		return d
	}
	fn := runtime.FuncForPC(pc - 1)
	if fn == nil {
		panic(&UnrecognizedFrameError{PC: pc})
	}
	d := e.classify(fn.Name())
	e.table.put(pc, d)
	return d
}

func (e *Engine) classify(name string) frameDesc {
	if _, ok := e.stops[name]; ok {
		return frameDesc{kind: frameStop}
	}
	for _, p := range e.cfg.ForeignPrefixes {
		if strings.HasPrefix(name, p) {
			return frameDesc{kind: frameForeign}
		}
	}
	sum := xxhash.Sum64String(name)
	return frameDesc{kind: frameManaged, nameHash: uint32(sum) ^ uint32(sum>>32)}
}
