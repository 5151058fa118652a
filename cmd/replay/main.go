package main

import (
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/persistence/log"
	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/replay"
	"lockstep.ai/internal/sim/ledger"
	"lockstep.ai/internal/sim/tuning"
)

func main() {
	var (
		snapPath   = flag.String("snapshot", "", "path to .snap.zst")
		dataDir    = flag.String("data", "", "data dir holding commands/ and opinions/ logs (optional)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		toTick     = flag.Int("to_tick", 0, "stop when the timer reaches this tick (default: last logged command tick + 2 intervals)")
		verbose    = flag.Bool("v", false, "print every replayed Opinion")
	)
	flag.Parse()

	if *snapPath == "" {
		fmt.Fprintln(os.Stderr, "missing -snapshot")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(*snapPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	fmt.Printf("snapshot v%d timer=%d seed=%d last_seq=%d pending=%d\n",
		snap.Header.Version, snap.Header.Timer, snap.Header.Seed, snap.Scheduler.LastSeq, len(snap.Pending))

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintln(os.Stderr, "load tuning:", err)
			os.Exit(1)
		}
		tune = tuning.Defaults()
	}

	cmds := snap.Pending
	var logged []*ledger.Opinion
	if *dataDir != "" {
		all, err := log.ReadCommands(*dataDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read commands:", err)
			os.Exit(1)
		}
		cmds = replay.After(snap, all)
		entries, err := log.ReadOpinions(*dataDir)
		if err != nil {
			fmt.Fprintln(os.Stderr, "read opinions:", err)
			os.Exit(1)
		}
		for _, e := range entries {
			if e.Local && e.Opinion != nil {
				logged = append(logged, e.Opinion)
			}
		}
	}

	limit := int32(*toTick)
	if limit <= 0 {
		limit = snap.Header.Timer
		for _, c := range cmds {
			limit = max(limit, c.Tick)
		}
		limit += 2 * tune.OpinionIntervalTicks
	}
	fmt.Printf("replaying %d commands to tick %d\n", len(cmds), limit)

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(zerolog.WarnLevel).
		With().Timestamp().Str("component", "replay").Logger()
	a, err := replay.Run(tune, snap, cmds, limit, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	b, err := replay.Run(tune, snap, cmds, limit, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, "replay:", err)
		os.Exit(1)
	}
	fmt.Printf("timer=%d steps=%d digest=%016x errored=%d opinions=%d\n", a.Timer, a.Steps, a.Digest, a.Errored, len(a.Opinions))
	if *verbose {
		for _, op := range a.Opinions {
			fmt.Printf("  opinion start=%d commands=%d world=%d maps=%d fingerprints=%d\n",
				op.StartTick, len(op.CommandStates), len(op.WorldStates), len(op.Maps), len(op.Fingerprints))
		}
	}

	failed := false
	if divs := replay.Compare(a, b); len(divs) > 0 {
		failed = true
		fmt.Printf("NONDETERMINISTIC: %d divergences between two replays\n", len(divs))
		for _, d := range divs {
			fmt.Println(" ", d)
		}
	}
	if len(logged) > 0 {
		checked, divs := replay.Check(a, logged)
		fmt.Printf("checked %d logged opinions\n", checked)
		if len(divs) > 0 {
			failed = true
			fmt.Printf("MISMATCH: replay disagrees with %d logged opinions\n", len(divs))
			for _, d := range divs {
				fmt.Println(" ", d)
			}
		}
	}
	if failed {
		os.Exit(1)
	}
	fmt.Println("OK")
}
