package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"lockstep.ai/internal/persistence/snapshot"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "inspect":
			inspectCmd(os.Args[2:])
			return
		case "db":
			dbCmd(os.Args[2:])
			return
		case "report":
			reportCmd(os.Args[2:])
			return
		case "state":
			stateCmd(os.Args[2:])
			return
		case "snapshot":
			snapshotCmd(os.Args[2:])
			return
		}
	}
	listCmd(os.Args[1:])
}

// listCmd prints the snapshots and desync reports under the data dir.
func listCmd(args []string) {
	fs := flag.NewFlagSet("admin", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	_ = fs.Parse(args)

	for _, sub := range []string{"snapshots", "reports"} {
		entries, err := os.ReadDir(filepath.Join(*dataDir, sub))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			fmt.Fprintln(os.Stderr, "read:", err)
			os.Exit(1)
		}
		names := make([]string, 0, len(entries))
		for _, e := range entries {
			if !e.IsDir() && !strings.HasSuffix(e.Name(), ".tmp") {
				names = append(names, e.Name())
			}
		}
		sort.Strings(names)
		for _, n := range names {
			fmt.Println(filepath.Join(sub, n))
		}
	}
}

func inspectCmd(args []string) {
	fs := flag.NewFlagSet("inspect", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	snapPath := fs.String("snapshot", "", "snapshot path (optional; defaults to latest)")
	_ = fs.Parse(args)

	path := strings.TrimSpace(*snapPath)
	if path == "" {
		var err error
		if path, err = snapshot.Latest(*dataDir); err != nil {
			fmt.Fprintln(os.Stderr, "latest:", err)
			os.Exit(1)
		}
	}
	if path == "" {
		fmt.Fprintln(os.Stderr, "no snapshot found; provide -snapshot or run server until it writes one")
		os.Exit(2)
	}
	snap, err := snapshot.ReadSnapshot(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "read snapshot:", err)
		os.Exit(1)
	}
	st := snap.Scheduler
	fmt.Printf("snapshot=%s version=%d timer=%d seed=%d\n", filepath.Base(path), snap.Header.Version, snap.Header.Timer, snap.Header.Seed)
	fmt.Printf("last_seq=%d tickables=%d sim_bytes=%d pending=%d\n", st.LastSeq, len(st.Tickables), len(snap.Sim), len(snap.Pending))
	for _, c := range snap.Pending {
		fmt.Printf("  pending tick=%d player=%d kind=%s target=%d\n", c.Tick, c.Player, c.Kind, c.Target)
	}
}
