package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"lockstep.ai/internal/persistence/indexdb"
	"lockstep.ai/internal/persistence/reports"
)

func dbCmd(args []string) {
	fs := flag.NewFlagSet("db", flag.ExitOnError)
	dataDir := fs.String("data", "./data", "runtime data directory")
	dbPath := fs.String("db", "", "sqlite db path (optional)")
	peer := fs.String("peer", "", "peer name (opinions)")
	_ = fs.Parse(args)

	q := "reports"
	if fs.NArg() > 0 {
		q = strings.TrimSpace(fs.Arg(0))
	}
	path := strings.TrimSpace(*dbPath)
	if path == "" {
		path = filepath.Join(*dataDir, "index.sqlite")
	}
	if _, err := os.Stat(path); err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	idx, err := indexdb.OpenSQLite(path)
	if err != nil {
		fmt.Fprintln(os.Stderr, "open:", err)
		os.Exit(1)
	}
	defer idx.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch q {
	case "reports":
		rows, err := idx.Reports(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		for _, r := range rows {
			fmt.Printf("%s peer=%s timer=%d last_valid=%d remote=%v reason=%q path=%s\n",
				r.ID, r.Peer, r.Timer, r.LastValidTick, r.Remote, r.Reason, r.Path)
		}
	case "watermark":
		w, err := idx.Watermark(ctx)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		fmt.Println(w)
	case "opinions":
		if *peer == "" {
			fmt.Fprintln(os.Stderr, "missing -peer")
			os.Exit(2)
		}
		n, err := idx.OpinionCount(ctx, *peer)
		if err != nil {
			fmt.Fprintln(os.Stderr, "query:", err)
			os.Exit(1)
		}
		fmt.Println(n)
	default:
		fmt.Fprintln(os.Stderr, "unknown query:", q, "(want reports|watermark|opinions)")
		os.Exit(2)
	}
}

// reportCmd pretty-prints one stored desync report.
func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	_ = fs.Parse(args)
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: admin report <path.json.zst>")
		os.Exit(2)
	}
	r, err := reports.Read(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(os.Stderr, "read report:", err)
		os.Exit(1)
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "encode:", err)
		os.Exit(1)
	}
	fmt.Println(string(b))
}
