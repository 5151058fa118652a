package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"lockstep.ai/internal/node"
	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/sim/tuning"
)

func main() {
	var (
		addr       = flag.String("addr", ":8080", "http listen address")
		connect    = flag.String("connect", "", "authority ws url; run as a client peer when set")
		name       = flag.String("name", "", "peer name (default: authority or client)")
		seed       = flag.Uint64("seed", 1337, "simulation seed (used only when starting a fresh session)")
		dataDir    = flag.String("data", "./data", "runtime data directory (empty disables persistence)")
		tuningPath = flag.String("tuning", "./configs/tuning.yaml", "path to tuning.yaml")
		disableDB  = flag.Bool("disable_db", false, "disable the sqlite index")
		snapPath   = flag.String("snapshot", "", "snapshot to resume the authority from (optional)")
		loadLatest = flag.Bool("load_latest_snapshot", false, "resume the authority from the newest snapshot in the data dir")
		debug      = flag.Bool("debug", false, "debug logging")
	)
	flag.Parse()

	level := zerolog.InfoLevel
	if *debug {
		level = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}).
		Level(level).With().Timestamp().Str("component", "server").Logger()

	tune, err := tuning.Load(*tuningPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatal().Err(err).Msg("load tuning")
		}
		logger.Warn().Str("path", *tuningPath).Msg("tuning not found; using defaults")
		tune = tuning.Defaults()
	}

	cfg := node.Config{
		Name:      strings.TrimSpace(*name),
		Tuning:    tune,
		Seed:      *seed,
		DataDir:   strings.TrimSpace(*dataDir),
		DisableDB: *disableDB,
	}

	ctx, cancel := signalContext()
	defer cancel()

	if url := strings.TrimSpace(*connect); url != "" {
		if cfg.Name == "" {
			cfg.Name = "client"
		}
		runClient(ctx, url, cfg, *addr, logger)
		return
	}
	if cfg.Name == "" {
		cfg.Name = "authority"
	}

	resume := strings.TrimSpace(*snapPath)
	if resume == "" && *loadLatest && cfg.DataDir != "" {
		if resume, err = snapshot.Latest(cfg.DataDir); err != nil {
			logger.Fatal().Err(err).Msg("find latest snapshot")
		}
	}
	var a *node.Authority
	if resume != "" {
		snap, err := snapshot.ReadSnapshot(resume)
		if err != nil {
			logger.Fatal().Err(err).Str("path", resume).Msg("read snapshot")
		}
		a, err = node.ResumeAuthority(cfg, snap, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("resume authority")
		}
	} else {
		a, err = node.NewAuthority(cfg, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("authority")
		}
	}

	mux := newMux(a.Node, logger)
	mux.Handle("/v1/ws", a.Handler())
	srv := serve(ctx, *addr, mux, logger)

	if err := a.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("authority stopped")
	}
	shutdown(srv)
}

func runClient(ctx context.Context, url string, cfg node.Config, addr string, logger zerolog.Logger) {
	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	c, err := node.Connect(dialCtx, url, cfg, logger)
	cancel()
	if err != nil {
		logger.Fatal().Err(err).Str("url", url).Msg("connect")
	}
	srv := serve(ctx, addr, newMux(c.Node, logger), logger)
	if err := c.Run(ctx); err != nil {
		logger.Error().Err(err).Msg("client stopped")
	}
	shutdown(srv)
}

func serve(ctx context.Context, addr string, h http.Handler, logger zerolog.Logger) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("ListenAndServe")
		}
	}()
	return srv
}

func shutdown(srv *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
