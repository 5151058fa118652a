package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/pprof"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"lockstep.ai/internal/node"
)

func newMux(n *node.Node, logger zerolog.Logger) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(200)
		_, _ = rw.Write([]byte("ok"))
	})
	mux.HandleFunc("/metrics", func(rw http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		st, err := n.Status(ctx)
		if err != nil {
			http.Error(rw, err.Error(), http.StatusServiceUnavailable)
			return
		}
		rw.Header().Set("Content-Type", "text/plain; version=0.0.4")
		writeMetrics(rw, st)
	})

	if envBool("LS_ENABLE_ADMIN_HTTP", defaultEnableAdminHTTP()) {
		mux.HandleFunc("/admin/v1/state", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			st, err := n.Status(ctx)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(st)
		}))
		mux.HandleFunc("/admin/v1/snapshot", loopbackOnly(func(rw http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost {
				rw.WriteHeader(http.StatusMethodNotAllowed)
				return
			}
			ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
			defer cancel()
			path, err := n.SaveSnapshot(ctx)
			rw.Header().Set("Content-Type", "application/json")
			if err != nil {
				rw.WriteHeader(http.StatusServiceUnavailable)
				_ = json.NewEncoder(rw).Encode(map[string]any{"ok": false, "error": err.Error()})
				return
			}
			_ = json.NewEncoder(rw).Encode(map[string]any{"ok": true, "path": path})
		}))
	} else {
		logger.Info().Msg("admin endpoints disabled (LS_ENABLE_ADMIN_HTTP=false)")
	}
	if envBool("LS_ENABLE_PPROF_HTTP", false) {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}

// writeMetrics renders st in the Prometheus text format.
func writeMetrics(rw http.ResponseWriter, st node.Status) {
	gauge := func(name, help string, v any) {
		fmt.Fprintf(rw, "# HELP lockstep_%s %s\n", name, help)
		fmt.Fprintf(rw, "# TYPE lockstep_%s gauge\n", name)
		fmt.Fprintf(rw, "lockstep_%s{peer=%q} %v\n", name, st.Name, v)
	}
	gauge("timer", "Current scheduler timer.", st.Timer)
	gauge("last_valid_tick", "Last tick confirmed consistent with peers.", st.LastValidTick)
	gauge("frozen", "1 while forward simulation is frozen.", b2i(st.Frozen))
	gauge("desynced", "1 after a desync was detected or reported.", b2i(st.Desynced))
	gauge("peers", "Connected peers.", st.Peers)
	gauge("inbox", "Sequenced commands not yet due.", st.Inbox)
	gauge("opinion_window", "Local opinions awaiting confirmation.", st.Window)
	gauge("opinion_pending", "Remote opinions awaiting their local match.", st.Pending)
	gauge("command_errors", "Commands whose handler failed.", st.Errored)
	gauge("command_dropped", "Commands dropped because their target never existed.", st.Dropped)
	gauge("index_queue_depth", "Index writer backlog.", st.Index.QueueDepth)
	gauge("index_dropped", "Index rows dropped because the queue was full.",
		st.Index.DropOpinionTotal+st.Index.DropReportTotal+st.Index.DropSnapshotTotal+st.Index.DropWatermarkTotal)
}

func b2i(b bool) int {
	if b {
		return 1
	}
	return 0
}

func loopbackOnly(h http.HandlerFunc) http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}
		h(rw, r)
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

func defaultEnableAdminHTTP() bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv("DEPLOY_ENV"))) {
	case "staging", "production":
		return false
	default:
		return true
	}
}

func envBool(key string, def bool) bool {
	switch strings.ToLower(strings.TrimSpace(os.Getenv(key))) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}
