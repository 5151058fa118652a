package indexdb

import (
	"context"
	"path/filepath"
	"testing"

	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/ledger"
	"lockstep.ai/internal/sim/tick"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan req, 1)}
	s.ch <- req{kind: reqWatermark, watermark: 1}

	s.RecordOpinion("p", true, &ledger.Opinion{})
	s.RecordReport("/tmp/r.json.zst", &desync.Report{ID: "r"})
	s.RecordSnapshot("/tmp/2.snap.zst", snapshot.SnapshotV1{})
	s.RecordWatermark(2)

	st := s.Stats()
	if st.DropOpinionTotal != 1 || st.DropReportTotal != 1 || st.DropSnapshotTotal != 1 || st.DropWatermarkTotal != 1 {
		t.Fatalf("drop stats mismatch: %+v", st)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_NilIsNoop(t *testing.T) {
	var s *SQLiteIndex
	s.RecordOpinion("p", true, &ledger.Opinion{})
	s.RecordWatermark(3)
	if st := s.Stats(); st != (Stats{}) {
		t.Fatalf("nil index stats: %+v", st)
	}
}

func TestSQLiteIndex_PersistsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}

	op := &ledger.Opinion{StartTick: 30, WorldStates: []uint32{1, 2}, State: ledger.StateConfirmed}
	s.RecordOpinion("local", true, op)
	s.RecordOpinion("authority", false, &ledger.Opinion{StartTick: 30})
	s.RecordOpinion("authority", false, &ledger.Opinion{StartTick: 60})
	s.RecordWatermark(59)
	s.RecordReport("/data/desyncs/r1.json.zst", &desync.Report{ID: "r1", Peer: "authority", Timer: 90, StartTick: 60, LastValidTick: 59, Reason: "world_states[3]: local=1 remote=2"})
	s.RecordSnapshot("/data/snapshots/90.snap.zst", snapshot.SnapshotV1{
		Header:    snapshot.Header{Version: snapshot.Version, Timer: 90, Seed: 5},
		Scheduler: tick.State{Tickables: []tick.TickableState{{ID: -1}}},
	})
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s, err = OpenSQLite(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	n, err := s.OpinionCount(ctx, "authority")
	if err != nil || n != 2 {
		t.Fatalf("OpinionCount=%d err=%v want 2", n, err)
	}
	wm, err := s.Watermark(ctx)
	if err != nil || wm != 59 {
		t.Fatalf("Watermark=%d err=%v want 59", wm, err)
	}
	reports, err := s.Reports(ctx)
	if err != nil {
		t.Fatalf("Reports: %v", err)
	}
	if len(reports) != 1 || reports[0].ID != "r1" || reports[0].LastValidTick != 59 || reports[0].Remote {
		t.Fatalf("unexpected reports: %+v", reports)
	}
}

func TestSQLiteIndex_WatermarkDefault(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "index.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite: %v", err)
	}
	defer s.Close()
	wm, err := s.Watermark(context.Background())
	if err != nil || wm != -1 {
		t.Fatalf("Watermark=%d err=%v want -1", wm, err)
	}
}
