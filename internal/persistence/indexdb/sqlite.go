package indexdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	_ "modernc.org/sqlite"

	"lockstep.ai/internal/persistence/snapshot"
	"lockstep.ai/internal/sim/desync"
	"lockstep.ai/internal/sim/ledger"
)

// SQLiteIndex is a queryable secondary index over the JSONL logs, snapshots
// and desync reports. Writes are queued to one goroutine and dropped when the
// queue is full; the files remain the source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan req
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropOpinion   atomic.Uint64
	dropReport    atomic.Uint64
	dropSnapshot  atomic.Uint64
	dropWatermark atomic.Uint64
}

type reqKind int

const (
	reqOpinion reqKind = iota + 1
	reqReport
	reqSnapshot
	reqWatermark
)

type req struct {
	kind reqKind

	opinion   opinionRow
	report    reportRow
	snapshot  snapshotRow
	watermark int32
}

type opinionRow struct {
	StartTick    int32
	Peer         string
	Local        bool
	State        string
	Simulating   bool
	Commands     int
	World        int
	Maps         int
	Fingerprints int
	RawJSON      string
}

type reportRow struct {
	ID            string
	Peer          string
	Timer         int32
	StartTick     int32
	LastValidTick int32
	Remote        bool
	Reason        string
	Path          string
	CreatedAt     string
}

type snapshotRow struct {
	Timer     int32
	Path      string
	Seed      uint64
	Tickables int
	Queued    int
}

// Stats counts requests dropped because the writer fell behind.
type Stats struct {
	QueueDepth         int    `json:"queue_depth"`
	QueueCapacity      int    `json:"queue_capacity"`
	DropOpinionTotal   uint64 `json:"drop_opinion_total"`
	DropReportTotal    uint64 `json:"drop_report_total"`
	DropSnapshotTotal  uint64 `json:"drop_snapshot_total"`
	DropWatermarkTotal uint64 `json:"drop_watermark_total"`
}

func OpenSQLite(path string) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan req, 65536),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS opinions (
			start_tick INTEGER NOT NULL,
			peer TEXT NOT NULL,
			local INTEGER NOT NULL,
			state TEXT NOT NULL,
			simulating INTEGER NOT NULL,
			commands INTEGER NOT NULL,
			world INTEGER NOT NULL,
			maps INTEGER NOT NULL,
			fingerprints INTEGER NOT NULL,
			raw_json TEXT NOT NULL,
			PRIMARY KEY (start_tick, peer)
		);`,
		`CREATE TABLE IF NOT EXISTS desync_reports (
			id TEXT PRIMARY KEY,
			peer TEXT NOT NULL,
			timer INTEGER NOT NULL,
			start_tick INTEGER NOT NULL,
			last_valid_tick INTEGER NOT NULL,
			remote INTEGER NOT NULL,
			reason TEXT NOT NULL,
			path TEXT NOT NULL,
			created_at TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_desync_reports_timer ON desync_reports(timer);`,
		`CREATE TABLE IF NOT EXISTS snapshots (
			timer INTEGER PRIMARY KEY,
			path TEXT NOT NULL,
			seed INTEGER NOT NULL,
			tickables INTEGER NOT NULL,
			queued INTEGER NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES('schema_version','1');`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:         len(s.ch),
		QueueCapacity:      cap(s.ch),
		DropOpinionTotal:   s.dropOpinion.Load(),
		DropReportTotal:    s.dropReport.Load(),
		DropSnapshotTotal:  s.dropSnapshot.Load(),
		DropWatermarkTotal: s.dropWatermark.Load(),
	}
}

func (s *SQLiteIndex) enqueue(r req, drops *atomic.Uint64) {
	if s == nil || s.closed.Load() {
		return
	}
	select {
	case s.ch <- r:
	default:
		drops.Add(1)
	}
}

// RecordOpinion indexes op. The row is built before returning, so op may go
// back to its pool afterwards.
func (s *SQLiteIndex) RecordOpinion(peer string, local bool, op *ledger.Opinion) {
	if s == nil || op == nil {
		return
	}
	raw, _ := json.Marshal(op)
	s.enqueue(req{kind: reqOpinion, opinion: opinionRow{
		StartTick:    op.StartTick,
		Peer:         peer,
		Local:        local,
		State:        op.State.String(),
		Simulating:   op.Simulating,
		Commands:     len(op.CommandStates),
		World:        len(op.WorldStates),
		Maps:         len(op.Maps),
		Fingerprints: len(op.Fingerprints),
		RawJSON:      string(raw),
	}}, &s.dropOpinion)
}

func (s *SQLiteIndex) RecordReport(path string, r *desync.Report) {
	if s == nil || r == nil {
		return
	}
	s.enqueue(req{kind: reqReport, report: reportRow{
		ID:            r.ID,
		Peer:          r.Peer,
		Timer:         r.Timer,
		StartTick:     r.StartTick,
		LastValidTick: r.LastValidTick,
		Remote:        r.Remote,
		Reason:        r.Reason,
		Path:          path,
		CreatedAt:     time.UnixMilli(r.CreatedUnixMS).UTC().Format(time.RFC3339Nano),
	}}, &s.dropReport)
}

func (s *SQLiteIndex) RecordSnapshot(path string, snap snapshot.SnapshotV1) {
	if s == nil {
		return
	}
	queued := 0
	for _, t := range snap.Scheduler.Tickables {
		queued += len(t.Queue)
	}
	s.enqueue(req{kind: reqSnapshot, snapshot: snapshotRow{
		Timer:     snap.Header.Timer,
		Path:      path,
		Seed:      snap.Header.Seed,
		Tickables: len(snap.Scheduler.Tickables),
		Queued:    queued,
	}}, &s.dropSnapshot)
}

// RecordWatermark stores the last tick confirmed consistent with peers.
func (s *SQLiteIndex) RecordWatermark(lastValidTick int32) {
	if s == nil {
		return
	}
	s.enqueue(req{kind: reqWatermark, watermark: lastValidTick}, &s.dropWatermark)
}

type ReportRow struct {
	ID            string
	Peer          string
	Timer         int32
	LastValidTick int32
	Remote        bool
	Reason        string
	Path          string
}

// Reports lists indexed desync reports, oldest timer first.
func (s *SQLiteIndex) Reports(ctx context.Context) ([]ReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id,peer,timer,last_valid_tick,remote,reason,path FROM desync_reports ORDER BY timer, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ReportRow
	for rows.Next() {
		var r ReportRow
		if err := rows.Scan(&r.ID, &r.Peer, &r.Timer, &r.LastValidTick, &r.Remote, &r.Reason, &r.Path); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Watermark returns the stored last valid tick, or -1.
func (s *SQLiteIndex) Watermark(ctx context.Context) (int32, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key='last_valid_tick'`).Scan(&v)
	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}
	n, err := strconv.ParseInt(v, 10, 32)
	return int32(n), err
}

// OpinionCount counts indexed opinions from peer.
func (s *SQLiteIndex) OpinionCount(ctx context.Context, peer string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM opinions WHERE peer=?`, peer).Scan(&n)
	return n, err
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertOpinion, _ := s.db.Prepare(`INSERT OR REPLACE INTO opinions(start_tick,peer,local,state,simulating,commands,world,maps,fingerprints,raw_json) VALUES(?,?,?,?,?,?,?,?,?,?)`)
	insertReport, _ := s.db.Prepare(`INSERT OR REPLACE INTO desync_reports(id,peer,timer,start_tick,last_valid_tick,remote,reason,path,created_at) VALUES(?,?,?,?,?,?,?,?,?)`)
	insertSnapshot, _ := s.db.Prepare(`INSERT OR REPLACE INTO snapshots(timer,path,seed,tickables,queued) VALUES(?,?,?,?,?)`)
	upsertMeta, _ := s.db.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertOpinion, insertReport, insertSnapshot, upsertMeta} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		lastCommit    = time.Now()
		commitEvery   = 500
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	commit := func() {
		if tx == nil {
			return
		}
		_ = tx.Commit()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		tx = nil
		opCount = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) {
		if st == nil || tx == nil {
			return
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			rollback()
			return
		}
		opCount++
	}

	for r := range s.ch {
		begin()
		if tx == nil {
			continue
		}
		switch r.kind {
		case reqOpinion:
			o := r.opinion
			exec(insertOpinion, o.StartTick, o.Peer, o.Local, o.State, o.Simulating, o.Commands, o.World, o.Maps, o.Fingerprints, o.RawJSON)
		case reqReport:
			rp := r.report
			exec(insertReport, rp.ID, rp.Peer, rp.Timer, rp.StartTick, rp.LastValidTick, rp.Remote, rp.Reason, rp.Path, rp.CreatedAt)
			// reports commit immediately
			commit()
			continue
		case reqSnapshot:
			sn := r.snapshot
			exec(insertSnapshot, sn.Timer, sn.Path, int64(sn.Seed), sn.Tickables, sn.Queued)
		case reqWatermark:
			exec(upsertMeta, "last_valid_tick", strconv.FormatInt(int64(r.watermark), 10))
		}
		if tx != nil && (opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait) {
			commit()
		}
	}

	commit()
}
