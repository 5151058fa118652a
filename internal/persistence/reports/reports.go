// Package reports writes desync reports as zstd-compressed JSON under
// <data>/desyncs, next to a copy of the snapshot the session resumed from.
package reports

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"lockstep.ai/internal/sim/desync"
)

// Indexer is the part of indexdb.SQLiteIndex the store feeds.
type Indexer interface {
	RecordReport(path string, r *desync.Report)
}

type Store struct {
	dir   string
	index Indexer

	// Snapshot, when set, returns the newest snapshot path to archive with
	// each report.
	Snapshot func() string
}

func NewStore(dataDir string, index Indexer) *Store {
	return &Store{dir: filepath.Join(dataDir, "desyncs"), index: index}
}

func (s *Store) Path(id string) string { return filepath.Join(s.dir, id+".json.zst") }

// SaveReport implements desync.Sink.
func (s *Store) SaveReport(r *desync.Report) error {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return err
	}
	out := enc.EncodeAll(b, nil)
	_ = enc.Close()

	p := s.Path(r.ID)
	if err := os.WriteFile(p, out, 0o644); err != nil {
		return err
	}
	if s.Snapshot != nil {
		if src := s.Snapshot(); src != "" {
			if err := copyFile(src, filepath.Join(s.dir, r.ID+".snap.zst")); err != nil {
				return fmt.Errorf("archive snapshot: %w", err)
			}
		}
	}
	if s.index != nil {
		s.index.RecordReport(p, r)
	}
	return nil
}

// Raw returns the decompressed JSON of a saved report.
func Raw(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return io.ReadAll(dec)
}

func Read(path string) (*desync.Report, error) {
	raw, err := Raw(path)
	if err != nil {
		return nil, err
	}
	var r desync.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &r, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Close()
}
