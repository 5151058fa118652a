package snapshot

import (
	"bufio"
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/tick"
)

const Version = 1

var ErrVersion = errors.New("unsupported snapshot version")

type Header struct {
	Version int    `json:"version"`
	Timer   int32  `json:"timer"`
	Seed    uint64 `json:"seed"`
}

// SnapshotV1 is a resumable point: scheduler state plus the simulation's own
// state, which the scheduler treats as opaque bytes.
type SnapshotV1 struct {
	Header    Header
	Scheduler tick.State
	Sim       []byte
	// Pending holds sequenced commands not yet handed to the scheduler.
	Pending []command.Command
}

func Encode(w io.Writer, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}
	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		return err
	}
	return enc.Close()
}

func Decode(r io.Reader) (SnapshotV1, error) {
	var snap SnapshotV1
	dec, err := zstd.NewReader(r)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return snap, fmt.Errorf("header: %w", err)
	}
	if h.Version != Version {
		return snap, fmt.Errorf("%w: %d", ErrVersion, h.Version)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	return snap, nil
}

// Marshal is Encode into memory, for sending a snapshot to a joining peer.
func Marshal(snap SnapshotV1) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, snap); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func Unmarshal(b []byte) (SnapshotV1, error) { return Decode(bytes.NewReader(b)) }

// Path is where the snapshot for timer lives under dataDir.
func Path(dataDir string, timer int32) string {
	return filepath.Join(dataDir, "snapshots", fmt.Sprintf("%010d.snap.zst", timer))
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if err := Encode(f, snap); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	f, err := os.Open(path)
	if err != nil {
		return SnapshotV1{}, err
	}
	defer f.Close()
	return Decode(f)
}

// Latest returns the newest snapshot path under dataDir, or "" if none.
func Latest(dataDir string) (string, error) {
	files, err := filepath.Glob(filepath.Join(dataDir, "snapshots", "*.snap.zst"))
	if err != nil || len(files) == 0 {
		return "", err
	}
	latest := files[0]
	for _, f := range files[1:] {
		if f > latest {
			latest = f
		}
	}
	return latest, nil
}
