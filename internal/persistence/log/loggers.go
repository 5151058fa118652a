package log

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/ledger"
)

// JSONLZstdWriter appends one JSON document per line to an hourly-rotated
// zstd file named <prefix>-<YYYY-MM-DD-HH>.jsonl.zst.
type JSONLZstdWriter struct {
	baseDir string
	prefix  string
	now     func() time.Time

	mu      sync.Mutex
	curHour string
	f       *os.File
	enc     *zstd.Encoder
	w       *bufio.Writer
}

func NewJSONLZstdWriter(baseDir, prefix string) *JSONLZstdWriter {
	return &JSONLZstdWriter{
		baseDir: baseDir,
		prefix:  prefix,
		now:     time.Now,
	}
}

func (w *JSONLZstdWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.closeLocked()
}

func (w *JSONLZstdWriter) Write(v any) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	hour := w.now().UTC().Format("2006-01-02-15")
	if hour != w.curHour {
		if err := w.rotateLocked(hour); err != nil {
			return err
		}
	}

	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

func (w *JSONLZstdWriter) rotateLocked(hour string) error {
	if err := w.closeLocked(); err != nil {
		return err
	}
	if err := os.MkdirAll(w.baseDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.pathForHour(hour), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		_ = f.Close()
		return err
	}
	w.f = f
	w.enc = enc
	w.w = bufio.NewWriterSize(enc, 128*1024)
	w.curHour = hour
	return nil
}

func (w *JSONLZstdWriter) closeLocked() error {
	var err1 error
	if w.w != nil {
		_ = w.w.Flush()
	}
	if w.enc != nil {
		err1 = w.enc.Close()
		w.enc = nil
	}
	if w.f != nil {
		_ = w.f.Close()
		w.f = nil
	}
	w.w = nil
	w.curHour = ""
	return err1
}

func (w *JSONLZstdWriter) pathForHour(hour string) string {
	return filepath.Join(w.baseDir, fmt.Sprintf("%s-%s.jsonl.zst", w.prefix, hour))
}

// CommandLogger records every command in log order.
type CommandLogger struct{ w *JSONLZstdWriter }

func NewCommandLogger(dataDir string) *CommandLogger {
	return &CommandLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "commands"), "commands")}
}

func (l *CommandLogger) WriteCommand(c command.Command) error { return l.w.Write(c) }
func (l *CommandLogger) Close() error                         { return l.w.Close() }

// OpinionEntry is one closed Opinion, local or received.
type OpinionEntry struct {
	Peer    string          `json:"peer"`
	Local   bool            `json:"local,omitempty"`
	Opinion *ledger.Opinion `json:"opinion"`
}

// OpinionLogger records Opinions so replay can check them.
type OpinionLogger struct{ w *JSONLZstdWriter }

func NewOpinionLogger(dataDir string) *OpinionLogger {
	return &OpinionLogger{w: NewJSONLZstdWriter(filepath.Join(dataDir, "opinions"), "opinions")}
}

func (l *OpinionLogger) WriteOpinion(e OpinionEntry) error { return l.w.Write(e) }
func (l *OpinionLogger) Close() error                      { return l.w.Close() }
