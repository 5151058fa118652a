package log

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/goccy/go-json"
	"github.com/klauspost/compress/zstd"

	"lockstep.ai/internal/sim/command"
)

// ReadDir decodes every <prefix>-*.jsonl.zst file in dir, oldest hour
// first, calling fn once per line.
func ReadDir(dir, prefix string, fn func(line []byte) error) error {
	files, err := filepath.Glob(filepath.Join(dir, prefix+"-*.jsonl.zst"))
	if err != nil {
		return err
	}
	sort.Strings(files)
	for _, p := range files {
		if err := readFile(p, fn); err != nil {
			return fmt.Errorf("%s: %w", filepath.Base(p), err)
		}
	}
	return nil
}

func readFile(path string, fn func(line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 128*1024)
	for {
		line, err := br.ReadBytes('\n')
		if len(line) > 1 {
			if ferr := fn(line); ferr != nil {
				return ferr
			}
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// ReadCommands loads the command log written by CommandLogger under dataDir.
func ReadCommands(dataDir string) ([]command.Command, error) {
	var out []command.Command
	err := ReadDir(filepath.Join(dataDir, "commands"), "commands", func(line []byte) error {
		var c command.Command
		if err := json.Unmarshal(line, &c); err != nil {
			return err
		}
		out = append(out, c)
		return nil
	})
	return out, err
}

// ReadOpinions loads the Opinions written by OpinionLogger under dataDir.
func ReadOpinions(dataDir string) ([]OpinionEntry, error) {
	var out []OpinionEntry
	err := ReadDir(filepath.Join(dataDir, "opinions"), "opinions", func(line []byte) error {
		var e OpinionEntry
		if err := json.Unmarshal(line, &e); err != nil {
			return err
		}
		out = append(out, e)
		return nil
	})
	return out, err
}
