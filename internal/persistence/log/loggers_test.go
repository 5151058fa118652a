package log

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/sim/command"
	"lockstep.ai/internal/sim/ledger"
)

func TestCommandLogger_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	l := NewCommandLogger(dir)
	want := []command.Command{
		{Kind: command.KindSync, Tick: 5, Faction: 1, Target: command.GlobalID, Player: 2, Payload: []byte{1, 2, 3}, Seq: 1},
		{Kind: command.KindCreateMap, Tick: 6, Target: command.GlobalID, Payload: []byte{4, 0, 0, 0}, Seq: 2},
	}
	for _, c := range want {
		require.NoError(t, l.WriteCommand(c))
	}
	require.NoError(t, l.Close())

	got, err := ReadCommands(dir)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

func TestJSONLZstdWriter_RotatesHourly(t *testing.T) {
	dir := t.TempDir()
	w := NewJSONLZstdWriter(dir, "opinions")
	clock := time.Date(2024, 5, 1, 10, 59, 0, 0, time.UTC)
	w.now = func() time.Time { return clock }

	l := &OpinionLogger{w: w}
	require.NoError(t, l.WriteOpinion(OpinionEntry{Peer: "a", Local: true, Opinion: &ledger.Opinion{StartTick: 0, WorldStates: []uint32{1}}}))
	clock = clock.Add(2 * time.Minute)
	require.NoError(t, l.WriteOpinion(OpinionEntry{Peer: "b", Opinion: &ledger.Opinion{StartTick: 30}}))
	require.NoError(t, l.Close())

	files, err := filepath.Glob(filepath.Join(dir, "*.jsonl.zst"))
	require.NoError(t, err)
	require.Len(t, files, 2)

	lines := 0
	require.NoError(t, ReadDir(dir, "opinions", func(line []byte) error {
		lines++
		return nil
	}))
	require.Equal(t, 2, lines)
}

func TestReadOpinions_OrderAcrossFiles(t *testing.T) {
	dir := t.TempDir()
	l := NewOpinionLogger(dir)
	clock := time.Date(2024, 5, 1, 23, 0, 0, 0, time.UTC)
	l.w.now = func() time.Time { return clock }
	for i := int32(0); i < 3; i++ {
		require.NoError(t, l.WriteOpinion(OpinionEntry{Peer: "p", Opinion: &ledger.Opinion{StartTick: i * 30}}))
		clock = clock.Add(time.Hour)
	}
	require.NoError(t, l.Close())

	got, err := ReadOpinions(dir)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, e := range got {
		require.Equal(t, int32(i*30), e.Opinion.StartTick)
	}
}

func TestReadDir_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "commands-2024-01-01-00.jsonl.zst"), []byte("not zstd"), 0o644))
	cmds, err := ReadCommands(t.TempDir())
	require.NoError(t, err, "no commands dir means an empty log")
	require.Empty(t, cmds)

	err = ReadDir(dir, "commands", func([]byte) error { return nil })
	require.Error(t, err)
}
