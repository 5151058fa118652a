package tuning

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"lockstep.ai/internal/sim/tick"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "tuning.yaml")
	require.NoError(t, os.WriteFile(p, []byte(body), 0o644))
	return p
}

func TestDefaultsValidate(t *testing.T) {
	require.NoError(t, Defaults().Validate())
}

func TestLoad_OverlaysDefaults(t *testing.T) {
	p := writeFile(t, `
tick_rate_hz: 30
async_time: false
opinion_interval_ticks: 12
fingerprint:
  enabled: false
  max_depth: 16
  hash_frames: 4
  stop_funcs: ["main.loop"]
`)
	tu, err := Load(p)
	require.NoError(t, err)
	require.Equal(t, 30, tu.TickRateHz)
	require.False(t, tu.AsyncTime)
	require.Equal(t, int32(12), tu.OpinionIntervalTicks)
	require.Equal(t, Defaults().CommandDelayTicks, tu.CommandDelayTicks)
	require.Equal(t, []float64{0, 1, 3, 6, 15}, tu.SpeedMultipliers)

	cfg := tu.SchedulerConfig(99)
	require.False(t, cfg.AsyncTime)
	require.Equal(t, uint64(99), cfg.Seed)
	require.False(t, cfg.Fingerprint.Enabled)
	require.Equal(t, 16, cfg.Fingerprint.MaxDepth)
	require.Equal(t, []string{"main.loop"}, cfg.Fingerprint.StopFuncs)
	require.Equal(t, tick.DefaultMultipliers, cfg.Multipliers)

	dc := tu.DesyncConfig()
	require.Equal(t, int32(12), dc.Interval)
}

func TestLoad_RejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"multiplier count":   "speed_multipliers: [0, 1, 2]\n",
		"paused not zero":    "speed_multipliers: [1, 1, 3, 6, 15]\n",
		"decreasing":         "speed_multipliers: [0, 3, 1, 6, 15]\n",
		"zero delay":         "command_delay_ticks: 0\n",
		"zero interval":      "opinion_interval_ticks: 0\n",
		"idle below one":     "idle_multiplier: 0.5\n",
		"bad yaml":           "tick_rate_hz: [\n",
		"fingerprint depth":  "fingerprint: {enabled: true, max_depth: 0, hash_frames: 4}\n",
		"negative tick rate": "tick_rate_hz: -1\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeFile(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)
}
