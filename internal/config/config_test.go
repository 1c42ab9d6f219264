package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sutton-OS/GoldBot/internal/hours"
)

func TestLoad_MissingFileYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "goldbot.sqlite", cfg.Database)
	assert.Equal(t, "America/New_York", cfg.Location.Timezone)

	cfg, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "goldbot.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
database: /tmp/other.sqlite
verbose: true
location:
  gym_name: Iron Temple
  timezone: Europe/Berlin
  business_hours:
    "1":
      - ["08:00", "20:00"]
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/other.sqlite", cfg.Database)
	assert.True(t, cfg.Verbose)
	assert.Equal(t, "Iron Temple", cfg.Location.GymName)
	assert.Equal(t, "Europe/Berlin", cfg.Location.Timezone)
	assert.Equal(t, [][]string{{"08:00", "20:00"}}, cfg.Location.BusinessHours["1"])
}

func TestLoad_RejectsMalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("database: [unclosed"), 0o644))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestBusinessHoursJSON_ParsesBackAsSchedule(t *testing.T) {
	raw, err := Default().Location.BusinessHoursJSON()
	require.NoError(t, err)

	sched, err := hours.ParseSchedule(raw)
	require.NoError(t, err)
	assert.NotEmpty(t, sched)
}

func TestBusinessHoursJSON_RejectsBadRange(t *testing.T) {
	loc := LocationConfig{BusinessHours: map[string][][]string{"1": {{"09:00"}}}}
	_, err := loc.BusinessHoursJSON()
	assert.Error(t, err)
}
