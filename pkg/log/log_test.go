package log

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLevels(t *testing.T) {
	tests := []struct {
		level Level
		valid bool
		want  zerolog.Level
	}{
		{DebugLevel, true, zerolog.DebugLevel},
		{InfoLevel, true, zerolog.InfoLevel},
		{WarnLevel, true, zerolog.WarnLevel},
		{ErrorLevel, true, zerolog.ErrorLevel},
		{"verbose", false, zerolog.InfoLevel},
		{"", false, zerolog.InfoLevel},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.valid, tt.level.Valid(), "level %q", tt.level)
		assert.Equal(t, tt.want, ParseLevel(tt.level), "level %q", tt.level)
	}
}

func TestJSONOutputCarriesIdentity(t *testing.T) {
	prev, prevLevel := Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Init(Config{Level: DebugLevel, JSONOutput: true, Output: &buf})

	ctrl := WithController(3)
	ctrl.Info().Msg("Controller live")
	group := WithGroup("nguid-1")
	group.Debug().Msg("Failing over")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	require.NoError(t, json.Unmarshal(lines[1], &second))

	assert.Equal(t, "controller", first["component"])
	assert.Equal(t, float64(3), first["ctrl"])
	assert.Equal(t, "Controller live", first["message"])
	assert.Equal(t, "multipath", second["component"])
	assert.Equal(t, "nguid-1", second["group"])
	assert.Equal(t, "debug", second["level"])
}

func TestLevelFilters(t *testing.T) {
	prev, prevLevel := Logger, zerolog.GlobalLevel()
	t.Cleanup(func() {
		Logger = prev
		zerolog.SetGlobalLevel(prevLevel)
	})

	var buf bytes.Buffer
	Init(Config{Level: WarnLevel, JSONOutput: true, Output: &buf})
	l := WithComponent("host")
	l.Info().Msg("dropped")
	Errorf("Close failed", assert.AnError)

	out := buf.String()
	assert.NotContains(t, out, "dropped")
	assert.Contains(t, out, "Close failed")
	assert.Contains(t, out, assert.AnError.Error())
}
