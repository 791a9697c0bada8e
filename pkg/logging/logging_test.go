package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arzzra/rtcall/pkg/config"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zerolog.DebugLevel, ParseLevel("DEBUG"))
	assert.Equal(t, zerolog.WarnLevel, ParseLevel(" warn "))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel(""))
	assert.Equal(t, zerolog.InfoLevel, ParseLevel("loud"))
}

func TestNewJSON(t *testing.T) {
	var buf bytes.Buffer
	l := Component(New(config.LogConfig{Level: "warn"}, &buf), "session")

	l.Info().Msg("не должно попасть")
	l.Warn().Str(FieldCallID, "c1").Msg("вызов завершён")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.Equal(t, "warn", rec["level"])
	assert.Equal(t, "session", rec[FieldComponent])
	assert.Equal(t, "c1", rec[FieldCallID])
	assert.Equal(t, "вызов завершён", rec["message"])
}

func TestPionFactory(t *testing.T) {
	var buf bytes.Buffer
	f := NewPionFactory(New(config.LogConfig{Level: "debug"}, &buf))

	l := f.NewLogger("ice")
	l.Tracef("скрыто %d", 1)
	l.Debugf("пара %s выбрана", "host")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &rec))
	assert.Equal(t, "ice", rec["scope"])
	assert.Equal(t, "debug", rec["level"])
	assert.Equal(t, "пара host выбрана", rec["message"])
}
