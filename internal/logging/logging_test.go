package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	log := New("debug", &buf)
	log.Debug().Str("url", "http://x/").Msg("cache hit")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "debug", line["level"])
	assert.Equal(t, "cache hit", line["message"])
	assert.Equal(t, "http://x/", line["url"])
	assert.Contains(t, line, "time")
}

func TestNewLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New("warn", &buf)
	log.Info().Msg("dropped")
	assert.Zero(t, buf.Len())

	log.Warn().Msg("kept")
	assert.NotZero(t, buf.Len())
}

func TestNewUnknownLevelIsInfo(t *testing.T) {
	for _, lvl := range []string{"", "loud"} {
		var buf bytes.Buffer
		log := New(lvl, &buf)
		log.Debug().Msg("dropped")
		assert.Zero(t, buf.Len(), "level %q", lvl)
		log.Info().Msg("kept")
		assert.NotZero(t, buf.Len(), "level %q", lvl)
	}
}
