package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, zerolog.InfoLevel, lvl)

	lvl, err = ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, zerolog.DebugLevel, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}

func TestNewWritesJSONToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "np_1.log")

	logger, closer, err := New(Options{File: path, Level: "debug"})
	require.NoError(t, err)

	logger.Info().Str(NODE, "abc").Str(EVENT, "started").Msg("node up")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(data), &entry))
	assert.Equal(t, "abc", entry[NODE])
	assert.Equal(t, "started", entry[EVENT])
	assert.Equal(t, "node up", entry["message"])
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(zerolog.New(&buf), "p2p")
	logger.Info().Msg("x")
	assert.Contains(t, buf.String(), `"comp":"p2p"`)
}
