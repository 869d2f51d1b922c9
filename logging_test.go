package studiosync_test

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hyperengineering/studiosync"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogBuild_WriterAndLevel(t *testing.T) {
	var buf bytes.Buffer
	log, closer, err := studiosync.NewLogBuild().FromWriter(&buf).Level("WARN").Make()
	require.NoError(t, err)
	defer closer.Close()

	log.Info().Msg("hidden")
	log.Warn().Str("component", "queue").Msg("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "studiosync", entry["app"])
	assert.Equal(t, "queue", entry["component"])
	assert.Contains(t, entry, "time")
}

func TestLogBuild_DebugOverridesLevel(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := studiosync.NewLogBuild().FromWriter(&buf).Level("error").Debug(true).Make()
	require.NoError(t, err)

	log.Debug().Msg("trace")
	assert.Contains(t, buf.String(), "trace")
}

func TestLogBuild_UnknownLevelKeepsInfo(t *testing.T) {
	var buf bytes.Buffer
	log, _, err := studiosync.NewLogBuild().FromWriter(&buf).Level("loud").Make()
	require.NoError(t, err)

	log.Debug().Msg("debug")
	log.Info().Msg("info")
	assert.NotContains(t, buf.String(), `"debug"`)
	assert.Contains(t, buf.String(), `"info"`)
}

func TestLogBuild_FromPath(t *testing.T) {
	path := filepath.Join(t.TempDir(), "debug.log")
	log, closer, err := studiosync.NewLogBuild().FromPath(path).Make()
	require.NoError(t, err)

	log.Info().Msg("to file")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestLogBuild_FromPathError(t *testing.T) {
	_, _, err := studiosync.NewLogBuild().FromPath(filepath.Join(t.TempDir(), "missing", "debug.log")).Make()
	assert.Error(t, err)
}
