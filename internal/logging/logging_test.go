package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupWritesToStdoutAndFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "guard.log")
	var stdout bytes.Buffer

	logger, closer := Setup(&stdout, path, false)
	logger.Info("detected faces", "count", 1)
	logger.Debug("hidden at info level")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	assert.Equal(t, stdout.String(), string(data))
	assert.Regexp(t, regexp.MustCompile(`^time="\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}" level=INFO msg="detected faces" count=1\n$`), string(data))
	assert.NotContains(t, string(data), "hidden")
}

func TestSetupAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "guard.log")
	require.NoError(t, os.WriteFile(path, []byte("previous run\n"), 0o644))

	logger, closer := Setup(&bytes.Buffer{}, path, true)
	logger.Debug("second run")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "previous run\n"))
	assert.Contains(t, string(data), "second run")
}

func TestSetupFallsBackToStdout(t *testing.T) {
	// A regular file where a directory is expected makes the open fail.
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	var stdout bytes.Buffer
	logger, closer := Setup(&stdout, filepath.Join(blocker, "guard.log"), false)
	logger.Info("still logging")
	require.NoError(t, closer.Close())

	assert.Contains(t, stdout.String(), "log file unavailable")
	assert.Contains(t, stdout.String(), "still logging")
}
