package shell

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRun(t *testing.T) {
	out, err := Run(context.Background(), t.TempDir(), "sh", "-c", "echo hello")
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out))
}

func TestRun_FoldsStderr(t *testing.T) {
	_, err := Run(context.Background(), "", "sh", "-c", "echo 'database locked' >&2; exit 3")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database locked")
	assert.Contains(t, err.Error(), "exit status 3")
}

func TestRunInput(t *testing.T) {
	out, err := RunInput(context.Background(), "", strings.NewReader("ping"), "cat")
	require.NoError(t, err)
	assert.Equal(t, "ping", string(out))
}
