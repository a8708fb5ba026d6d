package cli

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeRemoteServesUntilCancelled(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	out, err := execute(ctx, "fake-remote", "--addr", "127.0.0.1:0")
	require.NoError(t, err)
	assert.Contains(t, out, "Fake remote listening on http://127.0.0.1:")
}

func TestFakeRemoteBadAddr(t *testing.T) {
	_, err := execute(context.Background(), "fake-remote", "--addr", "not-an-address")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
