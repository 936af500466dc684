package transport_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok-labs/mcpgatewayd/internal/transport"
)

func TestStdioDriver_EchoRoundTrip(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	d, err := transport.NewStdioDriver(ctx, "echo-backend", "cat", nil, nil, nil)
	require.NoError(t, err)
	defer d.Close()

	resp, err := d.Send(ctx, []byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`))
	require.NoError(t, err)
	assert.Contains(t, string(resp), `"method":"ping"`)
}

func TestStdioDriver_AllowlistRejectsUnlistedCommand(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	_, err := transport.NewStdioDriver(ctx, "b1", "/bin/rm", []string{"-rf", "/"}, nil, func(cmd string) bool {
		return cmd == "cat"
	})
	require.Error(t, err)
}

func TestStdioDriver_CloseTerminatesProcess(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	d, err := transport.NewStdioDriver(ctx, "echo-backend", "cat", nil, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, d.Close())
}
