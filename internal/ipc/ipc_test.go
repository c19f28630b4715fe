package ipc

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wassette-dev/wassette/internal/secrets"
)

func startTestServer(t *testing.T) (socketPath string, mgr *secrets.Manager, stop func()) {
	t.Helper()
	dir := t.TempDir()
	socketPath = filepath.Join(dir, "wassette.sock")
	mgr = secrets.New(filepath.Join(dir, "secrets"), nil)

	srv := NewServer(socketPath, mgr, nil)
	ctx, cancel := context.WithCancel(context.Background())

	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = srv.Serve(ctx)
	}()
	<-ready
	// Give the listener a moment to bind.
	time.Sleep(50 * time.Millisecond)

	return socketPath, mgr, cancel
}

func TestPing(t *testing.T) {
	socketPath, _, stop := startTestServer(t)
	defer stop()

	client := NewClient(socketPath)
	resp, err := client.Ping()
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
	require.Equal(t, "pong", resp.Message)
}

func TestSetAndListSecrets(t *testing.T) {
	socketPath, _, stop := startTestServer(t)
	defer stop()

	client := NewClient(socketPath)
	resp, err := client.SetSecret("comp1", "API_KEY", "abc123")
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())

	resp, err = client.ListSecrets("comp1", true)
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
	require.Contains(t, string(resp.Data), "API_KEY")
	require.Contains(t, string(resp.Data), "abc123")
}

func TestDeleteSecretFromMemory(t *testing.T) {
	socketPath, _, stop := startTestServer(t)
	defer stop()

	client := NewClient(socketPath)
	_, err := client.SetSecret("comp1", "TOKEN", "v")
	require.NoError(t, err)

	resp, err := client.DeleteSecret("comp1", "TOKEN")
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
}

func TestDeleteSecretMissingReturnsError(t *testing.T) {
	socketPath, _, stop := startTestServer(t)
	defer stop()

	client := NewClient(socketPath)
	resp, err := client.DeleteSecret("ghost", "NOPE")
	require.NoError(t, err)
	require.False(t, resp.IsSuccess())
}

func TestInvalidJSONKeepsConnectionOpen(t *testing.T) {
	socketPath, _, stop := startTestServer(t)
	defer stop()

	client := NewClient(socketPath)

	conn, err := net.Dial("unix", socketPath)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write([]byte("not json\n"))
	require.NoError(t, err)

	buf := make([]byte, 256)
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	n, err := conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), `"status":"error"`)

	// The connection must still accept further requests.
	_, err = conn.Write([]byte(`{"command":"ping"}` + "\n"))
	require.NoError(t, err)
	n, err = conn.Read(buf)
	require.NoError(t, err)
	require.Contains(t, string(buf[:n]), "pong")

	resp, err := client.Ping()
	require.NoError(t, err)
	require.True(t, resp.IsSuccess())
}

func TestClientConnectTimeoutOnMissingSocket(t *testing.T) {
	client := NewClient(filepath.Join(t.TempDir(), "does-not-exist.sock")).WithTimeout(200 * time.Millisecond)
	_, err := client.Ping()
	require.ErrorIs(t, err, ErrConnectTimeout)
}
