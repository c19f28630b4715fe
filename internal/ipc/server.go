package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/wassette-dev/wassette/internal/secrets"
)

// ErrUnsupportedPlatform is returned by Serve on platforms without a
// SO_PEERCRED-style credential check. Windows named-pipe support is
// deferred (see DESIGN.md); this host only ships the Unix transport,
// gated by GOOS via server_unix.go/server_other.go (the `unix` build
// tag Go maps onto every SO_PEERCRED-capable GOOS).
var ErrUnsupportedPlatform = errors.New("ipc: unsupported platform for peer-authenticated IPC server")

// DefaultSocketPath returns {runtime_dir}/wassette/wassette.sock,
// preferring $XDG_RUNTIME_DIR and falling back to /tmp.
func DefaultSocketPath() string {
	runtimeDir := os.Getenv("XDG_RUNTIME_DIR")
	if runtimeDir == "" {
		runtimeDir = "/tmp"
	}
	return filepath.Join(runtimeDir, "wassette", "wassette.sock")
}

// Server accepts connections on a Unix domain socket, authenticates
// each peer by uid/gid match, and serves set_secret/delete_secret/
// list_secrets/ping requests against a secrets.Manager.
type Server struct {
	socketPath string
	secrets    *secrets.Manager
	logger     *slog.Logger

	mu       sync.Mutex
	listener net.Listener
}

// NewServer builds a Server bound to socketPath once Serve is called.
// Constructing a Server never fails on any GOOS; Serve is where the
// platform gate (see ErrUnsupportedPlatform) applies.
func NewServer(socketPath string, mgr *secrets.Manager, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{socketPath: socketPath, secrets: mgr, logger: logger}
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) writeResponse(conn net.Conn, resp Response) bool {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to marshal IPC response", "error", err)
		return false
	}
	data = append(data, '\n')
	if _, err := conn.Write(data); err != nil {
		s.logger.Error("failed to write IPC response", "error", err)
		return false
	}
	return true
}

func (s *Server) handleCommand(_ context.Context, cmd Command) Response {
	switch cmd.Command {
	case CommandPing:
		return Success("pong")

	case CommandSetSecret:
		s.secrets.InjectMemory(cmd.ComponentID, cmd.Key, cmd.Value)
		return Success(fmt.Sprintf("secret %q set for component %q", cmd.Key, cmd.ComponentID))

	case CommandDeleteSecret:
		if err := s.secrets.DeleteMemory(cmd.ComponentID, cmd.Key); err == nil {
			return Success(fmt.Sprintf("secret %q deleted from component %q", cmd.Key, cmd.ComponentID))
		}
		if err := s.secrets.DeleteFile(cmd.ComponentID, []string{cmd.Key}); err != nil {
			return ErrorResponse(fmt.Sprintf("failed to delete secret: %v", err))
		}
		return Success(fmt.Sprintf("secret %q deleted from component %q", cmd.Key, cmd.ComponentID))

	case CommandListSecrets:
		list, err := s.secrets.List(cmd.ComponentID, cmd.ShowValues)
		if err != nil {
			return ErrorResponse(fmt.Sprintf("failed to list secrets: %v", err))
		}
		if cmd.ShowValues {
			values := make(map[string]string, len(list))
			for k, v := range list {
				if v != nil {
					values[k] = *v
				}
			}
			return SuccessWithData(fmt.Sprintf("listed %d secret(s) with values", len(values)), map[string]any{"secrets": values})
		}
		keys := make([]string, 0, len(list))
		for k := range list {
			keys = append(keys, k)
		}
		return SuccessWithData(fmt.Sprintf("listed %d secret(s)", len(keys)), map[string]any{"keys": keys})

	default:
		return ErrorResponse(fmt.Sprintf("unknown command %q", cmd.Command))
	}
}
