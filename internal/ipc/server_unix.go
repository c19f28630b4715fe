//go:build unix

package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Serve binds a Unix domain socket at s.socketPath (creating its parent
// directory and removing any stale socket file first) and accepts
// connections until ctx is canceled or Close is called. Each
// connection is authenticated by SO_PEERCRED before any command is
// processed.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(s.socketPath), 0o700); err != nil {
		return fmt.Errorf("failed to create socket directory: %w", err)
	}
	_ = os.Remove(s.socketPath)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socketPath, err)
	}
	if err := os.Chmod(s.socketPath, 0o600); err != nil {
		_ = ln.Close()
		return fmt.Errorf("failed to set socket permissions: %w", err)
	}

	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("accept failed: %w", err)
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	unixConn, ok := conn.(*net.UnixConn)
	if !ok {
		s.logger.Error("IPC connection is not a Unix socket")
		return
	}
	trusted, err := verifyPeerIdentity(unixConn)
	if err != nil {
		s.logger.Error("failed to verify IPC peer identity", "error", err)
		return
	}
	if !trusted {
		s.logger.Warn("rejected IPC connection from untrusted peer")
		return
	}

	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		var cmd Command
		if err := json.Unmarshal(scanner.Bytes(), &cmd); err != nil {
			s.writeResponse(conn, ErrorResponse(fmt.Sprintf("invalid request: %v", err)))
			continue
		}
		resp := s.handleCommand(ctx, cmd)
		if !s.writeResponse(conn, resp) {
			return
		}
	}
}

// verifyPeerIdentity accepts a peer only if its effective uid matches
// this process's own, so a different unprivileged user on the same
// host cannot reach the secrets store through the socket.
func verifyPeerIdentity(conn *net.UnixConn) (bool, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return false, fmt.Errorf("failed to get raw connection: %w", err)
	}

	var ucred *unix.Ucred
	var ctrlErr error
	if err := raw.Control(func(fd uintptr) {
		ucred, ctrlErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	}); err != nil {
		return false, fmt.Errorf("control call failed: %w", err)
	}
	if ctrlErr != nil {
		return false, fmt.Errorf("failed to get peer credentials: %w", ctrlErr)
	}

	return int(ucred.Uid) == os.Getuid() && int(ucred.Gid) == os.Getgid(), nil
}
