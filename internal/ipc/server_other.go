//go:build !unix

package ipc

import "context"

// Serve is unimplemented on non-Unix platforms: there is no
// SO_PEERCRED-equivalent peer-credential check wired up yet, and a
// local IPC transport without peer authentication would let any
// process on the host reach the secrets store. Windows named-pipe
// support with an ACL-based equivalent is left as a platform-specific
// follow-up.
func (s *Server) Serve(ctx context.Context) error {
	return ErrUnsupportedPlatform
}
