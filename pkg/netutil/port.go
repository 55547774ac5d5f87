// Package netutil provides small networking helpers for the supervisor.
package netutil

import (
	"fmt"
	"net"
)

// FreePort asks the OS for an ephemeral TCP port on loopback and releases it
// immediately. The result is advisory: another process can grab the port
// between release and the plugin's own listen, so callers retry with a fresh
// allocation when startup fails.
func FreePort() (int, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("failed to allocate port: %w", err)
	}
	defer l.Close()

	addr, ok := l.Addr().(*net.TCPAddr)
	if !ok {
		return 0, fmt.Errorf("unexpected listener address type %T", l.Addr())
	}
	return addr.Port, nil
}
