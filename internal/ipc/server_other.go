//go:build !linux && !darwin

package ipc

import (
	"errors"
	"net"
)

// GetPeerCredentials is unavailable on this platform. The server then
// relies on the socket's file permissions alone.
func GetPeerCredentials(net.Conn) (*PeerCredentials, error) {
	return nil, errors.ErrUnsupported
}
