//go:build !linux

package transfer

import (
	"net"

	"github.com/pkg/errors"
)

func ReadTCPStats(conn *net.TCPConn) (TCPStats, error) {
	return TCPStats{}, errors.New("TCP_INFO not supported on this platform")
}
