//go:build linux

package trace

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ttlControl limits outgoing packets on the socket to ttl hops.
func ttlControl(ttl int) func(network, address string, c syscall.RawConn) error {
	return func(network, address string, c syscall.RawConn) error {
		var sockErr error
		err := c.Control(func(fd uintptr) {
			switch network {
			case "tcp6", "udp6":
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_UNICAST_HOPS, ttl)
			default:
				sockErr = unix.SetsockoptInt(int(fd), unix.IPPROTO_IP, unix.IP_TTL, ttl)
			}
		})
		if err != nil {
			return err
		}
		return sockErr
	}
}
