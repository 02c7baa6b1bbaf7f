//go:build linux

package transfer

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// ReadTCPStats reads TCP_INFO from a TCP connection.
func ReadTCPStats(conn *net.TCPConn) (TCPStats, error) {
	rawConn, err := conn.SyscallConn()
	if err != nil {
		return TCPStats{}, errors.Wrap(err, "syscall conn")
	}
	var info *unix.TCPInfo
	var sockErr error
	if err := rawConn.Control(func(fd uintptr) {
		info, sockErr = unix.GetsockoptTCPInfo(int(fd), unix.IPPROTO_TCP, unix.TCP_INFO)
	}); err != nil {
		return TCPStats{}, errors.Wrap(err, "control syscall")
	}
	if sockErr != nil {
		return TCPStats{}, errors.Wrap(sockErr, "getsockopt TCP_INFO")
	}
	if info == nil {
		return TCPStats{}, errors.New("getsockopt TCP_INFO: nil info")
	}
	return TCPStats{
		RTT:           time.Duration(info.Rtt) * time.Microsecond,
		RTTVar:        time.Duration(info.Rttvar) * time.Microsecond,
		Retransmits:   uint64(info.Total_retrans),
		BytesReceived: info.Bytes_received,
	}, nil
}
