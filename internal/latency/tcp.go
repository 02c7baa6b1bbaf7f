package latency

import (
	"context"
	"net"
	"strconv"
	"syscall"
	"time"

	"github.com/pkg/errors"
)

// TCPChecker times a TCP handshake to the first port that answers. A refused
// connection still proves the host is up and counts as a success.
type TCPChecker struct {
	ports  []int
	dialer net.Dialer
}

func NewTCPChecker(ports []int) *TCPChecker {
	if len(ports) == 0 {
		ports = []int{443, 80}
	}
	return &TCPChecker{ports: ports}
}

func (c *TCPChecker) Name() string { return "tcp" }

func (c *TCPChecker) Check(ctx context.Context, ip net.IP) (time.Duration, error) {
	var lastErr error
	for _, port := range c.ports {
		if ctx.Err() != nil {
			break
		}
		addr := net.JoinHostPort(ip.String(), strconv.Itoa(port))
		start := time.Now()
		conn, err := c.dialer.DialContext(ctx, "tcp", addr)
		elapsed := time.Since(start)
		if err == nil {
			_ = conn.Close()
			return elapsed, nil
		}
		if errors.Is(err, syscall.ECONNREFUSED) {
			return elapsed, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ctx.Err()
	}
	return 0, errors.Wrap(lastErr, "tcp check")
}
