package trace

import (
	"net"
	"regexp"
	"strconv"
	"strings"
)

var (
	fromRe = regexp.MustCompile(`(?i)\bfrom\s+([^\s()]+)(?:\s+\(([^)]+)\))?`)
	timeRe = regexp.MustCompile(`(?i)\btime\s*[=<]\s*([0-9]+(?:\.[0-9]+)?)\s*ms`)
)

// PingReply is what one TTL limited ping taught us.
type PingReply struct {
	Address string
	RTTMs   *float64
	// Reached is true when the destination itself answered the echo.
	Reached bool
}

// ParsePingOutput extracts the responder and round trip from the text of a
// single `ping -c 1 -t <ttl>` run. Both the "From X ... Time to live
// exceeded" and "N bytes from X: ... time=T ms" forms are understood.
func ParsePingOutput(out string, dest net.IP) PingReply {
	var reply PingReply
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		lower := strings.ToLower(line)
		if !strings.Contains(lower, "from") && !strings.Contains(lower, "icmp_seq") && !strings.Contains(lower, "time=") {
			continue
		}
		if strings.HasPrefix(lower, "ping ") || strings.HasPrefix(lower, "--- ") {
			continue
		}
		if m := fromRe.FindStringSubmatch(line); m != nil {
			addr := m[1]
			if m[2] != "" {
				addr = m[2]
			}
			reply.Address = responderAddress(addr)
		}
		if m := timeRe.FindStringSubmatch(line); m != nil {
			if v, err := strconv.ParseFloat(m[1], 64); err == nil {
				reply.RTTMs = &v
			}
		}
		if strings.Contains(lower, "bytes from") && reply.Address != "" {
			if ip := net.ParseIP(reply.Address); ip != nil && dest != nil && ip.Equal(dest) {
				reply.Reached = true
			}
		}
		if reply.Address != "" || reply.RTTMs != nil {
			break
		}
	}
	return reply
}

// responderAddress strips the colon ping prints after the responder. IPv6
// addresses contain colons themselves, so the token is checked as a literal
// before anything is removed.
func responderAddress(token string) string {
	if net.ParseIP(token) != nil {
		return token
	}
	trimmed := strings.TrimSuffix(token, ":")
	if ip := net.ParseIP(trimmed); ip != nil {
		return trimmed
	}
	if zone := strings.LastIndex(trimmed, "%"); zone > 0 && net.ParseIP(trimmed[:zone]) != nil {
		return trimmed[:zone]
	}
	return trimmed
}
