package util

import (
	"net"
	"net/url"
	"strconv"
	"strings"
)

func FormatPort(port int) string {
	return strconv.Itoa(port)
}

func NetJoin(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

// HostFromURL extracts the bare host of a URL, without port or brackets.
// It returns "" when the URL cannot be parsed or carries no host.
func HostFromURL(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Hostname()
}

// FormatMbps renders a rate with two decimals, e.g. "94.12 Mbps".
func FormatMbps(mbps float64) string {
	return strconv.FormatFloat(mbps, 'f', 2, 64) + " Mbps"
}
