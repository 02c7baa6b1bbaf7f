// Package diagerr classifies measurement and tracing failures.
package diagerr

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"os"
	"strings"
	"syscall"

	"github.com/pkg/errors"
)

type Kind int

const (
	Unknown Kind = iota
	ConnectionFailure
	ProtocolFailure
	HostUnresolvable
	Timeout
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case ConnectionFailure:
		return "connection_failure"
	case ProtocolFailure:
		return "protocol_failure"
	case HostUnresolvable:
		return "host_unresolvable"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error carries a classified failure.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.String())
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Wrap classifies err and attaches op. A nil err yields nil.
func Wrap(op string, err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		if op == "" || de.Op == op {
			return de
		}
		return &Error{Kind: de.Kind, Op: op, Err: err}
	}
	return &Error{Kind: KindOf(err), Op: op, Err: err}
}

// KindOf inspects an error chain and returns its taxonomy kind.
func KindOf(err error) Kind {
	if err == nil {
		return Unknown
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.Canceled) {
		return Cancelled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, os.ErrDeadlineExceeded) {
		return Timeout
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		if dnsErr.IsTimeout {
			return Timeout
		}
		return HostUnresolvable
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return Timeout
	}
	var certErr *tls.CertificateVerificationError
	var unknownAuth x509.UnknownAuthorityError
	var hostnameErr x509.HostnameError
	var recordErr tls.RecordHeaderError
	if errors.As(err, &certErr) || errors.As(err, &unknownAuth) || errors.As(err, &hostnameErr) || errors.As(err, &recordErr) {
		return ProtocolFailure
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ENETUNREACH) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) {
		return ConnectionFailure
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ConnectionFailure
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "connection reset by peer"), strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "connection refused"):
		return ConnectionFailure
	case strings.Contains(msg, "http2") && strings.Contains(msg, "stream"):
		return ProtocolFailure
	case strings.Contains(msg, "timeout"):
		return Timeout
	}
	return Unknown
}

// IsCancelled reports whether err stems from a cancelled context.
func IsCancelled(err error) bool {
	return KindOf(err) == Cancelled
}

// Message renders a short human readable description of a failure kind.
func Message(kind Kind) string {
	switch kind {
	case ConnectionFailure:
		return "connection to the test server failed"
	case ProtocolFailure:
		return "unexpected response from the test server"
	case HostUnresolvable:
		return "host could not be resolved"
	case Timeout:
		return "operation timed out"
	case Cancelled:
		return "operation cancelled"
	default:
		return "unknown error"
	}
}
