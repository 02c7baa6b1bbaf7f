package transfer

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptrace"
	"sync"
	"time"

	"github.com/NodePath81/netdiag/internal/diagerr"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultHeaderTimeout  = 20 * time.Second
)

type HTTPOptions struct {
	ConnectTimeout time.Duration
	HeaderTimeout  time.Duration
	UserAgent      string
	// ForceHTTP1 disables HTTP/2 negotiation on a dedicated transport.
	ForceHTTP1 bool
}

// HTTPSource fetches resources over HTTP(S) with compression disabled, so
// the reported length matches the bytes on the wire.
type HTTPSource struct {
	client *resty.Client
}

func NewHTTPSource(opts HTTPOptions) *HTTPSource {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	if opts.HeaderTimeout <= 0 {
		opts.HeaderTimeout = defaultHeaderTimeout
	}
	dialer := &net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   opts.ConnectTimeout,
		ResponseHeaderTimeout: opts.HeaderTimeout,
		DisableCompression:    true,
		ForceAttemptHTTP2:     !opts.ForceHTTP1,
		MaxIdleConns:          4,
		IdleConnTimeout:       30 * time.Second,
	}
	if opts.ForceHTTP1 {
		transport.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	}
	client := resty.New().
		SetTransport(transport).
		SetHeader("Accept-Encoding", "identity").
		SetHeader("Cache-Control", "no-cache").
		SetRetryCount(0)
	if opts.UserAgent != "" {
		client.SetHeader("User-Agent", opts.UserAgent)
	}
	return &HTTPSource{client: client}
}

func (s *HTTPSource) Open(ctx context.Context, url string) (Stream, error) {
	stream := &httpStream{}
	trace := &httptrace.ClientTrace{
		GotConn: func(info httptrace.GotConnInfo) {
			stream.setConn(info.Conn)
		},
	}
	resp, err := s.client.R().
		SetContext(httptrace.WithClientTrace(ctx, trace)).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return nil, diagerr.Wrap("open", err)
	}
	body := resp.RawBody()
	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		if body != nil {
			_ = body.Close()
		}
		return nil, diagerr.New(diagerr.ProtocolFailure, "open", errors.Errorf("HTTP %d", resp.StatusCode()))
	}
	if body == nil {
		return nil, diagerr.New(diagerr.ProtocolFailure, "open", errors.New("response without body"))
	}
	stream.body = body
	stream.length = -1
	if resp.RawResponse != nil && resp.RawResponse.ContentLength >= 0 {
		stream.length = resp.RawResponse.ContentLength
	}
	return stream, nil
}

type httpStream struct {
	body   io.ReadCloser
	length int64

	mu       sync.Mutex
	conn     net.Conn
	stats    TCPStats
	hasStats bool
}

func (s *httpStream) setConn(conn net.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.mu.Unlock()
}

func (s *httpStream) Length() int64 {
	return s.length
}

func (s *httpStream) Read(p []byte) (int, error) {
	n, err := s.body.Read(p)
	if err != nil {
		s.captureStats()
	}
	return n, err
}

func (s *httpStream) Close() error {
	s.captureStats()
	return s.body.Close()
}

func (s *httpStream) captureStats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.hasStats || s.conn == nil {
		return
	}
	tcp := underlyingTCPConn(s.conn)
	if tcp == nil {
		return
	}
	stats, err := ReadTCPStats(tcp)
	if err != nil {
		return
	}
	s.stats = stats
	s.hasStats = true
}

func (s *httpStream) TCPStats() (TCPStats, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats, s.hasStats
}

func underlyingTCPConn(conn net.Conn) *net.TCPConn {
	for conn != nil {
		switch c := conn.(type) {
		case *net.TCPConn:
			return c
		case *tls.Conn:
			conn = c.NetConn()
		default:
			return nil
		}
	}
	return nil
}
