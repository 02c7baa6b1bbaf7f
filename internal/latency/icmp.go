package latency

import (
	"context"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv4"
	"golang.org/x/net/ipv6"
)

const (
	protoICMP   = 1
	protoICMPv6 = 58
)

// ICMPChecker sends echo requests over unprivileged datagram ICMP sockets.
// On Linux this requires net.ipv4.ping_group_range to include the process
// group; otherwise Check returns ErrUnavailable.
type ICMPChecker struct {
	id  int
	mu  sync.Mutex
	seq uint16
}

var ErrUnavailable = errors.New("checker unavailable")

func NewICMPChecker() *ICMPChecker {
	return &ICMPChecker{id: rand.Intn(0xffff)}
}

func (c *ICMPChecker) Name() string { return "icmp" }

func (c *ICMPChecker) nextSeq() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

func (c *ICMPChecker) Check(ctx context.Context, ip net.IP) (time.Duration, error) {
	network, laddr := "udp4", "0.0.0.0"
	proto := protoICMP
	echoType := icmp.Type(ipv4.ICMPTypeEcho)
	replyType := icmp.Type(ipv4.ICMPTypeEchoReply)
	if ip.To4() == nil {
		network, laddr = "udp6", "::"
		proto = protoICMPv6
		echoType = ipv6.ICMPTypeEchoRequest
		replyType = ipv6.ICMPTypeEchoReply
	}
	conn, err := icmp.ListenPacket(network, laddr)
	if err != nil {
		return 0, errors.Wrap(ErrUnavailable, err.Error())
	}
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.SetReadDeadline(time.Now()) })
	defer stop()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(DefaultTimeout)
	}
	return sendPing(conn, ip, c.id, c.nextSeq(), echoType, replyType, proto, deadline)
}

func sendPing(conn *icmp.PacketConn, ip net.IP, id int, seq uint16, echoType, replyType icmp.Type, proto int, deadline time.Time) (time.Duration, error) {
	msg := icmp.Message{
		Type: echoType,
		Code: 0,
		Body: &icmp.Echo{
			ID:   id,
			Seq:  int(seq),
			Data: []byte("netdiag"),
		},
	}
	payload, err := msg.Marshal(nil)
	if err != nil {
		return 0, errors.Wrap(err, "marshal echo")
	}
	dst := &net.UDPAddr{IP: ip}
	start := time.Now()
	if _, err := conn.WriteTo(payload, dst); err != nil {
		return 0, errors.Wrap(err, "send echo")
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		return 0, errors.Wrap(err, "set deadline")
	}
	buf := make([]byte, 1500)
	for {
		n, peer, err := conn.ReadFrom(buf)
		if err != nil {
			return 0, errors.Wrap(err, "read echo reply")
		}
		if udpAddr, ok := peer.(*net.UDPAddr); ok && udpAddr.IP != nil && !udpAddr.IP.Equal(ip) {
			continue
		}
		parsed, err := icmp.ParseMessage(proto, buf[:n])
		if err != nil {
			continue
		}
		if parsed.Type != replyType {
			continue
		}
		echo, ok := parsed.Body.(*icmp.Echo)
		if !ok {
			continue
		}
		// The kernel rewrites the identifier on datagram sockets, so only the
		// sequence number is matched.
		if echo.Seq == int(seq) {
			return time.Since(start), nil
		}
	}
}
