// Package handshake drives the three PendingConnection state machines
// (Connect/Listen/Rendezvous) described in §4.5: each negotiates a
// HandshakeInfo exchange over a PacketConn and freezes the result into a
// ConnectionSettings, or fails with one of the two terminal handshake error
// kinds.
package handshake

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/seq"
)

// ErrorKind distinguishes the two terminal handshake failures from §7.
type ErrorKind int

const (
	FailHandshakeTimeout ErrorKind = iota
	FailHandshakeRejected
)

func (k ErrorKind) String() string {
	switch k {
	case FailHandshakeTimeout:
		return "FailHandshakeTimeout"
	case FailHandshakeRejected:
		return "FailHandshakeRejected"
	default:
		return "Unknown"
	}
}

// Error wraps a terminal handshake failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("handshake: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("handshake: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// PacketConn is the minimal datagram I/O surface the handshake needs; a
// *net.UDPConn satisfies it.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
	SetReadDeadline(t time.Time) error
}

// ConnectionSettings is frozen once the handshake completes and shared
// read-only by the Receiver/Sender built on top of it.
type ConnectionSettings struct {
	RemoteAddr    net.Addr
	RemoteSockID  uint32
	LocalSockID   uint32
	LocalInitSeq  seq.SeqNumber // this endpoint's own first outgoing sequence number
	RemoteInitSeq seq.SeqNumber // the peer's first sequence number, as advertised

	MaxPacketSize int32
	MaxFlowWindow int32

	SocketStartTime time.Time
	TSBPDLatency    time.Duration
	PeerIdleTimeout time.Duration
}

// Options configures a PendingConnection. Zero-value fields take the
// defaults noted below.
type Options struct {
	LocalSockID     uint32
	SockType        packet.SocketType
	MaxPacketSize   int32         // default 1500
	MaxFlowWindow   int32         // default 25600
	TSBPDLatency    time.Duration // default 120ms
	PeerIdleTimeout time.Duration // default 5s; carried into the built Receiver/Sender

	InitialTimeout time.Duration // default 250ms
	MaxTimeout     time.Duration // default 3s
	MaxAttempts    int           // default 12

	// CookieSecret seeds the listener's SYN cookie jar. A random secret is
	// generated if left nil.
	CookieSecret *[32]byte
}

func (o *Options) maxPacketSize() int32 {
	if o.MaxPacketSize > 0 {
		return o.MaxPacketSize
	}
	return 1500
}

func (o *Options) maxFlowWindow() int32 {
	if o.MaxFlowWindow > 0 {
		return o.MaxFlowWindow
	}
	return 25600
}

func (o *Options) tsbpdLatency() time.Duration {
	if o.TSBPDLatency > 0 {
		return o.TSBPDLatency
	}
	return 120 * time.Millisecond
}

func (o *Options) peerIdleTimeout() time.Duration {
	if o.PeerIdleTimeout > 0 {
		return o.PeerIdleTimeout
	}
	return 5 * time.Second
}

func (o *Options) initialTimeout() time.Duration {
	if o.InitialTimeout > 0 {
		return o.InitialTimeout
	}
	return 250 * time.Millisecond
}

func (o *Options) maxTimeout() time.Duration {
	if o.MaxTimeout > 0 {
		return o.MaxTimeout
	}
	return 3 * time.Second
}

func (o *Options) maxAttempts() int {
	if o.MaxAttempts > 0 {
		return o.MaxAttempts
	}
	return 12
}

func nextTimeout(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}

func randomSeq() seq.SeqNumber {
	var b [4]byte
	_, _ = rand.Read(b[:])
	return seq.NewSeq(uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3]))
}

func ipFromAddr(addr net.Addr) net.IP {
	if u, ok := addr.(*net.UDPAddr); ok {
		return u.IP
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return net.IPv4zero
	}
	return net.ParseIP(host)
}

type clock struct{ start time.Time }

func (c clock) ts() int32 { return int32(time.Since(c.start).Microseconds()) }

func min32(a, b int32) int32 {
	if a < b {
		return a
	}
	return b
}

func readOneHandshake(conn PacketConn, buf []byte, timeout time.Duration) (*packet.ControlPacket, net.Addr, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return nil, nil, err
	}
	n, addr, err := conn.ReadFrom(buf)
	if err != nil {
		return nil, nil, err
	}
	p, err := packet.Parse(buf[:n])
	if err != nil {
		return nil, nil, errNotHandshake // codec error: drop, caller retries
	}
	cp, ok := p.(*packet.ControlPacket)
	if !ok || cp.Type != packet.CtrlHandshake || cp.Handshake == nil {
		return nil, nil, errNotHandshake
	}
	return cp, addr, nil
}

var errNotHandshake = errors.New("handshake: packet is not a handshake control packet")

func isTimeout(err error) bool {
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}

// Connect drives the caller side of a regular handshake against remote,
// per §4.5's Connect state.
func Connect(ctx context.Context, conn PacketConn, remote net.Addr, opts Options) (*ConnectionSettings, error) {
	c := clock{start: time.Now()}
	localSeq := randomSeq()
	timeout := opts.initialTimeout()
	buf := make([]byte, 2048)
	var cookie uint32

	for attempt := 0; attempt < opts.maxAttempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: FailHandshakeTimeout, Err: err}
		}
		req := packet.NewHandshake(c.ts(), 0, &packet.HandshakeInfo{
			UdtVersion: 4, SockType: opts.SockType, InitSeq: localSeq,
			MaxPacketSize: opts.maxPacketSize(), MaxFlowWindow: opts.maxFlowWindow(),
			ConnType: packet.ConnRegular, SocketID: opts.LocalSockID, SynCookie: cookie,
			PeerAddr: ipFromAddr(remote),
		})
		if _, err := conn.WriteTo(req.Marshal(), remote); err != nil {
			return nil, &Error{Kind: FailHandshakeTimeout, Err: err}
		}

		cp, addr, err := readOneHandshake(conn, buf, timeout)
		if err != nil {
			if isTimeout(err) {
				timeout = nextTimeout(timeout, opts.maxTimeout())
			}
			continue
		}
		if addr.String() != remote.String() {
			continue
		}
		hs := cp.Handshake
		if hs.UdtVersion != 4 {
			return nil, &Error{Kind: FailHandshakeRejected, Err: fmt.Errorf("unsupported udt_version %d", hs.UdtVersion)}
		}

		if cookie == 0 && hs.SynCookie != 0 {
			// Listener's cookie challenge: echo it back next round.
			cookie = hs.SynCookie
			timeout = opts.initialTimeout()
			continue
		}

		// Final accept.
		return &ConnectionSettings{
			RemoteAddr:      addr,
			RemoteSockID:    hs.SocketID,
			LocalSockID:     opts.LocalSockID,
			LocalInitSeq:    localSeq,
			RemoteInitSeq:   hs.InitSeq,
			MaxPacketSize:   min32(hs.MaxPacketSize, opts.maxPacketSize()),
			MaxFlowWindow:   min32(hs.MaxFlowWindow, opts.maxFlowWindow()),
			SocketStartTime: c.start,
			TSBPDLatency:    opts.tsbpdLatency(),
			PeerIdleTimeout: opts.peerIdleTimeout(),
		}, nil
	}
	return nil, &Error{Kind: FailHandshakeTimeout}
}

// Listen drives the listener side of a regular handshake, accepting a
// single peer (per §1's one-connection-per-socket scope).
func Listen(ctx context.Context, conn PacketConn, opts Options) (*ConnectionSettings, error) {
	c := clock{start: time.Now()}
	localSeq := randomSeq()
	var secret [32]byte
	if opts.CookieSecret != nil {
		secret = *opts.CookieSecret
	} else {
		_, _ = rand.Read(secret[:])
	}
	jar := newSynCookieJar(secret)
	buf := make([]byte, 2048)

	for {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: FailHandshakeTimeout, Err: err}
		}
		cp, addr, err := readOneHandshake(conn, buf, opts.maxTimeout())
		if err != nil {
			if isTimeout(err) {
				continue // listener waits indefinitely for its first peer
			}
			continue
		}
		hs := cp.Handshake
		if hs.ConnType != packet.ConnRegular {
			continue // rendezvous traffic belongs to Rendezvous, not Listen
		}
		if hs.SynCookie == 0 || !jar.Valid(addr, hs.SynCookie) {
			cookie := jar.Make(addr)
			reply := packet.NewHandshake(c.ts(), hs.SocketID, &packet.HandshakeInfo{
				UdtVersion: 4, SockType: hs.SockType, InitSeq: hs.InitSeq,
				MaxPacketSize: hs.MaxPacketSize, MaxFlowWindow: hs.MaxFlowWindow,
				ConnType: packet.ConnRegular, SocketID: opts.LocalSockID, SynCookie: cookie,
				PeerAddr: ipFromAddr(addr),
			})
			_, _ = conn.WriteTo(reply.Marshal(), addr)
			continue
		}

		maxPkt := min32(hs.MaxPacketSize, opts.maxPacketSize())
		maxFlow := min32(hs.MaxFlowWindow, opts.maxFlowWindow())
		final := packet.NewHandshake(c.ts(), hs.SocketID, &packet.HandshakeInfo{
			UdtVersion: 4, SockType: opts.SockType, InitSeq: localSeq,
			MaxPacketSize: maxPkt, MaxFlowWindow: maxFlow,
			ConnType: packet.ConnRegular, SocketID: opts.LocalSockID, SynCookie: hs.SynCookie,
			PeerAddr: ipFromAddr(addr),
		})
		if _, err := conn.WriteTo(final.Marshal(), addr); err != nil {
			return nil, &Error{Kind: FailHandshakeRejected, Err: err}
		}
		return &ConnectionSettings{
			RemoteAddr:      addr,
			RemoteSockID:    hs.SocketID,
			LocalSockID:     opts.LocalSockID,
			LocalInitSeq:    localSeq,
			RemoteInitSeq:   hs.InitSeq,
			MaxPacketSize:   maxPkt,
			MaxFlowWindow:   maxFlow,
			SocketStartTime: c.start,
			TSBPDLatency:    opts.tsbpdLatency(),
			PeerIdleTimeout: opts.peerIdleTimeout(),
		}, nil
	}
}

// Rendezvous drives the symmetric rendezvous state machine of §4.5: both
// peers start in RendezvousFirst, advance in lockstep as they see each
// other's phase, and converge on Established. When both sides reach the
// same phase simultaneously, the peer with the larger socket_id is
// promoted to final acker (§9) and advances unilaterally rather than
// waiting.
func Rendezvous(ctx context.Context, conn PacketConn, remote net.Addr, opts Options) (*ConnectionSettings, error) {
	c := clock{start: time.Now()}
	localSeq := randomSeq()
	state := packet.ConnRendezvousFirst
	timeout := opts.initialTimeout()
	buf := make([]byte, 2048)

	build := func(ct packet.ConnType) *packet.ControlPacket {
		return packet.NewHandshake(c.ts(), 0, &packet.HandshakeInfo{
			UdtVersion: 4, SockType: opts.SockType, InitSeq: localSeq,
			MaxPacketSize: opts.maxPacketSize(), MaxFlowWindow: opts.maxFlowWindow(),
			ConnType: ct, SocketID: opts.LocalSockID, SynCookie: 0,
			PeerAddr: ipFromAddr(remote),
		})
	}

	for attempt := 0; attempt < opts.maxAttempts(); attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, &Error{Kind: FailHandshakeTimeout, Err: err}
		}
		if _, err := conn.WriteTo(build(state).Marshal(), remote); err != nil {
			return nil, &Error{Kind: FailHandshakeTimeout, Err: err}
		}

		cp, addr, err := readOneHandshake(conn, buf, timeout)
		if err != nil {
			if isTimeout(err) {
				timeout = nextTimeout(timeout, opts.maxTimeout())
			}
			continue
		}
		if addr.String() != remote.String() {
			continue
		}
		hs := cp.Handshake

		switch hs.ConnType {
		case packet.ConnRendezvousFirst:
			if state == packet.ConnRendezvousFirst {
				if opts.LocalSockID > hs.SocketID {
					state = packet.ConnRendezvousFinal
				} else {
					state = packet.ConnRendezvousSecond
				}
			}
		case packet.ConnRendezvousSecond:
			// On receipt of Second, send Final and transition to
			// Established directly rather than merely advancing state:
			// the peer that sent Second is still waiting for exactly one
			// Final in reply, not another round-trip.
			if _, err := conn.WriteTo(build(packet.ConnRendezvousFinal).Marshal(), remote); err != nil {
				return nil, &Error{Kind: FailHandshakeTimeout, Err: err}
			}
			return &ConnectionSettings{
				RemoteAddr:      addr,
				RemoteSockID:    hs.SocketID,
				LocalSockID:     opts.LocalSockID,
				LocalInitSeq:    localSeq,
				RemoteInitSeq:   hs.InitSeq,
				MaxPacketSize:   min32(hs.MaxPacketSize, opts.maxPacketSize()),
				MaxFlowWindow:   min32(hs.MaxFlowWindow, opts.maxFlowWindow()),
				SocketStartTime: c.start,
				TSBPDLatency:    opts.tsbpdLatency(),
				PeerIdleTimeout: opts.peerIdleTimeout(),
			}, nil
		case packet.ConnRendezvousFinal:
			return &ConnectionSettings{
				RemoteAddr:      addr,
				RemoteSockID:    hs.SocketID,
				LocalSockID:     opts.LocalSockID,
				LocalInitSeq:    localSeq,
				RemoteInitSeq:   hs.InitSeq,
				MaxPacketSize:   min32(hs.MaxPacketSize, opts.maxPacketSize()),
				MaxFlowWindow:   min32(hs.MaxFlowWindow, opts.maxFlowWindow()),
				SocketStartTime: c.start,
				TSBPDLatency:    opts.tsbpdLatency(),
				PeerIdleTimeout: opts.peerIdleTimeout(),
			}, nil
		default:
			continue
		}
		timeout = opts.initialTimeout()
	}
	return nil, &Error{Kind: FailHandshakeTimeout}
}
