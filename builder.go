// Package srtgo is the top-level façade: a Builder negotiates a handshake
// over a UDP socket and hands back a direction-specific Connection backed by
// the internal sender/receiver engines.
package srtgo

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"
	"net"
	"time"

	"github.com/srtgo/srtgo/cc"
	"github.com/srtgo/srtgo/config"
	"github.com/srtgo/srtgo/handshake"
	"github.com/srtgo/srtgo/internal/receiver"
	"github.com/srtgo/srtgo/internal/sender"
	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/stats"
)

// handshakeMode selects which of the three PendingConnection state machines
// Build negotiates with.
type handshakeMode int

const (
	modeConnect handshakeMode = iota
	modeListen
	modeRendezvous
)

// Role picks which half of a connection Build constructs. The handshake
// itself is symmetric; the wire protocol does not say which peer sends and
// which receives, so the caller states it explicitly.
type Role int

const (
	RoleSender Role = iota
	RoleReceiver
)

// Builder accumulates connection options before Build negotiates a
// handshake and starts the connection's engine goroutine.
type Builder struct {
	localAddr  string
	mode       handshakeMode
	remoteAddr string
	role       Role

	latency         time.Duration
	maxPacketSize   int32
	maxFlowWindow   int32
	peerIdleTimeout time.Duration
	inOrder         bool
	controller      cc.Controller
	counters        *stats.Counters
}

// Bind starts a Builder for a socket bound to localAddr (host:port, "" host
// means any interface).
func Bind(localAddr string) *Builder {
	return &Builder{
		localAddr:     localAddr,
		latency:       120 * time.Millisecond,
		maxPacketSize: 1500,
		maxFlowWindow: 25600,
		inOrder:       true,
	}
}

// Connect negotiates against a listening peer at remoteAddr.
func (b *Builder) Connect(remoteAddr string) *Builder {
	b.mode = modeConnect
	b.remoteAddr = remoteAddr
	return b
}

// Listen waits for a single inbound connection, replying to SYN cookie
// challenges statelessly until a valid one arrives.
func (b *Builder) Listen() *Builder {
	b.mode = modeListen
	return b
}

// Rendezvous negotiates the symmetric peer-to-peer handshake against
// remoteAddr, with neither side acting as listener.
func (b *Builder) Rendezvous(remoteAddr string) *Builder {
	b.mode = modeRendezvous
	b.remoteAddr = remoteAddr
	return b
}

// AsSender builds a Connection that only exposes Send. This is the default
// role.
func (b *Builder) AsSender() *Builder {
	b.role = RoleSender
	return b
}

// AsReceiver builds a Connection that only exposes Recv.
func (b *Builder) AsReceiver() *Builder {
	b.role = RoleReceiver
	return b
}

// Latency sets the TSBPD delivery latency budget.
func (b *Builder) Latency(d time.Duration) *Builder {
	b.latency = d
	return b
}

// MaxPacketSize sets the MTU-sized ceiling on a single Data packet's wire
// size, payload included.
func (b *Builder) MaxPacketSize(n int32) *Builder {
	b.maxPacketSize = n
	return b
}

// MaxFlowWindow sets the receiver's advertised flow window, in packets.
func (b *Builder) MaxFlowWindow(n int32) *Builder {
	b.maxFlowWindow = n
	return b
}

// PeerIdleTimeout sets how long the engine waits without hearing from the
// peer before failing the connection with FailPeerTimeout.
func (b *Builder) PeerIdleTimeout(d time.Duration) *Builder {
	b.peerIdleTimeout = d
	return b
}

// InOrder sets the in_order flag on every data packet a sender-role
// Connection emits. The receiving buffer consults it once a message's TSBPD
// deadline passes with packets still missing: an in_order message is
// discarded, any other is delivered partially. It has no effect on a
// receiver-role Connection.
func (b *Builder) InOrder(v bool) *Builder {
	b.inOrder = v
	return b
}

// CongestionController overrides the default congestion controller.
func (b *Builder) CongestionController(c cc.Controller) *Builder {
	b.controller = c
	return b
}

// Counters overrides the stats.Counters a built Connection publishes to;
// when unset Build allocates one.
func (b *Builder) Counters(c *stats.Counters) *Builder {
	b.counters = c
	return b
}

// ApplyProfile merges a loaded connection profile into the Builder's
// settings: each positive profile field overrides whatever was set before
// it, and zero fields leave the current setting untouched.
func (b *Builder) ApplyProfile(p config.Profile) *Builder {
	if p.Latency > 0 {
		b.latency = p.Latency
	}
	if p.MaxPacketSize > 0 {
		b.maxPacketSize = p.MaxPacketSize
	}
	if p.MaxFlowWindow > 0 {
		b.maxFlowWindow = p.MaxFlowWindow
	}
	if p.PeerIdleTimeout > 0 {
		b.peerIdleTimeout = p.PeerIdleTimeout
	}
	return b
}

func randomSockID() uint32 {
	var buf [4]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.BigEndian.Uint32(buf[:])
}

// Build resolves the local and (if applicable) remote addresses, opens a
// UDP socket, negotiates the selected handshake mode, and starts the
// connection's owning goroutine.
func (b *Builder) Build(ctx context.Context) (Connection, error) {
	localUDPAddr, err := net.ResolveUDPAddr("udp", b.localAddr)
	if err != nil {
		return nil, &Error{Kind: FailUdpIo, Err: err}
	}
	conn, err := net.ListenUDP("udp", localUDPAddr)
	if err != nil {
		return nil, &Error{Kind: FailUdpIo, Err: err}
	}

	hopts := handshake.Options{
		LocalSockID:     randomSockID(),
		SockType:        packet.SockDatagram,
		MaxPacketSize:   b.maxPacketSize,
		MaxFlowWindow:   b.maxFlowWindow,
		TSBPDLatency:    b.latency,
		PeerIdleTimeout: b.peerIdleTimeout,
	}

	var settings *handshake.ConnectionSettings
	switch b.mode {
	case modeConnect:
		remote, rerr := net.ResolveUDPAddr("udp", b.remoteAddr)
		if rerr != nil {
			conn.Close()
			return nil, &Error{Kind: FailUdpIo, Err: rerr}
		}
		settings, err = handshake.Connect(ctx, conn, remote, hopts)
	case modeListen:
		settings, err = handshake.Listen(ctx, conn, hopts)
	case modeRendezvous:
		remote, rerr := net.ResolveUDPAddr("udp", b.remoteAddr)
		if rerr != nil {
			conn.Close()
			return nil, &Error{Kind: FailUdpIo, Err: rerr}
		}
		settings, err = handshake.Rendezvous(ctx, conn, remote, hopts)
	}
	if err != nil {
		conn.Close()
		return nil, wrapHandshakeErr(err)
	}

	controller := b.controller
	if controller == nil {
		controller = cc.NewDefault()
	}
	counters := b.counters
	if counters == nil {
		counters = &stats.Counters{}
	}

	// label uniquely identifies this connection in stats.DefaultCollector's
	// output; the remote address alone isn't unique across a NAT'd listener
	// accepting from several clients, so the local socket ID (freshly
	// randomized per Build) disambiguates.
	label := fmt.Sprintf("%s/%d", settings.RemoteAddr.String(), settings.LocalSockID)
	stats.DefaultCollector.Add(label, counters)

	if b.role == RoleReceiver {
		r := receiver.New(conn, settings, controller, counters)
		go r.Run(ctx)
		return &ReceiverConn{r: r, conn: conn, counters: counters, label: label}, nil
	}
	s := sender.New(conn, settings, controller, counters, sender.Options{InOrder: b.inOrder})
	go s.Run(ctx)
	return &SenderConn{s: s, conn: conn, counters: counters, label: label}, nil
}
