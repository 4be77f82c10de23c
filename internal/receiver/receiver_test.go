package receiver

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/srtgo/srtgo/handshake"
	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/seq"
)

type pipeConn struct {
	addr  net.Addr
	other *pipeConn
	in    chan []byte
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := &pipeConn{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9301}, in: make(chan []byte, 64)}
	b := &pipeConn{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9302}, in: make(chan []byte, 64)}
	a.other, b.other = b, a
	return a, b
}

func (p *pipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	msg, ok := <-p.in
	if !ok {
		return 0, nil, &closedError{}
	}
	return copy(b, msg), p.other.addr, nil
}

func (p *pipeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.other.in <- cp
	return len(b), nil
}

type closedError struct{}

func (*closedError) Error() string   { return "closed" }
func (*closedError) Timeout() bool   { return false }
func (*closedError) Temporary() bool { return false }

func testSettings(initSeq seq.SeqNumber) *handshake.ConnectionSettings {
	return &handshake.ConnectionSettings{
		RemoteAddr:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9400},
		RemoteSockID:    42,
		LocalSockID:     7,
		RemoteInitSeq:   initSeq,
		MaxPacketSize:   1500,
		MaxFlowWindow:   256,
		SocketStartTime: time.Now(),
		TSBPDLatency:    120 * time.Millisecond,
	}
}

func TestReceiverDeliversSinglePacketMessage(t *testing.T) {
	conn, _ := newPipePair()
	settings := testSettings(seq.NewSeq(500))
	r := New(conn, settings, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	dp := &packet.DataPacket{Seq: seq.NewSeq(500), Loc: packet.Only, InOrder: true, MsgNum: seq.NewMsg(1), Ts: 0, DestSockID: settings.LocalSockID, Payload: []byte("abcdefg")}
	conn.in <- dp.Marshal()

	msg, err := r.Recv(context.Background())
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if string(msg) != "abcdefg" {
		t.Fatalf("unexpected payload %q", msg)
	}
}

func TestReceiverSendsNakOnGap(t *testing.T) {
	conn, peer := newPipePair()
	settings := testSettings(seq.NewSeq(0))
	r := New(conn, settings, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	// Packet 0 missing; deliver packet 1 so a gap is detected at seq 0.
	dp := &packet.DataPacket{Seq: seq.NewSeq(1), Loc: packet.Only, InOrder: true, MsgNum: seq.NewMsg(1), Ts: 0, DestSockID: settings.LocalSockID, Payload: []byte("x")}
	conn.in <- dp.Marshal()

	select {
	case raw := <-peer.in:
		for {
			p, err := packet.Parse(raw)
			if err != nil {
				t.Fatalf("failed to parse outgoing packet: %v", err)
			}
			cp, ok := p.(*packet.ControlPacket)
			if ok && cp.Type == packet.CtrlNak {
				if len(cp.LossList) != 1 || cp.LossList[0] != seq.NewSeq(0) {
					t.Fatalf("unexpected loss list %v", cp.LossList)
				}
				return
			}
			select {
			case raw = <-peer.in:
			case <-time.After(2 * time.Second):
				t.Fatal("timed out waiting for NAK")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for any outgoing packet")
	}
}

func TestReceiverSendsAckWithRecvdUntil(t *testing.T) {
	conn, peer := newPipePair()
	settings := testSettings(seq.NewSeq(0))
	r := New(conn, settings, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = r.Run(ctx) }()

	dp := &packet.DataPacket{Seq: seq.NewSeq(0), Loc: packet.Only, InOrder: true, MsgNum: seq.NewMsg(1), Ts: 0, DestSockID: settings.LocalSockID, Payload: []byte("x")}
	conn.in <- dp.Marshal()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case raw := <-peer.in:
			p, err := packet.Parse(raw)
			if err != nil {
				t.Fatalf("parse failed: %v", err)
			}
			cp, ok := p.(*packet.ControlPacket)
			if ok && cp.Type == packet.CtrlAck && cp.Ack.RecvdUntil == seq.NewSeq(1) {
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for ACK with recvd_until=1")
		}
	}
}
