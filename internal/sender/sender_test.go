package sender

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/srtgo/srtgo/handshake"
	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/seq"
)

// pipeConn is an in-memory PacketConn pair, mirroring the handshake
// package's test fake, used to drive a Sender against a scripted peer.
type pipeConn struct {
	addr net.Addr
	other *pipeConn
	in    chan []byte
}

func newPipePair() (*pipeConn, *pipeConn) {
	a := &pipeConn{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9101}, in: make(chan []byte, 64)}
	b := &pipeConn{addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9102}, in: make(chan []byte, 64)}
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

func testSettings() *handshake.ConnectionSettings {
	return &handshake.ConnectionSettings{
		RemoteAddr:      &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9200},
		RemoteSockID:    42,
		LocalSockID:     7,
		LocalInitSeq:    seq.NewSeq(1000),
		MaxPacketSize:   1500,
		MaxFlowWindow:   256,
		SocketStartTime: time.Now(),
		TSBPDLatency:    120 * time.Millisecond,
	}
}

func TestSegmentSinglePacketOnly(t *testing.T) {
	conn, _ := newPipePair()
	s := New(conn, testSettings(), nil, nil, Options{InOrder: true})
	packets := s.segment([]byte("abcdefg"))
	if len(packets) != 1 {
		t.Fatalf("expected 1 packet, got %d", len(packets))
	}
	if packets[0].Loc != packet.Only {
		t.Fatalf("expected Only, got %v", packets[0].Loc)
	}
	if string(packets[0].Payload) != "abcdefg" {
		t.Fatalf("unexpected payload %q", packets[0].Payload)
	}
}

func TestSegmentMultiPacketLocations(t *testing.T) {
	conn, _ := newPipePair()
	settings := testSettings()
	settings.MaxPacketSize = 40 // payload budget 24 bytes
	s := New(conn, settings, nil, nil, Options{InOrder: true})
	packets := s.segment(make([]byte, 60))
	if len(packets) != 3 {
		t.Fatalf("expected 3 packets, got %d", len(packets))
	}
	wantLocs := []packet.PacketLocation{packet.First, packet.Middle, packet.Last}
	for i, p := range packets {
		if p.Loc != wantLocs[i] {
			t.Fatalf("packet %d: expected %v got %v", i, wantLocs[i], p.Loc)
		}
		if p.MsgNum != packets[0].MsgNum {
			t.Fatalf("packet %d: msg_num mismatch", i)
		}
		if i > 0 && p.Seq.Sub(packets[i-1].Seq) != 1 {
			t.Fatalf("packet %d: seq not consecutive", i)
		}
	}
}

func TestSendResolvesOnceTransmitted(t *testing.T) {
	conn, peer := newPipePair()
	s := New(conn, testSettings(), nil, nil, Options{InOrder: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx)
	}()

	sendErr := make(chan error, 1)
	go func() { sendErr <- s.Send(context.Background(), []byte("abcdefg")) }()

	select {
	case raw := <-peer.in:
		p, err := packet.Parse(raw)
		if err != nil {
			t.Fatalf("peer failed to parse sent packet: %v", err)
		}
		dp, ok := p.(*packet.DataPacket)
		if !ok || dp.Loc != packet.Only {
			t.Fatalf("expected a single Only data packet, got %#v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data packet")
	}

	select {
	case err := <-sendErr:
		if err != nil {
			t.Fatalf("Send returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Send to resolve")
	}

	cancel()
	wg.Wait()
}

func TestAckEvictsInFlightAndSendsAck2(t *testing.T) {
	conn, peer := newPipePair()
	settings := testSettings()
	s := New(conn, settings, nil, nil, Options{InOrder: true})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = s.Run(ctx)
	}()

	go func() { _ = s.Send(context.Background(), []byte("abcdefg")) }()

	var sentSeq seq.SeqNumber
	select {
	case raw := <-peer.in:
		p, _ := packet.Parse(raw)
		sentSeq = p.(*packet.DataPacket).Seq
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for data packet")
	}

	ack := packet.NewAck(0, settings.LocalSockID, 1, &packet.AckBody{RecvdUntil: sentSeq.Add(1)})
	conn.in <- ack.Marshal()

	select {
	case raw := <-peer.in:
		p, err := packet.Parse(raw)
		if err != nil {
			t.Fatalf("failed to parse reply: %v", err)
		}
		cp, ok := p.(*packet.ControlPacket)
		if !ok || cp.Type != packet.CtrlAck2 {
			t.Fatalf("expected Ack2 reply, got %#v", p)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for Ack2")
	}

	cancel()
	wg.Wait()
	close(conn.in)
}
