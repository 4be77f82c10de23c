package handshake

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/srtgo/srtgo/packet"
)

// pipeConn is an in-memory PacketConn pair used to drive Connect/Listen/
// Rendezvous against each other without touching a real socket.
type pipeConn struct {
	name string
	addr net.Addr
	in   chan []byte
	out  *pipeConn

	mu       sync.Mutex
	deadline time.Time
}

func newPipePair(nameA, nameB string) (*pipeConn, *pipeConn) {
	a := &pipeConn{name: nameA, addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9001}, in: make(chan []byte, 16)}
	b := &pipeConn{name: nameB, addr: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9002}, in: make(chan []byte, 16)}
	a.out, b.out = b, a
	return a, b
}

func (p *pipeConn) ReadFrom(b []byte) (int, net.Addr, error) {
	p.mu.Lock()
	dl := p.deadline
	p.mu.Unlock()
	var timer *time.Timer
	var timeoutCh <-chan time.Time
	if !dl.IsZero() {
		timer = time.NewTimer(time.Until(dl))
		timeoutCh = timer.C
		defer timer.Stop()
	}
	select {
	case msg := <-p.in:
		n := copy(b, msg)
		return n, p.out.addr, nil
	case <-timeoutCh:
		return 0, nil, &timeoutError{}
	}
}

func (p *pipeConn) WriteTo(b []byte, addr net.Addr) (int, error) {
	cp := make([]byte, len(b))
	copy(cp, b)
	p.out.in <- cp
	return len(b), nil
}

func (p *pipeConn) SetReadDeadline(t time.Time) error {
	p.mu.Lock()
	p.deadline = t
	p.mu.Unlock()
	return nil
}

type timeoutError struct{}

func (*timeoutError) Error() string   { return "i/o timeout" }
func (*timeoutError) Timeout() bool   { return true }
func (*timeoutError) Temporary() bool { return true }

func TestConnectListenEstablish(t *testing.T) {
	client, server := newPipePair("client", "server")

	opts := Options{MaxPacketSize: 1500, MaxFlowWindow: 8192, SockType: packet.SockDatagram}
	clientOpts := opts
	clientOpts.LocalSockID = 0xC11E
	serverOpts := opts
	serverOpts.LocalSockID = 0x5E2F

	var serverSettings *ConnectionSettings
	var serverErr error
	done := make(chan struct{})
	go func() {
		serverSettings, serverErr = Listen(context.Background(), server, serverOpts)
		close(done)
	}()

	clientSettings, err := Connect(context.Background(), client, server.addr, clientOpts)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	<-done
	if serverErr != nil {
		t.Fatalf("Listen failed: %v", serverErr)
	}

	if clientSettings.RemoteSockID != serverOpts.LocalSockID {
		t.Fatalf("client did not learn server socket id: got %x want %x", clientSettings.RemoteSockID, serverOpts.LocalSockID)
	}
	if serverSettings.RemoteSockID != clientOpts.LocalSockID {
		t.Fatalf("server did not learn client socket id: got %x want %x", serverSettings.RemoteSockID, clientOpts.LocalSockID)
	}
	if clientSettings.RemoteInitSeq != serverSettings.LocalInitSeq {
		t.Fatalf("client's view of server init seq mismatch: %v vs %v", clientSettings.RemoteInitSeq, serverSettings.LocalInitSeq)
	}
	if serverSettings.RemoteInitSeq != clientSettings.LocalInitSeq {
		t.Fatalf("server's view of client init seq mismatch: %v vs %v", serverSettings.RemoteInitSeq, clientSettings.LocalInitSeq)
	}
}

func TestConnectTimesOutWithNoListener(t *testing.T) {
	client, _ := newPipePair("client", "nobody")
	opts := Options{
		SockType:       packet.SockDatagram,
		LocalSockID:    1,
		InitialTimeout: time.Millisecond,
		MaxTimeout:     4 * time.Millisecond,
		MaxAttempts:    3,
	}
	_, err := Connect(context.Background(), client, client.out.addr, opts)
	if err == nil {
		t.Fatal("expected timeout error")
	}
	herr, ok := err.(*Error)
	if !ok || herr.Kind != FailHandshakeTimeout {
		t.Fatalf("expected FailHandshakeTimeout, got %v", err)
	}
}

func TestRendezvousEstablish(t *testing.T) {
	a, b := newPipePair("a", "b")
	optsA := Options{SockType: packet.SockDatagram, LocalSockID: 100, InitialTimeout: 5 * time.Millisecond, MaxTimeout: 50 * time.Millisecond, MaxAttempts: 50}
	optsB := Options{SockType: packet.SockDatagram, LocalSockID: 200, InitialTimeout: 5 * time.Millisecond, MaxTimeout: 50 * time.Millisecond, MaxAttempts: 50}

	var settingsB *ConnectionSettings
	var errB error
	done := make(chan struct{})
	go func() {
		settingsB, errB = Rendezvous(context.Background(), b, a.addr, optsB)
		close(done)
	}()

	settingsA, errA := Rendezvous(context.Background(), a, b.addr, optsA)
	<-done
	if errA != nil {
		t.Fatalf("rendezvous A failed: %v", errA)
	}
	if errB != nil {
		t.Fatalf("rendezvous B failed: %v", errB)
	}
	if settingsA.RemoteSockID != optsB.LocalSockID || settingsB.RemoteSockID != optsA.LocalSockID {
		t.Fatalf("rendezvous did not exchange socket ids correctly: A.Remote=%x B.Remote=%x", settingsA.RemoteSockID, settingsB.RemoteSockID)
	}
}
