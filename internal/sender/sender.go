// Package sender drives the send side of one connection: segmentation,
// the in-flight retransmission set, flow/congestion-window pacing, and
// ACK/NAK handling, per §4.7. Pacing is expressed as a token bucket
// (golang.org/x/time/rate) whose rate tracks the congestion controller's
// current send_interval.
package sender

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/srtgo/srtgo/cc"
	"github.com/srtgo/srtgo/handshake"
	"github.com/srtgo/srtgo/logx"
	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/seq"
	"github.com/srtgo/srtgo/stats"
)

const (
	// defaultPeerIdleTimeout is used when a ConnectionSettings carries no
	// override (handshake.Options.PeerIdleTimeout left at its zero value).
	defaultPeerIdleTimeout   = 5 * time.Second
	housekeepingInterval     = 50 * time.Millisecond
	minPacingTick            = 100 * time.Microsecond
	defaultBackpressureDelay = time.Second
	retransmitThreshold      = 8
)

// ErrorKind distinguishes the ways a Sender operation can fail.
type ErrorKind int

const (
	FailConnectionClosed ErrorKind = iota
	FailBackpressureTimeout
	FailPeerTimeout
	FailPeerShutdown
	FailUdpIo
)

func (k ErrorKind) String() string {
	switch k {
	case FailConnectionClosed:
		return "FailConnectionClosed"
	case FailBackpressureTimeout:
		return "FailBackpressureTimeout"
	case FailPeerTimeout:
		return "FailPeerTimeout"
	case FailPeerShutdown:
		return "FailPeerShutdown"
	case FailUdpIo:
		return "FailUdpIo"
	default:
		return "Unknown"
	}
}

// Error wraps a terminal or per-call Sender failure.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("sender: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("sender: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// PacketConn is the datagram I/O surface a Sender needs.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
}

// Options configures per-message send behavior.
type Options struct {
	InOrder             bool
	BackpressureTimeout time.Duration // default 1s
}

func (o Options) backpressureTimeout() time.Duration {
	if o.BackpressureTimeout > 0 {
		return o.BackpressureTimeout
	}
	return defaultBackpressureDelay
}

type inFlightEntry struct {
	pkt       *packet.DataPacket
	lastSend  time.Time
	sendCount int
}

type pendingMsg struct {
	packets    []*packet.DataPacket
	ack        chan error
	acked      bool
	started    bool
	enqueuedAt time.Time
}

type sendRequest struct {
	data []byte
	ack  chan error
}

type rawPacket struct {
	data []byte
	addr net.Addr
}

// Sender owns the outbound segmentation queue, the in-flight/retransmission
// set, and flow/congestion pacing for one connection.
type Sender struct {
	conn         PacketConn
	remote       net.Addr
	remoteSockID uint32

	cc           cc.Controller
	counters     *stats.Counters
	log          *logx.Entry
	pacer        *rate.Limiter
	inOrder      bool
	backpressure time.Duration

	socketStart     time.Time
	tsbpdLatency    time.Duration
	peerIdleTimeout time.Duration
	maxPacketSize   int32
	flowWindow      int32

	nextSeq seq.SeqNumber
	nextMsg seq.MsgNumber

	inFlight map[seq.SeqNumber]*inFlightEntry
	lossList map[seq.SeqNumber]struct{}

	pending []*pendingMsg

	lastAckRecvdUntil seq.SeqNumber
	haveAck           bool

	sendRequests  chan sendRequest
	closeRequests chan struct{}
	closed        chan struct{}
}

// New builds a Sender from a completed handshake. controller and counters
// default to cc.NewDefault() and a fresh stats.Counters when nil.
func New(conn PacketConn, settings *handshake.ConnectionSettings, controller cc.Controller, counters *stats.Counters, opts Options) *Sender {
	if controller == nil {
		controller = cc.NewDefault()
	}
	if counters == nil {
		counters = &stats.Counters{}
	}
	peerIdleTimeout := settings.PeerIdleTimeout
	if peerIdleTimeout <= 0 {
		peerIdleTimeout = defaultPeerIdleTimeout
	}
	return &Sender{
		conn:            conn,
		remote:          settings.RemoteAddr,
		remoteSockID:    settings.RemoteSockID,
		cc:              controller,
		counters:        counters,
		log:             logx.With(logx.Fields{"component": "sender", "remote": settings.RemoteAddr.String()}),
		pacer:           rate.NewLimiter(rate.Every(controller.SendInterval()), 1),
		inOrder:         opts.InOrder,
		backpressure:    opts.backpressureTimeout(),
		socketStart:     settings.SocketStartTime,
		tsbpdLatency:    settings.TSBPDLatency,
		peerIdleTimeout: peerIdleTimeout,
		maxPacketSize:   settings.MaxPacketSize,
		flowWindow:      settings.MaxFlowWindow,
		nextSeq:         settings.LocalInitSeq,
		inFlight:        make(map[seq.SeqNumber]*inFlightEntry),
		lossList:        make(map[seq.SeqNumber]struct{}),
		sendRequests:    make(chan sendRequest),
		closeRequests:   make(chan struct{}),
		closed:          make(chan struct{}),
	}
}

// Send segments msg and queues it for transmission, resolving once every
// packet of the message has been handed to the network at least once.
func (s *Sender) Send(ctx context.Context, msg []byte) error {
	req := sendRequest{data: msg, ack: make(chan error, 1)}
	select {
	case s.sendRequests <- req:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return &Error{Kind: FailConnectionClosed}
	}
	select {
	case err := <-req.ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return &Error{Kind: FailConnectionClosed}
	}
}

// Close requests an orderly shutdown: a Shutdown control packet is
// emitted and Run returns. It blocks until Run has exited.
func (s *Sender) Close(ctx context.Context) error {
	select {
	case s.closeRequests <- struct{}{}:
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-s.closed:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drives the sender until ctx is canceled, Close is called, or the
// peer goes idle/shuts down. It owns all mutable sender state.
func (s *Sender) Run(ctx context.Context) error {
	err := s.run(ctx)
	close(s.closed)
	return err
}

func (s *Sender) run(ctx context.Context) error {
	raw := make(chan rawPacket, 256)
	readErrs := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go s.readLoop(readCtx, raw, readErrs)

	pacingTimer := time.NewTimer(s.currentInterval())
	defer pacingTimer.Stop()
	housekeeping := time.NewTicker(housekeepingInterval)
	defer housekeeping.Stop()
	idleTimer := time.NewTimer(s.peerIdleTimeout)
	defer idleTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErrs:
			return &Error{Kind: FailUdpIo, Err: err}
		case rp := <-raw:
			if !idleTimer.Stop() {
				<-idleTimer.C
			}
			idleTimer.Reset(s.peerIdleTimeout)
			if shutdown := s.handlePacket(rp); shutdown {
				return &Error{Kind: FailPeerShutdown}
			}
		case req := <-s.sendRequests:
			s.handleSendRequest(req)
		case <-s.closeRequests:
			s.send(packet.NewShutdown(s.ts(), s.remoteSockID))
			return nil
		case <-pacingTimer.C:
			s.pacer.SetLimit(rate.Every(s.currentInterval()))
			if s.pacer.Allow() {
				s.trySend()
			}
			pacingTimer.Reset(s.currentInterval())
		case <-housekeeping.C:
			s.expireBackpressure()
		case <-idleTimer.C:
			return &Error{Kind: FailPeerTimeout}
		}
	}
}

func (s *Sender) readLoop(ctx context.Context, out chan<- rawPacket, errs chan<- error) {
	buf := make([]byte, 2048)
	for ctx.Err() == nil {
		n, addr, err := s.conn.ReadFrom(buf)
		if err != nil {
			select {
			case errs <- err:
			default:
			}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case out <- rawPacket{data: cp, addr: addr}:
		case <-ctx.Done():
			return
		}
	}
}

func (s *Sender) currentInterval() time.Duration {
	iv := s.cc.SendInterval()
	if iv < minPacingTick {
		iv = minPacingTick
	}
	return iv
}

// handlePacket reports whether the peer has shut down.
func (s *Sender) handlePacket(rp rawPacket) bool {
	p, err := packet.Parse(rp.data)
	if err != nil {
		s.log.WithFields(logx.Fields{"err": err}).Debug("dropping malformed packet")
		return false
	}
	cp, ok := p.(*packet.ControlPacket)
	if !ok {
		return false // a Sender never receives Data packets from its peer
	}
	switch cp.Type {
	case packet.CtrlAck:
		s.onAck(cp)
	case packet.CtrlNak:
		s.onNak(cp)
	case packet.CtrlShutdown:
		return true
	case packet.CtrlKeepAlive:
		// idle timer already reset by the caller
	}
	return false
}

func (s *Sender) handleSendRequest(req sendRequest) {
	packets := s.segment(req.data)
	s.pending = append(s.pending, &pendingMsg{packets: packets, ack: req.ack, enqueuedAt: time.Now()})
}

func (s *Sender) segment(data []byte) []*packet.DataPacket {
	mss := int(s.maxPacketSize) - 16
	if mss <= 0 {
		mss = 1
	}
	n := (len(data) + mss - 1) / mss
	if n == 0 {
		n = 1
	}
	msgNum := s.nextMsg
	s.nextMsg = s.nextMsg.Add(1)
	ts := s.ts()

	packets := make([]*packet.DataPacket, 0, n)
	for i := 0; i < n; i++ {
		start := i * mss
		end := start + mss
		if end > len(data) {
			end = len(data)
		}
		var loc packet.PacketLocation
		switch {
		case n == 1:
			loc = packet.Only
		case i == 0:
			loc = packet.First
		case i == n-1:
			loc = packet.Last
		default:
			loc = packet.Middle
		}
		pkt := &packet.DataPacket{
			Seq: s.nextSeq, Loc: loc, InOrder: s.inOrder, MsgNum: msgNum, Ts: ts,
			DestSockID: s.remoteSockID, Payload: append([]byte(nil), data[start:end]...),
		}
		s.nextSeq = s.nextSeq.Add(1)
		packets = append(packets, pkt)
	}
	return packets
}

func (s *Sender) effectiveWindow() int {
	w := s.cc.Window()
	if int(s.flowWindow) < w {
		w = int(s.flowWindow)
	}
	return w
}

func (s *Sender) nextLossSeq() (seq.SeqNumber, bool) {
	var best seq.SeqNumber
	found := false
	for sq := range s.lossList {
		if !found || sq.Before(best) {
			best, found = sq, true
		}
	}
	return best, found
}

// trySend sends at most one packet: a pending retransmission takes
// priority over a fresh packet, which is gated by the effective
// congestion/flow window.
func (s *Sender) trySend() {
	if sq, ok := s.nextLossSeq(); ok {
		entry := s.inFlight[sq]
		s.transmit(entry.pkt)
		entry.lastSend = time.Now()
		entry.sendCount++
		delete(s.lossList, sq)
		atomic.AddUint64(&s.counters.PacketsRetransmit, 1)
		s.cc.OnPktSent()
		s.checkDropThreshold(entry)
		return
	}

	if len(s.inFlight) >= s.effectiveWindow() {
		return
	}
	if len(s.pending) == 0 {
		return
	}
	head := s.pending[0]
	if len(head.packets) == 0 {
		s.pending = s.pending[1:]
		return
	}
	pkt := head.packets[0]
	head.packets = head.packets[1:]
	head.started = true

	s.transmit(pkt)
	s.inFlight[pkt.Seq] = &inFlightEntry{pkt: pkt, lastSend: time.Now(), sendCount: 1}
	atomic.AddUint64(&s.counters.PacketsSent, 1)
	atomic.AddUint64(&s.counters.BytesSent, uint64(len(pkt.Payload)))
	s.cc.OnPktSent()

	if len(head.packets) == 0 {
		if !head.acked {
			head.acked = true
			head.ack <- nil
		}
		s.pending = s.pending[1:]
	}
}

// checkDropThreshold evicts entry's whole message once it has been
// retransmitted past the threshold and its TSBPD deadline has passed,
// emitting a DropRequest so the receiver stops waiting on it.
func (s *Sender) checkDropThreshold(entry *inFlightEntry) {
	if entry.sendCount <= retransmitThreshold {
		return
	}
	deadline := s.socketStart.Add(time.Duration(entry.pkt.Ts) * time.Microsecond).Add(s.tsbpdLatency)
	if time.Now().Before(deadline) {
		return
	}
	msgNum := entry.pkt.MsgNum
	var first, last seq.SeqNumber
	haveAny := false
	for sq, e := range s.inFlight {
		if e.pkt.MsgNum != msgNum {
			continue
		}
		if !haveAny {
			first, last = sq, sq
			haveAny = true
		} else {
			if sq.Before(first) {
				first = sq
			}
			if sq.After(last) {
				last = sq
			}
		}
		delete(s.inFlight, sq)
		delete(s.lossList, sq)
	}
	if !haveAny {
		return
	}
	s.send(packet.NewDropRequest(s.ts(), s.remoteSockID, msgNum, first, last))
}

func (s *Sender) onAck(cp *packet.ControlPacket) {
	body := cp.Ack
	if body == nil {
		return
	}
	for sq := range s.inFlight {
		if sq.Before(body.RecvdUntil) {
			delete(s.inFlight, sq)
			delete(s.lossList, sq)
		}
	}
	s.lastAckRecvdUntil = body.RecvdUntil
	s.haveAck = true
	s.send(packet.NewAck2(s.ts(), s.remoteSockID, cp.AckSeqNum()))

	if body.HasBufAvail {
		s.flowWindow = body.BufAvail
		s.counters.SetFlowWindow(int64(s.flowWindow))
	}
	data := cc.Data{RecvdUntil: body.RecvdUntil, CurrentWindow: len(s.inFlight)}
	if body.HasRTT {
		data.RTT = time.Duration(body.RTT) * time.Microsecond
	}
	if body.HasRTTVar {
		data.RTTVar = time.Duration(body.RTTVar) * time.Microsecond
	}
	if body.HasRecvRate {
		data.RecvRate = float64(body.RecvRate)
	}
	if body.HasLinkCap {
		data.LinkCap = float64(body.LinkCap)
	}
	s.cc.OnACK(data)
}

func (s *Sender) onNak(cp *packet.ControlPacket) {
	var stillInFlight []seq.SeqNumber
	for _, sq := range cp.LossList {
		if _, ok := s.inFlight[sq]; ok {
			s.lossList[sq] = struct{}{}
			stillInFlight = append(stillInFlight, sq)
		}
	}
	s.cc.OnNAK(stillInFlight)
}

// expireBackpressure fails the oldest not-yet-started pending message once
// it has waited past the configured backpressure deadline.
func (s *Sender) expireBackpressure() {
	if len(s.pending) == 0 {
		return
	}
	head := s.pending[0]
	if head.started || head.acked {
		return
	}
	if time.Since(head.enqueuedAt) < s.backpressure {
		return
	}
	head.acked = true
	head.ack <- &Error{Kind: FailBackpressureTimeout}
	s.pending = s.pending[1:]
}

func (s *Sender) transmit(pkt *packet.DataPacket) {
	if _, err := s.conn.WriteTo(pkt.Marshal(), s.remote); err != nil {
		s.log.WithFields(logx.Fields{"err": err}).Warn("data packet write failed")
	}
}

func (s *Sender) send(cp *packet.ControlPacket) {
	if _, err := s.conn.WriteTo(cp.Marshal(), s.remote); err != nil {
		s.log.WithFields(logx.Fields{"err": err}).Warn("control packet write failed")
	}
}

func (s *Sender) ts() int32 { return int32(time.Since(s.socketStart).Microseconds()) }
