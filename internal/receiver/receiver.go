// Package receiver drives the receive side of one connection: ingesting
// Data packets into a ReceiveBuffer, tracking loss, and running the ACK/NAK
// timers described in §4.6. All mutable state is owned by the goroutine
// running Run; everything else only ever touches the out channel or the
// shared Counters.
package receiver

import (
	"context"
	"fmt"
	"io"
	"net"
	"sort"
	"sync/atomic"
	"time"

	"github.com/srtgo/srtgo/cc"
	"github.com/srtgo/srtgo/handshake"
	"github.com/srtgo/srtgo/internal/buffer"
	"github.com/srtgo/srtgo/logx"
	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/seq"
	"github.com/srtgo/srtgo/stats"
)

const (
	ackInterval      = 10 * time.Millisecond
	nakPollInterval  = 20 * time.Millisecond
	deliverInterval  = 5 * time.Millisecond
	fullAckEvery     = 64
	ackHistoryLimit  = 1024

	// defaultPeerIdleTimeout is used when a ConnectionSettings carries no
	// override (handshake.Options.PeerIdleTimeout left at its zero value).
	defaultPeerIdleTimeout = 5 * time.Second
)

// ErrorKind distinguishes the ways a Receiver's Run loop can end.
type ErrorKind int

const (
	FailPeerTimeout ErrorKind = iota
	FailPeerShutdown
	FailUdpIo
)

func (k ErrorKind) String() string {
	switch k {
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

// Error wraps a terminal Receiver condition.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("receiver: %s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("receiver: %s", e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

func isCleanEnd(err error) bool {
	re, ok := err.(*Error)
	return ok && re.Kind == FailPeerShutdown
}

// PacketConn is the datagram I/O surface a Receiver needs.
type PacketConn interface {
	ReadFrom(b []byte) (n int, addr net.Addr, err error)
	WriteTo(b []byte, addr net.Addr) (n int, err error)
}

type lossEntry struct {
	lastFeedback time.Time
	k            int
}

type ackRecord struct {
	ackSeq     uint32
	sentTime   time.Time
	recvdUntil seq.SeqNumber
}

type rawPacket struct {
	data []byte
	addr net.Addr
}

// Receiver owns a ReceiveBuffer plus the ACK/NAK/delivery timers feeding it.
type Receiver struct {
	conn         PacketConn
	remote       net.Addr
	remoteSockID uint32

	buf      *buffer.ReceiveBuffer
	capacity int32
	cc       cc.Controller
	counters *stats.Counters
	log      *logx.Entry

	socketStart     time.Time
	tsbpdLatency    time.Duration
	peerIdleTimeout time.Duration

	highestReceived seq.SeqNumber
	haveHighest     bool
	lossList        map[seq.SeqNumber]*lossEntry

	ackHistory          []ackRecord
	nextAckSeq          uint32
	packetsSinceFullAck int
	lastAckRecvdUntil   seq.SeqNumber
	haveLastAck         bool

	rtt, rttVar time.Duration
	recvRate    float64 // bytes/sec EWMA
	linkCap     float64 // bytes/sec EWMA from probe pairs
	lastArrival time.Time
	probeFirst  time.Time

	out      chan []byte
	pending  []byte
	finalErr error
}

// New builds a Receiver from a completed handshake. controller and
// counters default to cc.NewDefault() and a fresh stats.Counters when nil.
func New(conn PacketConn, settings *handshake.ConnectionSettings, controller cc.Controller, counters *stats.Counters) *Receiver {
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
	return &Receiver{
		conn:            conn,
		remote:          settings.RemoteAddr,
		remoteSockID:    settings.RemoteSockID,
		buf:             buffer.New(settings.MaxFlowWindow, settings.RemoteInitSeq),
		capacity:        settings.MaxFlowWindow,
		cc:              controller,
		counters:        counters,
		log:             logx.With(logx.Fields{"component": "receiver", "remote": settings.RemoteAddr.String()}),
		socketStart:     settings.SocketStartTime,
		tsbpdLatency:    settings.TSBPDLatency,
		peerIdleTimeout: peerIdleTimeout,
		lossList:        make(map[seq.SeqNumber]*lossEntry),
		out:             make(chan []byte, 64),
	}
}

// Recv returns the next delivered message, io.EOF once the connection has
// ended cleanly (peer Shutdown), or the terminal *Error otherwise.
func (r *Receiver) Recv(ctx context.Context) ([]byte, error) {
	select {
	case msg, ok := <-r.out:
		if ok {
			return msg, nil
		}
		if r.finalErr == nil || isCleanEnd(r.finalErr) {
			return nil, io.EOF
		}
		return nil, r.finalErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Run drives the receiver until ctx is canceled, the peer shuts down, or
// the peer goes idle/unreachable. It owns all mutable receiver state.
func (r *Receiver) Run(ctx context.Context) error {
	err := r.run(ctx)
	r.finalErr = err
	close(r.out)
	return err
}

func (r *Receiver) run(ctx context.Context) error {
	raw := make(chan rawPacket, 256)
	readErrs := make(chan error, 1)
	readCtx, cancelRead := context.WithCancel(ctx)
	defer cancelRead()
	go r.readLoop(readCtx, raw, readErrs)

	ackTicker := time.NewTicker(ackInterval)
	defer ackTicker.Stop()
	nakTicker := time.NewTicker(nakPollInterval)
	defer nakTicker.Stop()
	deliverTicker := time.NewTicker(deliverInterval)
	defer deliverTicker.Stop()
	idleTimer := time.NewTimer(r.peerIdleTimeout)
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
			idleTimer.Reset(r.peerIdleTimeout)
			if shutdown := r.handlePacket(rp); shutdown {
				return &Error{Kind: FailPeerShutdown}
			}
		case <-ackTicker.C:
			r.sendAck()
		case <-nakTicker.C:
			r.sendNaks()
		case <-deliverTicker.C:
			r.deliver()
		case <-idleTimer.C:
			return &Error{Kind: FailPeerTimeout}
		}
	}
}

func (r *Receiver) readLoop(ctx context.Context, out chan<- rawPacket, errs chan<- error) {
	buf := make([]byte, 65536)
	for ctx.Err() == nil {
		n, addr, err := r.conn.ReadFrom(buf)
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

// handlePacket reports whether the peer has shut down.
func (r *Receiver) handlePacket(rp rawPacket) bool {
	p, err := packet.Parse(rp.data)
	if err != nil {
		r.log.WithFields(logx.Fields{"err": err}).Debug("dropping malformed packet")
		return false
	}
	switch pk := p.(type) {
	case *packet.DataPacket:
		r.onData(pk)
	case *packet.ControlPacket:
		switch pk.Type {
		case packet.CtrlAck2:
			r.onAck2(pk)
		case packet.CtrlDropRequest:
			r.onDropRequest(pk)
		case packet.CtrlShutdown:
			return true
		case packet.CtrlKeepAlive:
			// idle timer already reset by the caller
		}
	}
	return false
}

func (r *Receiver) onData(pk *packet.DataPacket) {
	now := time.Now()
	r.trackArrival(pk, now)

	lateBefore := r.buf.LateOrOverflow()
	if !r.buf.Insert(pk) {
		if r.buf.LateOrOverflow() != lateBefore {
			atomic.AddUint64(&r.counters.LateOrOverflow, 1)
		}
		return
	}
	atomic.AddUint64(&r.counters.PacketsReceived, 1)
	atomic.AddUint64(&r.counters.BytesReceived, uint64(len(pk.Payload)))
	r.packetsSinceFullAck++

	if !r.haveHighest {
		// Nothing received yet: treat the slot before buffer_base as the
		// highest, so a first arrival past base records the gap below it.
		r.highestReceived = r.buf.Base().Add(-1)
		r.haveHighest = true
	}
	if pk.Seq.After(r.highestReceived) {
		for s := r.highestReceived.Add(1); s.Before(pk.Seq); s = s.Add(1) {
			if _, ok := r.lossList[s]; !ok {
				r.lossList[s] = &lossEntry{lastFeedback: now}
			}
		}
		r.highestReceived = pk.Seq
	}
	delete(r.lossList, pk.Seq)
}

// trackArrival updates the inter-arrival receive-rate EWMA and the probe-
// pair link-capacity estimate (packets whose seq mod 16 is 0 and 1, per
// §4.6), then publishes the link-capacity estimate to the shared counters.
func (r *Receiver) trackArrival(pk *packet.DataPacket, now time.Time) {
	if !r.lastArrival.IsZero() {
		if dt := now.Sub(r.lastArrival).Seconds(); dt > 0 {
			inst := float64(len(pk.Payload)) / dt
			if r.recvRate == 0 {
				r.recvRate = inst
			} else {
				r.recvRate = 0.875*r.recvRate + 0.125*inst
			}
		}
	}
	r.lastArrival = now

	switch uint32(pk.Seq) % 16 {
	case 0:
		r.probeFirst = now
	case 1:
		if !r.probeFirst.IsZero() {
			if dt := now.Sub(r.probeFirst).Seconds(); dt > 0 {
				inst := float64(len(pk.Payload)) / dt
				if r.linkCap == 0 {
					r.linkCap = inst
				} else {
					r.linkCap = 0.875*r.linkCap + 0.125*inst
				}
			}
			r.probeFirst = time.Time{}
		}
	}
	r.counters.SetLinkCapBps(int64(r.linkCap))
}

func (r *Receiver) onAck2(pk *packet.ControlPacket) {
	ackSeq := pk.AckSeqNum()
	now := time.Now()
	for i := len(r.ackHistory) - 1; i >= 0; i-- {
		rec := r.ackHistory[i]
		if rec.ackSeq != ackSeq {
			continue
		}
		sample := now.Sub(rec.sentTime)
		if r.rtt == 0 {
			r.rtt = sample
			r.rttVar = sample / 2
		} else {
			diff := sample - r.rtt
			if diff < 0 {
				diff = -diff
			}
			r.rttVar = time.Duration(0.75*float64(r.rttVar) + 0.25*float64(diff))
			r.rtt = time.Duration(0.875*float64(r.rtt) + 0.125*float64(sample))
		}
		r.counters.SetRTT(r.rtt.Microseconds(), r.rttVar.Microseconds())
		r.cc.OnACK(cc.Data{
			RTT: r.rtt, RTTVar: r.rttVar, RecvRate: r.recvRate, LinkCap: r.linkCap,
			RecvdUntil: rec.recvdUntil,
		})
		return
	}
}

func (r *Receiver) onDropRequest(pk *packet.ControlPacket) {
	for s := pk.DropFirst; ; s = s.Add(1) {
		delete(r.lossList, s)
		if s == pk.DropLast {
			break
		}
	}
	r.buf.Expire(pk.DropFirst, pk.DropLast)
}

func (r *Receiver) nakInterval() time.Duration {
	iv := r.rtt + 4*r.rttVar
	if iv < nakPollInterval {
		return nakPollInterval
	}
	return iv
}

func (r *Receiver) sendNaks() {
	if len(r.lossList) == 0 {
		return
	}
	now := time.Now()
	interval := r.nakInterval()
	var due []seq.SeqNumber
	for s, e := range r.lossList {
		if now.Sub(e.lastFeedback) >= interval {
			due = append(due, s)
			e.k++
			e.lastFeedback = now
		}
	}
	if len(due) == 0 {
		return
	}
	sort.Slice(due, func(i, j int) bool { return due[i].Before(due[j]) })
	r.send(packet.NewNak(r.ts(), r.remoteSockID, due))
	r.cc.OnNAK(due)
	atomic.AddUint64(&r.counters.NaksSent, 1)
}

func (r *Receiver) flowWindowAvail() int32 {
	if !r.haveHighest {
		return r.capacity
	}
	occupied := r.highestReceived.Sub(r.buf.Base()) + 1
	avail := r.capacity - occupied
	if avail < 0 {
		return 0
	}
	return avail
}

func (r *Receiver) sendAck() {
	base := r.buf.Base()
	if r.haveLastAck && base == r.lastAckRecvdUntil {
		return // nothing new to acknowledge
	}
	r.nextAckSeq++

	body := &packet.AckBody{RecvdUntil: base}
	if r.rtt > 0 {
		body.HasRTT, body.RTT = true, int32(r.rtt.Microseconds())
		body.HasRTTVar, body.RTTVar = true, int32(r.rttVar.Microseconds())
		body.HasBufAvail, body.BufAvail = true, r.flowWindowAvail()
		body.HasRecvRate, body.RecvRate = true, int32(r.recvRate)
		body.HasLinkCap, body.LinkCap = true, int32(r.linkCap)
		r.packetsSinceFullAck = 0
	}

	r.send(packet.NewAck(r.ts(), r.remoteSockID, r.nextAckSeq, body))
	r.ackHistory = append(r.ackHistory, ackRecord{ackSeq: r.nextAckSeq, sentTime: time.Now(), recvdUntil: base})
	if len(r.ackHistory) > ackHistoryLimit {
		r.ackHistory = r.ackHistory[len(r.ackHistory)-ackHistoryLimit:]
	}
	r.lastAckRecvdUntil = base
	r.haveLastAck = true
	r.counters.SetFlowWindow(int64(r.flowWindowAvail()))
	atomic.AddUint64(&r.counters.AcksSent, 1)
}

func (r *Receiver) deliver() {
	if r.pending != nil {
		select {
		case r.out <- r.pending:
			r.pending = nil
		default:
			return
		}
	}
	now := time.Now()
	for r.pending == nil {
		payload, _, delivered, skipped := r.buf.NextMessage(now, r.socketStart, r.tsbpdLatency)
		if !delivered && !skipped {
			return
		}
		if skipped {
			atomic.AddUint64(&r.counters.MsgsDroppedTSBPD, 1)
			continue
		}
		select {
		case r.out <- payload:
		default:
			r.pending = payload
			return
		}
	}
}

func (r *Receiver) send(cp *packet.ControlPacket) {
	if _, err := r.conn.WriteTo(cp.Marshal(), r.remote); err != nil {
		r.log.WithFields(logx.Fields{"err": err}).Warn("control packet write failed")
	}
}

func (r *Receiver) ts() int32 { return int32(time.Since(r.socketStart).Microseconds()) }
