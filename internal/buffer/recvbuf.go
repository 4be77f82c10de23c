// Package buffer implements the receiver's sequence-indexed packet ring and
// the message assembly / TSBPD drop logic that runs over it.
package buffer

import (
	"time"

	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/seq"
)

type slot struct {
	pkt     *packet.DataPacket
	present bool
}

// ReceiveBuffer is a ring indexed by (seq - base) mod capacity, where
// capacity is the negotiated max_flow_window. base only ever advances.
type ReceiveBuffer struct {
	capacity int32
	base     seq.SeqNumber
	slots    []slot

	lateOrOverflow uint64
}

// New returns an empty ReceiveBuffer seeded at initSeq, sized for capacity
// in-flight packets.
func New(capacity int32, initSeq seq.SeqNumber) *ReceiveBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &ReceiveBuffer{capacity: capacity, base: initSeq, slots: make([]slot, capacity)}
}

// Base returns buffer_base, the lowest sequence number not yet delivered.
func (b *ReceiveBuffer) Base() seq.SeqNumber { return b.base }

// LateOrOverflow returns the count of packets dropped for arriving outside
// the current window.
func (b *ReceiveBuffer) LateOrOverflow() uint64 { return b.lateOrOverflow }

func (b *ReceiveBuffer) index(s seq.SeqNumber) int32 {
	d := s.Sub(b.base)
	m := d % b.capacity
	if m < 0 {
		m += b.capacity
	}
	return m
}

// Insert stores pkt if its seq falls within the current window and the
// slot isn't already occupied. It reports whether the packet was stored:
// false means either a late/overflowing arrival (counted) or a duplicate
// (silently dropped, first-write-wins).
func (b *ReceiveBuffer) Insert(pkt *packet.DataPacket) bool {
	d := pkt.Seq.Sub(b.base)
	if d < 0 || d >= b.capacity {
		b.lateOrOverflow++
		return false
	}
	idx := b.index(pkt.Seq)
	if b.slots[idx].present {
		return false
	}
	b.slots[idx] = slot{pkt: pkt, present: true}
	return true
}

// Has reports whether s currently occupies a slot.
func (b *ReceiveBuffer) Has(s seq.SeqNumber) bool {
	d := s.Sub(b.base)
	if d < 0 || d >= b.capacity {
		return false
	}
	return b.slots[b.index(s)].present
}

// MissingUpTo returns every seq in [base, upTo) whose slot is empty, for
// NAK generation.
func (b *ReceiveBuffer) MissingUpTo(upTo seq.SeqNumber) []seq.SeqNumber {
	var out []seq.SeqNumber
	for s := b.base; s.Before(upTo); s = s.Add(1) {
		if !b.slots[b.index(s)].present {
			out = append(out, s)
		}
	}
	return out
}

func (b *ReceiveBuffer) advanceBase(n int32) {
	for i := int32(0); i < n; i++ {
		b.slots[b.index(b.base)] = slot{}
		b.base = b.base.Add(1)
	}
}

// headDeadlineProxyTs returns the timestamp to use for the TSBPD deadline
// check when the base slot itself is empty: the earliest packet actually
// present in the window stands in for the unknowable timestamp of the
// packet that never arrived.
func (b *ReceiveBuffer) headDeadlineProxyTs() (int32, bool) {
	for i := int32(0); i < b.capacity; i++ {
		s := b.base.Add(i)
		if sl := b.slots[b.index(s)]; sl.present {
			return sl.pkt.Ts, true
		}
	}
	return 0, false
}

func deadlinePassed(ts int32, now, socketStart time.Time, latency time.Duration) bool {
	deadline := socketStart.Add(time.Duration(ts) * time.Microsecond).Add(latency)
	return !now.Before(deadline)
}

// tryAssemble attempts to read one complete message starting at start: a
// maximal run of consecutive, same-msg_num packets beginning with First or
// Only and ending with Last or Only. It fails (ok=false) if the run is
// interrupted by a missing slot before completion.
func (b *ReceiveBuffer) tryAssemble(start seq.SeqNumber) (payload []byte, msgNum seq.MsgNumber, n int32, ok bool) {
	first, present := b.slots[b.index(start)].pkt, b.slots[b.index(start)].present
	if !present {
		return nil, 0, 0, false
	}
	if first.Loc == packet.Only {
		return append([]byte(nil), first.Payload...), first.MsgNum, 1, true
	}
	if first.Loc != packet.First {
		return nil, 0, 0, false
	}

	msgNum = first.MsgNum
	payload = append(payload, first.Payload...)
	n = 1
	s := start.Add(1)
	for n <= b.capacity {
		sl := b.slots[b.index(s)]
		if !sl.present || sl.pkt.MsgNum != msgNum {
			return nil, 0, 0, false
		}
		payload = append(payload, sl.pkt.Payload...)
		n++
		switch sl.pkt.Loc {
		case packet.Last:
			return payload, msgNum, n, true
		case packet.Middle:
			s = s.Add(1)
		default:
			return nil, 0, 0, false
		}
	}
	return nil, 0, 0, false
}

// forceDeliverOrSkip is called once a message's deadline has passed without
// completing. It consumes whatever contiguous run of the same msg_num is
// present starting at base (stopping at the first gap or a Last/Only), and
// either returns it (in_order=false) or discards it (in_order=true), per
// §4.4. buffer_base always advances past the consumed run; if base itself
// is a gap, it advances by one slot so the buffer keeps making progress.
func (b *ReceiveBuffer) forceDeliverOrSkip(start seq.SeqNumber) (payload []byte, msgNum seq.MsgNumber, delivered, skipped bool) {
	firstSlot := b.slots[b.index(start)]
	if !firstSlot.present {
		b.advanceBase(1)
		return nil, 0, false, true
	}

	inOrder := firstSlot.pkt.InOrder
	msgNum = firstSlot.pkt.MsgNum
	var buf []byte
	var n int32
	s := start
	for n < b.capacity {
		sl := b.slots[b.index(s)]
		if !sl.present || sl.pkt.MsgNum != msgNum {
			break
		}
		buf = append(buf, sl.pkt.Payload...)
		n++
		s = s.Add(1)
		if sl.pkt.Loc == packet.Last || sl.pkt.Loc == packet.Only {
			break
		}
	}
	b.advanceBase(n)
	if inOrder {
		return nil, msgNum, false, true
	}
	return buf, msgNum, true, false
}

// Expire force-advances buffer_base past [first, last] if that range
// intersects the current window, clearing any slots it covers. Used when a
// DropRequest arrives from the sender: the message is abandoned regardless
// of whether its TSBPD deadline has actually passed yet.
func (b *ReceiveBuffer) Expire(first, last seq.SeqNumber) {
	if last.Before(b.base) {
		return
	}
	n := last.Sub(b.base) + 1
	if n <= 0 {
		return
	}
	if n > b.capacity {
		n = b.capacity
	}
	b.advanceBase(n)
}

// NextMessage returns the next deliverable message if one is ready: either
// a complete run at buffer_base, or (once its deadline has passed) a
// forced partial delivery or drop. ok is false if nothing is ready yet.
// skipped is true when a message was consumed but discarded rather than
// delivered (in_order drop, or a base gap advanced past).
func (b *ReceiveBuffer) NextMessage(now, socketStart time.Time, tsbpdLatency time.Duration) (payload []byte, msgNum seq.MsgNumber, delivered, skipped bool) {
	baseSlot := b.slots[b.index(b.base)]
	if baseSlot.present {
		if payload, msgNum, n, ok := b.tryAssemble(b.base); ok {
			b.advanceBase(n)
			return payload, msgNum, true, false
		}
		if deadlinePassed(baseSlot.pkt.Ts, now, socketStart, tsbpdLatency) {
			return b.forceDeliverOrSkip(b.base)
		}
		return nil, 0, false, false
	}

	proxyTs, ok := b.headDeadlineProxyTs()
	if !ok {
		return nil, 0, false, false
	}
	if deadlinePassed(proxyTs, now, socketStart, tsbpdLatency) {
		return b.forceDeliverOrSkip(b.base)
	}
	return nil, 0, false, false
}
