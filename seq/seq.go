// Package seq implements wrap-around modular arithmetic for the sequence
// and message numbers carried on the wire by the SRT/UDT packet codec.
//
// Sequence numbers are 31-bit and message numbers are 29-bit; both wrap,
// and naive integer comparison across a wrap is wrong. Every ordering
// comparison of a SeqNumber or MsgNumber in the protocol packages goes
// through the methods here instead of raw operators.
package seq

// SeqNumber is an unsigned value modulo 2^31, as carried in DataPacket.Seq
// and the handshake's init_seq / ACK's recvd_until fields.
type SeqNumber uint32

// MsgNumber is an unsigned value modulo 2^29, as carried in DataPacket.MsgNum.
type MsgNumber uint32

const (
	seqBits  = 31
	msgBits  = 29
	seqMod   = uint32(1) << seqBits
	msgMod   = uint32(1) << msgBits
	seqMask  = seqMod - 1
	msgMask  = msgMod - 1
	seqHalf  = seqMod >> 1
	msgHalf  = msgMod >> 1
)

// NewSeq masks v into the 31-bit wrap range.
func NewSeq(v uint32) SeqNumber { return SeqNumber(v & seqMask) }

// NewMsg masks v into the 29-bit wrap range.
func NewMsg(v uint32) MsgNumber { return MsgNumber(v & msgMask) }

func subMod(a, b, mask, half uint32) int32 {
	d := (a - b) & mask
	if d >= half {
		return int32(d) - int32(mask+1)
	}
	return int32(d)
}

// Sub returns the signed distance a-b in [-2^30, 2^30).
func (a SeqNumber) Sub(b SeqNumber) int32 {
	return subMod(uint32(a), uint32(b), seqMask, seqHalf)
}

// Add returns a+n, wrapped into the 31-bit range. n may be negative.
func (a SeqNumber) Add(n int32) SeqNumber {
	return NewSeq(uint32(int64(a) + int64(n)))
}

// Compare returns -1, 0 or 1 as a is before, equal to, or after b.
func (a SeqNumber) Compare(b SeqNumber) int {
	d := a.Sub(b)
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

// Before reports whether a precedes b in the half-window ordering.
func (a SeqNumber) Before(b SeqNumber) bool { return a.Sub(b) < 0 }

// After reports whether a follows b in the half-window ordering.
func (a SeqNumber) After(b SeqNumber) bool { return a.Sub(b) > 0 }

// Sub returns the signed distance a-b in [-2^28, 2^28).
func (a MsgNumber) Sub(b MsgNumber) int32 {
	return subMod(uint32(a), uint32(b), msgMask, msgHalf)
}

// Add returns a+n, wrapped into the 29-bit range.
func (a MsgNumber) Add(n int32) MsgNumber {
	return NewMsg(uint32(int64(a) + int64(n)))
}

// Compare returns -1, 0 or 1 as a is before, equal to, or after b.
func (a MsgNumber) Compare(b MsgNumber) int {
	d := a.Sub(b)
	switch {
	case d < 0:
		return -1
	case d > 0:
		return 1
	default:
		return 0
	}
}

func (a MsgNumber) Before(b MsgNumber) bool { return a.Sub(b) < 0 }
func (a MsgNumber) After(b MsgNumber) bool  { return a.Sub(b) > 0 }
