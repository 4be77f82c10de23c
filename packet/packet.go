// Package packet implements the bit-exact wire codec for SRT/UDT data and
// control packets, per the UDT draft (draft-gg-udt-03) and its SRT
// extensions. Every integer on the wire is big-endian.
package packet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/srtgo/srtgo/seq"
)

// Codec errors. Callers log and continue on these; they never tear down a
// connection by themselves (that policy lives above this package).
var (
	ErrShortHeader    = errors.New("packet: buffer shorter than minimum header")
	ErrUnknownControl = errors.New("packet: unknown control type")
	ErrBadEnum        = errors.New("packet: unknown enum value")
)

const headerLen = 16 // word0..word3

// PacketLocation marks a data packet's position within its message.
type PacketLocation uint8

const (
	Middle PacketLocation = iota // 00
	First                        // 10
	Last                         // 01
	Only                         // 11
)

// ffBits returns the two-bit FF encoding for a location, per the UDT draft.
// The reference implementation this repo was modeled on has First and
// Middle swapped in one direction of its table; this is the canonical
// draft-gg-udt-03 table and is authoritative.
func (l PacketLocation) ffBits() uint8 {
	switch l {
	case First:
		return 0b10
	case Middle:
		return 0b00
	case Last:
		return 0b01
	case Only:
		return 0b11
	default:
		return 0b00
	}
}

func locationFromBits(b uint8) (PacketLocation, error) {
	switch b {
	case 0b10:
		return First, nil
	case 0b00:
		return Middle, nil
	case 0b01:
		return Last, nil
	case 0b11:
		return Only, nil
	default:
		return 0, ErrBadEnum
	}
}

func (l PacketLocation) String() string {
	switch l {
	case First:
		return "First"
	case Middle:
		return "Middle"
	case Last:
		return "Last"
	case Only:
		return "Only"
	default:
		return "Invalid"
	}
}

// Packet is implemented by *DataPacket and *ControlPacket.
type Packet interface {
	isPacket()
	Marshal() []byte
}

// DataPacket carries one fragment (or the whole) of an application message.
type DataPacket struct {
	Seq        seq.SeqNumber
	Loc        PacketLocation
	InOrder    bool
	MsgNum     seq.MsgNumber
	Ts         int32
	DestSockID uint32
	Payload    []byte
}

func (*DataPacket) isPacket() {}

// Marshal encodes the packet per §4.2: word0=seq (high bit 0), word1=FF|O|msgnum,
// word2=ts, word3=dest_sockid, followed by the payload.
func (p *DataPacket) Marshal() []byte {
	buf := make([]byte, headerLen+len(p.Payload))
	binary.BigEndian.PutUint32(buf[0:4], uint32(p.Seq)&0x7fffffff)

	word1 := uint32(p.Loc.ffBits()) << 30
	if p.InOrder {
		word1 |= 1 << 29
	}
	word1 |= uint32(p.MsgNum) & 0x1fffffff
	binary.BigEndian.PutUint32(buf[4:8], word1)

	binary.BigEndian.PutUint32(buf[8:12], uint32(p.Ts))
	binary.BigEndian.PutUint32(buf[12:16], p.DestSockID)
	copy(buf[16:], p.Payload)
	return buf
}

func parseDataPacket(b []byte) (*DataPacket, error) {
	if len(b) < headerLen {
		return nil, ErrShortHeader
	}
	word0 := binary.BigEndian.Uint32(b[0:4])
	word1 := binary.BigEndian.Uint32(b[4:8])
	ts := int32(binary.BigEndian.Uint32(b[8:12]))
	dest := binary.BigEndian.Uint32(b[12:16])

	loc, err := locationFromBits(uint8(word1 >> 30))
	if err != nil {
		return nil, err
	}

	payload := make([]byte, len(b)-headerLen)
	copy(payload, b[headerLen:])

	return &DataPacket{
		Seq:        seq.NewSeq(word0 & 0x7fffffff),
		Loc:        loc,
		InOrder:    word1&(1<<29) != 0,
		MsgNum:     seq.NewMsg(word1 & 0x1fffffff),
		Ts:         ts,
		DestSockID: dest,
		Payload:    payload,
	}, nil
}

// ControlType is the UDT draft's 15-bit control packet type field.
type ControlType uint16

const (
	CtrlHandshake   ControlType = 0x0
	CtrlKeepAlive   ControlType = 0x1
	CtrlAck         ControlType = 0x2
	CtrlNak         ControlType = 0x3
	CtrlShutdown    ControlType = 0x5
	CtrlAck2        ControlType = 0x6
	CtrlDropRequest ControlType = 0x7
)

func (t ControlType) String() string {
	switch t {
	case CtrlHandshake:
		return "Handshake"
	case CtrlKeepAlive:
		return "KeepAlive"
	case CtrlAck:
		return "Ack"
	case CtrlNak:
		return "Nak"
	case CtrlShutdown:
		return "Shutdown"
	case CtrlAck2:
		return "Ack2"
	case CtrlDropRequest:
		return "DropRequest"
	default:
		return fmt.Sprintf("Unknown(0x%x)", uint16(t))
	}
}

// SocketType distinguishes stream vs message (datagram) sockets in the
// handshake body.
type SocketType int32

const (
	SockStream   SocketType = 1
	SockDatagram SocketType = 2
)

// ConnType is the handshake's conn_type field.
type ConnType int32

const (
	ConnRegular          ConnType = 1
	ConnRendezvousFirst  ConnType = 0
	ConnRendezvousSecond ConnType = -1
	ConnRendezvousFinal  ConnType = -2
)

// HandshakeInfo is the Handshake control packet body.
type HandshakeInfo struct {
	UdtVersion    int32
	SockType      SocketType
	InitSeq       seq.SeqNumber
	MaxPacketSize int32
	MaxFlowWindow int32
	ConnType      ConnType
	SocketID      uint32
	SynCookie     uint32
	PeerAddr      net.IP
	// Extension carries any bytes past the fixed 48-byte handshake block,
	// i.e. an SRT handshake extension. It is round-tripped opaquely.
	Extension []byte
}

func validSocketType(v int32) bool { return v == int32(SockStream) || v == int32(SockDatagram) }

func validConnType(v int32) bool {
	switch ConnType(v) {
	case ConnRegular, ConnRendezvousFirst, ConnRendezvousSecond, ConnRendezvousFinal:
		return true
	default:
		return false
	}
}

const handshakeBodyLen = 8*4 + 16

func marshalHandshakeBody(h *HandshakeInfo) []byte {
	buf := make([]byte, handshakeBodyLen+len(h.Extension))
	putI32 := func(off int, v int32) { binary.BigEndian.PutUint32(buf[off:off+4], uint32(v)) }
	putI32(0, h.UdtVersion)
	putI32(4, int32(h.SockType))
	putI32(8, int32(h.InitSeq))
	putI32(12, h.MaxPacketSize)
	putI32(16, h.MaxFlowWindow)
	putI32(20, int32(h.ConnType))
	putI32(24, int32(h.SocketID))
	putI32(28, int32(h.SynCookie))

	ip4 := h.PeerAddr.To4()
	if ip4 != nil {
		copy(buf[32:36], ip4)
		// bytes 36:48 already zero
	} else if ip16 := h.PeerAddr.To16(); ip16 != nil {
		copy(buf[32:48], ip16)
	}
	copy(buf[handshakeBodyLen:], h.Extension)
	return buf
}

func parseHandshakeBody(b []byte) (*HandshakeInfo, error) {
	if len(b) < handshakeBodyLen {
		return nil, ErrShortHeader
	}
	getI32 := func(off int) int32 { return int32(binary.BigEndian.Uint32(b[off : off+4])) }

	sockType := getI32(4)
	if !validSocketType(sockType) {
		return nil, ErrBadEnum
	}
	connType := getI32(20)
	if !validConnType(connType) {
		return nil, ErrBadEnum
	}

	ipBytes := b[32:48]
	var ip net.IP
	if isZero(ipBytes[4:]) {
		ip = net.IPv4(ipBytes[0], ipBytes[1], ipBytes[2], ipBytes[3])
	} else {
		ip = make(net.IP, 16)
		copy(ip, ipBytes)
	}

	var ext []byte
	if len(b) > handshakeBodyLen {
		ext = make([]byte, len(b)-handshakeBodyLen)
		copy(ext, b[handshakeBodyLen:])
	}

	return &HandshakeInfo{
		UdtVersion:    getI32(0),
		SockType:      SocketType(sockType),
		InitSeq:       seq.NewSeq(uint32(getI32(8))),
		MaxPacketSize: getI32(12),
		MaxFlowWindow: getI32(16),
		ConnType:      ConnType(connType),
		SocketID:      uint32(getI32(24)),
		SynCookie:     uint32(getI32(28)),
		PeerAddr:      ip,
		Extension:     ext,
	}, nil
}

func isZero(b []byte) bool {
	for _, v := range b {
		if v != 0 {
			return false
		}
	}
	return true
}

// AckBody is the Ack control packet's payload: a mandatory recvd_until
// followed by up to five optional i32 fields, present only if the sender
// included them.
type AckBody struct {
	RecvdUntil seq.SeqNumber

	HasRTT     bool
	RTT        int32
	HasRTTVar  bool
	RTTVar     int32
	HasBufAvail bool
	BufAvail   int32
	HasRecvRate bool
	RecvRate   int32
	HasLinkCap bool
	LinkCap    int32
}

func marshalAckBody(a *AckBody) []byte {
	n := 4
	opts := []struct {
		has bool
		v   int32
	}{
		{a.HasRTT, a.RTT},
		{a.HasRTTVar, a.RTTVar},
		{a.HasBufAvail, a.BufAvail},
		{a.HasRecvRate, a.RecvRate},
		{a.HasLinkCap, a.LinkCap},
	}
	// Optional fields are positional: once one is omitted, none after it
	// may be sent (tail fields optional in that order, per §3).
	present := 0
	for _, o := range opts {
		if !o.has {
			break
		}
		present++
	}
	buf := make([]byte, n+present*4)
	binary.BigEndian.PutUint32(buf[0:4], uint32(a.RecvdUntil))
	for i := 0; i < present; i++ {
		binary.BigEndian.PutUint32(buf[4+i*4:8+i*4], uint32(opts[i].v))
	}
	return buf
}

func parseAckBody(b []byte) (*AckBody, error) {
	if len(b) < 4 {
		return nil, ErrShortHeader
	}
	a := &AckBody{RecvdUntil: seq.NewSeq(binary.BigEndian.Uint32(b[0:4]))}
	rest := b[4:]
	fields := []*struct {
		has *bool
		v   *int32
	}{
		{&a.HasRTT, &a.RTT},
		{&a.HasRTTVar, &a.RTTVar},
		{&a.HasBufAvail, &a.BufAvail},
		{&a.HasRecvRate, &a.RecvRate},
		{&a.HasLinkCap, &a.LinkCap},
	}
	for _, f := range fields {
		if len(rest) < 4 {
			break
		}
		*f.has = true
		*f.v = int32(binary.BigEndian.Uint32(rest[0:4]))
		rest = rest[4:]
	}
	return a, nil
}

// ControlPacket is any non-Data packet.
type ControlPacket struct {
	Ts         int32
	DestSockID uint32
	Type       ControlType

	// AdditionalInfo is word1's raw value: the ACK sequence number for
	// Ack/Ack2, the dropped message number for DropRequest, unused
	// (0) otherwise.
	AdditionalInfo int32

	Handshake *HandshakeInfo // Type == CtrlHandshake
	Ack       *AckBody       // Type == CtrlAck
	LossList  []seq.SeqNumber // Type == CtrlNak, sorted ascending
	DropFirst seq.SeqNumber   // Type == CtrlDropRequest
	DropLast  seq.SeqNumber   // Type == CtrlDropRequest
}

func (*ControlPacket) isPacket() {}

// AckSeqNum returns AdditionalInfo interpreted as an ACK sequence number,
// valid for Ack and Ack2 packets.
func (c *ControlPacket) AckSeqNum() uint32 { return uint32(c.AdditionalInfo) }

// DropMsgNum returns AdditionalInfo interpreted as a message number, valid
// for DropRequest packets.
func (c *ControlPacket) DropMsgNum() seq.MsgNumber { return seq.NewMsg(uint32(c.AdditionalInfo)) }

// NewAck builds an Ack control packet with the given ACK sequence number.
func NewAck(ts int32, dest uint32, ackSeqNum uint32, body *AckBody) *ControlPacket {
	return &ControlPacket{Ts: ts, DestSockID: dest, Type: CtrlAck, AdditionalInfo: int32(ackSeqNum), Ack: body}
}

// NewAck2 builds an Ack2 control packet acknowledging ackSeqNum.
func NewAck2(ts int32, dest uint32, ackSeqNum uint32) *ControlPacket {
	return &ControlPacket{Ts: ts, DestSockID: dest, Type: CtrlAck2, AdditionalInfo: int32(ackSeqNum)}
}

// NewNak builds a Nak control packet carrying the given loss list.
func NewNak(ts int32, dest uint32, lossList []seq.SeqNumber) *ControlPacket {
	return &ControlPacket{Ts: ts, DestSockID: dest, Type: CtrlNak, LossList: lossList}
}

// NewShutdown builds a Shutdown control packet.
func NewShutdown(ts int32, dest uint32) *ControlPacket {
	return &ControlPacket{Ts: ts, DestSockID: dest, Type: CtrlShutdown}
}

// NewKeepAlive builds a KeepAlive control packet.
func NewKeepAlive(ts int32, dest uint32) *ControlPacket {
	return &ControlPacket{Ts: ts, DestSockID: dest, Type: CtrlKeepAlive}
}

// NewHandshake builds a Handshake control packet.
func NewHandshake(ts int32, dest uint32, h *HandshakeInfo) *ControlPacket {
	return &ControlPacket{Ts: ts, DestSockID: dest, Type: CtrlHandshake, Handshake: h}
}

// NewDropRequest builds a DropRequest control packet for [first, last].
func NewDropRequest(ts int32, dest uint32, msgNum seq.MsgNumber, first, last seq.SeqNumber) *ControlPacket {
	return &ControlPacket{Ts: ts, DestSockID: dest, Type: CtrlDropRequest, AdditionalInfo: int32(msgNum), DropFirst: first, DropLast: last}
}

// Marshal encodes the control packet per §4.2.
func (c *ControlPacket) Marshal() []byte {
	var body []byte
	switch c.Type {
	case CtrlHandshake:
		body = marshalHandshakeBody(c.Handshake)
	case CtrlAck:
		body = marshalAckBody(c.Ack)
	case CtrlNak:
		body = marshalLossList(c.LossList)
	case CtrlDropRequest:
		body = make([]byte, 8)
		binary.BigEndian.PutUint32(body[0:4], uint32(c.DropFirst))
		binary.BigEndian.PutUint32(body[4:8], uint32(c.DropLast))
	case CtrlKeepAlive, CtrlShutdown, CtrlAck2:
		// no body
	}

	buf := make([]byte, headerLen+len(body))
	word0 := uint32(1)<<31 | (uint32(c.Type)&0x7fff)<<16
	binary.BigEndian.PutUint32(buf[0:4], word0)
	binary.BigEndian.PutUint32(buf[4:8], uint32(c.AdditionalInfo))
	binary.BigEndian.PutUint32(buf[8:12], uint32(c.Ts))
	binary.BigEndian.PutUint32(buf[12:16], c.DestSockID)
	copy(buf[16:], body)
	return buf
}

func parseControlPacket(b []byte) (*ControlPacket, error) {
	if len(b) < headerLen {
		return nil, ErrShortHeader
	}
	word0 := binary.BigEndian.Uint32(b[0:4])
	additional := int32(binary.BigEndian.Uint32(b[4:8]))
	ts := int32(binary.BigEndian.Uint32(b[8:12]))
	dest := binary.BigEndian.Uint32(b[12:16])
	ctype := ControlType((word0 >> 16) & 0x7fff)
	body := b[headerLen:]

	c := &ControlPacket{Ts: ts, DestSockID: dest, Type: ctype, AdditionalInfo: additional}

	switch ctype {
	case CtrlHandshake:
		hs, err := parseHandshakeBody(body)
		if err != nil {
			return nil, err
		}
		c.Handshake = hs
	case CtrlAck:
		ab, err := parseAckBody(body)
		if err != nil {
			return nil, err
		}
		c.Ack = ab
	case CtrlNak:
		ll, err := unmarshalLossList(body)
		if err != nil {
			return nil, err
		}
		c.LossList = ll
	case CtrlDropRequest:
		if len(body) < 8 {
			return nil, ErrShortHeader
		}
		c.DropFirst = seq.NewSeq(binary.BigEndian.Uint32(body[0:4]))
		c.DropLast = seq.NewSeq(binary.BigEndian.Uint32(body[4:8]))
	case CtrlKeepAlive, CtrlShutdown, CtrlAck2:
		// no body
	default:
		return nil, ErrUnknownControl
	}
	return c, nil
}

// Parse dispatches on the high bit of the first word: 0 is Data, 1 is
// Control.
func Parse(b []byte) (Packet, error) {
	if len(b) < headerLen {
		return nil, ErrShortHeader
	}
	if b[0]&0x80 != 0 {
		return parseControlPacket(b)
	}
	return parseDataPacket(b)
}
