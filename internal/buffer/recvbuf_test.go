package buffer

import (
	"testing"
	"time"

	"github.com/srtgo/srtgo/packet"
	"github.com/srtgo/srtgo/seq"
)

func dataPkt(s uint32, loc packet.PacketLocation, inOrder bool, msg uint32, ts int32, payload string) *packet.DataPacket {
	return &packet.DataPacket{
		Seq: seq.NewSeq(s), Loc: loc, InOrder: inOrder, MsgNum: seq.NewMsg(msg), Ts: ts, Payload: []byte(payload),
	}
}

func TestInsertDuplicateDropped(t *testing.T) {
	b := New(16, seq.NewSeq(100))
	p := dataPkt(100, packet.Only, true, 1, 0, "x")
	if !b.Insert(p) {
		t.Fatal("first insert should succeed")
	}
	if b.Insert(dataPkt(100, packet.Only, true, 1, 0, "y")) {
		t.Fatal("duplicate insert should be rejected")
	}
}

func TestInsertOutOfWindowCountsOverflow(t *testing.T) {
	b := New(4, seq.NewSeq(100))
	if b.Insert(dataPkt(200, packet.Only, true, 1, 0, "x")) {
		t.Fatal("out-of-window insert should be rejected")
	}
	if b.LateOrOverflow() != 1 {
		t.Fatalf("expected 1 late/overflow, got %d", b.LateOrOverflow())
	}
}

func TestNextMessageSinglePacket(t *testing.T) {
	b := New(16, seq.NewSeq(10))
	b.Insert(dataPkt(10, packet.Only, true, 5, 0, "abcdefg"))
	now := time.Now()
	start := now
	payload, msgNum, delivered, skipped := b.NextMessage(now, start, 100*time.Millisecond)
	if !delivered || skipped {
		t.Fatalf("expected delivery, got delivered=%v skipped=%v", delivered, skipped)
	}
	if string(payload) != "abcdefg" {
		t.Fatalf("unexpected payload %q", payload)
	}
	if msgNum != seq.NewMsg(5) {
		t.Fatalf("unexpected msgnum %v", msgNum)
	}
	if b.Base() != seq.NewSeq(11) {
		t.Fatalf("expected base to advance to 11, got %v", b.Base())
	}
}

func TestNextMessageSegmented(t *testing.T) {
	b := New(16, seq.NewSeq(0))
	b.Insert(dataPkt(1, packet.Middle, true, 9, 0, "22"))
	b.Insert(dataPkt(0, packet.First, true, 9, 0, "11"))
	b.Insert(dataPkt(2, packet.Last, true, 9, 0, "33"))
	now := time.Now()
	payload, _, delivered, skipped := b.NextMessage(now, now, time.Second)
	if !delivered || skipped {
		t.Fatalf("expected delivery, got delivered=%v skipped=%v", delivered, skipped)
	}
	if string(payload) != "112233" {
		t.Fatalf("unexpected reassembled payload %q", payload)
	}
}

func TestNextMessageWaitsForCompletion(t *testing.T) {
	b := New(16, seq.NewSeq(0))
	b.Insert(dataPkt(0, packet.First, true, 1, 0, "a"))
	// Middle packet (seq 1) never arrives.
	now := time.Now()
	start := now
	_, _, delivered, skipped := b.NextMessage(now, start, time.Hour)
	if delivered || skipped {
		t.Fatalf("expected no delivery before deadline, got delivered=%v skipped=%v", delivered, skipped)
	}
}

func TestNextMessageTSBPDDropInOrder(t *testing.T) {
	b := New(16, seq.NewSeq(0))
	start := time.Now().Add(-time.Second)
	b.Insert(dataPkt(0, packet.First, true, 1, 0, "a"))
	now := start.Add(200 * time.Millisecond)
	payload, msgNum, delivered, skipped := b.NextMessage(now, start, 100*time.Millisecond)
	if delivered || !skipped {
		t.Fatalf("expected in_order drop to be skipped not delivered, got delivered=%v skipped=%v payload=%q", delivered, skipped, payload)
	}
	if msgNum != seq.NewMsg(1) {
		t.Fatalf("unexpected msgnum %v", msgNum)
	}
	if b.Base() != seq.NewSeq(1) {
		t.Fatalf("expected base to advance past dropped message, got %v", b.Base())
	}
}

func TestNextMessageTSBPDPartialOutOfOrderDelivered(t *testing.T) {
	b := New(16, seq.NewSeq(0))
	start := time.Now().Add(-time.Second)
	b.Insert(dataPkt(0, packet.First, false, 1, 0, "aa"))
	now := start.Add(200 * time.Millisecond)
	payload, _, delivered, skipped := b.NextMessage(now, start, 100*time.Millisecond)
	if !delivered || skipped {
		t.Fatalf("expected partial out-of-order message delivered, got delivered=%v skipped=%v", delivered, skipped)
	}
	if string(payload) != "aa" {
		t.Fatalf("unexpected partial payload %q", payload)
	}
}

func TestMissingUpTo(t *testing.T) {
	b := New(16, seq.NewSeq(0))
	b.Insert(dataPkt(0, packet.Only, true, 1, 0, "a"))
	b.Insert(dataPkt(2, packet.Only, true, 2, 0, "b"))
	missing := b.MissingUpTo(seq.NewSeq(4))
	if len(missing) != 2 || missing[0] != seq.NewSeq(1) || missing[1] != seq.NewSeq(3) {
		t.Fatalf("unexpected missing set: %v", missing)
	}
}
