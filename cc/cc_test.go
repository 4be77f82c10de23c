package cc

import (
	"testing"
	"time"

	"github.com/srtgo/srtgo/seq"
)

func TestDefaultSlowStartGrowsWindow(t *testing.T) {
	d := NewDefault()
	start := d.Window()
	d.OnACK(Data{RTT: 20 * time.Millisecond})
	d.OnACK(Data{RTT: 20 * time.Millisecond})
	if d.Window() <= start {
		t.Fatalf("expected window to grow in slow start: start=%d now=%d", start, d.Window())
	}
}

func TestDefaultNAKExitsSlowStartAndBacksOffInterval(t *testing.T) {
	d := NewDefault()
	d.OnACK(Data{RTT: 20 * time.Millisecond})
	before := d.SendInterval()
	d.OnNAK([]seq.SeqNumber{seq.NewSeq(5)})
	if d.slowStart {
		t.Fatalf("expected NAK to exit slow start")
	}
	if d.SendInterval() <= before {
		t.Fatalf("expected send interval to increase after NAK: before=%v after=%v", before, d.SendInterval())
	}
}

func TestDefaultNeverBelowMinInterval(t *testing.T) {
	d := NewDefault()
	if d.SendInterval() < minSendInterval {
		t.Fatalf("send interval below floor: %v", d.SendInterval())
	}
}

func TestDefaultTimeoutResetsWindow(t *testing.T) {
	d := NewDefault()
	d.OnACK(Data{RTT: 20 * time.Millisecond})
	d.OnACK(Data{RTT: 20 * time.Millisecond})
	d.OnTimeout()
	if d.Window() != 2 {
		t.Fatalf("expected window reset to 2 after timeout, got %d", d.Window())
	}
}
