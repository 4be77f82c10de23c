// Package cc defines the congestion-control capability the Sender drives,
// plus the default UDT-like implementation.
//
// A Controller is a capability over four event hooks, not a base class:
// callers feed it on_ack/on_nak/on_pkt_sent/on_timeout events and read back
// SendInterval/Window whenever they need to pace or size the flight. This
// lets an application plug in an arbitrary controller (congestion_controller
// builder option) without the Sender caring which one it got.
package cc

import (
	"math"
	"time"

	"github.com/srtgo/srtgo/seq"
)

// Data is the event payload delivered to on_ack.
type Data struct {
	RTT            time.Duration
	RTTVar         time.Duration
	RecvRate       float64 // bytes/sec, 0 if unknown
	LinkCap        float64 // bytes/sec, 0 if unknown
	RecvdUntil     seq.SeqNumber
	CurrentWindow  int
}

// Controller produces pacing and window decisions from ACK/NAK/send/timeout
// events. Implementations need not be safe for concurrent use; the Sender
// drives one controller from a single goroutine.
type Controller interface {
	OnACK(Data)
	OnNAK(lossList []seq.SeqNumber)
	OnPktSent()
	OnTimeout()

	// SendInterval is the minimum spacing the Sender must leave between
	// consecutive data packet sends.
	SendInterval() time.Duration

	// Window is the congestion window, in packets. The Sender enforces
	// min(Window(), flow_window).
	Window() int
}

const minSendInterval = time.Microsecond

// Default is the UDT-like controller described in §4.8: slow-start doubles
// the window per ACK until the first loss, then congestion-avoidance grows
// the window by (max_rate-current_rate)*rtt+16 on every ACK that carries an
// RTT sample (the growth is not limited to once per RTT); a NAK multiplies
// send_interval by 1.125, bounded.
type Default struct {
	slowStart    bool
	window       float64
	sendInterval time.Duration

	lastRTT    time.Duration
	maxRate    float64
	recvRate   float64
	ackCount   int
}

// NewDefault returns a Default controller in slow-start with an initial
// window of 16 packets and no pacing delay (paced purely by ACK arrival
// until the first RTT sample is available).
func NewDefault() *Default {
	return &Default{
		slowStart:    true,
		window:       16,
		sendInterval: minSendInterval,
	}
}

func (d *Default) OnACK(data Data) {
	d.lastRTT = data.RTT
	d.recvRate = data.RecvRate
	if data.LinkCap > d.maxRate {
		d.maxRate = data.LinkCap
	}
	d.ackCount++

	if d.slowStart {
		d.window *= 2
		// Capped at the largest flow window a peer can advertise, so the
		// Sender's min(Window(), flow_window) is unchanged and the float
		// never overflows.
		if d.window > math.MaxInt32 {
			d.window = math.MaxInt32
		}
	} else if d.lastRTT > 0 {
		growth := (d.maxRate - d.recvRate) * d.lastRTT.Seconds()
		if growth < 0 {
			growth = 0
		}
		d.window += growth + 16
	}

	if d.lastRTT > 0 {
		// Pace to roughly one packet per window-fraction of the RTT.
		interval := time.Duration(float64(d.lastRTT) / d.window)
		if interval < minSendInterval {
			interval = minSendInterval
		}
		d.sendInterval = interval
	}
}

func (d *Default) OnNAK(lossList []seq.SeqNumber) {
	if len(lossList) == 0 {
		return
	}
	d.slowStart = false
	next := time.Duration(float64(d.sendInterval) * 1.125)
	if next < minSendInterval {
		next = minSendInterval
	}
	const maxSendInterval = time.Second
	if next > maxSendInterval {
		next = maxSendInterval
	}
	d.sendInterval = next
	// Shrink the window by one eighth on loss.
	d.window *= 0.875
	if d.window < 2 {
		d.window = 2
	}
}

func (d *Default) OnPktSent() {}

func (d *Default) OnTimeout() {
	d.slowStart = false
	d.window = 2
}

func (d *Default) SendInterval() time.Duration {
	if d.sendInterval < minSendInterval {
		return minSendInterval
	}
	return d.sendInterval
}

func (d *Default) Window() int {
	w := int(d.window)
	if w < 2 {
		return 2
	}
	return w
}
