// Package stats exposes per-connection Receiver/Sender counters as a
// prometheus.Collector, the direct analogue of
// runZeroInc-conniver/pkg/exporter's TCPInfoCollector: instead of polling
// TCP_INFO out of the kernel on every scrape, it reads the atomic counters
// the Receiver/Sender already maintain during normal operation.
package stats

import (
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// Counters is the live counter block embedded in a Receiver or Sender. All
// fields are updated with the atomic package from the owning connection's
// single goroutine and read from arbitrary goroutines by Collect.
type Counters struct {
	PacketsSent       uint64
	PacketsReceived   uint64
	PacketsRetransmit uint64
	BytesSent         uint64
	BytesReceived     uint64
	AcksSent          uint64
	NaksSent          uint64
	MsgsDroppedTSBPD  uint64
	LateOrOverflow    uint64

	rttMicros    int64 // latest RTT sample, microseconds
	rttVarMicros int64
	flowWindow   int64
	linkCapBps   int64
}

func (c *Counters) SetRTT(rttMicros, rttVarMicros int64) {
	atomic.StoreInt64(&c.rttMicros, rttMicros)
	atomic.StoreInt64(&c.rttVarMicros, rttVarMicros)
}

func (c *Counters) SetFlowWindow(n int64)  { atomic.StoreInt64(&c.flowWindow, n) }
func (c *Counters) SetLinkCapBps(n int64)  { atomic.StoreInt64(&c.linkCapBps, n) }
func (c *Counters) RTTMicros() int64       { return atomic.LoadInt64(&c.rttMicros) }
func (c *Counters) RTTVarMicros() int64    { return atomic.LoadInt64(&c.rttVarMicros) }
func (c *Counters) FlowWindow() int64      { return atomic.LoadInt64(&c.flowWindow) }
func (c *Counters) LinkCapBps() int64      { return atomic.LoadInt64(&c.linkCapBps) }

var (
	descPacketsSent       = prometheus.NewDesc("srt_packets_sent_total", "Data packets sent.", []string{"conn"}, nil)
	descPacketsReceived   = prometheus.NewDesc("srt_packets_received_total", "Data packets received.", []string{"conn"}, nil)
	descPacketsRetransmit = prometheus.NewDesc("srt_packets_retransmitted_total", "Data packets retransmitted.", []string{"conn"}, nil)
	descBytesSent         = prometheus.NewDesc("srt_bytes_sent_total", "Payload bytes sent.", []string{"conn"}, nil)
	descBytesReceived     = prometheus.NewDesc("srt_bytes_received_total", "Payload bytes received.", []string{"conn"}, nil)
	descAcksSent          = prometheus.NewDesc("srt_acks_sent_total", "ACK control packets sent.", []string{"conn"}, nil)
	descNaksSent          = prometheus.NewDesc("srt_naks_sent_total", "NAK control packets sent.", []string{"conn"}, nil)
	descMsgsDropped       = prometheus.NewDesc("srt_messages_dropped_tsbpd_total", "Messages dropped past their TSBPD deadline.", []string{"conn"}, nil)
	descLateOverflow      = prometheus.NewDesc("srt_packets_late_or_overflow_total", "Data packets dropped as late or out of window.", []string{"conn"}, nil)
	descRTT               = prometheus.NewDesc("srt_rtt_microseconds", "Latest smoothed RTT sample.", []string{"conn"}, nil)
	descRTTVar            = prometheus.NewDesc("srt_rtt_var_microseconds", "Latest smoothed RTT variance sample.", []string{"conn"}, nil)
	descFlowWindow        = prometheus.NewDesc("srt_flow_window_packets", "Current receiver-advertised flow window.", []string{"conn"}, nil)
	descLinkCap           = prometheus.NewDesc("srt_estimated_link_capacity_bps", "Estimated link capacity in bytes/sec.", []string{"conn"}, nil)
)

// Collector aggregates the Counters of every connection registered with it.
// Connections register themselves on handshake completion and unregister on
// close, mirroring TCPInfoCollector.Add/Remove.
type Collector struct {
	mu    sync.Mutex
	conns map[string]*Counters
}

// DefaultCollector is the process-wide Collector the Builder registers every
// built Connection's Counters with. Wiring a connection's own Counters is
// only required when an application wants a private Collector instead.
var DefaultCollector = NewCollector()

// NewCollector returns an empty Collector, ready to register with a
// prometheus.Registry.
func NewCollector() *Collector {
	return &Collector{conns: make(map[string]*Counters)}
}

// Add registers a connection's Counters under the given label, usually the
// remote address or socket ID.
func (c *Collector) Add(label string, counters *Counters) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.conns[label] = counters
}

// Remove unregisters a connection, e.g. on close.
func (c *Collector) Remove(label string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.conns, label)
}

func (c *Collector) Describe(descs chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		descPacketsSent, descPacketsReceived, descPacketsRetransmit, descBytesSent, descBytesReceived,
		descAcksSent, descNaksSent, descMsgsDropped, descLateOverflow, descRTT, descRTTVar, descFlowWindow, descLinkCap,
	} {
		descs <- d
	}
}

func (c *Collector) Collect(metrics chan<- prometheus.Metric) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for label, ctr := range c.conns {
		emit := func(d *prometheus.Desc, v float64) {
			metrics <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, v, label)
		}
		emitGauge := func(d *prometheus.Desc, v float64) {
			metrics <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v, label)
		}
		emit(descPacketsSent, float64(atomic.LoadUint64(&ctr.PacketsSent)))
		emit(descPacketsReceived, float64(atomic.LoadUint64(&ctr.PacketsReceived)))
		emit(descPacketsRetransmit, float64(atomic.LoadUint64(&ctr.PacketsRetransmit)))
		emit(descBytesSent, float64(atomic.LoadUint64(&ctr.BytesSent)))
		emit(descBytesReceived, float64(atomic.LoadUint64(&ctr.BytesReceived)))
		emit(descAcksSent, float64(atomic.LoadUint64(&ctr.AcksSent)))
		emit(descNaksSent, float64(atomic.LoadUint64(&ctr.NaksSent)))
		emit(descMsgsDropped, float64(atomic.LoadUint64(&ctr.MsgsDroppedTSBPD)))
		emit(descLateOverflow, float64(atomic.LoadUint64(&ctr.LateOrOverflow)))
		emitGauge(descRTT, float64(ctr.RTTMicros()))
		emitGauge(descRTTVar, float64(ctr.RTTVarMicros()))
		emitGauge(descFlowWindow, float64(ctr.FlowWindow()))
		emitGauge(descLinkCap, float64(ctr.LinkCapBps()))
	}
}
