// Package metrics exposes control connection handshake metrics to
// Prometheus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/katalix/go-l2tpcc/l2tp"
)

const namespace = "l2tpcc"

// RFC2661 leaves attribute type 20 unassigned
const rfc2661UnassignedAVPType l2tp.AVPType = 20

// Label names
const (
	labelMessageType = "message_type"
	labelAVPType     = "avp_type"
	labelResult      = "result"
)

var _ l2tp.Metrics = (*Collector)(nil)

// Collector holds the handshake metrics.  It implements l2tp.Metrics.
type Collector struct {
	// MessagesSent counts control messages sent, by message type.
	MessagesSent *prometheus.CounterVec

	// MessagesReceived counts control messages received, by message type.
	MessagesReceived *prometheus.CounterVec

	// UnknownAVPs counts AVPs ignored because they weren't recognised.
	// Vendor-specific AVPs are labelled "vendor", and IETF types outside
	// RFC2661 "unknown".
	UnknownAVPs *prometheus.CounterVec

	// Handshakes counts completed handshakes by result: "established"
	// or the failure reason.
	Handshakes *prometheus.CounterVec
}

// NewCollector creates a Collector registered against reg.  If reg is
// nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		MessagesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_sent_total",
			Help:      "Total L2TP control messages sent.",
		}, []string{labelMessageType}),

		MessagesReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "control_messages_received_total",
			Help:      "Total L2TP control messages received.",
		}, []string{labelMessageType}),

		UnknownAVPs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unknown_avps_total",
			Help:      "Total unrecognised AVPs ignored.",
		}, []string{labelAVPType}),

		Handshakes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "handshakes_total",
			Help:      "Total control connection handshakes completed, by result.",
		}, []string{labelResult}),
	}

	reg.MustRegister(
		c.MessagesSent,
		c.MessagesReceived,
		c.UnknownAVPs,
		c.Handshakes,
	)

	return c
}

// MessageSent increments the sent counter for t.
func (c *Collector) MessageSent(t l2tp.AVPMsgType) {
	c.MessagesSent.WithLabelValues(t.String()).Inc()
}

// MessageReceived increments the received counter for t.
func (c *Collector) MessageReceived(t l2tp.AVPMsgType) {
	c.MessagesReceived.WithLabelValues(t.String()).Inc()
}

// UnknownAVP increments the unknown AVP counter.
func (c *Collector) UnknownAVP(a l2tp.UnknownAVP) {
	c.UnknownAVPs.WithLabelValues(unknownAVPLabel(a)).Inc()
}

// unknownAVPLabel keeps the label set bounded: the type is chosen by
// the peer, so only RFC2661 attribute types get a label of their own.
func unknownAVPLabel(a l2tp.UnknownAVP) string {
	switch {
	case a.VendorID != l2tp.VendorIDIetf:
		return "vendor"
	case a.AttrType > l2tp.AvpTypeSequencingRequired, a.AttrType == rfc2661UnassignedAVPType:
		return "unknown"
	}
	return a.AttrType.String()
}

// HandshakeDone increments the handshake counter for the result err
// represents.
func (c *Collector) HandshakeDone(err error) {
	c.Handshakes.WithLabelValues(l2tp.FailureReason(err)).Inc()
}
