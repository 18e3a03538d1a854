package monitoring

import (
	"peermesh/internal/core/domain"
	"peermesh/internal/core/ports"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// PrometheusCollector records mesh activity. It implements ports.Metrics
// and receives handshake outcomes from the signal package.
type PrometheusCollector struct {
	links           *prometheus.GaugeVec
	transitions     *prometheus.CounterVec
	evictions       prometheus.Counter
	linkFaults      prometheus.Counter
	messages        *prometheus.CounterVec
	messagesDropped *prometheus.CounterVec
	consensusFlips  prometheus.Counter
	handshakes      *prometheus.CounterVec
}

var _ ports.Metrics = (*PrometheusCollector)(nil)

// NewPrometheusCollector registers every metric on reg.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		links: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peermesh_links",
			Help: "Number of peer links by state",
		}, []string{"state"}),

		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_link_transitions_total",
			Help: "Peer link state transitions",
		}, []string{"from", "to"}),

		evictions: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_evictions_total",
			Help: "Peers removed by eviction consensus",
		}),

		linkFaults: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_link_faults_total",
			Help: "Transport faults that reset a peer link",
		}),

		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_messages_total",
			Help: "Mesh messages by kind and direction",
		}, []string{"kind", "direction"}),

		messagesDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_messages_dropped_total",
			Help: "Mesh messages dropped before or after routing",
		}, []string{"reason"}),

		consensusFlips: factory.NewCounter(prometheus.CounterOpts{
			Name: "peermesh_consensus_flips_total",
			Help: "Eviction consensus changes across all trackers",
		}),

		handshakes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peermesh_handshakes_total",
			Help: "Websocket bootstrap handshakes by result",
		}, []string{"result"}),
	}
}

func (c *PrometheusCollector) SetLinkCount(state domain.LinkState, n int) {
	c.links.WithLabelValues(state.String()).Set(float64(n))
}

func (c *PrometheusCollector) RecordTransition(from, to domain.LinkState) {
	c.transitions.WithLabelValues(from.String(), to.String()).Inc()
}

func (c *PrometheusCollector) RecordEviction() {
	c.evictions.Inc()
}

func (c *PrometheusCollector) RecordLinkFault() {
	c.linkFaults.Inc()
}

func (c *PrometheusCollector) RecordMessage(kind domain.MessageKind, direction string) {
	c.messages.WithLabelValues(string(kind), direction).Inc()
}

func (c *PrometheusCollector) RecordDrop(reason string) {
	c.messagesDropped.WithLabelValues(reason).Inc()
}

func (c *PrometheusCollector) RecordConsensusFlip() {
	c.consensusFlips.Inc()
}

func (c *PrometheusCollector) RecordHandshake(result string) {
	c.handshakes.WithLabelValues(result).Inc()
}
