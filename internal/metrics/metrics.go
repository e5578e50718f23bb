// Package metrics exposes node and collector activity as Prometheus
// metrics.
package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/shaunagostinho/envnode/internal/delivery"
	"github.com/shaunagostinho/envnode/internal/wire"
)

// Node records delivery and command activity. It implements
// delivery.Observer and command.Observer.
type Node struct {
	sent     *prometheus.CounterVec
	outcomes *prometheus.CounterVec
	acks     *prometheus.CounterVec
	commands *prometheus.CounterVec
	failures prometheus.Gauge
	state    prometheus.Gauge
	resets   prometheus.Counter
	latency  prometheus.Histogram

	mu     sync.Mutex
	sentAt time.Time
}

// NewNode registers the node metrics with reg.
func NewNode(reg prometheus.Registerer) *Node {
	n := &Node{
		sent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envnode_records_sent_total",
			Help: "Delivery attempts by record kind.",
		}, []string{"kind"}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envnode_send_outcomes_total",
			Help: "Completed delivery attempts by record kind and outcome.",
		}, []string{"kind", "outcome"}),
		acks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envnode_acks_total",
			Help: "Acknowledgments received, by verdict against the outstanding sequence.",
		}, []string{"verdict"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envnode_commands_total",
			Help: "Configuration commands served, by operation and validity.",
		}, []string{"op", "valid"}),
		failures: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envnode_delivery_failures",
			Help: "Consecutive delivery failures since the last acknowledgment.",
		}),
		state: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "envnode_delivery_state",
			Help: "Current delivery state machine state.",
		}),
		resets: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envnode_device_resets_total",
			Help: "Device resets requested by the delivery machine.",
		}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "envnode_send_latency_seconds",
			Help:    "Time from transmit to a definitive outcome.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		}),
	}
	reg.MustRegister(n.sent, n.outcomes, n.acks, n.commands, n.failures, n.state, n.resets, n.latency)
	return n
}

func (n *Node) StateChanged(s delivery.State) { n.state.Set(float64(s)) }

func (n *Node) Sent(kind string, _ uint32) {
	n.sent.WithLabelValues(kind).Inc()
	n.mu.Lock()
	n.sentAt = time.Now()
	n.mu.Unlock()
}

func (n *Node) Completed(kind string, _ uint32, o delivery.Outcome) {
	n.outcomes.WithLabelValues(kind, o.String()).Inc()
	if o != delivery.Success {
		return
	}
	n.mu.Lock()
	at := n.sentAt
	n.mu.Unlock()
	if !at.IsZero() {
		n.latency.Observe(time.Since(at).Seconds())
	}
}

func (n *Node) Ack(v delivery.Verdict) { n.acks.WithLabelValues(v.String()).Inc() }
func (n *Node) Failures(count int)     { n.failures.Set(float64(count)) }
func (n *Node) Reset(string)           { n.resets.Inc() }

func (n *Node) Command(op wire.Op, _ wire.Token, valid bool) {
	n.commands.WithLabelValues(op.String(), strconv.FormatBool(valid)).Inc()
}

// Collector records what the reference collector receives and queues.
type Collector struct {
	records   *prometheus.CounterVec
	rejected  prometheus.Counter
	published prometheus.Counter
	pubErrors prometheus.Counter
}

func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "envnode_collector_records_total",
			Help: "Sensor records received, by kind.",
		}, []string{"kind"}),
		rejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envnode_collector_rejected_total",
			Help: "Datagrams dropped for a bad magic or length.",
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envnode_collector_published_total",
			Help: "Readings pushed to the reading queue.",
		}),
		pubErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "envnode_collector_publish_errors_total",
			Help: "Readings that could not be queued.",
		}),
	}
	reg.MustRegister(c.records, c.rejected, c.published, c.pubErrors)
	return c
}

func (c *Collector) Received(kind string) { c.records.WithLabelValues(kind).Inc() }
func (c *Collector) Rejected()            { c.rejected.Inc() }

func (c *Collector) Published(err error) {
	if err != nil {
		c.pubErrors.Inc()
		return
	}
	c.published.Inc()
}
