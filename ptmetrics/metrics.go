// Package ptmetrics exports powertree engine activity as Prometheus metrics.
//
// An [*Observer] plugs into [ptproto.EngineConfig.Observer].
// One Observer may be shared by every engine in a process;
// the counters then describe the whole process.
package ptmetrics

import (
	"time"

	"github.com/gordian-engine/powertree/ptproto"
	"github.com/gordian-engine/powertree/ptwire"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Config configures [New].
type Config struct {
	// Metric namespace. Default "powertree".
	Namespace string

	Subsystem string

	// Labels added to every metric, for instance to tell nodes apart.
	ConstLabels prometheus.Labels

	// Buckets for the transmit power histogram, in dBm.
	// Default is 2.5 dB steps from 0 to 22.5.
	PowerBuckets []float64

	// Default prometheus.DefaultRegisterer.
	Registry prometheus.Registerer
}

func (c *Config) setDefaults() {
	if c.Namespace == "" {
		c.Namespace = "powertree"
	}
	if c.PowerBuckets == nil {
		c.PowerBuckets = prometheus.LinearBuckets(0, 2.5, 10)
	}
	if c.Registry == nil {
		c.Registry = prometheus.DefaultRegisterer
	}
}

// Observer is a [ptproto.Observer] backed by Prometheus collectors.
type Observer struct {
	FramesSent      *prometheus.CounterVec
	FramesReceived  *prometheus.CounterVec
	FramesDropped   *prometheus.CounterVec
	FramesAbandoned *prometheus.CounterVec
	Retransmissions *prometheus.CounterVec

	BytesSent     prometheus.Counter
	BytesReceived prometheus.Counter

	TxPower prometheus.Histogram

	ParentChanges  prometheus.Counter
	CyclesRepaired prometheus.Counter
	Exhaustions    prometheus.Counter
	GamesFinished  prometheus.Counter

	DataPackets      prometheus.Counter
	DataBytes        prometheus.Counter
	ObjectsDelivered prometheus.Counter
}

var _ ptproto.Observer = (*Observer)(nil)

// New creates and registers the collectors.
// It panics if they are already registered with cfg.Registry,
// as promauto does.
func New(cfg Config) *Observer {
	cfg.setDefaults()
	f := promauto.With(cfg.Registry)

	counter := func(name, help string) prometheus.Counter {
		return f.NewCounter(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		})
	}
	counterVec := func(name, help, label string) *prometheus.CounterVec {
		return f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        name,
			Help:        help,
			ConstLabels: cfg.ConstLabels,
		}, []string{label})
	}

	return &Observer{
		FramesSent:      counterVec("frames_sent_total", "Protocol frames handed to the link, by frame type.", "type"),
		FramesReceived:  counterVec("frames_received_total", "Fresh protocol frames handled, by frame type.", "type"),
		FramesDropped:   counterVec("frames_dropped_total", "Inbound frames not handled, by reason.", "reason"),
		FramesAbandoned: counterVec("frames_abandoned_total", "Frames given up on after the retry ceiling, by frame type.", "type"),
		Retransmissions: counterVec("retransmissions_total", "Frames sent again after a failed delivery, by frame type.", "type"),

		BytesSent:     counter("bytes_sent_total", "Encoded bytes of sent frames."),
		BytesReceived: counter("bytes_received_total", "Encoded bytes of handled frames."),

		TxPower: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   cfg.Namespace,
			Subsystem:   cfg.Subsystem,
			Name:        "tx_power_dbm",
			Help:        "Transmit power of sent frames in dBm.",
			ConstLabels: cfg.ConstLabels,
			Buckets:     cfg.PowerBuckets,
		}),

		ParentChanges:  counter("parent_changes_total", "Parent changes, including losing the parent."),
		CyclesRepaired: counter("cycles_repaired_total", "Parent links abandoned because they closed a cycle."),
		Exhaustions:    counter("exhaustions_total", "Times a node ran out of candidate parents."),
		GamesFinished:  counter("games_finished_total", "Games whose local subtree converged."),

		DataPackets:      counter("data_delivered_total", "Application payloads accepted."),
		DataBytes:        counter("data_bytes_total", "Bytes of application payloads accepted."),
		ObjectsDelivered: counter("objects_delivered_total", "Objects reassembled from sharded payloads."),
	}
}

func (o *Observer) FrameSent(_ uint64, ft ptwire.FrameType, _ ptwire.Addr, txPower float64, size int, re bool) {
	t := ft.String()
	o.FramesSent.WithLabelValues(t).Inc()
	if re {
		o.Retransmissions.WithLabelValues(t).Inc()
	}
	o.BytesSent.Add(float64(size))
	o.TxPower.Observe(txPower)
}

func (o *Observer) FrameReceived(_ uint64, ft ptwire.FrameType, _ ptwire.Addr, size int) {
	o.FramesReceived.WithLabelValues(ft.String()).Inc()
	o.BytesReceived.Add(float64(size))
}

func (o *Observer) FrameDropped(_ ptwire.FrameType, _ ptwire.Addr, r ptproto.DropReason) {
	o.FramesDropped.WithLabelValues(r.String()).Inc()
}

func (o *Observer) FrameAbandoned(_ uint64, ft ptwire.FrameType, _ ptwire.Addr) {
	o.FramesAbandoned.WithLabelValues(ft.String()).Inc()
}

func (o *Observer) ParentChanged(uint64, ptwire.Addr) { o.ParentChanges.Inc() }
func (o *Observer) CycleRepaired(uint64)              { o.CyclesRepaired.Inc() }
func (o *Observer) Exhausted(uint64)                  { o.Exhaustions.Inc() }
func (o *Observer) GameFinished(uint64, time.Time)    { o.GamesFinished.Inc() }

func (o *Observer) DataDelivered(_ uint64, _ uint32, payload []byte) {
	o.DataPackets.Inc()
	o.DataBytes.Add(float64(len(payload)))
}

func (o *Observer) ObjectDelivered(uint64, uint32, []byte) {
	o.ObjectsDelivered.Inc()
}
