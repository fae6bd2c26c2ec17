package engine

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/blockberries/dbftberry/types"
)

const metricsNamespace = "dbft"

// Metrics holds the consensus service's Prometheus collectors
type Metrics struct {
	Messages         *prometheus.CounterVec
	ProcessDuration  prometheus.Histogram
	ViewChanges      prometheus.Counter
	CommittedBlocks  prometheus.Counter
	Height           prometheus.Gauge
	View             prometheus.Gauge
	DroppedDuplicate prometheus.Counter
	Evidence         prometheus.Counter
}

// NewMetrics creates the collectors and registers them on reg. A nil reg
// leaves them unregistered, which is what tests usually want.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "messages_total",
				Help:      "Consensus messages processed, by kind and result",
			},
			[]string{"kind", "result"},
		),
		ProcessDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "process_duration_seconds",
				Help:      "Time spent processing one consensus message",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
		),
		ViewChanges: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "view_changes_total",
			Help:      "Views abandoned through a change view quorum",
		}),
		CommittedBlocks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "committed_blocks_total",
			Help:      "Heights finalized by a commit quorum",
		}),
		Height: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "height",
			Help:      "Current consensus height",
		}),
		View: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "view",
			Help:      "Current consensus view",
		}),
		DroppedDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "retransmissions_dropped_total",
			Help:      "Messages dropped by the seen-message cache",
		}),
		Evidence: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "equivocation_evidence_total",
			Help:      "Conflicting messages recorded as evidence",
		}),
	}
	if reg != nil {
		reg.MustRegister(
			m.Messages,
			m.ProcessDuration,
			m.ViewChanges,
			m.CommittedBlocks,
			m.Height,
			m.View,
			m.DroppedDuplicate,
			m.Evidence,
		)
	}
	return m
}

// observeMessage records the outcome of one ProcessMessage call
func (m *Metrics) observeMessage(kind types.MessageKind, err error, took time.Duration) {
	m.Messages.WithLabelValues(kind.String(), resultLabel(err)).Inc()
	m.ProcessDuration.Observe(took.Seconds())
}

func (m *Metrics) setPosition(height uint64, view types.ViewNumber) {
	m.Height.Set(float64(height))
	m.View.Set(float64(view))
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, ErrInvalidSignature):
		return "invalid_signature"
	case errors.Is(err, ErrUnknownValidator):
		return "unknown_validator"
	case errors.Is(err, ErrInvalidHeight):
		return "invalid_height"
	case errors.Is(err, ErrInvalidView), errors.Is(err, ErrStaleMessage):
		return "wrong_view"
	case errors.Is(err, ErrInvalidPrimary):
		return "invalid_primary"
	case errors.Is(err, ErrMissingProposal):
		return "missing_proposal"
	case errors.Is(err, ErrProposalMismatch):
		return "proposal_mismatch"
	case errors.Is(err, ErrDuplicateMessage):
		return "duplicate"
	case errors.Is(err, ErrHeightCommitted):
		return "committed"
	default:
		return "invalid"
	}
}
