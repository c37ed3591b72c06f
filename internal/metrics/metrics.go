// Package metrics exports device manager counters to Prometheus.
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mash-protocol/devmgr-go/pkg/devmgr"
)

const namespace = "devmgr"

// Operation results.
const (
	ResultSuccess   = "success"
	ResultCancelled = "cancelled"
	ResultTimeout   = "timeout"
	ResultStatus    = "status"
	ResultError     = "error"
)

// Collector implements devmgr.Metrics with Prometheus collectors.
type Collector struct {
	opsStarted   *prometheus.CounterVec
	opsFinished  *prometheus.CounterVec
	opsActive    prometheus.Gauge
	transitions  *prometheus.CounterVec
	connState    *prometheus.GaugeVec
	sessions     *prometheus.CounterVec
	sessionFails *prometheus.CounterVec
	fallbacks    prometheus.Counter
}

var _ devmgr.Metrics = (*Collector)(nil)

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		opsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_started_total",
			Help:      "Operations started, by operation.",
		}, []string{"op"}),
		opsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "operations_finished_total",
			Help:      "Operations finished, by operation and result.",
		}, []string{"op", "result"}),
		opsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "operation_active",
			Help:      "1 while an operation is outstanding.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connection_state_transitions_total",
			Help:      "Connection state transitions, by target state.",
		}, []string{"to"}),
		connState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state.",
		}, []string{"state"}),
		sessions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_established_total",
			Help:      "Secure sessions established, by auth mode.",
		}, []string{"mode"}),
		sessionFails: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_failures_total",
			Help:      "Secure session failures, by auth mode and whether the peer was busy.",
		}, []string{"mode", "busy"}),
		fallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_fallbacks_total",
			Help:      "Remote passive rendezvous fallbacks to the assisting device.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.opsStarted, c.opsFinished, c.opsActive, c.transitions,
		c.connState, c.sessions, c.sessionFails, c.fallbacks,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	c.connState.WithLabelValues(devmgr.ConnNotConnected.String()).Set(1)
	return c, nil
}

func (c *Collector) OperationStarted(op devmgr.OpState) {
	c.opsStarted.WithLabelValues(op.String()).Inc()
	c.opsActive.Set(1)
}

func (c *Collector) OperationFinished(op devmgr.OpState, err error) {
	c.opsFinished.WithLabelValues(op.String(), Result(err)).Inc()
	c.opsActive.Set(0)
}

func (c *Collector) ConnectionStateChanged(from, to devmgr.ConnectionState) {
	c.transitions.WithLabelValues(to.String()).Inc()
	c.connState.WithLabelValues(from.String()).Set(0)
	c.connState.WithLabelValues(to.String()).Set(1)
}

func (c *Collector) SessionEstablished(mode devmgr.AuthMode) {
	c.sessions.WithLabelValues(mode.String()).Inc()
}

func (c *Collector) SessionFailed(mode devmgr.AuthMode, busy bool) {
	b := "false"
	if busy {
		b = "true"
	}
	c.sessionFails.WithLabelValues(mode.String(), b).Inc()
}

func (c *Collector) RendezvousFallback() {
	c.fallbacks.Inc()
}

// Result classifies an operation outcome for the result label.
func Result(err error) string {
	switch {
	case err == nil:
		return ResultSuccess
	case errors.Is(err, devmgr.ErrCancelled):
		return ResultCancelled
	case errors.Is(err, devmgr.ErrPeerStatus):
		return ResultStatus
	case errors.Is(err, devmgr.ErrResponseTimeout),
		errors.Is(err, devmgr.ErrDeviceLocateTimeout),
		errors.Is(err, devmgr.ErrDeviceConnectTimeout),
		errors.Is(err, devmgr.ErrDeviceAuthTimeout),
		errors.Is(err, devmgr.ErrConnectionMonitorTimeout),
		errors.Is(err, devmgr.ErrRemotePassiveRendezvousTimeout):
		return ResultTimeout
	}
	return ResultError
}
