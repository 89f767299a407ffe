// Package metrics exports link measurements to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/omochice/peerlink/internal/link"
)

var states = []string{
	link.StateIdle.String(),
	link.StateListening.String(),
	link.StateConnecting.String(),
	link.StateConnected.String(),
}

// Collector implements link.Recorder on a private registry.
type Collector struct {
	registry *prometheus.Registry

	linkState         *prometheus.GaugeVec
	eventsTotal       *prometheus.CounterVec
	bytesTotal        *prometheus.CounterVec
	heartbeatsSent    prometheus.Counter
	reconnectAttempts prometheus.Counter
}

var _ link.Recorder = (*Collector)(nil)

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	c := &Collector{
		registry: reg,

		linkState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "peerlink_link_state",
			Help: "1 for the current link state, 0 for the others",
		}, []string{"state"}),

		eventsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_events_total",
			Help: "Link events emitted, by kind",
		}, []string{"kind"}),

		bytesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "peerlink_bytes_total",
			Help: "Bytes carried by the link, by direction",
		}, []string{"direction"}),

		heartbeatsSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_heartbeats_sent_total",
			Help: "Heartbeats written to the peer",
		}),

		reconnectAttempts: factory.NewCounter(prometheus.CounterOpts{
			Name: "peerlink_reconnect_attempts_total",
			Help: "Automatic reconnection attempts scheduled",
		}),
	}
	c.StateChanged(link.StateIdle.String())
	return c
}

func (c *Collector) StateChanged(state string) {
	for _, s := range states {
		v := 0.0
		if s == state {
			v = 1
		}
		c.linkState.WithLabelValues(s).Set(v)
	}
}

func (c *Collector) EventEmitted(kind string) {
	c.eventsTotal.WithLabelValues(kind).Inc()
}

func (c *Collector) BytesReceived(n int) {
	c.bytesTotal.WithLabelValues("in").Add(float64(n))
}

func (c *Collector) BytesSent(n int) {
	c.bytesTotal.WithLabelValues("out").Add(float64(n))
}

func (c *Collector) HeartbeatSent() {
	c.heartbeatsSent.Inc()
}

func (c *Collector) ReconnectScheduled() {
	c.reconnectAttempts.Inc()
}

// Handler serves the registry in the Prometheus text format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// Serve exposes /metrics on addr until ctx is done.
func (c *Collector) Serve(ctx context.Context, addr string, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", c.Handler())
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
	}()

	logger.Info("serving metrics", zap.String("address", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
