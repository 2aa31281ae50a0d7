// Package metrics provides Prometheus metrics for fuckshadows.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	namespace = "fuckshadows"
)

// Metrics contains all Prometheus metrics for the proxy.
type Metrics struct {
	// TCP relay metrics
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	ConnectDuration   prometheus.Histogram
	BytesSent         *prometheus.CounterVec
	BytesReceived     *prometheus.CounterVec

	// UDP relay metrics
	UDPAssociationsActive prometheus.Gauge
	UDPAssociationsTotal  prometheus.Counter
	UDPPacketsSent        prometheus.Counter
	UDPPacketsReceived    prometheus.Counter

	// Codec failure metrics
	AuthFailures prometheus.Counter
	ReplayDrops  prometheus.Counter
	ShortPackets prometheus.Counter
	RelayErrors  *prometheus.CounterVec
	FilterStages prometheus.Gauge
}

var (
	defaultMetrics *Metrics
	metricsOnce    sync.Once
)

// Default returns the default metrics instance.
func Default() *Metrics {
	metricsOnce.Do(func() {
		defaultMetrics = NewMetrics()
	})
	return defaultMetrics
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics() *Metrics {
	return NewMetricsWithRegistry(prometheus.DefaultRegisterer)
}

// NewMetricsWithRegistry creates a new Metrics instance registered to the
// given registry. Tests use this to avoid duplicate registration.
func NewMetricsWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Number of currently relayed TCP connections.",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Total number of accepted TCP connections.",
		}),
		ConnectDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "connect_duration_seconds",
			Help:      "Time to establish the outbound leg of a relayed connection.",
			Buckets:   prometheus.DefBuckets,
		}),
		BytesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_sent_total",
			Help:      "Bytes written toward the remote, by transport.",
		}, []string{"transport"}),
		BytesReceived: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bytes_received_total",
			Help:      "Bytes read from the remote, by transport.",
		}, []string{"transport"}),

		UDPAssociationsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "udp_associations_active",
			Help:      "Number of live UDP NAT associations.",
		}),
		UDPAssociationsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_associations_total",
			Help:      "Total number of UDP NAT associations created.",
		}),
		UDPPacketsSent: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_sent_total",
			Help:      "Datagrams forwarded to their destination.",
		}),
		UDPPacketsReceived: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "udp_packets_received_total",
			Help:      "Datagrams received from clients.",
		}),

		AuthFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Streams and datagrams dropped on tag verification failure.",
		}),
		ReplayDrops: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replay_drops_total",
			Help:      "Streams and datagrams dropped for a repeated salt.",
		}),
		ShortPackets: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "short_packets_total",
			Help:      "Datagrams below the minimum envelope size.",
		}),
		RelayErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_errors_total",
			Help:      "Relay failures by kind.",
		}, []string{"kind"}),
		FilterStages: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replay_filter_stages",
			Help:      "Number of stacked replay filter stages.",
		}),
	}
}

// Serve exposes the default registry on addr until the server fails.
// It blocks, so callers run it on its own goroutine.
func Serve(addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return srv.ListenAndServe()
}
