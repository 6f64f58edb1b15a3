// Package obs exposes Prometheus metrics for the relay. Collectors are
// registered once at package init via promauto; session code only touches
// atomic counter operations, never the metrics listener.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "rdprelay_active_sessions",
		Help: "Sessions currently being relayed",
	})

	SessionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdprelay_sessions_total",
		Help: "Sessions accepted since start",
	})

	ForwardedPDUs = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdprelay_forwarded_pdus_total",
		Help: "PDUs forwarded by direction",
	}, []string{"direction"})

	ForwardedBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdprelay_forwarded_bytes_total",
		Help: "Payload bytes forwarded by direction",
	}, []string{"direction"})

	ErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "rdprelay_errors_total",
		Help: "Errors by kind",
	}, []string{"kind"})

	RecordingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdprelay_recording_bytes_total",
		Help: "Bytes appended to session recordings",
	})

	HookTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdprelay_hook_timeouts_total",
		Help: "Interception hooks that exceeded their processing budget",
	})

	CredentialsCaptured = promauto.NewCounter(prometheus.CounterOpts{
		Name: "rdprelay_credentials_captured_total",
		Help: "Client info PDUs with captured credentials",
	})

	SessionDurationSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "rdprelay_session_duration_seconds",
		Help:    "Session lifetime seconds",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
	})
)
