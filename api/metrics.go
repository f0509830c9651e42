package api

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertBulkDownload      AlertType = "bulk_download"
	AlertAccessDeniedSpike AlertType = "access_denied_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	UserID    int64     `json:"user_id,omitempty"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

const (
	defaultDownloadThreshold = 20
	defaultDownloadWindow    = 5 * time.Minute
	defaultDeniedThreshold   = 50
	defaultDeniedWindow      = time.Minute
)

// metricsCollector tracks sliding window counters for anomaly detection.
type metricsCollector struct {
	mu sync.Mutex

	// Bundle and password retrievals, per user.
	downloads         map[int64][]time.Time
	downloadWindow    time.Duration
	downloadThreshold int

	// Forbidden responses across all users.
	denied          []time.Time
	deniedWindow    time.Duration
	deniedThreshold int

	now     func() time.Time
	alertFn AlertFunc
}

func newMetricsCollector(threshold int, window time.Duration, alertFn AlertFunc) *metricsCollector {
	return &metricsCollector{
		downloads:         make(map[int64][]time.Time),
		downloadWindow:    window,
		downloadThreshold: threshold,
		deniedWindow:      defaultDeniedWindow,
		deniedThreshold:   defaultDeniedThreshold,
		now:               time.Now,
		alertFn:           alertFn,
	}
}

// recordDownload counts a bundle or password retrieval by userID.
func (m *metricsCollector) recordDownload(userID int64) {
	if m == nil || m.alertFn == nil || m.downloadThreshold <= 0 {
		return
	}
	m.mu.Lock()
	now := m.now()
	times := trimWindow(append(m.downloads[userID], now), now, m.downloadWindow)
	var alert *AlertEvent
	if len(times) >= m.downloadThreshold {
		alert = &AlertEvent{
			Type:      AlertBulkDownload,
			UserID:    userID,
			Count:     len(times),
			Threshold: m.downloadThreshold,
			Timestamp: now,
		}
		// Reset to avoid repeated alerts within the same burst.
		times = nil
	}
	if len(times) == 0 {
		delete(m.downloads, userID)
	} else {
		m.downloads[userID] = times
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
	}
}

// recordDenied counts a forbidden response.
func (m *metricsCollector) recordDenied() {
	if m == nil || m.alertFn == nil || m.deniedThreshold <= 0 {
		return
	}
	m.mu.Lock()
	now := m.now()
	m.denied = trimWindow(append(m.denied, now), now, m.deniedWindow)
	var alert *AlertEvent
	if len(m.denied) >= m.deniedThreshold {
		alert = &AlertEvent{
			Type:      AlertAccessDeniedSpike,
			Count:     len(m.denied),
			Threshold: m.deniedThreshold,
			Timestamp: now,
		}
		m.denied = m.denied[:0]
	}
	m.mu.Unlock()

	if alert != nil {
		m.alertFn(*alert)
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

// promMetrics are the counters exported on /metrics.
type promMetrics struct {
	issued    prometheus.Counter
	downloads *prometheus.CounterVec
	alerts    *prometheus.CounterVec
	responses *prometheus.CounterVec
}

func newPromMetrics(reg prometheus.Registerer) *promMetrics {
	f := promauto.With(reg)
	return &promMetrics{
		issued: f.NewCounter(prometheus.CounterOpts{
			Namespace: "mtlsvault",
			Name:      "certificates_issued_total",
			Help:      "Leaf certificates issued.",
		}),
		downloads: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtlsvault",
			Name:      "secret_retrievals_total",
			Help:      "Export bundles and passwords handed out, by kind.",
		}, []string{"kind"}),
		alerts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtlsvault",
			Name:      "alerts_total",
			Help:      "Anomaly alerts raised, by type.",
		}, []string{"type"}),
		responses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mtlsvault",
			Subsystem: "http",
			Name:      "responses_total",
			Help:      "HTTP responses, by method, route and status code.",
		}, []string{"method", "route", "code"}),
	}
}
