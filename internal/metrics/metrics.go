package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcome labels.
const (
	OutcomeDelivered = "delivered"
	OutcomeGone      = "gone"
	OutcomeFailed    = "failed"
)

var (
	Broadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushflow_broadcasts_total",
			Help: "Broadcast requests by result",
		},
		[]string{"result"},
	)

	Deliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushflow_deliveries_total",
			Help: "Per-recipient delivery attempts by outcome",
		},
		[]string{"outcome"},
	)

	Pruned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "pushflow_subscriptions_pruned_total",
			Help: "Expired subscriptions removed after a delivery reported them gone",
		},
	)

	BroadcastDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pushflow_broadcast_duration_seconds",
			Help:    "Time from validation to report for one broadcast",
			Buckets: prometheus.DefBuckets,
		},
	)

	Devices = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "pushflow_devices",
			Help: "Registered devices, counted at scrape time",
		},
		func() float64 {
			if f := deviceCount.Load(); f != nil {
				return (*f)()
			}
			return 0
		},
	)

	HTTPRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushflow_http_requests_total",
			Help: "HTTP requests by method and status class",
		},
		[]string{"method", "class"},
	)

	Backups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pushflow_backups_total",
			Help: "Backup runs by result",
		},
		[]string{"result"},
	)
)

var (
	initOnce    sync.Once
	deviceCount atomic.Pointer[func() float64]
)

// SetDeviceCounter sets the function the devices gauge reads on each scrape.
func SetDeviceCounter(f func() float64) {
	deviceCount.Store(&f)
}

// Init registers metrics with Prometheus. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		prometheus.MustRegister(Broadcasts)
		prometheus.MustRegister(Deliveries)
		prometheus.MustRegister(Pruned)
		prometheus.MustRegister(BroadcastDuration)
		prometheus.MustRegister(Devices)
		prometheus.MustRegister(HTTPRequests)
		prometheus.MustRegister(Backups)
	})
}

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// StatusClass maps an HTTP status code to "2xx", "4xx" and so on.
func StatusClass(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
