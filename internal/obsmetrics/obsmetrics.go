// Package obsmetrics exposes Prometheus gauges and counters for the
// scheduler, grounded on the teacher pack's pkg/metrics: package-level
// prometheus.New*Vec variables registered once via prometheus.MustRegister,
// plus a Handler() for mounting promhttp. Recorder implements
// sched.Observer so the scheduler can drive these counters without
// importing Prometheus itself.
package obsmetrics

import (
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/agutierrez/toolshare/internal/sched"
	"github.com/agutierrez/toolshare/internal/wire"
)

var (
	WaitingCustomers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolshare_waiting_customers",
		Help: "Number of customers currently waiting for a tool.",
	})

	RestingCustomers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolshare_resting_customers",
		Help: "Number of customers currently resting.",
	})

	UsingCustomers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolshare_using_customers",
		Help: "Number of customers currently bound to a tool.",
	})

	TotalCustomers = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolshare_total_customers",
		Help: "Total number of connected customers.",
	})

	TotalShare = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "toolshare_total_share_ms",
		Help: "Sum of all customer shares, in milliseconds.",
	})

	ToolUsageMS = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "toolshare_tool_usage_ms",
		Help: "Cumulative usage of each tool, in milliseconds.",
	}, []string{"tool"})

	WaitTimeMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "toolshare_wait_time_ms",
		Help:    "Running mean of time customers spent waiting before assignment, observed once per refresh.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	ServiceTimeMS = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "toolshare_service_time_ms",
		Help:    "Running mean of time customers spent bound to a tool per session, observed once per refresh.",
		Buckets: prometheus.ExponentialBuckets(1, 2, 16),
	})

	EventsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "toolshare_events_total",
		Help: "Total scheduler events emitted, by kind.",
	}, []string{"kind"})
)

func init() {
	prometheus.MustRegister(
		WaitingCustomers,
		RestingCustomers,
		UsingCustomers,
		TotalCustomers,
		TotalShare,
		ToolUsageMS,
		WaitTimeMS,
		ServiceTimeMS,
		EventsTotal,
	)
}

// Handler returns the promhttp handler serving the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Recorder implements sched.Observer, incrementing EventsTotal on every
// scheduler event.
type Recorder struct{}

func (Recorder) OnEvent(kind wire.EventKind) {
	EventsTotal.WithLabelValues(eventLabel(kind)).Inc()
}

func eventLabel(kind wire.EventKind) string {
	switch kind {
	case wire.EventAssigned:
		return "assigned"
	case wire.EventRemoved:
		return "removed"
	case wire.EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Refresh samples a scheduler snapshot into the gauges. Call periodically
// (e.g. every time REPORT is served, or on a separate ticker) since, unlike
// the counters, these gauges aren't updated inline with every mutation.
func Refresh(s *sched.Scheduler) {
	snap := s.Snapshot()

	WaitingCustomers.Set(float64(snap.WaitingCount))
	RestingCustomers.Set(float64(snap.RestingCustomers))
	TotalCustomers.Set(float64(snap.TotalCustomers))
	using := snap.TotalCustomers - snap.WaitingCount - snap.RestingCustomers
	UsingCustomers.Set(float64(using))

	TotalShare.Set(snap.AverageShare * float64(snap.TotalCustomers))

	for _, t := range snap.Tools {
		ToolUsageMS.WithLabelValues(strconv.Itoa(t.ToolID)).Set(float64(t.TotalUsageMS))
	}

	waitStats := s.WaitStats()
	if waitStats.Count > 0 {
		WaitTimeMS.Observe(waitStats.Mean)
	}
	serviceStats := s.ServiceStats()
	if serviceStats.Count > 0 {
		ServiceTimeMS.Observe(serviceStats.Mean)
	}
}
