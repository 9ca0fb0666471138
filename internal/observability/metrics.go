package observability

import "github.com/prometheus/client_golang/prometheus"

var (
	JobsProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "botfleet_jobs_processed_total", Help: "Job outcomes by retry class"},
		[]string{"result"},
	)
	GenerationLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{Name: "botfleet_generation_latency_seconds", Help: "Latency of one full response generation"},
	)
	PartialUpdates = prometheus.NewCounter(
		prometheus.CounterOpts{Name: "botfleet_partial_updates_total", Help: "Debounced partial message edits delivered"},
	)
	ChannelCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "botfleet_channel_calls_total", Help: "Channel API call outcomes"},
		[]string{"method", "result"},
	)
	AdminAlerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{Name: "botfleet_admin_alerts_total", Help: "Admin alerts emitted after dedupe"},
		[]string{"class"},
	)
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(JobsProcessed, GenerationLatency, PartialUpdates, ChannelCalls, AdminAlerts)
}
