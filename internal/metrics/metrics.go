package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus metrics for Blastline
type Metrics struct {
	// Send counters
	SendsTotal       *prometheus.CounterVec
	ReplaysTotal     *prometheus.CounterVec
	ReadyEventsTotal prometheus.Counter
	PromptsTotal     *prometheus.CounterVec

	// Queue gauges
	PendingItems  prometheus.Gauge
	JobsInFlight  prometheus.Gauge
	ChannelsReady prometheus.Gauge

	// Scheduler
	TicksTotal      prometheus.Counter
	ClaimContention prometheus.Counter

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on a private
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		SendsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_sends_total",
				Help: "Total gateway send attempts by outcome",
			},
			[]string{"outcome"},
		),
		ReplaysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_replays_total",
				Help: "Total pending queue replay passes by result",
			},
			[]string{"result"},
		),
		ReadyEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blastline_ready_events_total",
				Help: "Total channel ready events received",
			},
		),
		PromptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "blastline_auth_prompts_total",
				Help: "Total authentication prompts by final state",
			},
			[]string{"state"},
		),
		PendingItems: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_pending_items",
				Help: "Number of queued units awaiting channel readiness",
			},
		),
		JobsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_jobs_in_flight",
				Help: "Number of jobs in the sending state",
			},
		),
		ChannelsReady: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "blastline_channels_ready",
				Help: "Number of channels currently authenticated",
			},
		),
		TicksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blastline_scheduler_ticks_total",
				Help: "Total scheduler tick runs",
			},
		),
		ClaimContention: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "blastline_claim_contention_total",
				Help: "Total replay claims skipped because another holder owned the lease",
			},
		),
		registry: reg,
	}

	reg.MustRegister(
		m.SendsTotal,
		m.ReplaysTotal,
		m.ReadyEventsTotal,
		m.PromptsTotal,
		m.PendingItems,
		m.JobsInFlight,
		m.ChannelsReady,
		m.TicksTotal,
		m.ClaimContention,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Registry returns the private registry for the metrics HTTP handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
