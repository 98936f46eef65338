// Package metrics exposes the control plane's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// LaunchesTotal counts launch attempts by ide and outcome
	// (running, pending-timeout, failed, cancelled, conflict).
	LaunchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterdesk",
		Name:      "launches_total",
		Help:      "Session launch attempts by IDE and outcome.",
	}, []string{"ide", "outcome"})

	// PollTicksTotal counts adaptive poller ticks.
	PollTicksTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clusterdesk",
		Name:      "poll_ticks_total",
		Help:      "Adaptive poller reconciliation ticks.",
	})

	// PollErrorsTotal counts failed per-(user,cluster) queue reads.
	PollErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterdesk",
		Name:      "poll_errors_total",
		Help:      "Failed scheduler queue reads during polling.",
	}, []string{"cluster"})

	// QueueParseWarnings counts malformed scheduler queue rows dropped.
	QueueParseWarnings = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clusterdesk",
		Name:      "queue_parse_warnings_total",
		Help:      "Malformed scheduler queue rows dropped by the parser.",
	})

	// ProxyUpstreamErrors counts 502s served for proxied IDE requests.
	ProxyUpstreamErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "clusterdesk",
		Name:      "proxy_upstream_errors_total",
		Help:      "Upstream failures surfaced as 502 by the proxy plane.",
	}, []string{"ide"})

	// ReapedSessions counts idle-reaped sessions.
	ReapedSessions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "clusterdesk",
		Name:      "reaped_sessions_total",
		Help:      "Sessions cancelled by the idle reaper.",
	})

	// ActiveTunnels gauges currently open forward tunnels.
	ActiveTunnels = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "clusterdesk",
		Name:      "active_tunnels",
		Help:      "Currently open forward tunnels.",
	})
)
