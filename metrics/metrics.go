// Package metrics defines the Prometheus instrumentation shared across
// the service. Collectors register themselves via promauto at init.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ExecutionsStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_executions_started_total",
		Help: "Playbook executions started, by playbook.",
	}, []string{"playbook_id"})

	ExecutionsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_executions_finished_total",
		Help: "Playbook executions reaching a terminal state, by outcome.",
	}, []string{"status"})

	StepOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_step_outcomes_total",
		Help: "Step results recorded, by action type and outcome.",
	}, []string{"action_type", "status"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "bastion_step_duration_seconds",
		Help:    "Wall time of dispatched step actions.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"action_type"})

	MatcherDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_matcher_decisions_total",
		Help: "Matcher outcomes, matched or unmatched.",
	}, []string{"result"})

	EscalationsNotified = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bastion_escalations_notified_total",
		Help: "Escalation path notifications attempted.",
	})

	NotificationSends = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_notification_sends_total",
		Help: "Notification deliveries, by channel and result.",
	}, []string{"channel", "result"})

	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_events_published_total",
		Help: "Execution events published to the stream, by result.",
	}, []string{"result"})

	CatalogCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_catalog_cache_total",
		Help: "Playbook catalog cache lookups, hit or miss.",
	}, []string{"result"})

	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "bastion_http_requests_total",
		Help: "HTTP requests served, by route and status class.",
	}, []string{"route", "status"})
)
