// Package metrics exposes Prometheus counters for the autoresponder.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Inbound metrics
var (
	MessagesReceived = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_messages_received_total",
			Help: "Total number of inbound messages handed to the responder",
		},
		[]string{"source"},
	)

	MessagesSuppressed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_messages_suppressed_total",
			Help: "Inbound messages not answered because they looked automated or bulk",
		},
		[]string{"reason"},
	)
)

// Reply metrics
var (
	RepliesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_replies_total",
			Help: "Replies composed for matched recipients, by outcome",
		},
		[]string{"result"},
	)

	ReplyFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_reply_failures_total",
			Help: "Replies not sent, by reason (template, send)",
		},
		[]string{"reason"},
	)

	RecipientsUnmatched = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoreply_recipients_unmatched_total",
			Help: "Recipients that matched no rule",
		},
	)

	RuleLoadFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "autoreply_rule_load_failures_total",
			Help: "Invocations aborted because the rule document could not be loaded",
		},
	)

	ProviderSends = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "autoreply_provider_sends_total",
			Help: "Delivery attempts per provider, by outcome",
		},
		[]string{"provider", "result"},
	)
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}
