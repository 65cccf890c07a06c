// Package metrics exposes Prometheus collectors for the rewards
// pipeline jobs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "xessex_rewards_build_info",
			Help: "Build information of the rewards pipeline",
		},
		[]string{"version", "commit", "date"},
	)

	DistributionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xessex_rewards_distributions_total",
			Help: "Total number of distribution runs",
		},
		[]string{"outcome"},
	)

	DistributionDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "xessex_rewards_distribution_duration_seconds",
			Help:    "Duration of distribution runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12), // 0.1s to ~410s
		},
	)

	RewardEventsWritten = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "xessex_rewards_reward_events_written_total",
			Help: "Total number of reward events inserted",
		},
	)

	EpochBuildsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xessex_rewards_epoch_builds_total",
			Help: "Total number of claim epoch builds",
		},
		[]string{"outcome"},
	)

	ClaimConfirmationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xessex_rewards_claim_confirmations_total",
			Help: "Total number of claim confirmations",
		},
		[]string{"outcome"},
	)

	ChainRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "xessex_rewards_chain_requests_total",
			Help: "Total number of Solana RPC requests",
		},
		[]string{"method", "status"},
	)
)
