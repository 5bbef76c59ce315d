// Copyright 2025 The envelop-relayer Authors
// This file is part of the envelop-relayer library.
//
// The envelop-relayer library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The envelop-relayer library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the envelop-relayer library. If not, see <http://www.gnu.org/licenses/>.

// Package metrics exposes the relayer's Prometheus instruments.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPDuration observes request latency per route.
	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "relayer",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route, method and status code.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})

	// Submissions counts relay submissions by mode and terminal status.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "relay",
		Name:      "submissions_total",
		Help:      "Relay submissions by mode and status.",
	}, []string{"mode", "status"})

	// SettleOutcomes counts settlement intents by feature and outcome.
	SettleOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "settle",
		Name:      "outcomes_total",
		Help:      "Settlement intents by feature and terminal outcome.",
	}, []string{"feature", "outcome"})

	// BatchesSealed counts sealed payout batches by chain and seal reason.
	BatchesSealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "batch",
		Name:      "sealed_total",
		Help:      "Sealed payout batches by chain and reason.",
	}, []string{"chain", "reason"})

	// Payouts counts dispatched batch items by chain and result.
	Payouts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "relayer",
		Subsystem: "wallet",
		Name:      "payouts_total",
		Help:      "Dispatched payout items by chain and result.",
	}, []string{"chain", "result"})

	// PoolStable reports the per-chain stability gauge: 1 when the queue
	// depth sits below the pool's observed service capacity.
	PoolStable = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "relayer",
		Subsystem: "wallet",
		Name:      "pool_stable",
		Help:      "1 when queue depth < wallets x observed per-wallet rate.",
	}, []string{"chain"})
)

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
