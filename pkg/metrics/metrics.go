/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package metrics exposes prometheus collectors for the engine and the relay.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/carverauto/agentradar/pkg/models"
)

const namespace = "agentradar"

// Metrics holds every collector on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	Cycles          prometheus.Counter
	CycleDuration   prometheus.Histogram
	Agents          *prometheus.GaugeVec
	Tokens          *prometheus.GaugeVec
	EstimatedCost   prometheus.Gauge
	ProviderUp      *prometheus.GaugeVec
	ProviderRecords *prometheus.GaugeVec
	ProviderLatency *prometheus.GaugeVec
	MergeConflicts  prometheus.Counter
	Peers           prometheus.Gauge
	PeerErrors      prometheus.Gauge
	RelayPushes     *prometheus.CounterVec
	RelayPushTime   prometheus.Histogram
	RelayInstances  prometheus.Gauge
	AlertEvents     *prometheus.CounterVec
	AlertDeliveries *prometheus.CounterVec
}

// New registers all collectors plus the Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		Cycles: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "cycles_total",
			Help: "Completed poll cycles.",
		}),
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "cycle_duration_seconds",
			Help:    "Wall time of a poll cycle including peer sync.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 10),
		}),
		Agents: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "agents",
			Help: "Agents in the published snapshot by status.",
		}, []string{"status"}),
		Tokens: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "tokens",
			Help: "Cumulative tokens across agents in the published snapshot.",
		}, []string{"kind"}),
		EstimatedCost: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "estimated_cost_usd",
			Help: "Estimated cost across agents in the published snapshot.",
		}),
		ProviderUp: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provider_status",
			Help: "1 for the provider's current status, 0 otherwise.",
		}, []string{"provider", "status"}),
		ProviderRecords: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provider_records",
			Help: "Raw records returned by the provider's last fetch.",
		}, []string{"provider"}),
		ProviderLatency: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "provider_fetch_seconds",
			Help: "Duration of the provider's last fetch.",
		}, []string{"provider"}),
		MergeConflicts: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "merge_conflicts_total",
			Help: "Contradictory fields resolved while merging records.",
		}),
		Peers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers",
			Help: "Live peer instances.",
		}),
		PeerErrors: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "peers_failing",
			Help: "Live peers whose last fetch failed.",
		}),
		RelayPushes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "relay_pushes_total",
			Help: "Relay push attempts by result.",
		}, []string{"result"}),
		RelayPushTime: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "relay_push_duration_seconds",
			Help:    "Duration of relay push attempts.",
			Buckets: prometheus.DefBuckets,
		}),
		RelayInstances: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "relay_instances",
			Help: "Non-expired instances held by the relay.",
		}),
		AlertEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_events_total",
			Help: "Alert events by type and whether they were suppressed.",
		}, []string{"type", "suppressed"}),
		AlertDeliveries: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "alert_deliveries_total",
			Help: "Alert channel deliveries by channel and result.",
		}, []string{"channel", "result"}),
	}
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveCycle records a completed cycle and the snapshot it published.
func (m *Metrics) ObserveCycle(d time.Duration, snap *models.Snapshot) {
	m.Cycles.Inc()
	m.CycleDuration.Observe(d.Seconds())

	if snap == nil {
		return
	}

	for _, s := range models.AllAgentStatuses() {
		m.Agents.WithLabelValues(string(s)).Set(float64(snap.Stats.ByStatus[s]))
	}

	m.Tokens.WithLabelValues("input").Set(float64(snap.Stats.Tokens.Input))
	m.Tokens.WithLabelValues("output").Set(float64(snap.Stats.Tokens.Output))
	m.Tokens.WithLabelValues("cache_create").Set(float64(snap.Stats.Tokens.CacheCreate))
	m.Tokens.WithLabelValues("cache_read").Set(float64(snap.Stats.Tokens.CacheRead))
	m.EstimatedCost.Set(snap.Stats.TotalEstimatedCost)

	m.ObserveProviders(snap.ProviderHealth)
	m.ObservePeers(snap.Peers)
}

var providerStatuses = []models.ProviderStatus{
	models.ProviderStatusOK,
	models.ProviderStatusDegraded,
	models.ProviderStatusDisabled,
	models.ProviderStatusError,
}

// ObserveProviders mirrors the provider health map.
func (m *Metrics) ObserveProviders(health map[string]models.ProviderHealth) {
	for name, h := range health {
		for _, s := range providerStatuses {
			v := 0.0
			if h.Status == s {
				v = 1
			}

			m.ProviderUp.WithLabelValues(name, string(s)).Set(v)
		}

		m.ProviderRecords.WithLabelValues(name).Set(float64(h.RecordCount))
		m.ProviderLatency.WithLabelValues(name).Set(float64(h.LastDurationMs) / 1000)
	}
}

// ObservePeers records how many peers are live and failing.
func (m *Metrics) ObservePeers(peers []models.PeerInstance) {
	failing := 0

	for _, p := range peers {
		if p.LastError != "" {
			failing++
		}
	}

	m.Peers.Set(float64(len(peers)))
	m.PeerErrors.Set(float64(failing))
}

// ObserveMergeConflict counts one resolved conflict.
func (m *Metrics) ObserveMergeConflict(*models.MergeConflict) {
	m.MergeConflicts.Inc()
}

// ObservePush records one relay push attempt.
func (m *Metrics) ObservePush(err error, d time.Duration) {
	m.RelayPushes.WithLabelValues(result(err)).Inc()
	m.RelayPushTime.Observe(d.Seconds())
}

// ObserveDelivery records one alert channel delivery.
func (m *Metrics) ObserveDelivery(channel string, err error) {
	m.AlertDeliveries.WithLabelValues(channel, result(err)).Inc()
}

// ObserveAlerts counts the events produced by one evaluation.
func (m *Metrics) ObserveAlerts(events []models.AlertEvent) {
	for i := range events {
		m.AlertEvents.WithLabelValues(string(events[i].Type), strconv.FormatBool(events[i].Suppressed)).Inc()
	}
}

func result(err error) string {
	if err != nil {
		return "error"
	}

	return "success"
}
