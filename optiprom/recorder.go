// Copyright 2025 Toly Pochkin
// SPDX-License-Identifier: Apache-2.0

// Package optiprom exports sync engine activity to Prometheus: a
// MetricsRecorder counting settled operation attempts and a collector that
// reads Engine.Status on scrape.
package optiprom

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/erolledph/go-optisync/optisync"
)

const namespace = "optisync"

// Recorder implements optisync.MetricsRecorder on Prometheus collectors.
// Wire it in through Config.Metrics.
type Recorder struct {
	operationsTotal  *prometheus.CounterVec
	operationSeconds *prometheus.HistogramVec
}

// NewRecorder builds a recorder and registers its collectors with reg.
func NewRecorder(reg prometheus.Registerer) *Recorder {
	factory := promauto.With(reg)
	return &Recorder{
		operationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "operations_total",
				Help:      "Total number of settled operation attempts by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		operationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "operation_duration_seconds",
				Help:      "Duration of operation attempts in seconds",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"type"},
		),
	}
}

// RecordOperation implements optisync.MetricsRecorder.
func (r *Recorder) RecordOperation(_ context.Context, sample optisync.OperationSample) {
	opType := string(sample.Type)
	if opType == "" {
		opType = "unknown"
	}
	r.operationsTotal.WithLabelValues(opType, sample.Outcome).Inc()
	r.operationSeconds.WithLabelValues(opType).Observe(sample.Elapsed.Seconds())
}

// StatusCollector exposes the engine's status snapshot as gauges computed on
// scrape. The instance label keeps several engines apart in one registry.
type StatusCollector struct {
	engine *optisync.Engine

	online            *prometheus.Desc
	pendingRetries    *prometheus.Desc
	offlineQueued     *prometheus.Desc
	optimisticRecords *prometheus.Desc
	activeLocks       *prometheus.Desc
	openConflicts     *prometheus.Desc
}

// NewStatusCollector builds a collector for one engine. Register it with a
// prometheus.Registerer.
func NewStatusCollector(engine *optisync.Engine) *StatusCollector {
	labels := prometheus.Labels{"instance": engine.InstanceID()}
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, labels)
	}
	return &StatusCollector{
		engine:            engine,
		online:            desc("online", "Whether the engine currently counts as online (1) or offline (0)"),
		pendingRetries:    desc("pending_retries", "Operations waiting in the retry queue"),
		offlineQueued:     desc("offline_queued", "Operations parked in the offline queue"),
		optimisticRecords: desc("optimistic_records", "Optimistic records not yet settled"),
		activeLocks:       desc("active_locks", "Currently held edit locks"),
		openConflicts:     desc("open_conflicts", "Detected conflicts awaiting resolution"),
	}
}

func (c *StatusCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.online
	ch <- c.pendingRetries
	ch <- c.offlineQueued
	ch <- c.optimisticRecords
	ch <- c.activeLocks
	ch <- c.openConflicts
}

func (c *StatusCollector) Collect(ch chan<- prometheus.Metric) {
	st := c.engine.Status()
	online := 0.0
	if st.Online {
		online = 1.0
	}
	ch <- prometheus.MustNewConstMetric(c.online, prometheus.GaugeValue, online)
	ch <- prometheus.MustNewConstMetric(c.pendingRetries, prometheus.GaugeValue, float64(st.PendingRetries))
	ch <- prometheus.MustNewConstMetric(c.offlineQueued, prometheus.GaugeValue, float64(st.OfflineQueued))
	ch <- prometheus.MustNewConstMetric(c.optimisticRecords, prometheus.GaugeValue, float64(st.OptimisticCount))
	ch <- prometheus.MustNewConstMetric(c.activeLocks, prometheus.GaugeValue, float64(st.ActiveLocks))
	ch <- prometheus.MustNewConstMetric(c.openConflicts, prometheus.GaugeValue, float64(st.OpenConflicts))
}
