// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Exporter publishes one device's Counters and derived score as Prometheus
// gauges. Each Exporter owns its own Gauge values, registered with the
// caller-supplied Registerer, and sets them on demand rather than scraping
// through a custom Collector; serving them over HTTP is left to the caller.
type Exporter struct {
	reads            prometheus.Gauge
	writes           prometheus.Gauge
	remapsInstalled  prometheus.Gauge
	allocations      prometheus.Gauge
	readErrors       prometheus.Gauge
	writeErrors      prometheus.Gauge
	autoRemaps       prometheus.Gauge
	spareErrors      prometheus.Gauge
	score            prometheus.Gauge
}

// NewExporter builds and registers gauges labeled with device. Registration
// errors (duplicate device name) are ignored the same way the producers'
// init() blocks assume a single process-wide registry.
func NewExporter(registry prometheus.Registerer, device string) *Exporter {
	labels := prometheus.Labels{"device": device}
	e := &Exporter{
		reads: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_total_reads",
			Help:        "Total user reads observed by the hot path router",
			ConstLabels: labels,
		}),
		writes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_total_writes",
			Help:        "Total user writes observed by the hot path router",
			ConstLabels: labels,
		}),
		remapsInstalled: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_remaps_installed",
			Help:        "Total remap table entries installed, manual and automatic",
			ConstLabels: labels,
		}),
		allocations: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_allocations",
			Help:        "Total spare sectors allocated",
			ConstLabels: labels,
		}),
		readErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_read_errors",
			Help:        "Total read errors from the main device",
			ConstLabels: labels,
		}),
		writeErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_write_errors",
			Help:        "Total write errors from the main device",
			ConstLabels: labels,
		}),
		autoRemaps: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_auto_remaps",
			Help:        "Total remaps installed by the error path",
			ConstLabels: labels,
		}),
		spareErrors: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_spare_errors",
			Help:        "Total I/O errors observed against already-remapped spare sectors",
			ConstLabels: labels,
		}),
		score: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "dmremap_health_score",
			Help:        "Derived 0-100 health score",
			ConstLabels: labels,
		}),
	}
	for _, c := range []prometheus.Collector{
		e.reads, e.writes, e.remapsInstalled, e.allocations,
		e.readErrors, e.writeErrors, e.autoRemaps, e.spareErrors, e.score,
	} {
		_ = registry.Register(c)
	}
	return e
}

// Update sets every gauge from a fresh snapshot and score.
func (e *Exporter) Update(s Snapshot, score int) {
	e.reads.Set(float64(s.TotalReads))
	e.writes.Set(float64(s.TotalWrites))
	e.remapsInstalled.Set(float64(s.TotalRemapsInstalled))
	e.allocations.Set(float64(s.TotalAllocations))
	e.readErrors.Set(float64(s.TotalReadErrors))
	e.writeErrors.Set(float64(s.TotalWriteErrors))
	e.autoRemaps.Set(float64(s.TotalAutoRemaps))
	e.spareErrors.Set(float64(s.TotalSpareErrors))
	e.score.Set(float64(score))
}
