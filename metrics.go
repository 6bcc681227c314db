// Copyright (C) The Cellkit Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package cellkit

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const metricsNamespace = "cellkit"

// stageMetrics records the shape of the dataset after each pipeline
// stage and how long the stage took.
type stageMetrics struct {
	reg      *prometheus.Registry
	cells    *prometheus.GaugeVec
	features *prometheus.GaugeVec
	duration *prometheus.GaugeVec
	clusters prometheus.Gauge
	markers  *prometheus.GaugeVec
}

func newStageMetrics() *stageMetrics {
	m := &stageMetrics{
		reg: prometheus.NewRegistry(),
		cells: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stage",
			Name:      "cells",
			Help:      "Number of cells in the dataset after the stage",
		}, []string{"stage"}),
		features: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stage",
			Name:      "features",
			Help:      "Number of features in the dataset after the stage",
		}, []string{"stage"}),
		duration: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "stage",
			Name:      "duration_seconds",
			Help:      "Wall clock time spent in the stage",
		}, []string{"stage"}),
		clusters: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "clusters",
			Help:      "Number of clusters found",
		}),
		markers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "markers",
			Help:      "Number of marker features reported per cluster",
		}, []string{"cluster"}),
	}
	m.reg.MustRegister(m.cells, m.features, m.duration, m.clusters, m.markers)
	return m
}

// stage runs fn, logs and records the resulting dataset shape, and
// returns fn's result.
func (m *stageMetrics) stage(name string, fn func() (*Dataset, error)) (*Dataset, error) {
	t0 := time.Now()
	ds, err := fn()
	if err != nil {
		return nil, err
	}
	elapsed := time.Since(t0)
	log.WithFields(log.Fields{
		"stage":    name,
		"cells":    ds.NCells(),
		"features": ds.NFeatures(),
		"elapsed":  elapsed.Round(time.Millisecond),
	}).Info("stage done")
	m.cells.WithLabelValues(name).Set(float64(ds.NCells()))
	m.features.WithLabelValues(name).Set(float64(ds.NFeatures()))
	m.duration.WithLabelValues(name).Set(elapsed.Seconds())
	return ds, nil
}

func (m *stageMetrics) observeMarkers(ds *Dataset, markers []Marker) {
	m.clusters.Set(float64(len(ds.ClusterIDs())))
	for _, id := range ds.ClusterIDs() {
		m.markers.WithLabelValues(strconv.Itoa(id)).Set(0)
	}
	for _, mk := range markers {
		m.markers.WithLabelValues(strconv.Itoa(mk.Cluster)).Inc()
	}
}

// WriteTextfile writes the metrics in the Prometheus text format,
// e.g., for the node exporter's textfile collector.
func (m *stageMetrics) WriteTextfile(path string) error {
	err := prometheus.WriteToTextfile(path, m.reg)
	if err != nil {
		return &IOError{Path: path, Err: err}
	}
	return nil
}
