// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package dieh

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	errorRatioGauge = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dieh_drive_error_ratio",
			Help: "Current weighted error ratio (0-100) of a drive per error category",
		},
		[]string{"node", "drive", "category"},
	)

	errorsClassified = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dieh_errors_classified_total",
			Help: "Error events classified, by category",
		},
		[]string{"category"},
	)

	errorsCoalesced = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dieh_errors_coalesced_total",
			Help: "Error events folded into a burst, by category",
		},
		[]string{"category"},
	)

	errorsSuppressed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dieh_errors_suppressed_total",
			Help: "Error events ignored while an action was in flight",
		},
	)

	actionsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dieh_actions_dispatched_total",
			Help: "Action requests sent to the drive object layer, by action",
		},
		[]string{"action"},
	)

	probesIssued = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dieh_health_probes_total",
			Help: "Diagnostic probes issued for drives exceeding the service time limit",
		},
	)

	probeFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dieh_health_probe_failures_total",
			Help: "Diagnostic probes that reported a failure",
		},
	)

	drivesTracked = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dieh_drives_tracked",
			Help: "Drives with runtime state in the engine",
		},
	)

	tableGenerationGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dieh_table_generation",
			Help: "Generation of the published configuration table",
		},
	)

	tableRecordsGauge = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "dieh_table_records",
			Help: "Records in the published configuration table",
		},
	)

	tableLoads = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dieh_table_loads_total",
			Help: "Configuration load attempts, by status",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(errorRatioGauge)
	prometheus.MustRegister(errorsClassified)
	prometheus.MustRegister(errorsCoalesced)
	prometheus.MustRegister(errorsSuppressed)
	prometheus.MustRegister(actionsDispatched)
	prometheus.MustRegister(probesIssued)
	prometheus.MustRegister(probeFailures)
	prometheus.MustRegister(drivesTracked)
	prometheus.MustRegister(tableGenerationGauge)
	prometheus.MustRegister(tableRecordsGauge)
	prometheus.MustRegister(tableLoads)
}

func setRatio(node, drive string, c ErrorCategory, ratio uint32) {
	errorRatioGauge.With(prometheus.Labels{
		"node":     node,
		"drive":    drive,
		"category": c.String(),
	}).Set(float64(ratio))
}

func forgetDriveMetrics(node, drive string) {
	errorRatioGauge.DeletePartialMatch(prometheus.Labels{"node": node, "drive": drive})
}

func publishTableGeneration(t *ConfigurationTable) {
	tableGenerationGauge.Set(float64(t.Generation))
	tableRecordsGauge.Set(float64(len(t.Records)))
}

func recordLoad(status LoadStatus) {
	tableLoads.WithLabelValues(status.String()).Inc()
}

func StartPrometheusServer(port int) {
	go func() {
		http.Handle("/metrics", promhttp.Handler())
		log.Info().Msgf("starting prometheus metrics server on :%d", port)
		err := http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
		if err != nil {
			log.Fatal().Err(err).Msg("error starting prometheus metrics server")
		}
	}()
}
