// SPDX-FileCopyrightText: 2025 SAP SE or an SAP affiliate company and prysm contributors
//
// SPDX-License-Identifier: Apache-2.0

package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/cobaltcore-dev/dieh/pkg/config"
	"github.com/cobaltcore-dev/dieh/pkg/service"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var (
	runConfigFile       string
	runNatsURL          string
	runNodeName         string
	runSubjectPrefix    string
	runEmbeddedNats     bool
	runEmbeddedNatsPort int
	runStoreDir         string
	runTableSource      string
	runWatchTable       bool
	runServiceTimeMs    int
	runCoalesceMs       int
	runSettleMs         int
	runSweepMs          int
	runWorkers          int
	runPromEnabled      bool
	runPromPort         int
	runProbe            bool
	runProbeRemote      bool
	runProbeTimeoutMs   int
	runResultTimeoutMs  int
	runDiscoverDrives   bool
	runPolicies         map[string]string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the reliability engine",
	Long:  "Consumes drive error, I/O and probe events from NATS, tracks error ratios and publishes action requests.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := buildRunConfig()
		if err != nil {
			return err
		}

		cfg = mergeRunConfigWithEnv(cfg)

		event := log.Info()
		event.Bool("embedded_nats", cfg.EmbeddedNATS.Enabled)
		if !cfg.EmbeddedNATS.Enabled {
			event.Str("nats_url", cfg.Global.NatsURL)
		}
		event.Bool("prometheus_enabled", cfg.Prometheus.Enabled)
		if cfg.Prometheus.Enabled {
			event.Int("prometheus_port", cfg.Prometheus.Port)
		}
		event.Str("node_name", cfg.Global.NodeName).
			Str("subject_prefix", cfg.Global.SubjectPrefix).
			Str("table", cfg.Table.Source).
			Bool("watch_table", cfg.Table.Watch).
			Int("workers", cfg.Engine.Workers).
			Bool("probe", cfg.Probe.Enabled).
			Bool("discover_drives", cfg.DiscoverDrives)
		event.Msg("configuration_loaded")

		if err := cfg.Validate(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		svc, err := service.Start(ctx, cfg)
		if err != nil {
			return err
		}
		<-ctx.Done()
		log.Info().Msg("shutting down")
		svc.Close()
		return nil
	},
}

// buildRunConfig reads the config file when one is given, otherwise the
// flags.
func buildRunConfig() (*config.Config, error) {
	if runConfigFile != "" {
		return config.LoadConfig(runConfigFile)
	}

	cfg := config.Default()
	cfg.Global.NatsURL = runNatsURL
	cfg.Global.NodeName = runNodeName
	cfg.Global.SubjectPrefix = runSubjectPrefix
	cfg.EmbeddedNATS.Enabled = runEmbeddedNats
	cfg.EmbeddedNATS.Port = runEmbeddedNatsPort
	cfg.EmbeddedNATS.StoreDir = runStoreDir
	cfg.Table.Source = runTableSource
	cfg.Table.Watch = runWatchTable
	cfg.Engine.ServiceTimeLimitMs = runServiceTimeMs
	cfg.Engine.CoalesceWindowMs = runCoalesceMs
	cfg.Engine.ActionSettleTimeMs = runSettleMs
	cfg.Engine.SweepIntervalMs = runSweepMs
	cfg.Engine.Workers = runWorkers
	cfg.Prometheus.Enabled = runPromEnabled
	cfg.Prometheus.Port = runPromPort
	cfg.Probe.Enabled = runProbe
	cfg.Probe.Remote = runProbeRemote
	cfg.Probe.TimeoutMs = runProbeTimeoutMs
	cfg.Probe.ResultTimeoutMs = runResultTimeoutMs
	cfg.DiscoverDrives = runDiscoverDrives

	policies, err := parsePolicyFlags(runPolicies)
	if err != nil {
		return nil, err
	}
	cfg.Policies = policies
	return cfg, nil
}

func parsePolicyFlags(in map[string]string) (map[string]bool, error) {
	out := make(map[string]bool, len(in))
	for name, value := range in {
		on, err := strconv.ParseBool(value)
		if err != nil {
			return nil, fmt.Errorf("policy %s: %w", name, err)
		}
		out[name] = on
	}
	return out, nil
}

func mergeRunConfigWithEnv(cfg *config.Config) *config.Config {
	cfg.Global.NatsURL = getEnv("NATS_URL", cfg.Global.NatsURL)
	cfg.Global.NodeName = getEnv("NODE_NAME", cfg.Global.NodeName)
	cfg.Global.InstanceID = getEnv("INSTANCE_ID", cfg.Global.InstanceID)
	cfg.Global.SubjectPrefix = getEnv("DIEH_SUBJECT_PREFIX", cfg.Global.SubjectPrefix)
	cfg.EmbeddedNATS.Enabled = getEnvBool("DIEH_EMBEDDED_NATS", cfg.EmbeddedNATS.Enabled)
	cfg.EmbeddedNATS.StoreDir = getEnv("DIEH_STORE_DIR", cfg.EmbeddedNATS.StoreDir)
	cfg.Table.Source = getEnv("DIEH_TABLE", cfg.Table.Source)
	cfg.Table.Watch = getEnvBool("DIEH_WATCH_TABLE", cfg.Table.Watch)
	cfg.Engine.ServiceTimeLimitMs = getEnvInt("DIEH_SERVICE_TIME_LIMIT_MS", cfg.Engine.ServiceTimeLimitMs)
	cfg.Engine.CoalesceWindowMs = getEnvInt("DIEH_COALESCE_WINDOW_MS", cfg.Engine.CoalesceWindowMs)
	cfg.Engine.ActionSettleTimeMs = getEnvInt("DIEH_ACTION_SETTLE_TIME_MS", cfg.Engine.ActionSettleTimeMs)
	cfg.Engine.Workers = getEnvInt("DIEH_WORKERS", cfg.Engine.Workers)
	cfg.Prometheus.Enabled = getEnvBool("PROMETHEUS", cfg.Prometheus.Enabled)
	cfg.Prometheus.Port = getEnvInt("PROMETHEUS_PORT", cfg.Prometheus.Port)
	cfg.Probe.Enabled = getEnvBool("DIEH_PROBE", cfg.Probe.Enabled)
	cfg.Probe.ResultTimeoutMs = getEnvInt("DIEH_RESULT_TIMEOUT_MS", cfg.Probe.ResultTimeoutMs)
	cfg.DiscoverDrives = getEnvBool("DIEH_DISCOVER_DRIVES", cfg.DiscoverDrives)

	return cfg
}

func init() {
	runCmd.Flags().StringVar(&runConfigFile, "config", "", "Path to configuration file (flags below are ignored when set)")
	runCmd.Flags().StringVar(&runNatsURL, "nats-url", "", "NATS server URL")
	runCmd.Flags().StringVar(&runNodeName, "node-name", "", "Name reported in action requests and metrics (default: hostname)")
	runCmd.Flags().StringVar(&runSubjectPrefix, "subject-prefix", "dieh", "Prefix of all NATS subjects")
	runCmd.Flags().BoolVar(&runEmbeddedNats, "embedded-nats", false, "Run an embedded NATS server with JetStream")
	runCmd.Flags().IntVar(&runEmbeddedNatsPort, "embedded-nats-port", -1, "Embedded NATS port (-1 picks a free port)")
	runCmd.Flags().StringVar(&runStoreDir, "store-dir", "", "JetStream storage directory for the embedded server")
	runCmd.Flags().StringVar(&runTableSource, "table", "default", "Configuration table: default, a file path or nats-kv://<bucket>/<key>")
	runCmd.Flags().BoolVar(&runWatchTable, "watch-table", false, "Reload the table file when it changes")
	runCmd.Flags().IntVar(&runServiceTimeMs, "service-time-limit-ms", 0, "Override the table's I/O service time limit")
	runCmd.Flags().IntVar(&runCoalesceMs, "coalesce-window-ms", 0, "Override the table's error burst window")
	runCmd.Flags().IntVar(&runSettleMs, "action-settle-time-ms", 0, "Override the table's action settle time")
	runCmd.Flags().IntVar(&runSweepMs, "sweep-interval-ms", 1000, "Interval between service time sweeps")
	runCmd.Flags().IntVar(&runWorkers, "workers", 8, "Event workers; events of one drive always use the same worker")
	runCmd.Flags().BoolVar(&runPromEnabled, "prometheus", false, "Enable Prometheus metrics")
	runCmd.Flags().IntVar(&runPromPort, "prometheus-port", 8080, "Prometheus metrics port")
	runCmd.Flags().BoolVar(&runProbe, "probe", true, "Probe drives that exceed the service time limit")
	runCmd.Flags().BoolVar(&runProbeRemote, "probe-remote", false, "Publish probe requests instead of running smartctl locally")
	runCmd.Flags().IntVar(&runProbeTimeoutMs, "probe-timeout-ms", 10000, "Timeout of a local probe")
	runCmd.Flags().IntVar(&runResultTimeoutMs, "result-timeout-ms", 0, "Count a health check as failed when no result arrives in time (default: twice the service time limit)")
	runCmd.Flags().BoolVar(&runDiscoverDrives, "discover-drives", false, "Register local drives found by smartctl at startup")
	runCmd.Flags().StringToStringVar(&runPolicies, "policy", nil, "Policy switches, e.g. --policy end_of_life=false")
}
