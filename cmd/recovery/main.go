// Copyright 2024 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/GoogleCloudPlatform/gitops-recovery/internal/config"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/cluster"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/correlate"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/depgraph"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/health"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/notify"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/orchestrate"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/pattern"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/recovery"
	"github.com/GoogleCloudPlatform/gitops-recovery/pkg/resource"
)

// The valid levels for the --log-level flag.
const (
	logLevelDebug = "debug"
	logLevelInfo  = "info"
	logLevelWarn  = "warn"
	logLevelError = "error"
)

var validLogLevels = []string{logLevelDebug, logLevelInfo, logLevelWarn, logLevelError}

func main() {
	var kubeconfigDefault string
	if home := homedir.HomeDir(); home != "" {
		kubeconfigDefault = filepath.Join(home, ".kube", "config")
	}
	var (
		kubeconfig = flag.String("kubeconfig", "",
			fmt.Sprintf("Path to a kubeconfig file. Empty uses the in-cluster config, falling back to %q.", kubeconfigDefault))
		apiserverURL = flag.String("apiserver", "",
			"URL to the Kubernetes API server.")
		logLevel = flag.String("log-level", logLevelInfo,
			fmt.Sprintf("Log level to use. Possible values: %s", strings.Join(validLogLevels, ", ")))
		configPath = flag.String("config", "/etc/recovery-config/recovery-patterns.yaml",
			"Path to the recovery patterns configuration.")
		watchNamespace = flag.String("watch-namespace", "",
			"Namespace to watch for events. Empty watches all namespaces.")
		metricsAddr = flag.String("metrics-addr", ":8080",
			"Address to emit metrics on.")
		dryRun = flag.Bool("dry-run", false,
			"Route every apply through the dry-run path and skip recovery deletions.")
		rediscoverInterval = flag.Duration("rediscover-interval", 5*time.Minute,
			"How often to re-discover resource dependencies from the cluster.")
	)
	flag.Parse()

	logger, err := setupLogger(*logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Creating logger failed: %s", err)
		os.Exit(2)
	}

	restCfg, err := buildRESTConfig(*apiserverURL, *kubeconfig, kubeconfigDefault)
	if err != nil {
		level.Error(logger).Log("msg", "building kubeconfig failed", "err", err)
		os.Exit(1)
	}

	metrics := prometheus.NewRegistry()
	metrics.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	clusterClient, err := cluster.NewClient(log.With(logger, "component", "cluster"), restCfg)
	if err != nil {
		level.Error(logger).Log("msg", "building cluster client failed", "err", err)
		os.Exit(1)
	}

	cfg := config.LoadOrDefault(logger, *configPath)
	settings := cfg.Settings

	graph := depgraph.New(log.With(logger, "component", "depgraph"), depgraph.Weights{})
	correlator := correlate.New(log.With(logger, "component", "correlate"), correlate.Config{
		CorrelationWindow: settings.CorrelationWindow(),
		HistoryRetention:  settings.HistoryRetention(),
	})
	state := recovery.NewState(log.With(logger, "component", "state"), settings.HistoryRetention())

	matcherCfg := pattern.DefaultMatcherConfig()
	matcherCfg.Threshold = settings.PatternMatchThreshold
	matcher := pattern.NewMatcher(log.With(logger, "component", "pattern"), matcherCfg,
		pattern.Compile(logger, cfg.Patterns), state)

	tracker := health.NewTracker(log.With(logger, "component", "health"))

	orch := orchestrate.New(log.With(logger, "component", "orchestrate"), clusterClient, orchestrate.Options{
		MaxConcurrent:     settings.MaxConcurrentRecoveries,
		RetryCooldown:     settings.RecoveryCooldown(),
		RollbackOnFailure: settings.RollbackOnFailure == nil || *settings.RollbackOnFailure,
		ValidationEnabled: true,
		DryRun:            *dryRun,
	}, orchestrate.NewMetrics(metrics))

	var severities []resource.Severity
	for _, s := range settings.AutoRecoverySeverities {
		severities = append(severities, resource.ParseSeverity(s))
	}

	detector := recovery.NewDetector(
		log.With(logger, "component", "detector"),
		clusterClient,
		correlator,
		matcher,
		tracker,
		state,
		orch,
		cfg.RecoveryActions,
		buildNotifier(logger, settings.Notifications),
		recovery.NewMetrics(metrics),
		recovery.Options{
			AutoRecoveryEnabled:     settings.AutoRecoveryEnabled,
			MinRecoveryConfidence:   settings.MinRecoveryConfidence,
			AutoRecoverySeverities:  severities,
			MaxConcurrentRecoveries: settings.MaxConcurrentRecoveries,
			RecoveryCooldown:        settings.RecoveryCooldown(),
			CheckInterval:           settings.CheckInterval(),
			WatchNamespace:          *watchNamespace,
		},
	).WithPlanner(recovery.NewPlanner(log.With(logger, "component", "planner"), graph, depgraph.Weights{}))

	scanner := health.NewScanner(log.With(logger, "component", "scanner"), clusterClient, nil,
		settings.CheckInterval(), settings.StuckThreshold(), detector.EventSink())

	var g run.Group
	// Termination handler.
	{
		term := make(chan os.Signal, 1)
		cancel := make(chan struct{})
		signal.Notify(term, os.Interrupt, syscall.SIGTERM)

		g.Add(
			func() error {
				select {
				case <-term:
					level.Info(logger).Log("msg", "received SIGTERM, exiting gracefully...")
				case <-cancel:
				}
				return nil
			},
			func(error) {
				close(cancel)
			},
		)
	}
	// Metrics endpoint.
	{
		server := &http.Server{Addr: *metricsAddr}
		http.Handle("/metrics", promhttp.HandlerFor(metrics, promhttp.HandlerOpts{Registry: metrics}))
		g.Add(func() error {
			return server.ListenAndServe()
		}, func(error) {
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			_ = server.Shutdown(ctx)
			cancel()
		})
	}
	// Dependency discovery: one initial pass, then periodic refresh.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			if err := graph.Discover(ctx, clusterClient, nil, *watchNamespace); err != nil && ctx.Err() == nil {
				level.Warn(logger).Log("msg", "initial dependency discovery failed", "err", err)
			}
			ticker := time.NewTicker(*rediscoverInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
					if err := graph.Discover(ctx, clusterClient, nil, *watchNamespace); err != nil && ctx.Err() == nil {
						level.Warn(logger).Log("msg", "dependency discovery failed", "err", err)
					}
				}
			}
		}, func(error) {
			cancel()
		})
	}
	// Stuck-reconciliation scanner.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return scanner.Run(ctx)
		}, func(error) {
			cancel()
		})
	}
	// Pattern catalog hot reload.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return config.Watch(ctx, logger, *configPath, func(f *config.File) {
				matcher.SetPatterns(pattern.Compile(logger, f.Patterns))
			})
		}, func(error) {
			cancel()
		})
	}
	// Main detection loop.
	{
		ctx, cancel := context.WithCancel(context.Background())
		g.Add(func() error {
			return detector.Run(ctx)
		}, func(error) {
			cancel()
		})
	}

	if err := g.Run(); err != nil {
		level.Error(logger).Log("msg", "exit with error", "err", err)
		os.Exit(1)
	}
}

func buildRESTConfig(apiserverURL, kubeconfig, kubeconfigDefault string) (*rest.Config, error) {
	if apiserverURL == "" && kubeconfig == "" {
		if cfg, err := rest.InClusterConfig(); err == nil {
			return cfg, nil
		}
		kubeconfig = kubeconfigDefault
	}
	return clientcmd.BuildConfigFromFlags(apiserverURL, kubeconfig)
}

func buildNotifier(logger log.Logger, n config.Notifications) notify.Sink {
	if !n.Enabled {
		return notify.Nop{}
	}
	var sinks []notify.Sink
	if n.WebhookURL != "" {
		sinks = append(sinks, notify.NewWebhook(n.WebhookURL))
	}
	if n.SlackToken != "" && n.SlackChannel != "" {
		sinks = append(sinks, notify.NewSlack(n.SlackToken, n.SlackChannel))
	}
	if len(sinks) == 0 {
		level.Warn(logger).Log("msg", "notifications enabled but no sink configured")
		return notify.Nop{}
	}
	return notify.NewMulti(logger, sinks...)
}

func setupLogger(lvl string) (log.Logger, error) {
	logger := log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))

	switch lvl {
	case logLevelDebug:
		logger = level.NewFilter(logger, level.AllowDebug())
	case logLevelInfo:
		logger = level.NewFilter(logger, level.AllowInfo())
	case logLevelWarn:
		logger = level.NewFilter(logger, level.AllowWarn())
	case logLevelError:
		logger = level.NewFilter(logger, level.AllowError())
	default:
		return nil, fmt.Errorf("log level %q unknown, must be one of (%s)", lvl, strings.Join(validLogLevels, ", "))
	}
	logger = log.With(logger, "ts", log.DefaultTimestampUTC)
	logger = log.With(logger, "caller", log.DefaultCaller)

	return logger, nil
}
