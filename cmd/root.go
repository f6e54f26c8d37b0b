/*
Copyright 2022 Adobe. All rights reserved.
This file is licensed to you under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License. You may obtain a copy
of the License at http://www.apache.org/licenses/LICENSE-2.0
Unless required by applicable law or agreed to in writing, software distributed under
the License is distributed on an "AS IS" BASIS, WITHOUT WARRANTIES OR REPRESENTATIONS
OF ANY KIND, either express or implied. See the License for the specific language
governing permissions and limitations under the License.
*/

package cmd

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/adobe/k8s-cycler/pkg/config"
	"github.com/adobe/k8s-cycler/pkg/cycle"
	"github.com/adobe/k8s-cycler/pkg/drain"
	"github.com/adobe/k8s-cycler/pkg/handler"
	"github.com/adobe/k8s-cycler/pkg/logsink"
	"github.com/adobe/k8s-cycler/pkg/metrics"
	"github.com/adobe/k8s-cycler/pkg/remote"
	"github.com/adobe/k8s-cycler/pkg/schedule"
	"github.com/adobe/k8s-cycler/pkg/utils"
	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/common/version"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile, logFormat string
	metricsPort        int
	cfg                config.Config
	appContext         *utils.AppContext
	sink               *logsink.Sink

	rootCmd = &cobra.Command{
		Use:   "k8s-cycler",
		Short: "Rolling maintenance of Kubernetes nodes",
		Long: `Drains, reboots and restores every node of a role, a bounded number at a time.
Nodes are labeled with a run token first, so an interrupted pass can be resumed with --resume-token.`,
		PersistentPreRun: preRun,
		Run:              run,
	}
)

// Execute is the main function
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		log.Fatalln(err.Error())
	}
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "The config file [yaml], optional")
	pf.String("log-level", log.InfoLevel.String(), "The verbosity level of the logs, can be [panic|fatal|error|warn|warning|info|debug|trace]")
	pf.StringVar(&logFormat, "log-format", "text", "The output format of the logs, can be [text|json]")
	pf.IntVar(&metricsPort, "metrics-port", 0, "The port used by the metrics server, disabled when 0")

	f := rootCmd.Flags()
	f.String("role", "", "Value of the role label selecting the nodes to cycle")
	f.String("resume-token", "", "Resume the pass that labeled nodes with this token instead of starting a new one")
	f.String("context", "", "The kubeconfig context to use, the current context when empty")
	f.String("proxy-url", "", "Proxy used for every request to the API server")
	f.Int("max-nodes", 1, "Maximum number of nodes cycled at the same time")
	f.Duration("drain-timeout", 0, "Time given to a cooperative drain before pods are force deleted (default 600s per --max-nodes)")
	f.Duration("poll-timeout", 0, "Abort the pass when a node does not reach the next phase in time, 0 waits forever")
	f.String("ssh-user", "core", "The user used to reach the nodes over SSH")
	f.String("ssh-key", "", "The private key used to reach the nodes over SSH")
	f.Int("ssh-port", 22, "The SSH port of the nodes")
	f.String("ssh-known-hosts", "", "A known_hosts file used to verify the nodes host keys")
	f.String("maintenance-window", "", "Cron expression opening the window in which nodes are admitted")
	f.Duration("maintenance-window-duration", 0, "How long the maintenance window stays open")
	f.String("log-file", "", "Also write logs to this file, rotated by size")
	f.String("log-shipper", "", "Command receiving every log line on its stdin")
	f.Bool("dry-run", false, "Only list the nodes that would be cycled")

	bindings := map[string]string{
		"LogLevel":                  "log-level",
		"Role":                      "role",
		"ResumeToken":               "resume-token",
		"KubeContext":               "context",
		"ProxyURL":                  "proxy-url",
		"MaxNodes":                  "max-nodes",
		"DrainTimeout":              "drain-timeout",
		"PollTimeout":               "poll-timeout",
		"SSHUser":                   "ssh-user",
		"SSHKeyFile":                "ssh-key",
		"SSHPort":                   "ssh-port",
		"SSHKnownHostsFile":         "ssh-known-hosts",
		"MaintenanceWindowSchedule": "maintenance-window",
		"MaintenanceWindowDuration": "maintenance-window-duration",
		"LogFile":                   "log-file",
		"LogShipperCommand":         "log-shipper",
		"DryRun":                    "dry-run",
	}
	for key, name := range bindings {
		flag := f.Lookup(name)
		if flag == nil {
			flag = pf.Lookup(name)
		}
		if err := viper.BindPFlag(key, flag); err != nil {
			log.Fatalf("Failed to bind flag %s: %s", name, err)
		}
	}
}

func setupAppContext(cfg config.Config) {
	var err error

	appContext, err = utils.NewAppContext(cfg, cfg.DryRun)

	if err != nil {
		log.Fatalln("Failed to setup application context: ", err)
	}
}

func setupLogging(logLevel, logFormat string) {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		level = log.InfoLevel
	}
	log.SetLevel(level)

	logFormat = strings.ToLower(logFormat)
	if logFormat == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
}

func setupLogSink() {
	var err error

	sink, err = logsink.Open(logsink.Options{
		File:           cfg.LogFile,
		ShipperCommand: cfg.LogShipperCommand,
	})
	if err != nil {
		log.Fatalf("Failed to setup log sink: %s", err)
	}

	log.SetOutput(io.MultiWriter(os.Stderr, sink))
	// fatal exits skip deferred calls
	log.RegisterExitHandler(closeLogSink)
}

func closeLogSink() {
	if sink == nil {
		return
	}
	log.SetOutput(os.Stderr)
	if err := sink.Close(); err != nil {
		log.WithError(err).Warn("Failed to close log sink")
	}
}

func setupMetricsServer() {
	log.Infoln("Initializing metrics server")

	err := metrics.Init(metricsPort)
	if err != nil {
		log.Fatalf("Failed to setup metric server: %s", err)
	}
}

func discoverConfig() {
	// Set default values in case they are omitted in flags, environment and config file
	viper.SetDefault("MaxNodes", 1)
	viper.SetDefault("RetryAttempts", utils.DefaultRetryAttempts)
	viper.SetDefault("RetryDelay", utils.DefaultRetryDelay)
	viper.SetDefault("VolumePollInterval", time.Second)
	viper.SetDefault("AgentPollInterval", 15*time.Second)
	viper.SetDefault("ReadyPollInterval", 10*time.Second)
	viper.SetDefault("PollTimeout", 0)
	viper.SetDefault("RoleLabel", "kubernetes.io/role")
	viper.SetDefault("RetiringLabel", "cycler.ethos.adobe.net/retiring")
	viper.SetDefault("SSHUser", "core")
	viper.SetDefault("SSHPort", 22)
	viper.SetDefault("SSHConnectTimeout", 5*time.Second)
	viper.SetDefault("RebootCommand", "sudo systemctl reboot")
	viper.SetDefault("MaintenanceAgent", "kubelet")
	viper.SetDefault("ProgressInterval", 60*time.Second)

	viper.SetEnvPrefix("CYCLER")
	viper.AutomaticEnv()

	if cfgFile == "" {
		return
	}

	viper.SetConfigFile(cfgFile)
	err := viper.ReadInConfig()
	if err != nil {
		log.Fatalf("Failed to discover configuration file %s: %s", cfgFile, err)
	}
	// node-affecting settings are fixed for the life of a pass, only the log level follows the file
	viper.WatchConfig()
	viper.OnConfigChange(func(e fsnotify.Event) {
		level, err := log.ParseLevel(viper.GetString("LogLevel"))
		if err != nil {
			log.Warnf("Configuration file `%s` changed with an invalid log level: %s", e.Name, err)
			return
		}
		log.SetLevel(level)
		log.Infof("Configuration file `%s` changed, log level set to %s", e.Name, level)
	})
}

func parseConfig() {
	err := viper.Unmarshal(&cfg)
	if err != nil {
		log.Fatalf("Failed to parse configuration: %s", err)
	}
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %s", err)
	}

	log.WithFields(log.Fields{
		"Role":                      cfg.Role,
		"ResumeToken":               cfg.ResumeToken,
		"MaxNodes":                  cfg.MaxNodes,
		"DrainTimeout":              cfg.DrainTimeout.String(),
		"RetryAttempts":             cfg.RetryAttempts,
		"RetryDelay":                cfg.RetryDelay.String(),
		"PollTimeout":               cfg.PollTimeout.String(),
		"RoleLabel":                 cfg.RoleLabel,
		"RetiringLabel":             cfg.RetiringLabel,
		"SSHUser":                   cfg.SSHUser,
		"SSHPort":                   cfg.SSHPort,
		"MaintenanceWindowSchedule": cfg.MaintenanceWindowSchedule,
		"MaintenanceWindowDuration": cfg.MaintenanceWindowDuration.String(),
		"DryRun":                    cfg.DryRun,
	}).Info("Loaded configuration")
}

func preRun(cmd *cobra.Command, args []string) {
	setupLogging(viper.GetString("LogLevel"), logFormat)
	// APP Build information
	log.WithFields(
		log.Fields{
			"Version":   version.Version,
			"GitSHA":    version.Revision,
			"BuildTime": version.BuildDate,
			"GoVersion": version.GoVersion,
		}).Infoln("K8s-cycler info")

	discoverConfig()
	parseConfig()
	setupLogSink()
	if metricsPort > 0 {
		setupMetricsServer()
	}
	setupAppContext(cfg)
}

func run(cmd *cobra.Command, args []string) {
	defer closeLogSink()

	logger := log.WithField("runID", appContext.RunID)
	retrier := utils.NewRetrier(cfg.RetryAttempts, cfg.RetryDelay, logger)

	var rebooter cycle.Rebooter
	if !cfg.DryRun {
		ssh, err := remote.NewSSH(remote.Options{
			User:             cfg.SSHUser,
			KeyFile:          cfg.SSHKeyFile,
			KnownHostsFile:   cfg.SSHKnownHostsFile,
			Port:             cfg.SSHPort,
			ConnectTimeout:   cfg.SSHConnectTimeout,
			RebootCommand:    cfg.RebootCommand,
			MaintenanceAgent: cfg.MaintenanceAgent,
		}, logger)
		if err != nil {
			logger.Fatalf("Failed to setup SSH: %s", err)
		}
		rebooter = ssh
	}

	var window *schedule.Schedule
	if cfg.MaintenanceWindowSchedule != "" {
		var err error
		window, err = schedule.NewSchedule(cfg.MaintenanceWindowSchedule, cfg.MaintenanceWindowDuration)
		if err != nil {
			logger.Fatalf("Failed to setup maintenance window: %s", err)
		}
	}

	executor := drain.NewExecutor(appContext.K8sClient, cfg.DrainTimeout, nil, logger)
	cycler := cycle.NewCycler(appContext.K8sClient, retrier, executor, rebooter, cycle.Options{
		RetiringLabel:      cfg.RetiringLabel,
		VolumePollInterval: cfg.VolumePollInterval,
		AgentPollInterval:  cfg.AgentPollInterval,
		ReadyPollInterval:  cfg.ReadyPollInterval,
		PollTimeout:        cfg.PollTimeout,
	}, logger)
	h := handler.NewHandler(appContext, cycler, retrier, window)

	var summary *handler.Summary
	var err error
	if cfg.ResumeToken != "" {
		summary, err = h.Resume(appContext.Context, cfg.ResumeToken)
	} else {
		summary, err = h.Run(appContext.Context)
	}
	if err != nil {
		entry := logger.WithError(err)
		if summary != nil && summary.Token != "" {
			entry = entry.WithField("resumeToken", summary.Token)
		}
		entry.Fatal("Maintenance pass aborted")
	}

	logger.WithFields(log.Fields{
		"token":     summary.Token,
		"completed": len(summary.Completed),
		"degraded":  len(summary.Degraded),
	}).Info("Maintenance pass summary")
	if len(summary.Degraded) > 0 {
		logger.WithField("nodes", strings.Join(summary.Degraded, ",")).Warn("Some nodes were cycled after their pods were force deleted")
	}

	if cfg.DryRun {
		return
	}
	logger.Info("Maintenance pass completed")
}
