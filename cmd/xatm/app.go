package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"pkt.systems/pslog"

	"pkt.systems/xatm"
	"pkt.systems/xatm/internal/svcfields"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("XATM_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "xatm")
	cmd := newRootCommand(baseLogger)
	rootInvocation := invocationTargetsRootCommand(cmd, os.Args[1:])
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			if rootInvocation {
				svcfields.WithSubsystem(baseLogger, svcfields.CLI, "root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

// invocationTargetsRootCommand reports whether args run the server rather
// than a subcommand. Server failures are logged; subcommand failures go to
// stderr as plain text.
func invocationTargetsRootCommand(root *cobra.Command, args []string) bool {
	lookup := func(arg string) *pflag.Flag {
		if strings.HasPrefix(arg, "--") {
			name := strings.TrimPrefix(arg, "--")
			if f := root.Flags().Lookup(name); f != nil {
				return f
			}
			return root.PersistentFlags().Lookup(name)
		}
		sh := strings.TrimPrefix(arg, "-")
		if len(sh) != 1 {
			return nil
		}
		if f := root.Flags().ShorthandLookup(sh); f != nil {
			return f
		}
		return root.PersistentFlags().ShorthandLookup(sh)
	}
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--" {
			return true
		}
		if !strings.HasPrefix(arg, "-") || arg == "-" {
			return !isSubcommandToken(root, arg)
		}
		if strings.Contains(arg, "=") {
			continue
		}
		flag := lookup(arg)
		if flag == nil {
			for _, rest := range args[i+1:] {
				if isSubcommandToken(root, rest) {
					return false
				}
			}
			return true
		}
		if flag.NoOptDefVal == "" {
			i++
		}
	}
	return true
}

func isSubcommandToken(root *cobra.Command, token string) bool {
	for _, sub := range root.Commands() {
		if token == sub.Name() || sub.HasAlias(token) {
			return true
		}
	}
	return false
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}
	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "xatm",
		Short:         "xatm coordinates two-phase commit between transaction owners and XA resource managers",
		SilenceErrors: true,
		Example: `
  # Durable log on local disk, resources from a YAML file reloaded on change
  xatm --txlog disk:///var/lib/xatm/log --resources /etc/xatm/resources.yaml --watch-resources

  # Log in MinIO (append ?insecure=1 for plain HTTP)
  XATM_S3_ACCESS_KEY_ID=minioadmin XATM_S3_SECRET_ACCESS_KEY=minioadmin \
    xatm --txlog s3://localhost:9000/xatm/site1?insecure=1&path-style=1

  # In-memory log (tests/dev only)
  xatm --txlog mem://
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, svcfields.CLI, "root")
			svcfields.WithSubsystem(logger, svcfields.Lifecycle, "init").Info(
				"welcome to xatm",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg xatm.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := xatm.NewServer(cfg, xatm.WithLogger(logger))
			if err != nil {
				return err
			}
			shutdownTimeout := cfg.ShutdownTimeout
			if shutdownTimeout <= 0 {
				shutdownTimeout = xatm.DefaultShutdownTimeout
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			err = server.Start()
			if err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			if err := server.LastServeError(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file holding flag values")
	persistentFlags.String("log-level", "info", "log level (trace, debug, info, warn, error)")

	flags := cmd.Flags()
	flags.String("listen", xatm.DefaultListen, "listen address")
	flags.String("listen-proto", xatm.DefaultListenProto, "listen network (tcp, tcp4, tcp6, unix)")
	flags.String("txlog", xatm.DefaultLog, "transaction log URL (mem://, disk:///path, s3://host[:port]/bucket[/prefix], azure://account/container[/prefix])")
	flags.String("txlog-segment-size", humanizeBytes(xatm.DefaultLogSegmentSize), "disk log segment size before roll")
	flags.Int("txlog-retry-attempts", xatm.DefaultLogRetryMaxAttempts, "maximum attempts for transient object store failures")
	flags.Duration("txlog-retry-base-delay", xatm.DefaultLogRetryBaseDelay, "initial backoff for log retries")
	flags.Duration("txlog-retry-max-delay", xatm.DefaultLogRetryMaxDelay, "maximum backoff for log retries")
	flags.Float64("txlog-retry-multiplier", xatm.DefaultLogRetryMultiplier, "backoff multiplier for log retries")
	flags.String("s3-access-key-id", "", "S3 access key (or XATM_S3_ACCESS_KEY_ID)")
	flags.String("s3-secret-access-key", "", "S3 secret key (or XATM_S3_SECRET_ACCESS_KEY)")
	flags.String("s3-session-token", "", "S3 session token")
	flags.String("s3-region", "", "S3 region")
	flags.String("azure-key", "", "Azure Storage account key (or XATM_AZURE_ACCOUNT_KEY)")
	flags.String("azure-sas-token", "", "Azure SAS token (optional alternative to account key)")
	flags.String("azure-endpoint", "", "Azure Blob service endpoint override")
	flags.String("resources", "", "resource configuration YAML file")
	flags.Bool("watch-resources", false, "reload the resource configuration file when it changes")
	flags.Int("batch-limit", xatm.DefaultBatchLimit, "inbound messages handled between log syncs")
	flags.Int("inbound-buffer", xatm.DefaultInboundBuffer, "capacity of the manager's inbound queue")
	flags.String("rollback-policy", xatm.DefaultRollbackPolicy, "when logged rollbacks are answered (reply-after-log, reply-before-log)")
	flags.String("json-max", humanizeBytes(xatm.DefaultJSONMaxBytes), "maximum JSON request size")
	flags.Duration("send-timeout", xatm.DefaultSendTimeout, "timeout of one request to a resource instance")
	flags.Int("send-attempts", xatm.DefaultSendMaxAttempts, "delivery attempts before an instance is treated as failed")
	flags.Bool("disable-process-watch", false, "do not watch instance and owner pids for exit")
	flags.Duration("process-poll-interval", xatm.DefaultProcessPollInterval, "interval between process exit checks")
	flags.Bool("signal-instances", false, "send SIGTERM to local instances retired by reconfiguration")
	flags.Int("http2-max-concurrent-streams", xatm.DefaultMaxConcurrentStreams, "maximum concurrent HTTP/2 streams per connection")
	flags.Duration("shutdown-timeout", xatm.DefaultShutdownTimeout, "overall shutdown timeout")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", "", "Prometheus metrics listen address (empty disables)")
	flags.String("pprof-listen", "", "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime metrics on the Prometheus endpoint")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("XATM")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config", "log-level",
		"listen", "listen-proto",
		"txlog", "txlog-segment-size", "txlog-retry-attempts", "txlog-retry-base-delay", "txlog-retry-max-delay", "txlog-retry-multiplier",
		"s3-access-key-id", "s3-secret-access-key", "s3-session-token", "s3-region",
		"azure-key", "azure-sas-token", "azure-endpoint",
		"resources", "watch-resources",
		"batch-limit", "inbound-buffer", "rollback-policy", "json-max",
		"send-timeout", "send-attempts",
		"disable-process-watch", "process-poll-interval", "signal-instances",
		"http2-max-concurrent-streams", "shutdown-timeout",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newVersionCommand())
	cmd.AddCommand(newStateCommand())
	cmd.AddCommand(newLogCommand(svcfields.WithSubsystem(baseLogger, svcfields.CLI, "log")))
	cmd.AddCommand(newConfigCommand())
	return cmd
}

func bindConfig(cfg *xatm.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.ListenProto = viper.GetString("listen-proto")
	cfg.Log = viper.GetString("txlog")
	if segment := viper.GetString("txlog-segment-size"); segment != "" {
		size, err := humanize.ParseBytes(segment)
		if err != nil {
			return fmt.Errorf("parse txlog-segment-size: %w", err)
		}
		cfg.LogSegmentSize = int64(size)
	}
	cfg.LogRetryMaxAttempts = viper.GetInt("txlog-retry-attempts")
	cfg.LogRetryBaseDelay = viper.GetDuration("txlog-retry-base-delay")
	cfg.LogRetryMaxDelay = viper.GetDuration("txlog-retry-max-delay")
	cfg.LogRetryMultiplier = viper.GetFloat64("txlog-retry-multiplier")
	cfg.S3AccessKeyID = viper.GetString("s3-access-key-id")
	cfg.S3SecretAccessKey = viper.GetString("s3-secret-access-key")
	cfg.S3SessionToken = viper.GetString("s3-session-token")
	cfg.S3Region = strings.TrimSpace(viper.GetString("s3-region"))
	cfg.AzureAccountKey = viper.GetString("azure-key")
	cfg.AzureSASToken = viper.GetString("azure-sas-token")
	cfg.AzureEndpoint = viper.GetString("azure-endpoint")
	if path := strings.TrimSpace(viper.GetString("resources")); path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return fmt.Errorf("expand resources path: %w", err)
		}
		cfg.ResourceFile = expanded
	}
	cfg.WatchResources = viper.GetBool("watch-resources")
	cfg.BatchLimit = viper.GetInt("batch-limit")
	cfg.InboundBuffer = viper.GetInt("inbound-buffer")
	cfg.RollbackPolicy = viper.GetString("rollback-policy")
	if maxBytes := viper.GetString("json-max"); maxBytes != "" {
		size, err := humanize.ParseBytes(maxBytes)
		if err != nil {
			return fmt.Errorf("parse json-max: %w", err)
		}
		cfg.JSONMaxBytes = int64(size)
	}
	cfg.SendTimeout = viper.GetDuration("send-timeout")
	cfg.SendMaxAttempts = viper.GetInt("send-attempts")
	cfg.DisableProcessWatch = viper.GetBool("disable-process-watch")
	cfg.ProcessPollInterval = viper.GetDuration("process-poll-interval")
	cfg.SignalInstances = viper.GetBool("signal-instances")
	cfg.HTTP2MaxConcurrentStreams = viper.GetInt("http2-max-concurrent-streams")
	cfg.ShutdownTimeout = viper.GetDuration("shutdown-timeout")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
