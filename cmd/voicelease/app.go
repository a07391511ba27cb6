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
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"pkt.systems/pslog"

	"pkt.systems/voicelease"
	"pkt.systems/voicelease/internal/svcfields"
)

const shutdownTimeout = 10 * time.Second

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(
		pslog.WithEnvPrefix("VOICELEASE_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "voicelease")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	executed, err := cmd.ExecuteContextC(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			if executed == cmd {
				svcfields.WithSubsystem(baseLogger, "cli.root").Error("command failed", "error", err)
			} else {
				fmt.Fprintf(os.Stderr, "%s\n", err)
			}
		}
		return 1
	}
	return 0
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""
	if cfgPath == "" {
		if candidate, err := voicelease.DefaultConfigPath(); err == nil {
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}
	if cfgPath == "" {
		return "", nil
	}
	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
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
		} else if p[1] == '/' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "voicelease",
		Short:         "voicelease admits one voice session at a time and queues everyone else",
		SilenceErrors: true,
		Example: `
  # Single slot, five minute sessions, admin stop enabled
  VOICELEASE_ADMIN_TOKEN=s3cret voicelease

  # Two concurrent sessions with events mirrored to NATS and Redis
  voicelease --max-concurrent 2 --nats-url nats://127.0.0.1:4222 --redis-url redis://127.0.0.1:6379/0

  # Prometheus metrics on :9090
  voicelease --metrics-listen :9090
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			level, ok := pslog.ParseLevel(strings.TrimSpace(viper.GetString("log-level")))
			if ok {
				logger = logger.LogLevel(level)
			}
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			cliLogger.Info("welcome to voicelease", "pid", os.Getpid())
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			var cfg voicelease.Config
			if err := bindConfig(&cfg); err != nil {
				return err
			}
			server, err := voicelease.NewServer(cfg, voicelease.WithLogger(logger))
			if err != nil {
				return err
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
			if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.voicelease/"+voicelease.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", voicelease.DefaultListen, "listen address")
	flags.String("metrics-listen", voicelease.DefaultMetricsListen, "Prometheus scrape endpoint (empty disables)")
	flags.String("pprof-listen", voicelease.DefaultPprofListen, "pprof listen address (empty disables)")
	flags.Bool("enable-profiling-metrics", false, "export Go runtime metrics on the Prometheus endpoint")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.Int("max-connections", voicelease.DefaultMaxConnections, "maximum concurrently accepted connections (negative disables)")
	flags.Duration("request-timeout", voicelease.DefaultRequestTimeout, "per-request timeout (the event stream is exempt)")
	flags.Duration("lease-duration", voicelease.DefaultLeaseDuration, "hard time limit of one voice session")
	flags.StringSlice("warning-thresholds", []string{"3m", "2m", "1m"}, "time left before expiry at which warnings are pushed")
	flags.Duration("final-warning-grace", voicelease.DefaultFinalWarningGrace, "time left before expiry at which the final warning is pushed")
	flags.Int("max-concurrent", voicelease.DefaultMaxConcurrent, "number of sessions that may be live at once")
	flags.Duration("queue-timeout", voicelease.DefaultQueueTimeout, "drop queue entries older than this")
	flags.Duration("cooldown", voicelease.DefaultCooldown, "time a released user must wait before claiming again")
	flags.Duration("drain-debounce", voicelease.DefaultDrainDebounce, "delay before the queue head is told a slot is free")
	flags.Duration("drain-settle", voicelease.DefaultDrainSettle, "capacity re-check delay after the debounce")
	flags.String("admin-token", "", "token authorizing forceEndAll (empty disables)")
	flags.String("admin-token-file", "", "file holding the admin token; reloaded on change")
	flags.String("jwt-secret", "", "HMAC secret for bearer identity on claims (empty disables)")
	flags.StringSlice("allowed-origins", nil, "origin patterns accepted on the /events websocket")
	flags.String("nats-url", "", "publish events to this NATS server")
	flags.String("nats-subject", voicelease.DefaultNATSSubject, "NATS subject prefix for events")
	flags.String("redis-url", "", "publish events to this Redis server")
	flags.String("redis-channel", voicelease.DefaultRedisChannel, "Redis pub/sub channel for events")
	flags.Int("notify-buffer", voicelease.DefaultNotifyBuffer, "events buffered ahead of slow sinks")
	flags.Bool("log-events", false, "mirror lifecycle events into the server log")
	flags.Int64("occupied-retry-after", voicelease.DefaultOccupiedRetryAfter, "Retry-After seconds on occupied rejections")
	flags.String("log-level", "info", "server log level (trace|debug|info|warn|error)")

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

	viper.SetEnvPrefix("VOICELEASE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "metrics-listen", "pprof-listen", "enable-profiling-metrics", "otlp-endpoint", "max-connections", "request-timeout",
		"lease-duration", "warning-thresholds", "final-warning-grace", "max-concurrent", "queue-timeout", "cooldown", "drain-debounce", "drain-settle",
		"admin-token", "admin-token-file", "jwt-secret", "allowed-origins",
		"nats-url", "nats-subject", "redis-url", "redis-channel", "notify-buffer", "log-events", "occupied-retry-after",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	cmd.AddCommand(newClientCommand())
	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())
	return cmd
}

func bindConfig(cfg *voicelease.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MaxConnections = viper.GetInt("max-connections")
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	cfg.LeaseDuration = viper.GetDuration("lease-duration")
	thresholds, err := parseDurations(viper.GetStringSlice("warning-thresholds"))
	if err != nil {
		return fmt.Errorf("parse warning-thresholds: %w", err)
	}
	cfg.WarningThresholds = thresholds
	cfg.FinalWarningGrace = viper.GetDuration("final-warning-grace")
	cfg.MaxConcurrent = viper.GetInt("max-concurrent")
	cfg.QueueTimeout = viper.GetDuration("queue-timeout")
	cfg.Cooldown = viper.GetDuration("cooldown")
	cfg.DrainDebounce = viper.GetDuration("drain-debounce")
	cfg.DrainSettle = viper.GetDuration("drain-settle")
	cfg.AdminToken = viper.GetString("admin-token")
	cfg.AdminTokenFile = viper.GetString("admin-token-file")
	cfg.JWTSecret = viper.GetString("jwt-secret")
	cfg.AllowedOrigins = viper.GetStringSlice("allowed-origins")
	cfg.NATSURL = viper.GetString("nats-url")
	cfg.NATSSubject = viper.GetString("nats-subject")
	cfg.RedisURL = viper.GetString("redis-url")
	cfg.RedisChannel = viper.GetString("redis-channel")
	cfg.NotifyBuffer = viper.GetInt("notify-buffer")
	cfg.LogEvents = viper.GetBool("log-events")
	cfg.OccupiedRetryAfter = viper.GetInt64("occupied-retry-after")
	return nil
}

func parseDurations(raw []string) ([]time.Duration, error) {
	out := make([]time.Duration, 0, len(raw))
	for _, item := range raw {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		d, err := time.ParseDuration(item)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func mustBindFlag(key, env string, flag *pflag.Flag) {
	if flag == nil {
		panic(fmt.Sprintf("flag for key %s not found", key))
	}
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(err)
	}
	if env != "" {
		if err := viper.BindEnv(key, env); err != nil {
			panic(err)
		}
	}
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
