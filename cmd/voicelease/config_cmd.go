package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/voicelease"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage voicelease configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.voicelease/" + voicelease.DefaultConfigFileName
	if path, err := voicelease.DefaultConfigPath(); err == nil {
		defaultOutput = path
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default voicelease configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}
			if stdout {
				_, err := cmd.OutOrStdout().Write(data)
				return err
			}
			if outPath == "" {
				path, err := voicelease.DefaultConfigPath()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = path
			}
			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

// configDefaults mirrors the server flags; keys match the flag names so
// viper reads the file without a mapping layer.
type configDefaults struct {
	Listen                 string   `yaml:"listen"`
	MetricsListen          string   `yaml:"metrics-listen"`
	PprofListen            string   `yaml:"pprof-listen"`
	EnableProfilingMetrics bool     `yaml:"enable-profiling-metrics"`
	OTLPEndpoint           string   `yaml:"otlp-endpoint"`
	MaxConnections         int      `yaml:"max-connections"`
	RequestTimeout         string   `yaml:"request-timeout"`
	LeaseDuration          string   `yaml:"lease-duration"`
	WarningThresholds      []string `yaml:"warning-thresholds"`
	FinalWarningGrace      string   `yaml:"final-warning-grace"`
	MaxConcurrent          int      `yaml:"max-concurrent"`
	QueueTimeout           string   `yaml:"queue-timeout"`
	Cooldown               string   `yaml:"cooldown"`
	DrainDebounce          string   `yaml:"drain-debounce"`
	DrainSettle            string   `yaml:"drain-settle"`
	AdminToken             string   `yaml:"admin-token"`
	AdminTokenFile         string   `yaml:"admin-token-file"`
	JWTSecret              string   `yaml:"jwt-secret"`
	AllowedOrigins         []string `yaml:"allowed-origins"`
	NATSURL                string   `yaml:"nats-url"`
	NATSSubject            string   `yaml:"nats-subject"`
	RedisURL               string   `yaml:"redis-url"`
	RedisChannel           string   `yaml:"redis-channel"`
	NotifyBuffer           int      `yaml:"notify-buffer"`
	LogEvents              bool     `yaml:"log-events"`
	OccupiedRetryAfter     int64    `yaml:"occupied-retry-after"`
	LogLevel               string   `yaml:"log-level"`
}

func defaultConfigYAML(overrides ...func(*configDefaults)) ([]byte, error) {
	var thresholds []string
	for _, d := range voicelease.DefaultWarningThresholds() {
		thresholds = append(thresholds, d.String())
	}
	defaults := configDefaults{
		Listen:             voicelease.DefaultListen,
		MetricsListen:      voicelease.DefaultMetricsListen,
		PprofListen:        voicelease.DefaultPprofListen,
		MaxConnections:     voicelease.DefaultMaxConnections,
		RequestTimeout:     voicelease.DefaultRequestTimeout.String(),
		LeaseDuration:      voicelease.DefaultLeaseDuration.String(),
		WarningThresholds:  thresholds,
		FinalWarningGrace:  voicelease.DefaultFinalWarningGrace.String(),
		MaxConcurrent:      voicelease.DefaultMaxConcurrent,
		QueueTimeout:       voicelease.DefaultQueueTimeout.String(),
		Cooldown:           voicelease.DefaultCooldown.String(),
		DrainDebounce:      voicelease.DefaultDrainDebounce.String(),
		DrainSettle:        voicelease.DefaultDrainSettle.String(),
		AllowedOrigins:     []string{},
		NATSSubject:        voicelease.DefaultNATSSubject,
		RedisChannel:       voicelease.DefaultRedisChannel,
		NotifyBuffer:       voicelease.DefaultNotifyBuffer,
		OccupiedRetryAfter: voicelease.DefaultOccupiedRetryAfter,
		LogLevel:           "info",
	}
	for _, fn := range overrides {
		fn(&defaults)
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("encode default config: %w", err)
	}
	return data, nil
}
