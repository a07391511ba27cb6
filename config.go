package voicelease

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"pkt.systems/pslog"

	"pkt.systems/voicelease/internal/admission"
	"pkt.systems/voicelease/internal/clock"
	"pkt.systems/voicelease/internal/httpapi"
	"pkt.systems/voicelease/internal/notify"
)

const (
	// DefaultListen is the default TCP endpoint the API binds to.
	DefaultListen = ":8787"
	// DefaultMetricsListen is the default Prometheus scrape endpoint. Empty
	// disables metrics.
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
	// DefaultMaxConnections caps concurrently accepted TCP connections.
	DefaultMaxConnections = 1024
	// DefaultRequestTimeout bounds every request except the event stream.
	DefaultRequestTimeout = 15 * time.Second
	// DefaultNotifyBuffer sizes the asynchronous event fan-out buffer.
	DefaultNotifyBuffer = 256
	// DefaultNATSSubject is the subject prefix used for published events.
	DefaultNATSSubject = notify.DefaultNATSSubject
	// DefaultRedisChannel is the pub/sub channel used for published events.
	DefaultRedisChannel = notify.DefaultRedisChannel
	// DefaultOccupiedRetryAfter is the Retry-After hint (seconds) on occupied rejections.
	DefaultOccupiedRetryAfter = httpapi.DefaultOccupiedRetryAfter
	// DefaultTokenTTL is the lifetime of bearer tokens minted by the CLI.
	DefaultTokenTTL = 12 * time.Hour
	// DefaultConfigFileName is the config file looked up in DefaultConfigDir.
	DefaultConfigFileName = "config.yaml"
)

// Admission defaults, re-exported for flag help and config generation.
const (
	DefaultLeaseDuration     = admission.DefaultLeaseDuration
	DefaultFinalWarningGrace = admission.DefaultFinalWarningGrace
	DefaultMaxConcurrent     = admission.DefaultMaxConcurrent
	DefaultQueueTimeout      = admission.DefaultQueueTimeout
	DefaultCooldown          = admission.DefaultCooldown
	DefaultDrainDebounce     = admission.DefaultDrainDebounce
	DefaultDrainSettle       = admission.DefaultDrainSettle
)

// DefaultWarningThresholds returns the staged warning offsets before expiry.
func DefaultWarningThresholds() []time.Duration {
	return admission.DefaultWarningThresholds()
}

// Config captures server configuration.
type Config struct {
	Listen                 string
	MetricsListen          string
	PprofListen            string
	EnableProfilingMetrics bool
	OTLPEndpoint           string
	// MaxConnections caps accepted connections; zero takes the default and
	// a negative value disables the cap.
	MaxConnections int
	RequestTimeout time.Duration

	LeaseDuration     time.Duration
	WarningThresholds []time.Duration
	FinalWarningGrace time.Duration
	MaxConcurrent     int
	QueueTimeout      time.Duration
	Cooldown          time.Duration
	DrainDebounce     time.Duration
	DrainSettle       time.Duration

	// AdminToken authorizes forceEndAll. Mutually exclusive with
	// AdminTokenFile, which is re-read whenever the file changes.
	AdminToken     string
	AdminTokenFile string
	// JWTSecret enables bearer identity on claim endpoints.
	JWTSecret string
	// AllowedOrigins are host patterns accepted on the websocket upgrade.
	AllowedOrigins []string

	NATSURL      string
	NATSSubject  string
	RedisURL     string
	RedisChannel string
	NotifyBuffer int
	// LogEvents mirrors every lifecycle event into the server log.
	LogEvents bool

	OccupiedRetryAfter int64
}

// Validate fills defaults and rejects inconsistent settings.
func (c *Config) Validate() error {
	c.Listen = strings.TrimSpace(c.Listen)
	if c.Listen == "" {
		c.Listen = DefaultListen
	}
	if c.MaxConnections == 0 {
		c.MaxConnections = DefaultMaxConnections
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must be >= 0")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require a metrics listen address")
	}

	if c.LeaseDuration < 0 || c.FinalWarningGrace < 0 || c.QueueTimeout < 0 ||
		c.Cooldown < 0 || c.DrainDebounce < 0 || c.DrainSettle < 0 {
		return fmt.Errorf("config: durations must be >= 0")
	}
	if c.MaxConcurrent < 0 {
		return fmt.Errorf("config: max concurrent must be >= 1")
	}
	if c.MaxConcurrent == 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.LeaseDuration == 0 {
		c.LeaseDuration = DefaultLeaseDuration
	}
	if c.FinalWarningGrace == 0 {
		c.FinalWarningGrace = DefaultFinalWarningGrace
	}
	if c.QueueTimeout == 0 {
		c.QueueTimeout = DefaultQueueTimeout
	}
	if c.Cooldown == 0 {
		c.Cooldown = DefaultCooldown
	}
	if c.DrainDebounce == 0 {
		c.DrainDebounce = DefaultDrainDebounce
	}
	if c.DrainSettle == 0 {
		c.DrainSettle = DefaultDrainSettle
	}
	if len(c.WarningThresholds) == 0 {
		c.WarningThresholds = DefaultWarningThresholds()
	}
	for _, w := range c.WarningThresholds {
		if w <= 0 {
			return fmt.Errorf("config: warning thresholds must be positive, got %s", w)
		}
	}

	c.AdminToken = strings.TrimSpace(c.AdminToken)
	c.AdminTokenFile = strings.TrimSpace(c.AdminTokenFile)
	if c.AdminToken != "" && c.AdminTokenFile != "" {
		return fmt.Errorf("config: admin token and admin token file are mutually exclusive")
	}
	if c.AdminTokenFile != "" {
		path, err := expandPath(c.AdminTokenFile)
		if err != nil {
			return fmt.Errorf("config: admin token file: %w", err)
		}
		c.AdminTokenFile = path
	}
	c.AllowedOrigins = slices.DeleteFunc(c.AllowedOrigins, func(s string) bool { return strings.TrimSpace(s) == "" })

	if strings.TrimSpace(c.NATSSubject) == "" {
		c.NATSSubject = DefaultNATSSubject
	}
	if strings.TrimSpace(c.RedisChannel) == "" {
		c.RedisChannel = DefaultRedisChannel
	}
	if c.NotifyBuffer < 0 {
		return fmt.Errorf("config: notify buffer must be >= 0")
	}
	if c.NotifyBuffer == 0 {
		c.NotifyBuffer = DefaultNotifyBuffer
	}
	if c.OccupiedRetryAfter < 0 {
		return fmt.Errorf("config: occupied retry-after must be >= 0")
	}
	if c.OccupiedRetryAfter == 0 {
		c.OccupiedRetryAfter = DefaultOccupiedRetryAfter
	}
	return nil
}

func (c Config) admissionConfig(clk clock.Clock, logger pslog.Logger, notifier admission.Notifier) admission.Config {
	return admission.Config{
		LeaseDuration:     c.LeaseDuration,
		WarningThresholds: slices.Clone(c.WarningThresholds),
		FinalWarningGrace: c.FinalWarningGrace,
		MaxConcurrent:     c.MaxConcurrent,
		QueueTimeout:      c.QueueTimeout,
		Cooldown:          c.Cooldown,
		DrainDebounce:     c.DrainDebounce,
		DrainSettle:       c.DrainSettle,
		Clock:             clk,
		Logger:            logger,
		Notifier:          notifier,
	}
}

// DefaultConfigDir returns $VOICELEASE_CONFIG_DIR or ~/.voicelease.
func DefaultConfigDir() (string, error) {
	if dir := strings.TrimSpace(os.Getenv("VOICELEASE_CONFIG_DIR")); dir != "" {
		return expandPath(dir)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, ".voicelease"), nil
}

// DefaultConfigPath returns the default config file location.
func DefaultConfigPath() (string, error) {
	dir, err := DefaultConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFileName), nil
}

func expandPath(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return filepath.Abs(path)
}
