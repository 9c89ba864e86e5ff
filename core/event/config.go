package event

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dmitrymomot/eventbus/core/config"
)

// Config holds event bus settings.
// Designed for environment-based configuration with core/config.
type Config struct {
	// Bus
	QueueSize       int           `env:"EVENTBUS_QUEUE_SIZE" envDefault:"10000"`
	HistorySize     int           `env:"EVENTBUS_HISTORY_SIZE" envDefault:"1000"`
	ShutdownTimeout time.Duration `env:"EVENTBUS_SHUTDOWN_TIMEOUT" envDefault:"5s"`
	StuckThreshold  int           `env:"EVENTBUS_STUCK_THRESHOLD" envDefault:"1000"`

	// Error handling and retries
	DeadLetterSize int           `env:"EVENTBUS_DEAD_LETTER_SIZE" envDefault:"1000"`
	MaxRetries     int           `env:"EVENTBUS_MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay time.Duration `env:"EVENTBUS_RETRY_BASE_DELAY" envDefault:"1s"`
	ErrorThreshold int           `env:"EVENTBUS_ERROR_THRESHOLD" envDefault:"10"`
	ErrorWindow    time.Duration `env:"EVENTBUS_ERROR_WINDOW" envDefault:"1m"`
	BreakerTimeout time.Duration `env:"EVENTBUS_BREAKER_TIMEOUT" envDefault:"30s"`

	// Validation and metrics
	StrictValidation   bool          `env:"EVENTBUS_STRICT_VALIDATION" envDefault:"false"`
	MetricsLogInterval time.Duration `env:"EVENTBUS_METRICS_LOG_INTERVAL" envDefault:"1m"`

	// Async handlers
	AsyncMaxConcurrent int `env:"EVENTBUS_ASYNC_MAX_CONCURRENT" envDefault:"10"`
}

// DefaultConfig returns the same values as the env defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:          10000,
		HistorySize:        1000,
		ShutdownTimeout:    5 * time.Second,
		StuckThreshold:     1000,
		DeadLetterSize:     1000,
		MaxRetries:         3,
		RetryBaseDelay:     time.Second,
		ErrorThreshold:     10,
		ErrorWindow:        time.Minute,
		BreakerTimeout:     30 * time.Second,
		StrictValidation:   false,
		MetricsLogInterval: time.Minute,
		AsyncMaxConcurrent: 10,
	}
}

// LoadConfig reads Config from the environment.
func LoadConfig() (Config, error) {
	var cfg Config
	if err := config.Load(&cfg); err != nil {
		return Config{}, fmt.Errorf("failed to load event bus config: %w", err)
	}
	return cfg, nil
}

// BusOptions translates the config into bus options.
func (c Config) BusOptions() []BusOption {
	return []BusOption{
		WithQueueSize(c.QueueSize),
		WithHistorySize(c.HistorySize),
		WithShutdownTimeout(c.ShutdownTimeout),
		WithStuckThreshold(c.StuckThreshold),
	}
}

// NewBusFromConfig creates a bus from config. Options passed after it override config values.
//
// Example:
//
//	cfg, err := event.LoadConfig()
//	if err != nil {
//	    return err
//	}
//	bus := event.NewBusFromConfig(cfg, event.WithScope("room-1"))
func NewBusFromConfig(cfg Config, opts ...BusOption) *Bus {
	return NewBus(append(cfg.BusOptions(), opts...)...)
}

// NewManagerFromConfig creates a manager whose buses use cfg and get the default
// middleware stack installed.
func NewManagerFromConfig(cfg Config, log *slog.Logger, opts ...ManagerOption) *Manager {
	if log == nil {
		log = defaultLogger()
	}
	base := []ManagerOption{
		WithBusOptions(cfg.BusOptions()...),
		WithManagerLogger(log),
		WithBusSetup(func(b *Bus) error {
			for _, mw := range DefaultMiddleware(cfg, b, log) {
				b.AddMiddleware(mw)
			}
			return nil
		}),
	}
	return NewManager(append(base, opts...)...)
}

// DefaultMiddleware builds the standard chain for a bus: validation, logging,
// metrics and error handling with retries republished onto bus.
func DefaultMiddleware(cfg Config, bus *Bus, log *slog.Logger) []Middleware {
	if log == nil {
		log = defaultLogger()
	}
	errOpts := []ErrorHandlingOption{
		WithErrorLogger(log),
		WithErrorThreshold(cfg.ErrorThreshold),
		WithErrorWindow(cfg.ErrorWindow),
		WithBreakerTimeout(cfg.BreakerTimeout),
		WithMaxRetries(cfg.MaxRetries),
		WithRetryBaseDelay(cfg.RetryBaseDelay),
		WithDeadLetterStore(NewMemoryDeadLetter(cfg.DeadLetterSize)),
	}
	if bus != nil {
		errOpts = append(errOpts, WithRepublisher(bus))
	}

	return []Middleware{
		NewValidationMiddleware(
			WithStrictValidation(cfg.StrictValidation),
			WithValidationLogger(log),
		),
		NewLoggingMiddleware(log, slog.LevelDebug),
		NewMetricsMiddleware(
			WithMetricsLogger(log),
			WithReportInterval(cfg.MetricsLogInterval),
		),
		NewErrorHandlingMiddleware(errOpts...),
	}
}
