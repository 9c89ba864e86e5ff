// Package config provides type-safe environment variable loading with caching
// using Go generics. Each configuration type is loaded once and cached for
// subsequent calls.
//
// The package automatically loads .env files on first use and uses the
// caarlos0/env library for parsing environment variables into struct fields.
//
// Basic usage:
//
//	import "github.com/dmitrymomot/eventbus/core/config"
//
//	type BusConfig struct {
//		QueueSize   int           `env:"EVENTBUS_QUEUE_SIZE" envDefault:"10000"`
//		HistorySize int           `env:"EVENTBUS_HISTORY_SIZE" envDefault:"1000"`
//		Timeout     time.Duration `env:"EVENTBUS_SHUTDOWN_TIMEOUT" envDefault:"5s"`
//	}
//
//	func main() {
//		var cfg BusConfig
//
//		// Load with error handling
//		if err := config.Load(&cfg); err != nil {
//			log.Fatal(err)
//		}
//
//		// Or panic on failure (useful for startup)
//		config.MustLoad(&cfg)
//	}
//
// # Caching Behavior
//
// Each configuration type is loaded only once per application lifetime:
//
//	var cfg1 BusConfig
//	config.Load(&cfg1) // Loads from environment
//
//	var cfg2 BusConfig
//	config.Load(&cfg2) // Returns cached value, cfg1 == cfg2
//
// Reset[T]() drops the cached entry, which tests use after t.Setenv.
//
// Different types are cached independently:
//
//	type RedisConfig struct {
//		URL string `env:"REDIS_URL,required"`
//	}
//
//	// Each type has its own cache entry
//	config.MustLoad(&BusConfig{})
//	config.MustLoad(&RedisConfig{})
package config
