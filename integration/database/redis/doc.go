// Package redis provides Redis client initialization and health checking for
// components that persist event bus state, such as the Redis dead-letter store.
//
// Connect validates the URL, creates a go-redis client and pings it with
// exponential retry before returning it:
//
//	client, err := redis.Connect(ctx, redis.Config{
//		ConnectionURL:  "redis://localhost:6379/0",
//		RetryAttempts:  3,
//		RetryInterval:  time.Second,
//		ConnectTimeout: 10 * time.Second,
//	})
//	if err != nil {
//		return err
//	}
//	defer client.Close()
//
// Healthcheck returns a ping function suitable for readiness probes.
//
// # Configuration
//
//	type Config struct {
//		ConnectionURL  string        `env:"REDIS_URL,required" envDefault:"redis://localhost:6379/0"`
//		RetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
//		RetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"5s"`
//		ConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"30s"`
//	}
//
// Both redis:// and rediss:// (TLS) URLs are accepted.
//
// # Errors
//
//   - ErrEmptyConnectionURL: no connection URL was given
//   - ErrFailedToParseRedisConnString: the URL is malformed
//   - ErrRedisNotReady: Redis did not answer within the retry budget
//   - ErrHealthcheckFailed: the health check ping failed
package redis
