// Package config holds client configuration and defaults.
package config

import (
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level client configuration.
type Config struct {
	Query QueryConfig `mapstructure:"query"`
	Retry RetryConfig `mapstructure:"retry"`
	Pool  PoolConfig  `mapstructure:"pool"`
	Log   LogConfig   `mapstructure:"log"`
}

// QueryConfig configures cross-partition query execution.
type QueryConfig struct {
	// DefaultPageSize is used when FeedOptions.MaxItemCount is unset.
	DefaultPageSize int `mapstructure:"default_page_size"`

	// MaxBufferedItemCount caps the total items buffered across all
	// producers of one query. FeedOptions may lower it per query.
	MaxBufferedItemCount int `mapstructure:"max_buffered_item_count"`

	// MaxDegreeOfParallelism bounds concurrent outstanding fetches.
	// -1 = auto (min(producers, 2 x NumCPU)), 0 or 1 = serial.
	MaxDegreeOfParallelism int `mapstructure:"max_degree_of_parallelism"`

	// PrefetchDepth is the per-producer look-ahead in pages.
	PrefetchDepth int `mapstructure:"prefetch_depth"`

	// RequestTimeout is applied per page request; the transport enforces
	// it, the pipeline converts the expiry into a retryable failure.
	RequestTimeout time.Duration `mapstructure:"request_timeout"`

	// RoutingCacheSize is the number of collections whose routing
	// snapshot is cached.
	RoutingCacheSize int `mapstructure:"routing_cache_size"`
}

// RetryConfig configures the default retry controller.
type RetryConfig struct {
	MaxRetries   int           `mapstructure:"max_retries"`
	InitialDelay time.Duration `mapstructure:"initial_delay"`
	MaxDelay     time.Duration `mapstructure:"max_delay"`
}

// PoolConfig configures the fetch scheduler's goroutine pool.
type PoolConfig struct {
	WorkerExpiry time.Duration `mapstructure:"worker_expiry"` // idle goroutine expiry for ants
}

// LogConfig configures the client logger.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// DefaultConfig returns the production defaults.
func DefaultConfig() *Config {
	return &Config{
		Query: QueryConfig{
			DefaultPageSize:        100,
			MaxBufferedItemCount:   1000,
			MaxDegreeOfParallelism: -1,
			PrefetchDepth:          2,
			RequestTimeout:         30 * time.Second,
			RoutingCacheSize:       256,
		},
		Retry: RetryConfig{
			MaxRetries:   5,
			InitialDelay: 10 * time.Millisecond,
			MaxDelay:     time.Second,
		},
		Pool: PoolConfig{
			WorkerExpiry: time.Second,
		},
		Log: LogConfig{
			Level:  "INFO",
			Format: "text",
		},
	}
}

// AutoParallelism resolves a MaxDegreeOfParallelism knob for the given
// producer count: -1 = min(producers, 2 x NumCPU); 0 and 1 = serial.
func AutoParallelism(dop, producerCount int) int {
	switch {
	case dop < 0:
		auto := 2 * runtime.NumCPU()
		if producerCount < auto {
			auto = producerCount
		}
		if auto < 1 {
			auto = 1
		}
		return auto
	case dop <= 1:
		return 1
	default:
		return dop
	}
}

// LoadFromEnv overlays MERIDIAN_* environment variables onto the defaults.
// MERIDIAN_QUERY_DEFAULT_PAGE_SIZE=50 maps to query.default_page_size.
func LoadFromEnv(prefix string) (*Config, error) {
	cfg := DefaultConfig()
	v := viper.New()

	prefixUpper := strings.ToUpper(prefix)
	for _, envStr := range os.Environ() {
		pair := strings.SplitN(envStr, "=", 2)
		key, value := pair[0], pair[1]

		if strings.HasPrefix(key, prefixUpper) {
			// MERIDIAN_QUERY_REQUEST_TIMEOUT -> query.request_timeout
			propKey := strings.TrimPrefix(key, prefixUpper)
			propKey = strings.TrimPrefix(propKey, "_")
			propKey = strings.ToLower(propKey)
			if i := strings.Index(propKey, "_"); i > 0 {
				propKey = propKey[:i] + "." + propKey[i+1:]
			}
			v.Set(propKey, value)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return cfg, nil
}
