package circuitbreaker

import (
	"os"
	"strconv"
	"time"
)

// Settings are the tunables of one breaker, read from CB_<PREFIX>_* env vars.
type Settings struct {
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	SuccessThreshold uint32
}

// FromEnv overlays CB_<prefix>_MAX_REQUESTS, _INTERVAL, _TIMEOUT,
// _FAILURE_THRESHOLD and _SUCCESS_THRESHOLD onto defaults.
func FromEnv(prefix string, defaults Settings) Settings {
	p := "CB_" + prefix + "_"
	return Settings{
		MaxRequests:      getEnvUint32(p+"MAX_REQUESTS", defaults.MaxRequests),
		Interval:         getEnvDuration(p+"INTERVAL", defaults.Interval),
		Timeout:          getEnvDuration(p+"TIMEOUT", defaults.Timeout),
		FailureThreshold: getEnvUint32(p+"FAILURE_THRESHOLD", defaults.FailureThreshold),
		SuccessThreshold: getEnvUint32(p+"SUCCESS_THRESHOLD", defaults.SuccessThreshold),
	}
}

// RedisSettings guards the checkpoint store.
func RedisSettings() Settings {
	return FromEnv("REDIS", Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2})
}

// DatabaseSettings guards the history and evaluation tables.
func DatabaseSettings() Settings {
	return FromEnv("DB", Settings{MaxRequests: 3, Interval: 60 * time.Second, Timeout: 30 * time.Second, FailureThreshold: 5, SuccessThreshold: 2})
}

// HTTPSettings guards Qdrant.
func HTTPSettings() Settings {
	return FromEnv("HTTP", Settings{MaxRequests: 5, Interval: 30 * time.Second, Timeout: 15 * time.Second, FailureThreshold: 3, SuccessThreshold: 2})
}

// AMQPSettings guards helper RPCs over the broker.
func AMQPSettings() Settings {
	return FromEnv("AMQP", Settings{MaxRequests: 3, Interval: 30 * time.Second, Timeout: 10 * time.Second, FailureThreshold: 5, SuccessThreshold: 1})
}

// ToConfig converts Settings to a breaker Config.
func (s Settings) ToConfig() Config {
	return Config{
		MaxRequests:      s.MaxRequests,
		Interval:         s.Interval,
		Timeout:          s.Timeout,
		FailureThreshold: s.FailureThreshold,
		SuccessThreshold: s.SuccessThreshold,
	}
}

func getEnvUint32(key string, defaultValue uint32) uint32 {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 32); err == nil {
			return uint32(parsed)
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return defaultValue
}
