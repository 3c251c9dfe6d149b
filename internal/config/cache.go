package config

import "time"

// CacheConfig defines settings for the response cache placed in front of the
// seat block summary. The summary is an aggregate recomputed from MySQL and
// Redis on every call, so even a TTL of a couple of seconds absorbs most of
// an on-sale stampede while pollers stay fresh through the change feed.
type CacheConfig struct {
	Enabled      bool
	TTL          time.Duration
	Prefix       string
	MaxBodyBytes int
}

// LoadCacheConfig reads CACHE_* variables with defaults.
func LoadCacheConfig() CacheConfig {
	return CacheConfig{
		Enabled:      envBool("CACHE_ENABLED", true),
		TTL:          envDur("CACHE_TTL", 2*time.Second),
		Prefix:       envStr("CACHE_PREFIX", "cache"),
		MaxBodyBytes: envInt("CACHE_MAX_BODY_BYTES", 1<<20),
	}
}
