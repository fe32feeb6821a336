package config

import (
	"testing"
	"time"
)

func TestLoadRateLimitConfigClamps(t *testing.T) {
	t.Setenv("RATE_LIMIT_CAPACITY", "0")
	t.Setenv("RATE_LIMIT_REFILL_EVERY", "2s")
	t.Setenv("RATE_LIMIT_TTL", "1s")
	c := LoadRateLimitConfig()
	if c.Capacity != 1 || c.RefillTokens != 1 || c.RefillInterval != 2*time.Second {
		t.Fatalf("config = %+v", c)
	}
	if c.TTL != 10*time.Second {
		t.Fatalf("ttl = %v, want 10s", c.TTL)
	}
}

func TestLoadRedisConfigPrefersHostPort(t *testing.T) {
	t.Setenv("REDIS_ADDR", "ignored:1")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("REDIS_PORT", "6380")
	t.Setenv("REDIS_TLS", "yes")
	c := LoadRedisConfig()
	if c.Addr != "cache:6380" || !c.TLS {
		t.Fatalf("config = %+v", c)
	}
}

func TestLoadSQLiteDefaults(t *testing.T) {
	t.Setenv("JWT_SECRET", "s3cret")
	t.Setenv("DB_DRIVER", "")
	t.Setenv("SYNC_EVENTS_ENABLED", "1")
	c := Load()
	if c.DBDriver != "sqlite" || c.SQLitePath == "" || !c.SyncEventsEnabled {
		t.Fatalf("config = %+v", c)
	}
	if c.DeviceTokenTTLMin <= 0 {
		t.Fatalf("ttl = %d", c.DeviceTokenTTLMin)
	}
}

func TestCacheMethodsUpperCased(t *testing.T) {
	t.Setenv("CACHE_METHODS", "get, head")
	c := LoadCacheConfig()
	if !c.Methods["GET"] || !c.Methods["HEAD"] || len(c.Methods) != 2 {
		t.Fatalf("methods = %v", c.Methods)
	}
}
