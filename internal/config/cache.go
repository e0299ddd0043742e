package config

import (
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"
)

// Cache is a TTL'd view of the config so long-lived components notice config
// file edits without re-reading disk on every request.
type Cache struct {
	mu       sync.RWMutex
	config   *Config
	hash     string // SHA-256 of the canonical form, for optimistic concurrency
	loadedAt time.Time
	ttl      time.Duration
}

// NewCache wraps an already-loaded config.
func NewCache(initialCfg *Config, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 500 * time.Millisecond
	}
	return &Cache{
		config:   initialCfg,
		hash:     computeConfigHash(initialCfg),
		loadedAt: time.Now(),
		ttl:      ttl,
	}
}

// Get returns the current config, reloading from disk when the TTL expired.
func (c *Cache) Get() *Config {
	c.mu.RLock()
	if time.Since(c.loadedAt) < c.ttl {
		cfg := c.config
		c.mu.RUnlock()
		return cfg
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()

	// Another goroutine may have refreshed while we waited for the lock.
	if time.Since(c.loadedAt) < c.ttl {
		return c.config
	}

	cfg, err := Load()
	if err != nil {
		// Keep serving the old config; bumping loadedAt avoids a retry storm.
		c.loadedAt = time.Now()
		return c.config
	}
	c.config = cfg
	c.hash = computeConfigHash(cfg)
	c.loadedAt = time.Now()
	return c.config
}

// Hash returns the SHA-256 hash of the current config.
func (c *Cache) Hash() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.hash
}

// Invalidate forces the next Get to reload from disk.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.loadedAt = time.Time{}
}

// Set replaces the cached config directly, typically right after Save.
func (c *Cache) Set(cfg *Config) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.config = cfg
	c.hash = computeConfigHash(cfg)
	c.loadedAt = time.Now()
}

func computeConfigHash(cfg *Config) string {
	data, err := marshalConfigYAML(cfg)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
