// Package cache provides the byte-oriented cache used for menu trees and
// revoked tokens, with an in-process LRU implementation and a Redis one.
package cache

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/simplelru"
)

// ErrMiss is returned by Get when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Store is the cache contract shared by the in-memory and Redis backends.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
	// DeletePrefix removes every key starting with prefix.
	DeletePrefix(ctx context.Context, prefix string) error
	Ping(ctx context.Context) error
}

// Config configures the in-memory cache.
type Config struct {
	// MaxSize is the maximum number of items in the cache.
	MaxSize int `yaml:"max_size"`
	// DefaultTTL applies when Set is called with a zero ttl.
	DefaultTTL time.Duration `yaml:"default_ttl"`
}

func DefaultConfig() Config {
	return Config{
		MaxSize:    10000,
		DefaultTTL: 5 * time.Minute,
	}
}

// Memory is the in-process Store: a bounded LRU whose entries also carry a
// deadline. Expired entries are dropped on read or by PurgeExpired.
type Memory struct {
	mu         sync.Mutex
	lru        *simplelru.LRU
	maxSize    int
	defaultTTL time.Duration
	now        func() time.Time

	hits, misses, evictions int64
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

func NewMemory(cfg Config) *Memory {
	def := DefaultConfig()
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = def.MaxSize
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = def.DefaultTTL
	}
	// NewLRU only fails for a non-positive size.
	l, _ := simplelru.NewLRU(cfg.MaxSize, nil)
	return &Memory{lru: l, maxSize: cfg.MaxSize, defaultTTL: cfg.DefaultTTL, now: time.Now}
}

func (c *Memory) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.lru.Get(key)
	if ok && c.now().After(v.(entry).expiresAt) {
		c.lru.Remove(key)
		ok = false
	}
	if !ok {
		c.misses++
		return nil, ErrMiss
	}
	c.hits++
	return bytes.Clone(v.(entry).value), nil
}

// Set stores a copy of value. A non-positive ttl means the default TTL.
func (c *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	e := entry{value: bytes.Clone(value), expiresAt: c.now().Add(ttl)}
	c.mu.Lock()
	if c.lru.Add(key, e) {
		c.evictions++
	}
	c.mu.Unlock()
	return nil
}

func (c *Memory) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range keys {
		c.lru.Remove(k)
	}
	return nil
}

func (c *Memory) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range c.lru.Keys() {
		if strings.HasPrefix(k.(string), prefix) {
			c.lru.Remove(k)
		}
	}
	return nil
}

func (c *Memory) Ping(context.Context) error { return nil }

// Len counts entries, expired ones not yet purged included.
func (c *Memory) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

type Stats struct {
	Size      int
	MaxSize   int
	Hits      int64
	Misses    int64
	Evictions int64
	HitRate   float64
}

func (c *Memory) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := Stats{Size: c.lru.Len(), MaxSize: c.maxSize, Hits: c.hits, Misses: c.misses, Evictions: c.evictions}
	if n := c.hits + c.misses; n > 0 {
		s.HitRate = float64(c.hits) / float64(n)
	}
	return s
}

// PurgeExpired drops expired entries without touching recency and returns
// how many went.
func (c *Memory) PurgeExpired() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	n := 0
	for _, k := range c.lru.Keys() {
		if v, ok := c.lru.Peek(k); ok && now.After(v.(entry).expiresAt) {
			c.lru.Remove(k)
			n++
		}
	}
	return n
}

// RunJanitor calls PurgeExpired every interval, one minute when zero, until
// ctx ends.
func (c *Memory) RunJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			c.PurgeExpired()
		}
	}
}
