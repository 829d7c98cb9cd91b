package client

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// call is one logical request shared by every caller of the same URL
type call struct {
	url     string
	gen     *generation
	done    chan struct{}
	resp    Response
	waiters int // guarded by Client.mu

	createdAt time.Time
	expiresAt time.Time // zero for entries that never expire
}

func (c *call) settled() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// generation groups the requests issued between two ClearPendingRequests
type generation struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func newGeneration(parent context.Context) *generation {
	ctx, cancel := context.WithCancel(parent)
	return &generation{ctx: ctx, cancel: cancel}
}

type CacheConfig struct {
	// TTL of settled responses, 0 keeps them for the lifetime of the client
	TTL time.Duration

	// MaxSize bounds the number of settled responses, oldest are removed first.
	// 0 means unlimited
	MaxSize int

	// CleanupInterval defines how often expired entries are removed
	CleanupInterval time.Duration
}

// responseCache maps request URLs to in-flight and settled calls
type responseCache struct {
	mu       sync.Mutex
	entries  map[string]*call
	config   CacheConfig
	log      zerolog.Logger
	stopChan chan struct{}
	stopOnce sync.Once
}

func newResponseCache(config CacheConfig, log zerolog.Logger) *responseCache {
	cache := &responseCache{
		entries:  make(map[string]*call),
		config:   config,
		log:      log.With().Str("component", "response_cache").Logger(),
		stopChan: make(chan struct{}),
	}

	if config.CleanupInterval > 0 && (config.TTL > 0 || config.MaxSize > 0) {
		go cache.startCleanupRoutine()
		cache.log.Debug().
			Dur("interval", config.CleanupInterval).
			Int("max_size", config.MaxSize).
			Dur("ttl", config.TTL).
			Msg("Started cache cleanup routine")
	}
	return cache
}

// getOrCreate returns the live entry for url, or stores the call built by create.
func (c *responseCache) getOrCreate(url string, create func() *call) (*call, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if existing, ok := c.entries[url]; ok {
		if existing.expiresAt.IsZero() || time.Now().Before(existing.expiresAt) || !existing.settled() {
			return existing, false
		}
		delete(c.entries, url)
	}
	created := create()
	c.entries[url] = created
	return created, true
}

// markSettled applies the TTL to a settled call kept in the cache.
func (c *responseCache) markSettled(entry *call) {
	if c.config.TTL <= 0 {
		return
	}
	c.mu.Lock()
	entry.expiresAt = time.Now().Add(c.config.TTL)
	c.mu.Unlock()
}

// remove deletes url only while it still maps to entry.
func (c *responseCache) remove(url string, entry *call) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries[url] == entry {
		delete(c.entries, url)
	}
}

// removePending drops every unsettled entry.
func (c *responseCache) removePending() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, entry := range c.entries {
		if !entry.settled() {
			delete(c.entries, url)
		}
	}
}

// clearSettled drops every settled entry, in-flight calls stay shared.
func (c *responseCache) clearSettled() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for url, entry := range c.entries {
		if entry.settled() {
			delete(c.entries, url)
			removed++
		}
	}
	return removed
}

func (c *responseCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *responseCache) startCleanupRoutine() {
	ticker := time.NewTicker(c.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup()
		case <-c.stopChan:
			return
		}
	}
}

func (c *responseCache) cleanup() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var (
		now            = time.Now()
		expiredEntries int
		removedEntries int
		settled        = make([]*call, 0, len(c.entries))
	)

	for url, entry := range c.entries {
		if !entry.settled() {
			continue
		}
		if !entry.expiresAt.IsZero() && now.After(entry.expiresAt) {
			delete(c.entries, url)
			expiredEntries++
			continue
		}
		settled = append(settled, entry)
	}

	if c.config.MaxSize > 0 && len(settled) > c.config.MaxSize {
		sort.Slice(settled, func(i, j int) bool {
			return settled[i].createdAt.Before(settled[j].createdAt)
		})
		for _, entry := range settled[:len(settled)-c.config.MaxSize] {
			delete(c.entries, entry.url)
			removedEntries++
		}
	}

	c.log.Debug().
		Int("expired_removed", expiredEntries).
		Int("size_limit_removed", removedEntries).
		Int("remaining_entries", len(c.entries)).
		Msg("Completed cache cleanup")
}

func (c *responseCache) stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
	c.mu.Lock()
	c.entries = make(map[string]*call)
	c.mu.Unlock()
}
