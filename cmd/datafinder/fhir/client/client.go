// Package client is a FHIR REST client that queues GET requests, runs them
// with bounded concurrency, optionally coalesces them into batch bundles and
// memoizes their responses per URL.
package client

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
	metrics    *metrics
	sem        *semaphore.Weighted
	cache      *responseCache

	mu          sync.Mutex
	queue       []*call
	gen         *generation
	features    Features
	versionName string

	wake     chan struct{}
	lifeCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup
}

type Option func(*options)

type options struct {
	httpClient *http.Client
	registerer prometheus.Registerer
}

// WithHTTPClient replaces the default transport.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.httpClient = c }
}

// WithRegisterer registers the client metrics.
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(o *options) { o.registerer = reg }
}

// New creates a client and starts its dispatcher. Initialize must be called
// before the features are known; until then requests are sent one by one.
func New(cfg Config, log zerolog.Logger, opts ...Option) (*Client, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.httpClient == nil {
		o.httpClient = newHTTPClient(cfg, log)
	}

	lifeCtx, shutdown := context.WithCancel(context.Background())
	c := &Client{
		cfg:        cfg,
		baseURL:    strings.TrimRight(cfg.ServiceBaseURL, "/"),
		httpClient: o.httpClient,
		log:        log.With().Str("component", "fhir_client").Str("server", cfg.ServiceBaseURL).Logger(),
		metrics:    newMetrics(o.registerer),
		sem:        semaphore.NewWeighted(int64(cfg.MaxActiveRequests)),
		cache:      newResponseCache(cfg.Cache, log),
		gen:        newGeneration(lifeCtx),
		wake:       make(chan struct{}, 1),
		lifeCtx:    lifeCtx,
		shutdown:   shutdown,
	}

	c.wg.Add(1)
	go c.dispatch()
	return c, nil
}

// Connect creates a client for one FHIR server session and initializes it.
func Connect(ctx context.Context, cfg Config, flags FeatureFlags, log zerolog.Logger, opts ...Option) (*Client, error) {
	c, err := New(cfg, log, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.Initialize(ctx, flags); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func newHTTPClient(cfg Config, log zerolog.Logger) *http.Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 0
	retryClient.ErrorHandler = retryablehttp.PassthroughErrorHandler
	retryClient.Logger = leveledLogger{log: log.With().Str("component", "fhir_transport").Logger()}
	retryClient.HTTPClient = &http.Client{
		Timeout: cfg.HTTPTimeout,
	}
	return retryClient.StandardClient()
}

// GetWithCache resolves a request relative to the service base URL, or an
// absolute URL such as a next page link. Identical URLs share one request.
// Cancelling ctx detaches this caller only, it then gets an aborted response.
func (c *Client) GetWithCache(ctx context.Context, url string) Response {
	c.mu.Lock()
	if c.lifeCtx.Err() != nil {
		c.mu.Unlock()
		return abortedResponse()
	}
	gen := c.gen
	entry, created := c.cache.getOrCreate(url, func() *call {
		return &call{url: url, gen: gen, done: make(chan struct{}), createdAt: time.Now()}
	})
	if !created && entry.settled() {
		c.mu.Unlock()
		c.metrics.cacheHits.Inc()
		c.log.Debug().Str("url", url).Msg("Response served from cache")
		return entry.resp
	}
	entry.waiters++
	if created {
		c.queue = append(c.queue, entry)
		c.signal()
	}
	c.mu.Unlock()

	select {
	case <-entry.done:
		return entry.resp
	case <-ctx.Done():
		c.mu.Lock()
		entry.waiters--
		c.mu.Unlock()
		return abortedResponse()
	}
}

// ClearPendingRequests cancels every queued and in-flight request. Their
// callers observe an aborted response and late completions are dropped.
func (c *Client) ClearPendingRequests() {
	c.mu.Lock()
	old := c.gen
	c.gen = newGeneration(c.lifeCtx)
	queued := c.queue
	c.queue = nil
	c.cache.removePending()
	c.mu.Unlock()

	old.cancel()
	for _, entry := range queued {
		c.settle(entry, abortedResponse(), "queued")
	}
	if len(queued) > 0 {
		c.log.Debug().Int("queued", len(queued)).Msg("Cleared pending requests")
	}
}

// Generation returns a context that the next ClearPendingRequests (or Close)
// cancels.
func (c *Client) Generation() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gen.ctx
}

// SetCacheEnabled switches response memoization and drops the cached responses
// when the setting changes.
func (c *Client) SetCacheEnabled(enabled bool) {
	c.mu.Lock()
	changed := c.cfg.CacheEnabled != enabled
	c.cfg.CacheEnabled = enabled
	c.mu.Unlock()
	if changed {
		removed := c.cache.clearSettled()
		c.log.Info().Bool("enabled", enabled).Int("removed", removed).Msg("Response cache setting changed")
	}
}

// ClearCache drops all settled responses.
func (c *Client) ClearCache() {
	c.cache.clearSettled()
}

func (c *Client) Features() Features {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.features
}

// VersionName is the FHIR version name detected by Initialize, e.g. "R4".
func (c *Client) VersionName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.versionName
}

func (c *Client) ServiceBaseURL() string {
	return c.baseURL
}

// Close aborts outstanding requests and stops the dispatcher.
func (c *Client) Close() {
	c.ClearPendingRequests()
	c.shutdown()
	c.wg.Wait()
	c.cache.stop()
}

func (c *Client) signal() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Client) cacheEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.CacheEnabled
}

// settle resolves a call once. Responses of a cancelled generation become
// aborted; aborted and uncached responses leave the cache.
func (c *Client) settle(entry *call, resp Response, kind string) {
	if entry.settled() {
		return
	}
	if entry.gen.ctx.Err() != nil {
		resp = abortedResponse()
	}
	entry.resp = resp
	close(entry.done)
	c.metrics.observe(kind, resp)

	if resp.Aborted() || !c.cacheEnabled() {
		c.cache.remove(entry.url, entry)
		return
	}
	c.cache.markSettled(entry)
}

func (c *Client) absoluteURL(url string) string {
	if isAbsolute(url) {
		return url
	}
	return c.baseURL + "/" + strings.TrimLeft(url, "/")
}

// relativeURL returns url relative to the base URL, false when the url
// points elsewhere.
func (c *Client) relativeURL(url string) (string, bool) {
	if !isAbsolute(url) {
		return strings.TrimLeft(url, "/"), true
	}
	if strings.HasPrefix(url, c.baseURL+"/") {
		return strings.TrimPrefix(url, c.baseURL+"/"), true
	}
	return "", false
}

func isAbsolute(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}

// leveledLogger routes retryablehttp logging to zerolog
type leveledLogger struct {
	log zerolog.Logger
}

func (l leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Trace().Fields(keysAndValues).Msg(msg)
}

func (l leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn().Fields(keysAndValues).Msg(msg)
}

var _ retryablehttp.LeveledLogger = leveledLogger{}
