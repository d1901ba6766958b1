package assetcache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/always-cache/asset-cache/cache"
	cachekey "github.com/always-cache/asset-cache/pkg/cache-key"
	cachename "github.com/always-cache/asset-cache/pkg/cache-name"
	serializer "github.com/always-cache/asset-cache/pkg/response-serializer"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

// DefaultPrecache is the manifest of the restaurant reviews site.
var DefaultPrecache = []string{
	"/restaurant.html",
	"js/restaurant_info.js",
	"css/styles.css",
	"data/restaurants.json",
}

type Config struct {
	// Name of the cache this worker version owns, e.g. "restaurant-static-v26".
	// Bump the version whenever the precache manifest changes.
	CacheName string
	// Caches whose names start with Prefix but are not CacheName are deleted on activation.
	// Derived from CacheName if empty (everything up to and including the first "-").
	Prefix string
	// Base URL of the origin. Relative manifest entries are resolved against it.
	Scope url.URL
	// URLs to store during install. DefaultPrecache is used if nil.
	Precache []string
	// Storage for the named caches.
	Storage cache.Storage
	// Transport used to reach the network. http.DefaultTransport is used if nil.
	Transport http.RoundTripper
	// Optional URL served from the cache to HTML requests when the network fails.
	// It should be part of Precache.
	OfflineFallback string
	// Maximum number of concurrent precache fetches. Defaults to 4.
	Concurrency int
	// Logger to use. A console logger is used if nil.
	Logger *zerolog.Logger
}

// Manager is one version of the asset cache worker.
// It precaches its manifest on install, deletes stale caches on activate,
// and answers requests cache-first once activated.
type Manager struct {
	cacheName   string
	prefix      string
	keyer       cachekey.CacheKeyer
	precache    []string
	storage     cache.Storage
	transport   http.RoundTripper
	// follows redirects for precache fetches
	client      *http.Client
	fallbackKey string
	concurrency int
	log         zerolog.Logger
	fetchGroup  singleflight.Group

	mutex         sync.Mutex
	state         State
	cache         cache.Cache
	skipWaiting   bool
	onSkipWaiting func(context.Context, *Manager) error
}

// New creates a worker in the parsed state.
func New(config Config) (*Manager, error) {
	if config.CacheName == "" {
		return nil, fmt.Errorf("cache name is required")
	}
	if config.Storage == nil {
		return nil, fmt.Errorf("storage is required")
	}
	if !config.Scope.IsAbs() || config.Scope.Host == "" {
		return nil, fmt.Errorf("scope must be an absolute URL, got %q", config.Scope.String())
	}

	// use console logger if not specified in config
	var logger zerolog.Logger
	if config.Logger == nil {
		logger = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		logger = *config.Logger
	}

	m := &Manager{
		cacheName:   config.CacheName,
		prefix:      config.Prefix,
		keyer:       cachekey.NewCacheKeyer(config.Scope),
		storage:     config.Storage,
		transport:   config.Transport,
		concurrency: config.Concurrency,
		log: logger.With().
			Str("cache", config.CacheName).
			Logger(),
	}
	if m.prefix == "" {
		m.prefix = cachename.DefaultPrefix(config.CacheName)
	}
	if !strings.HasPrefix(m.cacheName, m.prefix) {
		return nil, fmt.Errorf("cache name %q does not start with prefix %q", m.cacheName, m.prefix)
	}
	if m.transport == nil {
		m.transport = http.DefaultTransport
	}
	m.client = &http.Client{Transport: m.transport}
	if m.concurrency <= 0 {
		m.concurrency = 4
	}

	manifest := config.Precache
	if manifest == nil {
		manifest = DefaultPrecache
	}
	seen := make(map[string]bool, len(manifest))
	for _, ref := range manifest {
		key, err := m.keyer.KeyFor(ref)
		if err != nil {
			return nil, err
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate precache entry %s", key)
		}
		seen[key] = true
		m.precache = append(m.precache, key)
	}

	if config.OfflineFallback != "" {
		key, err := m.keyer.KeyFor(config.OfflineFallback)
		if err != nil {
			return nil, err
		}
		if !seen[key] {
			m.log.Warn().Str("fallback", key).Msg("Offline fallback is not precached")
		}
		m.fallbackKey = key
	}

	return m, nil
}

func (m *Manager) CacheName() string {
	return m.cacheName
}

func (m *Manager) Prefix() string {
	return m.prefix
}

// Precache returns the resolved manifest keys.
func (m *Manager) Precache() []string {
	return append([]string(nil), m.precache...)
}

func (m *Manager) State() State {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.state
}

// SkipWaiting reports whether the worker has been told to skip waiting.
func (m *Manager) SkipWaiting() bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.skipWaiting
}

func (m *Manager) setState(s State) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.log.Debug().Stringer("from", m.state).Stringer("to", s).Msg("State change")
	m.state = s
}

func (m *Manager) transition(from, to State) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if m.state != from {
		return fmt.Errorf("%w: %s is %s, need %s", ErrInvalidState, m.cacheName, m.state, from)
	}
	m.log.Debug().Stringer("from", m.state).Stringer("to", to).Msg("State change")
	m.state = to
	return nil
}

func (m *Manager) setOnSkipWaiting(hook func(context.Context, *Manager) error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.onSkipWaiting = hook
}

// Install opens the worker's cache and stores every manifest URL in it.
// Either all of the manifest is stored or, on any failure, none of it;
// the worker is then redundant and a *PrecacheError is returned.
func (m *Manager) Install(ctx context.Context) error {
	if err := m.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	if err := m.install(ctx); err != nil {
		m.log.Error().Err(err).Msg("Install failed")
		m.setState(StateRedundant)
		return err
	}
	m.log.Info().Int("entries", len(m.precache)).Msg("Installed")
	m.setState(StateInstalled)
	return nil
}

func (m *Manager) install(ctx context.Context) error {
	c, err := m.storage.Open(m.cacheName)
	if err != nil {
		return fmt.Errorf("open cache %s: %w", m.cacheName, err)
	}
	entries := make([]cache.Entry, len(m.precache))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.concurrency)
	for i, key := range m.precache {
		i, key := i, key
		g.Go(func() error {
			e, err := m.fetchForPrecache(gctx, key)
			entries[i] = e
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := c.PutAll(entries); err != nil {
		return fmt.Errorf("store precache in %s: %w", m.cacheName, err)
	}
	m.setCache(c)
	return nil
}

// setCache keeps the handle requests are served from. Requests never open
// the cache themselves, so once it is deleted it stays deleted.
func (m *Manager) setCache(c cache.Cache) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.cache = c
}

func (m *Manager) openedCache() cache.Cache {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	return m.cache
}

func (m *Manager) fetchForPrecache(ctx context.Context, key string) (cache.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, key, nil)
	if err != nil {
		return cache.Entry{}, &PrecacheError{URL: key, Err: err}
	}
	requestTime := time.Now()
	res, err := m.client.Do(req)
	if err != nil {
		return cache.Entry{}, &PrecacheError{URL: key, Err: err}
	}
	if res.StatusCode < 200 || res.StatusCode > 299 {
		io.Copy(io.Discard, res.Body)
		res.Body.Close()
		return cache.Entry{}, &PrecacheError{URL: key, StatusCode: res.StatusCode}
	}
	if reason := unstorable(res); reason != "" {
		res.Body.Close()
		return cache.Entry{}, &PrecacheError{URL: key, StatusCode: res.StatusCode, Err: fmt.Errorf("%s", reason)}
	}
	b, err := m.snapshot(key, req, res, requestTime)
	if err != nil {
		return cache.Entry{}, &PrecacheError{URL: key, Err: err}
	}
	m.log.Trace().Str("key", key).Int("bytes", len(b)).Msg("Fetched for precache")
	return cache.Entry{Key: key, StoredAt: time.Now(), Bytes: b}, nil
}

// Resume adopts a cache installed by an earlier run. If every manifest URL is
// already stored under the worker's cache name, the worker is activated
// without touching the network. Otherwise ErrNotInstalled is returned
// and the worker stays parsed, ready for Install.
func (m *Manager) Resume(ctx context.Context) error {
	if err := m.transition(StateParsed, StateInstalling); err != nil {
		return err
	}
	c, err := m.installed()
	if err == nil && c == nil {
		err = ErrNotInstalled
	}
	if err != nil {
		m.setState(StateParsed)
		return err
	}
	m.log.Info().Msg("Resuming installed cache")
	m.setCache(c)
	m.setState(StateInstalled)
	return m.Activate(ctx)
}

// installed returns the worker's cache if it holds the whole manifest, or nil.
func (m *Manager) installed() (cache.Cache, error) {
	has, err := m.storage.Has(m.cacheName)
	if err != nil || !has {
		return nil, err
	}
	c, err := m.storage.Open(m.cacheName)
	if err != nil {
		return nil, err
	}
	for _, key := range m.precache {
		if _, ok, err := c.Match(key); err != nil || !ok {
			return nil, err
		}
	}
	return c, nil
}

// Activate deletes every cache that shares the worker's prefix but is not its own.
// Deletion is best effort: failures are logged and otherwise ignored.
func (m *Manager) Activate(ctx context.Context) error {
	if err := m.transition(StateInstalled, StateActivating); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		m.setState(StateInstalled)
		return err
	}
	names, err := m.storage.Keys()
	if err != nil {
		m.setState(StateInstalled)
		return fmt.Errorf("list caches: %w", err)
	}
	for _, name := range cachename.Stale(m.prefix, m.cacheName, names) {
		if deleted, err := m.storage.Delete(name); err != nil {
			m.log.Warn().Err(err).Str("stale", name).Msg("Could not delete stale cache")
		} else if deleted {
			m.log.Info().Str("stale", name).Msg("Deleted stale cache")
		}
	}
	m.setState(StateActivated)
	return nil
}

// HandleMessage handles a control message posted to the worker.
// A skipWaiting message lets a waiting worker activate right away;
// anything else is ignored.
func (m *Manager) HandleMessage(ctx context.Context, msg Message) error {
	if msg.Action != ActionSkipWaiting {
		m.log.Trace().Str("action", msg.Action).Msg("Ignoring message")
		return nil
	}
	m.mutex.Lock()
	m.skipWaiting = true
	hook := m.onSkipWaiting
	m.mutex.Unlock()
	m.log.Debug().Msg("Skip waiting")
	if hook != nil {
		return hook(ctx, m)
	}
	return nil
}

// fetched is the outcome of a network fetch shared between collapsed requests.
type fetched struct {
	bytes  []byte
	stored bool
}

// RoundTrip implements http.RoundTripper. Once the worker is activated it answers
// GET requests from its cache, falling back to the network and storing the
// response on a miss. Before that, requests go straight to the network.
func (m *Manager) RoundTrip(req *http.Request) (*http.Response, error) {
	cs := CacheStatus{}
	if m.State() != StateActivated {
		cs.Forward(CacheStatusFwdBypass)
		return m.forward(req, cs)
	}
	if req.Method != http.MethodGet {
		cs.Forward(CacheStatusFwdMethod)
		return m.forward(req, cs)
	}

	c := m.openedCache()
	if c == nil {
		m.log.Error().Msg("Activated without an installed cache")
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Detail("storage-error")
		return m.forward(req, cs)
	}

	key := m.keyer.Key(req)
	res, vary, ok := m.match(c, key, req, &cs)
	if ok {
		m.log.Trace().Str("key", key).Msg("Serving from cache")
		return res, nil
	}

	v, err, shared := m.fetchGroup.Do(collapseKey(key, req, vary), func() (interface{}, error) {
		return m.fetchAndStore(c, key, req)
	})
	if err != nil {
		if res, ok := m.fallback(c, req); ok {
			m.log.Warn().Err(err).Str("key", key).Msg("Network failed, serving offline fallback")
			return res, nil
		}
		return nil, err
	}
	f := v.(fetched)
	sRes, err := serializer.BytesToStoredResponse(f.bytes)
	if err != nil {
		return nil, &NetworkError{URL: key, Err: err}
	}
	if f.stored {
		cs.Stored()
	}
	if shared {
		cs.Collapsed()
	}
	return m.respond(req, sRes.Response, cs), nil
}

func (m *Manager) forward(req *http.Request, cs CacheStatus) (*http.Response, error) {
	res, err := m.transport.RoundTrip(req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	res.Header.Add("Cache-Status", cs.String())
	return res, nil
}

// match looks the request up in c. On a vary miss it also returns the
// header names the stored response varies on.
func (m *Manager) match(c cache.Cache, key string, req *http.Request, cs *CacheStatus) (*http.Response, []string, bool) {
	cs.Forward(CacheStatusFwdUriMiss)
	e, ok, err := c.Match(key)
	if err != nil {
		m.log.Error().Err(err).Str("key", key).Msg("Could not retrieve from cache")
		return nil, nil, false
	}
	if !ok {
		return nil, nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(e.Bytes)
	if err != nil {
		m.log.Error().Err(err).Str("key", key).Msg("Could not create response")
		return nil, nil, false
	}
	if !cachekey.VaryMatches(req, sRes.Response.Request.Header, sRes.Response.Header) {
		sRes.Response.Body.Close()
		cs.Forward(CacheStatusFwdVaryMiss)
		return nil, cachekey.GetListHeader(sRes.Response.Header, "Vary"), false
	}
	cs.Hit()
	return m.respond(req, sRes.Response, *cs), nil, true
}

func (m *Manager) fetchAndStore(c cache.Cache, key string, req *http.Request) (fetched, error) {
	requestTime := time.Now()
	res, err := m.transport.RoundTrip(req)
	if err != nil {
		return fetched{}, &NetworkError{URL: key, Err: err}
	}
	// the body can only be read once: snapshot it, then store and return copies
	b, err := m.snapshot(key, req, res, requestTime)
	if err != nil {
		return fetched{}, &NetworkError{URL: key, Err: err}
	}
	if reason := unstorable(res); reason != "" {
		m.log.Trace().Str("key", key).Str("reason", reason).Msg("Not storing response")
		return fetched{bytes: b}, nil
	}
	if err := c.Put(cache.Entry{Key: key, StoredAt: time.Now(), Bytes: b}); errors.Is(err, cache.ErrCacheDeleted) {
		m.log.Debug().Str("key", key).Msg("Cache deleted by a newer version, not storing")
		return fetched{bytes: b}, nil
	} else if err != nil {
		m.log.Warn().Err(err).Str("key", key).Msg("Could not write to cache")
		return fetched{bytes: b}, nil
	}
	m.log.Trace().Str("key", key).Int("status", res.StatusCode).Msg("Stored response")
	return fetched{bytes: b, stored: true}, nil
}

// snapshot serializes the response together with the request fields its Vary header names.
func (m *Manager) snapshot(key string, req *http.Request, res *http.Response, requestTime time.Time) ([]byte, error) {
	storedReq, err := m.keyer.GetRequestFromKey(key)
	if err != nil {
		return nil, err
	}
	storedReq.Header = cachekey.VaryHeaders(req, res)
	res.Request = storedReq
	return serializer.StoredResponseToBytes(serializer.TimedResponse{
		Response:     res,
		RequestTime:  requestTime,
		ResponseTime: time.Now(),
	})
}

func (m *Manager) fallback(c cache.Cache, req *http.Request) (*http.Response, bool) {
	if m.fallbackKey == "" || !acceptsHTML(req) {
		return nil, false
	}
	e, ok, err := c.Match(m.fallbackKey)
	if err != nil || !ok {
		return nil, false
	}
	sRes, err := serializer.BytesToStoredResponse(e.Bytes)
	if err != nil {
		return nil, false
	}
	cs := CacheStatus{}
	cs.Hit()
	cs.Detail("offline-fallback")
	return m.respond(req, sRes.Response, cs), true
}

func (m *Manager) respond(req *http.Request, res *http.Response, cs CacheStatus) *http.Response {
	res.Request = req
	res.Header.Add("Cache-Status", cs.String())
	return res
}

// unstorable returns why a response cannot be put in a cache, or "" if it can.
func unstorable(res *http.Response) string {
	if res.StatusCode == http.StatusPartialContent {
		return "partial content"
	}
	for _, name := range cachekey.GetListHeader(res.Header, "Vary") {
		if name == "*" {
			return "vary *"
		}
	}
	return ""
}

func acceptsHTML(req *http.Request) bool {
	return strings.Contains(req.Header.Get("Accept"), "text/html")
}

// collapseKey groups concurrent misses that can share one network fetch.
// Requests differing in a content negotiation header, or in a header a stored
// variant of key varies on, are never grouped. Variance on other headers is
// only known once the first response for key is stored.
func collapseKey(key string, req *http.Request, vary []string) string {
	var b strings.Builder
	b.WriteString(key)
	for _, name := range append([]string{"Accept", "Accept-Encoding", "Accept-Language"}, vary...) {
		b.WriteString("\n")
		b.WriteString(http.CanonicalHeaderKey(name))
		b.WriteString(": ")
		b.WriteString(strings.Join(req.Header.Values(name), ", "))
	}
	return b.String()
}
