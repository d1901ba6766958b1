package assetcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/always-cache/asset-cache/cache"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	restaurantPage = "<html><body>restaurant</body></html>"
	restaurantJS   = "fetchRestaurantFromURL();"
	stylesCSS      = "body { margin: 0; }"
	restaurantJSON = `{"restaurants":[{"id":1,"name":"Mission Chinese Food","neighborhood":"Manhattan","photograph":"1.jpg","cuisine_type":"Asian"}]}`
)

var nopLogger = zerolog.Nop()

// countingTransport counts the requests that reach the network and can be switched offline.
type countingTransport struct {
	next    http.RoundTripper
	calls   atomic.Int64
	offline atomic.Bool
}

func newCountingTransport() *countingTransport {
	return &countingTransport{next: http.DefaultTransport}
}

func (t *countingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	t.calls.Add(1)
	if t.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return t.next.RoundTrip(req)
}

type origin struct {
	server *httptest.Server
	scope  url.URL
	// closed to let requests to /slow finish
	release chan struct{}
}

func newOrigin(t *testing.T) *origin {
	t.Helper()
	o := &origin{release: make(chan struct{})}
	text := func(body string) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, body)
		}
	}
	r := chi.NewRouter()
	r.Get("/restaurant.html", text(restaurantPage))
	r.Get("/js/restaurant_info.js", text(restaurantJS))
	r.Get("/css/styles.css", text(stylesCSS))
	r.Get("/data/restaurants.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, restaurantJSON)
	})
	r.Get("/img/{name}", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "image "+chi.URLParam(r, "name"))
	})
	r.Get("/vary", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "Accept-Language")
		io.WriteString(w, "lang "+r.Header.Get("Accept-Language"))
	})
	r.Get("/vary-star", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Vary", "*")
		io.WriteString(w, "anything")
	})
	r.Get("/partial", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Range", "bytes 0-3/10")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, "part")
	})
	r.Get("/old-restaurant.html", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/restaurant.html", http.StatusMovedPermanently)
	})
	r.Get("/slow", func(w http.ResponseWriter, r *http.Request) {
		<-o.release
		io.WriteString(w, "slow")
	})
	r.Post("/reviews", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, "created")
	})
	o.server = httptest.NewServer(r)
	t.Cleanup(o.server.Close)
	t.Cleanup(func() {
		select {
		case <-o.release:
		default:
			close(o.release)
		}
	})
	u, err := url.Parse(o.server.URL)
	require.NoError(t, err)
	o.scope = *u
	return o
}

func (o *origin) url(path string) string {
	return o.server.URL + path
}

func newTestManager(t *testing.T, o *origin, storage cache.Storage, transport http.RoundTripper, name string, precache []string) *Manager {
	t.Helper()
	m, err := New(Config{
		CacheName: name,
		Scope:     o.scope,
		Precache:  precache,
		Storage:   storage,
		Transport: transport,
		Logger:    &nopLogger,
	})
	require.NoError(t, err)
	return m
}

func activated(t *testing.T, m *Manager) *Manager {
	t.Helper()
	require.NoError(t, m.Install(context.Background()))
	require.NoError(t, m.Activate(context.Background()))
	return m
}

func get(t *testing.T, rt http.RoundTripper, u string, header ...string) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, u, nil)
	require.NoError(t, err)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	res, err := rt.RoundTrip(req)
	require.NoError(t, err)
	body, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	res.Body.Close()
	return res, string(body)
}

func TestNewValidatesConfig(t *testing.T) {
	o := newOrigin(t)
	storage := cache.NewMemStorage()

	_, err := New(Config{Scope: o.scope, Storage: storage})
	assert.Error(t, err, "cache name is required")

	_, err = New(Config{CacheName: "restaurant-static-v1", Scope: o.scope})
	assert.Error(t, err, "storage is required")

	_, err = New(Config{CacheName: "restaurant-static-v1", Storage: storage})
	assert.Error(t, err, "scope is required")

	_, err = New(Config{
		CacheName: "restaurant-static-v1",
		Scope:     o.scope,
		Storage:   storage,
		Precache:  []string{"css/styles.css", "/css/styles.css"},
		Logger:    &nopLogger,
	})
	assert.ErrorContains(t, err, "duplicate precache entry")

	_, err = New(Config{
		CacheName: "restaurant-static-v1",
		Prefix:    "other-",
		Scope:     o.scope,
		Storage:   storage,
		Logger:    &nopLogger,
	})
	assert.Error(t, err, "cache name must start with the prefix")
}

func TestNewResolvesManifest(t *testing.T) {
	o := newOrigin(t)
	m := newTestManager(t, o, cache.NewMemStorage(), nil, "restaurant-static-v1", nil)

	assert.Equal(t, []string{
		o.url("/restaurant.html"),
		o.url("/js/restaurant_info.js"),
		o.url("/css/styles.css"),
		o.url("/data/restaurants.json"),
	}, m.Precache())
	assert.Equal(t, "restaurant-", m.Prefix())
	assert.Equal(t, StateParsed, m.State())
}

func TestInstallPrecachesManifest(t *testing.T) {
	o := newOrigin(t)
	storage := cache.NewMemStorage()
	m := newTestManager(t, o, storage, nil, "restaurant-static-v1", nil)

	require.NoError(t, m.Install(context.Background()))
	assert.Equal(t, StateInstalled, m.State())

	c, err := storage.Open("restaurant-static-v1")
	require.NoError(t, err)
	keys, err := c.Keys()
	require.NoError(t, err)
	assert.ElementsMatch(t, m.Precache(), keys)
}

func TestInstallFollowsRedirects(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	m := activated(t, newTestManager(t, o, cache.NewMemStorage(), transport, "restaurant-static-v1", []string{"/old-restaurant.html"}))
	transport.offline.Store(true)

	res, body := get(t, m, o.url("/old-restaurant.html"))
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, restaurantPage, body)
	assert.Equal(t, "Asset-Cache; hit", res.Header.Get("Cache-Status"))
}

func TestInstallIsAllOrNothing(t *testing.T) {
	tests := []struct {
		name     string
		precache []string
		offline  bool
		status   int
	}{
		{name: "not found", precache: []string{"/restaurant.html", "/missing.js"}, status: http.StatusNotFound},
		{name: "partial content", precache: []string{"/restaurant.html", "/partial"}, status: http.StatusPartialContent},
		{name: "offline", precache: []string{"/restaurant.html"}, offline: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			o := newOrigin(t)
			storage := cache.NewMemStorage()
			transport := newCountingTransport()
			transport.offline.Store(tt.offline)
			m := newTestManager(t, o, storage, transport, "restaurant-static-v1", tt.precache)

			err := m.Install(context.Background())
			var precacheErr *PrecacheError
			require.ErrorAs(t, err, &precacheErr)
			assert.Equal(t, tt.status, precacheErr.StatusCode)
			assert.Equal(t, StateRedundant, m.State())

			c, err := storage.Open("restaurant-static-v1")
			require.NoError(t, err)
			keys, err := c.Keys()
			require.NoError(t, err)
			assert.Empty(t, keys)
		})
	}
}

func TestLifecycleOrder(t *testing.T) {
	o := newOrigin(t)
	m := newTestManager(t, o, cache.NewMemStorage(), nil, "restaurant-static-v1", nil)

	assert.ErrorIs(t, m.Activate(context.Background()), ErrInvalidState)
	require.NoError(t, m.Install(context.Background()))
	assert.ErrorIs(t, m.Install(context.Background()), ErrInvalidState)
	require.NoError(t, m.Activate(context.Background()))
	assert.Equal(t, StateActivated, m.State())
	assert.ErrorIs(t, m.Activate(context.Background()), ErrInvalidState)
}

func TestActivateDeletesStaleCaches(t *testing.T) {
	o := newOrigin(t)
	storage := cache.NewMemStorage()
	for _, name := range []string{"restaurant-static-v1", "other-cache", "restaurant-images-v3"} {
		_, err := storage.Open(name)
		require.NoError(t, err)
	}

	activated(t, newTestManager(t, o, storage, nil, "restaurant-static-v2", nil))

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"other-cache", "restaurant-static-v2"}, names)
}

func TestActivateWithExplicitPrefix(t *testing.T) {
	o := newOrigin(t)
	storage := cache.NewMemStorage()
	for _, name := range []string{"restaurant-static-v1", "restaurant-images-v3"} {
		_, err := storage.Open(name)
		require.NoError(t, err)
	}

	m, err := New(Config{
		CacheName: "restaurant-static-v2",
		Prefix:    "restaurant-static-",
		Scope:     o.scope,
		Storage:   storage,
		Logger:    &nopLogger,
	})
	require.NoError(t, err)
	activated(t, m)

	names, err := storage.Keys()
	require.NoError(t, err)
	assert.Equal(t, []string{"restaurant-images-v3", "restaurant-static-v2"}, names)
}

func TestServesPrecacheWithoutNetwork(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	m := activated(t, newTestManager(t, o, cache.NewMemStorage(), transport, "restaurant-static-v1", nil))
	calls := transport.calls.Load()
	transport.offline.Store(true)

	for i := 0; i < 3; i++ {
		res, body := get(t, m, o.url("/css/styles.css"))
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, stylesCSS, body)
		assert.Equal(t, "Asset-Cache; hit", res.Header.Get("Cache-Status"))
	}
	_, body := get(t, m, o.url("/js/restaurant_info.js#top"))
	assert.Equal(t, restaurantJS, body)

	assert.Equal(t, calls, transport.calls.Load())
}

func TestMissPopulatesCache(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	storage := cache.NewMemStorage()
	m := activated(t, newTestManager(t, o, storage, transport, "restaurant-static-v1", nil))
	calls := transport.calls.Load()

	res, body := get(t, m, o.url("/img/1.jpg"))
	assert.Equal(t, "image 1.jpg", body)
	assert.Equal(t, "Asset-Cache; fwd=uri-miss; stored", res.Header.Get("Cache-Status"))
	assert.Equal(t, calls+1, transport.calls.Load())

	// the stored copy is independent of the body handed out above
	res, body = get(t, m, o.url("/img/1.jpg"))
	assert.Equal(t, "image 1.jpg", body)
	assert.Equal(t, "Asset-Cache; hit", res.Header.Get("Cache-Status"))
	assert.Equal(t, calls+1, transport.calls.Load())

	c, err := storage.Open("restaurant-static-v1")
	require.NoError(t, err)
	_, ok, err := c.Match(o.url("/img/1.jpg"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestVaryMiss(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	m := activated(t, newTestManager(t, o, cache.NewMemStorage(), transport, "restaurant-static-v1", nil))

	_, body := get(t, m, o.url("/vary"), "Accept-Language", "en")
	assert.Equal(t, "lang en", body)

	res, body := get(t, m, o.url("/vary"), "Accept-Language", "en")
	assert.Equal(t, "lang en", body)
	assert.Equal(t, "Asset-Cache; hit", res.Header.Get("Cache-Status"))

	res, body = get(t, m, o.url("/vary"), "Accept-Language", "fi")
	assert.Equal(t, "lang fi", body)
	assert.Equal(t, "Asset-Cache; fwd=vary-miss; stored", res.Header.Get("Cache-Status"))
}

func TestUnstorableResponsesAreNotStored(t *testing.T) {
	for _, path := range []string{"/partial", "/vary-star"} {
		t.Run(path, func(t *testing.T) {
			o := newOrigin(t)
			transport := newCountingTransport()
			m := activated(t, newTestManager(t, o, cache.NewMemStorage(), transport, "restaurant-static-v1", nil))
			calls := transport.calls.Load()

			for i := 1; i <= 2; i++ {
				res, _ := get(t, m, o.url(path))
				assert.Equal(t, "Asset-Cache; fwd=uri-miss", res.Header.Get("Cache-Status"))
				assert.Equal(t, calls+int64(i), transport.calls.Load())
			}
		})
	}
}

func TestNonGetIsForwarded(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	storage := cache.NewMemStorage()
	m := activated(t, newTestManager(t, o, storage, transport, "restaurant-static-v1", nil))
	calls := transport.calls.Load()

	req, err := http.NewRequest(http.MethodPost, o.url("/reviews"), nil)
	require.NoError(t, err)
	res, err := m.RoundTrip(req)
	require.NoError(t, err)
	defer res.Body.Close()
	assert.Equal(t, http.StatusCreated, res.StatusCode)
	assert.Equal(t, "Asset-Cache; fwd=method", res.Header.Get("Cache-Status"))
	assert.Equal(t, calls+1, transport.calls.Load())

	c, err := storage.Open("restaurant-static-v1")
	require.NoError(t, err)
	_, ok, err := c.Match(o.url("/reviews"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestBypassBeforeActivation(t *testing.T) {
	o := newOrigin(t)
	m := newTestManager(t, o, cache.NewMemStorage(), nil, "restaurant-static-v1", nil)
	require.NoError(t, m.Install(context.Background()))

	res, body := get(t, m, o.url("/css/styles.css"))
	assert.Equal(t, stylesCSS, body)
	assert.Equal(t, "Asset-Cache; fwd=bypass", res.Header.Get("Cache-Status"))
}

func TestOfflineMiss(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	m, err := New(Config{
		CacheName:       "restaurant-static-v1",
		Scope:           o.scope,
		Storage:         cache.NewMemStorage(),
		Transport:       transport,
		OfflineFallback: "/restaurant.html",
		Logger:          &nopLogger,
	})
	require.NoError(t, err)
	activated(t, m)
	transport.offline.Store(true)

	t.Run("html gets the fallback", func(t *testing.T) {
		res, body := get(t, m, o.url("/index.html"), "Accept", "text/html,application/xhtml+xml")
		assert.Equal(t, http.StatusOK, res.StatusCode)
		assert.Equal(t, restaurantPage, body)
		assert.Equal(t, "Asset-Cache; hit; detail=offline-fallback", res.Header.Get("Cache-Status"))
	})

	t.Run("anything else fails", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet, o.url("/img/2.jpg"), nil)
		require.NoError(t, err)
		_, err = m.RoundTrip(req)
		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr)
		assert.Equal(t, o.url("/img/2.jpg"), netErr.URL)
	})
}

func TestConcurrentMissesAreCollapsed(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	m := activated(t, newTestManager(t, o, cache.NewMemStorage(), transport, "restaurant-static-v1", nil))
	calls := transport.calls.Load()

	const n = 5
	bodies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			req, err := http.NewRequest(http.MethodGet, o.url("/slow"), nil)
			if !assert.NoError(t, err) {
				return
			}
			res, err := m.RoundTrip(req)
			if !assert.NoError(t, err) {
				return
			}
			defer res.Body.Close()
			b, err := io.ReadAll(res.Body)
			assert.NoError(t, err)
			bodies[i] = string(b)
		}()
	}
	require.Eventually(t, func() bool {
		return transport.calls.Load() == calls+1
	}, time.Second, time.Millisecond)
	// let the others join the pending fetch
	time.Sleep(50 * time.Millisecond)
	close(o.release)
	wg.Wait()

	assert.Equal(t, calls+1, transport.calls.Load())
	for _, b := range bodies {
		assert.Equal(t, "slow", b)
	}
}

func TestCollapseKeyUsesStoredVary(t *testing.T) {
	const key = "http://localhost:8000/vary"
	header := func(name, value string) *http.Request {
		req := httptest.NewRequest(http.MethodGet, key, nil)
		req.Header.Set(name, value)
		return req
	}

	alice, bob := header("Cookie", "user=alice"), header("Cookie", "user=bob")
	assert.Equal(t, collapseKey(key, alice, nil), collapseKey(key, bob, nil))
	assert.NotEqual(t, collapseKey(key, alice, []string{"Cookie"}), collapseKey(key, bob, []string{"Cookie"}))
	assert.NotEqual(t, collapseKey(key, header("Accept-Language", "fi"), nil), collapseKey(key, header("Accept-Language", "en"), nil))
}

func TestVaryMissCollapsesOnlyMatchingRequests(t *testing.T) {
	o := newOrigin(t)
	transport := newCountingTransport()
	storage := cache.NewMemStorage()
	m := activated(t, newTestManager(t, o, storage, transport, "restaurant-static-v1", nil))

	_, body := get(t, m, o.url("/vary"), "Accept-Language", "fi")
	require.Equal(t, "lang fi", body)

	c, err := storage.Open("restaurant-static-v1")
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodGet, o.url("/vary"), nil)
	req.Header.Set("Accept-Language", "en")
	cs := CacheStatus{}
	_, vary, ok := m.match(c, o.url("/vary"), req, &cs)
	assert.False(t, ok)
	assert.Equal(t, []string{"Accept-Language"}, vary)
}

func TestHandleMessage(t *testing.T) {
	o := newOrigin(t)
	m := newTestManager(t, o, cache.NewMemStorage(), nil, "restaurant-static-v1", nil)

	require.NoError(t, m.HandleMessage(context.Background(), Message{Action: "ping"}))
	assert.False(t, m.SkipWaiting())

	var hooked *Manager
	m.setOnSkipWaiting(func(ctx context.Context, w *Manager) error {
		hooked = w
		return nil
	})
	require.NoError(t, m.HandleMessage(context.Background(), Message{Action: ActionSkipWaiting}))
	assert.True(t, m.SkipWaiting())
	assert.Same(t, m, hooked)
}

func TestCacheStatusString(t *testing.T) {
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdUriMiss)
	cs.Stored()
	cs.Collapsed()
	assert.Equal(t, "Asset-Cache; fwd=uri-miss; stored; collapsed", cs.String())
	assert.False(t, cs.IsHit())

	cs = CacheStatus{}
	cs.Hit()
	cs.Detail("offline-fallback")
	assert.Equal(t, "Asset-Cache; hit; detail=offline-fallback", cs.String())
	assert.True(t, cs.IsHit())
}
