package assetcache

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
)

const (
	MessagePath = "/__asset-cache/message"
	StatusPath  = "/__asset-cache/status"
)

type handler struct {
	reg          *Registration
	reverseproxy *httputil.ReverseProxy
}

// NewHandler returns the HTTP surface of a registration: control endpoints,
// and a reverse proxy to the scope origin that fetches through the active worker.
// Origins with paths are not supported.
func NewHandler(reg *Registration, scope url.URL, logger *zerolog.Logger) http.Handler {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	l = l.With().Str("origin", scope.String()).Logger()

	h := &handler{reg: reg}
	h.reverseproxy = &httputil.ReverseProxy{
		Director:       createDirector(scope.Scheme, scope.Host),
		Transport:      reg,
		ModifyResponse: logCacheStatus,
		ErrorHandler:   proxyError,
	}

	r := chi.NewRouter()
	r.Use(hlog.NewHandler(l))
	r.Use(hlog.RequestIDHandler("req_id", "Request-Id"))
	r.Use(hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
		hlog.FromRequest(r).Debug().
			Str("method", r.Method).
			Str("url", r.URL.String()).
			Str("sourceIp", getRequestSourceIp(r)).
			Int("status", status).
			Int("size", size).
			Dur("duration", duration).
			Msg("Sending response to client")
	}))
	r.Post(MessagePath, h.message)
	r.Get(StatusPath, h.status)
	r.Handle("/*", http.HandlerFunc(h.proxy))
	return r
}

func (h *handler) proxy(w http.ResponseWriter, r *http.Request) {
	release := h.reg.Claim()
	defer release()
	h.reverseproxy.ServeHTTP(w, r)
}

func (h *handler) message(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<16))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := ParseMessage(body)
	if err != nil {
		http.Error(w, "malformed message: "+err.Error(), http.StatusBadRequest)
		return
	}
	if msg.Action != ActionSkipWaiting {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := h.reg.PostMessage(r.Context(), msg); errors.Is(err, ErrNoWorker) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	} else if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not deliver message")
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (h *handler) status(w http.ResponseWriter, r *http.Request) {
	s, err := h.reg.Status()
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not list caches")
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	if err := json.NewEncoder(w).Encode(s); err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("Could not write status")
	}
}

func createDirector(scheme, host string) func(req *http.Request) {
	return func(req *http.Request) {
		req.URL.Scheme = scheme
		req.URL.Host = host
		req.Host = host
	}
}

func logCacheStatus(res *http.Response) error {
	hlog.FromRequest(res.Request).Trace().
		Str("cacheStatus", res.Header.Get("Cache-Status")).
		Msg("Response from worker")
	return nil
}

// proxyError answers requests the worker could not serve at all.
// Network failures become 504 so clients can tell the origin was unreachable.
func proxyError(w http.ResponseWriter, r *http.Request, err error) {
	hlog.FromRequest(r).Warn().Err(err).Str("url", r.URL.String()).Msg("Could not serve request")
	var netErr *NetworkError
	if errors.As(err, &netErr) {
		cs := CacheStatus{}
		cs.Forward(CacheStatusFwdUriMiss)
		cs.Detail("offline")
		w.Header().Set("Cache-Status", cs.String())
		http.Error(w, "offline: "+netErr.URL+" is not cached and the network is unreachable", http.StatusGatewayTimeout)
		return
	}
	http.Error(w, err.Error(), http.StatusBadGateway)
}

func getRequestSourceIp(r *http.Request) string {
	// RemoteAddr is in the format:
	// 1.2.3.4:10000 for ipv4
	// [1:2:3]:10000 for ipv6
	ipAndPort := r.RemoteAddr
	portSepIdx := strings.LastIndex(ipAndPort, ":")
	// if not found, return
	if portSepIdx < 0 {
		return ipAndPort
	}
	ip := ipAndPort[:portSepIdx]
	return ip
}
