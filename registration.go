package assetcache

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/always-cache/asset-cache/cache"

	"github.com/rs/zerolog"
)

type EventType string

const (
	// A new worker started installing.
	EventUpdateFound EventType = "updatefound"
	// A worker finished installing and is waiting to activate.
	EventInstalled EventType = "installed"
	// The active worker was replaced by another one.
	EventControllerChange EventType = "controllerchange"
)

type Event struct {
	Type   EventType
	Worker *Manager
}

// Registration hosts the worker versions of one scope: at most one installing,
// one waiting and one active worker. A waiting worker activates once the active
// worker controls no clients, or right away when it has been told to skip waiting.
type Registration struct {
	storage cache.Storage
	network http.RoundTripper
	log     zerolog.Logger

	// serializes Register calls
	jobs sync.Mutex

	mutex      sync.Mutex
	installing *Manager
	waiting    *Manager
	active     *Manager
	clients    int

	subMutex    sync.Mutex
	subscribers map[chan Event]struct{}
}

// NewRegistration creates an empty registration.
// Requests are sent to network while no worker is active;
// http.DefaultTransport is used if network is nil.
func NewRegistration(storage cache.Storage, network http.RoundTripper, logger *zerolog.Logger) *Registration {
	var l zerolog.Logger
	if logger == nil {
		l = zerolog.New(zerolog.NewConsoleWriter())
	} else {
		l = *logger
	}
	if network == nil {
		network = http.DefaultTransport
	}
	return &Registration{
		storage:     storage,
		network:     network,
		log:         l,
		subscribers: make(map[chan Event]struct{}),
	}
}

// Register installs a new worker version and activates it if nothing holds it back.
// Registering a worker for the cache that is already active is a no-op.
// If installation fails the worker is discarded and the error returned;
// the current worker, if any, stays in control.
func (r *Registration) Register(ctx context.Context, m *Manager) error {
	r.jobs.Lock()
	defer r.jobs.Unlock()

	r.mutex.Lock()
	if r.active != nil && r.active.CacheName() == m.CacheName() {
		r.mutex.Unlock()
		r.log.Debug().Str("cache", m.CacheName()).Msg("Worker already active")
		return nil
	}
	r.installing = m
	r.mutex.Unlock()
	m.setOnSkipWaiting(r.skipWaiting)
	r.publish(Event{Type: EventUpdateFound, Worker: m})

	err := m.Install(ctx)

	r.mutex.Lock()
	r.installing = nil
	if err != nil {
		r.mutex.Unlock()
		return fmt.Errorf("install %s: %w", m.CacheName(), err)
	}
	if r.waiting != nil {
		r.waiting.setState(StateRedundant)
	}
	r.waiting = m
	r.mutex.Unlock()
	r.publish(Event{Type: EventInstalled, Worker: m})

	return r.tryActivate(ctx)
}

// Restore makes m the active worker when its cache was completely installed
// by an earlier run, like a platform restoring a registration after a restart.
// ErrNotInstalled leaves m parsed, so it can be passed to Register instead.
func (r *Registration) Restore(ctx context.Context, m *Manager) error {
	r.jobs.Lock()
	defer r.jobs.Unlock()
	r.mutex.Lock()
	defer r.mutex.Unlock()
	if r.active != nil {
		return fmt.Errorf("%w: %s is already active", ErrInvalidState, r.active.CacheName())
	}
	m.setOnSkipWaiting(r.skipWaiting)
	if err := m.Resume(ctx); err != nil {
		return err
	}
	r.active = m
	r.log.Info().Str("cache", m.CacheName()).Msg("Worker restored")
	return nil
}

// tryActivate promotes the waiting worker if the activation rule allows it.
func (r *Registration) tryActivate(ctx context.Context) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	w := r.waiting
	if w == nil {
		return nil
	}
	if r.active != nil && r.clients > 0 && !w.SkipWaiting() {
		r.log.Debug().Str("cache", w.CacheName()).Int("clients", r.clients).Msg("Worker waiting")
		return nil
	}
	if err := w.Activate(ctx); err != nil {
		return fmt.Errorf("activate %s: %w", w.CacheName(), err)
	}
	previous := r.active
	r.waiting = nil
	r.active = w
	r.log.Info().Str("cache", w.CacheName()).Msg("Worker activated")
	if previous != nil {
		previous.setState(StateRedundant)
		r.publish(Event{Type: EventControllerChange, Worker: w})
	}
	return nil
}

func (r *Registration) skipWaiting(ctx context.Context, m *Manager) error {
	r.mutex.Lock()
	isWaiting := r.waiting == m
	r.mutex.Unlock()
	if !isWaiting {
		// installing workers pick the flag up once installed
		return nil
	}
	return r.tryActivate(ctx)
}

// Claim marks a client as controlled by the active worker until release is called.
// A waiting worker cannot activate, unless told to skip waiting, while clients are claimed.
func (r *Registration) Claim() (release func()) {
	r.mutex.Lock()
	r.clients++
	r.mutex.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			r.mutex.Lock()
			r.clients--
			idle := r.clients == 0 && r.waiting != nil
			r.mutex.Unlock()
			if idle {
				if err := r.tryActivate(context.Background()); err != nil {
					r.log.Error().Err(err).Msg("Could not activate waiting worker")
				}
			}
		})
	}
}

// PostMessage delivers a control message to the waiting worker,
// or to the active one when nothing is waiting.
func (r *Registration) PostMessage(ctx context.Context, msg Message) error {
	r.mutex.Lock()
	w := r.waiting
	if w == nil {
		w = r.active
	}
	r.mutex.Unlock()
	if w == nil {
		return ErrNoWorker
	}
	return w.HandleMessage(ctx, msg)
}

// RoundTrip implements http.RoundTripper by delegating to the active worker.
func (r *Registration) RoundTrip(req *http.Request) (*http.Response, error) {
	if w := r.Active(); w != nil {
		return w.RoundTrip(req)
	}
	res, err := r.network.RoundTrip(req)
	if err != nil {
		return nil, &NetworkError{URL: req.URL.String(), Err: err}
	}
	cs := CacheStatus{}
	cs.Forward(CacheStatusFwdBypass)
	res.Header.Add("Cache-Status", cs.String())
	return res, nil
}

// Subscribe returns a channel of lifecycle events.
// Events are dropped for subscribers that fall behind.
func (r *Registration) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 16)
	r.subMutex.Lock()
	r.subscribers[ch] = struct{}{}
	r.subMutex.Unlock()
	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.subMutex.Lock()
			delete(r.subscribers, ch)
			r.subMutex.Unlock()
		})
	}
}

func (r *Registration) publish(e Event) {
	r.subMutex.Lock()
	defer r.subMutex.Unlock()
	for ch := range r.subscribers {
		select {
		case ch <- e:
		default:
			r.log.Warn().Str("event", string(e.Type)).Msg("Dropping event for slow subscriber")
		}
	}
}

func (r *Registration) Active() *Manager {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.active
}

func (r *Registration) Waiting() *Manager {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.waiting
}

func (r *Registration) Installing() *Manager {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return r.installing
}

type WorkerStatus struct {
	CacheName string `json:"cacheName"`
	State     State  `json:"state"`
}

type Status struct {
	Active     *WorkerStatus `json:"active,omitempty"`
	Waiting    *WorkerStatus `json:"waiting,omitempty"`
	Installing *WorkerStatus `json:"installing,omitempty"`
	Clients    int           `json:"clients"`
	Caches     []string      `json:"caches"`
}

// Status reports the workers of the registration and the caches in its storage.
func (r *Registration) Status() (Status, error) {
	r.mutex.Lock()
	s := Status{
		Active:     workerStatus(r.active),
		Waiting:    workerStatus(r.waiting),
		Installing: workerStatus(r.installing),
		Clients:    r.clients,
	}
	r.mutex.Unlock()
	caches, err := r.storage.Keys()
	s.Caches = caches
	return s, err
}

func workerStatus(m *Manager) *WorkerStatus {
	if m == nil {
		return nil
	}
	return &WorkerStatus{CacheName: m.CacheName(), State: m.State()}
}
