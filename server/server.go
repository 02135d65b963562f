// Package server implements the reactive-data server: WebSocket
// sessions speaking the DDP-style protocol, publications backed by the
// live-query engine, methods with write-fence acknowledgment and the
// per-session merge box.
package server

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"livedata/core"
	"livedata/livequery"
	"livedata/store"
	"livedata/wire"
)

// Options configure a Server.
type Options struct {
	// HeartbeatInterval is how long a client may stay silent before the
	// server pings it; HeartbeatTimeout how long after that ping the
	// session survives without traffic. Zero interval disables
	// heartbeats.
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration

	// PollingThrottle and PollingInterval are the process defaults for
	// the live-query engine.
	PollingThrottle time.Duration
	PollingInterval time.Duration

	// ForwardedCount is the number of trusted proxies for client-IP
	// derivation.
	ForwardedCount int

	// MetricsRegistry, when set, receives the server's Prometheus
	// instruments.
	MetricsRegistry prometheus.Registerer

	// TestPollHook is passed through to the live-query registry.
	TestPollHook func()
}

// Server owns the publication and method registries, the live-query
// engine and all connected sessions.
type Server struct {
	opts     Options
	store    store.Store
	bar      *livequery.Crossbar
	registry *livequery.Registry
	metrics  *Metrics

	mu                sync.Mutex
	publishHandlers   map[string]PublishHandler
	universalHandlers []PublishHandler
	methodHandlers    map[string]MethodHandler
	strategies        map[string]PublicationStrategy
	defaultStrategy   PublicationStrategy
	sessions          map[string]*Session
	connectionHooks   []func(*Session)

	closed atomic.Bool
}

// New creates a server over a store. The store's write notifications
// feed the invalidation crossbar, which wakes the affected observers.
func New(st store.Store, opts Options) *Server {
	bar := livequery.NewCrossbar()
	st.OnWrite(func(ctx context.Context, n store.Notification) {
		bar.Fire(ctx, n)
	})

	s := &Server{
		opts:  opts,
		store: st,
		bar:   bar,
		registry: livequery.NewRegistry(st, bar, livequery.RegistryOptions{
			PollingThrottle: opts.PollingThrottle,
			PollingInterval: opts.PollingInterval,
			TestPollHook:    opts.TestPollHook,
		}),
		publishHandlers: make(map[string]PublishHandler),
		methodHandlers:  make(map[string]MethodHandler),
		strategies:      make(map[string]PublicationStrategy),
		defaultStrategy: ServerMerge,
		sessions:        make(map[string]*Session),
	}
	if opts.MetricsRegistry != nil {
		s.metrics = NewMetrics(opts.MetricsRegistry)
		opts.MetricsRegistry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "livedata",
			Name:      "multiplexers_active",
			Help:      "Live observe multiplexers.",
		}, func() float64 { return float64(s.registry.MultiplexerCount()) }))
	}
	return s
}

// Registry exposes the live-query registry, mainly for tests.
func (s *Server) Registry() *livequery.Registry { return s.registry }

// Publish registers a publication. An empty name registers a universal
// publication, started automatically on every session (including ones
// already connected).
func (s *Server) Publish(name string, handler PublishHandler) {
	s.mu.Lock()
	if name != "" {
		if _, dup := s.publishHandlers[name]; dup {
			s.mu.Unlock()
			core.Warn("Publication registered twice, keeping the first",
				zap.String("publication", name))
			return
		}
		s.publishHandlers[name] = handler
		s.mu.Unlock()
		return
	}
	s.universalHandlers = append(s.universalHandlers, handler)
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess := sess
		sess.inbox.QueueTask(func() { sess.startUniversalSub(handler) })
	}
}

// Methods registers method handlers. Re-registering a name is a
// programming error and keeps the first handler.
func (s *Server) Methods(handlers map[string]MethodHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, handler := range handlers {
		if _, dup := s.methodHandlers[name]; dup {
			core.Warn("Method registered twice, keeping the first",
				zap.String("method", name))
			continue
		}
		s.methodHandlers[name] = handler
	}
}

// OnConnection registers a hook invoked for every session that
// completes the connect handshake.
func (s *Server) OnConnection(hook func(*Session)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.connectionHooks = append(s.connectionHooks, hook)
}

func (s *Server) publishHandler(name string) (PublishHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handler, ok := s.publishHandlers[name]
	return handler, ok
}

func (s *Server) methodHandler(name string) (MethodHandler, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	handler, ok := s.methodHandlers[name]
	return handler, ok
}

func (s *Server) universalHandlerList() []PublishHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PublishHandler, len(s.universalHandlers))
	copy(out, s.universalHandlers)
	return out
}

// SessionCount reports the number of connected sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// HandleConnection serves one transport connection. The first frame
// must be connect; after successful version negotiation the connection
// becomes a session.
func (s *Server) HandleConnection(conn Conn) {
	if s.closed.Load() {
		_ = conn.Close()
		return
	}

	var session atomic.Pointer[Session]
	conn.SetHandlers(
		func(data []byte) {
			if sess := session.Load(); sess != nil {
				sess.handleFrame(data)
				return
			}
			sess := s.handleConnect(conn, data)
			if sess != nil {
				session.Store(sess)
			}
		},
		func() {
			if sess := session.Load(); sess != nil {
				sess.Close()
			}
		},
	)
}

// handleConnect processes the first frame of a connection. It returns
// the new session, or nil when the handshake failed (the connection is
// then closed or left open for a protocol error reply, matching the
// failure).
func (s *Server) handleConnect(conn Conn, data []byte) *Session {
	sendRaw := func(msg wire.Message) {
		if frame, err := wire.Stringify(msg); err == nil {
			_ = conn.Send(frame)
		}
	}

	msg, err := wire.Parse(data)
	if err != nil {
		sendRaw(wire.ProtocolError("Parse error", nil))
		_ = conn.Close()
		return nil
	}
	if msg.Type() != wire.MsgConnect {
		sendRaw(wire.ProtocolError("Expected connect message", msg))
		_ = conn.Close()
		return nil
	}
	if err := msg.Validate(); err != nil {
		sendRaw(wire.ProtocolError(err.Error(), msg))
		_ = conn.Close()
		return nil
	}

	proposed := msg.Str("version")
	support := msg.StringSlice("support")
	if len(support) == 0 {
		support = []string{proposed}
	}
	version, ok := wire.NegotiateVersion(proposed, support)
	if !ok {
		suggested := version
		if suggested == "" {
			suggested = wire.SupportedVersions[0]
		}
		sendRaw(wire.Failed(suggested))
		_ = conn.Close()
		return nil
	}

	sess := newSession(s, conn, version)
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	s.sessions[sess.id] = sess
	hooks := make([]func(*Session), len(s.connectionHooks))
	copy(hooks, s.connectionHooks)
	s.mu.Unlock()

	s.metrics.sessionOpened()
	core.Info("Session connected",
		zap.String("session", sess.id),
		zap.String("version", version),
		zap.String("client", sess.ClientAddress()))

	sess.start()
	for _, hook := range hooks {
		hook(sess)
	}
	return sess
}

func (s *Server) removeSession(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
}

// Close shuts the server down: all sessions, then the observer
// registry. The store stays open; it belongs to the caller.
func (s *Server) Close() {
	if !s.closed.CompareAndSwap(false, true) {
		return
	}
	s.mu.Lock()
	sessions := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.Close()
	}
	s.registry.Shutdown()
}
