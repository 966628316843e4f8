package realtime

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/0Andriy/livemap/internal/broker"
	"github.com/0Andriy/livemap/internal/metrics"
	"github.com/0Andriy/livemap/internal/state"
)

const (
	defaultBasePath     = "/realtime"
	defaultPingInterval = 25 * time.Second

	// stateOpTimeout bounds state adapter calls made outside a request
	// context, such as membership cleanup on disconnect.
	stateOpTimeout = 5 * time.Second
)

var namespacePathRe = regexp.MustCompile(`^/[a-zA-Z0-9_\-/.]*$`)

// Options configures a Server. Zero values get sensible defaults; Broker and
// State are mandatory.
type Options struct {
	// ServerID uniquely identifies this instance across the cluster. It is
	// stamped onto every published envelope for echo suppression. Defaults
	// to a random UUID.
	ServerID string

	// BasePath is the URL prefix stripped before namespace resolution.
	BasePath string

	Broker broker.Broker
	State  state.Adapter

	// Clock drives the liveness sweep and envelope timestamps.
	Clock clockwork.Clock

	// PingInterval is the liveness sweep period. A connection that produces
	// no frame for two intervals is terminated as a zombie.
	PingInterval time.Duration

	Logger *slog.Logger
}

// Server owns the namespaces of one instance and runs the shared liveness
// sweep across all of their connections.
type Server struct {
	id           string
	basePath     string
	broker       broker.Broker
	state        state.Adapter
	clock        clockwork.Clock
	pingInterval time.Duration
	log          *slog.Logger

	mu         sync.RWMutex
	namespaces map[string]*Namespace
	middleware []Middleware
	closed     bool
	started    bool

	sweepStop chan struct{}
	sweepDone chan struct{}
}

func NewServer(opts Options) *Server {
	if opts.ServerID == "" {
		opts.ServerID = uuid.NewString()
	}
	if opts.BasePath == "" {
		opts.BasePath = defaultBasePath
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = defaultPingInterval
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Server{
		id:           opts.ServerID,
		basePath:     strings.TrimSuffix(opts.BasePath, "/"),
		broker:       opts.Broker,
		state:        opts.State,
		clock:        opts.Clock,
		pingInterval: opts.PingInterval,
		log:          opts.Logger.With("server_id", opts.ServerID),
		namespaces:   make(map[string]*Namespace),
		sweepStop:    make(chan struct{}),
		sweepDone:    make(chan struct{}),
	}
}

func (s *Server) ID() string       { return s.id }
func (s *Server) BasePath() string { return s.basePath }

// Use registers a middleware applied to every namespace created afterwards.
func (s *Server) Use(m Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, m)
}

// Of returns the namespace with the given name, creating it on first use.
// Creation subscribes the namespace's topic pattern on the broker so
// replicated envelopes start flowing before any connection is admitted.
func (s *Server) Of(name string) (*Namespace, error) {
	name = normalizeNamespace(name)
	if !namespacePathRe.MatchString(name) {
		return nil, ErrInvalidNamespacePath
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrServerClosed
	}
	if ns, ok := s.namespaces[name]; ok {
		s.mu.Unlock()
		return ns, nil
	}
	ns := newNamespace(s, name)
	ns.middlewares = append(ns.middlewares, s.middleware...)
	s.namespaces[name] = ns
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), stateOpTimeout)
	defer cancel()
	if err := s.broker.Subscribe(ctx, broker.NamespacePattern(name), ns.handleBrokerMessage); err != nil {
		s.mu.Lock()
		delete(s.namespaces, name)
		s.mu.Unlock()
		return nil, err
	}

	metrics.NamespacesCurrent.Inc()
	s.log.Info("Namespace created", "namespace", name)
	return ns, nil
}

func normalizeNamespace(name string) string {
	if name == "" {
		return "/"
	}
	if !strings.HasPrefix(name, "/") {
		name = "/" + name
	}
	if len(name) > 1 {
		name = strings.TrimSuffix(name, "/")
	}
	return name
}

// ResolveNamespace maps a request path to a namespace name. The base path
// prefix is stripped; the remainder must be a valid namespace path.
func (s *Server) ResolveNamespace(path string) (string, error) {
	rest, ok := strings.CutPrefix(path, s.basePath)
	if !ok || (rest != "" && !strings.HasPrefix(rest, "/")) {
		return "", ErrInvalidNamespacePath
	}
	rest = normalizeNamespace(rest)
	if !namespacePathRe.MatchString(rest) {
		return "", ErrInvalidNamespacePath
	}
	return rest, nil
}

// Connect admits an upgraded transport into the namespace named by the
// request path. On failure the transport is closed with an explanatory close
// frame and the error reports the rejection. The caller runs ReadLoop on the
// returned connection.
func (s *Server) Connect(ctx context.Context, transport *websocket.Conn, req *http.Request) (*Connection, error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		rejectTransport(transport, websocket.CloseGoingAway, "server shutting down")
		metrics.ConnectionsRejected.WithLabelValues("shutdown").Inc()
		return nil, ErrServerClosed
	}

	name, err := s.ResolveNamespace(req.URL.Path)
	if err != nil {
		rejectTransport(transport, websocket.ClosePolicyViolation, "invalid namespace path")
		metrics.ConnectionsRejected.WithLabelValues("invalid_path").Inc()
		return nil, err
	}

	ns, err := s.Of(name)
	if err != nil {
		rejectTransport(transport, websocket.CloseGoingAway, "namespace unavailable")
		return nil, err
	}
	return ns.AddConnection(ctx, transport, req)
}

func rejectTransport(transport *websocket.Conn, closeCode int, reason string) {
	closeMsg := websocket.FormatCloseMessage(closeCode, reason)
	_ = transport.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = transport.WriteMessage(websocket.CloseMessage, closeMsg)
	_ = transport.Close()
}

// Start launches the liveness sweep. Each tick terminates connections that
// produced no frame since the previous tick and probes the rest.
func (s *Server) Start() {
	s.mu.Lock()
	if s.started || s.closed {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.sweepLoop()
}

func (s *Server) sweepLoop() {
	defer close(s.sweepDone)
	ticker := s.clock.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.Chan():
			s.sweep()
		case <-s.sweepStop:
			return
		}
	}
}

func (s *Server) sweep() {
	s.mu.RLock()
	namespaces := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.mu.RUnlock()

	for _, ns := range namespaces {
		for _, c := range ns.localConnections("") {
			if !c.alive.Load() {
				metrics.ZombiesTerminated.Inc()
				ns.log.Info("Terminating zombie connection", "conn_id", c.ID())
				go ns.RemoveConnection(c)
				continue
			}
			c.alive.Store(false)
			c.probe()
		}
	}
}

// Close stops the sweep and destroys every namespace, bounded by the
// context deadline. Idempotent; connection attempts after Close fail with
// ErrServerClosed.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	started := s.started
	namespaces := make([]*Namespace, 0, len(s.namespaces))
	for _, ns := range s.namespaces {
		namespaces = append(namespaces, ns)
	}
	s.namespaces = make(map[string]*Namespace)
	s.mu.Unlock()

	close(s.sweepStop)
	if started {
		select {
		case <-s.sweepDone:
		case <-ctx.Done():
		}
	}

	var firstErr error
	for _, ns := range namespaces {
		if err := ns.Destroy(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
		metrics.NamespacesCurrent.Dec()
	}
	s.log.Info("Server closed", "namespaces_destroyed", len(namespaces))
	return firstErr
}
