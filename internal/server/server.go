// Package server is the HTTP boundary of axosync.
//
// It serves the editor plugin's three routes (file path query, patch batch
// submission, project name) on the loopback interface, plus a read-only view
// of the tree, the batch history, health, prometheus metrics and a websocket
// feed that announces tree and file layout changes.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/angeld23/axosync/internal/journal"
	"github.com/angeld23/axosync/internal/sourcemap"
	"github.com/angeld23/axosync/internal/syncer"
)

// DefaultPort is the port the editor plugin expects.
const DefaultPort = 33752

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "axosync_http_requests_total",
		Help: "HTTP requests served, by route and status code",
	}, []string{"route", "code"})

	wsClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "axosync_ws_clients",
		Help: "Connected websocket clients",
	})
)

// Syncer applies patch batches and reads the tree. *syncer.Syncer
// satisfies it.
type Syncer interface {
	Apply(ctx context.Context, patches []sourcemap.Patch) (syncer.Result, error)
	Snapshot(ctx context.Context) (*sourcemap.Instance, error)
}

// PathLister answers file path queries. *scrape.Scraper satisfies it.
type PathLister interface {
	Paths(ctx context.Context) ([]string, error)
}

// History lists recorded batches. *journal.Journal satisfies it.
type History interface {
	List(ctx context.Context, filter journal.Filter) ([]journal.Entry, error)
}

// Config holds server configuration.
type Config struct {
	// Host to bind (default: 127.0.0.1)
	Host string

	// Port to listen on (0 picks a free port)
	Port int

	// ProjectName is returned by /getProjectFolderName
	ProjectName string

	// Syncer serializes tree access (required)
	Syncer Syncer

	// Paths answers /getFilePaths (required)
	Paths PathLister

	// History backs /history; nil disables the route
	History History

	// Logger for server activity (default: slog.Default())
	Logger *slog.Logger
}

// Server serves the HTTP routes and manages websocket clients.
type Server struct {
	addr        string
	projectName string
	syncer      Syncer
	paths       PathLister
	history     History

	listener net.Listener
	server   *http.Server

	// WebSocket client management
	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	// Message broadcasting
	broadcast chan Message

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *slog.Logger
}

// New creates a server. Call Start to begin listening.
func New(cfg Config) (*Server, error) {
	if cfg.Syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if cfg.Paths == nil {
		return nil, fmt.Errorf("path lister cannot be nil")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:        net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port)),
		projectName: cfg.ProjectName,
		syncer:      cfg.Syncer,
		paths:       cfg.Paths,
		history:     cfg.History,
		clients:     make(map[*websocket.Conn]bool),
		broadcast:   make(chan Message, 100),
		ctx:         ctx,
		cancel:      cancel,
		logger:      cfg.Logger,
	}, nil
}

// Handler returns the routed handler wrapped in request logging.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /getFilePaths", s.handleGetFilePaths)
	mux.HandleFunc("POST /sourcemapSet", s.handleSourcemapSet)
	mux.HandleFunc("GET /getProjectFolderName", s.handleProjectFolderName)
	mux.HandleFunc("GET /sourcemap", s.handleSourcemap)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metricsHandler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	return s.logRequests(mux)
}

// Start begins listening and serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Info("server listening", "addr", ln.Addr().String())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("server error", "error", err)
		}
	}()

	return nil
}

// Stop closes websocket clients and shuts the HTTP server down.
func (s *Server) Stop() error {
	s.logger.Debug("stopping server")

	s.cancel()

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	wsClients.Set(0)
	s.clientsMu.Unlock()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()

	s.logger.Info("server stopped")
	return nil
}

// Addr returns the listening address, or the configured one before Start.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected websocket clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}
