// Package server exposes prdflow sessions over HTTP: JSON request routes, a
// server-sent event stream and a WebSocket channel carrying both.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/grovetools/prdflow/git"
	"github.com/grovetools/prdflow/internal/engine"
	"github.com/grovetools/prdflow/internal/hub"
	"github.com/grovetools/prdflow/pkg/models"
	"github.com/grovetools/prdflow/pkg/session"
)

const (
	// DefaultKeepAlive is the interval of SSE comment pings.
	DefaultKeepAlive = 15 * time.Second
	maxBodyBytes     = 4 << 20
)

// Repository is the working tree served to sessions.
type Repository interface {
	engine.Repository
	Info(ctx context.Context) (git.RepoInfo, error)
	ListFiles(ctx context.Context) ([]string, error)
	UndoCommit(ctx context.Context, hash string) (string, error)
}

// Scraper fetches web page content for add_web_page.
type Scraper interface {
	Scrape(ctx context.Context, url string) (string, error)
}

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins lists the Origin values accepted on /ws. Empty allows
	// same-host requests only; "*" allows any origin.
	AllowedOrigins []string
	KeepAlive      time.Duration
	// Generator names the code generator in session announcements.
	Generator string
	// Tasks bounds num_tasks on generate_tasks. Zero values use the models
	// defaults.
	Tasks TaskLimits
}

// TaskLimits bounds task generation.
type TaskLimits struct {
	Default int
	Min     int
	Max     int
}

func (l TaskLimits) withDefaults() TaskLimits {
	if l.Min <= 0 {
		l.Min = models.MinTaskCount
	}
	if l.Max <= 0 {
		l.Max = models.MaxTaskCount
	}
	if l.Default < l.Min || l.Default > l.Max {
		l.Default = models.DefaultTaskCount
	}
	return l
}

// RunningConfig is the active configuration exposed on /api/config.
type RunningConfig struct {
	Address   string        `json:"address"`
	Backend   string        `json:"backend,omitempty"`
	IdleTTL   time.Duration `json:"idle_ttl"`
	Generator string        `json:"generator"`
	RepoDir   string        `json:"repo_dir"`
	StartedAt time.Time     `json:"started_at"`
}

// Server manages the prdflow HTTP server.
type Server struct {
	logger   *logrus.Entry
	server   *http.Server
	registry *session.Registry
	hub      *hub.Hub
	runner   *engine.Runner
	repo     Repository
	scraper  Scraper
	opts     Options
	upgrader websocket.Upgrader
	handlers map[models.RequestName]handlerFunc

	runningConfig *RunningConfig
}

// New creates a server over the given session state and engine.
func New(registry *session.Registry, h *hub.Hub, runner *engine.Runner, repo Repository, scraper Scraper, opts Options, logger *logrus.Entry) *Server {
	if opts.KeepAlive <= 0 {
		opts.KeepAlive = DefaultKeepAlive
	}
	opts.Tasks = opts.Tasks.withDefaults()
	s := &Server{
		logger:   logger,
		registry: registry,
		hub:      h,
		runner:   runner,
		repo:     repo,
		scraper:  scraper,
		opts:     opts,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.handlers = s.requestHandlers()
	s.server = &http.Server{
		Handler:           h2c.NewHandler(s.Handler(), &http2.Server{}),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetRunningConfig sets the configuration reported on /api/config.
func (s *Server) SetRunningConfig(cfg *RunningConfig) {
	s.runningConfig = cfg
}

// Handler returns the HTTP handler with every route registered.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/api/sessions", s.handleGetSessions)
	mux.HandleFunc("/api/config", s.handleGetConfig)
	mux.HandleFunc("/api/schema/tasks", s.handleTaskSchema)
	mux.HandleFunc("/api/stream", s.handleStream)
	mux.HandleFunc("/ws", s.handleWebSocket)

	for name, route := range models.Routes {
		mux.HandleFunc(route.Path, s.restHandler(name, route))
	}
	return mux
}

// ListenAndServe serves on addr until the server stops or fails.
func (s *Server) ListenAndServe(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	return s.Serve(listener)
}

// Serve accepts connections on listener with HTTP/1.1 and cleartext HTTP/2.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.WithField("address", listener.Addr().String()).Info("Server listening")
	err := s.server.Serve(listener)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server and the background work it started.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down server...")
	err := s.server.Shutdown(ctx)
	if s.runner != nil {
		if rerr := s.runner.Shutdown(ctx); rerr != nil && err == nil {
			err = rerr
		}
	}
	return err
}

// handleGetSessions returns all live sessions as JSON.
func (s *Server) handleGetSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.registry.Summaries())
}

// handleGetConfig returns the running configuration as JSON.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.runningConfig == nil {
		http.Error(w, "config not initialized", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, s.runningConfig)
}

// handleTaskSchema returns the JSON Schema generated task lists must match.
func (s *Server) handleTaskSchema(w http.ResponseWriter, r *http.Request) {
	data, err := models.TaskListSchema()
	if err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/schema+json")
	_, _ = w.Write(data)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	if len(s.opts.AllowedOrigins) == 0 {
		return origin == "http://"+r.Host || origin == "https://"+r.Host
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
