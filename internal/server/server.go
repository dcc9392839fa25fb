package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/bcnelson/wakeproxy/internal/auth"
	"github.com/bcnelson/wakeproxy/internal/config"
	"github.com/bcnelson/wakeproxy/internal/pool"
	"github.com/bcnelson/wakeproxy/internal/proxy"
	"github.com/bcnelson/wakeproxy/internal/registry"
	"github.com/bcnelson/wakeproxy/internal/shutdown"
	"github.com/bcnelson/wakeproxy/internal/wol"

	"tailscale.com/ipn"
	"tailscale.com/tsnet"
)

const (
	localListener   = "local"
	tailnetListener = "tailnet"

	// forwarderShutdownTimeout bounds how long Close waits for active relays.
	forwarderShutdownTimeout = 10 * time.Second
)

// Waker sends wake packets without waiting. *wol.Waker satisfies it.
type Waker interface {
	Wake(ctx context.Context, mac net.HardwareAddr) error
}

// Shutdowner powers machines off. *shutdown.Client satisfies it.
type Shutdowner interface {
	Shutdown(ctx context.Context, m registry.Machine) error
}

// TSOverrides allows overriding tsnet.Server fields for testing.
// When nil (production), the default tsnet behavior is used.
type TSOverrides struct {
	ControlURL string
	Store      ipn.StateStore
	Ephemeral  bool
}

// Deps are the components the server wires together.
type Deps struct {
	Registry   *registry.Registry
	Manager    *proxy.Manager
	Pool       *pool.Pool
	Waker      Waker
	Shutdowner Shutdowner
}

// Server is the wakeproxy daemon: the management API plus the lifecycle of
// the forwarding core.
type Server struct {
	cfg         *config.ServerConfig
	deps        Deps
	tsServer    *tsnet.Server
	tsOverrides *TSOverrides
	listeners   *ListenerManager
	logger      *slog.Logger
}

// New creates a new Server.
func New(cfg *config.ServerConfig, deps Deps, logger *slog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		deps:      deps,
		listeners: NewListenerManager(logger),
		logger:    logger,
	}
}

// WithTSOverrides sets tsnet overrides for testing.
func (s *Server) WithTSOverrides(overrides *TSOverrides) {
	s.tsOverrides = overrides
}

// Start loads the registry, which starts every forwarder, and opens the API
// listeners. Nothing is served until Run.
func (s *Server) Start(ctx context.Context) error {
	if err := s.deps.Registry.Load(ctx); err != nil {
		return fmt.Errorf("loading machines: %w", err)
	}

	ln, err := net.Listen("tcp", s.cfg.APIAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.APIAddr, err)
	}
	s.listeners.Add(localListener, ln, s.Handler())

	if s.cfg.TSHostname != "" {
		if err := s.startTailnet(ctx); err != nil {
			s.listeners.Close()
			return err
		}
	}

	s.logger.Info("wakeproxy server started",
		"api_addr", ln.Addr().String(),
		"machines", len(s.deps.Registry.List()),
		"forwarders", len(s.deps.Manager.Handles()),
	)
	return nil
}

func (s *Server) startTailnet(ctx context.Context) error {
	s.tsServer = &tsnet.Server{
		Hostname:  s.cfg.TSHostname,
		Dir:       s.cfg.TSStateDir,
		AuthKey:   s.cfg.TSAuthKey,
		Ephemeral: s.cfg.TSEphemeral,
	}
	if s.tsOverrides != nil {
		s.tsServer.ControlURL = s.tsOverrides.ControlURL
		if s.tsOverrides.Store != nil {
			s.tsServer.Store = s.tsOverrides.Store
		}
		s.tsServer.Ephemeral = s.tsOverrides.Ephemeral
	}

	status, err := s.tsServer.Up(ctx)
	if err != nil {
		return fmt.Errorf("tsnet startup failed: %w", err)
	}
	s.logger.Info("tsnet connected", "tailscale_ips", status.TailscaleIPs)

	lc, err := s.tsServer.LocalClient()
	if err != nil {
		return fmt.Errorf("getting tsnet local client: %w", err)
	}
	identifier := auth.NewIdentifier(lc, s.logger)

	ln, err := s.tsServer.Listen("tcp", fmt.Sprintf(":%d", s.cfg.TSPort))
	if err != nil {
		return fmt.Errorf("listening on tsnet port %d: %w", s.cfg.TSPort, err)
	}
	s.listeners.Add(tailnetListener, ln, identifier.Middleware(s.Handler()))
	return nil
}

// Run serves the API and sweeps the connection pool until ctx is done or a
// listener fails.
func (s *Server) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.deps.Pool.Run(gctx)
		return nil
	})
	g.Go(func() error {
		return s.listeners.Serve(gctx)
	})
	return g.Wait()
}

// Addr returns the local API listener address once Start has succeeded.
func (s *Server) Addr() net.Addr {
	return s.listeners.Addr(localListener)
}

// Close stops the API, every forwarder and the connection pool.
func (s *Server) Close() {
	s.listeners.Close()

	ctx, cancel := context.WithTimeout(context.Background(), forwarderShutdownTimeout)
	defer cancel()
	if err := s.deps.Manager.Shutdown(ctx); err != nil {
		s.logger.Warn("forwarders did not drain in time", "error", err)
	}
	s.deps.Pool.Close()

	if s.tsServer != nil {
		_ = s.tsServer.Close()
	}
}

// Handler returns the management API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/machines", s.handleList)
	mux.HandleFunc("POST /api/v1/machines", s.handleAdd)
	mux.HandleFunc("GET /api/v1/machines/{mac}", s.handleGet)
	mux.HandleFunc("PUT /api/v1/machines/{mac}", s.handleReplace)
	mux.HandleFunc("DELETE /api/v1/machines/{mac}", s.handleRemove)
	mux.HandleFunc("POST /api/v1/machines/{mac}/wake", s.handleWake)
	mux.HandleFunc("POST /api/v1/machines/{mac}/shutdown", s.handleShutdown)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// API response types

// MachineView is a machine together with the state of its forwarders.
type MachineView struct {
	registry.Machine
	Forwarders []proxy.ForwarderStatus `json:"forwarders"`
}

type listResponse struct {
	Machines []MachineView `json:"machines"`
}

type errorResponse struct {
	Error string `json:"error"`

	// Applied is set when the change took effect but could not be persisted.
	Applied bool `json:"applied,omitempty"`
}

type actionResponse struct {
	Status string `json:"status"`
	MAC    string `json:"mac"`
}

type healthResponse struct {
	Status     string `json:"status"`
	Machines   int    `json:"machines"`
	Forwarders int    `json:"forwarders"`
}

// API Handlers

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	machines := s.deps.Registry.List()
	resp := listResponse{Machines: make([]MachineView, 0, len(machines))}
	for _, m := range machines {
		resp.Machines = append(resp.Machines, s.view(m))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Registry.Get(r.PathValue("mac"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(m))
}

func (s *Server) handleAdd(w http.ResponseWriter, r *http.Request) {
	var req registry.Machine
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	m, err := s.deps.Registry.Add(r.Context(), req)
	if err != nil && !errors.Is(err, registry.ErrPersistence) {
		s.writeError(w, err)
		return
	}

	s.logger.Info("machine registered via API",
		"caller", auth.Caller(r.Context()),
		"mac", m.MAC,
		"name", m.Name,
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, s.view(m))
}

func (s *Server) handleReplace(w http.ResponseWriter, r *http.Request) {
	var req registry.Machine
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	m, err := s.deps.Registry.Replace(r.Context(), r.PathValue("mac"), req)
	if err != nil && !errors.Is(err, registry.ErrPersistence) {
		s.writeError(w, err)
		return
	}

	s.logger.Info("machine updated via API",
		"caller", auth.Caller(r.Context()),
		"mac", m.MAC,
		"name", m.Name,
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.view(m))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	mac := r.PathValue("mac")
	err := s.deps.Registry.Remove(r.Context(), mac)
	if err != nil && !errors.Is(err, registry.ErrPersistence) {
		s.writeError(w, err)
		return
	}

	s.logger.Info("machine removed via API", "caller", auth.Caller(r.Context()), "mac", mac)
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWake(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Registry.Get(r.PathValue("mac"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	hw, err := m.HardwareAddr()
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.deps.Waker.Wake(r.Context(), hw); err != nil {
		s.logger.Error("wake failed", "mac", m.MAC, "error", err)
		writeJSON(w, http.StatusBadGateway, errorResponse{Error: err.Error()})
		return
	}

	s.logger.Info("wake sent via API", "caller", auth.Caller(r.Context()), "mac", m.MAC, "name", m.Name)
	writeJSON(w, http.StatusAccepted, actionResponse{Status: "wake sent", MAC: m.MAC})
}

func (s *Server) handleShutdown(w http.ResponseWriter, r *http.Request) {
	m, err := s.deps.Registry.Get(r.PathValue("mac"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	if err := s.deps.Shutdowner.Shutdown(r.Context(), m); err != nil {
		if !errors.Is(err, shutdown.ErrNotAllowed) && !errors.Is(err, shutdown.ErrNoShutdownPort) {
			s.logger.Error("shutdown failed", "mac", m.MAC, "error", err)
		}
		s.writeError(w, err)
		return
	}

	s.logger.Info("shutdown requested via API", "caller", auth.Caller(r.Context()), "mac", m.MAC, "name", m.Name)
	writeJSON(w, http.StatusAccepted, actionResponse{Status: "shutdown requested", MAC: m.MAC})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:     "ok",
		Machines:   len(s.deps.Registry.List()),
		Forwarders: len(s.deps.Manager.Handles()),
	})
}

func (s *Server) view(m registry.Machine) MachineView {
	return MachineView{Machine: m, Forwarders: s.deps.Manager.Status(m)}
}

// writeError maps domain errors to HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: err.Error()}
	status := http.StatusInternalServerError

	switch {
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, registry.ErrDuplicateMAC), errors.Is(err, registry.ErrPortConflict):
		status = http.StatusConflict
	case errors.Is(err, wol.ErrInvalidMAC),
		errors.Is(err, registry.ErrInvalidIP),
		errors.Is(err, registry.ErrInvalidPort),
		errors.Is(err, registry.ErrInvalidRate),
		errors.Is(err, shutdown.ErrNoShutdownPort):
		status = http.StatusBadRequest
	case errors.Is(err, shutdown.ErrNotAllowed):
		status = http.StatusForbidden
	case errors.Is(err, registry.ErrPersistence):
		resp.Applied = true
	default:
		status = http.StatusBadGateway
	}

	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
