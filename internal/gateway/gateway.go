// Package gateway exposes the extension manager over HTTP and streams
// lifecycle events over a websocket.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/basket/extensiond/internal/bus"
	"github.com/basket/extensiond/internal/locks"
	"github.com/basket/extensiond/internal/manager"
	"github.com/basket/extensiond/internal/otel"
	"github.com/basket/extensiond/internal/persistence"
	"github.com/basket/extensiond/internal/restart"
	"github.com/basket/extensiond/internal/shared"
)

const (
	defaultMaxBodyBytes = 1 << 20
	operationIDHeader   = "X-Operation-ID"
)

// Manager is the lifecycle surface served by the gateway.
type Manager interface {
	Install(ctx context.Context, id string, opts manager.InstallOptions) (*persistence.Extension, error)
	Upgrade(ctx context.Context, id string, opts manager.UpgradeOptions) (*persistence.Extension, error)
	Uninstall(ctx context.Context, id string) (*manager.UninstallReport, error)
	Enable(ctx context.Context, id string) (*persistence.Extension, error)
	Disable(ctx context.Context, id string) (*persistence.Extension, error)
	CreateLocal(ctx context.Context, id, name string) (*persistence.Extension, error)
	List(ctx context.Context) ([]persistence.Extension, error)
	Get(ctx context.Context, id string) (*persistence.Extension, error)
}

type LockLister interface {
	List(ctx context.Context) (map[string]locks.Entry, error)
}

type Restarts interface {
	Schedule()
	Status() restart.Status
}

type Config struct {
	Manager  Manager
	Locks    LockLister
	Restarts Restarts
	Bus      *bus.Bus
	// Health reports whether the host database is usable.
	Health func(ctx context.Context) error

	// AuthToken enables bearer authentication on everything but /healthz.
	AuthToken string
	// AllowOrigins lists accepted Origin patterns for browser websockets.
	// Empty means same-origin only.
	AllowOrigins      []string
	ConfigFingerprint string
	Version           string
	MaxBodyBytes      int64

	Tracer trace.Tracer
	Logger *slog.Logger
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = noop.NewTracerProvider().Tracer("extensiond")
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	return &Server{cfg: cfg, logger: cfg.Logger, started: time.Now()}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealthz)

	mux.Handle("GET /api/extensions", s.api(s.handleList))
	mux.Handle("POST /api/extensions", s.api(s.handleCreate))
	mux.Handle("GET /api/extensions/{id}", s.api(s.handleGet))
	mux.Handle("DELETE /api/extensions/{id}", s.api(s.handleUninstall))
	mux.Handle("POST /api/extensions/{id}/install", s.api(s.handleInstall))
	mux.Handle("POST /api/extensions/{id}/upgrade", s.api(s.handleUpgrade))
	mux.Handle("POST /api/extensions/{id}/uninstall", s.api(s.handleUninstall))
	mux.Handle("POST /api/extensions/{id}/enable", s.api(s.handleEnable))
	mux.Handle("POST /api/extensions/{id}/disable", s.api(s.handleDisable))
	mux.Handle("GET /api/locks", s.api(s.handleLocks))
	mux.Handle("GET /api/restart", s.api(s.handleRestartStatus))
	mux.Handle("POST /api/restart", s.api(s.handleRestartSchedule))
	mux.Handle("GET /ws/events", s.authenticated(http.HandlerFunc(s.handleEvents)))
	return mux
}

// api wraps an API handler with authentication, body limits, a server span
// and operation id propagation.
func (s *Server) api(fn http.HandlerFunc) http.Handler {
	return s.authenticated(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)

		ctx := r.Context()
		if id := strings.TrimSpace(r.Header.Get(operationIDHeader)); id != "" {
			ctx = shared.WithOperationID(ctx, id)
		}
		ctx, opID := shared.EnsureOperationID(ctx)
		ctx = shared.WithActor(ctx, "http:"+r.RemoteAddr)
		w.Header().Set(operationIDHeader, opID)

		ctx, span := otel.StartServerSpan(ctx, s.cfg.Tracer, r.Method+" "+r.URL.Path,
			otel.AttrHTTPRoute.String(r.Pattern),
			otel.AttrOperationID.String(opID),
		)
		defer span.End()
		fn(w, r.WithContext(ctx))
	}))
}

func (s *Server) authenticated(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !authorize(r, s.cfg.AuthToken) {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Kind: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// statusFor maps a manager error kind to an HTTP status.
func statusFor(kind manager.Kind) int {
	switch kind {
	case manager.KindConflict:
		return http.StatusConflict
	case manager.KindValidation:
		return http.StatusUnprocessableEntity
	case manager.KindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := manager.KindOf(err)
	status := statusFor(kind)
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "path", r.URL.Path, "operation_id", shared.OperationID(r.Context()), "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(kind)})
}

// decode reads an optional JSON body into v. An empty body is allowed.
func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func badRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Kind: string(manager.KindValidation)})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	dbOK := true
	if s.cfg.Health != nil {
		if err := s.cfg.Health(r.Context()); err != nil {
			dbOK = false
			s.logger.Warn("health check failed", "error", err)
		}
	}
	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"version":            s.cfg.Version,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"uptime_seconds":     int64(time.Since(s.started).Seconds()),
		"goroutines":         runtime.NumGoroutine(),
	}
	if s.cfg.Restarts != nil {
		payload["restart_state"] = s.cfg.Restarts.Status().State
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	list, err := s.cfg.Manager.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if list == nil {
		list = []persistence.Extension{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"extensions": list})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	ext, err := s.cfg.Manager.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

type createRequest struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	ext, err := s.cfg.Manager.CreateLocal(r.Context(), strings.TrimSpace(req.Identifier), strings.TrimSpace(req.Name))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

type installRequest struct {
	Version string `json:"version"`
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	var req installRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	ext, err := s.cfg.Manager.Install(r.Context(), r.PathValue("id"), manager.InstallOptions{Version: req.Version})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, ext)
}

type upgradeRequest struct {
	Version string `json:"version"`
	Force   bool   `json:"force"`
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	var req upgradeRequest
	if err := decode(r, &req); err != nil {
		badRequest(w, err)
		return
	}
	ext, err := s.cfg.Manager.Upgrade(r.Context(), r.PathValue("id"), manager.UpgradeOptions{Version: req.Version, Force: req.Force})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (s *Server) handleUninstall(w http.ResponseWriter, r *http.Request) {
	report, err := s.cfg.Manager.Uninstall(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleEnable(w http.ResponseWriter, r *http.Request) {
	ext, err := s.cfg.Manager.Enable(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	ext, err := s.cfg.Manager.Disable(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, ext)
}

func (s *Server) handleLocks(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Locks == nil {
		writeJSON(w, http.StatusOK, map[string]any{"locks": map[string]locks.Entry{}})
		return
	}
	held, err := s.cfg.Locks.List(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": held})
}

func (s *Server) handleRestartStatus(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Restarts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "restart scheduler not configured", Kind: string(manager.KindInternal)})
		return
	}
	writeJSON(w, http.StatusOK, s.cfg.Restarts.Status())
}

func (s *Server) handleRestartSchedule(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Restarts == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "restart scheduler not configured", Kind: string(manager.KindInternal)})
		return
	}
	s.cfg.Restarts.Schedule()
	writeJSON(w, http.StatusAccepted, s.cfg.Restarts.Status())
}
