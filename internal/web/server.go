// Package web provides the embedded dashboard for Drip: login, the
// device overview with the claim form, and the per-device detail page
// with live moisture readings pushed over a websocket.
package web

import (
	"context"
	"embed"
	"html/template"
	"io/fs"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/fernbed/drip/internal/api"
	"github.com/fernbed/drip/internal/broker"
	"github.com/fernbed/drip/internal/devstate"
	"github.com/fernbed/drip/internal/events"
)

//go:embed static/*
var staticFiles embed.FS

const brandName = "Drip"

// Platform is the slice of the REST client the dashboard uses.
// Satisfied by *api.Client.
type Platform interface {
	Devices(ctx context.Context) api.Result[[]devstate.Summary]
	ClaimDevice(ctx context.Context, name, apiKey string) api.Result[devstate.Device]
	SetPreset(ctx context.Context, deviceID int64, p api.Preset) api.Result[struct{}]
	Login(ctx context.Context, creds api.Credentials) api.Result[api.User]
	Register(ctx context.Context, creds api.Credentials) api.Result[api.User]
	Logout(ctx context.Context) api.Result[struct{}]
}

// SessionStore persists the login session. Satisfied by
// *session.Store.
type SessionStore interface {
	Save(token, username string) error
	Token() (string, error)
	Username() (string, error)
	Clear() error
}

// DeviceBinder manages watch sessions for device detail views.
// Satisfied by *view.Binder.
type DeviceBinder interface {
	Watch(ctx context.Context, deviceID int64) error
	Unwatch(deviceID int64)
}

// Broker is the slice of the broker connection the dashboard uses.
// Satisfied by *broker.Conn.
type Broker interface {
	Status() broker.Status
	WaterNow(ctx context.Context, deviceID int64)
}

// Config wires the dashboard to the rest of the daemon. Nil fields
// degrade gracefully: pages render with empty data instead of
// panicking.
type Config struct {
	Platform Platform
	Sessions SessionStore
	Binder   DeviceBinder
	Broker   Broker
	Store    *devstate.Store
	Bus      *events.Bus
	Logger   *slog.Logger
}

// WebServer serves the dashboard.
type WebServer struct {
	platform  Platform
	sessions  SessionStore
	binder    DeviceBinder
	broker    Broker
	store     *devstate.Store
	bus       *events.Bus
	logger    *slog.Logger
	templates map[string]*template.Template

	watchMu   sync.Mutex
	watchSeen map[int64]time.Time
	now       func() time.Time
}

// NewWebServer creates a dashboard server. Templates are parsed
// eagerly so a syntax error fails at startup, not on first request.
func NewWebServer(cfg Config) *WebServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebServer{
		platform:  cfg.Platform,
		sessions:  cfg.Sessions,
		binder:    cfg.Binder,
		broker:    cfg.Broker,
		store:     cfg.Store,
		bus:       cfg.Bus,
		logger:    logger,
		templates: loadTemplates(),
		watchSeen: make(map[int64]time.Time),
		now:       time.Now,
	}
}

// RegisterRoutes adds the dashboard routes to a mux.
func (s *WebServer) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /login", s.handleLoginPage)
	mux.HandleFunc("POST /login", s.handleLogin)
	mux.HandleFunc("POST /register", s.handleRegister)
	mux.HandleFunc("POST /logout", s.handleLogout)
	mux.HandleFunc("GET /devices/{id}", s.handleDevice)
	mux.HandleFunc("GET /devices/{id}/qr.png", s.handleDeviceQR)
	mux.HandleFunc("POST /devices/claim", s.handleClaim)
	mux.HandleFunc("POST /devices/{id}/water", s.handleWater)
	mux.HandleFunc("POST /devices/{id}/preset", s.handlePreset)
	mux.HandleFunc("GET /ws", s.handleWebsocket)

	staticFS, err := fs.Sub(staticFiles, "static")
	if err != nil {
		panic(err)
	}
	mux.Handle("GET /static/", http.StripPrefix("/static/", http.FileServer(http.FS(staticFS))))
}

// loggedIn reports whether a session token is stored. Errors reading
// the store count as logged out.
func (s *WebServer) loggedIn() bool {
	if s.sessions == nil {
		return false
	}
	token, err := s.sessions.Token()
	return err == nil && token != ""
}
