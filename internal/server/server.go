// Package server exposes the scan orchestrator over HTTP: target and
// scan CRUD, artifact reads, system control and a server-sent event
// stream. The server never runs scans itself; every mutation delegates
// to the queue or the resilience monitor.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/mzaki/scanward/internal/faults"
	"github.com/mzaki/scanward/internal/models"
	"github.com/mzaki/scanward/internal/queue"
	"github.com/mzaki/scanward/internal/storage"
)

// Store is the persistence surface the handlers read and write
type Store interface {
	SaveTarget(target *models.Target) error
	GetTarget(id string) (*models.Target, error)
	GetTargetByDomain(domain string) (*models.Target, error)
	ListTargets() ([]*models.Target, error)
	UpdateTargetScope(id string, include, exclude []string) error
	DeleteTarget(id string) error

	SaveScan(scan *models.Scan) error
	GetScan(id string) (*models.Scan, error)
	ListScans() ([]*models.Scan, error)
	ListScansForTarget(targetID string) ([]*models.Scan, error)

	GetSubdomains(scanID string) ([]models.Subdomain, error)
	GetEndpoints(scanID string) ([]models.Endpoint, error)
	GetFindings(scanID string) ([]models.Finding, error)
	GetPorts(scanID string) ([]models.Port, error)
	CountArtifacts(scanID string) (storage.ArtifactCounts, error)

	GetSystemState() (*models.SystemState, error)
}

// Scheduler is the queue surface the scan handlers drive
type Scheduler interface {
	Enqueue(scan *models.Scan, target *models.Target) error
	Pause(scanID string) error
	Resume(scanID string) error
	Stop(scanID string) error
	Status() queue.Snapshot
}

// SystemControl is the monitor surface behind /api/system
type SystemControl interface {
	TriggerPause(reason string)
	TriggerResume()
	Online() bool
	PausedFor() string
}

// Config wires one server instance
type Config struct {
	Log       *zap.Logger
	Store     Store
	Scheduler Scheduler
	System    SystemControl
	Events    *Broadcaster
	// Metrics is mounted at /metrics when set
	Metrics     http.Handler
	CORSOrigins []string
}

// Server is the HTTP control surface
type Server struct {
	log       *zap.Logger
	store     Store
	scheduler Scheduler
	system    SystemControl
	events    *Broadcaster
	metrics   http.Handler
	origins   []string
	validate  *validator.Validate

	http *http.Server
}

// New builds a server; call Start to begin listening
func New(cfg Config) *Server {
	log := cfg.Log
	if log == nil {
		log = zap.NewNop()
	}
	events := cfg.Events
	if events == nil {
		events = NewBroadcaster(log)
	}
	return &Server{
		log:       log,
		store:     cfg.Store,
		scheduler: cfg.Scheduler,
		system:    cfg.System,
		events:    events,
		metrics:   cfg.Metrics,
		origins:   cfg.CORSOrigins,
		validate:  validator.New(),
	}
}

// Router assembles the chi routing tree
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)

	origins := s.origins
	if len(origins) == 0 {
		origins = []string{"http://localhost:*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "Last-Event-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/healthz", s.handleHealthz)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api", func(r chi.Router) {
		r.Route("/targets", func(r chi.Router) {
			r.Post("/", s.handleCreateTarget)
			r.Get("/", s.handleListTargets)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetTarget)
				r.Put("/scope", s.handleUpdateScope)
				r.Delete("/", s.handleDeleteTarget)
			})
		})

		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.handleStartScan)
			r.Get("/", s.handleListScans)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetScan)
				r.Post("/pause", s.handlePauseScan)
				r.Post("/resume", s.handleResumeScan)
				r.Post("/stop", s.handleStopScan)
				r.Get("/subdomains", s.handleScanSubdomains)
				r.Get("/endpoints", s.handleScanEndpoints)
				r.Get("/vulnerabilities", s.handleScanFindings)
				r.Get("/ports", s.handleScanPorts)
			})
		})

		r.Route("/system", func(r chi.Router) {
			r.Get("/status", s.handleSystemStatus)
			r.Post("/pause", s.handleSystemPause)
			r.Post("/resume", s.handleSystemResume)
		})

		r.Get("/events", s.handleEvents)
	})

	return r
}

// Start begins serving on addr and blocks until the listener fails
func (s *Server) Start(addr string) error {
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.log.Info("control server listening", zap.String("addr", addr))
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests and closes the event stream
func (s *Server) Shutdown(ctx context.Context) error {
	s.events.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Events exposes the broadcaster for wiring pipeline hooks
func (s *Server) Events() *Broadcaster { return s.events }

// logRequests is the zap access-log middleware
func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// the event stream is long-lived; logging its duration is noise
		if r.URL.Path == "/api/events" {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("elapsed", time.Since(start)))
	})
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg, kind string) {
	s.writeJSON(w, status, errorBody{Error: msg, Kind: kind})
}

// writeStoreError maps a storage failure onto a status code
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	if faults.Is(err, faults.StoreWriteFailure) {
		status = http.StatusServiceUnavailable
	}
	s.writeError(w, status, err.Error(), string(faults.KindOf(err)))
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
