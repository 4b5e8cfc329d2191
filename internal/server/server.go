package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trackserver/trackserver/config"
	"github.com/trackserver/trackserver/internal/db"
	"github.com/trackserver/trackserver/internal/fetch"
	"github.com/trackserver/trackserver/internal/handlers"
	"github.com/trackserver/trackserver/internal/localtime"
	"github.com/trackserver/trackserver/internal/logging"
	"github.com/trackserver/trackserver/internal/metrics"
	"github.com/trackserver/trackserver/internal/mq"
	"github.com/trackserver/trackserver/internal/protocols"
	"github.com/trackserver/trackserver/internal/services"
	"github.com/trackserver/trackserver/internal/storage"
	"github.com/trackserver/trackserver/internal/store"
)

// Server wraps the HTTP server and its backing connections.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	db         *sql.DB
	mq         *mq.MQ
}

// Services are the wired use-cases behind the HTTP surface.
type Services struct {
	Credentials *services.CredentialStore
	Users       *services.UserService
	Tracks      *services.TrackService
	Fences      *services.GeofenceEvaluator
	Namer       *services.TrackNamer
	Live        *services.LiveService
	Settings    *services.SettingsService
	Importer    *services.GPXImporter
}

// Repositories groups the persistence ports the services are built on.
type Repositories struct {
	Users     services.UserRepository
	Meta      services.MetaRepository
	Tracks    services.TrackRepository
	Locations services.LocationRepository
	Locker    services.TrackLocker
}

// NewServices wires every service. events may be nil.
func NewServices(repos Repositories, stager services.ObjectStager, events services.LocationPublisher, tracking config.TrackingConfig, clock localtime.Clock) Services {
	zone := localtime.NewZone(tracking.Timezone)
	tracks := services.NewTrackService(repos.Tracks, repos.Locations, repos.Locker, services.TrackOptions{
		Zone:      zone,
		Clock:     clock,
		ChunkSize: tracking.InsertChunkSize,
		Events:    events,
	})
	fences := services.NewGeofenceEvaluator(repos.Meta)
	namer := services.NewTrackNamer(repos.Meta, tracking.TrackNameTemplate)

	return Services{
		Credentials: services.NewCredentialStore(repos.Users, repos.Meta, clock),
		Users:       services.NewUserService(repos.Users),
		Tracks:      tracks,
		Fences:      fences,
		Namer:       namer,
		Live:        services.NewLiveService(repos.Users, repos.Meta, repos.Locations, zone, clock),
		Settings:    services.NewSettingsService(repos.Meta, clock),
		Importer:    services.NewGPXImporter(stager, tracks, fences, namer, tracking.MaxUploadSize),
	}
}

// RouterOptions configures NewRouter.
type RouterOptions struct {
	Auth     config.AuthConfig
	Tracking config.TrackingConfig
	Fetch    *fetch.Client
	DB       handlers.Pinger
}

// NewRouter builds the HTTP handler. Tracker protocol requests are
// recognised by the protocol router middleware and never reach a chi route.
func NewRouter(svc Services, opts RouterOptions) *chi.Mux {
	deps := protocols.Deps{
		Credentials: svc.Credentials,
		Tracks:      svc.Tracks,
		Fences:      svc.Fences,
		Namer:       svc.Namer,
		Live:        svc.Live,
		Importer:    svc.Importer,
	}
	if opts.Fetch != nil {
		deps.Avatars = opts.Fetch
	}
	trackers := protocols.NewDefaultRouter(protocols.ConfigFromTracking(opts.Tracking), deps)
	auth := handlers.NewAuthHandler(svc.Credentials, svc.Users, opts.Auth.JWTSecret, opts.Auth.TokenTTL)

	router := chi.NewRouter()
	router.Use(
		middleware.RequestID,
		middleware.RealIP,
		middleware.Recoverer,
		logging.RequestLogger,
		metrics.Middleware,
		middleware.Timeout(60*time.Second),
		trackers.Middleware,
	)
	router.Get("/healthz", handlers.Healthz(opts.DB))
	router.Handle("/metrics", promhttp.Handler())
	router.Route("/auth", func(r chi.Router) {
		handlers.AuthRouter(r, auth, opts.Auth.LoginRateLimit)
	})
	router.Group(func(r chi.Router) {
		r.Use(auth.RequireAuth)
		r.Route("/tracks", func(r chi.Router) {
			handlers.TrackRouter(r, handlers.NewTrackHandler(svc.Tracks, svc.Live, svc.Users))
		})
		r.Route("/locations", func(r chi.Router) {
			handlers.LocationRouter(r, handlers.NewLocationHandler(svc.Tracks))
		})
		r.Route("/settings", func(r chi.Router) {
			handlers.SettingsRouter(r, handlers.NewSettingsHandler(svc.Settings))
		})
		if opts.Fetch != nil {
			r.Route("/proxy", func(r chi.Router) {
				handlers.ProxyRouter(r, handlers.NewProxyHandler(opts.Fetch))
			})
		}
	})
	return router
}

// New connects every backend named in cfg and builds the server.
func New(ctx context.Context, cfg config.Config) (*Server, error) {
	if cfg.Auth.JWTSecret == "" {
		return nil, errors.New("JWT_SECRET is required")
	}

	dbConn, err := db.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	objects, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	broker, err := mq.Open(ctx, cfg.MQ)
	if err != nil {
		_ = dbConn.Close()
		return nil, fmt.Errorf("open message queue: %w", err)
	}
	var events services.LocationPublisher
	if broker != nil {
		events = mq.NewEventPublisher(broker, cfg.MQ.Channel)
	} else {
		logging.Info().Msg("location events disabled")
	}

	repos := Repositories{
		Users:     store.NewUserRepository(dbConn),
		Meta:      store.NewMetaRepository(dbConn),
		Tracks:    store.NewTrackRepository(dbConn),
		Locations: store.NewLocationRepository(dbConn),
		Locker:    store.NewTrackLocker(dbConn),
	}
	svc := NewServices(repos, objects, events, cfg.Tracking, localtime.SystemClock{})
	router := NewRouter(svc, RouterOptions{
		Auth:     cfg.Auth,
		Tracking: cfg.Tracking,
		Fetch:    fetch.NewClient(cfg.Fetch),
		DB:       dbConn,
	})

	port := cfg.ServerPort
	if port == 0 {
		port = 8080
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: httpServer,
		router:     router,
		db:         dbConn,
		mq:         broker,
	}, nil
}

// Router exposes the chi router for route registration.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	logging.Info().Str("addr", s.httpServer.Addr).Msg("trackserver listening")
	if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests, then closes the backends.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.httpServer.Shutdown(ctx)
	if s.mq != nil {
		if cerr := s.mq.Close(); cerr != nil {
			logging.Warn().Err(cerr).Msg("close message queue")
		}
	}
	if s.db != nil {
		_ = s.db.Close()
	}
	return err
}
