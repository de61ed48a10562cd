package collabsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"
	"github.com/schemacraft/collabsync/audit"
	"github.com/schemacraft/collabsync/collab"
	"github.com/schemacraft/collabsync/collab/handler"
	"github.com/schemacraft/collabsync/internal"
	"github.com/schemacraft/collabsync/pubsub"
	"github.com/schemacraft/collabsync/state"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

var logger = zerolog.New(os.Stdout).With().Timestamp().Logger().Output(zerolog.ConsoleWriter{
	Out:        os.Stderr,
	TimeFormat: "15:04:05",
})

type Config struct {
	BindAddr string
	// Postgres connection string. Sessions are kept in memory if empty.
	PostgresURI     string
	ReapInterval    time.Duration
	StaleThreshold  time.Duration
	ParticipantsTTL time.Duration
	// Redis address for the cross-node relay. No relay if empty.
	RedisAddr    string
	KafkaBrokers []string
	KafkaTopic   string
	// Empty or "*" allows any Origin to open a socket.
	AllowedOrigin string
	EnableMetrics bool
	Debug         bool
	// Socket tuning, defaults used where zero. AllowedOrigin above takes precedence.
	Socket handler.Options
}

type sessionStore interface {
	collab.SessionStore
	Ping(ctx context.Context) error
	Teardown()
}

// CollabServer is the assembled service: session store, collaboration core, socket
// handler and the HTTP routes in front of them.
type CollabServer struct {
	Service *collab.Service
	Handler *handler.Handler

	store sessionStore
	redis *redis.Client
	srv   *server
}

func Setup(cfg Config) (*CollabServer, error) {
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.TraceLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	var store sessionStore
	if cfg.PostgresURI != "" {
		store = state.NewStorage(cfg.PostgresURI)
	} else {
		logger.Warn().Msg("no database configured, sessions will be kept in memory")
		store = state.NewMemorySessions()
	}

	collabCfg := collab.Config{
		ReapInterval:    cfg.ReapInterval,
		StaleThreshold:  cfg.StaleThreshold,
		ParticipantsTTL: cfg.ParticipantsTTL,
		EnableMetrics:   cfg.EnableMetrics,
	}

	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := rdb.Ping(ctx).Err()
		cancel()
		if err != nil {
			rdb.Close()
			store.Teardown()
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		collabCfg.Notifier = pubsub.NewRedisNotifier(rdb)
		collabCfg.Listener = pubsub.NewRedisListener(rdb)
	}

	emitter, err := audit.NewKafkaEmitter(cfg.KafkaBrokers, cfg.KafkaTopic)
	if err != nil {
		if rdb != nil {
			rdb.Close()
		}
		store.Teardown()
		return nil, err
	}
	// a nil *KafkaEmitter must not end up in the interface
	if emitter != nil {
		collabCfg.Audit = emitter
	}

	socketOpts := cfg.Socket
	if cfg.AllowedOrigin != "" {
		socketOpts.AllowedOrigin = cfg.AllowedOrigin
	}

	svc := collab.NewService(store, collabCfg)
	s := &CollabServer{
		Service: svc,
		Handler: handler.NewHandler(svc, socketOpts),
		store:   store,
		redis:   rdb,
	}
	s.srv = s.routes(cfg.EnableMetrics)
	return s, nil
}

func (s *CollabServer) routes(withMetrics bool) *server {
	r := mux.NewRouter()
	r.Handle("/ws/collaborate", s.Handler)
	r.Handle("/api/projects/{projectId}/collaborators", allowCORS(http.HandlerFunc(s.collaborators))).Methods("GET", "OPTIONS")
	r.HandleFunc("/healthz", s.health)
	if withMetrics {
		r.Handle("/metrics", promhttp.Handler())
	}
	return &server{
		chain: []func(next http.Handler) http.Handler{
			hlog.NewHandler(logger),
			func(next http.Handler) http.Handler {
				return otelhttp.NewHandler(next, "collabsync")
			},
			hlog.AccessHandler(func(r *http.Request, status, size int, duration time.Duration) {
				hlog.FromRequest(r).Info().
					Str("method", r.Method).
					Int("status", status).
					Int("size", size).
					Dur("duration", duration).
					Str("path", r.URL.Path).
					Msg("")
			}),
			hlog.RemoteAddrHandler("ip"),
			withSentryHub,
		},
		final: r,
	}
}

func (s *CollabServer) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	s.srv.ServeHTTP(w, req)
}

func (s *CollabServer) collaborators(w http.ResponseWriter, req *http.Request) {
	projectID := mux.Vars(req)["projectId"]
	participants, err := s.Service.Participants(req.Context(), projectID)
	if err != nil {
		hlog.FromRequest(req).Err(err).Str("project", projectID).Msg("failed to load collaborators")
		internal.GetSentryHubFromContextOrDefault(req.Context()).CaptureException(err)
		internal.WriteError(w, &internal.HandlerError{
			StatusCode: http.StatusServiceUnavailable,
			Err:        fmt.Errorf("failed to load collaborators: %w", err),
		})
		return
	}
	if participants == nil {
		participants = []collab.Participant{}
	}
	body, _ := json.Marshal(struct {
		ActiveUsers []collab.Participant `json:"activeUsers"`
	}{participants})
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write(body)
}

func (s *CollabServer) health(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 5*time.Second)
	defer cancel()
	if err := s.store.Ping(ctx); err != nil {
		hlog.FromRequest(req).Err(err).Msg("health check failed")
		internal.WriteError(w, &internal.HandlerError{
			StatusCode: http.StatusServiceUnavailable,
			Err:        err,
		})
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(200)
	w.Write([]byte(`{"status":"ok"}`))
}

// Teardown closes every socket (each performing its implicit leave) before stopping the
// service and releasing the store and redis.
func (s *CollabServer) Teardown() {
	s.Handler.Close()
	s.Service.Teardown()
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			logger.Err(err).Msg("failed to close redis client")
		}
	}
	s.store.Teardown()
}

type server struct {
	chain []func(next http.Handler) http.Handler
	final http.Handler
}

func (s *server) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	h := s.final
	for i := range s.chain {
		h = s.chain[len(s.chain)-1-i](h)
	}
	h.ServeHTTP(w, req)
}

func allowCORS(next http.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, X-Requested-With, Content-Type, Accept, Authorization")
		if req.Method == "OPTIONS" {
			w.WriteHeader(200)
			return
		}
		next.ServeHTTP(w, req)
	}
}

// withSentryHub gives each request its own hub so tags set while serving it stay on it.
func withSentryHub(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		hub := sentry.CurrentHub().Clone()
		hub.Scope().SetRequest(req)
		next.ServeHTTP(w, req.WithContext(sentry.SetHubOnContext(req.Context(), hub)))
	})
}

// RunCollabServer is the main entry point to the server. It blocks until ctx is cancelled,
// then shuts down gracefully.
func RunCollabServer(ctx context.Context, cfg Config) error {
	s, err := Setup(cfg)
	if err != nil {
		return err
	}
	httpSrv := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: s,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Msgf("listening on %s", cfg.BindAddr)
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err = <-errCh:
		s.Teardown()
		return fmt.Errorf("failed to listen and serve: %w", err)
	case <-ctx.Done():
	}
	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// Shutdown does not wait for hijacked connections, those are closed by Teardown.
	err = httpSrv.Shutdown(shutdownCtx)
	s.Teardown()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
