package internal

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/2beens/pushtrack/internal/admin"
	"github.com/2beens/pushtrack/internal/auth"
	"github.com/2beens/pushtrack/internal/challenge"
	"github.com/2beens/pushtrack/internal/config"
	"github.com/2beens/pushtrack/internal/middleware"
	"github.com/2beens/pushtrack/internal/notifier"
	"github.com/2beens/pushtrack/internal/telemetry/metrics"
	"github.com/2beens/pushtrack/internal/telemetry/tracing"
	"github.com/2beens/pushtrack/pkg"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redis_rate/v9"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

type Server struct {
	httpServer        *http.Server
	metricsHttpServer *http.Server
	versionInfo       string

	config        *config.Config
	redisClient   *redis.Client
	challengeRepo *challenge.Repo
	calculator    *challenge.Calculator
	notifier      notifier.Notifier

	loginChecker *auth.LoginChecker
	authService  *auth.Service

	// metrics
	metricsManager *metrics.Manager
	promRegistry   *prometheus.Registry
	otelShutdown   func()
}

type NewServerParams struct {
	Config                  *config.Config
	VersionInfo             string
	AdminUsername           string
	AdminPasswordHash       string
	RedisPassword           string
	BrevoAPIKey             string
	EmailSenderName         string
	EmailSenderAddress      string
	HoneycombTracingEnabled bool
}

func NewServer(
	ctx context.Context,
	params NewServerParams,
) (*Server, error) {
	promRegistry := metrics.SetupPrometheus()
	metricsManager := metrics.NewManager("pushtrack", "backend", promRegistry)
	metricsManager.GaugeLifeSignal.Set(0) // set to 1 when all is set and ran

	rdb := redis.NewClient(&redis.Options{
		Addr:     net.JoinHostPort(params.Config.RedisHost, params.Config.RedisPort),
		Password: params.RedisPassword,
		DB:       0, // use default DB
	})

	rdbStatus := rdb.Ping(ctx)
	if err := rdbStatus.Err(); err != nil {
		log.Errorf("--> failed to ping redis: %s", err)
	} else {
		log.Debugf("redis ping: %s", rdbStatus.Val())
	}

	authService := auth.NewService(&auth.Admin{
		Username:     params.AdminUsername,
		PasswordHash: params.AdminPasswordHash,
	}, auth.DefaultTTL, rdb)
	go func() {
		for range time.Tick(time.Hour * 8) {
			authService.ScanAndClean(ctx)
		}
	}()

	// use honeycomb distro to setup OpenTelemetry SDK
	otelShutdown, err := tracing.HoneycombSetup(
		params.HoneycombTracingEnabled, "pushtrack-backend", rdb,
	)
	if err != nil {
		return nil, fmt.Errorf("honeycomb setup: %w", err)
	}

	var challengeNotifier notifier.Notifier
	if params.BrevoAPIKey != "" {
		challengeNotifier = notifier.NewBrevoNotifier(
			params.BrevoAPIKey,
			params.EmailSenderName,
			params.EmailSenderAddress,
			params.Config.AppBaseURL,
			metricsManager,
		)
	} else {
		log.Warnln("no email api key set, emails will not be sent")
		challengeNotifier = notifier.NewNoopNotifier()
	}

	calculator := challenge.NewCalculator()
	return &Server{
		config:        params.Config,
		versionInfo:   params.VersionInfo,
		redisClient:   rdb,
		challengeRepo: challenge.NewRepoWithCalculator(rdb, calculator),
		calculator:    calculator,
		notifier:      challengeNotifier,

		authService:  authService,
		loginChecker: auth.NewLoginChecker(auth.DefaultTTL, rdb),

		// telemetry
		metricsManager: metricsManager,
		promRegistry:   promRegistry,
		otelShutdown:   otelShutdown,
	}, nil
}

func (s *Server) routerSetup() *mux.Router {
	r := mux.NewRouter()
	r.Use(otelmux.Middleware("main-router"))

	reqRateLimiter := redis_rate.NewLimiter(s.redisClient)

	challengeHandler := challenge.NewHandler(
		s.challengeRepo,
		s.calculator,
		s.notifier,
		s.metricsManager,
	)

	apiSubrouter := r.PathPrefix("/api").Subrouter()
	apiSubrouter.
		HandleFunc("/challenge", challengeHandler.HandleCreate).
		Methods("POST", "OPTIONS").Name("new-challenge")
	apiSubrouter.
		HandleFunc("/challenge/{id}", challengeHandler.HandleGet).
		Methods("GET", "OPTIONS").Name("get-challenge")
	apiSubrouter.
		HandleFunc("/challenge/{id}", challengeHandler.HandleAbandon).
		Methods("DELETE").Name("abandon-challenge")
	apiSubrouter.
		HandleFunc("/challenge/{id}/log", challengeHandler.HandleLog).
		Methods("POST", "OPTIONS").Name("log-activity")
	apiSubrouter.
		HandleFunc("/challenge/{id}/log", challengeHandler.HandleGetLogs).
		Methods("GET").Name("get-logs")
	apiSubrouter.
		HandleFunc("/challenge/{id}/metrics/{activity}", challengeHandler.HandleGetActivityMetrics).
		Methods("GET", "OPTIONS").Name("get-activity-metrics")

	// the link sender gets its own subrouter, to rate limit it separately
	sendLinkSubrouter := r.PathPrefix("/api/send-link").Subrouter()
	sendLinkSubrouter.
		HandleFunc("", challengeHandler.HandleSendLink).
		Methods("POST", "OPTIONS").Name("send-link")
	sendLinkSubrouter.Use(middleware.RateLimit(
		reqRateLimiter, "send-link",
		s.config.SendLinkRateLimitAllowedPerMin,
		s.metricsManager,
	))

	adminHandler := admin.NewHandler(s.challengeRepo, s.calculator, s.authService)
	adminHandler.SetupRoutes(
		r, reqRateLimiter,
		s.config.LoginRateLimitAllowedPerMin,
		s.metricsManager,
	)

	r.HandleFunc("/", s.handleRoot).Methods("GET", "OPTIONS").Name("root")
	r.HandleFunc("/version", s.handleGetVersionInfo).Methods("GET").Name("version")

	// all the rest - unhandled paths
	r.HandleFunc("/{unknown}", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}).Methods("GET", "POST", "PUT", "OPTIONS").Name("unknown")

	authMiddleware := middleware.NewAuthMiddlewareHandler(s.loginChecker)

	r.Use(middleware.PanicRecovery(s.metricsManager))
	r.Use(middleware.LogRequest())
	r.Use(middleware.RequestMetrics(s.metricsManager))
	r.Use(middleware.Cors())
	r.Use(authMiddleware.AuthCheck())
	r.Use(middleware.DrainAndCloseRequest())

	return r
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, "I'm OK, thanks ;)")
}

func (s *Server) handleGetVersionInfo(w http.ResponseWriter, _ *http.Request) {
	pkg.WriteTextResponseOK(w, s.versionInfo)
}

func (s *Server) Serve(_ context.Context, host string, port int) {
	router := s.routerSetup()

	ipAndPort := net.JoinHostPort(host, strconv.Itoa(port))
	s.httpServer = &http.Server{
		Handler:      router,
		Addr:         ipAndPort,
		WriteTimeout: time.Minute,
		ReadTimeout:  time.Minute,
		ConnState:    s.connStateMetrics,
	}

	metricsRouter := mux.NewRouter()
	metricsRouter.Handle("/metrics", promhttp.HandlerFor(
		s.promRegistry,
		promhttp.HandlerOpts{},
	))
	metricsAddr := net.JoinHostPort(
		s.config.PrometheusMetricsHost,
		s.config.PrometheusMetricsPort,
	)
	s.metricsHttpServer = &http.Server{
		Addr:    metricsAddr,
		Handler: metricsRouter,
	}

	go func() {
		log.Infof(" > server listening on: [%s]", ipAndPort)
		err := s.httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("main service, listen and serve: %s", err)
		}
	}()

	go func() {
		log.Debugf(" > metrics listening on: [%s]", metricsAddr)
		err := s.metricsHttpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("metrics service, listen and serve: %s", err)
		}
	}()

	s.metricsManager.GaugeLifeSignal.Set(1)
}

func (s *Server) GracefulShutdown() {
	log.Debug("graceful shutdown initiated ...")

	s.metricsManager.GaugeLifeSignal.Set(0)

	s.otelShutdown()
	log.Trace("otel shut down ...")

	// let in-flight emails finish
	if brevoNotifier, ok := s.notifier.(*notifier.BrevoNotifier); ok {
		brevoNotifier.Wait()
	}

	if s.redisClient != nil {
		if err := s.redisClient.Close(); err != nil {
			log.Errorf("failed to close redis client conn: %s", err)
		}
	}

	if ok := sentry.Flush(5 * time.Second); ok {
		log.Debugf("sentry flush ok: %t", ok)
	}

	maxWaitDuration := time.Second * 15
	ctx, timeoutCancel := context.WithTimeout(context.Background(), maxWaitDuration)
	defer timeoutCancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		log.Error(" >>> failed to gracefully shutdown http server")
	}
	log.Warnln("server shut down")

	if err := s.metricsHttpServer.Shutdown(ctx); err != nil {
		log.Error(" >>> failed to gracefully shutdown metrics http server")
	}
	log.Warnln("metrics server shut down")
}

func (s *Server) connStateMetrics(_ net.Conn, state http.ConnState) {
	switch state {
	case http.StateNew:
		s.metricsManager.GaugeRequests.Add(1)
	case http.StateClosed:
		s.metricsManager.GaugeRequests.Add(-1)
	default:
		// do nothing
	}
}
