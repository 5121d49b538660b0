// internal/app/server.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"civicreport-service/internal/config"
	"civicreport-service/internal/db"
	authHandler "civicreport-service/internal/handlers/auth"
	issueHandler "civicreport-service/internal/handlers/issue"
	notifyH "civicreport-service/internal/handlers/notification"
	wsHandler "civicreport-service/internal/handlers/websocket"
	"civicreport-service/internal/middleware"
	"civicreport-service/internal/pkg/jwt"
	"civicreport-service/internal/pkg/metrics"
	"civicreport-service/internal/pkg/session"
	"civicreport-service/internal/repository/postgres"
	authUsecase "civicreport-service/internal/service/auth"
	"civicreport-service/internal/service/email"
	issueUsecase "civicreport-service/internal/service/issue"
	notifyUsecase "civicreport-service/internal/service/notification"
	"civicreport-service/internal/websocket"
	wsHandlers "civicreport-service/internal/websocket/handler"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type Server struct {
	cfg    config.AppConfig
	engine *gin.Engine
	logger *zap.Logger

	http   *http.Server
	pool   *pgxpool.Pool
	redis  *redis.Client
	cancel context.CancelFunc
	done   chan struct{}
}

func NewServer(cfg config.AppConfig, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	return &Server{
		cfg:    cfg,
		engine: gin.New(),
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start wires every dependency and serves HTTP until Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	logger := s.logger

	// ----- PostgreSQL -----
	pool, err := db.ConnectDB(ctx, db.PostgresConfig{
		URL:      s.cfg.DatabaseURL,
		MaxConns: s.cfg.DBMaxConns,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}
	s.pool = pool

	dbWrapper := postgres.NewDB(pool)
	if err := dbWrapper.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	logger.Info("postgres ready")

	// ----- Redis -----
	redisClient, err := db.NewRedisClient(db.RedisConfig{
		Addresses: []string{s.cfg.RedisAddr},
		Password:  s.cfg.RedisPass,
		DB:        0,
		PoolSize:  10,
	})
	if err != nil {
		return fmt.Errorf("failed to connect to Redis: %w", err)
	}
	s.redis = redisClient
	logger.Info("redis ready", zap.String("addr", s.cfg.RedisAddr))

	// ----- JWT Manager -----
	jwtManager, err := jwt.LoadAndBuild(s.cfg.JWT)
	if err != nil {
		return fmt.Errorf("failed to load JWT manager: %w", err)
	}

	// ----- Session Manager & Rate Limiter -----
	sessionManager := session.NewManager(redisClient, logger)
	rateLimiter := session.NewRateLimiter(redisClient)

	// ----- Email -----
	emailSender := email.NewSender(email.Config{
		Host:        s.cfg.SMTPHost,
		Port:        s.cfg.SMTPPort,
		Username:    s.cfg.SMTPUser,
		Password:    s.cfg.SMTPPass,
		FromName:    s.cfg.SMTPFromName,
		ImplicitTLS: s.cfg.SMTPSecure,
	})
	if !emailSender.Enabled() {
		logger.Warn("SMTP not configured, status emails disabled")
	}

	// ----- Metrics -----
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hubMetrics := metrics.NewHub(registry)

	// ----- Repositories -----
	authRepo := postgres.NewAuthRepository(pool)
	issueRepo := postgres.NewIssueRepository(dbWrapper)
	notifyRepo := postgres.NewNotificationRepository(pool)

	// ----- WebSocket Hub -----
	relay := websocket.NewRedisRelay(redisClient, s.cfg.RelayChannel, logger)
	hub := websocket.NewHub(jwtManager.Verifier, sessionManager, logger,
		websocket.WithRelay(relay, s.cfg.InstanceID),
		websocket.WithMetrics(hubMetrics),
	)

	// ----- Services (Usecases) -----
	authService := authUsecase.NewAuthService(authRepo, jwtManager, sessionManager, rateLimiter, logger)
	notifService := notifyUsecase.NewNotificationService(notifyRepo, hub, logger)
	issueService := issueUsecase.NewIssueService(issueRepo, authRepo, notifService, hub, emailSender, logger)

	hub.RegisterHandler(wsHandlers.NewNotificationHandler(notifService))

	go func() {
		defer close(s.done)
		hub.Run(ctx)
	}()
	go func() {
		if err := relay.Run(ctx, hub); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("relay stopped", zap.Error(err))
		}
	}()

	// ----- Bootstrap admin -----
	if err := s.initializeAdmin(ctx, authService); err != nil {
		logger.Error("failed to initialize admin", zap.Error(err))
	}

	// ----- Middlewares -----
	s.engine.Use(
		middleware.RecoveryMiddleware(logger),
		middleware.LoggingMiddleware(logger),
		middleware.CORSMiddleware(s.cfg.AllowedOrigins),
	)

	// ----- Router -----
	SetupRouter(s.engine, logger, &Handlers{
		AuthHandler:    authHandler.NewAuthHandler(authService, logger),
		IssueHandler:   issueHandler.NewIssueHandler(issueService, logger),
		NotifHandler:   notifyH.NewNotificationHandler(notifService),
		WSHandler:      wsHandler.NewWebSocketHandler(hub, s.cfg.AllowedOrigins, logger),
		AuthMiddleware: middleware.NewAuthMiddleware(authService),
		Health:         s.health,
		Metrics:        registry,
	})

	// ----- Start HTTP -----
	s.http = &http.Server{
		Addr:              s.cfg.HTTPAddr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	logger.Info("server running",
		zap.String("addr", s.cfg.HTTPAddr),
		zap.String("instance", s.cfg.InstanceID),
	)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains HTTP, stops the hub and closes storage.
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.http != nil {
		err = s.http.Shutdown(ctx)
	}
	if s.cancel != nil {
		s.cancel()
		select {
		case <-s.done:
		case <-ctx.Done():
		}
	}
	if s.redis != nil {
		if cerr := s.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

func (s *Server) health(ctx context.Context) map[string]string {
	status := map[string]string{"postgres": "ok", "redis": "ok"}
	if err := s.pool.Ping(ctx); err != nil {
		status["postgres"] = err.Error()
	}
	if err := s.redis.Ping(ctx).Err(); err != nil {
		status["redis"] = err.Error()
	}
	return status
}

// initializeAdmin creates the bootstrap admin if it doesn't exist
func (s *Server) initializeAdmin(ctx context.Context, authService *authUsecase.AuthService) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if s.cfg.AdminEmail == "" || s.cfg.AdminPassword == "" {
		s.logger.Warn("SUPER_ADMIN_EMAIL or SUPER_ADMIN_PASSWORD not set, skipping admin bootstrap")
		return nil
	}
	if len(s.cfg.AdminPassword) < 8 {
		return fmt.Errorf("admin password must be at least 8 characters")
	}

	return authService.EnsureAdminExists(ctx, s.cfg.AdminEmail, s.cfg.AdminPassword, s.cfg.AdminName)
}
