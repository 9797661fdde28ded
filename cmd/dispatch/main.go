package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/citycab/dispatch/internal/geo"
	"github.com/citycab/dispatch/internal/matching"
	"github.com/citycab/dispatch/internal/payments"
	"github.com/citycab/dispatch/internal/realtime"
	"github.com/citycab/dispatch/internal/rides"
	"github.com/citycab/dispatch/internal/routes"
	"github.com/citycab/dispatch/pkg/config"
	"github.com/citycab/dispatch/pkg/database"
	"github.com/citycab/dispatch/pkg/eventbus"
	pkggeo "github.com/citycab/dispatch/pkg/geo"
	"github.com/citycab/dispatch/pkg/health"
	"github.com/citycab/dispatch/pkg/logger"
	"github.com/citycab/dispatch/pkg/middleware"
	redisClient "github.com/citycab/dispatch/pkg/redis"
	ws "github.com/citycab/dispatch/pkg/websocket"
)

const (
	payoutSweepInterval    = time.Minute
	broadcastSweepInterval = time.Minute
	shutdownTimeout        = 10 * time.Second
)

func main() {
	cfg, err := config.Load("dispatch")
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	if err := logger.Init(cfg.Server.Environment); err != nil {
		panic("failed to init logger: " + err.Error())
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Infrastructure.
	pool, err := database.NewPostgresPool(&cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to postgres", zap.Error(err))
	}
	defer pool.Close()

	redis, err := redisClient.NewRedisClient(&cfg.Redis)
	if err != nil {
		logger.Fatal("failed to connect to redis", zap.Error(err))
	}
	defer redis.Close()

	bus, err := eventbus.New(eventbus.Config{
		URL:        cfg.NATS.URL,
		Name:       cfg.Server.ServiceName,
		StreamName: cfg.NATS.StreamName,
	})
	if err != nil {
		logger.Fatal("failed to connect to event bus", zap.Error(err))
	}
	defer bus.Close()

	// Realtime session layer.
	hub := ws.NewHub(cfg.Session.SendBufferSize, cfg.Session.IdleTimeout())
	notifier := realtime.NewNotifier(hub)

	// Location index.
	locations := geo.NewService(redis, cfg.Dispatch.StaleLocationTTL())

	// Ride lifecycle.
	var routeProvider rides.RouteProvider
	if p := routes.NewGoogleProvider(cfg.Routes); p != nil {
		routeProvider = p
	}
	fare := rides.NewFareCalculator(cfg.Fare, routeProvider)
	area := pkggeo.NewServiceArea(cfg.ServiceArea)
	rideRepo := rides.NewRepository(pool)
	rideSvc := rides.NewService(rideRepo, locations, fare, area, bus, notifier, cfg.Dispatch)

	// Dispatcher.
	matchSvc := matching.NewService(rideRepo, locations, redis, notifier, bus, cfg.Dispatch)
	if err := matchSvc.Start(ctx); err != nil {
		logger.Fatal("failed to start dispatcher", zap.Error(err))
	}
	go matchSvc.RunBroadcastSweeper(ctx, broadcastSweepInterval)

	// Payments.
	gateway := payments.NewResilientGateway(payments.NewStripeGateway(cfg.Payment.StripeAPIKey), cfg.Payment)
	payRepo := payments.NewRepository(pool)
	paySvc := payments.NewService(payRepo, gateway, bus, notifier, cfg.Payment)
	if err := paySvc.Start(ctx); err != nil {
		logger.Fatal("failed to start payment service", zap.Error(err))
	}
	payoutSweeper := payments.NewSweeper(payRepo, gateway, redis, bus, notifier, payoutSweepInterval)
	go payoutSweeper.Run(ctx)

	// Message routing for connected clients.
	realtime.NewService(hub, locations, rideSvc, matchSvc)
	verifier := ws.NewJWTVerifier(cfg.JWT.Secret)

	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.CorrelationID())
	router.Use(middleware.RequestLogger(cfg.Server.ServiceName))
	router.Use(cors.New(corsConfig(cfg.Server.CORSOrigins)))

	router.GET("/health", health.Handler(map[string]health.Checker{
		"postgres": health.PostgresChecker(pool),
		"redis":    health.RedisChecker(redis),
		"nats":     health.BusChecker(bus),
	}))
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", func(c *gin.Context) {
		ws.HandleWebSocket(c, hub, verifier)
	})

	srv := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	go func() {
		logger.Info("dispatch service listening", zap.String("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}

	matchSvc.Stop()
	hub.CloseAll()
	logger.Info("shutdown complete")
}

func corsConfig(origins string) cors.Config {
	c := cors.DefaultConfig()
	if origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		c.AllowOrigins = parts
	} else {
		c.AllowOrigins = []string{"http://localhost:3000"}
	}
	c.AllowMethods = []string{http.MethodGet, http.MethodPost, http.MethodOptions}
	c.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", middleware.CorrelationIDHeader}
	c.AllowCredentials = true
	return c
}
