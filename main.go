package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"medcrm/config"
	"medcrm/controllers"
	"medcrm/database"
	"medcrm/gateway"
	"medcrm/middleware"
	"medcrm/services"
	"medcrm/utils"
)

const (
	sweepLockKey     = "medcrm:reminder-sweep"
	shutdownTimeout  = 15 * time.Second
	webhookRateLimit = 100
)

// application связывает сервисы приложения
type application struct {
	contracts *services.ContractService
	payments  *services.PaymentService
	sweeps    *services.ReminderSweepService
}

// newApplication создает сервисы поверх базы данных и внешних клиентов
func newApplication(cfg *config.Config, db *gorm.DB, gw services.GatewayClient, notifier services.Notifier, lock services.SweepLock, metrics *utils.Metrics) (*application, error) {
	bus := services.NewEventBus()
	services.RegisterNotificationHandlers(bus, notifier)

	dispatcher, err := services.NewPaymentDispatcher(
		services.NewManualPaymentStrategy(),
		services.InstallmentCollectionStrategy{},
		services.NewGatewayPaymentStrategy(gw, cfg.Gateway.CardIntegrationID, cfg.Gateway.WalletIntegrationID),
	)
	if err != nil {
		return nil, fmt.Errorf("создание диспетчера платежей: %w", err)
	}

	contracts := services.NewContractService(db, bus, metrics, cfg.Contract.ValidityDays)
	payments := services.NewPaymentService(db, dispatcher, bus, metrics, cfg.Gateway.Currency, cfg.Reminder.Location)
	sweeps, err := services.NewReminderSweepService(db, notifier, contracts, lock, metrics, cfg.Reminder)
	if err != nil {
		return nil, fmt.Errorf("создание обхода платежей: %w", err)
	}

	return &application{contracts: contracts, payments: payments, sweeps: sweeps}, nil
}

// newRouter создает роутер API
func newRouter(app *application, jwtKey []byte, gatherer prometheus.Gatherer) *mux.Router {
	router := mux.NewRouter()
	router.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods(http.MethodGet)

	// Защищенные маршруты
	protected := router.PathPrefix("/api").Subrouter()
	protected.Use(middleware.LoggingMiddleware)
	protected.Use(middleware.AuthMiddleware(jwtKey))

	controllers.NewContractController(app.contracts).RegisterRoutes(protected)
	controllers.NewPaymentController(app.payments).RegisterRoutes(protected)
	controllers.NewSweepController(app.sweeps).RegisterRoutes(protected)

	return router
}

// newWebhookEngine создает сервер callback-запросов шлюза
func newWebhookEngine(app *application, secret string) *gin.Engine {
	engine := gin.New()
	engine.Use(middleware.Logger(), middleware.Recovery())
	engine.Use(middleware.RateLimit(utils.NewRateLimiter(webhookRateLimit, time.Minute)))

	controllers.NewWebhookController(app.payments, secret).RegisterRoutes(engine)
	return engine
}

func main() {
	// Инициализируем конфигурацию
	cfg, err := config.NewConfig()
	if err != nil {
		slog.Error("Ошибка загрузки конфигурации", "error", err)
		os.Exit(1)
	}
	utils.SetupLogger(cfg.Log.Level)

	if err := run(cfg); err != nil {
		slog.Error("Приложение остановлено с ошибкой", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Инициализируем подключение к базе данных
	db, err := database.Connect(cfg)
	if err != nil {
		return fmt.Errorf("подключение к базе данных: %w", err)
	}
	defer database.Close(db)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := utils.NewMetrics(registry)

	var notifier services.Notifier = services.LogNotifier{}
	if cfg.SMTP.Username != "" {
		notifier = services.NewEmailService(cfg)
	}

	var lock services.SweepLock
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("подключение к Redis: %w", err)
		}
		lock = services.NewRedisSweepLock(rdb, sweepLockKey, 2*cfg.Reminder.Interval)
	}

	app, err := newApplication(cfg, db, gateway.NewClient(cfg.Gateway, metrics), notifier, lock, metrics)
	if err != nil {
		return err
	}

	// Запускаем фоновый обход платежей
	app.sweeps.Start(ctx, cfg.Contract.ExpiryCheckInterval)
	slog.Info("Обход платежей запущен", "interval", cfg.Reminder.Interval)

	gin.SetMode(gin.ReleaseMode)
	servers := []*http.Server{
		{
			Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
			Handler:           newRouter(app, []byte(cfg.JWT.SecretKey), registry),
			ReadHeaderTimeout: 10 * time.Second,
		},
		{
			Addr:              fmt.Sprintf(":%d", cfg.Server.WebhookPort),
			Handler:           newWebhookEngine(app, cfg.Gateway.HMACSecret),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			slog.Info("Сервер запущен", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("сервер %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	select {
	case <-ctx.Done():
		slog.Info("Получен сигнал остановки")
	case err = <-errCh:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
			slog.Error("Ошибка остановки сервера", "addr", srv.Addr, "error", shutdownErr)
		}
	}
	return err
}
