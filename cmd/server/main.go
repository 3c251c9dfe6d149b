package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/iliyamo/ticket-booking-core/internal/broker"
	"github.com/iliyamo/ticket-booking-core/internal/clock"
	"github.com/iliyamo/ticket-booking-core/internal/config"
	"github.com/iliyamo/ticket-booking-core/internal/coord"
	"github.com/iliyamo/ticket-booking-core/internal/database"
	"github.com/iliyamo/ticket-booking-core/internal/handler"
	"github.com/iliyamo/ticket-booking-core/internal/logger"
	"github.com/iliyamo/ticket-booking-core/internal/middleware"
	"github.com/iliyamo/ticket-booking-core/internal/repository"
	"github.com/iliyamo/ticket-booking-core/internal/router"
	"github.com/iliyamo/ticket-booking-core/internal/scheduler"
	"github.com/iliyamo/ticket-booking-core/internal/service"
)

func main() {
	_ = godotenv.Load() // .env is optional outside local development

	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	zl, err := logger.New(cfg.Env, cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(cfg, zl); err != nil {
		zl.Fatal("server stopped", zap.Error(err))
	}
}

func run(cfg config.Config, zl *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.Open(database.Options{
		User: cfg.DBUser, Pass: cfg.DBPass, Host: cfg.DBHost, Port: cfg.DBPort, Name: cfg.DBName,
	})
	if err != nil {
		return err
	}
	defer db.Close()
	if err := database.Migrate(ctx, db); err != nil {
		return err
	}

	rdb, err := config.NewRedisClient(cfg.Redis)
	if err != nil {
		return err
	}
	defer rdb.Close()

	clk := clock.Real{}
	stores := newStores(db)
	gate := coord.NewSeatCache(rdb)
	feed := coord.NewChangeFeed(rdb, cfg.Booking.ChangesTTL, cfg.Booking.ChangesMaxLookback)

	var pub service.EventPublisher = broker.Nop{}
	if cfg.AMQPURL != "" {
		p := broker.NewPublisher(cfg.AMQPURL, broker.DefaultExchange, zl.Named("publisher"))
		defer p.Close()
		pub = p
	} else {
		zl.Warn("AMQP url not set; events are not published and payments are not consumed")
	}

	outbox := service.NewOutboxDispatcher(stores.Tx, stores.Outbox, gate, feed, pub, clk, cfg.Booking, zl)
	deps := service.Deps{
		Stores: stores,
		Gate:   gate,
		Locker: coord.NewRedisLocker(rdb),
		Clock:  clk,
		Config: cfg.Booking,
		Log:    zl,
		Kicker: outbox,
	}
	queue := service.NewQueueService(rdb, clk, cfg.Booking, zl)
	sessions := service.NewSessionService(rdb, deps.Locker, clk, cfg.Booking, zl)
	reservations := service.NewReservationService(deps)
	holds := service.NewHoldService(deps)
	seats := service.NewSeatQueryService(stores.Seats, gate, feed, clk, zl)

	runner := scheduler.NewRunner(clk, zl.Named("scheduler"))
	sweeper := service.NewSweeper(queue, sessions, reservations, holds, outbox, clk, cfg.Booking, zl)
	for _, t := range sweeper.Tasks() {
		if err := runner.Add(t); err != nil {
			return err
		}
	}
	if err := runner.Start(ctx); err != nil {
		return err
	}
	defer runner.Stop()

	if cfg.AMQPURL != "" {
		consumer := broker.NewPaymentConsumer(cfg.AMQPURL, reservations, zl.Named("payments"))
		go func() {
			if err := consumer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				zl.Error("payment consumer stopped", zap.Error(err))
			}
		}()
	}

	e := newEcho(cfg, zl, db, rdb)
	router.RegisterQueue(e, handler.NewQueueHandler(queue), middleware.NewTokenBucket(cfg.RateLimit, rdb, zl))
	router.RegisterBooking(e, router.BookingDeps{
		JWTSecret:    cfg.JWTSecret,
		Sessions:     handler.NewSessionHandler(sessions, zl),
		Booking:      handler.NewBookingHandler(reservations, holds),
		Seats:        handler.NewSeatHandler(seats),
		Access:       sessions,
		Resolver:     reservations,
		SummaryCache: middleware.NewRedisCache(cfg.Cache, rdb),
	})
	router.RegisterAdmin(e, handler.NewAdminHandler(runner, queue, cfg.Booking.MaxActive), cfg.JWTSecret)

	errCh := make(chan error, 1)
	go func() {
		addr := ":" + cfg.Port
		zl.Info("listening", zap.String("addr", addr), zap.String("env", cfg.Env))
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	zl.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func newStores(db *sql.DB) service.Stores {
	return service.Stores{
		Tx:           repository.NewTxManager(db),
		Seats:        repository.NewSeatRepo(db),
		Reservations: repository.NewReservationRepo(db),
		Lines:        repository.NewReservationSeatRepo(db),
		Logs:         repository.NewSeatHoldLogRepo(db),
		Outbox:       repository.NewOutboxRepo(db),
	}
}

func newEcho(cfg config.Config, zl *zap.Logger, db *sql.DB, rdb *redis.Client) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.Validator = handler.NewValidator()
	e.HTTPErrorHandler = handler.HTTPErrorHandler(zl)

	e.Use(echomw.Recover())
	e.Use(echomw.RequestID())
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowHeaders: []string{
			echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAuthorization,
			middleware.HeaderDeviceID, middleware.HeaderBookingSession,
		},
	}))
	e.Use(middleware.RequestLogger(zl.Named("http")))

	router.RegisterRoutes(e, map[string]handler.Pinger{
		"mysql": handler.PingFunc(db.PingContext),
		"redis": handler.PingFunc(func(ctx context.Context) error { return rdb.Ping(ctx).Err() }),
	})
	return e
}
