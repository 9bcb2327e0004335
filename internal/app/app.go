package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	goredis "github.com/redis/go-redis/v9"
	"github.com/router-for-me/o1relay/internal/access"
	"github.com/router-for-me/o1relay/internal/config"
	"github.com/router-for-me/o1relay/internal/db"
	relayhttp "github.com/router-for-me/o1relay/internal/http"
	"github.com/router-for-me/o1relay/internal/http/api/admin"
	"github.com/router-for-me/o1relay/internal/http/api/front"
	"github.com/router-for-me/o1relay/internal/logging"
	"github.com/router-for-me/o1relay/internal/metrics"
	"github.com/router-for-me/o1relay/internal/quota"
	"github.com/router-for-me/o1relay/internal/relay"
	"github.com/router-for-me/o1relay/internal/store"
	"github.com/router-for-me/o1relay/internal/upstream"
	"github.com/router-for-me/o1relay/internal/usage"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

// LoadConfig resolves the config path, loads .env and returns the parsed config.
func LoadConfig(cfg config.AppConfig) (config.Config, error) {
	if errDotenv := config.LoadDotenvIfPresent(); errDotenv != nil {
		return config.Config{}, errDotenv
	}
	return config.Load(config.ResolveConfigPath(cfg.ConfigPath))
}

// Migrate opens the database and runs migrations.
func Migrate(ctx context.Context, cfg config.AppConfig) error {
	if errDotenv := config.LoadDotenvIfPresent(); errDotenv != nil {
		return errDotenv
	}
	dsn, err := config.LoadDatabaseDSN(config.ResolveConfigPath(cfg.ConfigPath))
	if err != nil {
		return err
	}
	conn, err := db.Open(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()
	return db.Migrate(conn.WithContext(ctx))
}

// OpenUsers opens and migrates the database and returns the user store.
// The returned function closes the connection.
func OpenUsers(cfg config.Config) (*store.Users, func(), error) {
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, nil, err
	}
	users := store.NewUsers(conn, store.WithDefaultLimit(cfg.Limits.DefaultUsageLimit))
	return users, func() { _ = db.Close(conn) }, nil
}

func openDatabase(cfg config.Config) (*gorm.DB, error) {
	conn, err := db.Open(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}
	if errMigrate := db.Migrate(conn); errMigrate != nil {
		_ = db.Close(conn)
		return nil, errMigrate
	}
	return conn, nil
}

// RunServer boots the relay and blocks until ctx is cancelled or the listener fails.
func RunServer(ctx context.Context, cfg config.AppConfig) error {
	appCfg, err := LoadConfig(cfg)
	if err != nil {
		return err
	}
	logCloser, errLogging := logging.Setup(appCfg.Logging)
	if errLogging != nil {
		return errLogging
	}
	defer func() { _ = logCloser.Close() }()

	conn, err := openDatabase(appCfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()

	slots, closeSlots, err := buildSlots(ctx, appCfg.Redis, slotTTL(appCfg.Upstream.Timeout))
	if err != nil {
		return err
	}
	defer closeSlots()

	users := store.NewUsers(conn, store.WithDefaultLimit(appCfg.Limits.DefaultUsageLimit))
	m := metrics.New()
	client := upstream.NewOpenAIClient(
		appCfg.Upstream.BaseURL,
		appCfg.Upstream.APIKey,
		upstream.WithModel(appCfg.Upstream.Model),
		upstream.WithHTTPClient(&http.Client{Timeout: appCfg.Upstream.Timeout}),
	)
	if appCfg.Upstream.APIKey == "" {
		log.Warn("upstream api key is empty; model calls will be rejected upstream")
	}
	service := relay.NewService(
		access.NewAuthenticator(users, slots, appCfg.Policy()),
		usage.NewRecorder(users),
		client,
		relay.Options{
			Pricing:         appCfg.Pricing,
			Metrics:         m,
			Model:           appCfg.Upstream.Model,
			UpstreamTimeout: appCfg.Upstream.Timeout,
		},
	)

	gin.SetMode(gin.ReleaseMode)
	engine := relayhttp.NewEngine(conn, m, appCfg.Server.TrustedProxies)
	front.RegisterFrontRoutes(engine, service)
	admin.RegisterAdminRoutes(engine, users, appCfg)

	server := &http.Server{
		Addr:              appCfg.Server.Listen,
		Handler:           engine,
		ReadHeaderTimeout: appCfg.Server.ReadTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	usage.NewRetentionCleaner(conn, appCfg.Usage.RetentionDays, 0).Start(gctx)

	g.Go(func() error {
		log.Infof("o1relay listening on %s (model=%s daily_ceiling=%d)", server.Addr, client.Model(), appCfg.Policy().Ceiling())
		if errServe := server.ListenAndServe(); errServe != nil && !errors.Is(errServe, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", errServe)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(appCfg.Server.ShutdownTimeout))
		defer cancel()
		errShutdown := server.Shutdown(shutdownCtx)
		if errShutdown != nil {
			log.WithError(errShutdown).Warn("http server did not stop in time; waiting for pending chats")
		}

		// Upstream calls outlive their handlers; the database stays open until they are accounted.
		drainCtx, cancelDrain := context.WithTimeout(context.Background(), drainTimeout(appCfg))
		defer cancelDrain()
		if errDrain := service.Drain(drainCtx); errDrain != nil {
			log.WithError(errDrain).Error("pending chats were not accounted before exit")
		}
		if errShutdown != nil && !errors.Is(errShutdown, context.DeadlineExceeded) {
			return fmt.Errorf("server shutdown failed: %w", errShutdown)
		}
		log.Info("o1relay stopped")
		return nil
	})
	return g.Wait()
}

// buildSlots picks Redis-backed slots when an address is configured. ttl must
// outlast the longest upstream call.
func buildSlots(ctx context.Context, cfg config.RedisConfig, ttl time.Duration) (quota.Slots, func(), error) {
	if cfg.Addr == "" {
		return quota.NewMemorySlots(), func() {}, nil
	}
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if errPing := client.Ping(pingCtx).Err(); errPing != nil {
		_ = client.Close()
		return nil, nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, errPing)
	}
	log.WithField("addr", cfg.Addr).Info("in-flight slots backed by redis")
	return quota.NewRedisSlots(client, quota.WithSlotTTL(ttl)), func() { _ = client.Close() }, nil
}

func shutdownTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return 15 * time.Second
	}
	return d
}

// slotTTL keeps a Redis slot alive for the whole upstream call plus the commit.
func slotTTL(upstreamTimeout time.Duration) time.Duration {
	if upstreamTimeout <= 0 {
		upstreamTimeout = 10 * time.Minute
	}
	return upstreamTimeout + 2*time.Minute
}

// drainTimeout bounds the wait for pending chats after the listener stops.
func drainTimeout(cfg config.Config) time.Duration {
	return slotTTL(cfg.Upstream.Timeout) + shutdownTimeout(cfg.Server.ShutdownTimeout)
}
