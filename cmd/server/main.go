package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/sync/errgroup"

	"kasirinaja/backoffice/internal/cache"
	"kasirinaja/backoffice/internal/catalog"
	"kasirinaja/backoffice/internal/config"
	"kasirinaja/backoffice/internal/domain"
	"kasirinaja/backoffice/internal/events"
	"kasirinaja/backoffice/internal/httpapi"
	"kasirinaja/backoffice/internal/ledger"
	"kasirinaja/backoffice/internal/lock"
	"kasirinaja/backoffice/internal/logging"
	"kasirinaja/backoffice/internal/metrics"
	"kasirinaja/backoffice/internal/service"
	"kasirinaja/backoffice/internal/store"
	"kasirinaja/backoffice/internal/store/memory"
	pgstore "kasirinaja/backoffice/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.LogLevel)
	if err := validateSecurityConfig(cfg); err != nil {
		logger.Fatalf("invalid security configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatalf("server error: %v", err)
	}
	logger.Info("server stopped")
}

func run(ctx context.Context, cfg config.Config, logger *logrus.Logger) error {
	m := metrics.New()
	closers := make([]func() error, 0, 3)
	defer func() {
		for _, closeFn := range closers {
			if err := closeFn(); err != nil {
				logging.LogError(logger, "main", "run", nil, err)
			}
		}
	}()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(startCtx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres unavailable and DATABASE_URL is set: %w", err)
		}
		closers = append(closers, pg.Close)
		if err := pg.Migrate(startCtx); err != nil {
			return err
		}
		repo = pg
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}
	if err := seedAdmin(startCtx, repo, cfg.SeedAdminPassword, logger); err != nil {
		return err
	}

	productCache := cache.ProductCache(cache.NewMemoryProductCache())
	var locker lock.OrderLocker = lock.NoopOrderLocker{}
	if cfg.RedisAddr != "" {
		rdb := cache.NewRedisClient(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		redisCache := cache.NewRedisProductCache(rdb)
		if err := redisCache.Ping(startCtx); err != nil {
			logger.Warnf("redis unavailable (%v), using process-local cache and locks", err)
			_ = rdb.Close()
		} else {
			closers = append(closers, rdb.Close)
			productCache = redisCache
			locker = lock.NewRedisOrderLocker(rdb, cfg.OrderLockTTL(), logger)
			logger.Info("cache: redis")
		}
	}
	if cfg.CatalogCacheTTLSeconds == 0 {
		productCache = cache.NoopProductCache{}
	}

	products := catalog.NewCached(
		catalog.NewStoreCatalog(repo),
		cache.NewLoader(productCache, cfg.CatalogCacheTTL(), logger),
	)

	bus := events.NewBus(logger)
	bus.Subscribe("catalog-invalidation", products.HandleStockChanged)
	bus.Subscribe("low-stock", events.NewLowStockWatcher(cfg.LowStockThreshold, m, logger).Handle)

	var forwarder *events.KafkaForwarder
	if brokers := events.ParseBrokers(cfg.KafkaBrokers); len(brokers) > 0 {
		forwarder = events.NewKafkaForwarder(events.NewKafkaWriter(brokers, cfg.StockEventsTopic), 1024, m, logger)
		bus.Subscribe("kafka", forwarder.Handle)
		logger.WithField("topic", cfg.StockEventsTopic).Info("stock events: kafka")
	}

	stock := ledger.New(repo, bus, m, logger)
	svc := service.New(repo, products, stock, logger,
		service.WithLocker(locker),
		service.WithMetrics(m),
	)
	auth := httpapi.NewAuthManager(startCtx, cfg.AuthSecret, cfg.AccessTokenTTL(), repo, logger)
	api := httpapi.New(svc, auth, httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		RetryAttempts: cfg.ConflictRetryAttempts,
		Metrics:       m,
		Logger:        logger,
	})

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	group, groupCtx := errgroup.WithContext(ctx)
	if forwarder != nil {
		group.Go(func() error {
			return forwarder.Run(groupCtx)
		})
	}
	group.Go(func() error {
		logger.Infof("back-office listening on %s", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
		defer shutdownCancel()
		return server.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

type userSeeder interface {
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	CreateUser(ctx context.Context, user domain.UserAccount) error
}

// seedAdmin creates the first admin account on an empty user table so a
// fresh database can be logged into. Existing users are never touched.
func seedAdmin(ctx context.Context, users userSeeder, password string, logger *logrus.Logger) error {
	existing, err := users.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("list users: %w", err)
	}
	if len(existing) > 0 {
		return nil
	}
	if password == "" {
		logger.Warn("no users exist and SEED_ADMIN_PASSWORD is unset; login is impossible until an admin is created")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash seed admin password: %w", err)
	}
	if err := users.CreateUser(ctx, domain.UserAccount{
		Username:  "admin",
		Password:  string(hash),
		Role:      domain.RoleAdmin,
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("seed admin: %w", err)
	}
	logger.WithField("username", "admin").Info("seeded initial admin account")
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	if cfg.ConflictRetryAttempts < 1 {
		return fmt.Errorf("CONFLICT_RETRY_ATTEMPTS must be at least 1")
	}
	return nil
}
