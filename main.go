package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Vicsicard/yoga-for-pe-sub000/internal/access"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/billing"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/catalog"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/checkout"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/config"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/db"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/email"
	httpapi "github.com/Vicsicard/yoga-for-pe-sub000/internal/http"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/logger"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/metrics"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/reconcile"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/services"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/session"
	"github.com/Vicsicard/yoga-for-pe-sub000/internal/store"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:           "yogaforpe",
	Short:         "Tiered video access service for Yoga for PE",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:       "migrate [up|down]",
	Short:     "Apply or roll back one step of the database schema",
	Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
	ValidArgs: []string{db.MigrateUp, db.MigrateDown},
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := config.Load()
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("%w: DATABASE_URL is required", config.ErrConfiguration)
		}
		if err := db.Migrate(cfg.DatabaseURL, args[0]); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(migrateCmd)
}

func main() {
	loadDotEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadDotEnv() {
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			fmt.Fprintf(os.Stderr, "load .env failed: %v\n", err)
		}
	} else if !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "stat .env failed: %v\n", err)
	}
}

func runServe(ctx context.Context) error {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return err
	}

	log, err := logger.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	st, closeStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeStore()

	revisions, closeRevisions, err := openRevisions(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeRevisions()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	tiers, err := billing.NewTierResolver(cfg.StripePriceSilver, cfg.StripePriceGold, cfg.StripePriceTierMap)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfiguration, err)
	}

	var provider billing.Provider
	if cfg.BillingEnabled() {
		stripeProvider, err := billing.NewStripe(billing.StripeOptions{
			SecretKey:         cfg.StripeSecretKey,
			SuccessURL:        cfg.CheckoutSuccessURL,
			CancelURL:         cfg.CheckoutCancelURL,
			Timeout:           cfg.StripeTimeout(),
			MaxNetworkRetries: 2,
		}, tiers, log)
		if err != nil {
			return err
		}
		provider = stripeProvider
	} else {
		log.Warn("STRIPE_SECRET_KEY not set, upgrades are disabled")
	}

	var notifier email.Notifier = email.NopNotifier{}
	if cfg.EmailEnabled() {
		async := email.NewAsyncNotifier(email.NewResendClient(cfg.ResendAPIKey, cfg.ResendFromEmail), 10*time.Second, log)
		defer async.Wait()
		notifier = async
	}

	cat, err := catalog.Load(cfg.CatalogPath)
	if err != nil {
		return err
	}

	bridge := session.NewBridge(session.Options{
		SecretKey: cfg.JWTSecretKey,
		Issuer:    cfg.JWTIssuer,
		TTL:       cfg.TokenTTL(),
	}, st, st, revisions, log.Named("session"), m)

	// 进程内版本号在多实例或重启后不可信，Postgres 部署没有 Redis 时一律走权威路径
	var revisionSource access.RevisionSource = revisions
	if cfg.StoreDriver == config.StoreDriverPostgres && cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, access checks read the entitlement store on every request")
		revisionSource = nil
	}

	server := httpapi.NewServer(httpapi.Deps{
		Config:       cfg,
		Accounts:     services.New(st, log.Named("accounts")),
		Catalog:      cat,
		Evaluator:    access.NewEvaluator(st, revisionSource, log.Named("access"), m),
		Checkout:     checkout.New(st, st, provider, log.Named("checkout"), m),
		Reconciler:   reconcile.New(st, st, bridge, notifier, log.Named("reconcile"), m),
		Sessions:     bridge,
		Entitlements: st,
		Webhooks:     st,
		Tiers:        tiers,
		Metrics:      m,
		Gatherer:     reg,
		Log:          log.Named("http"),
	})

	httpServer := &http.Server{
		Addr:              cfg.ServerAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server listening", zap.String("addr", cfg.ServerAddr), zap.String("store", cfg.StoreDriver))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown error", zap.Error(err))
	}
	log.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config, log *zap.Logger) (store.Store, func(), error) {
	if cfg.StoreDriver == config.StoreDriverMemory {
		log.Warn("using in-memory store, data is lost on restart")
		return store.NewMemory(), func() {}, nil
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, nil, fmt.Errorf("db connect failed: %w", err)
	}
	return store.NewPostgres(pool), pool.Close, nil
}

// openRevisions 未配置 REDIS_URL 时使用进程内缓存
// Redis 不可达不影响启动，查询失败时权限判定改读存储
func openRevisions(ctx context.Context, cfg config.Config, log *zap.Logger) (session.RevisionCache, func(), error) {
	if cfg.RedisURL == "" {
		log.Warn("REDIS_URL not set, session revisions are process-local")
		return session.NewMemoryRevisions(), func() {}, nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: REDIS_URL: %v", config.ErrConfiguration, err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Warn("redis unreachable at startup", zap.Error(err))
	}
	return session.NewRedisRevisions(client), func() { _ = client.Close() }, nil
}
