package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecgard/centime/internal/api"
	"github.com/alecgard/centime/internal/auth"
	"github.com/alecgard/centime/internal/config"
	"github.com/alecgard/centime/internal/credit"
	"github.com/alecgard/centime/internal/crypto"
	"github.com/alecgard/centime/internal/job"
	"github.com/alecgard/centime/internal/llm"
	"github.com/alecgard/centime/internal/metering"
	"github.com/alecgard/centime/internal/metrics"
	"github.com/alecgard/centime/internal/modelgroup"
	"github.com/alecgard/centime/internal/ratelimit"
	"github.com/alecgard/centime/internal/team"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Centime gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired, max int32) {
		stat := pool.Stat()
		return stat.TotalConns(), stat.IdleConns(), stat.AcquiredConns(), stat.MaxConns()
	})

	jobStore := job.NewStore(pool)
	recorder := metering.NewRecorder(jobStore, cfg.Metering.BatchSize, cfg.Metering.FlushInterval)
	cipher, err := crypto.NewCipher(cfg.Encryption.Key)
	if err != nil {
		return err
	}
	if cipher != nil {
		recorder.SetCipher(cipher)
		slog.Info("payload encryption enabled")
	}
	go recorder.Start(ctx)

	ledger := credit.NewLedger(credit.NewStore(pool))

	manager := job.NewManager(jobStore, ledger, recorder)
	manager.SetMetrics(m)

	groupStore := modelgroup.NewStore(pool)
	resolver := modelgroup.NewResolver(groupStore)

	client := llm.NewClient(cfg.Upstream.BaseURL, cfg.Upstream.APIKey, cfg.Upstream.Timeout)
	proxy := llm.NewProxy(resolver, client, manager, logger)
	proxy.SetMetrics(m)

	teamStore := team.NewStore(pool)
	authService := auth.NewService(team.NewAuthAdapter(teamStore))

	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)
	groupRateStore := ratelimit.NewGroupRateLimitStore(pool)
	groupLimits := ratelimit.NewGroupRateLimiter(groupRateStore, limiter)

	go runRefillSweep(ctx, ledger, cfg.Credits.RefillSweepInterval)

	router := api.NewRouter(api.RouterDeps{
		TeamStore:      teamStore,
		JobManager:     manager,
		JobStore:       jobStore,
		Ledger:         ledger,
		GroupStore:     groupStore,
		Resolver:       resolver,
		Proxy:          proxy,
		Auth:           authService,
		Limiter:        limiter,
		GroupLimits:    groupLimits,
		GroupRateStore: groupRateStore,
		Metrics:        m,
		DB:             pool,
		AdminKey:       cfg.Admin.Key,
		AllowedOrigins: cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	recorder.Stop()

	return srv.Shutdown(shutdownCtx)
}

// runRefillSweep periodically applies refill policies to teams that have one
// configured.
func runRefillSweep(ctx context.Context, ledger *credit.Ledger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := ledger.RunAutoRefill(ctx)
			if err != nil {
				slog.Error("auto refill sweep failed", "error", err)
				continue
			}
			if n > 0 {
				slog.Info("auto refill applied", "teams", n)
			}
		}
	}
}
