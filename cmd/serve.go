package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xkilldash9x/harbormaster/internal/observability"
	"github.com/xkilldash9x/harbormaster/internal/sprout"
	"github.com/xkilldash9x/harbormaster/internal/sprout/api"
	"github.com/xkilldash9x/harbormaster/internal/sprout/providers"
	"github.com/xkilldash9x/harbormaster/internal/sprout/store"
	"github.com/xkilldash9x/harbormaster/internal/sprout/tasks"
)

var devMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the appliance pool service: RPC API plus control loops.",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

func init() {
	serveCmd.Flags().BoolVar(&devMode, "dev", false,
		"use the in-memory store and a fake provider instead of Postgres")
	rootCmd.AddCommand(serveCmd)
}

func buildStore(ctx context.Context) (sprout.Store, func(), error) {
	if devMode || cfg.Database.URL == "" {
		return store.NewMemory(), func() {}, nil
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("parsing database url: %w", err)
	}
	if cfg.Database.MaxConns > 0 {
		poolCfg.MaxConns = cfg.Database.MaxConns
	}
	if cfg.Database.ConnectTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.Database.ConnectTimeout
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to database: %w", err)
	}
	pg := store.NewPostgres(pool)
	if cfg.Database.MigrateOnStart {
		if err := pg.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
	}
	return pg, pool.Close, nil
}

func buildProviders(ctx context.Context, st sprout.Store) (sprout.Registry, error) {
	if devMode {
		return sprout.StaticRegistry{"fake": providers.NewFake()}, nil
	}
	// Provider rows name the backends; clients are registered per
	// deployment. Rate limiting applies uniformly.
	known, err := st.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	reg := sprout.StaticRegistry{}
	for _, p := range known {
		client, err := providers.Connect(ctx, p)
		if err != nil {
			observability.GetLogger().Warn("provider unavailable",
				zap.String("provider", p.ID), zap.Error(err))
			continue
		}
		reg[p.ID] = providers.RateLimit(client, cfg.Sprout.ProviderRate, cfg.Sprout.ProviderBurst)
	}
	return reg, nil
}

func runServe(ctx context.Context) error {
	logger := observability.GetLogger().Named("serve")

	st, closeStore, err := buildStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	reg, err := buildProviders(ctx, st)
	if err != nil {
		return err
	}

	svc := sprout.NewService(st, reg)
	runner := tasks.NewRunner(svc, reg, cfg.Sprout, prometheus.DefaultRegisterer)

	mux := http.NewServeMux()
	mux.Handle("/", api.NewHandler(svc))
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              cfg.Sprout.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error {
		logger.Info("rpc api listening", zap.String("addr", cfg.Sprout.ListenAddr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
