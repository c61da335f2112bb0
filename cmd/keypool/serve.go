package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"sync"
	"syscall"

	"github.com/alecgard/keypool/internal/api"
	"github.com/alecgard/keypool/internal/metrics"
	"github.com/alecgard/keypool/internal/scheduler"
	"github.com/spf13/cobra"
)

var serveMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the daily reset scheduler and the ops server",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveMigrate, "migrate", false, "apply pending migrations before starting")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, err := openBackend(ctx, cfg, serveMigrate)
	if err != nil {
		return err
	}
	defer b.close()

	m := metrics.New()
	m.RegisterDBPoolCollector(b.stats)

	mgr, err := newManager(cfg, b, logger, m)
	if err != nil {
		return err
	}

	var wg sync.WaitGroup
	if cfg.Reset.Enabled {
		at, _ := cfg.ResetAt() // validated in loadConfig
		opts := []scheduler.Option{scheduler.WithLogger(logger)}

		rdb, err := openRedis(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		if rdb != nil {
			defer rdb.Close()
			opts = append(opts, scheduler.WithLocker(scheduler.NewRedisLocker(rdb), cfg.Reset.LockTTL))
			logger.Info("daily reset coordinated through redis", "addr", cfg.Redis.Addr)
		}

		sched := scheduler.New(mgr, at, opts...)
		wg.Add(1)
		go func() {
			defer wg.Done()
			sched.Run(ctx)
		}()
	} else {
		logger.Info("daily reset scheduler disabled")
	}

	srv := &http.Server{
		Addr: cfg.Addr(),
		Handler: api.NewRouter(api.RouterDeps{
			DB:      b,
			Metrics: m,
			Logger:  logger,
		}),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			wg.Wait()
			return err
		}
	}
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	err = srv.Shutdown(shutdownCtx)
	wg.Wait()
	return err
}
