package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentsync/internal/agent"
	"agentsync/internal/api"
	"agentsync/internal/auth"
	"agentsync/internal/config"
	"agentsync/internal/dispatch"
	"agentsync/internal/errchan"
	"agentsync/internal/event"
	"agentsync/internal/logging"
	"agentsync/internal/redis"
	"agentsync/internal/sessionstore"
	"agentsync/internal/storage"
	"agentsync/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 30 * time.Second

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	RunE:  runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address, overrides basic_config.server_address")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveAddr != "" {
		cfg.BasicConfig.ServerAddress = serveAddr
	}
	if logging.Logger.GetLevel() > logging.DebugLevel {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	driver := cfg.BasicConfig.Database
	db, err := storage.Open(driver, cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(db, driver); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb := openRedis(cfg)
	if rdb != nil {
		defer rdb.Close()
	}
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	bus := event.NewBus()
	defer bus.Close()

	store := sessionstore.NewCachedStore(sessionstore.NewSQLStore(db), rdb, cfg.SnapshotTTL())
	if err := store.WatchTasks(bus); err != nil {
		return err
	}
	var notices errchan.Channel = errchan.NewMemoryChannel()
	if rdb != nil {
		notices = errchan.NewRedisChannel(rdb, cfg.NoticeTTL())
	}

	runner, err := agent.New(ctx, cfg, store)
	if err != nil {
		return fmt.Errorf("init agent: %w", err)
	}
	disp, err := dispatch.New(dispatch.Options{
		Runner: runner,
		Scheduler: worker.NewScheduler(worker.Config{
			MinWorkers:  cfg.BasicConfig.MinWorkers,
			MaxWorkers:  cfg.BasicConfig.MaxWorkers,
			QueueSize:   cfg.BasicConfig.QueueSize,
			IdleTimeout: cfg.WorkerIdle(),
		}),
		Reporter:   notices,
		Bus:        bus,
		Relay:      dispatch.NewCancelRelay(rdb),
		RunTimeout: cfg.RunTimeout(),
		Retention:  cfg.TaskRetention(),
	})
	if err != nil {
		return err
	}

	handler, err := api.NewHandler(api.Options{
		Store:      store,
		Dispatcher: disp,
		Notices:    notices,
		Auth:       auth.NewService(db, rdb, cfg.TokenTTL()),
		Users:      auth.NewUsers(db),
		Location:   loc,
	})
	if err != nil {
		return err
	}
	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           handler.NewRouter(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Info().
			Str("addr", srv.Addr).
			Str("agent", cfg.Agent.Backend).
			Str("database", driver).
			Bool("redis", rdb != nil).
			Msg("agentsync listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return disp.RunPruner(gctx, dispatch.DefaultPruneInterval)
	})
	g.Go(func() error {
		return disp.RunCancelListener(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		logging.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logging.Warn().Err(err).Msg("http shutdown")
		}
		return disp.Shutdown(shutdownCtx)
	})
	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logging.Info().Msg("server stopped")
	return nil
}

// openRedis connects to redis unless it is disabled. Without redis the
// server keeps notices and tokens in process.
func openRedis(cfg *config.Config) *redis.Client {
	if cfg.Redis.Disabled {
		return nil
	}
	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		logging.Warn().Err(err).Msg("redis unavailable, continuing without it")
		return nil
	}
	return rdb
}
