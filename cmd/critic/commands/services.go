package commands

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"critic/internal/api/handlers"
	"critic/internal/api/server"
	"critic/internal/background/branchupdater"
	"critic/internal/background/githook"
	"critic/internal/background/replayer"
	"critic/internal/background/reviewupdater"
	"critic/internal/service"
	"critic/internal/storage"
	storageGorm "critic/internal/storage/gorm"
	"critic/internal/wakebus"
)

const (
	serviceGithook       = wakebus.Githook
	serviceBranchUpdater = wakebus.BranchUpdater
	serviceReviewUpdater = wakebus.ReviewUpdater
	serviceReplayer      = wakebus.Replayer

	shutdownTimeout = 5 * time.Second
)

func serviceCommand(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServices(cmd.Context(), name)
		},
	}
}

var allCmd = &cobra.Command{
	Use:   "all",
	Short: "Run every background service in one process",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServices(cmd.Context(), wakebus.Services...)
	},
}

// runServices runs the named services, and the operational HTTP server when APP_PORT is set,
// until SIGINT or SIGTERM.
func runServices(parent context.Context, names ...string) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	txManager, err := storageGorm.NewTxManager(ctx, envConfig)
	if err != nil {
		log.Error().Err(err).Str("layer", "cmd").Msg("failed to initialize database")
		return err
	}

	bus, err := openBus(ctx, len(names))
	if err != nil {
		return err
	}
	defer bus.Close()

	runners, err := buildRunners(txManager, bus, names)
	if err != nil {
		return err
	}

	var apiServer *server.Server
	if envConfig.Port != "" {
		apiServer = server.NewServer(envConfig, handlers.NewHandler(service.New(txManager, bus), envConfig.AdminToken))
	}

	g, gctx := errgroup.WithContext(ctx)
	for name, run := range runners {
		g.Go(func() error {
			log.Info().Str("layer", "cmd").Str("service", name).Msg("starting service")
			return run(gctx)
		})
	}
	if apiServer != nil {
		g.Go(apiServer.Run)
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			apiServer.Shutdown(shutdownCtx)
			return nil
		})
	}

	<-gctx.Done()
	log.Info().Str("layer", "cmd").Msg("shutting down")
	err = g.Wait()
	log.Info().Str("layer", "cmd").Msg("service shutdown gracefully")
	return err
}

// openBus connects to redis when configured. Without redis, wakes only reach services of this
// process.
func openBus(ctx context.Context, services int) (wakebus.Bus, error) {
	if envConfig.Redis.URL == "" {
		if services < len(wakebus.Services) {
			log.Warn().
				Str("layer", "cmd").
				Msg("REDIS_URL is not set; services in other processes will only notice work on their idle interval")
		}
		return wakebus.NewLocal(), nil
	}
	bus, err := wakebus.NewRedis(ctx, envConfig.Redis.URL)
	if err != nil {
		log.Error().Err(err).Str("layer", "cmd").Msg("failed to connect to redis")
		return nil, err
	}
	return bus, nil
}

func buildRunners(tm storage.TxManager, bus wakebus.Bus, names []string) (map[string]func(context.Context) error, error) {
	cfg := envConfig.Critic
	runners := make(map[string]func(context.Context) error, len(names))
	for _, name := range names {
		switch name {
		case serviceGithook:
			svc, err := githook.New(cfg, tm, bus)
			if err != nil {
				return nil, err
			}
			runners[name] = svc.ListenAndServe
		case serviceBranchUpdater:
			svc, err := branchupdater.New(cfg, tm, bus)
			if err != nil {
				return nil, err
			}
			runners[name] = loop(svc.Run)
		case serviceReviewUpdater:
			runners[name] = loop(reviewupdater.New(cfg, tm, bus).Run)
		case serviceReplayer:
			runners[name] = loop(replayer.New(cfg, tm, bus).Run)
		default:
			return nil, fmt.Errorf("unknown service %q", name)
		}
	}
	return runners, nil
}

func loop(run func(context.Context)) func(context.Context) error {
	return func(ctx context.Context) error {
		run(ctx)
		return nil
	}
}
