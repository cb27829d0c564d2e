package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Tyrowin/roomchat/internal/auth"
	"github.com/Tyrowin/roomchat/internal/chat"
	"github.com/Tyrowin/roomchat/internal/config"
	"github.com/Tyrowin/roomchat/internal/logging"
	"github.com/Tyrowin/roomchat/internal/server"
	"github.com/Tyrowin/roomchat/internal/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New(true, "info").Fatal().Err(err).Msg("loading configuration")
	}
	logger := logging.New(cfg.IsDevelopment(), cfg.LogLevel)
	logger.Info().Str("env", cfg.Env).Str("port", cfg.Port).Msg("starting roomchat server")

	registry, messages, closeStores, err := openStores(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("opening stores")
	}

	coordinator := chat.NewCoordinator(registry, messages, chat.NewPresence(), logger, coordinatorOptions(cfg))
	hub := server.NewHub(coordinator, logger)
	origins := server.NewOriginPolicy(cfg.Origins(), logger)
	ws := server.NewWebSocketHandler(hub, auth.New(cfg.JWTSecret), origins, cfg, logger)
	api := server.NewRoomAPI(coordinator, logger)

	httpServer := server.CreateServer(cfg.Port, server.SetupRoutes(ws, api, cfg.Origins(), logger))

	runCtx, stop := context.WithCancel(context.Background())
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return coordinator.Run(groupCtx)
	})
	group.Go(func() error {
		logger.Info().Str("addr", httpServer.Addr).Msg("server listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	go func() {
		// Only a failed listener ends the group before shutdown.
		<-groupCtx.Done()
		if runCtx.Err() == nil {
			logger.Fatal().Err(group.Wait()).Msg("server stopped unexpectedly")
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownWindow,
		map[string]gfshutdown.Operation{
			"roomchat": func(ctx context.Context) error {
				logger.Info().Msg("graceful shutdown initiated")
				stop()

				var errs []error
				errs = append(errs, server.ShutdownServer(ctx, httpServer, cfg.ShutdownWindow, logger))
				coordinator.Shutdown()
				errs = append(errs, hub.Shutdown(remaining(ctx)))
				errs = append(errs, group.Wait())
				errs = append(errs, closeStores())
				return errors.Join(errs...)
			},
		},
	)

	exitCode := <-wait
	logger.Info().Int("exitCode", exitCode).Msg("roomchat server exited")
	os.Exit(exitCode)
}

func coordinatorOptions(cfg config.Config) chat.Options {
	return chat.Options{
		GracePeriod:   cfg.GracePeriod,
		IdleThreshold: cfg.IdleThreshold,
		ReapInterval:  cfg.ReapInterval,
		OpTimeout:     cfg.OpTimeout,
		BacklogLimit:  cfg.BacklogLimit,
		Retry: chat.RetryPolicy{
			Attempts:   cfg.PersistAttempts,
			Backoff:    cfg.PersistBackoff,
			MaxBackoff: cfg.PersistMaxBackoff,
		},
	}
}

// openStores builds the configured registry and message log. The returned
// func closes whatever was opened.
func openStores(ctx context.Context, cfg config.Config, logger zerolog.Logger) (chat.Registry, chat.MessageLog, func() error, error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			errs = append(errs, c())
		}
		return errors.Join(errs...)
	}

	var registry chat.Registry
	switch cfg.RoomStore {
	case config.BackendRedis:
		ctx, cancel := context.WithTimeout(ctx, cfg.OpTimeout)
		defer cancel()
		r, err := storage.NewRedisRegistry(ctx, cfg.RedisURL, time.Now)
		if err != nil {
			return nil, nil, nil, err
		}
		closers = append(closers, r.Close)
		registry = r
		logger.Info().Msg("room registry: redis")
	default:
		registry = chat.NewMemoryRegistry(time.Now)
		logger.Info().Msg("room registry: memory")
	}

	var messages chat.MessageLog
	switch cfg.MessageStore {
	case config.BackendBadger:
		l, err := storage.OpenBadgerLog(cfg.BadgerPath, logger)
		if err != nil {
			_ = closeAll()
			return nil, nil, nil, err
		}
		closers = append(closers, l.Close)
		messages = l
		logger.Info().Str("path", cfg.BadgerPath).Msg("message log: badger")
	default:
		messages = chat.NewMemoryLog()
		logger.Info().Msg("message log: memory")
	}

	return registry, messages, closeAll, nil
}

func remaining(ctx context.Context) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
	}
	return time.Second
}
