package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"securedrop/internal/config"
	"securedrop/internal/db"
	clog "securedrop/internal/log"
	"securedrop/internal/presence"
	"securedrop/internal/server"
	"securedrop/internal/service"
	"securedrop/internal/ws"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const (
	janitorInterval = 10 * time.Minute
	orphanMinAge    = time.Hour
	shutdownTimeout = 10 * time.Second
)

func newRootCommand() *cobra.Command {
	var cfg config.Config

	cmd := &cobra.Command{
		Use:           "securedrop",
		Short:         "securedrop - end-to-end encrypted messenger backend",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg = config.Load()
			clog.Init(cfg.Env, cfg.LogLevel)
			return config.Validate(cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and websocket server (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), cfg)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate",
		Short: "Apply the database schema and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := openDB(cfg)
			if err == nil {
				log.Info().Str("driver", cfg.DatabaseDriver).Msg("migrations applied")
			}
			return err
		},
	})

	var olderThan time.Duration
	gc := &cobra.Command{
		Use:   "gc",
		Short: "Delete chats that have no participants",
		RunE: func(cmd *cobra.Command, args []string) error {
			gdb, err := openDB(cfg)
			if err != nil {
				return err
			}
			n, err := service.NewChatService(gdb, nil, service.WithStoreTimeout(cfg.StoreTimeout)).PurgeOrphans(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			log.Info().Int64("deleted", n).Dur("older_than", olderThan).Msg("orphan chats purged")
			return nil
		},
	}
	gc.Flags().DurationVar(&olderThan, "older-than", orphanMinAge, "only delete chats created before now minus this duration")
	cmd.AddCommand(gc)

	return cmd
}

func openDB(cfg config.Config) (*gorm.DB, error) {
	gdb, err := db.Connect(cfg.DatabaseDriver, cfg.DatabaseDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(gdb); err != nil {
		return nil, err
	}
	return gdb, nil
}

// presenceCache 配置了 REDIS_URL 时使用 Redis，否则退回进程内缓存（只适合单实例）。
func presenceCache(ctx context.Context, cfg config.Config) (presence.Cache, func(), error) {
	if cfg.RedisURL == "" {
		log.Warn().Msg("REDIS_URL not set, presence is kept in process memory")
		return presence.NewMemoryCache(time.Now), func() {}, nil
	}
	client, err := presence.DialRedis(ctx, cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	return presence.NewRedisCache(client), func() { _ = client.Close() }, nil
}

func serve(parent context.Context, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gdb, err := openDB(cfg)
	if err != nil {
		return err
	}
	cache, closeCache, err := presenceCache(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeCache()
	tracker := presence.NewTracker(cache, cfg.PresenceTTL, cfg.CacheTimeout)

	hub := ws.NewHub()
	defer hub.Close()
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.SetupRouter(cfg, gdb, hub, tracker),
		ReadHeaderTimeout: 10 * time.Second,
	}
	chats := service.NewChatService(gdb, tracker, service.WithStoreTimeout(cfg.StoreTimeout))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", srv.Addr).Str("env", cfg.Env).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		janitor(gctx, chats)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

// janitor 定期清理没有参与者的遗留会话。
func janitor(ctx context.Context, chats *service.ChatService) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := chats.PurgeOrphans(ctx, orphanMinAge)
			if err != nil {
				log.Warn().Err(err).Msg("purge orphan chats")
				continue
			}
			if n > 0 {
				log.Info().Int64("deleted", n).Msg("orphan chats purged")
			}
		}
	}
}
