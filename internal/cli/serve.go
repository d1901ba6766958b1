package cli

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	assetcache "github.com/always-cache/asset-cache"
	"github.com/always-cache/asset-cache/cache"
	"github.com/always-cache/asset-cache/internal/config"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Proxy the origin, serving assets cache-first",
		Long: `Proxy the origin, serving assets cache-first.

On start the configured version is restored from storage if it was installed
before, and installed from the origin otherwise. Send SIGHUP to reload the
config; a new cache name installs a new version, which takes over once no
requests are in flight (or right away with autoUpdate).`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, opts)
		},
	}
}

func serve(ctx context.Context, opts *options) error {
	cfg, err := opts.loadConfig()
	if err != nil {
		return err
	}
	scope, err := cfg.OriginURL()
	if err != nil {
		return err
	}
	storage, err := cfg.Storage.Open()
	if err != nil {
		return err
	}
	defer storage.Close()

	reg := assetcache.NewRegistration(storage, http.DefaultTransport, &log.Logger)
	if err := startWorker(ctx, reg, cfg, storage); err != nil {
		log.Error().Err(err).Msg("Could not install worker, serving uncontrolled")
	}

	if cfg.AutoUpdate {
		pc := assetcache.NewPageController(reg, func() {
			log.Info().Msg("Clients are now served by the new version")
		}, &log.Logger)
		go pc.Run(ctx)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go func() {
		current := cfg
		for {
			select {
			case <-ctx.Done():
				return
			case <-hup:
				current = reload(ctx, opts, reg, storage, current)
			}
		}
	}()

	srv := &http.Server{
		Addr:    cfg.Listen,
		Handler: assetcache.NewHandler(reg, *scope, &log.Logger),
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Msgf("Proxying %s to %s", cfg.Listen, scope.String())
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// startWorker restores the configured version, or installs it when
// an earlier run did not complete its install.
func startWorker(ctx context.Context, reg *assetcache.Registration, cfg config.Config, storage cache.Storage) error {
	m, err := newManager(cfg, storage)
	if err != nil {
		return err
	}
	err = reg.Restore(ctx, m)
	if !errors.Is(err, assetcache.ErrNotInstalled) {
		return err
	}
	return reg.Register(ctx, m)
}

// reload registers the version named by the reloaded config.
// It returns the config now in effect.
func reload(ctx context.Context, opts *options, reg *assetcache.Registration, storage cache.Storage, current config.Config) config.Config {
	cfg, err := opts.loadConfig()
	if err != nil {
		log.Error().Err(err).Msg("Could not reload config")
		return current
	}
	if cfg.Origin != current.Origin || cfg.Listen != current.Listen || cfg.Storage != current.Storage {
		log.Warn().Msg("Origin, listen address and storage changes need a restart")
		cfg.Origin, cfg.Listen, cfg.Storage = current.Origin, current.Listen, current.Storage
	}
	if cfg.CacheName == current.CacheName && !slices.Equal(cfg.Precache, current.Precache) {
		log.Warn().Str("cache", cfg.CacheName).Msg("Precache manifest changed but the cache name did not, bump its version")
	}
	m, err := newManager(cfg, storage)
	if err != nil {
		log.Error().Err(err).Msg("Invalid worker config")
		return current
	}
	if err := reg.Register(ctx, m); err != nil {
		log.Error().Err(err).Msg("Could not install new version")
		return current
	}
	return cfg
}

func newManager(cfg config.Config, storage cache.Storage) (*assetcache.Manager, error) {
	scope, err := cfg.OriginURL()
	if err != nil {
		return nil, err
	}
	return assetcache.New(assetcache.Config{
		CacheName:       cfg.CacheName,
		Prefix:          cfg.CachePrefix,
		Scope:           *scope,
		Precache:        cfg.Precache,
		Storage:         storage,
		OfflineFallback: cfg.OfflineFallback,
		Concurrency:     cfg.Concurrency,
		Logger:          &log.Logger,
	})
}
