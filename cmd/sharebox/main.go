package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"sharebox/cfg"
	"sharebox/svc/api"
	"sharebox/svc/cache"
	"sharebox/svc/db"
	"sharebox/svc/ingest"
	"sharebox/svc/lim"
	"sharebox/svc/share"
	"sharebox/svc/svc"
	"sharebox/svc/util"
)

const (
	shutdownTimeout     = 30 * time.Second
	walMaintenanceEvery = 30 * time.Second
)

func main() {
	if len(os.Args) > 1 && os.Args[1] == "-health" {
		os.Exit(healthProbe())
	}
	exitCode := 0
	defer func() { os.Exit(exitCode) }()

	if err := cfg.LoadDotEnv(".env"); err != nil {
		util.Fatal().Err(err).Msg("failed to load .env")
	}
	c, err := cfg.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		util.Fatal().Err(err).Msg("failed to load configuration")
	}
	if err := cfg.Validate(c); err != nil {
		util.Fatal().Err(err).Msg("invalid configuration")
	}
	util.InitLog(c.LogLevel, c.Environment == "development")
	util.Info().Msg("starting sharebox")

	if err := os.MkdirAll(c.DefaultShare, 0o755); err != nil {
		util.Fatal().Err(err).Str("path", c.DefaultShare).Msg("failed to create default share")
	}
	roots, err := share.New(c.DefaultShare, c.Shares)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to set up shares")
	}
	for _, root := range roots.Roots() {
		util.Info().Str("token", root.Token).Str("path", root.Path).Msg("sharing directory")
	}

	if c.Purge {
		if err := db.Purge(c.DatabasePath); err != nil {
			util.Fatal().Err(err).Msg("failed to purge database")
		}
		util.Info().Str("path", c.DatabasePath).Msg("database purged")
	}
	sqlDB, err := db.NewSQLiteWithConfig(c.DatabasePath, c.DBMaxOpenConns, c.DBMaxIdleConns, c.DBQueryTimeout)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to initialize database")
	}
	defer sqlDB.Close()
	util.Info().Str("path", c.DatabasePath).Msg("database initialized")

	var rdb *db.Redis
	var remote svc.RemoteCache
	var counter lim.Counter
	if c.RedisURL != "" {
		rdb, err = db.NewRedis(c.RedisURL, c.RedisTimeout)
		if err != nil {
			if c.Environment == "production" {
				util.Fatal().Err(err).Msg("redis required in production")
			}
			util.Warn().Err(err).Msg("redis unavailable, continuing without it")
			rdb = nil
		} else {
			defer rdb.Close()
			remote, counter = rdb, rdb
			util.Info().Msg("redis connected")
		}
	}

	lruCache, err := cache.NewLRU(c.LRUCacheSize)
	if err != nil {
		util.Fatal().Err(err).Msg("failed to create LRU cache")
	}
	pastes := svc.NewPaste(sqlDB, lruCache, remote)

	limiter := lim.New(c.RateLimit.RPM, c.RateLimit.Burst, counter, c.TrustedProxies)
	defer limiter.Stop()
	util.Info().
		Int("rpm", c.RateLimit.RPM).
		Int("burst", c.RateLimit.Burst).
		Strs("trusted_proxies", c.TrustedProxies).
		Msg("rate limiter initialized")

	server := api.NewServer(c, pastes, roots, limiter, sqlDB, rdb)
	listener := ingest.New(c.PasteAddr(), pastes, c.PasteURLBase(),
		ingest.WithReadTimeout(c.IngestReadTimeout),
		ingest.WithLimiter(limiter),
	)
	if err := listener.Listen(); err != nil {
		util.Fatal().Err(err).Msg("failed to start paste service")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return errors.Wrap(server.Start(), "web server")
	})
	g.Go(func() error {
		<-ctx.Done()
		util.Info().Msg("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Wrap(server.Shutdown(shutdownCtx), "web server shutdown")
	})
	g.Go(func() error {
		return errors.Wrap(listener.Serve(ctx), "paste service")
	})
	g.Go(func() error {
		db.StartWALMaintenance(ctx, sqlDB.DB(), walMaintenanceEvery)
		return nil
	})
	util.Info().
		Str("web", c.Addr()).
		Str("paste", c.PasteAddr()).
		Str("environment", c.Environment).
		Msg("sharebox running")

	if err := g.Wait(); err != nil {
		util.Error().Err(err).Msg("shutdown with error")
		exitCode = 1
		return
	}
	util.Info().Msg("shutdown complete")
}

// healthProbe opens the database the way the server would and pings it. It
// is meant for container health checks.
func healthProbe() int {
	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "database.sqlite"
	}
	sqlDB, err := db.NewSQLite(dbPath)
	if err != nil {
		return 1
	}
	defer sqlDB.Close()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sqlDB.Ping(ctx); err != nil {
		return 1
	}
	return 0
}
