package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"gorm.io/gorm"

	"bootvault/pkg/bus"
	"bootvault/pkg/db"
	"bootvault/pkg/render"
	gos3 "bootvault/pkg/s3"
	"bootvault/pkg/telemetry"
	"bootvault/services/api"
	"bootvault/services/artifacts"
	"bootvault/services/audit"
	"bootvault/services/boot"
	"bootvault/services/bootvaultd/internal/config"
	"bootvault/services/bootvaultd/internal/dhcp"
	"bootvault/services/bootvaultd/internal/tftp"
	"bootvault/services/catalog"
)

func main() {
	if err := run("bootvaultd"); err != nil {
		fmt.Fprintf(os.Stderr, "bootvaultd: %v\n", err)
		os.Exit(1)
	}
}

func run(serviceName string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	_ = godotenv.Load()

	cfg, err := config.Load(ctx)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName: serviceName,
		Endpoint:    cfg.Telemetry.OTLPEndpoint,
		LogLevel:    cfg.Telemetry.LogLevel,
		LogFormat:   cfg.Telemetry.LogFormat,
	}, os.Stderr)
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("telemetry shutdown")
		}
	}()

	orm, err := db.OpenORM(ctx, db.Config{
		Driver:          cfg.DB.Driver,
		DSN:             cfg.DB.DSN,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
		LogQueries:      cfg.DB.LogQueries,
		Logger:          &logger,
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.CloseORM(orm); err != nil {
			logger.Error().Err(err).Msg("close database")
		}
	}()
	if cfg.DB.AutoMigrate {
		if err := db.Migrate(ctx, orm); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
	}

	blobs, err := openBlobs(ctx, cfg.Artifacts)
	if err != nil {
		return err
	}
	artifactStore, err := artifacts.New(artifacts.Config{MaxSize: cfg.Artifacts.MaxSize}, orm, blobs)
	if err != nil {
		return fmt.Errorf("artifact store: %w", err)
	}

	var eventBus *bus.Bus
	if cfg.Bus.NATSURL != "" {
		eventBus, err = bus.New(cfg.Bus.NATSURL)
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(); err != nil {
			return fmt.Errorf("ensure stream: %w", err)
		}
	}

	attempts, closeAttempts, err := openAttemptLog(ctx, cfg.DB, orm)
	if err != nil {
		return err
	}
	defer closeAttempts()
	var apiBus api.Publisher
	if eventBus != nil {
		attempts = audit.NewPublishing(attempts, eventBus, logger)
		apiBus = eventBus
	}

	digester := catalog.NewSecretDigester(cfg.Boot.SecretKey)
	if !digester.Keyed() {
		logger.Warn().Msg("BOOT_SECRET_KEY is empty; account secrets use unkeyed SHA-256 digests")
	}
	profiles := catalog.NewProfiles(orm)
	accounts := catalog.NewAccounts(orm, digester)

	engine, err := render.New()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}
	scripts, err := engine.NewScripts(cfg.Boot.PublicURL)
	if err != nil {
		return fmt.Errorf("render boot scripts: %w", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	resolver, err := boot.NewResolver(boot.Config{
		Scripts:       scripts,
		AppendTimeout: cfg.Boot.AppendTimeout,
	}, accounts, profiles, digester, attempts, boot.NewMetrics(registry), logger)
	if err != nil {
		return fmt.Errorf("boot resolver: %w", err)
	}

	var dhcpReady, tftpReady atomic.Bool
	errCh := make(chan error, 3)

	if cfg.DHCP.Enabled {
		server, err := dhcp.NewServer(cfg.DHCP, logger)
		if err != nil {
			return fmt.Errorf("create dhcp server: %w", err)
		}
		go func() {
			if err := server.Run(ctx, &dhcpReady); err != nil {
				errCh <- fmt.Errorf("dhcp: %w", err)
			}
		}()
	} else {
		dhcpReady.Store(true)
	}

	if cfg.TFTP.Enabled {
		server := tftp.NewServer(cfg.TFTP, artifactStore, logger)
		go func() {
			if err := server.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
	} else {
		tftpReady.Store(true)
	}

	handler, err := api.New(&api.Store{
		Artifacts: artifactStore,
		Profiles:  profiles,
		Accounts:  accounts,
		Attempts:  attempts,
		Resolver:  resolver,
		Bus:       apiBus,
		Ready: func(ctx context.Context) error {
			if !dhcpReady.Load() || !tftpReady.Load() {
				return errors.New("pxe listeners not ready")
			}
			return db.Ping(ctx, orm)
		},
	}, api.Config{
		AdminToken:     cfg.HTTP.AdminToken,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		BootRateLimit:  cfg.HTTP.BootRateLimit,
		PresignTTL:     cfg.Artifacts.PresignTTL,
		Registry:       registry,
	}, logger)
	if err != nil {
		return fmt.Errorf("build api: %w", err)
	}
	routes, err := handler.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}
	if cfg.HTTP.AdminToken == "" {
		logger.Warn().Msg("ADMIN_TOKEN is empty; management routes are unauthenticated")
	}

	server := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           middleware(routes),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http shutdown")
		}
	}()

	go func() {
		logger.Info().Str("addr", server.Addr).Str("public_url", cfg.Boot.PublicURL).Msg("http listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		logger.Info().Msg("shutting down")
		return nil
	}
}

func openBlobs(ctx context.Context, cfg config.ArtifactsConfig) (artifacts.BlobStore, error) {
	switch cfg.Backend {
	case config.BackendS3:
		client, err := gos3.NewClient(ctx, gos3.Config{
			Endpoint:       cfg.S3Endpoint,
			Region:         cfg.S3Region,
			AccessKey:      cfg.S3AccessKey,
			SecretKey:      cfg.S3SecretKey,
			DisableTLS:     cfg.S3DisableTLS,
			ForcePathStyle: cfg.S3ForcePathStyle,
		})
		if err != nil {
			return nil, fmt.Errorf("s3 client: %w", err)
		}
		blobs, err := artifacts.NewS3Blobs(client, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, fmt.Errorf("s3 blobs: %w", err)
		}
		return blobs, nil
	default:
		blobs, err := artifacts.NewFSBlobs(cfg.Dir)
		if err != nil {
			return nil, fmt.Errorf("artifact dir: %w", err)
		}
		return blobs, nil
	}
}

// openAttemptLog uses a pgx pool for the append-heavy attempt log on postgres and the shared
// gorm session everywhere else.
func openAttemptLog(ctx context.Context, cfg config.DBConfig, orm *gorm.DB) (audit.Log, func(), error) {
	if cfg.Driver != db.DriverPostgres {
		return audit.NewGormLog(orm), func() {}, nil
	}
	pool, err := db.Open(ctx, cfg.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("open attempt pool: %w", err)
	}
	attemptLog, err := audit.NewPgxLog(pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return attemptLog, pool.Close, nil
}
