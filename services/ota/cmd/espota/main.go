package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"espota/pkg/bus"
	"espota/pkg/db"
	"espota/pkg/render"
	gos3 "espota/pkg/s3"
	"espota/pkg/telemetry"
	"espota/services/devices"
	"espota/services/firmware"
	"espota/services/ledger"
	"espota/services/ota"
	"espota/services/ota/internal/config"
	"espota/services/tftp"
)

func main() {
	if err := newRootCommand("espota").Execute(); err != nil {
		log.New(os.Stderr, "", log.LstdFlags).Fatal(err)
	}
}

func newRootCommand(serviceName string) *cobra.Command {
	cfg, loadErr := config.Load()
	cmd := &cobra.Command{
		Use:           serviceName,
		Short:         "OTA firmware server for ESP8266 devices",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if loadErr != nil {
				return fmt.Errorf("load config: %w", loadErr)
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid config: %w", err)
			}
			return run(serviceName, cfg)
		},
	}
	cfg.BindFlags(cmd)
	return cmd
}

func run(serviceName string, cfg config.Config) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:  serviceName,
		Level:        cfg.Log.Level,
		ToStdout:     cfg.Log.ToStdout,
		LogDir:       cfg.Log.Dir,
		OTLPEndpoint: cfg.OTLPEndpoint,
	})
	if err != nil {
		return fmt.Errorf("init telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownTelemetry != nil {
			if err := shutdownTelemetry(shutdownCtx); err != nil {
				fmt.Fprintf(os.Stderr, "%s: telemetry shutdown error: %v\n", serviceName, err)
			}
		}
	}()
	logger.Printf("INFO log level set to %s", cfg.Log.Level)

	store, aliases, err := openStore(cfg.Store, logger)
	if err != nil {
		return err
	}

	registry, err := devices.NewRegistry(cfg.Devices.Path, logger)
	if err != nil {
		return fmt.Errorf("load device config: %w", err)
	}

	source, err := firmware.NewGitHub(ctx, firmware.GitHubConfig{
		Token:   cfg.GitHub.Token,
		BaseURL: cfg.GitHub.APIURL,
		Timeout: cfg.GitHub.Timeout,
	})
	if err != nil {
		return fmt.Errorf("github client: %w", err)
	}

	hasher := firmware.NewHasher(cfg.Store.HashCacheTTL)
	resolver := firmware.NewReleaseResolver(source, store, logger)
	selector, err := firmware.NewSelector(store, resolver, registry, hasher, logger)
	if err != nil {
		return fmt.Errorf("create selector: %w", err)
	}
	uploads, err := firmware.NewUploadReceiver(store, hasher, cfg.Store.NormalizeUploadIDs, logger)
	if err != nil {
		return fmt.Errorf("create upload receiver: %w", err)
	}
	renderer, err := render.New()
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := ota.NewMetrics(promRegistry)
	if err != nil {
		return fmt.Errorf("register metrics: %w", err)
	}

	deps := ota.Deps{
		Store:    store,
		Selector: selector,
		Uploads:  uploads,
		Aliases:  aliases,
		Hasher:   hasher,
		Registry: registry,
		Renderer: renderer,
		Metrics:  metrics,
		Logger:   logger,
	}

	var eventBus *bus.Bus
	if cfg.NATSURL != "" {
		eventBus, err = bus.New(cfg.NATSURL, nats.Name(serviceName))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer eventBus.Close()
		if err := eventBus.EnsureStream(ota.StreamName, ota.StreamSubjects); err != nil {
			return fmt.Errorf("ensure stream %s: %w", ota.StreamName, err)
		}
		deps.Bus = eventBus
		logger.Printf("INFO publishing events to %s", cfg.NATSURL)
	}

	if cfg.DatabaseURL != "" {
		pool, err := db.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("open database: %w", err)
		}
		defer pool.Close()
		if err := db.Migrate(ctx, pool); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		checkins, err := ledger.New(pool, eventBus, logger)
		if err != nil {
			return fmt.Errorf("create ledger: %w", err)
		}
		if err := checkins.Start(ctx); err != nil {
			return fmt.Errorf("start ledger: %w", err)
		}
		defer checkins.Close()
		deps.Checkins = checkins
	}

	if gos3.Configured() {
		mirror, err := gos3.NewClientFromEnv(ctx)
		if err != nil {
			return fmt.Errorf("s3 client: %w", err)
		}
		deps.Mirror = mirror
		logger.Printf("INFO mirroring firmware to bucket %s", mirror.Bucket())
	}

	api, err := ota.New(deps, ota.Config{
		RequestTimeout: cfg.HTTP.RequestTimeout,
		MaxUploadBytes: cfg.HTTP.MaxUploadBytes,
	})
	if err != nil {
		return fmt.Errorf("create api: %w", err)
	}
	defer api.Wait()
	resolver.Observer = api.ReleaseObserver()

	handler, err := api.Routes()
	if err != nil {
		return fmt.Errorf("build routes: %w", err)
	}

	errCh := make(chan error, 3)

	var tftpReady atomic.Bool
	if cfg.TFTP.Enabled {
		server := tftp.NewServer(cfg.TFTP.Config, store, logger)
		go func() {
			if err := server.Run(ctx, &tftpReady); err != nil {
				errCh <- fmt.Errorf("tftp: %w", err)
			}
		}()
	}

	if cfg.Devices.Watch {
		go func() {
			if err := registry.Watch(ctx, cfg.Devices.PollInterval, api.ConfigReloaded); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("watch device config: %w", err)
			}
		}()
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/", handler)

	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:           middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "%s: http shutdown error: %v\n", serviceName, err)
		}
	}()

	logger.Printf("INFO http listening on %s, serving firmware from %s", server.Addr, store.Root())

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return nil
	}
}

// openStore builds the artifact store with the alias implementation the
// configured mode calls for.
func openStore(cfg config.StoreConfig, logger *log.Logger) (*firmware.Store, firmware.Aliases, error) {
	mode := cfg.AliasMode
	if mode == config.AliasModeAuto {
		mode = config.AliasModeSymlink
		if !firmware.SymlinksPrivileged() {
			mode = config.AliasModeTable
		}
	}

	if mode == config.AliasModeTable {
		table, err := firmware.LoadTableAliases(cfg.UploadPath, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("load alias table: %w", err)
		}
		store, err := firmware.NewStore(cfg.UploadPath, firmware.WithRedirects(table))
		if err != nil {
			return nil, nil, fmt.Errorf("open store: %w", err)
		}
		table.Bind(store)
		logger.Printf("INFO aliases kept in %s", firmware.AliasTableFile)
		return store, table, nil
	}

	store, err := firmware.NewStore(cfg.UploadPath)
	if err != nil {
		return nil, nil, fmt.Errorf("open store: %w", err)
	}
	logger.Printf("INFO aliases are symlinks")
	return store, firmware.NewSymlinkAliases(store, logger), nil
}
