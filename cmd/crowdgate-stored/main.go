package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"github.com/celerix-dev/crowdgate/internal/api"
	"github.com/celerix-dev/crowdgate/internal/claim"
	"github.com/celerix-dev/crowdgate/internal/config"
	"github.com/celerix-dev/crowdgate/internal/logging"
	"github.com/celerix-dev/crowdgate/internal/metrics"
	"github.com/celerix-dev/crowdgate/internal/records"
	"github.com/celerix-dev/crowdgate/internal/server"
	"github.com/celerix-dev/crowdgate/internal/tables"
	"github.com/celerix-dev/crowdgate/internal/vault"
	"github.com/celerix-dev/crowdgate/pkg/sdk/discovery"
)

const shutdownTimeout = 10 * time.Second

func main() {
	var configPath string

	cmd := &cobra.Command{
		Use:   "crowdgate-stored",
		Short: "Serve the embedded crowdgate store over TCP and HTTP",
		Long: `crowdgate-stored hosts the embedded table engine. Clients with
store.backend=remote talk to it over the TCP line protocol; the HTTP API
exposes claims, admission, records and metrics.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("CROWDGATE_CONFIG"), "YAML configuration file")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	log = log.WithName("stored")

	// The daemon always serves the embedded engine, whatever backend its
	// clients are configured for.
	store, err := discovery.OpenEmbedded(cfg, log)
	if err != nil {
		return fmt.Errorf("open embedded store: %w", err)
	}
	defer func() {
		log.Info("finalizing disk writes")
		store.Wait()
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	tc := tables.NewClient(store, cfg.TableNames(), nil, log)
	claims := claim.NewClaimer(tc, log, claim.WithMetrics(m), claim.WithRetryPolicy(cfg.Claim.RetryPolicy()))

	blobs, blobCloser, err := discovery.OpenBlob(ctx, cfg.Blob)
	if err != nil {
		return fmt.Errorf("open blob store: %w", err)
	}
	defer blobCloser.Close()

	router := server.NewRouter(store, log.WithName("tcp"))
	if !cfg.Server.DisableTLS {
		cert, err := vault.GenerateSelfSignedCert()
		if err != nil {
			return fmt.Errorf("generate TLS certificate: %w", err)
		}
		router.SetCertificate(cert)
	} else {
		log.Info("TLS disabled")
	}

	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	h := &api.Handler{
		Tables:  tc,
		Claims:  claims,
		Records: records.NewWriter(tc, log, m),
		Blobs:   blobs,
		Metrics: m,
		Log:     log.WithName("http"),
	}
	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.HTTPPort,
		Handler:           api.NewEngine(h, reg),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errs := make(chan error, 2)
	go func() {
		log.Info("HTTP API listening", "port", cfg.Server.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- fmt.Errorf("http server: %w", err)
		}
	}()
	go func() {
		if err := router.Listen(cfg.Server.TCPPort); err != nil {
			errs <- fmt.Errorf("tcp server: %w", err)
		}
	}()
	if cfg.Claim.OrphanTTL > 0 {
		go claim.NewReaper(claims, cfg.Claim.OrphanTTL, log, m).Run(ctx, cfg.Claim.ReapInterval)
	}

	select {
	case <-ctx.Done():
		log.Info("shutdown signal received")
		err = nil
	case err = <-errs:
		log.Error(err, "server failed")
	}

	router.Stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
		log.Error(serr, "http shutdown")
	}
	return err
}
