package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/carevault/record-access-backend/common"
	"github.com/carevault/record-access-backend/grants"
	"github.com/carevault/record-access-backend/httpserver"
	"github.com/carevault/record-access-backend/identity"
	"github.com/carevault/record-access-backend/interfaces"
	"github.com/carevault/record-access-backend/registry"
	"github.com/carevault/record-access-backend/sharing"
	"github.com/carevault/record-access-backend/storage"
	"github.com/carevault/record-access-backend/tablestore"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:  "listen-addr",
		Value: "127.0.0.1:8080",
		Usage: "address to listen on for API",
	},
	&cli.StringFlag{
		Name:  "metrics-addr",
		Value: "127.0.0.1:8090",
		Usage: "address to listen on for Prometheus metrics",
	},
	&cli.StringSliceFlag{
		Name:  "storage-uri",
		Value: cli.NewStringSlice("file:///var/lib/carevault/blobs"),
		Usage: "blob storage backend URI (repeatable; file://, s3://, ipfs://, vault://)",
	},
	&cli.StringFlag{
		Name:  "postgres-dsn",
		Value: "",
		Usage: "PostgreSQL DSN for the catalog; empty uses an in-process store",
	},
	&cli.StringFlag{
		Name:  "journal-path",
		Value: "/var/lib/carevault/journal",
		Usage: "directory for the degraded-write journal",
	},
	&cli.Int64Flag{
		Name:  "reconcile-seconds",
		Value: 60,
		Usage: "interval between degraded-write reconciliation runs",
	},
	&cli.Int64Flag{
		Name:  "challenge-max-age-seconds",
		Value: 300,
		Usage: "maximum accepted age of a signed login challenge",
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: common.PackageName,
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	app := &cli.App{
		Name:  "record-access-server",
		Usage: "Serve the patient record access API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			storageURIs := cCtx.StringSlice("storage-uri")
			postgresDSN := cCtx.String("postgres-dsn")
			journalPath := cCtx.String("journal-path")
			reconcileInterval := time.Duration(cCtx.Int64("reconcile-seconds")) * time.Second
			challengeMaxAge := time.Duration(cCtx.Int64("challenge-max-age-seconds")) * time.Second
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			// Blob storage
			storageFactory := storage.NewStorageBackendFactory(logger)
			backend, err := storageFactory.CreateMultiBackend(storageURIs)
			if err != nil {
				logger.Error("Failed to create storage backend", "err", err)
				return err
			}
			contentStore := storage.NewContentStore(backend, logger)

			// Catalog
			var recordStore interfaces.RecordStore
			var grantStore interfaces.GrantStore
			var sharedStore interfaces.SharedFileStore
			var bindingStore interfaces.BindingStore

			if postgresDSN != "" {
				logger.Info("Using PostgreSQL catalog")
				gormStore, err := tablestore.NewGormStore(postgresDSN)
				if err != nil {
					logger.Error("Failed to connect to PostgreSQL", "err", err)
					return err
				}
				recordStore, grantStore, sharedStore, bindingStore = gormStore, gormStore, gormStore, gormStore
			} else {
				logger.Warn("No postgres-dsn configured, using in-process catalog")
				memStore := tablestore.NewMemoryStore()
				recordStore, grantStore, sharedStore, bindingStore = memStore, memStore, memStore, memStore
			}

			// Degraded-write journal
			journal, err := tablestore.OpenDegradedJournal(journalPath, logger)
			if err != nil {
				logger.Error("Failed to open degraded journal", "err", err)
				return err
			}
			defer journal.Close()

			// Services
			ledger := grants.NewLedger(grantStore, logger)
			reg := registry.NewRegistry(recordStore, contentStore, ledger, journal, logger)
			shares := sharing.NewLog(sharedStore, contentStore, journal, logger)
			ident := identity.NewService(bindingStore, &identity.EthereumVerifier{}, challengeMaxAge, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			handler := httpserver.NewHandler(reg, ledger, shares, ident, logger)
			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			// Background reconciliation of degraded writes
			reconciler := registry.NewReconciler(contentStore, journal, recordStore, sharedStore, logger)
			reconcileCtx, stopReconcile := context.WithCancel(context.Background())
			defer stopReconcile()
			go func() {
				ticker := time.NewTicker(reconcileInterval)
				defer ticker.Stop()
				for {
					select {
					case <-reconcileCtx.Done():
						return
					case <-ticker.C:
						healed, err := reconciler.Run(reconcileCtx)
						if err != nil && !errors.Is(err, context.Canceled) {
							logger.Error("Reconciliation run failed", "err", err)
						} else if healed > 0 {
							logger.Info("Reconciled degraded writes", "healed", healed)
						}
					}
				}
			}()

			logger.Info("Starting server")
			server.RunInBackground()

			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			stopReconcile()
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
