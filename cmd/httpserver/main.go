package main

import (
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/ruteri/oidfed-trust-anchor/api/federation"
	"github.com/ruteri/oidfed-trust-anchor/api/ruleshandler"
	"github.com/ruteri/oidfed-trust-anchor/api/servers"
	"github.com/ruteri/oidfed-trust-anchor/cmd/flags"
	"github.com/ruteri/oidfed-trust-anchor/datastore"
	"github.com/ruteri/oidfed-trust-anchor/interfaces"
	"github.com/ruteri/oidfed-trust-anchor/kms"
	"github.com/ruteri/oidfed-trust-anchor/metrics"
	"github.com/ruteri/oidfed-trust-anchor/registry"
	"github.com/ruteri/oidfed-trust-anchor/statement"
	"github.com/ruteri/oidfed-trust-anchor/storage"
	"github.com/ruteri/oidfed-trust-anchor/validation"
	"github.com/urfave/cli/v2"
)

var serverFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "0.0.0.0:5000",
		EnvVars: []string{"LISTEN_ADDR"},
		Usage:   "address to listen on for API",
	},
	&cli.StringFlag{
		Name:    "federation-entity-id",
		Value:   "https://federation.example.com",
		EnvVars: []string{"FEDERATION_ENTITY_ID"},
		Usage:   "entity identifier of this trust anchor",
	},
	&cli.StringFlag{
		Name:    "organization-name",
		Value:   "Example Federation",
		EnvVars: []string{"ORGANIZATION_NAME"},
		Usage:   "organization name published in the federation entity metadata",
	},
	&cli.StringFlag{
		Name:    "store",
		Value:   "sqlite",
		EnvVars: []string{"STORE"},
		Usage:   "persistence backend: 'sqlite' or 'memory'",
	},
	&cli.StringFlag{
		Name:    "database-path",
		Value:   "federation.db",
		EnvVars: []string{"DATABASE_PATH"},
		Usage:   "sqlite database file",
	},
	&cli.StringFlag{
		Name:    "key-passphrase",
		EnvVars: []string{"KEY_PASSPHRASE"},
		Usage:   "passphrase for encrypting signing keys at rest",
	},
	&cli.StringSliceFlag{
		Name:    "archive",
		EnvVars: []string{"ARCHIVE"},
		Usage:   "statement archive location (file://, s3://, ipfs://, vault://), repeatable",
	},
	&cli.StringFlag{
		Name:    "rules-file",
		EnvVars: []string{"RULES_FILE"},
		Usage:   "YAML file with validation rules created at startup",
	},
	&cli.DurationFlag{
		Name:    "fetch-timeout",
		Value:   statement.DefaultFetchTimeout,
		EnvVars: []string{"FETCH_TIMEOUT"},
		Usage:   "timeout for fetching remote entity configurations",
	},
	flags.AdminJWTKeyFlag,
	flags.LogServiceFlagFn("oidfed-trust-anchor"),
}

func main() {
	app := &cli.App{
		Name:   "trust-anchor",
		Usage:  "Serve an OpenID Federation trust anchor",
		Flags:  append(serverFlags, flags.CommonFlags...),
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(cCtx *cli.Context) error {
	logger := flags.SetupLogger(cCtx)
	ctx := cCtx.Context

	store, err := openStore(cCtx.String("store"), cCtx.String("database-path"), logger)
	if err != nil {
		logger.Error("Failed to open store", "err", err)
		return err
	}
	defer store.Close()

	counters := metrics.NewCounters()

	keys := kms.NewKeyStore(store, logger)
	if passphrase := cCtx.String("key-passphrase"); passphrase != "" {
		keys = keys.WithPassphrase([]byte(passphrase))
	}
	// The trust anchor cannot sign anything without a key.
	active, err := keys.GetOrCreateActiveKey(ctx)
	if err != nil {
		logger.Error("Failed to initialize signing key", "err", err)
		return err
	}
	logger.Info("Signing key ready", "kid", active.KID)

	federationID := cCtx.String("federation-entity-id")
	issuer := statement.NewIssuer(statement.IssuerConfig{
		FederationID:     federationID,
		OrganizationName: cCtx.String("organization-name"),
	}, keys).WithCounters(counters)
	fetcher := statement.NewFetcher(cCtx.Duration("fetch-timeout"), logger).WithCounters(counters)

	engine := validation.NewEngine(store, logger).WithCounters(counters)
	if path := cCtx.String("rules-file"); path != "" {
		specs, err := validation.LoadRuleFile(path)
		if err != nil {
			logger.Error("Failed to load rules file", "file", path, "err", err)
			return err
		}
		created, err := engine.Seed(ctx, specs)
		if err != nil {
			logger.Error("Failed to seed validation rules", "err", err)
			return err
		}
		logger.Info("Validation rules seeded", "file", path, "created", created, "total", len(specs))
	}

	service := registry.NewService(store, issuer, keys, fetcher, engine, logger).WithCounters(counters)

	if uris := cCtx.StringSlice("archive"); len(uris) > 0 {
		archive, err := storage.OpenArchive(uris, logger)
		if err != nil {
			logger.Error("Failed to configure statement archive", "err", err)
			return err
		}
		service = service.WithArchive(archive)
		logger.Info("Statement archive configured", "location", archive.LocationURI())
	}

	cfg := flags.ConfigureServer(cCtx, logger, cCtx.String("listen-addr"))
	if cfg.AdminKey, err = flags.AdminKey(cCtx); err != nil {
		return err
	}
	server, err := servers.New(cfg, counters,
		federation.NewHandler(service, logger),
		ruleshandler.NewHandler(engine, logger),
	)
	if err != nil {
		logger.Error("Failed to create server", "err", err)
		return err
	}

	logger.Info("Starting trust anchor", "federationID", federationID)
	server.RunInBackground()

	exit := make(chan os.Signal, 1)
	signal.Notify(exit, os.Interrupt, syscall.SIGTERM)
	<-exit
	logger.Info("Shutdown signal received")

	server.Shutdown()
	logger.Info("Server shutdown complete")
	return nil
}

func openStore(kind, path string, logger *slog.Logger) (interfaces.Store, error) {
	switch kind {
	case "sqlite":
		return datastore.NewSQLiteStore(path, logger)
	case "memory":
		return datastore.NewMemoryStore(logger)
	}
	return nil, fmt.Errorf("invalid store %q: must be 'sqlite' or 'memory'", kind)
}
