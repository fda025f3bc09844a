package cmd

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/sealdoc/sealdoc/certs"
	"github.com/sealdoc/sealdoc/config"
	"github.com/sealdoc/sealdoc/ledger"
	"github.com/sealdoc/sealdoc/scepca"
	"github.com/sealdoc/sealdoc/seal"
	"github.com/sealdoc/sealdoc/sign"
	"github.com/sealdoc/sealdoc/storage"
	"github.com/sealdoc/sealdoc/storage/bboltstore"
	"github.com/sealdoc/sealdoc/storage/memory"
	"github.com/sealdoc/sealdoc/storage/sqlite"
	"github.com/sealdoc/sealdoc/vault"
)

// app is the wired component graph for one command invocation.
type app struct {
	logger *zap.Logger
	store  storage.Store
	blobs  storage.BlobStore
	certs  *certs.Manager
	orch   *seal.Orchestrator
	close  func() error
}

// combinedStore is what the disk backends and the memory backend have in
// common: metadata and blobs behind one handle.
type combinedStore interface {
	storage.Store
	storage.BlobStore
}

func openStore(ctx context.Context, cfg *config.Config) (combinedStore, func() error, error) {
	switch cfg.Storage.Backend {
	case "memory":
		return memory.New(), func() error { return nil }, nil
	case "bbolt":
		store, err := bboltstore.Open(cfg.Storage.Path, nil)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	case "sqlite":
		store, err := sqlite.Open(ctx, cfg.Storage.Path)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}

func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}

	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	v, err := vault.New(cfg.Vault.Secret)
	if err != nil {
		return nil, err
	}

	ca := scepca.New(scepca.Config{
		URL:             cfg.CA.URL,
		AdminURL:        cfg.CA.AdminURL,
		ChallengeSecret: cfg.CA.ChallengeSecret,
		Profile:         cfg.CA.Profile,
		Organization:    cfg.CA.Organization,
		Enabled:         cfg.CA.Enabled,
		Timeout:         cfg.CA.Timeout.Duration,
		PollInterval:    cfg.CA.PollInterval.Duration,
		MaxPolls:        cfg.CA.MaxPolls,
	}, logger)

	manager := certs.NewManager(store, ca, v, logger)
	ldg := ledger.New(store)

	providers := []seal.CredentialProvider{&seal.StoreProvider{Certs: manager}}
	if p := seal.NewEnvProvider(manager, "SEALDOC_SEAL_P12", "SEALDOC_SEAL_P12_PASSPHRASE"); p != nil {
		providers = append(providers, p)
	}
	if p := seal.NewFileProvider(manager, cfg.Seal.P12File, cfg.Seal.P12Passphrase); p != nil {
		providers = append(providers, p)
	}
	providers = append(providers, &seal.EphemeralProvider{Certs: manager, Organization: cfg.Seal.Organization})

	orch := seal.New(store, store, ldg, manager, seal.PassthroughRenderer{}, providers, logger)
	orch.TSA = sign.TSA{
		URL:      cfg.TSA.URL,
		Username: cfg.TSA.Username,
		Password: cfg.TSA.Password,
	}

	return &app{
		logger: logger,
		store:  store,
		blobs:  store,
		certs:  manager,
		orch:   orch,
		close: func() error {
			_ = logger.Sync()
			return closeStore()
		},
	}, nil
}
