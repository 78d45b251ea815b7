package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vaultline/entitystore/internal/auth"
	"github.com/vaultline/entitystore/internal/config"
	"github.com/vaultline/entitystore/internal/connector"
	"github.com/vaultline/entitystore/internal/entity"
	"github.com/vaultline/entitystore/internal/httpapi"
	"github.com/vaultline/entitystore/internal/service/entityservice"
	syncengine "github.com/vaultline/entitystore/internal/sync"
)

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

// defaultSchema backs a configuration-free dev instance.
func defaultSchema() entity.Schema {
	return entity.Schema{
		Name: "items",
		Properties: []entity.Property{
			{Name: "id", Type: entity.TypeString, IsPrimary: true},
			{Name: "value1", Type: entity.TypeString, IsSecondary: true, Optional: true},
			{Name: "value2", Type: entity.TypeNumber, Optional: true},
			{Name: "valueObject", Type: entity.TypeObject, Optional: true},
			{Name: "dateCreated", Type: entity.TypeString, Format: "date-time", Optional: true},
			{Name: "dateModified", Type: entity.TypeString, Format: "date-time", Optional: true},
			{Name: "nodeIdentity", Type: entity.TypeString, Optional: true},
			{Name: "userIdentity", Type: entity.TypeString, Optional: true},
		},
	}
}

func main() {
	// Configure structured logging
	zerolog.TimeFieldFormat = time.RFC3339Nano
	log.Logger = log.With().Str("service", "entitystored").Logger()

	// Pretty logging for local dev
	if env("ENV", "dev") == "dev" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	configPath := flag.String("config", env("CONFIG_FILE", ""), "path to YAML configuration")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	if len(cfg.Schemas) == 0 {
		cfg.Schemas = []entity.Schema{defaultSchema()}
	}
	for i := range cfg.Schemas {
		if err := entity.RegisterSchema(&cfg.Schemas[i]); err != nil {
			log.Fatal().Err(err).Str("schema", cfg.Schemas[i].Name).Msg("failed to register schema")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage connector for the primary schema
	schema := &cfg.Schemas[0]
	backend, err := connector.Open(ctx, schema, cfg.Storage)
	if err != nil {
		log.Fatal().Err(err).Str("backend", cfg.Storage.Backend).Msg("failed to open storage backend")
	}
	defer connector.Close(context.Background(), backend)

	if _, err := backend.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("bootstrap failed")
	}

	var store entity.Store = entityservice.New(backend, cfg.Identity)

	// Optional synchronisation engine
	var engine *syncengine.Engine
	if cfg.Sync.Enabled {
		store, engine = setupSync(ctx, store, cfg)
		go engine.Run(ctx)
	}

	// HTTP server setup
	srv := &httpapi.Server{Store: store}
	if engine != nil && cfg.Sync.IsAuthoritativeNode {
		srv.Receiver = engine
	}

	jwtCfg := auth.JWTCfg{
		HS256Secret: cfg.HTTP.JWTSecret,
		DevMode:     cfg.HTTP.DevMode,
	}

	httpServer := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      srv.Routes(jwtCfg),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", cfg.HTTP.Addr).Str("backend", cfg.Storage.Backend).Msg("starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	// Graceful shutdown on SIGINT/SIGTERM
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("shutting down gracefully...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	log.Info().Msg("server stopped")
}

// setupSync wires the capture decorator and the engine around the store.
func setupSync(ctx context.Context, store entity.Store, cfg *config.Config) (entity.Store, *syncengine.Engine) {
	var signer *syncengine.Ed25519Signer
	if cfg.Sync.PrivateKey != "" {
		key, err := syncengine.ParsePrivateKey(cfg.Sync.PrivateKey)
		if err != nil {
			log.Fatal().Err(err).Msg("invalid sync private key")
		}
		signer, err = syncengine.NewEd25519Signer(cfg.Sync.NodeIdentity, key)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build signer")
		}
	} else {
		var err error
		signer, _, err = syncengine.GenerateSigner(cfg.Sync.NodeIdentity)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to generate signing key")
		}
		log.Warn().Msg("no sync private key configured; generated an ephemeral key pair")
	}

	verifier := syncengine.NewKeyDirectory()
	for _, peer := range cfg.Sync.Peers {
		key, err := syncengine.ParsePublicKey(peer.PublicKey)
		if err != nil {
			log.Fatal().Err(err).Str("peer", peer.Identity).Msg("invalid peer public key")
		}
		verifier.Register(peer.Identity, key)
	}

	var snapshots syncengine.SnapshotStore
	if cfg.Sync.SnapshotDir != "" {
		fs, err := syncengine.NewFileSnapshotStore(cfg.Sync.SnapshotDir)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open snapshot directory")
		}
		snapshots = fs
	} else {
		snapshots = syncengine.NewMemorySnapshotStore()
	}

	capture, err := syncengine.NewCaptureStore(ctx, store, snapshots, cfg.Sync.NodeIdentity)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialise change capture")
	}

	var remote syncengine.RemoteClient
	if !cfg.Sync.IsAuthoritativeNode {
		remote, err = syncengine.NewHTTPRemoteClient(cfg.Sync.RemoteSyncEndpoint, cfg.Sync.RemoteToken)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to build remote sync client")
		}
	}

	// Blob and pointer stores must be reachable by every node, so multi-node
	// setups run them over a shared directory. In-process stores are only
	// valid for a node that never exchanges blob ids with peers.
	var blobs syncengine.BlobStore
	var pointer syncengine.VerifiableStore
	if cfg.Sync.SharedDir != "" {
		fb, err := syncengine.NewFileBlobStore(filepath.Join(cfg.Sync.SharedDir, "blobs"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open shared blob directory")
		}
		fv, err := syncengine.NewFileVerifiableStore(filepath.Join(cfg.Sync.SharedDir, "pointer.json"))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open shared pointer document")
		}
		blobs, pointer = fb, fv
	} else {
		if cfg.Sync.RemoteSyncEndpoint != "" {
			log.Fatal().Msg("sync with a remote endpoint requires sync.sharedDir; peers cannot resolve in-process blob ids")
		}
		blobs = syncengine.NewMemoryBlobStore()
		pointer = syncengine.NewMemoryVerifiableStore()
	}

	engine, err := syncengine.NewEngine(ctx, syncengine.Deps{
		Store:     store,
		Capture:   capture,
		Blobs:     blobs,
		Pointer:   pointer,
		Snapshots: snapshots,
		Signer:    signer,
		Verifier:  verifier,
		Remote:    remote,
	}, cfg.Sync.EngineConfig())
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start sync engine")
	}
	return capture, engine
}
