// Package config loads the daemon configuration from a YAML file with
// environment-variable overrides for deployment-sensitive values.
package config

import (
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vaultline/entitystore/internal/connector"
	"github.com/vaultline/entitystore/internal/entity"
	"github.com/vaultline/entitystore/internal/service/entityservice"
	syncengine "github.com/vaultline/entitystore/internal/sync"
)

// HTTP configures the REST surface.
type HTTP struct {
	Addr        string `yaml:"addr"`
	JWTSecret   string `yaml:"jwtSecret"`
	DevMode     bool   `yaml:"devMode"`
	ServiceName string `yaml:"serviceName"`
}

// Peer names a trusted node and its verification key.
type Peer struct {
	Identity  string `yaml:"identity"`
	PublicKey string `yaml:"publicKey"`
}

// Sync configures the synchronisation engine. Intervals are milliseconds to
// keep the file format runtime-neutral.
type Sync struct {
	Enabled                 bool   `yaml:"enabled"`
	NodeIdentity            string `yaml:"nodeIdentity"`
	PrivateKey              string `yaml:"privateKey"`
	Peers                   []Peer `yaml:"peers"`
	SnapshotDir             string `yaml:"snapshotDir"`
	SharedDir               string `yaml:"sharedDir"`
	RemoteToken             string `yaml:"remoteToken"`
	VerifiableStorageKey    string `yaml:"verifiableStorageKey"`
	EntityUpdateIntervalMs  int    `yaml:"entityUpdateIntervalMs"`
	ConsolidationIntervalMs int    `yaml:"consolidationIntervalMs"`
	ConsolidationBatchSize  int    `yaml:"consolidationBatchSize"`
	IsAuthoritativeNode     bool   `yaml:"isAuthoritativeNode"`
	RemoteSyncEndpoint      string `yaml:"remoteSyncEndpoint"`
}

// EngineConfig converts the file form into the engine's configuration.
func (s Sync) EngineConfig() syncengine.Config {
	return syncengine.Config{
		VerifiableStorageKey:   s.VerifiableStorageKey,
		EntityUpdateInterval:   time.Duration(s.EntityUpdateIntervalMs) * time.Millisecond,
		ConsolidationInterval:  time.Duration(s.ConsolidationIntervalMs) * time.Millisecond,
		ConsolidationBatchSize: s.ConsolidationBatchSize,
		IsAuthoritativeNode:    s.IsAuthoritativeNode,
		RemoteSyncEndpoint:     s.RemoteSyncEndpoint,
	}
}

// Config is the full daemon configuration.
type Config struct {
	HTTP     HTTP                 `yaml:"http"`
	Schemas  []entity.Schema      `yaml:"schemas"`
	Storage  connector.Config     `yaml:"storage"`
	Identity entityservice.Config `yaml:"identity"`
	Sync     Sync                 `yaml:"sync"`
}

// Load reads path (optional) and applies environment overrides. With no file
// and no environment the defaults describe a memory-backed dev instance.
func Load(path string) (*Config, error) {
	cfg := &Config{
		HTTP: HTTP{
			Addr:        ":8081",
			JWTSecret:   "dev-secret-change-in-production",
			ServiceName: "entitystored",
		},
		Storage: connector.Config{Backend: connector.BackendMemory},
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "config.load", Message: "cannot read config file", Inner: err}
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, &entity.StoreError{Kind: entity.KindConfigurationInvalid, Op: "config.load", Message: "cannot parse config file", Inner: err}
		}
	}
	cfg.applyEnv()

	for i := range cfg.Schemas {
		if err := cfg.Schemas[i].Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.HTTP.Addr = env("HTTP_ADDR", c.HTTP.Addr)
	c.HTTP.JWTSecret = env("JWT_HS256_SECRET", c.HTTP.JWTSecret)
	if v := os.Getenv("DEV_MODE"); v != "" {
		c.HTTP.DevMode = v == "true" || v == "1"
	}

	c.Storage.Backend = env("STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Postgres.DSN = env("DATABASE_URL", c.Storage.Postgres.DSN)
	c.Storage.SQLite.Filename = env("SQLITE_FILE", c.Storage.SQLite.Filename)
	c.Storage.Mongo.URI = env("MONGO_URI", c.Storage.Mongo.URI)
	c.Storage.File.Directory = env("FILE_STORAGE_DIR", c.Storage.File.Directory)

	c.Sync.NodeIdentity = env("SYNC_NODE_IDENTITY", c.Sync.NodeIdentity)
	c.Sync.PrivateKey = env("SYNC_PRIVATE_KEY", c.Sync.PrivateKey)
	c.Sync.RemoteToken = env("SYNC_REMOTE_TOKEN", c.Sync.RemoteToken)
	c.Sync.RemoteSyncEndpoint = env("SYNC_REMOTE_ENDPOINT", c.Sync.RemoteSyncEndpoint)
	c.Sync.SharedDir = env("SYNC_SHARED_DIR", c.Sync.SharedDir)
	c.Sync.VerifiableStorageKey = env("SYNC_POINTER_KEY", c.Sync.VerifiableStorageKey)
	if ms := envInt("SYNC_INTERVAL_MS", 0); ms > 0 {
		c.Sync.EntityUpdateIntervalMs = ms
		c.Sync.ConsolidationIntervalMs = ms
	}
	if v := os.Getenv("SYNC_AUTHORITATIVE"); v != "" {
		c.Sync.IsAuthoritativeNode = v == "true" || v == "1"
	}
}

func env(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
