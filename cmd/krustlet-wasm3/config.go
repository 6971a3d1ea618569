package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/deislabs/krustlet-wasm3/internal/common/storage"
	"github.com/deislabs/krustlet-wasm3/internal/server"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/config"
	"github.com/deislabs/krustlet-wasm3/pkg/utils/logger"
)

const (
	defaultHTTPAddr        = "0.0.0.0:3000"
	defaultReadTimeout     = 5 * time.Second
	defaultWriteTimeout    = 30 * time.Second
	defaultIdleTimeout     = 60 * time.Second
	defaultShutdownTimeout = 10 * time.Second
	defaultStackSize       = 60 * 1024
	defaultCacheTTL        = 30 * time.Minute
	defaultCacheEntries    = 64
)

// Store backends.
const (
	backendFile  = "file"
	backendMinIO = "minio"
)

// CacheConfig holds module cache settings.
type CacheConfig struct {
	RootDir    string          `yaml:"rootDir"`
	TTL        config.Duration `yaml:"ttl"`
	MaxEntries int             `yaml:"maxEntries"`
	MaxBytes   int64           `yaml:"maxBytes"`
}

// StoreConfig selects and configures the module store backend.
type StoreConfig struct {
	Backend   string              `yaml:"backend"`
	ModuleDir string              `yaml:"moduleDir"`
	MinIO     storage.MinIOConfig `yaml:"minio"`
	Cache     CacheConfig         `yaml:"cache"`
}

// AppConfig is the daemon configuration.
type AppConfig struct {
	NodeName   string        `yaml:"nodeName"`
	DataDir    string        `yaml:"dataDir"`
	Kubeconfig string        `yaml:"kubeconfig"`
	StackSize  uint32        `yaml:"stackSize"`
	Server     server.Config `yaml:"server"`
	Logger     logger.Config `yaml:"logger"`
	Store      StoreConfig   `yaml:"store"`
}

func loadAppConfig(path string) (*AppConfig, error) {
	var cfg AppConfig
	if err := loadYAML(path, &cfg); err != nil {
		return nil, err
	}
	if cfg.NodeName == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("node name is required and hostname lookup failed: %w", err)
		}
		cfg.NodeName = hostname
	}
	if cfg.DataDir == "" {
		return nil, fmt.Errorf("data dir is required")
	}
	if cfg.StackSize == 0 {
		cfg.StackSize = defaultStackSize
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = defaultHTTPAddr
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = config.Duration(defaultReadTimeout)
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = config.Duration(defaultWriteTimeout)
	}
	if cfg.Server.IdleTimeout == 0 {
		cfg.Server.IdleTimeout = config.Duration(defaultIdleTimeout)
	}
	if err := applyStoreDefaults(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyStoreDefaults(cfg *AppConfig) error {
	switch cfg.Store.Backend {
	case "", backendFile:
		cfg.Store.Backend = backendFile
		if cfg.Store.ModuleDir == "" {
			cfg.Store.ModuleDir = cfg.DataDir + "/modules"
		}
	case backendMinIO:
		if cfg.Store.MinIO.Bucket == "" {
			return fmt.Errorf("minio bucket is required for the minio store backend")
		}
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	if cfg.Store.Cache.RootDir == "" {
		cfg.Store.Cache.RootDir = cfg.DataDir + "/module-cache"
	}
	if cfg.Store.Cache.TTL == 0 {
		cfg.Store.Cache.TTL = config.Duration(defaultCacheTTL)
	}
	if cfg.Store.Cache.MaxEntries == 0 {
		cfg.Store.Cache.MaxEntries = defaultCacheEntries
	}
	return nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}
	return nil
}
