// Package config loads asset-cache settings from a YAML file and the environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"

	"github.com/always-cache/asset-cache/cache"
	cachename "github.com/always-cache/asset-cache/pkg/cache-name"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const (
	DriverSQLite = "sqlite"
	DriverMemory = "memory"
	DriverLRU    = "lru"

	CompressionNone   = "none"
	CompressionSnappy = "snappy"
	CompressionZstd   = "zstd"
)

type Config struct {
	// Address to listen on.
	Listen string `yaml:"listen" env:"ASSET_CACHE_LISTEN"`
	// Origin serving the site.
	Origin string `yaml:"origin" env:"ASSET_CACHE_ORIGIN"`
	// Name of the current cache; bump its version when Precache changes.
	CacheName string `yaml:"cacheName" env:"ASSET_CACHE_NAME"`
	// Stale cache prefix, derived from CacheName if empty.
	CachePrefix     string   `yaml:"cachePrefix" env:"ASSET_CACHE_PREFIX"`
	Precache        []string `yaml:"precache" env:"ASSET_CACHE_PRECACHE" envSeparator:","`
	OfflineFallback string   `yaml:"offlineFallback" env:"ASSET_CACHE_OFFLINE_FALLBACK"`
	Concurrency     int      `yaml:"concurrency" env:"ASSET_CACHE_CONCURRENCY"`
	// Ask new versions to skip waiting as soon as they are installed.
	AutoUpdate bool    `yaml:"autoUpdate" env:"ASSET_CACHE_AUTO_UPDATE"`
	Storage    Storage `yaml:"storage"`
}

type Storage struct {
	Driver string `yaml:"driver" env:"ASSET_CACHE_STORAGE_DRIVER"`
	// SQLite database file. Empty means in memory.
	Path        string `yaml:"path" env:"ASSET_CACHE_STORAGE_PATH"`
	Compression string `yaml:"compression" env:"ASSET_CACHE_STORAGE_COMPRESSION"`
	// Entries per cache for the lru driver.
	LRUSize int `yaml:"lruSize" env:"ASSET_CACHE_STORAGE_LRU_SIZE"`
	// Size of the in-memory read cache in front of the driver; 0 disables it.
	HotBytes int64 `yaml:"hotBytes" env:"ASSET_CACHE_STORAGE_HOT_BYTES"`
}

// Default returns the settings for the restaurant reviews site on its development server.
func Default() Config {
	return Config{
		Listen:      ":8080",
		Origin:      "http://localhost:8000",
		CacheName:   "restaurant-static-v26",
		Concurrency: 4,
		Storage: Storage{
			Driver:      DriverSQLite,
			Path:        "asset-cache.db",
			Compression: CompressionNone,
			LRUSize:     1024,
		},
	}
}

// Load reads the settings and validates them.
func Load(filename string) (Config, error) {
	cfg, err := Read(filename)
	if err != nil {
		return cfg, err
	}
	return cfg, cfg.Validate()
}

// Read starts from the defaults, then applies the YAML file if filename is not
// empty, then the ASSET_CACHE_* environment variables. Nothing is validated.
func Read(filename string) (Config, error) {
	cfg := Default()
	if filename != "" {
		b, err := os.ReadFile(filename)
		if err != nil {
			return cfg, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", filename, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("%w: listen address is required", ErrInvalidConfig)
	}
	if _, err := c.OriginURL(); err != nil {
		return err
	}
	if _, err := cachename.Parse(c.CacheName); err != nil {
		return fmt.Errorf("%w: cache name %q: %v", ErrInvalidConfig, c.CacheName, err)
	}
	if c.Concurrency < 0 {
		return fmt.Errorf("%w: concurrency must not be negative", ErrInvalidConfig)
	}
	switch c.Storage.Driver {
	case DriverSQLite, DriverMemory:
	case DriverLRU:
		if c.Storage.LRUSize <= 0 {
			return fmt.Errorf("%w: lru size must be positive", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, c.Storage.Driver)
	}
	switch c.Storage.Compression {
	case "", CompressionNone, CompressionSnappy, CompressionZstd:
	default:
		return fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, c.Storage.Compression)
	}
	if c.Storage.HotBytes < 0 {
		return fmt.Errorf("%w: hot bytes must not be negative", ErrInvalidConfig)
	}
	return nil
}

// OriginURL parses Origin, which must be an absolute URL.
func (c Config) OriginURL() (*url.URL, error) {
	u, err := url.Parse(c.Origin)
	if err != nil {
		return nil, fmt.Errorf("%w: origin: %v", ErrInvalidConfig, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("%w: origin %q is not an absolute URL", ErrInvalidConfig, c.Origin)
	}
	return u, nil
}

// Open creates the storage the settings describe.
func (s Storage) Open() (cache.Storage, error) {
	var storage cache.Storage
	switch s.Driver {
	case DriverMemory:
		storage = cache.NewMemStorage()
	case DriverLRU:
		lru, err := cache.NewLRUStorage(s.LRUSize)
		if err != nil {
			return nil, err
		}
		storage = lru
	case DriverSQLite:
		compressor, err := s.compressor()
		if err != nil {
			return nil, err
		}
		sqlite, err := cache.NewSQLiteStorage(s.Path, compressor)
		if err != nil {
			return nil, err
		}
		storage = sqlite
	default:
		return nil, fmt.Errorf("%w: unknown storage driver %q", ErrInvalidConfig, s.Driver)
	}
	if s.HotBytes > 0 {
		hot, err := cache.NewHotStorage(storage, s.HotBytes)
		if err != nil {
			storage.Close()
			return nil, err
		}
		storage = hot
	}
	return storage, nil
}

func (s Storage) compressor() (cache.Compressor, error) {
	switch s.Compression {
	case "", CompressionNone:
		return nil, nil
	case CompressionSnappy:
		return cache.CompressorSnappy{}, nil
	case CompressionZstd:
		zstd, err := cache.NewCompressorZstd()
		if err != nil {
			return nil, err
		}
		return zstd, nil
	}
	return nil, fmt.Errorf("%w: unknown compression %q", ErrInvalidConfig, s.Compression)
}
