package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/golang/glog"
	goconfig "github.com/robfig/config"

	"github.com/microcosm-cc/modelcache/cache"
	h "github.com/microcosm-cc/modelcache/helpers"
	"github.com/microcosm-cc/modelcache/manifest"
)

// ConfigFilePath is the default path to the config file
const ConfigFilePath string = "/etc/modelcache/modelcache.conf"

// Section is the [modelcache] section of the config file
const Section string = "modelcache"

// Config file keys
const (
	ListenPort = "listen_port"

	OriginURL     = "origin_url"
	OriginTimeout = "origin_timeout"

	CacheVersion = "cache_version"
	Manifest     = "manifest"

	Store = "store"

	MemcachedHost    = "memcached_host"
	MemcachedPort    = "memcached_port"
	MemcachedPrefix  = "memcached_prefix"
	MemcachedMaxItem = "memcached_max_item_bytes"

	S3Endpoint        = "s3_endpoint"
	S3AccessKeyID     = "s3_access_key_id"
	S3SecretAccessKey = "s3_secret_access_key"
	S3Bucket          = "s3_bucket"
	S3Prefix          = "s3_prefix"
	S3UseSSL          = "s3_use_ssl"

	DatabaseHost     = "database_host"
	DatabasePort     = "database_port"
	DatabaseName     = "database_database"
	DatabaseUsername = "database_username"
	DatabasePassword = "database_password"
)

// Store types
const (
	StoreMemory   = "memory"
	StoreMemcache = "memcache"
	StoreS3       = "s3"
	StorePostgres = "postgres"
)

// Config is the parsed configuration. It is built once by Load and passed by
// value from then on.
type Config struct {
	ListenPort int64

	OriginURL     string
	OriginTimeout time.Duration

	Manifest manifest.Manifest

	Store string

	MemcachedHost    string
	MemcachedPort    int64
	MemcachedPrefix  string
	MemcachedMaxItem int64

	S3 cache.S3Config

	Database h.DBConfig
}

// envOverrides are read from the environment after the file and win over it
// when set. Secrets are better kept out of the config file.
type envOverrides struct {
	ListenPort        int64  `env:"MODELCACHE_LISTEN_PORT"`
	OriginURL         string `env:"MODELCACHE_ORIGIN_URL"`
	CacheVersion      string `env:"MODELCACHE_CACHE_VERSION"`
	Store             string `env:"MODELCACHE_STORE"`
	MemcachedHost     string `env:"MODELCACHE_MEMCACHED_HOST"`
	S3Endpoint        string `env:"MODELCACHE_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"MODELCACHE_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"MODELCACHE_S3_SECRET_ACCESS_KEY"`
	DatabaseHost      string `env:"MODELCACHE_DATABASE_HOST"`
	DatabasePassword  string `env:"MODELCACHE_DATABASE_PASSWORD"`
}

func defaults() Config {
	return Config{
		ListenPort:       8080,
		Manifest:         manifest.Default(),
		Store:            StoreMemory,
		MemcachedHost:    "localhost",
		MemcachedPort:    11211,
		MemcachedPrefix:  "modelcache_",
		MemcachedMaxItem: cache.MemcacheDefaultMaxItem,
		S3: cache.S3Config{
			Prefix: "modelcache",
		},
		Database: h.DBConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "modelcache",
		},
	}
}

// fileReader wraps the parsed file so missing keys fall back to defaults
type fileReader struct {
	c *goconfig.Config
}

func (r fileReader) str(key string, dst *string) error {
	if !r.c.HasOption(Section, key) {
		return nil
	}
	s, err := r.c.String(Section, key)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = strings.TrimSpace(s)
	return nil
}

func (r fileReader) int64(key string, dst *int64) error {
	if !r.c.HasOption(Section, key) {
		return nil
	}
	i, err := r.c.Int(Section, key)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = int64(i)
	return nil
}

func (r fileReader) bool(key string, dst *bool) error {
	if !r.c.HasOption(Section, key) {
		return nil
	}
	b, err := r.c.Bool(Section, key)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

// Load reads the config file at path, applies environment overrides and
// validates the result
func Load(path string) (Config, error) {
	c, err := goconfig.ReadDefault(path)
	if err != nil {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}
	if !c.HasSection(Section) {
		return Config{}, fmt.Errorf("%s has no [%s] section", path, Section)
	}

	cfg := defaults()
	r := fileReader{c: c}

	var (
		version  = cfg.Manifest.Version()
		urls     = strings.Join(cfg.Manifest.URLs(), ",")
		timeout  string
		readErrs []error
	)

	readErrs = append(readErrs,
		r.int64(ListenPort, &cfg.ListenPort),
		r.str(OriginURL, &cfg.OriginURL),
		r.str(OriginTimeout, &timeout),
		r.str(CacheVersion, &version),
		r.str(Manifest, &urls),
		r.str(Store, &cfg.Store),
		r.str(MemcachedHost, &cfg.MemcachedHost),
		r.int64(MemcachedPort, &cfg.MemcachedPort),
		r.str(MemcachedPrefix, &cfg.MemcachedPrefix),
		r.int64(MemcachedMaxItem, &cfg.MemcachedMaxItem),
		r.str(S3Endpoint, &cfg.S3.Endpoint),
		r.str(S3AccessKeyID, &cfg.S3.AccessKeyID),
		r.str(S3SecretAccessKey, &cfg.S3.SecretAccessKey),
		r.str(S3Bucket, &cfg.S3.Bucket),
		r.str(S3Prefix, &cfg.S3.Prefix),
		r.bool(S3UseSSL, &cfg.S3.UseSSL),
		r.str(DatabaseHost, &cfg.Database.Host),
		r.int64(DatabasePort, &cfg.Database.Port),
		r.str(DatabaseName, &cfg.Database.Database),
		r.str(DatabaseUsername, &cfg.Database.Username),
		r.str(DatabasePassword, &cfg.Database.Password),
	)
	for _, err := range readErrs {
		if err != nil {
			return Config{}, err
		}
	}

	var o envOverrides
	if err := env.Parse(&o); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	o.apply(&cfg, &version)

	if timeout != "" {
		cfg.OriginTimeout, err = time.ParseDuration(timeout)
		if err != nil {
			return Config{}, fmt.Errorf("%s: %w", OriginTimeout, err)
		}
	}

	cfg.Manifest, err = manifest.Parse(version, urls)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	if glog.V(2) {
		glog.Infof("Loaded %s: store=%s version=%s urls=%d", path, cfg.Store, version, cfg.Manifest.Len())
	}
	return cfg, nil
}

func (o envOverrides) apply(cfg *Config, version *string) {
	if o.ListenPort != 0 {
		cfg.ListenPort = o.ListenPort
	}
	if o.OriginURL != "" {
		cfg.OriginURL = o.OriginURL
	}
	if o.CacheVersion != "" {
		*version = o.CacheVersion
	}
	if o.Store != "" {
		cfg.Store = o.Store
	}
	if o.MemcachedHost != "" {
		cfg.MemcachedHost = o.MemcachedHost
	}
	if o.S3Endpoint != "" {
		cfg.S3.Endpoint = o.S3Endpoint
	}
	if o.S3AccessKeyID != "" {
		cfg.S3.AccessKeyID = o.S3AccessKeyID
	}
	if o.S3SecretAccessKey != "" {
		cfg.S3.SecretAccessKey = o.S3SecretAccessKey
	}
	if o.DatabaseHost != "" {
		cfg.Database.Host = o.DatabaseHost
	}
	if o.DatabasePassword != "" {
		cfg.Database.Password = o.DatabasePassword
	}
}

// Validate checks the settings the chosen store needs
func (c Config) Validate() error {
	if c.OriginURL == "" {
		return fmt.Errorf("%s must be set", OriginURL)
	}
	if c.ListenPort < 1 || c.ListenPort > 65535 {
		return fmt.Errorf("%s %d is out of range", ListenPort, c.ListenPort)
	}
	if c.OriginTimeout < 0 {
		return fmt.Errorf("%s must not be negative", OriginTimeout)
	}

	switch c.Store {
	case StoreMemory:
	case StoreMemcache:
		if c.MemcachedHost == "" {
			return fmt.Errorf("%s must be set for the memcache store", MemcachedHost)
		}
		if c.MemcachedMaxItem < 1 {
			return fmt.Errorf("%s must be positive", MemcachedMaxItem)
		}
	case StoreS3:
		if c.S3.Endpoint == "" || c.S3.Bucket == "" {
			return fmt.Errorf("%s and %s must be set for the s3 store", S3Endpoint, S3Bucket)
		}
	case StorePostgres:
		if c.Database.Username == "" {
			return fmt.Errorf("%s must be set for the postgres store", DatabaseUsername)
		}
	default:
		return fmt.Errorf("unknown %s %q", Store, c.Store)
	}

	return nil
}
