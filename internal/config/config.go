// Package config loads the docmirror CLI configuration from YAML, a .env file and
// DOCMIRROR_* environment variables, in that order of precedence (env wins).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/unkn0wn-root/docmirror"
	"github.com/unkn0wn-root/docmirror/codec"
	"github.com/unkn0wn-root/docmirror/local"
	"github.com/unkn0wn-root/docmirror/local/bigcache"
)

const envPrefix = "DOCMIRROR_"

type Config struct {
	URL        string `yaml:"url"`
	Database   string `yaml:"database"`
	Collection string `yaml:"collection"`

	// eventual | awaited
	Durability string `yaml:"durability"`

	DocumentTTL       bool `yaml:"document_ttl"`
	FetchAll          bool `yaml:"fetch_all"`
	MonitorChanges    bool `yaml:"monitor_changes"`
	RehydrateOnUpdate bool `yaml:"rehydrate_on_update"`

	Resubscribe struct {
		Enabled     bool   `yaml:"enabled"`
		MaxInterval string `yaml:"max_interval"`
		MaxElapsed  string `yaml:"max_elapsed"`
	} `yaml:"resubscribe"`

	Local struct {
		// map | bigcache
		Kind   string `yaml:"kind"`
		Codec  string `yaml:"codec"`
		Shards int    `yaml:"shards"`
	} `yaml:"local"`

	Write struct {
		Workers int    `yaml:"workers"`
		Queue   int    `yaml:"queue"`
		Timeout string `yaml:"timeout"`
	} `yaml:"write"`

	InitTimeout string `yaml:"init_timeout"`

	Log struct {
		// dev (console) | prod (JSON)
		Env   string `yaml:"env"`
		Level string `yaml:"level"`
	} `yaml:"log"`

	Metrics struct {
		Addr      string `yaml:"addr"`
		Namespace string `yaml:"namespace"`
	} `yaml:"metrics"`
}

// Load reads path (skipped when empty), loads envFile when it exists, applies
// DOCMIRROR_* overrides and fills defaults. The result is not validated.
func Load(path, envFile string) (*Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("config: load %s: %w", envFile, err)
		}
	}
	c.applyEnvOverrides()
	c.applyDefaults()
	return &c, nil
}

func (c *Config) applyDefaults() {
	if c.Database == "" {
		c.Database = "docmirror"
	}
	if c.Durability == "" {
		c.Durability = "eventual"
	}
	if c.Local.Kind == "" {
		c.Local.Kind = "map"
	}
	if c.Local.Codec == "" {
		c.Local.Codec = "msgpack"
	}
	if c.Log.Env == "" {
		c.Log.Env = "dev"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = "docmirror"
	}
}

func (c *Config) applyEnvOverrides() {
	if v, ok := getEnvStr("URL"); ok {
		c.URL = v
	}
	if v, ok := getEnvStr("DATABASE"); ok {
		c.Database = v
	}
	if v, ok := getEnvStr("COLLECTION"); ok {
		c.Collection = v
	}
	if v, ok := getEnvStr("DURABILITY"); ok {
		c.Durability = strings.ToLower(v)
	}
	if v, ok := getEnvBool("DOCUMENT_TTL"); ok {
		c.DocumentTTL = v
	}
	if v, ok := getEnvBool("FETCH_ALL"); ok {
		c.FetchAll = v
	}
	if v, ok := getEnvBool("MONITOR_CHANGES"); ok {
		c.MonitorChanges = v
	}
	if v, ok := getEnvBool("REHYDRATE_ON_UPDATE"); ok {
		c.RehydrateOnUpdate = v
	}
	if v, ok := getEnvBool("RESUBSCRIBE"); ok {
		c.Resubscribe.Enabled = v
	}
	if v, ok := getEnvStr("RESUBSCRIBE_MAX_INTERVAL"); ok {
		c.Resubscribe.MaxInterval = v
	}
	if v, ok := getEnvStr("RESUBSCRIBE_MAX_ELAPSED"); ok {
		c.Resubscribe.MaxElapsed = v
	}
	if v, ok := getEnvStr("LOCAL_KIND"); ok {
		c.Local.Kind = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOCAL_CODEC"); ok {
		c.Local.Codec = strings.ToLower(v)
	}
	if v, ok := getEnvInt("LOCAL_SHARDS"); ok {
		c.Local.Shards = v
	}
	if v, ok := getEnvInt("WRITE_WORKERS"); ok {
		c.Write.Workers = v
	}
	if v, ok := getEnvInt("WRITE_QUEUE"); ok {
		c.Write.Queue = v
	}
	if v, ok := getEnvStr("WRITE_TIMEOUT"); ok {
		c.Write.Timeout = v
	}
	if v, ok := getEnvStr("INIT_TIMEOUT"); ok {
		c.InitTimeout = v
	}
	if v, ok := getEnvStr("LOG_ENV"); ok {
		c.Log.Env = strings.ToLower(v)
	}
	if v, ok := getEnvStr("LOG_LEVEL"); ok {
		c.Log.Level = v
	}
	if v, ok := getEnvStr("METRICS_ADDR"); ok {
		c.Metrics.Addr = v
	}
	if v, ok := getEnvStr("METRICS_NAMESPACE"); ok {
		c.Metrics.Namespace = v
	}
}

// Validate reports every problem found, joined.
func (c *Config) Validate() error {
	var errs []error
	if c.URL == "" {
		errs = append(errs, errors.New("url is required"))
	}
	if c.Collection == "" {
		errs = append(errs, errors.New("collection is required"))
	}
	if _, err := c.durability(); err != nil {
		errs = append(errs, err)
	}
	switch c.Local.Kind {
	case "map", "bigcache":
	default:
		errs = append(errs, fmt.Errorf("local.kind %q: want map or bigcache", c.Local.Kind))
	}
	if _, err := codec.ByName(c.Local.Codec); err != nil {
		errs = append(errs, fmt.Errorf("local.codec: %w", err))
	}
	for name, v := range map[string]string{
		"resubscribe.max_interval": c.Resubscribe.MaxInterval,
		"resubscribe.max_elapsed":  c.Resubscribe.MaxElapsed,
		"write.timeout":            c.Write.Timeout,
		"init_timeout":             c.InitTimeout,
	} {
		if _, err := parseDur(v); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	if c.Write.Workers < 0 || c.Write.Queue < 0 {
		errs = append(errs, errors.New("write.workers and write.queue must not be negative"))
	}
	return errors.Join(errs...)
}

func (c *Config) durability() (docmirror.Durability, error) {
	switch c.Durability {
	case "", "eventual":
		return docmirror.DurabilityEventual, nil
	case "awaited":
		return docmirror.DurabilityAwaited, nil
	}
	return 0, fmt.Errorf("durability %q: want eventual or awaited", c.Durability)
}

// Options builds mirror options from a validated Config. The caller owns the
// returned local store when it is not nil and must close it after the mirror.
func (c *Config) Options(logger docmirror.Logger, hooks docmirror.Hooks) (docmirror.Options, error) {
	d, err := c.durability()
	if err != nil {
		return docmirror.Options{}, err
	}
	opts := docmirror.Options{
		URL:               c.URL,
		Database:          c.Database,
		Collection:        c.Collection,
		DocumentTTL:       c.DocumentTTL,
		FetchAll:          c.FetchAll,
		MonitorChanges:    c.MonitorChanges,
		RehydrateOnUpdate: c.RehydrateOnUpdate,
		Resubscribe:       c.Resubscribe.Enabled,
		Durability:        d,
		Logger:            logger,
		Hooks:             hooks,
		WriteWorkers:      c.Write.Workers,
		WriteQueue:        c.Write.Queue,
	}
	// Validate already rejected malformed durations.
	opts.ResubscribeMaxInterval, _ = parseDur(c.Resubscribe.MaxInterval)
	opts.ResubscribeMaxElapsed, _ = parseDur(c.Resubscribe.MaxElapsed)
	opts.WriteTimeout, _ = parseDur(c.Write.Timeout)
	opts.InitTimeout, _ = parseDur(c.InitTimeout)

	if c.Local.Kind == "bigcache" {
		cd, err := codec.ByName(c.Local.Codec)
		if err != nil {
			return docmirror.Options{}, err
		}
		bs, err := bigcache.New(bigcache.Config{Shards: c.Local.Shards, Codec: cd})
		if err != nil {
			return docmirror.Options{}, fmt.Errorf("config: local store: %w", err)
		}
		opts.Local = bs
	} else {
		opts.Local = local.NewMap()
	}
	return opts, nil
}

func parseDur(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

func getEnvStr(key string) (string, bool) {
	v := os.Getenv(envPrefix + key)
	return v, v != ""
}

func getEnvInt(key string) (int, bool) {
	if s, ok := getEnvStr(key); ok {
		if i, err := strconv.Atoi(strings.TrimSpace(s)); err == nil {
			return i, true
		}
	}
	return 0, false
}

func getEnvBool(key string) (bool, bool) {
	if s, ok := getEnvStr(key); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(s)); err == nil {
			return b, true
		}
	}
	return false, false
}
