// Package config loads and validates engine configuration: a YAML file
// merged with KORU_-prefixed environment overrides, read through viper
// into a typed Config.
package config

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/spf13/viper"
)

// FsyncMode controls when WAL frames reach stable storage.
type FsyncMode struct {
	// Kind is one of "always", "interval", "os".
	Kind string
	// Interval is the group-commit window when Kind == "interval".
	Interval time.Duration
}

var intervalModeRe = regexp.MustCompile(`^interval_ms\((\d+)\)$`)

// ParseFsyncMode parses "always", "interval_ms(N)", or "os".
func ParseFsyncMode(s string) (FsyncMode, error) {
	switch s {
	case "", "always":
		return FsyncMode{Kind: "always"}, nil
	case "os":
		return FsyncMode{Kind: "os"}, nil
	}
	if m := intervalModeRe.FindStringSubmatch(s); m != nil {
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= 0 {
			return FsyncMode{}, fmt.Errorf("invalid fsync interval in %q", s)
		}
		return FsyncMode{Kind: "interval", Interval: time.Duration(n) * time.Millisecond}, nil
	}
	return FsyncMode{}, fmt.Errorf("unrecognized fsync_mode %q", s)
}

func (m FsyncMode) String() string {
	if m.Kind == "interval" {
		return fmt.Sprintf("interval_ms(%d)", m.Interval.Milliseconds())
	}
	return m.Kind
}

// Replication holds peer-sync settings.
type Replication struct {
	BindAddr       string        `yaml:"bind_addr"`
	JoinAddrs      []string      `yaml:"join_addrs"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
}

// Retention controls history reclamation.
type Retention struct {
	// KeepHistory pins blobs referenced by any historical version. When
	// false, a blob is reclaimed when its refcount reaches zero.
	KeepHistory bool `yaml:"keep_history"`
}

// Metrics controls the optional stdout metric exporter.
type Metrics struct {
	StdoutInterval time.Duration `yaml:"stdout_interval"`
}

// Config is the full engine configuration.
type Config struct {
	// DataPath is the data directory, or ":memory:" for a purely
	// in-memory engine.
	DataPath string `yaml:"data_path"`

	MaxMemoryBytes int64 `yaml:"max_memory_bytes"`
	MaxDiskBytes   int64 `yaml:"max_disk_bytes"`
	// HotCacheSize bounds the number of blobs tracked as HOT.
	HotCacheSize int `yaml:"hot_cache_size"`

	FsyncMode          FsyncMode     `yaml:"-"`
	WALSegmentSize     int64         `yaml:"wal_segment_size"`
	CheckpointInterval time.Duration `yaml:"checkpoint_interval"`

	// TemperatureHalfLife is the decay half-life for blob temperature.
	TemperatureHalfLife time.Duration `yaml:"temperature_half_life"`

	// MaxConcurrentWrites bounds write admission.
	MaxConcurrentWrites int `yaml:"max_concurrent_writes"`

	Replication Replication `yaml:"replication"`
	Retention   Retention   `yaml:"retention"`
	Metrics     Metrics     `yaml:"metrics"`
}

// Default returns the configuration used when no file or overrides are
// present.
func Default() Config {
	return Config{
		DataPath:            ":memory:",
		MaxMemoryBytes:      256 << 20,
		MaxDiskBytes:        4 << 30,
		HotCacheSize:        4096,
		FsyncMode:           FsyncMode{Kind: "always"},
		WALSegmentSize:      64 << 20,
		CheckpointInterval:  time.Minute,
		TemperatureHalfLife: 10 * time.Minute,
		MaxConcurrentWrites: 64,
		Replication: Replication{
			GossipInterval: time.Second,
		},
		Retention: Retention{KeepHistory: true},
	}
}

// Load reads the config file at path (optional; empty path means
// defaults + environment only) and applies KORU_ environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("KORU")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return fromViper(v)
}

func fromViper(v *viper.Viper) (Config, error) {
	cfg := Default()

	if s := v.GetString("data_path"); s != "" {
		cfg.DataPath = s
	}
	var err error
	if cfg.MaxMemoryBytes, err = sizeOption(v, "max_memory_mb", cfg.MaxMemoryBytes); err != nil {
		return Config{}, err
	}
	if cfg.MaxDiskBytes, err = sizeOption(v, "max_disk_mb", cfg.MaxDiskBytes); err != nil {
		return Config{}, err
	}
	if v.IsSet("hot_cache_size") {
		cfg.HotCacheSize = v.GetInt("hot_cache_size")
	}
	if s := v.GetString("fsync_mode"); s != "" {
		if cfg.FsyncMode, err = ParseFsyncMode(s); err != nil {
			return Config{}, err
		}
	}
	if cfg.WALSegmentSize, err = sizeOption(v, "wal_segment_size", cfg.WALSegmentSize); err != nil {
		return Config{}, err
	}
	if v.IsSet("checkpoint_interval") {
		cfg.CheckpointInterval = v.GetDuration("checkpoint_interval")
	}
	if v.IsSet("temperature_half_life") {
		cfg.TemperatureHalfLife = v.GetDuration("temperature_half_life")
	}
	if v.IsSet("max_concurrent_writes") {
		cfg.MaxConcurrentWrites = v.GetInt("max_concurrent_writes")
	}
	if s := v.GetString("replication.bind_addr"); s != "" {
		cfg.Replication.BindAddr = s
	}
	if v.IsSet("replication.join_addrs") {
		cfg.Replication.JoinAddrs = v.GetStringSlice("replication.join_addrs")
	}
	if v.IsSet("replication.gossip_interval_ms") {
		cfg.Replication.GossipInterval = time.Duration(v.GetInt("replication.gossip_interval_ms")) * time.Millisecond
	}
	if v.IsSet("retention.keep_history") {
		cfg.Retention.KeepHistory = v.GetBool("retention.keep_history")
	}
	if v.IsSet("metrics.stdout_interval") {
		cfg.Metrics.StdoutInterval = v.GetDuration("metrics.stdout_interval")
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// sizeOption reads a byte-size option that accepts either a bare number
// of megabytes (the documented form of max_memory_mb/max_disk_mb) or a
// humanized size string like "512MB".
func sizeOption(v *viper.Viper, key string, def int64) (int64, error) {
	if !v.IsSet(key) {
		return def, nil
	}
	raw := v.GetString(key)
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		if strings.HasSuffix(key, "_mb") {
			return n << 20, nil
		}
		return n, nil
	}
	var ds datasize.ByteSize
	if err := ds.UnmarshalText([]byte(raw)); err != nil {
		return 0, fmt.Errorf("invalid size for %s: %q", key, raw)
	}
	return int64(ds.Bytes()), nil
}

// Validate checks internal consistency.
func (c Config) Validate() error {
	if c.DataPath == "" {
		return fmt.Errorf("data_path must be set (use \":memory:\" for in-memory)")
	}
	if c.MaxMemoryBytes <= 0 {
		return fmt.Errorf("max_memory_mb must be positive")
	}
	if c.MaxDiskBytes <= 0 {
		return fmt.Errorf("max_disk_mb must be positive")
	}
	if c.HotCacheSize <= 0 {
		return fmt.Errorf("hot_cache_size must be positive")
	}
	if c.WALSegmentSize < 1<<16 {
		return fmt.Errorf("wal_segment_size must be at least 64KB")
	}
	if c.MaxConcurrentWrites <= 0 {
		return fmt.Errorf("max_concurrent_writes must be positive")
	}
	if c.Replication.GossipInterval <= 0 {
		return fmt.Errorf("replication.gossip_interval_ms must be positive")
	}
	return nil
}

// InMemory reports whether the engine runs without a data directory.
func (c Config) InMemory() bool { return c.DataPath == ":memory:" }
