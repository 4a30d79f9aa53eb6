package cmd

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/andydunstall/bucketgossip"
	"github.com/spf13/afero"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// duration is a time.Duration that decodes from a string such as "500ms".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	d.Duration = v
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Config is the node configuration, loaded from a TOML file.
type Config struct {
	// BindAddr is the address the node listens for gossip on.
	BindAddr string `toml:"bind_addr"`

	// AdvertiseAddr is the address other nodes know this node by. Required
	// if BindAddr has an unspecified host such as 0.0.0.0.
	AdvertiseAddr string `toml:"advertise_addr"`

	// Members contains the addresses of the other nodes in the cluster.
	Members []string `toml:"members"`

	// SnapshotDir is the directory the incarnation is persisted to. Required.
	SnapshotDir string `toml:"snapshot_dir"`

	GossipInterval duration `toml:"gossip_interval"`
	InitialDelay   duration `toml:"initial_delay"`

	// MetricsAddr is the address to serve Prometheus metrics on. If empty
	// metrics are not served.
	MetricsAddr string `toml:"metrics_addr"`

	LogLevel string `toml:"log_level"`

	// Data contains the initial routes in the local bucket.
	Data map[string]string `toml:"data"`
}

func DefaultConfig() Config {
	return Config{
		BindAddr:       "127.0.0.1:7946",
		GossipInterval: duration{bucketgossip.DefaultInterval},
		InitialDelay:   duration{bucketgossip.DefaultInitialDelay},
		LogLevel:       "info",
		Data:           make(map[string]string),
	}
}

// LoadConfig loads the configuration at path, using the defaults for any
// fields not set. Unknown keys are rejected.
func LoadConfig(fs afero.Fs, path string) (Config, error) {
	conf := DefaultConfig()

	b, err := afero.ReadFile(fs, path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config: %w", err)
	}
	md, err := toml.Decode(string(b), &conf)
	if err != nil {
		return Config{}, fmt.Errorf("failed to decode config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)
		return Config{}, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}
	return conf, nil
}

func (c Config) Validate() error {
	if c.BindAddr == "" {
		return fmt.Errorf("bind_addr is required")
	}
	if _, err := bucketgossip.AdvertiseAddr(c.BindAddr, c.AdvertiseAddr); err != nil {
		return fmt.Errorf("invalid advertise_addr: %w", err)
	}
	if c.SnapshotDir == "" {
		return fmt.Errorf("snapshot_dir is required")
	}
	if c.GossipInterval.Duration < 0 {
		return fmt.Errorf("gossip_interval must not be negative")
	}
	if c.InitialDelay.Duration < 0 {
		return fmt.Errorf("initial_delay must not be negative")
	}
	if _, err := zapcore.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log_level: %w", err)
	}
	return nil
}

func (c Config) Logger() (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(c.LogLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log_level: %w", err)
	}

	loggerConf := zap.NewProductionConfig()
	loggerConf.Level = zap.NewAtomicLevelAt(level)
	return loggerConf.Build()
}
