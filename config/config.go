// Package config loads the single TOML bootstrap file the CLI entrypoint
// needs to stand up the node: the self party descriptor, the gateway
// transport to use, and the handful of intervals/caps the core packages
// take as constructor arguments. A hot-reloading config service or a
// schema-validating loader is out of scope (spec.md §1); this package
// only ever parses one file once, at startup.
package config

import (
	"time"

	"github.com/BurntSushi/toml"

	"github.com/wedpr-lab/ppc-node/errs"
)

// GatewayKind selects which gateway.Gateway transport adapter the node
// talks to its peers through (spec.md §1: the transport's internals
// beyond send/receive are out of scope, but which adapter to build is
// ambient bootstrap configuration).
type GatewayKind string

const (
	GatewayWS   GatewayKind = "ws"
	GatewayGRPC GatewayKind = "grpc"
)

// Config is the typed result of parsing the bootstrap TOML file.
type Config struct {
	SelfAgency string `toml:"self_agency"`
	ListenAddr string `toml:"listen_addr"`

	Gateway  GatewayKind       `toml:"gateway"`
	PeerAddr map[string]string `toml:"peer_addr"`

	MaxTasks           int   `toml:"max_tasks"`
	EnableSM           bool  `toml:"enable_sm"`
	EnableOutputExists bool  `toml:"enable_output_exists"`
	MmapGranularity    int64 `toml:"mmap_granularity"`

	// BS-ECDH-PSI's own registry caps and poll timeout (spec.md §4.7).
	// A BSMaxTaskCount <= 0 falls back to bsecdhpsi.DefaultMaxTaskCount
	// and an empty BSTaskTimeout to 30 minutes (BSTaskTimeoutDuration).
	// BSCacheCapacity is parsed but not read: the service's cache cap is
	// always bsecdhpsi.DefaultCacheCapacity.
	BSMaxTaskCount  int    `toml:"bs_max_task_count"`
	BSCacheCapacity int    `toml:"bs_cache_capacity"`
	BSTaskTimeout   string `toml:"bs_task_timeout"`

	LogLevel string `toml:"log_level"`
	LogFile  string `toml:"log_file"`
}

// BSTaskTimeoutDuration parses BSTaskTimeout, defaulting to 30 minutes
// when unset — BurntSushi/toml has no native time.Duration unmarshaling,
// so the file carries a plain Go duration string ("30m", "1h").
func (c *Config) BSTaskTimeoutDuration() (time.Duration, error) {
	if c.BSTaskTimeout == "" {
		return 30 * time.Minute, nil
	}
	return time.ParseDuration(c.BSTaskTimeout)
}

func (c *Config) applyDefaults() {
	if c.Gateway == "" {
		c.Gateway = GatewayWS
	}
	if c.MaxTasks <= 0 {
		c.MaxTasks = 16
	}
	if c.MmapGranularity == 0 {
		c.MmapGranularity = -1 // ppcio.DefaultMmapGranularity
	}
}

// Load parses path into a Config, applying defaults for anything the
// file leaves zero-valued.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, errs.Wrap(err, errs.TaskParamsError, "decode config file "+path)
	}
	if cfg.SelfAgency == "" {
		return nil, errs.New(errs.TaskParamsError, "self_agency is required")
	}
	if cfg.Gateway != "" && cfg.Gateway != GatewayWS && cfg.Gateway != GatewayGRPC {
		return nil, errs.Newf(errs.TaskParamsError, "unsupported gateway kind %q", cfg.Gateway)
	}
	cfg.applyDefaults()
	return &cfg, nil
}
