// Runtime configuration. Defaults come from internal/const.go, a TOML file can
// override any of them.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	c "aiomgr/internal"

	"github.com/BurntSushi/toml"
)

const MAX_WORKERS		= 0x100
const MAX_HANDLES_LIMIT	= 1 << 20
const MAX_RING_ENTRIES	= 0x1000

type Ring struct {
	Enable		bool	`toml:"enable"`
	Entries		uint32	`toml:"entries"`
	Affinity	int		`toml:"affinity"` // cpu for the ring goroutine, -1 to leave it alone
}

type Config struct {
	Workers			int					`toml:"workers"`
	MaxHandles		int					`toml:"max_handles"`
	LaneShards		int					`toml:"lane_shards"`
	DefaultDevice	string				`toml:"default_device"`
	Mounts			map[string]string	`toml:"mounts"` // "host0:" -> directory
	LogLevel		string				`toml:"log_level"`
	Ring			Ring				`toml:"ring"`
}

func Default() Config {
	return Config{
		Workers:		c.WORKERS,
		MaxHandles:		c.MAX_HANDLES,
		LaneShards:		c.LANE_SHARDS,
		DefaultDevice:	c.DEFAULT_DEVICE,
		Mounts:			map[string]string{},
		LogLevel:		"info",
		Ring:			Ring{Enable: false, Entries: c.RING_ENTRIES, Affinity: c.RING_AFFINITY},
	}
}

// Load reads path on top of the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil { return Config{}, fmt.Errorf("config %s: %w", path, err) }
	if und := md.Undecoded(); len(und) > 0 {
		keys := make([]string, len(und))
		for i, k := range und { keys[i] = k.String() }
		return Config{}, c.Invalid("config %s: unknown keys %s", path, strings.Join(keys, ", "))
	}
	return cfg, cfg.Validate()
}

func (cfg *Config) Level() slog.Level {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil { return slog.LevelInfo }
	return lvl
}

func (cfg *Config) Validate() error {
	if cfg.Workers < 1 || cfg.Workers > MAX_WORKERS { return c.Invalid("workers %d", cfg.Workers) }
	if cfg.MaxHandles < 1 || cfg.MaxHandles > MAX_HANDLES_LIMIT { return c.Invalid("max_handles %d", cfg.MaxHandles) }
	if cfg.LaneShards < 1 { return c.Invalid("lane_shards %d", cfg.LaneShards) }

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil { return c.Invalid("log_level %q", cfg.LogLevel) }

	for dev := range cfg.Mounts {
		if !strings.HasSuffix(dev, ":") || strings.Count(dev, ":") != 1 || strings.Contains(dev, "/") {
			return c.Invalid("mount device %q", dev)
		}
	}
	if len(cfg.Mounts) > 0 {
		if _, ok := cfg.Mounts[cfg.DefaultDevice]; !ok { return c.Invalid("default_device %q not mounted", cfg.DefaultDevice) }
	}

	if cfg.Ring.Enable {
		n := cfg.Ring.Entries
		if n == 0 || n > MAX_RING_ENTRIES || n & (n - 1) != 0 { return c.Invalid("ring entries %d", n) }
	}
	return nil
}
