// Package config reads the node configuration from
// ~/.spanvisor/node.toml, with the usual flag > env > file precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/pelletier/go-toml/v2"
)

// Config represents the ~/.spanvisor/node.toml file.
type Config struct {
	Cluster   Cluster   `toml:"cluster,omitempty" json:"cluster"`
	Node      Node      `toml:"node,omitempty" json:"node"`
	Guest     Guest     `toml:"guest,omitempty" json:"guest"`
	Log       Log       `toml:"log,omitempty" json:"log"`
	Telemetry Telemetry `toml:"telemetry,omitempty" json:"telemetry"`
}

// Cluster is the bring-up policy.
type Cluster struct {
	ExpectedNodes  int `toml:"expected_nodes,omitempty" json:"expected_nodes"`
	SetupTimeoutMS int `toml:"setup_timeout_ms,omitempty" json:"setup_timeout_ms"`
	ReplyTimeoutMS int `toml:"reply_timeout_ms,omitempty" json:"reply_timeout_ms"`
}

// Node describes this machine's contribution to the cluster.
type Node struct {
	Bootstrap bool   `toml:"bootstrap,omitempty" json:"bootstrap"`
	NVCpu     int    `toml:"nvcpu,omitempty" json:"nvcpu"`
	AllocMiB  int    `toml:"alloc_mib,omitempty" json:"alloc_mib"`
	Iface     string `toml:"iface,omitempty" json:"iface"`
}

// Guest describes the VM image; only the bootstrap node reads it.
type Guest struct {
	Image      string `toml:"image,omitempty" json:"image"`
	Entrypoint int64  `toml:"entrypoint,omitempty" json:"entrypoint"`
}

// Log holds logging preferences.
type Log struct {
	Level string `toml:"level,omitempty" json:"level"`
}

// Telemetry configures the debug metrics listener.
type Telemetry struct {
	Listen string `toml:"listen,omitempty" json:"listen"`
}

// configDirOverride is set by the --config-dir flag or SPANVISOR_HOME env.
var configDirOverride string

// SetConfigDir allows the CLI to pass in the --config-dir value.
func SetConfigDir(dir string) {
	configDirOverride = dir
}

// Home returns the config directory path.
// Precedence: --config-dir flag / SetConfigDir > SPANVISOR_HOME env > ~/.spanvisor
func Home() string {
	if configDirOverride != "" {
		return configDirOverride
	}
	if v := os.Getenv("SPANVISOR_HOME"); v != "" {
		return v
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".spanvisor")
	}
	return filepath.Join(home, ".spanvisor")
}

// Path returns the full path to node.toml.
func Path() string {
	return filepath.Join(Home(), "node.toml")
}

// EnsureDir creates the home directory if it does not exist.
func EnsureDir() error {
	return os.MkdirAll(Home(), 0o755)
}

// Defaults are what an absent file or field resolves to.
func Defaults() *Config {
	return &Config{
		Cluster: Cluster{ExpectedNodes: 1, SetupTimeoutMS: 10000, ReplyTimeoutMS: 5000},
		Node:    Node{NVCpu: 1, AllocMiB: 128},
		Log:     Log{Level: "info"},
	}
}

// Load reads node.toml. A missing file returns the defaults.
func Load() (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(Path())
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading %s: %w", Path(), err)
	}
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", Path(), err)
	}
	return cfg, nil
}

// Save writes the config back to node.toml.
func Save(cfg *Config) error {
	if err := EnsureDir(); err != nil {
		return fmt.Errorf("creating %s: %w", Home(), err)
	}
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.WriteFile(Path(), data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", Path(), err)
	}
	return nil
}

// Get returns the value for a dotted key, for `spanvisor config get`.
func Get(key string) (string, error) {
	cfg, err := Load()
	if err != nil {
		return "", err
	}
	switch key {
	case "cluster.expected_nodes":
		return strconv.Itoa(cfg.Cluster.ExpectedNodes), nil
	case "cluster.setup_timeout_ms":
		return strconv.Itoa(cfg.Cluster.SetupTimeoutMS), nil
	case "cluster.reply_timeout_ms":
		return strconv.Itoa(cfg.Cluster.ReplyTimeoutMS), nil
	case "node.bootstrap":
		return strconv.FormatBool(cfg.Node.Bootstrap), nil
	case "node.nvcpu":
		return strconv.Itoa(cfg.Node.NVCpu), nil
	case "node.alloc_mib":
		return strconv.Itoa(cfg.Node.AllocMiB), nil
	case "node.iface":
		return cfg.Node.Iface, nil
	case "guest.image":
		return cfg.Guest.Image, nil
	case "guest.entrypoint":
		return fmt.Sprintf("%#x", cfg.Guest.Entrypoint), nil
	case "log.level":
		return cfg.Log.Level, nil
	case "telemetry.listen":
		return cfg.Telemetry.Listen, nil
	}
	return "", fmt.Errorf("unknown config key %q", key)
}

// Set updates a dotted key and writes the file back.
func Set(key, value string) error {
	cfg, err := Load()
	if err != nil {
		return err
	}

	atoi := func() (int, error) {
		n, err := strconv.Atoi(value)
		if err != nil {
			return 0, fmt.Errorf("%s wants an integer, got %q", key, value)
		}
		return n, nil
	}

	switch key {
	case "cluster.expected_nodes":
		if cfg.Cluster.ExpectedNodes, err = atoi(); err != nil {
			return err
		}
	case "cluster.setup_timeout_ms":
		if cfg.Cluster.SetupTimeoutMS, err = atoi(); err != nil {
			return err
		}
	case "cluster.reply_timeout_ms":
		if cfg.Cluster.ReplyTimeoutMS, err = atoi(); err != nil {
			return err
		}
	case "node.bootstrap":
		b, perr := strconv.ParseBool(value)
		if perr != nil {
			return fmt.Errorf("%s wants a boolean, got %q", key, value)
		}
		cfg.Node.Bootstrap = b
	case "node.nvcpu":
		if cfg.Node.NVCpu, err = atoi(); err != nil {
			return err
		}
	case "node.alloc_mib":
		if cfg.Node.AllocMiB, err = atoi(); err != nil {
			return err
		}
	case "node.iface":
		cfg.Node.Iface = value
	case "guest.image":
		cfg.Guest.Image = value
	case "guest.entrypoint":
		v, perr := strconv.ParseInt(value, 0, 64)
		if perr != nil {
			return fmt.Errorf("%s wants an address, got %q", key, value)
		}
		cfg.Guest.Entrypoint = v
	case "log.level":
		cfg.Log.Level = value
	case "telemetry.listen":
		cfg.Telemetry.Listen = value
	default:
		return fmt.Errorf("unknown config key %q", key)
	}
	return Save(cfg)
}
