// Copyright (c) Uplinkd Authors
// SPDX-License-Identifier: BSD-3-Clause

// Package config loads and validates the uplinkd configuration file.
//
// Every key has a default, so a missing config file still produces a
// runnable configuration for the common SIM7600-style RNDIS setup.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

// DefaultPath is where the daemon looks for its configuration when no
// --config flag is given.
const DefaultPath = "/etc/uplinkd/config.yaml"

// Config is the full daemon configuration.
type Config struct {
	// PrimaryInterfaces are the host's management-path interfaces.
	// They are never eligible as cellular candidates and their routes
	// are never touched.
	PrimaryInterfaces []string `mapstructure:"primary_interfaces"`

	// SecondaryInterfaces are extra ethernet names (eth1, usb0, ...)
	// considered as cellular candidates after the pattern-based ones.
	SecondaryInterfaces []string `mapstructure:"secondary_interfaces"`

	Table        TableConfig    `mapstructure:"table"`
	FwMark       uint32         `mapstructure:"fwmark"`
	RulePriority int            `mapstructure:"rule_priority"`
	PollInterval time.Duration  `mapstructure:"poll_interval"`
	ProxyUser    string         `mapstructure:"proxy_user"`
	Backend      string         `mapstructure:"backend"` // auto, ppp, dhcp, vendor
	Probe        ProbeConfig    `mapstructure:"probe"`
	Modem        ModemConfig    `mapstructure:"modem"`
	DHCP         DHCPConfig     `mapstructure:"dhcp"`
	PPP          PPPConfig      `mapstructure:"ppp"`
	Vendor       VendorConfig   `mapstructure:"vendor"`
	Rotation     RotationConfig `mapstructure:"rotation"`
	Retry        RetryConfig    `mapstructure:"retry"`
	API          APIConfig      `mapstructure:"api"`
	StateDir     string         `mapstructure:"state_dir"`
	TriggerFile  string         `mapstructure:"trigger_file"`
}

// TableConfig names the dedicated policy-routing table.
type TableConfig struct {
	ID   int    `mapstructure:"id"`
	Name string `mapstructure:"name"`
}

// ProbeConfig controls the reachability prober.
type ProbeConfig struct {
	Targets          []string      `mapstructure:"targets"`
	Timeout          time.Duration `mapstructure:"timeout"`
	FailureThreshold int           `mapstructure:"failure_threshold"`
}

// ModemConfig describes the AT-command serial channel used for deep
// resets. An empty Port means auto-detect the first /dev/ttyUSB*.
type ModemConfig struct {
	Port string `mapstructure:"port"`
	Baud int    `mapstructure:"baud"`
}

// DHCPConfig tunes the DHCP link backend.
type DHCPConfig struct {
	Timeout time.Duration `mapstructure:"timeout"`
	// FallbackGateway is a last-resort next hop for USB-ethernet modems
	// whose DHCP offers omit a router option. 192.168.225.1 is the
	// SIM7600 RNDIS default. Live detection always runs first.
	FallbackGateway string `mapstructure:"fallback_gateway"`
}

// PPPConfig tunes the PPP link backend.
type PPPConfig struct {
	Provider    string        `mapstructure:"provider"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// VendorConfig holds argv templates for a vendor CLI backend. The
// placeholder {iface} is substituted with the candidate interface name.
type VendorConfig struct {
	Up    []string `mapstructure:"up"`
	Down  []string `mapstructure:"down"`
	Renew []string `mapstructure:"renew"`
	Reset []string `mapstructure:"reset"`
}

// RotationConfig controls deep resets and the auto-rotation timer.
type RotationConfig struct {
	Settle      time.Duration      `mapstructure:"settle"`
	MaxAttempts int                `mapstructure:"max_attempts"`
	Auto        AutoRotationConfig `mapstructure:"auto"`
}

// AutoRotationConfig enables unattended interval rotation.
type AutoRotationConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
}

// RetryConfig bounds per-operation retries within a tick.
type RetryConfig struct {
	Attempts int           `mapstructure:"attempts"`
	Backoff  time.Duration `mapstructure:"backoff"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Listen string `mapstructure:"listen"`
	Token  string `mapstructure:"token"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("primary_interfaces", []string{"eth0", "wlan0"})
	v.SetDefault("secondary_interfaces", []string{"eth1", "usb0"})
	v.SetDefault("table.id", 101)
	v.SetDefault("table.name", "cellular")
	v.SetDefault("fwmark", 0x1)
	v.SetDefault("rule_priority", 1001)
	v.SetDefault("poll_interval", "30s")
	v.SetDefault("proxy_user", "proxy")
	v.SetDefault("backend", "auto")
	v.SetDefault("probe.targets", []string{"8.8.8.8", "1.1.1.1"})
	v.SetDefault("probe.timeout", "5s")
	v.SetDefault("probe.failure_threshold", 3)
	v.SetDefault("modem.port", "")
	v.SetDefault("modem.baud", 115200)
	v.SetDefault("dhcp.timeout", "15s")
	v.SetDefault("dhcp.fallback_gateway", "192.168.225.1")
	v.SetDefault("ppp.provider", "provider")
	v.SetDefault("ppp.dial_timeout", "30s")
	v.SetDefault("rotation.settle", "60s")
	v.SetDefault("rotation.max_attempts", 2)
	v.SetDefault("rotation.auto.enabled", false)
	v.SetDefault("rotation.auto.interval", "10m")
	v.SetDefault("retry.attempts", 3)
	v.SetDefault("retry.backoff", "2s")
	v.SetDefault("api.listen", "127.0.0.1:8088")
	v.SetDefault("api.token", "")
	v.SetDefault("state_dir", "/var/lib/uplinkd")
	v.SetDefault("trigger_file", "/run/uplinkd/rotate")
}

// Load reads the configuration at path. A missing file is not an error
// unless the path was explicitly requested (explicit = true).
func Load(path string, explicit bool) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetConfigFile(path)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); os.IsNotExist(statErr) && !explicit {
			// Defaults only.
		} else {
			return nil, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decoding config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// reservedTables are the kernel's own routing tables. Writing a default
// route into any of them would break the management path.
var reservedTables = map[int]string{
	0:   "unspec",
	253: "default",
	254: "main",
	255: "local",
}

// Validate enforces the invariants that guard the management path.
func (c *Config) Validate() error {
	if name, ok := reservedTables[c.Table.ID]; ok {
		return fmt.Errorf("table.id %d is the kernel %q table; pick a dedicated table id", c.Table.ID, name)
	}
	if c.Table.ID < 1 || c.Table.ID > 252 {
		return fmt.Errorf("table.id %d out of range [1,252]", c.Table.ID)
	}
	if c.FwMark == 0 {
		return fmt.Errorf("fwmark must be nonzero")
	}
	if c.ProxyUser == "" {
		return fmt.Errorf("proxy_user must be set")
	}
	if c.ProxyUser == "root" {
		// Marking all root-originated traffic would divert the
		// management SSH session along with it.
		return fmt.Errorf("proxy_user %q would mark administrative traffic; refusing", c.ProxyUser)
	}
	switch c.Backend {
	case "auto", "ppp", "dhcp", "vendor":
	default:
		return fmt.Errorf("unknown backend %q", c.Backend)
	}
	if len(c.Probe.Targets) == 0 {
		return fmt.Errorf("probe.targets must name at least one address")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be positive")
	}
	if c.Probe.FailureThreshold < 1 {
		return fmt.Errorf("probe.failure_threshold must be at least 1")
	}
	if c.Retry.Attempts < 1 {
		return fmt.Errorf("retry.attempts must be at least 1")
	}
	return nil
}

// IsPrimary reports whether name is one of the protected management
// interfaces.
func (c *Config) IsPrimary(name string) bool {
	for _, p := range c.PrimaryInterfaces {
		if p == name {
			return true
		}
	}
	return false
}
