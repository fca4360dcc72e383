// Package config loads node settings from defaults, a YAML file, a .env
// file and NP_* environment variables, in that order.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/VanDung-dev/Neuropil-Engine/logging"
	"github.com/VanDung-dev/Neuropil-Engine/network"
)

// EnvPrefix prefixes every environment variable read by Load.
const EnvPrefix = "NP_"

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// NodeConfig contains the settings of one node.
type NodeConfig struct {
	Host    string `yaml:"host" json:"host"`
	Proto   string `yaml:"proto" json:"proto"`
	Port    int    `yaml:"port" json:"port"`
	Threads int    `yaml:"threads" json:"threads"`

	LogFile  string `yaml:"log_file" json:"log_file,omitempty"`
	LogLevel string `yaml:"log_level" json:"log_level"`

	// Realm is stamped into the node identity token.
	Realm string `yaml:"realm" json:"realm,omitempty"`
	// IdentityFile is loaded when present and created otherwise. Empty
	// means a fresh identity per run.
	IdentityFile string `yaml:"identity_file" json:"identity_file,omitempty"`

	// Join lists node addresses to join after start.
	Join []string `yaml:"join" json:"join,omitempty"`

	ControlAddr string `yaml:"control_addr" json:"control_addr,omitempty"`
	MetricsAddr string `yaml:"metrics_addr" json:"metrics_addr,omitempty"`
	AuthEnabled bool   `yaml:"auth_enabled" json:"auth_enabled"`
	AuthToken   string `yaml:"auth_token" json:"-"`

	LedgerFile string `yaml:"ledger_file" json:"ledger_file,omitempty"`
	// LedgerAddr serves the ledger as Arrow IPC over TCP.
	LedgerAddr string `yaml:"ledger_addr" json:"ledger_addr,omitempty"`

	AckTimeout time.Duration `yaml:"ack_timeout" json:"ack_timeout"`
}

// DefaultNodeConfig returns the default node settings.
func DefaultNodeConfig() NodeConfig {
	return NodeConfig{
		Host:       "localhost",
		Proto:      string(network.ProtoTCP4),
		Port:       3141,
		Threads:    3,
		LogLevel:   "info",
		AckTimeout: time.Second,
	}
}

// Address returns the listen address without fingerprint.
func (c NodeConfig) Address() network.Address {
	return network.Address{Proto: network.Proto(c.Proto), Host: c.Host, Port: c.Port}
}

// Validate checks the settings for obvious mistakes.
func (c NodeConfig) Validate() error {
	if c.Port < 0 || c.Port > 65535 {
		return fmt.Errorf("%w: port %d out of range", ErrInvalidConfig, c.Port)
	}
	if c.Threads < 1 {
		return fmt.Errorf("%w: threads must be at least 1", ErrInvalidConfig)
	}
	if strings.TrimSpace(c.Host) == "" {
		return fmt.Errorf("%w: host is empty", ErrInvalidConfig)
	}
	p, err := network.ParseProto(c.Proto)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if !p.Supported() {
		return fmt.Errorf("%w: protocol %s has no transport", ErrInvalidConfig, p)
	}
	if _, err := logging.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if c.AuthEnabled && c.AuthToken == "" {
		return fmt.Errorf("%w: auth enabled without token", ErrInvalidConfig)
	}
	for _, j := range c.Join {
		if _, err := network.ParseAddress(j); err != nil {
			return fmt.Errorf("%w: join %q: %v", ErrInvalidConfig, j, err)
		}
	}
	return nil
}

// LoadOptions names the optional sources read by Load.
type LoadOptions struct {
	// File is a YAML config file. Empty skips it.
	File string
	// EnvFile is a dotenv file. Empty skips it; a missing file is an error.
	EnvFile string
}

// Load builds a config from defaults, the YAML file, the dotenv file and
// the environment. Flags are applied by the caller afterwards.
func Load(opts LoadOptions) (NodeConfig, error) {
	cfg := DefaultNodeConfig()

	if opts.File != "" {
		if err := loadYAML(opts.File, &cfg); err != nil {
			return cfg, err
		}
	}
	if opts.EnvFile != "" {
		// existing environment variables win over the file
		if err := godotenv.Load(opts.EnvFile); err != nil {
			return cfg, fmt.Errorf("failed to load env file: %w", err)
		}
	}
	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, cfg *NodeConfig) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	decoder := yaml.NewDecoder(bytes.NewReader(raw))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(cfg); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

type lookupFunc func(string) (string, bool)

func applyEnv(cfg *NodeConfig, lookup lookupFunc) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q", ErrInvalidConfig, EnvPrefix, name, v)
		}
		*dst = n
		return nil
	}

	str("HOST", &cfg.Host)
	str("PROTO", &cfg.Proto)
	str("LOG_FILE", &cfg.LogFile)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("REALM", &cfg.Realm)
	str("IDENTITY_FILE", &cfg.IdentityFile)
	str("CONTROL_ADDR", &cfg.ControlAddr)
	str("METRICS_ADDR", &cfg.MetricsAddr)
	str("AUTH_TOKEN", &cfg.AuthToken)
	str("LEDGER_FILE", &cfg.LedgerFile)
	str("LEDGER_ADDR", &cfg.LedgerAddr)

	if err := integer("PORT", &cfg.Port); err != nil {
		return err
	}
	if err := integer("THREADS", &cfg.Threads); err != nil {
		return err
	}
	if v, ok := lookup(EnvPrefix + "AUTH_ENABLED"); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: %sAUTH_ENABLED=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		cfg.AuthEnabled = b
	}
	if v, ok := lookup(EnvPrefix + "JOIN"); ok && v != "" {
		cfg.Join = strings.Split(v, ",")
	}
	if v, ok := lookup(EnvPrefix + "ACK_TIMEOUT"); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %sACK_TIMEOUT=%q", ErrInvalidConfig, EnvPrefix, v)
		}
		cfg.AckTimeout = d
	}
	return nil
}
