// Package common provides configuration and key handling shared by the
// coordinator commands.
package common

import (
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/flashbots/secagg/api/httpserver"
	logging "github.com/flashbots/secagg/common"
	"github.com/flashbots/secagg/crypto"
	"github.com/flashbots/secagg/protocol"
	"github.com/flashbots/secagg/store"
	"gopkg.in/yaml.v3"
)

// Config is the YAML configuration of the coordinator.
type Config struct {
	HTTPAddr    string   `yaml:"http_addr"`
	MetricsAddr string   `yaml:"metrics_addr"`
	EnablePprof bool     `yaml:"enable_pprof"`
	CORSOrigins []string `yaml:"cors_origins"`

	// MaxMessageSize bounds participant message bodies in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	DrainDuration            time.Duration `yaml:"drain_duration"`
	GracefulShutdownDuration time.Duration `yaml:"graceful_shutdown_duration"`
	ReadTimeout              time.Duration `yaml:"read_timeout"`
	WriteTimeout             time.Duration `yaml:"write_timeout"`

	Log logging.LoggingOpts `yaml:"log"`

	Keys struct {
		// SigningKey is a hex Ed25519 private key. A key is generated on
		// every start when empty.
		SigningKey string `yaml:"signing_key"`
	} `yaml:"keys"`

	// InstanceID is written as owner of round records. Random when empty.
	InstanceID string `yaml:"instance_id"`

	// InitialModel is served until the first round completes.
	InitialModel []float64 `yaml:"initial_model"`

	Protocol protocol.Config `yaml:"protocol"`
	Store    store.Config    `yaml:"store"`
}

// DefaultConfig returns the configuration used for fields a file omits.
func DefaultConfig() *Config {
	return &Config{
		HTTPAddr:                 ":8080",
		MetricsAddr:              ":8090",
		DrainDuration:            5 * time.Second,
		GracefulShutdownDuration: 10 * time.Second,
		ReadTimeout:              30 * time.Second,
		WriteTimeout:             30 * time.Second,
		Log: logging.LoggingOpts{
			Level:   "info",
			Service: "coordinator",
		},
		Protocol: protocol.DefaultConfig(),
		Store:    store.Config{Type: store.TypeMemory},
	}
}

// LoadConfig reads a YAML file on top of DefaultConfig.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses YAML on top of DefaultConfig.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// Validate checks the configuration before anything is started.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("http_addr is required")
	}
	if err := c.Protocol.Validate(); err != nil {
		return fmt.Errorf("protocol: %w", err)
	}
	if n := len(c.InitialModel); n != 0 && n != int(c.Protocol.ModelLength) {
		return fmt.Errorf("initial_model has %d weights, model_length is %d", n, c.Protocol.ModelLength)
	}
	switch c.Store.Type {
	case store.TypeMemory, store.TypePostgres, "":
	default:
		return fmt.Errorf("unknown store type %q", c.Store.Type)
	}
	return nil
}

// HTTPServerConfig derives the HTTP server settings.
func (c *Config) HTTPServerConfig() *httpserver.HTTPServerConfig {
	return &httpserver.HTTPServerConfig{
		ListenAddr:               c.HTTPAddr,
		MetricsAddr:              c.MetricsAddr,
		EnablePprof:              c.EnablePprof,
		CORSOrigins:              c.CORSOrigins,
		DrainDuration:            c.DrainDuration,
		GracefulShutdownDuration: c.GracefulShutdownDuration,
		ReadTimeout:              c.ReadTimeout,
		WriteTimeout:             c.WriteTimeout,
	}
}

// LoadOrGenerateSigningKey loads an Ed25519 private key from a hex string,
// or generates a new key pair if hexKey is empty.
func LoadOrGenerateSigningKey(hexKey string) (crypto.PrivateKey, error) {
	if hexKey != "" {
		keyBytes, err := hex.DecodeString(hexKey)
		if err != nil {
			return nil, fmt.Errorf("invalid hex: %w", err)
		}
		sk := crypto.NewPrivateKeyFromBytes(keyBytes)
		if _, err := sk.PublicKey(); err != nil {
			return nil, err
		}
		return sk, nil
	}
	_, privKey, err := crypto.GenerateKeyPair()
	return privKey, err
}
