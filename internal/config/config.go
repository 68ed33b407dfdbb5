package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config is the client configuration. Values come from client.yaml, then
// SHUFFLELINK_* environment variables, then command line flags.
type Config struct {
	Server    string `yaml:"server" env:"SHUFFLELINK_SERVER"`
	Slot      string `yaml:"slot" env:"SHUFFLELINK_SLOT"`
	Password  string `yaml:"password" env:"SHUFFLELINK_PASSWORD"`
	DeathLink bool   `yaml:"deathlink" env:"SHUFFLELINK_DEATHLINK"`

	// Save names the local save file the session is bound to.
	Save string `yaml:"save" env:"SHUFFLELINK_SAVE"`

	DataDir      string `yaml:"data_dir" env:"SHUFFLELINK_DATA_DIR"`
	CatalogDir   string `yaml:"catalog_dir" env:"SHUFFLELINK_CATALOG_DIR"`
	FlagsetsPath string `yaml:"flagsets" env:"SHUFFLELINK_FLAGSETS"`
	DBPath       string `yaml:"db" env:"SHUFFLELINK_DB"`
	JournalDir   string `yaml:"journal_dir" env:"SHUFFLELINK_JOURNAL_DIR"`
	ProfilesPath string `yaml:"profiles" env:"SHUFFLELINK_PROFILES"`

	HandshakeTimeoutMs int `yaml:"handshake_timeout_ms" env:"SHUFFLELINK_HANDSHAKE_TIMEOUT_MS"`

	OtelEndpoint string `yaml:"otel_endpoint" env:"SHUFFLELINK_OTEL_ENDPOINT"`
}

func Defaults() Config {
	return Config{
		Save:               "save0",
		DataDir:            "data",
		CatalogDir:         "configs",
		FlagsetsPath:       filepath.Join("configs", "flagsets.yaml"),
		HandshakeTimeoutMs: 10_000,
	}
}

// Load reads path over Defaults and applies env overrides. A missing file is
// not an error.
func Load(path string) (Config, error) {
	c := Defaults()
	if path != "" {
		raw, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return c, err
		default:
			if err := yaml.Unmarshal(raw, &c); err != nil {
				return c, fmt.Errorf("client.yaml: %w", err)
			}
		}
	}
	if err := env.Parse(&c); err != nil {
		return c, fmt.Errorf("parse env: %w", err)
	}
	c.Resolve()
	return c, c.Validate()
}

// Resolve fills runtime paths left empty from DataDir.
func (c *Config) Resolve() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "progress.db")
	}
	if c.JournalDir == "" {
		c.JournalDir = filepath.Join(c.DataDir, "journal")
	}
	if c.ProfilesPath == "" {
		c.ProfilesPath = filepath.Join(c.DataDir, "profiles.json")
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Save) == "" {
		return fmt.Errorf("client.yaml: save must be set")
	}
	if c.CatalogDir == "" {
		return fmt.Errorf("client.yaml: catalog_dir must be set")
	}
	if c.HandshakeTimeoutMs < 0 {
		return fmt.Errorf("client.yaml: handshake_timeout_ms must be >= 0")
	}
	return nil
}

func (c Config) HandshakeTimeout() time.Duration {
	return time.Duration(c.HandshakeTimeoutMs) * time.Millisecond
}
