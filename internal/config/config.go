// Package config loads the trader configuration from a yaml file with
// environment overrides for credentials.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	// Credentials. Password comes from the environment, never the yaml file.
	AccountName string `yaml:"account_name"`
	Password    string `yaml:"-"`

	// maFile with the authenticator secrets. When VaultPassphrase is set the
	// file is an encrypted vault.
	MaFilePath      string `yaml:"mafile_path"`
	VaultPassphrase string `yaml:"-"`

	// Steam Web API key for IEconService calls.
	APIKey string `yaml:"api_key"`

	CommunityURL string `yaml:"community_url"`
	WebAPIURL    string `yaml:"webapi_url"`

	PollInterval  time.Duration `yaml:"poll_interval"`
	OfferDeadline time.Duration `yaml:"offer_deadline"`

	MaxAttempts int           `yaml:"max_attempts"`
	BackoffMin  time.Duration `yaml:"backoff_min"`
	BackoffMax  time.Duration `yaml:"backoff_max"`

	// AutoAcceptGiveNothing accepts any confirmation for an offer in which we
	// give no items. Everything else is deferred for review unless resolved
	// by a caller-supplied policy.
	AutoAcceptGiveNothing bool `yaml:"auto_accept_give_nothing"`

	ReviewAddr   string `yaml:"review_addr"`
	EventLogPath string `yaml:"event_log"`
}

// MinPollInterval is the floor enforced on PollInterval. Polling faster gets
// the session rate limited.
const MinPollInterval = 10 * time.Second

func (c Config) WithDefaults() Config {
	if c.CommunityURL == "" {
		c.CommunityURL = "https://steamcommunity.com"
	}
	if c.WebAPIURL == "" {
		c.WebAPIURL = "https://api.steampowered.com"
	}
	if c.PollInterval < MinPollInterval {
		c.PollInterval = MinPollInterval
	}
	if c.OfferDeadline <= 0 {
		c.OfferDeadline = 10 * time.Minute
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.BackoffMin <= 0 {
		c.BackoffMin = time.Second
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = 30 * time.Second
	}
	return c
}

// LoadEnv reads a .env file when present. A missing file is not an error.
func LoadEnv() error {
	if err := godotenv.Load(); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Load parses the yaml file at path, then applies environment overrides and
// defaults. An empty path yields a default config driven by the environment.
func Load(path string) (Config, error) {
	var c Config
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	if v := os.Getenv("STEAM_ACCOUNT_NAME"); v != "" {
		c.AccountName = v
	}
	c.Password = os.Getenv("STEAM_PASSWORD")
	c.VaultPassphrase = os.Getenv("MAFILE_PASSPHRASE")
	if v := os.Getenv("STEAM_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("MAFILE_PATH"); v != "" {
		c.MaFilePath = v
	}

	return c.WithDefaults(), nil
}

// Validate checks the fields required to start trading.
func (c Config) Validate() error {
	if c.AccountName == "" {
		return fmt.Errorf("config: account name required (account_name or STEAM_ACCOUNT_NAME)")
	}
	if c.Password == "" {
		return fmt.Errorf("config: STEAM_PASSWORD required")
	}
	if c.MaFilePath == "" {
		return fmt.Errorf("config: mafile_path required")
	}
	return nil
}
