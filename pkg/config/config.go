package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "k2gated.toml"

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

// Config is the immutable runtime configuration handed to the pool, the
// refresher and the server at construction time.
type Config struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`

	ValidAPIKey    string `toml:"valid_api_key"`
	AllowAnyAPIKey bool   `toml:"allow_any_api_key"`

	// The login token is returned in the Set-Cookie "token" cookie of the
	// signin response (JSON body "token" is accepted as a fallback).
	UpstreamChatURL  string `toml:"upstream_chat_url"`
	UpstreamLoginURL string `toml:"upstream_login_url"`
	UpstreamModelID  string `toml:"upstream_model_id"`
	ModelOwner       string `toml:"model_owner"`
	ModelOverride    bool   `toml:"model_override"`

	TokensFile                 string `toml:"tokens_file"`
	AccountsFile               string `toml:"accounts_file"`
	MaxTokenFailures           int    `toml:"max_token_failures"`
	EnableTokenAutoUpdate      bool   `toml:"enable_token_auto_update"`
	TokenUpdateIntervalSeconds int    `toml:"token_update_interval_seconds"`

	ToolSupport    bool `toml:"tool_support"`
	ScanLimit      int  `toml:"scan_limit"`
	OutputThinking bool `toml:"output_thinking"`

	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
	ConnectTimeoutSeconds int `toml:"connect_timeout_seconds"`
	LoginTimeoutSeconds   int `toml:"login_timeout_seconds"`

	DebugLogging bool   `toml:"debug_logging"`
	LogLevel     string `toml:"log_level"`

	TLS TLSConfig `toml:"tls"`
}

func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "k2gate", defaultConfigFileName)
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "k2gate", "tls-autocert")
}

func NewDefaultConfig() *Config {
	return &Config{
		Host:                       "0.0.0.0",
		Port:                       8001,
		AllowAnyAPIKey:             true,
		UpstreamChatURL:            "https://www.k2think.ai/api/chat/completions",
		UpstreamLoginURL:           "https://www.k2think.ai/api/v1/auths/signin",
		UpstreamModelID:            "MBZUAI-IFM/K2-Think",
		ModelOwner:                 "MBZUAI",
		ModelOverride:              true,
		TokensFile:                 "tokens.txt",
		AccountsFile:               "accounts.txt",
		MaxTokenFailures:           3,
		TokenUpdateIntervalSeconds: 3600,
		ToolSupport:                true,
		ScanLimit:                  200000,
		OutputThinking:             true,
		RequestTimeoutSeconds:      120,
		ConnectTimeoutSeconds:      10,
		LoginTimeoutSeconds:        30,
		LogLevel:                   "info",
		TLS: TLSConfig{
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func Load(path string) (*Config, error) {
	cfg := NewDefaultConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrCreate writes a default config file if none exists at path.
func LoadOrCreate(path string) (*Config, error) {
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		cfg := NewDefaultConfig()
		if err := Save(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		return cfg, nil
	}
	return Load(path)
}

func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (c *Config) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) Normalize() {
	c.Host = strings.TrimSpace(c.Host)
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	c.ValidAPIKey = strings.TrimSpace(c.ValidAPIKey)
	c.UpstreamChatURL = strings.TrimSpace(c.UpstreamChatURL)
	c.UpstreamLoginURL = strings.TrimSpace(c.UpstreamLoginURL)
	c.UpstreamModelID = strings.TrimSpace(c.UpstreamModelID)
	c.ModelOwner = strings.TrimSpace(c.ModelOwner)
	if c.ModelOwner == "" {
		c.ModelOwner = "MBZUAI"
	}
	c.TokensFile = strings.TrimSpace(c.TokensFile)
	c.AccountsFile = strings.TrimSpace(c.AccountsFile)
	if c.MaxTokenFailures <= 0 {
		c.MaxTokenFailures = 3
	}
	if c.TokenUpdateIntervalSeconds <= 0 {
		c.TokenUpdateIntervalSeconds = 3600
	}
	if c.ScanLimit <= 0 {
		c.ScanLimit = 200000
	}
	if c.RequestTimeoutSeconds <= 0 {
		c.RequestTimeoutSeconds = 120
	}
	if c.ConnectTimeoutSeconds <= 0 {
		c.ConnectTimeoutSeconds = 10
	}
	if c.LoginTimeoutSeconds <= 0 {
		c.LoginTimeoutSeconds = 30
	}
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.DebugLogging {
		c.LogLevel = "debug"
	}
	c.TLS.Domain = strings.TrimSpace(c.TLS.Domain)
	c.TLS.Email = strings.TrimSpace(c.TLS.Email)
	c.TLS.CacheDir = strings.TrimSpace(c.TLS.CacheDir)
	if c.TLS.CacheDir == "" {
		c.TLS.CacheDir = DefaultTLSCacheDir()
	}
}

func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d out of range (1-65535)", c.Port)
	}
	if c.UpstreamChatURL == "" {
		return errors.New("upstream_chat_url is required")
	}
	if c.UpstreamModelID == "" {
		return errors.New("upstream_model_id is required")
	}
	if c.TokensFile == "" {
		return errors.New("tokens_file is required")
	}
	if c.EnableTokenAutoUpdate {
		if c.UpstreamLoginURL == "" {
			return errors.New("upstream_login_url is required when enable_token_auto_update=true")
		}
		if c.AccountsFile == "" {
			return errors.New("accounts_file is required when enable_token_auto_update=true")
		}
	}
	if !c.AllowAnyAPIKey && c.ValidAPIKey == "" {
		return errors.New("valid_api_key is required unless allow_any_api_key=true")
	}
	if c.TLS.Enabled && c.TLS.Domain == "" {
		return errors.New("tls.domain is required when tls.enabled=true")
	}
	return nil
}
