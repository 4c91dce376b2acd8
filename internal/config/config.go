// Package config loads the emulator configuration from a YAML file and
// PUBSUBLITE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/fgrzl/pubsublite/pkg/api"
	"github.com/fgrzl/pubsublite/pkg/auth/jwtkit"
	"github.com/fgrzl/pubsublite/pkg/storage"
	"github.com/fgrzl/pubsublite/pkg/storage/azure"
	"github.com/fgrzl/pubsublite/pkg/storage/pebble"
	"github.com/spf13/viper"
)

const (
	BackendPebble = "pebble"
	BackendAzure  = "azure"
)

type GRPCConfig struct {
	ListenAddr string `mapstructure:"listen_addr"`
}

type WebSocketConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"` // e.g., 0.0.0.0:9090
}

type PebbleConfig struct {
	Path string `mapstructure:"path"`
}

type AzureConfig struct {
	Endpoint    string `mapstructure:"endpoint"`
	Prefix      string `mapstructure:"prefix"`
	AccountName string `mapstructure:"account_name"`
	AccountKey  string `mapstructure:"account_key"`
	// UseDefaultCredential authenticates with azidentity instead of a shared key.
	UseDefaultCredential bool `mapstructure:"use_default_credential"`
	AllowInsecureHTTP    bool `mapstructure:"allow_insecure_http"`
}

type StorageConfig struct {
	Backend string       `mapstructure:"backend"`
	Pebble  PebbleConfig `mapstructure:"pebble"`
	Azure   AzureConfig  `mapstructure:"azure"`
}

type AuthConfig struct {
	// Secret signs HS256 tokens; PublicKeyPath, a PEM file, verifies RS256 ones.
	Secret        string `mapstructure:"secret"`
	PublicKeyPath string `mapstructure:"public_key_path"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	NoColor bool   `mapstructure:"no_color"`
}

type Config struct {
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	WebSocket WebSocketConfig `mapstructure:"websocket"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	// Subscriptions maps subscription paths to the topic paths they read.
	Subscriptions map[string]string `mapstructure:"subscriptions"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("grpc.listen_addr", ":8085")
	v.SetDefault("websocket.enabled", false)
	v.SetDefault("websocket.listen_addr", ":8086")
	v.SetDefault("websocket.path", "/ws")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("storage.backend", BackendPebble)
	v.SetDefault("storage.pebble.path", "data")
	v.SetDefault("storage.azure.account_name", azure.AzuriteAccountName)
	v.SetDefault("storage.azure.account_key", azure.AzuriteAccountKey)
	v.SetDefault("log.level", "info")
}

// Load reads path, when set, over the defaults; PUBSUBLITE_GRPC_LISTEN_ADDR
// style environment variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix("pubsublite")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendPebble:
		if c.Storage.Pebble.Path == "" {
			errs = append(errs, errors.New("storage.pebble.path is required"))
		}
	case BackendAzure:
		if err := c.azureOptions().Validate(); err != nil {
			errs = append(errs, fmt.Errorf("storage.azure: %w", err))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be %q or %q, got %q", BackendPebble, BackendAzure, c.Storage.Backend))
	}
	if c.WebSocket.Enabled && c.Auth.Secret == "" && c.Auth.PublicKeyPath == "" {
		errs = append(errs, errors.New("websocket requires auth.secret or auth.public_key_path"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	for sub, topic := range c.Subscriptions {
		if _, err := api.ParseSubscriptionPath(sub); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions: %w", err))
		}
		if _, err := api.ParseTopicPath(topic); err != nil {
			errs = append(errs, fmt.Errorf("subscriptions[%s]: %w", sub, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) LogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level: %w", err)
	}
	return level, nil
}

// StoreFactory opens the configured storage backend.
func (c *Config) StoreFactory() (storage.StoreFactory, error) {
	switch c.Storage.Backend {
	case BackendAzure:
		return azure.NewStoreFactory(c.azureOptions())
	default:
		return pebble.NewStoreFactory(&pebble.PebbleStoreOptions{Path: c.Storage.Pebble.Path})
	}
}

// azureOptions keeps the account key out of the options when the default
// credential chain is selected, so the key defaults never conflict with it.
func (c *Config) azureOptions() *azure.AzureStoreOptions {
	options := &azure.AzureStoreOptions{
		Prefix:                    c.Storage.Azure.Prefix,
		Endpoint:                  c.Storage.Azure.Endpoint,
		UseDefaultAzureCredential: c.Storage.Azure.UseDefaultCredential,
		AllowInsecureHTTP:         c.Storage.Azure.AllowInsecureHTTP,
	}
	if !options.UseDefaultAzureCredential {
		options.AccountName = c.Storage.Azure.AccountName
		options.AccountKey = c.Storage.Azure.AccountKey
	}
	return options
}

// Validator builds the token validator for the websocket endpoint; a public
// key takes precedence over a shared secret.
func (c *Config) Validator() (jwtkit.Validator, error) {
	if c.Auth.PublicKeyPath != "" {
		key, err := jwtkit.LoadPublicKey(c.Auth.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("config: load public key: %w", err)
		}
		return &jwtkit.RSAValidator{PublicKey: key}, nil
	}
	if c.Auth.Secret != "" {
		return &jwtkit.HMAC256Validator{Secret: []byte(c.Auth.Secret)}, nil
	}
	return nil, errors.New("config: no token validator configured")
}
