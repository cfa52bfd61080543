package cmds

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"

	"github.com/go-go-golems/rtchat/pkg/conversation"
	"github.com/go-go-golems/rtchat/pkg/redisstream"
	"github.com/go-go-golems/rtchat/pkg/webchat"
)

const (
	envPrefix           = "RTCHAT"
	defaultSystemPrompt = "You are a helpful assistant."
)

type Settings struct {
	Addr          string               `mapstructure:"addr"`
	DefaultUserID string               `mapstructure:"default-user-id"`
	SystemPrompt  string               `mapstructure:"system-prompt"`
	Store         StoreSettings        `mapstructure:"store"`
	Backend       BackendSettings      `mapstructure:"backend"`
	Bus           redisstream.Settings `mapstructure:"bus"`
	Log           LogSettings          `mapstructure:"log"`
}

type StoreSettings struct {
	// Type is one of sqlite, redis or memory.
	Type        string `mapstructure:"type"`
	Path        string `mapstructure:"path"`
	RedisAddr   string `mapstructure:"redis-addr"`
	RedisPrefix string `mapstructure:"redis-prefix"`
}

type BackendSettings struct {
	// Type is one of openai, anthropic or echo.
	Type           string        `mapstructure:"type"`
	Model          string        `mapstructure:"model"`
	SummaryModel   string        `mapstructure:"summary-model"`
	APIKey         string        `mapstructure:"api-key"`
	BaseURL        string        `mapstructure:"base-url"`
	MaxTokens      int64         `mapstructure:"max-tokens"`
	Timeout        time.Duration `mapstructure:"timeout"`
	SummaryTimeout time.Duration `mapstructure:"summary-timeout"`
	TokenEncoding  string        `mapstructure:"token-encoding"`
}

type LogSettings struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	WithCaller bool   `mapstructure:"with-caller"`
}

func setDefaults(v *viper.Viper) {
	bus := redisstream.DefaultSettings()
	defaults := map[string]interface{}{
		"addr":                    ":8080",
		"default-user-id":         webchat.DefaultUserID,
		"system-prompt":           defaultSystemPrompt,
		"store.type":              "sqlite",
		"store.path":              defaultDBPath(),
		"store.redis-addr":        "localhost:6379",
		"store.redis-prefix":      "rtchat",
		"backend.type":            "echo",
		"backend.model":           "",
		"backend.summary-model":   "",
		"backend.api-key":         "",
		"backend.base-url":        "",
		"backend.max-tokens":      0,
		"backend.timeout":         2 * time.Minute,
		"backend.summary-timeout": time.Minute,
		"backend.token-encoding":  conversation.DefaultEncoding,
		"bus.enabled":             bus.Enabled,
		"bus.addr":                bus.Addr,
		"bus.group":               bus.Group,
		"bus.consumer":            bus.Consumer,
		"log.level":               "info",
		"log.format":              "auto",
		"log.with-caller":         false,
	}
	for k, val := range defaults {
		v.SetDefault(k, val)
	}
}

// newViper layers defaults, ~/.rtchat/config.yaml (or configFile) and
// RTCHAT_* environment variables. Flags are bound by the commands.
func newViper(configFile string) (*viper.Viper, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".rtchat"))
		}
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

func loadSettings(v *viper.Viper) (Settings, error) {
	var s Settings
	if err := v.Unmarshal(&s); err != nil {
		return Settings{}, errors.Wrap(err, "decode settings")
	}
	s.Store.Type = strings.ToLower(strings.TrimSpace(s.Store.Type))
	s.Backend.Type = strings.ToLower(strings.TrimSpace(s.Backend.Type))
	switch s.Store.Type {
	case "sqlite", "redis", "memory":
	default:
		return Settings{}, errors.Errorf("unknown store type %q (want sqlite, redis or memory)", s.Store.Type)
	}
	switch s.Backend.Type {
	case "openai", "anthropic", "echo":
	default:
		return Settings{}, errors.Errorf("unknown backend type %q (want openai, anthropic or echo)", s.Backend.Type)
	}
	return s, nil
}

func defaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "rtchat.db"
	}
	return filepath.Join(home, ".rtchat", "rtchat.db")
}
