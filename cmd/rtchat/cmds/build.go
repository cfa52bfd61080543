package cmds

import (
	"context"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/go-go-golems/rtchat/pkg/inference"
	"github.com/go-go-golems/rtchat/pkg/persistence/chatstore"
)

func openStore(ctx context.Context, s StoreSettings) (chatstore.Store, error) {
	switch s.Type {
	case "memory":
		return chatstore.NewInMemoryStore(), nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, errors.Wrapf(err, "connect to redis at %s", s.RedisAddr)
		}
		return chatstore.NewRedisStore(client, s.RedisPrefix)
	case "sqlite":
		if dir := filepath.Dir(s.Path); dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, errors.Wrap(err, "create database directory")
			}
		}
		dsn, err := chatstore.SQLiteDSNForFile(s.Path)
		if err != nil {
			return nil, err
		}
		return chatstore.NewSQLiteStore(dsn)
	default:
		return nil, errors.Errorf("unknown store type %q", s.Type)
	}
}

// buildBackend constructs the generation backend. model overrides s.Model
// when non-empty. Missing API keys fall back to the provider's usual
// environment variable.
func buildBackend(s BackendSettings, model string) (inference.Backend, error) {
	if model == "" {
		model = s.Model
	}
	switch s.Type {
	case "echo":
		return inference.NewEcho(), nil
	case "openai":
		key := s.APIKey
		if key == "" {
			key = os.Getenv("OPENAI_API_KEY")
		}
		return inference.NewOpenAI(inference.OpenAIConfig{APIKey: key, BaseURL: s.BaseURL, Model: model})
	case "anthropic":
		key := s.APIKey
		if key == "" {
			key = os.Getenv("ANTHROPIC_API_KEY")
		}
		return inference.NewAnthropic(inference.AnthropicConfig{
			APIKey:    key,
			BaseURL:   s.BaseURL,
			Model:     model,
			MaxTokens: s.MaxTokens,
		})
	default:
		return nil, errors.Errorf("unknown backend type %q", s.Type)
	}
}
