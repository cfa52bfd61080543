package cmds

import (
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/rtchat/pkg/conversation"
	"github.com/go-go-golems/rtchat/pkg/inference"
	"github.com/go-go-golems/rtchat/pkg/redisstream"
	"github.com/go-go-golems/rtchat/pkg/summarizer"
	"github.com/go-go-golems/rtchat/pkg/webchat"
)

func newServeCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve chat sessions on /ws/session/{session_id}",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, a.settings)
		},
	}
	f := cmd.Flags()
	f.String("addr", ":8080", "HTTP listen address")
	f.String("user-id", webchat.DefaultUserID, "user id recorded when the client sends none")
	f.String("system-prompt", defaultSystemPrompt, "system prompt seeding every conversation")
	f.String("backend", "echo", "generation backend (openai, anthropic, echo)")
	f.String("model", "", "model for streamed replies")
	f.String("summary-model", "", "model for session summaries (defaults to --model)")
	f.String("base-url", "", "override the backend API base URL")
	f.Duration("timeout", 0, "per-reply generation timeout")
	f.Duration("summary-timeout", 0, "session summary timeout")
	f.Bool("bus", false, "publish session notifications to redis streams")
	f.String("bus-addr", "", "redis address for the notification bus")
	return cmd
}

func runServe(cmd *cobra.Command, s Settings) error {
	ctx := cmd.Context()

	store, err := openStore(ctx, s.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("store close error")
		}
	}()

	backend, err := buildBackend(s.Backend, "")
	if err != nil {
		return err
	}
	summaryBackend := backend
	if s.Backend.SummaryModel != "" && s.Backend.SummaryModel != s.Backend.Model {
		if summaryBackend, err = buildBackend(s.Backend, s.Backend.SummaryModel); err != nil {
			return err
		}
	}

	sum, err := summarizer.New(store, store, summaryBackend, summarizer.WithTimeout(s.Backend.SummaryTimeout))
	if err != nil {
		return err
	}

	counter, err := conversation.NewTokenCounter(s.Backend.TokenEncoding)
	if err != nil {
		log.Warn().Err(err).Msg("token counting disabled")
	}

	bus, err := redisstream.Build(s.Bus)
	if err != nil {
		return err
	}
	bus.AddConsumer("session-log", redisstream.LogConsumer)

	handler, err := webchat.NewHandler(webchat.HandlerConfig{
		Store:        store,
		Source:       inference.WithTimeout(backend, s.Backend.Timeout),
		Summarizer:   sum,
		Notifier:     bus,
		SystemPrompt: s.SystemPrompt,
		TokenCounter: counter,
	})
	if err != nil {
		return err
	}
	srv, err := webchat.NewServer(ctx, webchat.ServerConfig{
		Addr:          s.Addr,
		DefaultUserID: s.DefaultUserID,
	}, handler, store, bus)
	if err != nil {
		return err
	}

	log.Info().
		Str("store", s.Store.Type).
		Str("backend", backend.Name()).
		Bool("bus", s.Bus.Enabled).
		Msg("rtchat configured")
	return srv.Run(ctx)
}
