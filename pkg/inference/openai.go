package inference

import (
	"context"
	"iter"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/pkg/errors"

	"github.com/go-go-golems/rtchat/pkg/conversation"
)

const DefaultOpenAIModel = "gpt-4o-mini"

type OpenAIConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// OpenAI streams chat completions from any OpenAI-compatible endpoint.
type OpenAI struct {
	client openai.Client
	model  string
}

var _ Backend = &OpenAI{}

func NewOpenAI(cfg OpenAIConfig, extra ...option.RequestOption) (*OpenAI, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("openai: api key is empty")
	}
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	opts = append(opts, extra...)
	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}
	return &OpenAI{client: openai.NewClient(opts...), model: model}, nil
}

func (o *OpenAI) Name() string { return "openai" }

func (o *OpenAI) Stream(ctx context.Context, msgs []conversation.Message) iter.Seq2[string, error] {
	params := o.params(msgs)
	return singleUse(o.Name(), func(yield func(string, error) bool) {
		stream := o.client.Chat.Completions.NewStreaming(ctx, params)
		defer func() { _ = stream.Close() }()

		for stream.Next() {
			chunk := stream.Current()
			if len(chunk.Choices) == 0 {
				continue
			}
			if text := chunk.Choices[0].Delta.Content; text != "" {
				if !yield(text, nil) {
					return
				}
			}
		}
		if err := stream.Err(); err != nil {
			yield("", generationError(o.Name(), err))
		}
	})
}

func (o *OpenAI) Complete(ctx context.Context, msgs []conversation.Message) (string, error) {
	resp, err := o.client.Chat.Completions.New(ctx, o.params(msgs))
	if err != nil {
		return "", generationError(o.Name(), err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return "", generationError(o.Name(), ErrEmptyCompletion)
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) params(msgs []conversation.Message) openai.ChatCompletionNewParams {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case conversation.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case conversation.RoleUser:
			out = append(out, openai.UserMessage(m.Content))
		case conversation.RoleAssistant:
			out = append(out, openai.ChatCompletionMessageParamUnion{
				OfAssistant: &openai.ChatCompletionAssistantMessageParam{
					Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.Content)},
				},
			})
		}
	}
	return openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(o.model),
		Messages: out,
	}
}
