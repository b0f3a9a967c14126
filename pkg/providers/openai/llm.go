package openai

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"

	goopenai "github.com/sashabaranov/go-openai"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/resilience"
	"github.com/harunnryd/voxbridge/pkg/video"
)

const DefaultModel = "gpt-4o-mini"

type Config struct {
	APIKey string
	Model  string
	// BaseURL selects an OpenAI-compatible server, e.g. the interpreter.
	BaseURL     string
	MaxTokens   int
	Temperature float32
	Logger      *slog.Logger
}

// Adapter is an llm.LLMAdapter over the chat completions API.
type Adapter struct {
	cfg    Config
	client *goopenai.Client
	log    *slog.Logger
}

func NewAdapter(cfg Config) *Adapter {
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	return &Adapter{
		cfg:    cfg,
		client: newClient(cfg.APIKey, cfg.BaseURL),
		log:    logging.NewComponentLogger(cfg.Logger, "openai_llm"),
	}
}

func newClient(apiKey, baseURL string) *goopenai.Client {
	cc := goopenai.DefaultConfig(apiKey)
	if baseURL != "" {
		cc.BaseURL = baseURL
	}
	return goopenai.NewClientWithConfig(cc)
}

func (a *Adapter) Name() string { return "openai" }

func (a *Adapter) Generate(ctx context.Context, input llm.ChatContext) (llm.Response, error) {
	req, err := a.request(input, false)
	if err != nil {
		return llm.Response{}, err
	}
	resp, err := a.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return llm.Response{}, classify(err)
	}
	if len(resp.Choices) == 0 {
		return llm.Response{}, errorsx.Newf(errorsx.ReasonLLMStream, "openai: no choices")
	}
	return llm.Response{
		Text:         resp.Choices[0].Message.Content,
		FinishReason: string(resp.Choices[0].FinishReason),
		Usage: llm.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (a *Adapter) Stream(ctx context.Context, input llm.ChatContext) (*llm.Stream, error) {
	req, err := a.request(input, true)
	if err != nil {
		return nil, err
	}
	stream, err := a.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	out := llm.NewStream(128)
	go func() {
		defer stream.Close()
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				out.Close(nil)
				return
			}
			if err != nil {
				if ctx.Err() != nil {
					out.Close(ctx.Err())
					return
				}
				a.log.Warn("openai_stream_error", slog.String("error", err.Error()))
				out.Close(classify(err))
				return
			}
			if len(chunk.Choices) == 0 {
				continue
			}
			text := chunk.Choices[0].Delta.Content
			if text == "" {
				continue
			}
			if !out.Send(ctx, text) {
				out.Close(ctx.Err())
				return
			}
		}
	}()
	return out, nil
}

func (a *Adapter) request(input llm.ChatContext, stream bool) (goopenai.ChatCompletionRequest, error) {
	msgs, err := ToMessages(input)
	if err != nil {
		return goopenai.ChatCompletionRequest{}, err
	}
	return goopenai.ChatCompletionRequest{
		Model:       a.cfg.Model,
		Messages:    msgs,
		MaxTokens:   a.cfg.MaxTokens,
		Temperature: a.cfg.Temperature,
		Stream:      stream,
	}, nil
}

// ToMessages maps a conversation to chat completion messages. Image entries
// become image_url parts carrying a JPEG data URL.
func ToMessages(input llm.ChatContext) ([]goopenai.ChatCompletionMessage, error) {
	src := input.Messages()
	out := make([]goopenai.ChatCompletionMessage, 0, len(src))
	for _, m := range src {
		frame, ok := m.Image()
		if !ok {
			out = append(out, goopenai.ChatCompletionMessage{Role: string(m.Role()), Content: m.Text()})
			continue
		}
		url, err := video.DataURL(frame)
		if err != nil {
			return nil, err
		}
		out = append(out, goopenai.ChatCompletionMessage{
			Role: string(m.Role()),
			MultiContent: []goopenai.ChatMessagePart{{
				Type:     goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{URL: url, Detail: goopenai.ImageURLDetailAuto},
			}},
		})
	}
	return out, nil
}

func classify(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode == http.StatusTooManyRequests {
		return resilience.RateLimitError{Provider: "openai", Message: reqErr.Error()}
	}
	return errorsx.Wrap(err, errorsx.ReasonLLMStream)
}

var _ llm.LLMAdapter = (*Adapter)(nil)
