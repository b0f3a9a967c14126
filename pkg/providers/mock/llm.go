package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/harunnryd/voxbridge/pkg/llm"
)

type LLMAdapter struct {
	cfg LLMConfig

	mu     sync.Mutex
	inputs []llm.ChatContext
}

type LLMConfig struct {
	ResponseText string
	StreamChunks []string
	Err          error
	// StreamErr ends the stream after its chunks, as a dropped connection would.
	StreamErr error
}

func NewLLMAdapter(cfg LLMConfig) *LLMAdapter {
	if cfg.ResponseText == "" && len(cfg.StreamChunks) == 0 {
		cfg.ResponseText = "mock response"
	}
	return &LLMAdapter{cfg: cfg}
}

func (a *LLMAdapter) Name() string { return "mock_llm" }

func (a *LLMAdapter) Generate(ctx context.Context, input llm.ChatContext) (llm.Response, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return llm.Response{}, a.cfg.Err
	}
	text := a.cfg.ResponseText
	if len(a.cfg.StreamChunks) > 0 {
		text = strings.Join(a.cfg.StreamChunks, "")
	}
	return llm.Response{Text: text, FinishReason: "stop"}, nil
}

func (a *LLMAdapter) Stream(ctx context.Context, input llm.ChatContext) (*llm.Stream, error) {
	a.record(input)
	if a.cfg.Err != nil {
		return nil, a.cfg.Err
	}
	chunks := a.cfg.StreamChunks
	if len(chunks) == 0 {
		chunks = []string{a.cfg.ResponseText}
	}
	out := llm.NewStream(len(chunks))
	for _, chunk := range chunks {
		out.Send(ctx, chunk)
	}
	out.Close(a.cfg.StreamErr)
	return out, nil
}

// Inputs returns every context the adapter was called with.
func (a *LLMAdapter) Inputs() []llm.ChatContext {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]llm.ChatContext(nil), a.inputs...)
}

func (a *LLMAdapter) record(in llm.ChatContext) {
	a.mu.Lock()
	a.inputs = append(a.inputs, in.Copy())
	a.mu.Unlock()
}

var _ llm.LLMAdapter = (*LLMAdapter)(nil)
