// Package anticipation asks a vision model whether the user's screen breaks
// a set of standing instructions and, when it does, prompts the agent to speak.
package anticipation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/harunnryd/voxbridge/pkg/errorsx"
	"github.com/harunnryd/voxbridge/pkg/frames"
	"github.com/harunnryd/voxbridge/pkg/llm"
	"github.com/harunnryd/voxbridge/pkg/logging"
	"github.com/harunnryd/voxbridge/pkg/metrics"
)

const (
	DefaultThreshold    = 7
	DefaultInstructions = "1. Ensure that the screenshot is NOT YOUTUBE or other video content"
)

const promptTemplate = `Given the conversation context and the current video frame, evaluate if any instructions have been violated.
Rate the severity of violation from 0-10, where 10 is most severe.

Instructions to check:
%s

Respond in the following JSON format:
{
    "violation_detected": boolean,
    "severity_rating": number,
    "violation_summary": string,
    "recommendations": string
}
`

// Result is the model's verdict for one frame.
type Result struct {
	ViolationDetected bool    `json:"violation_detected"`
	SeverityRating    float64 `json:"severity_rating"`
	ViolationSummary  string  `json:"violation_summary"`
	Recommendations   string  `json:"recommendations"`
}

// Injector receives the violation message. turn.Controller satisfies it.
type Injector interface {
	Inject(text string)
}

type Config struct {
	SessionID    string
	Instructions string
	Threshold    float64
	Logger       *slog.Logger
	Observer     metrics.Observer
}

type Checker struct {
	model        llm.LLMAdapter
	injector     Injector
	instructions string
	threshold    float64
	session      string
	log          *slog.Logger
	obs          metrics.Observer
}

func NewChecker(cfg Config, model llm.LLMAdapter, injector Injector) *Checker {
	if strings.TrimSpace(cfg.Instructions) == "" {
		cfg.Instructions = DefaultInstructions
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	return &Checker{
		model:        model,
		injector:     injector,
		instructions: cfg.Instructions,
		threshold:    cfg.Threshold,
		session:      cfg.SessionID,
		log:          logging.NewComponentLogger(cfg.Logger, "anticipation").With(slog.String("session", cfg.SessionID)),
		obs:          cfg.Observer,
	}
}

// CheckInstructions evaluates the frame and injects a message for severe
// violations. Model or parse failures count as no violation.
func (c *Checker) CheckInstructions(ctx context.Context, frame frames.VideoFrame) error {
	res := c.Evaluate(ctx, frame)
	c.log.Debug("instruction_check_result",
		slog.Bool("violation", res.ViolationDetected),
		slog.Float64("severity", res.SeverityRating),
	)
	if !res.ViolationDetected || res.SeverityRating < c.threshold {
		return nil
	}
	c.log.Info("instruction_violation", slog.Float64("severity", res.SeverityRating), slog.String("summary", res.ViolationSummary))
	metrics.Record(c.obs, metrics.EventViolation, map[string]string{"session": c.session, "component": "anticipation"}, map[string]any{
		"severity": res.SeverityRating,
		"summary":  res.ViolationSummary,
	})
	if c.injector != nil {
		c.injector.Inject(ViolationMessage(res))
	}
	return nil
}

// Evaluate never fails; errors are logged and yield the zero Result.
func (c *Checker) Evaluate(ctx context.Context, frame frames.VideoFrame) Result {
	if c.model == nil {
		return Result{}
	}
	chat := llm.NewChatContext("")
	_ = chat.Append(llm.TextMessage(llm.RoleUser, fmt.Sprintf(promptTemplate, c.instructions)))
	_ = chat.Append(llm.ImageMessage(llm.RoleUser, frame))

	resp, err := c.model.Generate(ctx, chat)
	if err != nil {
		c.log.Warn("instruction_check_failed", slog.Any("error", errorsx.Wrap(err, errorsx.ReasonInstructionCheck)))
		return Result{}
	}
	res, err := ParseResult(resp.Text)
	if err != nil {
		c.log.Warn("instruction_check_unparsed", slog.Any("error", err))
		return Result{}
	}
	return res
}

// ParseResult reads the model's JSON, tolerating code fences and prose
// around the object.
func ParseResult(text string) (Result, error) {
	var res Result
	body := cleanJSON(text)
	if body == "" {
		return res, errorsx.Newf(errorsx.ReasonInstructionCheck, "empty instruction check response")
	}
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return Result{}, errorsx.Wrap(fmt.Errorf("decode instruction check: %w", err), errorsx.ReasonInstructionCheck)
	}
	return res, nil
}

func ViolationMessage(res Result) string {
	return fmt.Sprintf("Safety violation detected: %s\nRecommendations: %s", res.ViolationSummary, res.Recommendations)
}

func cleanJSON(text string) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return text
	}
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```json")
		text = strings.TrimPrefix(text, "```")
		text = strings.TrimSuffix(text, "```")
		text = strings.TrimSpace(text)
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		return text[start : end+1]
	}
	return text
}
