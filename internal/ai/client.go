package ai

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
)

var ErrUnavailable = errors.New("generation client unavailable")

type TokenUsage struct {
	InputTokens  int
	OutputTokens int
	TotalTokens  int
}

// ContextMessage is one prior turn of the conversation transcript.
type ContextMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type Request struct {
	Model       string
	Prompt      string
	MessageText string
	Context     []ContextMessage
	User        string
	// ContinuationToken resumes a prior provider-side conversation
	// without re-sending full history.
	ContinuationToken string
	Temperature       float64
	MaxOutputTokens   int
}

type Result struct {
	Text           string
	ModelID        string
	Usage          TokenUsage
	Price          float64
	ContinuationID string
	// Raw is the provider's final response payload, stored verbatim
	// for audit and never parsed downstream.
	Raw json.RawMessage
}

// Generator produces reply text, either streamed chunk by chunk or in
// one blocking call for paths that need no incremental delivery.
type Generator interface {
	StreamAnswer(ctx context.Context, request Request, onChunk func(delta string)) (Result, error)
	GetAnswer(ctx context.Context, request Request) (Result, error)
	Available() bool
}

// modelRates holds USD cost per million tokens. Unknown models fall
// back to the default row.
type modelRate struct {
	input  float64
	output float64
}

var modelRates = map[string]modelRate{
	"gpt-4.1":      {input: 2.00, output: 8.00},
	"gpt-4.1-mini": {input: 0.40, output: 1.60},
	"gpt-4.1-nano": {input: 0.10, output: 0.40},
	"gpt-4o":       {input: 2.50, output: 10.00},
	"gpt-4o-mini":  {input: 0.15, output: 0.60},
}

var defaultRate = modelRate{input: 1.00, output: 4.00}

// priceFor estimates the call cost in USD from reported usage.
func priceFor(model string, usage TokenUsage) float64 {
	rate, ok := modelRates[strings.ToLower(strings.TrimSpace(model))]
	if !ok {
		rate = defaultRate
	}
	return float64(usage.InputTokens)/1e6*rate.input + float64(usage.OutputTokens)/1e6*rate.output
}
