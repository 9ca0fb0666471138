package ai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"
)

type OpenAIClientConfig struct {
	APIKey       string
	BaseURL      string
	Timeout      time.Duration
	MaxRetries   int
	HTTPClient   *http.Client
	Organization string
	// Breaker is optional. When set, every provider call goes through
	// it so a flapping upstream trips open instead of burning retries.
	Breaker *gobreaker.CircuitBreaker
}

type OpenAIClient struct {
	apiKey       string
	baseURL      string
	timeout      time.Duration
	maxRetries   int
	httpClient   *http.Client
	organization string
	breaker      *gobreaker.CircuitBreaker
}

func NewOpenAIClient(config OpenAIClientConfig) *OpenAIClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = "https://api.openai.com/v1"
	}
	if config.Timeout <= 0 {
		config.Timeout = 120 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}
	if config.HTTPClient == nil {
		config.HTTPClient = &http.Client{}
	}

	return &OpenAIClient{
		apiKey:       strings.TrimSpace(config.APIKey),
		baseURL:      strings.TrimSuffix(config.BaseURL, "/"),
		timeout:      config.Timeout,
		maxRetries:   config.MaxRetries,
		httpClient:   config.HTTPClient,
		organization: strings.TrimSpace(config.Organization),
		breaker:      config.Breaker,
	}
}

func (c *OpenAIClient) Available() bool {
	return c.apiKey != ""
}

// GetAnswer performs one blocking generation call with retries on
// transient failures.
func (c *OpenAIClient) GetAnswer(ctx context.Context, request Request) (Result, error) {
	payload, err := c.buildPayload(request, false)
	if err != nil {
		return Result{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		result, callErr := c.callResponsesAPI(ctx, payload, request.Model)
		if callErr == nil {
			return result, nil
		}
		lastErr = callErr

		if !isRetryableError(callErr) || attempt == c.maxRetries {
			break
		}

		backoff := time.Duration(350*(attempt+1)) * time.Millisecond
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-time.After(backoff):
		}
	}

	if lastErr == nil {
		lastErr = errors.New("unknown openai error")
	}
	return Result{}, lastErr
}

// StreamAnswer performs one generation call over SSE, invoking onChunk
// for every text delta as it arrives. The returned Result carries the
// full concatenated text plus usage and the continuation id of the
// completed response. No retries: partial output may already have been
// delivered downstream.
func (c *OpenAIClient) StreamAnswer(ctx context.Context, request Request, onChunk func(delta string)) (Result, error) {
	payload, err := c.buildPayload(request, true)
	if err != nil {
		return Result{}, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpResponse, err := c.post(timeoutCtx, payload)
	if err != nil {
		return Result{}, err
	}
	defer httpResponse.Body.Close()

	if failErr := c.checkStatus(httpResponse); failErr != nil {
		return Result{}, failErr
	}

	var builder strings.Builder
	var completed *responsesAPIResponse
	var rawCompleted json.RawMessage

	scanner := bufio.NewScanner(httpResponse.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" || data == "[DONE]" {
			continue
		}

		var event streamEvent
		if err := json.Unmarshal([]byte(data), &event); err != nil {
			return Result{}, fmt.Errorf("decode openai stream event: %w", err)
		}

		switch event.Type {
		case "response.output_text.delta":
			if event.Delta == "" {
				continue
			}
			builder.WriteString(event.Delta)
			if onChunk != nil {
				onChunk(event.Delta)
			}
		case "response.completed":
			completed = &event.Response
			rawCompleted = append(json.RawMessage(nil), event.RawResponse...)
		case "response.failed", "response.incomplete", "error":
			message := firstNonEmpty(event.Error.Message, event.Response.IncompleteDetails.Reason, event.Type)
			return Result{}, fmt.Errorf("openai stream %s: %s", event.Type, message)
		}
	}
	if err := scanner.Err(); err != nil {
		return Result{}, fmt.Errorf("read openai stream: %w", err)
	}

	text := builder.String()
	if strings.TrimSpace(text) == "" {
		return Result{}, errors.New("openai stream without text output")
	}
	if completed == nil {
		return Result{}, errors.New("openai stream ended without completion event")
	}

	usage := TokenUsage{
		InputTokens:  completed.Usage.InputTokens,
		OutputTokens: completed.Usage.OutputTokens,
		TotalTokens:  completed.Usage.TotalTokens,
	}
	modelID := firstNonEmpty(completed.Model, request.Model)

	return Result{
		Text:           text,
		ModelID:        modelID,
		Usage:          usage,
		Price:          priceFor(modelID, usage),
		ContinuationID: completed.ID,
		Raw:            rawCompleted,
	}, nil
}

func (c *OpenAIClient) buildPayload(request Request, stream bool) ([]byte, error) {
	if !c.Available() {
		return nil, ErrUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return nil, errors.New("model is required")
	}
	if strings.TrimSpace(request.MessageText) == "" {
		return nil, errors.New("message text is required")
	}

	input := make([]map[string]any, 0, len(request.Context)+1)
	for _, message := range request.Context {
		input = append(input, map[string]any{
			"role":    message.Role,
			"content": message.Content,
		})
	}
	input = append(input, map[string]any{
		"role":    "user",
		"content": request.MessageText,
	})

	payload := map[string]any{
		"model":  request.Model,
		"input":  input,
		"stream": stream,
	}
	if strings.TrimSpace(request.Prompt) != "" {
		payload["instructions"] = request.Prompt
	}
	if strings.TrimSpace(request.ContinuationToken) != "" {
		payload["previous_response_id"] = request.ContinuationToken
	}
	if strings.TrimSpace(request.User) != "" {
		payload["user"] = request.User
	}
	if request.Temperature > 0 {
		payload["temperature"] = request.Temperature
	}
	if request.MaxOutputTokens > 0 {
		payload["max_output_tokens"] = request.MaxOutputTokens
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal openai payload: %w", err)
	}
	return encoded, nil
}

func (c *OpenAIClient) post(ctx context.Context, payload []byte) (*http.Response, error) {
	do := func() (*http.Response, error) {
		httpRequest, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/responses", bytes.NewReader(payload))
		if err != nil {
			return nil, fmt.Errorf("create openai request: %w", err)
		}
		httpRequest.Header.Set("Authorization", "Bearer "+c.apiKey)
		httpRequest.Header.Set("Content-Type", "application/json")
		if c.organization != "" {
			httpRequest.Header.Set("OpenAI-Organization", c.organization)
		}

		httpResponse, err := c.httpClient.Do(httpRequest)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fmt.Errorf("openai timeout: %w", err)
			}
			return nil, fmt.Errorf("openai transport error: %w", err)
		}
		return httpResponse, nil
	}

	if c.breaker == nil {
		return do()
	}

	result, err := c.breaker.Execute(func() (any, error) {
		response, callErr := do()
		if callErr != nil {
			return nil, callErr
		}
		// Server-side failures count against the breaker; client
		// errors pass through for classification upstream.
		if response.StatusCode >= 500 {
			body, _ := io.ReadAll(io.LimitReader(response.Body, 700))
			response.Body.Close()
			return nil, &HTTPError{Status: response.StatusCode, Message: strings.TrimSpace(string(body))}
		}
		return response, nil
	})
	if err != nil {
		return nil, err
	}
	return result.(*http.Response), nil
}

func (c *OpenAIClient) checkStatus(httpResponse *http.Response) error {
	if httpResponse.StatusCode >= 200 && httpResponse.StatusCode <= 299 {
		return nil
	}
	body, err := io.ReadAll(io.LimitReader(httpResponse.Body, 700))
	if err != nil {
		body = nil
	}
	return &HTTPError{
		Status:  httpResponse.StatusCode,
		Message: strings.TrimSpace(string(body)),
	}
}

func (c *OpenAIClient) callResponsesAPI(
	ctx context.Context,
	payload []byte,
	requestedModel string,
) (Result, error) {
	timeoutCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpResponse, err := c.post(timeoutCtx, payload)
	if err != nil {
		return Result{}, err
	}
	defer httpResponse.Body.Close()

	if failErr := c.checkStatus(httpResponse); failErr != nil {
		return Result{}, failErr
	}

	body, err := io.ReadAll(httpResponse.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read openai body: %w", err)
	}

	var raw responsesAPIResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return Result{}, fmt.Errorf("decode openai response: %w", err)
	}

	text := extractResponseText(raw)
	if strings.TrimSpace(text) == "" {
		return Result{}, errors.New("openai response without text output")
	}

	usage := TokenUsage{
		InputTokens:  raw.Usage.InputTokens,
		OutputTokens: raw.Usage.OutputTokens,
		TotalTokens:  raw.Usage.TotalTokens,
	}
	modelID := firstNonEmpty(raw.Model, requestedModel)

	return Result{
		Text:           text,
		ModelID:        modelID,
		Usage:          usage,
		Price:          priceFor(modelID, usage),
		ContinuationID: raw.ID,
		Raw:            append(json.RawMessage(nil), body...),
	}, nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

type responsesAPIResponse struct {
	ID     string `json:"id"`
	Model  string `json:"model"`
	Output []struct {
		Type    string `json:"type"`
		Role    string `json:"role"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	OutputText string `json:"output_text"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	IncompleteDetails struct {
		Reason string `json:"reason"`
	} `json:"incomplete_details"`
}

type streamEvent struct {
	Type        string               `json:"type"`
	Delta       string               `json:"delta"`
	Response    responsesAPIResponse `json:"-"`
	RawResponse json.RawMessage      `json:"response"`
	Error       struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (e *streamEvent) UnmarshalJSON(data []byte) error {
	type alias streamEvent
	var decoded alias
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = streamEvent(decoded)
	if len(e.RawResponse) > 0 {
		if err := json.Unmarshal(e.RawResponse, &e.Response); err != nil {
			return err
		}
	}
	return nil
}

func extractResponseText(response responsesAPIResponse) string {
	if strings.TrimSpace(response.OutputText) != "" {
		return strings.TrimSpace(response.OutputText)
	}

	fragments := make([]string, 0)
	for _, output := range response.Output {
		for _, content := range output.Content {
			if content.Type != "output_text" && content.Type != "text" {
				continue
			}
			if strings.TrimSpace(content.Text) == "" {
				continue
			}
			fragments = append(fragments, strings.TrimSpace(content.Text))
		}
	}

	return strings.TrimSpace(strings.Join(fragments, "\n"))
}

// HTTPError is a non-2xx provider reply. The status accessor lets
// failure classification inspect it without importing this package's
// concrete type.
type HTTPError struct {
	Status  int
	Message string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("openai status %d: %s", e.Status, e.Message)
}

func (e *HTTPError) StatusCode() int {
	return e.Status
}

func isRetryableError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr.Status == http.StatusTooManyRequests || httpErr.Status >= 500
	}
	message := strings.ToLower(err.Error())
	if strings.Contains(message, "timeout") || strings.Contains(message, "tempor") {
		return true
	}
	return false
}
