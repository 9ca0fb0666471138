package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/botfleet/botfleet-back/internal/observability"
)

type TelegramConfig struct {
	BaseURL    string
	Timeout    time.Duration
	HTTPClient *http.Client
	// Limiter is shared across clients for the same bot token when the
	// caller wants a global send budget; nil disables local limiting.
	Limiter *rate.Limiter
}

// TelegramClient implements Client against the Telegram Bot API.
type TelegramClient struct {
	token      string
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

func NewTelegramClient(token string, cfg TelegramConfig) *TelegramClient {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = "https://api.telegram.org"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &TelegramClient{
		token:      strings.TrimSpace(token),
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		httpClient: cfg.HTTPClient,
		limiter:    cfg.Limiter,
	}
}

// NewTelegramFactory returns a ClientFactory producing clients that
// share one API base URL and rate limit configuration.
func NewTelegramFactory(cfg TelegramConfig) ClientFactory {
	return func(token string) Client {
		return NewTelegramClient(token, cfg)
	}
}

type sendMessageRequest struct {
	ChatID           int64  `json:"chat_id"`
	Text             string `json:"text"`
	ReplyToMessageID int64  `json:"reply_to_message_id,omitempty"`
}

type editMessageRequest struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
}

type chatActionRequest struct {
	ChatID int64  `json:"chat_id"`
	Action string `json:"action"`
}

type answerCallbackRequest struct {
	CallbackQueryID string `json:"callback_query_id"`
	Text            string `json:"text,omitempty"`
}

type setWebhookRequest struct {
	URL string `json:"url"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	ErrorCode   int             `json:"error_code,omitempty"`
	Description string          `json:"description,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
}

type messageResult struct {
	MessageID int64 `json:"message_id"`
}

func (c *TelegramClient) SendMessage(ctx context.Context, chatID int64, text string, replyTo int64) (int64, error) {
	text = Truncate(text)
	result, err := c.call(ctx, "sendMessage", sendMessageRequest{
		ChatID:           chatID,
		Text:             text,
		ReplyToMessageID: replyTo,
	})
	observability.ChannelCalls.WithLabelValues("sendMessage", callResult(err)).Inc()
	if err != nil {
		return 0, err
	}

	var sent messageResult
	if err := json.Unmarshal(result, &sent); err != nil {
		return 0, fmt.Errorf("decode sendMessage result: %w", err)
	}
	return sent.MessageID, nil
}

func (c *TelegramClient) EditMessageText(ctx context.Context, chatID, messageID int64, text string) error {
	if messageID == 0 {
		return errors.New("missing message id")
	}
	_, err := c.call(ctx, "editMessageText", editMessageRequest{
		ChatID:    chatID,
		MessageID: messageID,
		Text:      Truncate(text),
	})
	observability.ChannelCalls.WithLabelValues("editMessageText", callResult(err)).Inc()
	return err
}

func (c *TelegramClient) SendTypingIndicator(ctx context.Context, chatID int64) error {
	_, err := c.call(ctx, "sendChatAction", chatActionRequest{ChatID: chatID, Action: "typing"})
	observability.ChannelCalls.WithLabelValues("sendChatAction", callResult(err)).Inc()
	return err
}

func (c *TelegramClient) AnswerCallback(ctx context.Context, callbackID, text string) error {
	_, err := c.call(ctx, "answerCallbackQuery", answerCallbackRequest{
		CallbackQueryID: callbackID,
		Text:            text,
	})
	observability.ChannelCalls.WithLabelValues("answerCallbackQuery", callResult(err)).Inc()
	return err
}

func (c *TelegramClient) SetWebhook(ctx context.Context, url string) error {
	_, err := c.call(ctx, "setWebhook", setWebhookRequest{URL: url})
	observability.ChannelCalls.WithLabelValues("setWebhook", callResult(err)).Inc()
	return err
}

func (c *TelegramClient) DeleteWebhook(ctx context.Context) error {
	_, err := c.call(ctx, "deleteWebhook", struct{}{})
	observability.ChannelCalls.WithLabelValues("deleteWebhook", callResult(err)).Inc()
	return err
}

func (c *TelegramClient) call(ctx context.Context, method string, payload any) (json.RawMessage, error) {
	if c.token == "" {
		return nil, errors.New("bot token is required")
	}
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("channel rate limiter: %w", err)
		}
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", method, err)
	}

	url := fmt.Sprintf("%s/bot%s/%s", c.baseURL, c.token, method)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("create %s request: %w", method, err)
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := c.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("channel transport error: %w", err)
	}
	raw, _ := io.ReadAll(response.Body)
	_ = response.Body.Close()

	var decoded apiResponse
	_ = json.Unmarshal(raw, &decoded)

	if response.StatusCode < 200 || response.StatusCode > 299 || !decoded.OK {
		return nil, &RequestError{
			HTTPStatus:  response.StatusCode,
			ErrCode:     decoded.ErrorCode,
			Description: decoded.Description,
			Body:        strings.TrimSpace(string(raw)),
		}
	}
	return decoded.Result, nil
}

func callResult(err error) string {
	if err == nil {
		return "ok"
	}
	return "error"
}
