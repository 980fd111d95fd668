package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"otp-relay/internal/config"
)

// APIError is a non-2xx reply from the Bot API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram api status %d: %s", e.StatusCode, e.Body)
}

// InlineButton is a URL button under a message.
type InlineButton struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}

type inlineKeyboard struct {
	InlineKeyboard [][]InlineButton `json:"inline_keyboard"`
}

type sendMessageRequest struct {
	ChatID                string          `json:"chat_id"`
	Text                  string          `json:"text"`
	ParseMode             string          `json:"parse_mode,omitempty"`
	DisableWebPagePreview bool            `json:"disable_web_page_preview,omitempty"`
	ReplyMarkup           *inlineKeyboard `json:"reply_markup,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

type TelegramClient struct {
	baseURL    string
	botToken   string
	httpClient *http.Client
	logger     *zap.Logger
}

func NewTelegramClient(cfg config.TelegramConfig, logger *zap.Logger) *TelegramClient {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TelegramClient{
		baseURL:    strings.TrimRight(cfg.APIBaseURL, "/"),
		botToken:   cfg.BotToken,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// SendMessage posts an HTML message to chatID. Each row of buttons becomes
// one row of the inline keyboard.
func (c *TelegramClient) SendMessage(ctx context.Context, chatID, text string, buttons ...[]InlineButton) error {
	payload := sendMessageRequest{
		ChatID:                chatID,
		Text:                  text,
		ParseMode:             "HTML",
		DisableWebPagePreview: true,
	}
	if len(buttons) > 0 {
		payload.ReplyMarkup = &inlineKeyboard{InlineKeyboard: buttons}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("telegram send message encode: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("telegram send message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("telegram send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
		return &APIError{StatusCode: resp.StatusCode, Body: string(payload)}
	}

	var parsed sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return fmt.Errorf("telegram send message decode: %w", err)
	}
	if !parsed.OK {
		return fmt.Errorf("telegram send message error: %s", parsed.Description)
	}

	c.logger.Debug("telegram message sent", zap.String("chat_id", chatID), zap.Int("length", len(text)))
	return nil
}
