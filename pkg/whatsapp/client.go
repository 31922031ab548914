/**
 * @description
 * This package provides a client for the WhatsApp Cloud API. It sends text, template
 * and reply-button messages and downloads inbound media, and it verifies the HMAC
 * signature Meta attaches to webhook deliveries.
 *
 * @dependencies
 * - go.uber.org/zap: structured logging.
 */
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	// MaxButtons is the number of reply buttons WhatsApp renders in one message.
	MaxButtons     = 3
	maxButtonTitle = 20
	maxBodyRunes   = 1024
	maxMediaBytes  = 16 << 20
)

// Client is a client for the WhatsApp Cloud API.
type Client struct {
	BaseURL       string
	PhoneNumberID string
	AccessToken   string
	HTTPClient    *http.Client
	logger        *zap.Logger
}

// NewClient creates a new WhatsApp Cloud API client.
func NewClient(baseURL, phoneNumberID, accessToken string, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		BaseURL:       baseURL,
		PhoneNumberID: phoneNumberID,
		AccessToken:   accessToken,
		HTTPClient:    &http.Client{Timeout: 15 * time.Second},
		logger:        logger.Named("whatsapp_client"),
	}
}

// Button is one quick-reply option.
type Button struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// TemplateComponent is a template header/body component with its parameters.
type TemplateComponent struct {
	Type       string              `json:"type"`
	Parameters []TemplateParameter `json:"parameters"`
}

type TemplateParameter struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// APIError is the error envelope returned by the Graph API.
type APIError struct {
	StatusCode int
	Body       struct {
		Error struct {
			Message string `json:"message"`
			Type    string `json:"type"`
			Code    int    `json:"code"`
		} `json:"error"`
	}
}

func (e *APIError) Error() string {
	if e.Body.Error.Message != "" {
		return fmt.Sprintf("whatsapp api error (status %d, code %d): %s", e.StatusCode, e.Body.Error.Code, e.Body.Error.Message)
	}
	return fmt.Sprintf("whatsapp api error (status %d)", e.StatusCode)
}

type outboundMessage struct {
	MessagingProduct string           `json:"messaging_product"`
	RecipientType    string           `json:"recipient_type"`
	To               string           `json:"to"`
	Type             string           `json:"type"`
	Text             *textPayload     `json:"text,omitempty"`
	Template         *templatePayload `json:"template,omitempty"`
	Interactive      *interactive     `json:"interactive,omitempty"`
}

type textPayload struct {
	PreviewURL bool   `json:"preview_url"`
	Body       string `json:"body"`
}

type templatePayload struct {
	Name       string              `json:"name"`
	Language   map[string]string   `json:"language"`
	Components []TemplateComponent `json:"components,omitempty"`
}

type interactive struct {
	Type string `json:"type"`
	Body   struct {
		Text string `json:"text"`
	} `json:"body"`
	Action struct {
		Buttons []replyButton `json:"buttons"`
	} `json:"action"`
}

type replyButton struct {
	Type  string `json:"type"`
	Reply Button `json:"reply"`
}

// SendText sends a plain text message.
func (c *Client) SendText(ctx context.Context, to, body string) error {
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "text",
		Text:             &textPayload{Body: Truncate(body, maxBodyRunes)},
	})
}

// SendTemplate sends a pre-approved template message.
func (c *Client) SendTemplate(ctx context.Context, to, name, lang string, components []TemplateComponent) error {
	return c.send(ctx, outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "template",
		Template: &templatePayload{
			Name:       name,
			Language:   map[string]string{"code": lang},
			Components: components,
		},
	})
}

// SendButtons sends a message with up to three reply buttons. Extra buttons are dropped and
// titles are truncated to the provider limit.
func (c *Client) SendButtons(ctx context.Context, to, body string, buttons []Button) error {
	if len(buttons) == 0 {
		return c.SendText(ctx, to, body)
	}
	if len(buttons) > MaxButtons {
		c.logger.Warn("too many buttons; truncating", zap.Int("count", len(buttons)))
		buttons = buttons[:MaxButtons]
	}

	msg := outboundMessage{
		MessagingProduct: "whatsapp",
		RecipientType:    "individual",
		To:               to,
		Type:             "interactive",
		Interactive:      &interactive{Type: "button"},
	}
	msg.Interactive.Body.Text = Truncate(body, maxBodyRunes)
	for _, b := range buttons {
		msg.Interactive.Action.Buttons = append(msg.Interactive.Action.Buttons, replyButton{
			Type:  "reply",
			Reply: Button{ID: b.ID, Title: Truncate(b.Title, maxButtonTitle)},
		})
	}
	return c.send(ctx, msg)
}

func (c *Client) send(ctx context.Context, msg outboundMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	url := fmt.Sprintf("%s/%s/messages", c.BaseURL, c.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create message request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute message request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.apiError(resp, "send_message")
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (c *Client) apiError(resp *http.Response, op string) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(body, &apiErr.Body); err != nil {
		c.logger.Warn("non-2xx response (unparsable error body)", zap.String("op", op), zap.Int("status", resp.StatusCode))
	} else {
		c.logger.Warn("non-2xx response", zap.String("op", op), zap.Int("status", resp.StatusCode), zap.String("message", apiErr.Body.Error.Message))
	}
	return apiErr
}

// DownloadMedia resolves a media id to its URL and downloads the content.
func (c *Client) DownloadMedia(ctx context.Context, mediaID string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/"+mediaID, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create media lookup request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.AccessToken)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("failed to execute media lookup: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", c.apiError(resp, "media_lookup")
	}

	var meta struct {
		URL      string `json:"url"`
		MimeType string `json:"mime_type"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, "", fmt.Errorf("failed to decode media lookup: %w", err)
	}
	if meta.URL == "" {
		return nil, "", fmt.Errorf("media %s has no download url", mediaID)
	}

	dl, err := http.NewRequestWithContext(ctx, http.MethodGet, meta.URL, nil)
	if err != nil {
		return nil, "", fmt.Errorf("failed to create media download request: %w", err)
	}
	dl.Header.Set("Authorization", "Bearer "+c.AccessToken)

	dlResp, err := c.HTTPClient.Do(dl)
	if err != nil {
		return nil, "", fmt.Errorf("failed to download media: %w", err)
	}
	defer dlResp.Body.Close()
	if dlResp.StatusCode < 200 || dlResp.StatusCode >= 300 {
		return nil, "", c.apiError(dlResp, "media_download")
	}

	data, err := io.ReadAll(io.LimitReader(dlResp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", fmt.Errorf("failed to read media: %w", err)
	}
	if len(data) > maxMediaBytes {
		return nil, "", fmt.Errorf("media %s exceeds %d bytes", mediaID, maxMediaBytes)
	}
	return data, meta.MimeType, nil
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}
