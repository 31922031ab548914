/**
 * @description
 * This package provides a client for the Safaricom Daraja API. It obtains and caches
 * OAuth access tokens and initiates Lipa na M-Pesa Online (STK push) payment requests.
 * The CheckoutRequestID returned by an STK push is the correlation token echoed back
 * in the asynchronous payment callback.
 *
 * @dependencies
 * - github.com/patrickmn/go-cache: access token cache.
 * - go.uber.org/zap: structured logging.
 */
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	tokenCacheKey   = "daraja_access_token"
	tokenSafety     = 60 * time.Second
	timestampLayout = "20060102150405"
)

// Config carries the Daraja credentials and the callback URL.
type Config struct {
	BaseURL        string
	ConsumerKey    string
	ConsumerSecret string
	Shortcode      string
	Passkey        string
	CallbackURL    string
}

// Client is a client for the Daraja API.
type Client struct {
	cfg        Config
	HTTPClient *http.Client
	tokens     *gocache.Cache
	logger     *zap.Logger
	now        func() time.Time
}

// NewClient creates a new Daraja client.
func NewClient(cfg Config, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
		tokens:     gocache.New(time.Hour, 10*time.Minute),
		logger:     logger.Named("mpesa_client"),
		now:        time.Now,
	}
}

// STKPushRequest is the Daraja STK push payload.
type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse is the synchronous acknowledgement of an STK push.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

// ErrorResponse represents an error from the Daraja API.
type ErrorResponse struct {
	StatusCode   int    `json:"-"`
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (e *ErrorResponse) Error() string {
	if e.ErrorMessage != "" {
		return fmt.Sprintf("daraja api error (status %d, code %s): %s", e.StatusCode, e.ErrorCode, e.ErrorMessage)
	}
	return fmt.Sprintf("daraja api error (status %d)", e.StatusCode)
}

// ErrRejected is returned when Daraja accepts the HTTP request but refuses the push.
var ErrRejected = errors.New("stk push rejected")

// WholeUnits converts minor units to the integral amount Daraja accepts, rounding up.
func WholeUnits(minor int64) int64 {
	if minor <= 0 {
		return 0
	}
	return (minor + 99) / 100
}

// Password derives the STK push password for timestamp.
func Password(shortcode, passkey, timestamp string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortcode + passkey + timestamp))
}

// InitiateSTKPush asks the subscriber's handset to authorize a payment and returns the
// CheckoutRequestID used to correlate the callback.
func (c *Client) InitiateSTKPush(ctx context.Context, phone string, amountMinor int64, accountRef, description string) (string, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return "", err
	}

	ts := c.now().Format(timestampLayout)
	payload := STKPushRequest{
		BusinessShortCode: c.cfg.Shortcode,
		Password:          Password(c.cfg.Shortcode, c.cfg.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            WholeUnits(amountMinor),
		PartyA:            phone,
		PartyB:            c.cfg.Shortcode,
		PhoneNumber:       phone,
		CallBackURL:       c.cfg.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   description,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal stk push request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create stk push request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute stk push request: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read stk push response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		if resp.StatusCode == http.StatusUnauthorized {
			c.tokens.Delete(tokenCacheKey)
		}
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		if err := json.Unmarshal(bodyBytes, errResp); err != nil {
			c.logger.Warn("non-2xx response (unparsable error body)", zap.String("op", "stk_push"), zap.Int("status", resp.StatusCode))
		} else {
			c.logger.Warn("non-2xx response", zap.String("op", "stk_push"), zap.Int("status", resp.StatusCode), zap.String("code", errResp.ErrorCode), zap.String("message", errResp.ErrorMessage))
		}
		return "", errResp
	}

	var ack STKPushResponse
	if err := json.Unmarshal(bodyBytes, &ack); err != nil {
		return "", fmt.Errorf("failed to decode stk push response: %w", err)
	}
	if ack.ResponseCode != "0" || ack.CheckoutRequestID == "" {
		return "", fmt.Errorf("%w: %s (%s)", ErrRejected, ack.ResponseDescription, ack.ResponseCode)
	}

	c.logger.Info("stk push initiated", zap.String("correlation_token", ack.CheckoutRequestID), zap.String("account_ref", accountRef))
	return ack.CheckoutRequestID, nil
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	if cached, ok := c.tokens.Get(tokenCacheKey); ok {
		return cached.(string), nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.SetBasicAuth(c.cfg.ConsumerKey, c.cfg.ConsumerSecret)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to execute token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		errResp := &ErrorResponse{StatusCode: resp.StatusCode}
		_ = json.NewDecoder(resp.Body).Decode(errResp)
		return "", errResp
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("failed to decode token response: %w", err)
	}
	if tok.AccessToken == "" {
		return "", errors.New("daraja returned an empty access token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(tok.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > tokenSafety {
		ttl -= tokenSafety
	}
	c.tokens.Set(tokenCacheKey, tok.AccessToken, ttl)
	return tok.AccessToken, nil
}
