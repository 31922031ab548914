package mpesa

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, tokenCalls *int32, push http.HandlerFunc) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/oauth/v1/generate":
			atomic.AddInt32(tokenCalls, 1)
			user, pass, ok := r.BasicAuth()
			require.True(t, ok)
			require.Equal(t, "key", user)
			require.Equal(t, "secret", pass)
			_, _ = w.Write([]byte(`{"access_token":"tok-1","expires_in":"3599"}`))
		case "/mpesa/stkpush/v1/processrequest":
			push(w, r)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testConfig(baseURL string) Config {
	return Config{
		BaseURL:        baseURL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		Shortcode:      "174379",
		Passkey:        "pass",
		CallbackURL:    "https://hima.example/webhooks/mpesa/callback",
	}
}

func TestInitiateSTKPush_SendsSignedRequestAndCachesToken(t *testing.T) {
	var tokenCalls int32
	var got STKPushRequest
	server := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"MerchantRequestID":"m-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success"}`))
	})
	defer server.Close()

	client := NewClient(testConfig(server.URL), zap.NewNop())
	client.now = func() time.Time { return time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC) }

	token, err := client.InitiateSTKPush(context.Background(), "254700000001", 125050, "HIMA-240501-ABC123", "Hima premium")
	require.NoError(t, err)
	require.Equal(t, "ws_CO_1", token)

	require.Equal(t, "20240501093000", got.Timestamp)
	require.Equal(t, Password("174379", "pass", "20240501093000"), got.Password)
	require.Equal(t, int64(1251), got.Amount)
	require.Equal(t, "254700000001", got.PartyA)
	require.Equal(t, "CustomerPayBillOnline", got.TransactionType)

	_, err = client.InitiateSTKPush(context.Background(), "254700000001", 100, "ref", "desc")
	require.NoError(t, err)
	require.Equal(t, int32(1), atomic.LoadInt32(&tokenCalls))
}

func TestInitiateSTKPush_ErrorResponses(t *testing.T) {
	var tokenCalls int32
	status := http.StatusBadRequest
	server := newTestServer(t, &tokenCalls, func(w http.ResponseWriter, r *http.Request) {
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"ResponseCode":"1","ResponseDescription":"Rejected"}`))
			return
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(`{"requestId":"r-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid PhoneNumber"}`))
	})
	defer server.Close()

	client := NewClient(testConfig(server.URL), zap.NewNop())

	_, err := client.InitiateSTKPush(context.Background(), "bad", 1000, "ref", "desc")
	var apiErr *ErrorResponse
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, "400.002.02", apiErr.ErrorCode)

	status = http.StatusOK
	_, err = client.InitiateSTKPush(context.Background(), "254700000001", 1000, "ref", "desc")
	require.ErrorIs(t, err, ErrRejected)
}

func TestWholeUnits(t *testing.T) {
	require.Equal(t, int64(0), WholeUnits(0))
	require.Equal(t, int64(1), WholeUnits(1))
	require.Equal(t, int64(10), WholeUnits(1000))
	require.Equal(t, int64(11), WholeUnits(1001))
}
