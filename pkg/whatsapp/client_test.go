package whatsapp

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSendButtons_TruncatesTitlesAndCount(t *testing.T) {
	var got outboundMessage
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/123/messages", r.URL.Path)
		require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"messages":[{"id":"wamid.1"}]}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "123", "token", zap.NewNop())
	err := client.SendButtons(context.Background(), "254700000001", strings.Repeat("b", 2000), []Button{
		{ID: "accept", Title: "Accept and pay this quote now"},
		{ID: "decline", Title: "Decline"},
		{ID: "lang", Title: "Lugha"},
		{ID: "extra", Title: "Dropped"},
	})
	require.NoError(t, err)

	require.Equal(t, "interactive", got.Type)
	require.Len(t, got.Interactive.Action.Buttons, MaxButtons)
	require.Equal(t, "Accept and pay this ", got.Interactive.Action.Buttons[0].Reply.Title)
	require.Equal(t, 1024, utf8.RuneCountInString(got.Interactive.Body.Text))
}

func TestSendText_ReturnsAPIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"Recipient not on allow list","code":131030}}`))
	}))
	defer server.Close()

	client := NewClient(server.URL, "123", "token", zap.NewNop())
	err := client.SendText(context.Background(), "254700000001", "hello")

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	require.Equal(t, 131030, apiErr.Body.Error.Code)
}

func TestDownloadMedia_FollowsLookupURL(t *testing.T) {
	var server *httptest.Server
	server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/media-1":
			_ = json.NewEncoder(w).Encode(map[string]string{"url": server.URL + "/files/media-1", "mime_type": "image/jpeg"})
		case "/files/media-1":
			require.Equal(t, "Bearer token", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte("jpeg-bytes"))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer server.Close()

	client := NewClient(server.URL, "123", "token", zap.NewNop())
	data, mime, err := client.DownloadMedia(context.Background(), "media-1")
	require.NoError(t, err)
	require.Equal(t, "jpeg-bytes", string(data))
	require.Equal(t, "image/jpeg", mime)
}

func TestTruncate_CountsRunes(t *testing.T) {
	require.Equal(t, "Malipo", Truncate("Malipo", 20))
	require.Equal(t, "ñññ", Truncate("ñññññ", 3))
}

func TestValidSignature(t *testing.T) {
	body := []byte(`{"object":"whatsapp_business_account"}`)
	header := Sign("secret", body)

	require.True(t, ValidSignature("secret", body, header))
	require.False(t, ValidSignature("other", body, header))
	require.False(t, ValidSignature("secret", []byte("tampered"), header))
	require.False(t, ValidSignature("secret", body, ""))
	require.False(t, ValidSignature("secret", body, "sha256=zz"))
}
