package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hima/hima-service/internal/api"
)

func TestMintAdminTokenPassesAdminAuth(t *testing.T) {
	token, err := mintAdminToken("s3cret", " ops@hima.example ", time.Hour, time.Now())
	require.NoError(t, err)

	var subject string
	handler := api.AdminAuthMiddleware("s3cret")(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject, _ = api.GetAdminSubject(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/admin/kyc/pending", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ops@hima.example", subject)
}

func TestMintAdminTokenExpired(t *testing.T) {
	token, err := mintAdminToken("s3cret", "ops", time.Minute, time.Now().Add(-time.Hour))
	require.NoError(t, err)

	handler := api.AdminAuthMiddleware("s3cret")(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("expired token must not reach the handler")
	}))
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestMintAdminTokenValidation(t *testing.T) {
	_, err := mintAdminToken("", "ops", time.Hour, time.Now())
	assert.Error(t, err)
	_, err = mintAdminToken("s3cret", "  ", time.Hour, time.Now())
	assert.Error(t, err)
	_, err = mintAdminToken("s3cret", "ops", 0, time.Now())
	assert.Error(t, err)
}
