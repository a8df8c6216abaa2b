package apiclient

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return New(srv.URL+"/", srv.Client())
}

func reply(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}

func TestRequestAndVerifyOTP(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		switch r.URL.Path {
		case "/api/v1/auth/otp/request":
			assert.Equal(t, "a@x.io", body["identifier"])
			reply(w, http.StatusOK, `{"success":true,"data":{"requestId":"r1","expiresAt":"2026-05-01T12:05:00Z"}}`)
		case "/api/v1/auth/otp/verify":
			assert.Equal(t, "123456", body["otpCode"])
			reply(w, http.StatusOK, `{"success":true,"data":{"user":{"id":"u1","hasKey":false},"hasKey":false,"registered":true}}`)
		default:
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
	})

	challenge, err := c.RequestOTP(context.Background(), "a@x.io", "")
	require.NoError(t, err)
	assert.Equal(t, "r1", challenge.RequestID)
	assert.Equal(t, time.Date(2026, 5, 1, 12, 5, 0, 0, time.UTC), challenge.ExpiresAt)

	result, err := c.VerifyOTP(context.Background(), "r1", "123456")
	require.NoError(t, err)
	assert.True(t, result.Registered)
	assert.Equal(t, "u1", result.User.ID)
}

func TestRefreshSendsBearer(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/auth/refresh", r.URL.Path)
		assert.Equal(t, "Bearer old", r.Header.Get("Authorization"))
		reply(w, http.StatusOK, `{"success":true,"data":{"token":"new","expiresAt":"2026-05-01T12:15:00Z"}}`)
	})

	grant, err := c.Refresh(context.Background(), "old")
	require.NoError(t, err)
	assert.Equal(t, "new", grant.Token)
	assert.Nil(t, grant.User)
}

func TestAPIErrors(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "42")
		reply(w, http.StatusTooManyRequests, `{"success":false,"error":"too many requests"}`)
	})

	_, err := c.Login(context.Background(), "a@x.io", "k")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusTooManyRequests, apiErr.Status)
	assert.Equal(t, "too many requests", apiErr.Message)
	assert.Equal(t, 42*time.Second, apiErr.RetryAfter)
}

func TestNonJSONServerErrorIsUnavailable(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("<html>bad gateway</html>"))
	})

	_, err := c.Me(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTransportFailureIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	err := New(url, nil).Logout(context.Background(), "tok")
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestLogoutWithoutData(t *testing.T) {
	c := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		reply(w, http.StatusOK, `{"success":true,"message":"Logged out"}`)
	})
	assert.NoError(t, c.Logout(context.Background(), "tok"))
}
