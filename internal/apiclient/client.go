// Package apiclient talks to the auth HTTP API.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"storefront-auth/internal/models"
	"storefront-auth/internal/session"
)

var ErrUnavailable = errors.New("auth server unavailable")

// APIError is a non-2xx answer. Message is the server's public message.
type APIError struct {
	Status     int
	Message    string
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%d: %s", e.Status, e.Message)
}

type Client struct {
	baseURL string
	http    *http.Client
}

// New returns a client for the server at baseURL, e.g. https://auth.example.com.
func New(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/") + "/api/v1/auth", http: httpClient}
}

type OTPChallenge struct {
	RequestID string    `json:"requestId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type VerifyResult struct {
	User       *models.PublicUser `json:"user"`
	HasKey     bool               `json:"hasKey"`
	Registered bool               `json:"registered"`
}

type sessionPayload struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	User      *models.PublicUser `json:"user"`
}

func (p *sessionPayload) grant() *session.Grant {
	return &session.Grant{Token: p.Token, ExpiresAt: p.ExpiresAt, User: p.User}
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   string          `json:"error"`
	Message string          `json:"message"`
}

func (c *Client) RequestOTP(ctx context.Context, identifier, purpose string) (*OTPChallenge, error) {
	var out OTPChallenge
	body := map[string]string{"identifier": identifier, "purpose": purpose}
	if err := c.do(ctx, http.MethodPost, "/otp/request", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) VerifyOTP(ctx context.Context, requestID, code string) (*VerifyResult, error) {
	var out VerifyResult
	body := map[string]string{"requestId": requestID, "otpCode": code}
	if err := c.do(ctx, http.MethodPost, "/otp/verify", "", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) SetKey(ctx context.Context, identifier, key, keyConfirm string) (*session.Grant, error) {
	var out sessionPayload
	body := map[string]string{"identifier": identifier, "key": key, "keyConfirm": keyConfirm}
	if err := c.do(ctx, http.MethodPost, "/key", "", body, &out); err != nil {
		return nil, err
	}
	return out.grant(), nil
}

func (c *Client) Login(ctx context.Context, identifier, key string) (*session.Grant, error) {
	var out sessionPayload
	body := map[string]string{"identifier": identifier, "key": key}
	if err := c.do(ctx, http.MethodPost, "/login", "", body, &out); err != nil {
		return nil, err
	}
	return out.grant(), nil
}

// Refresh satisfies session.Refresher.
func (c *Client) Refresh(ctx context.Context, token string) (*session.Grant, error) {
	var out sessionPayload
	if err := c.do(ctx, http.MethodPost, "/refresh", token, nil, &out); err != nil {
		return nil, err
	}
	return out.grant(), nil
}

func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, http.MethodPost, "/logout", token, nil, nil)
}

func (c *Client) Me(ctx context.Context, token string) (*models.PublicUser, error) {
	var out struct {
		User *models.PublicUser `json:"user"`
	}
	if err := c.do(ctx, http.MethodGet, "/me", token, nil, &out); err != nil {
		return nil, err
	}
	return out.User, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&env); err != nil {
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
		}
		return fmt.Errorf("failed to decode response (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 || !env.Success {
		apiErr := &APIError{Status: resp.StatusCode, Message: env.Error}
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil {
			apiErr.RetryAfter = time.Duration(secs) * time.Second
		}
		return apiErr
	}

	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("failed to decode response data: %w", err)
	}
	return nil
}
