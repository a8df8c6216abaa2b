package handler

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"storefront-auth/internal/models"
	"storefront-auth/internal/observability"
	"storefront-auth/internal/service"
	"storefront-auth/internal/token"
	"storefront-auth/internal/util"
)

const (
	msgNoToken      = "No token provided"
	msgInvalidToken = "Invalid or expired token"

	maxBodyBytes = 1 << 20
)

// Authenticator resolves bearer tokens.
type Authenticator interface {
	Authenticate(ctx context.Context, token string) (*models.User, *token.Claims, error)
}

// AuthService is the part of service.AuthService the HTTP layer uses.
type AuthService interface {
	Authenticator
	RequestOTP(ctx context.Context, req service.OTPRequest) (*service.OTPChallenge, error)
	VerifyOTP(ctx context.Context, req service.VerifyRequest) (*service.VerifyResult, error)
	SetKey(ctx context.Context, req service.SetKeyRequest) (*service.Session, error)
	LoginWithKey(ctx context.Context, req service.LoginRequest) (*service.Session, error)
	Refresh(ctx context.Context, token string) (*service.Session, error)
	Logout(ctx context.Context, token string) error
	HealthCheck(ctx context.Context) error
}

type AuthHandler struct {
	auth   AuthService
	logger *zap.Logger
}

func NewAuthHandler(auth AuthService, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{auth: auth, logger: logger}
}

// Response is the envelope every endpoint answers with.
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

type otpRequestBody struct {
	Identifier string `json:"identifier"`
	Purpose    string `json:"purpose"`
}

type otpRequestData struct {
	RequestID string    `json:"requestId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type otpVerifyBody struct {
	RequestID string `json:"requestId"`
	OTPCode   string `json:"otpCode"`
}

type otpVerifyData struct {
	User       *models.PublicUser `json:"user"`
	HasKey     bool               `json:"hasKey"`
	Registered bool               `json:"registered"`
}

type setKeyBody struct {
	Identifier string `json:"identifier"`
	Key        string `json:"key"`
	KeyConfirm string `json:"keyConfirm"`
}

type loginBody struct {
	Identifier string `json:"identifier"`
	Key        string `json:"key"`
}

type sessionData struct {
	Token     string             `json:"token"`
	ExpiresAt time.Time          `json:"expiresAt"`
	User      *models.PublicUser `json:"user,omitempty"`
}

type meData struct {
	User *models.PublicUser `json:"user"`
}

// RegisterRoutes mounts the auth endpoints under /auth.
func (h *AuthHandler) RegisterRoutes(router chi.Router) {
	router.Route("/auth", func(r chi.Router) {
		r.Post("/otp/request", h.RequestOTP)
		r.Post("/otp/verify", h.VerifyOTP)
		r.Post("/key", h.SetKey)
		r.Post("/login", h.Login)
		r.Post("/refresh", h.Refresh)
		r.Post("/logout", h.Logout)
		r.Get("/health", h.HealthCheck)

		r.With(RequireBearer(h.auth)).Get("/me", h.Me)
	})
}

func (h *AuthHandler) RequestOTP(w http.ResponseWriter, r *http.Request) {
	var body otpRequestBody
	if !h.decode(w, r, &body) {
		return
	}
	identifier := util.SanitizeInput(body.Identifier)

	challenge, err := h.auth.RequestOTP(r.Context(), service.OTPRequest{
		Identifier: identifier,
		Purpose:    util.SanitizeInput(body.Purpose),
		ClientIP:   clientIP(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    otpRequestData{RequestID: challenge.RequestID, ExpiresAt: challenge.ExpiresAt},
		Message: "OTP sent",
	})
}

func (h *AuthHandler) VerifyOTP(w http.ResponseWriter, r *http.Request) {
	var body otpVerifyBody
	if !h.decode(w, r, &body) {
		return
	}

	result, err := h.auth.VerifyOTP(r.Context(), service.VerifyRequest{
		RequestID: util.SanitizeInput(body.RequestID),
		Code:      util.SanitizeInput(body.OTPCode),
		ClientIP:  clientIP(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    otpVerifyData{User: result.User, HasKey: result.HasKey, Registered: result.Registered},
		Message: "OTP verified",
	})
}

func (h *AuthHandler) SetKey(w http.ResponseWriter, r *http.Request) {
	var body setKeyBody
	if !h.decode(w, r, &body) {
		return
	}
	identifier := util.SanitizeInput(body.Identifier)

	session, err := h.auth.SetKey(r.Context(), service.SetKeyRequest{
		Identifier: identifier,
		Key:        body.Key,
		KeyConfirm: body.KeyConfirm,
		ClientIP:   clientIP(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    sessionData{Token: session.Token, ExpiresAt: session.ExpiresAt, User: session.User},
		Message: "Safe key saved",
	})
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginBody
	if !h.decode(w, r, &body) {
		return
	}
	identifier := util.SanitizeInput(body.Identifier)

	session, err := h.auth.LoginWithKey(r.Context(), service.LoginRequest{
		Identifier: identifier,
		Key:        body.Key,
		ClientIP:   clientIP(r),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    sessionData{Token: session.Token, ExpiresAt: session.ExpiresAt, User: session.User},
		Message: "Login successful",
	})
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw, status, msg := bearerToken(r)
	if status != 0 {
		writeJSON(w, status, Response{Error: msg})
		return
	}

	session, err := h.auth.Refresh(r.Context(), raw)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, Response{
		Success: true,
		Data:    sessionData{Token: session.Token, ExpiresAt: session.ExpiresAt},
		Message: "Token refreshed",
	})
}

func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	raw, status, msg := bearerToken(r)
	if status != 0 {
		writeJSON(w, status, Response{Error: msg})
		return
	}

	if err := h.auth.Logout(r.Context(), raw); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Logged out"})
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, Response{Error: msgInvalidToken})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Data: meData{User: user.Public()}})
}

func (h *AuthHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if err := h.auth.HealthCheck(r.Context()); err != nil {
		h.logger.Warn("Health check failed", util.ErrorField(err))
		writeJSON(w, http.StatusServiceUnavailable, Response{Error: "service unhealthy"})
		return
	}
	writeJSON(w, http.StatusOK, Response{Success: true, Message: "Service is healthy"})
}

func (h *AuthHandler) decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.logger.Debug("Rejected request body", util.ErrorField(err), util.String("path", r.URL.Path))
		writeJSON(w, http.StatusBadRequest, Response{Error: "invalid request body"})
		return false
	}
	return true
}

// statusFor maps a service error to its status and public message.
func statusFor(err error) (int, string) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		return http.StatusBadRequest, verr.Message
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "invalid input"
	case errors.Is(err, service.ErrOTPNotFound), errors.Is(err, service.ErrOTPExpired):
		return http.StatusBadRequest, "OTP request not found or expired"
	case errors.Is(err, service.ErrOTPAttemptsExhausted):
		return http.StatusTooManyRequests, "too many attempts, request a new code"
	case errors.Is(err, service.ErrOTPInvalidCode):
		return http.StatusUnauthorized, "invalid code"
	case errors.Is(err, service.ErrInvalidCredentials):
		return http.StatusUnauthorized, "invalid credentials"
	case errors.Is(err, service.ErrUnauthorized):
		return http.StatusUnauthorized, msgInvalidToken
	case errors.Is(err, service.ErrAccountInactive):
		return http.StatusForbidden, "account is not active"
	case errors.Is(err, service.ErrUserNotFound):
		return http.StatusNotFound, "user not found"
	case errors.Is(err, service.ErrRateLimited):
		return http.StatusTooManyRequests, "too many requests"
	default:
		return http.StatusInternalServerError, "internal error"
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := statusFor(err)

	var rl *service.RateLimitError
	if errors.As(err, &rl) {
		secs := int(math.Ceil(rl.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}

	fields := []zap.Field{
		util.String("path", r.URL.Path),
		util.Int("status", status),
		util.String("request_id", middleware.GetReqID(r.Context())),
		util.ErrorField(err),
	}
	if status >= http.StatusInternalServerError {
		util.Error("Request failed", fields...)
		observability.CaptureError(r.Context(), err, map[string]string{"path": r.URL.Path})
	} else {
		util.Debug("Request rejected", fields...)
	}

	writeJSON(w, status, Response{Error: msg})
}

func writeJSON(w http.ResponseWriter, status int, body Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		util.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}
