package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/eduhub/eduhub/internal/mail"
	"github.com/eduhub/eduhub/internal/middleware"
	"github.com/eduhub/eduhub/internal/repository"
	"github.com/eduhub/eduhub/internal/service"
	"github.com/sirupsen/logrus"
)

const (
	mailNotConfiguredHint = "Set SMTP_* or RESEND_API_KEY/SENDGRID_API_KEY and FROM_EMAIL"

	maxBodyBytes = 64 << 10
)

type OTPHandlers struct {
	otpService   *service.OTPService
	tokenService *service.VerificationTokenService
	mailStatus   mail.Status
	logger       *logrus.Logger
}

// NewOTPHandlers builds the email verification handlers. tokenService may be
// nil, in which case successful verifications carry no token.
func NewOTPHandlers(
	otpService *service.OTPService,
	tokenService *service.VerificationTokenService,
	mailStatus mail.Status,
	logger *logrus.Logger,
) *OTPHandlers {
	return &OTPHandlers{
		otpService:   otpService,
		tokenService: tokenService,
		mailStatus:   mailStatus,
		logger:       logger,
	}
}

type RequestEmailOTPRequest struct {
	Email string `json:"email"`
}

type RequestEmailOTPResponse struct {
	OK           bool   `json:"ok"`
	MailProvider string `json:"mailProvider"`
}

type VerifyEmailOTPRequest struct {
	Email string  `json:"email"`
	Code  otpCode `json:"code"`
}

// otpCode accepts the code as a JSON string or a bare JSON number.
type otpCode string

func (c *otpCode) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*c = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*c = otpCode(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("code must be a string or number: %w", err)
	}
	*c = otpCode(n.String())
	return nil
}

type VerifyEmailOTPResponse struct {
	Verified          bool       `json:"verified"`
	VerificationToken string     `json:"verificationToken,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
}

type MailConfigResponse struct {
	Configured bool    `json:"configured"`
	Provider   *string `json:"provider"`
	FromEmail  *string `json:"fromEmail"`
}

type VerifiedEmailResponse struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
	Hint  string `json:"hint,omitempty"`
}

func (h *OTPHandlers) RequestEmailOTP(w http.ResponseWriter, r *http.Request) {
	var req RequestEmailOTPRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithDecodeError(w, err)
		return
	}

	res, err := h.otpService.RequestCode(r.Context(), req.Email)
	if err != nil {
		h.respondWithServiceError(w, err, "email is required")
		return
	}

	respondWithJSON(w, http.StatusOK, RequestEmailOTPResponse{
		OK:           true,
		MailProvider: res.MailProvider,
	})
}

func (h *OTPHandlers) VerifyEmailOTP(w http.ResponseWriter, r *http.Request) {
	var req VerifyEmailOTPRequest
	if err := decodeBody(w, r, &req); err != nil {
		respondWithDecodeError(w, err)
		return
	}

	if err := h.otpService.VerifyCode(r.Context(), req.Email, string(req.Code)); err != nil {
		h.respondWithServiceError(w, err, "email and code are required")
		return
	}

	resp := VerifyEmailOTPResponse{Verified: true}
	if h.tokenService != nil {
		// Verification already happened, so a signing failure only drops the token.
		token, expiresAt, err := h.tokenService.Issue(repository.NormalizeEmail(req.Email))
		if err != nil {
			h.logger.WithError(err).Warn("Verification token not issued")
		} else {
			resp.VerificationToken = token
			resp.ExpiresAt = &expiresAt
		}
	}

	respondWithJSON(w, http.StatusOK, resp)
}

func (h *OTPHandlers) MailConfig(w http.ResponseWriter, r *http.Request) {
	resp := MailConfigResponse{Configured: h.mailStatus.Configured}
	if h.mailStatus.Provider != "" {
		provider := h.mailStatus.Provider
		resp.Provider = &provider
	}
	if h.mailStatus.FromEmail != "" {
		fromEmail := h.mailStatus.FromEmail
		resp.FromEmail = &fromEmail
	}
	respondWithJSON(w, http.StatusOK, resp)
}

// VerifiedEmail echoes the address proven by the verification token that
// middleware.RequireVerifiedEmail placed on the request context.
func (h *OTPHandlers) VerifiedEmail(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.VerificationClaimsFromContext(r.Context())
	if !ok {
		respondWithError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Missing verification token")
		return
	}
	respondWithJSON(w, http.StatusOK, VerifiedEmailResponse{
		Email:    claims.Email,
		Verified: true,
	})
}

func Health(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (h *OTPHandlers) respondWithServiceError(w http.ResponseWriter, err error, inputMessage string) {
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		respondWithError(w, http.StatusBadRequest, "INVALID_INPUT", inputMessage)
	case errors.Is(err, service.ErrInvalidCode):
		respondWithError(w, http.StatusBadRequest, "INVALID_CODE", "Invalid code")
	case errors.Is(err, service.ErrAlreadyUsed):
		respondWithError(w, http.StatusBadRequest, "CODE_ALREADY_USED", "Code already used")
	case errors.Is(err, service.ErrTooManyAttempts):
		respondWithError(w, http.StatusBadRequest, "TOO_MANY_ATTEMPTS", "Too many attempts")
	case errors.Is(err, service.ErrExpired):
		respondWithError(w, http.StatusBadRequest, "CODE_EXPIRED", "Code expired")
	case errors.Is(err, service.ErrMailNotConfigured):
		respondWithJSON(w, http.StatusInternalServerError, ErrorResponse{
			Error: "Email provider not configured on server",
			Code:  "MAIL_NOT_CONFIGURED",
			Hint:  mailNotConfiguredHint,
		})
	case errors.Is(err, service.ErrStoreUnavailable):
		h.logger.WithError(err).Error("OTP store unavailable")
		respondWithError(w, http.StatusInternalServerError, "STORE_UNAVAILABLE", "Verification is temporarily unavailable")
	default:
		h.logger.WithError(err).Error("Unexpected OTP failure")
		respondWithError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
	}
}

// decodeBody treats an empty body as an empty object so that missing fields
// are reported as INVALID_INPUT rather than a malformed request.
func decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) error {
	if r.Body == nil {
		return nil
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondWithDecodeError(w http.ResponseWriter, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		respondWithError(w, http.StatusRequestEntityTooLarge, "REQUEST_TOO_LARGE", "Request body too large")
		return
	}
	respondWithError(w, http.StatusBadRequest, "INVALID_REQUEST", "Invalid request body")
}

func respondWithJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondWithError(w http.ResponseWriter, status int, code, message string) {
	respondWithJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
