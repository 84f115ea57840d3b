package service

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/eduhub/eduhub/internal/config"
	"github.com/eduhub/eduhub/internal/mail"
	"github.com/eduhub/eduhub/internal/models"
	"github.com/eduhub/eduhub/internal/repository"
	"github.com/sirupsen/logrus"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrMailNotConfigured = errors.New("mail transport not configured")
	ErrInvalidCode       = errors.New("invalid code")
	ErrAlreadyUsed       = errors.New("code already used")
	ErrTooManyAttempts   = errors.New("too many attempts")
	ErrExpired           = errors.New("code expired")
	ErrStoreUnavailable  = errors.New("otp store unavailable")
)

const (
	codeMin   = 100000
	codeRange = 900000

	mailSubject = "Your EduHub verification code"
)

// CodeDispatcher queues a message for background delivery.
type CodeDispatcher interface {
	Enqueue(msg mail.Message) bool
	Provider() string
}

type IssueResult struct {
	MailProvider string
	ExpiresAt    time.Time
	Reused       bool
}

type OTPService struct {
	store      repository.OTPStore
	dispatcher CodeDispatcher
	cfg        *config.OTPConfig
	logger     *logrus.Logger
	now        func() time.Time
}

// NewOTPService wires the issuance and verification policies. A nil dispatcher
// means no mail transport is configured and RequestCode fails fast.
func NewOTPService(store repository.OTPStore, dispatcher CodeDispatcher, cfg *config.OTPConfig, logger *logrus.Logger) *OTPService {
	return &OTPService{
		store:      store,
		dispatcher: dispatcher,
		cfg:        cfg,
		logger:     logger,
		now:        time.Now,
	}
}

// WithClock replaces the time source.
func (s *OTPService) WithClock(now func() time.Time) *OTPService {
	s.now = now
	return s
}

// GenerateCode returns a uniformly distributed code in [100000, 999999].
func GenerateCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(codeRange))
	if err != nil {
		return "", fmt.Errorf("failed to generate OTP: %w", err)
	}
	return fmt.Sprintf("%d", n.Int64()+codeMin), nil
}

// RequestCode reuses the live code for email or mints a new one, persists it
// and queues it for delivery. Delivery problems are logged only.
func (s *OTPService) RequestCode(ctx context.Context, email string) (*IssueResult, error) {
	email = repository.NormalizeEmail(email)
	if email == "" {
		return nil, fmt.Errorf("%w: email is required", ErrInvalidInput)
	}
	if s.dispatcher == nil {
		return nil, ErrMailNotConfigured
	}

	now := s.now().UTC()
	log := s.logger.WithField("email", email)

	existing, err := s.store.Get(ctx, email)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("failed to load OTP: %w: %w", ErrStoreUnavailable, err)
	}

	var rec models.OTPRecord
	reused := existing != nil && existing.Live(now)
	if reused {
		rec = *existing
	} else {
		code, err := GenerateCode()
		if err != nil {
			return nil, err
		}
		rec = models.OTPRecord{
			Email:     email,
			Code:      code,
			Attempts:  0,
			Consumed:  false,
			CreatedAt: now,
			// Millisecond precision is what every backend stores.
			ExpiresAt: now.Add(s.cfg.Expiry).Truncate(time.Millisecond),
		}
		if err := s.store.Upsert(ctx, rec); err != nil {
			return nil, fmt.Errorf("failed to store OTP: %w: %w", ErrStoreUnavailable, err)
		}
	}

	msg := mail.Message{
		To:      email,
		Subject: mailSubject,
		Text: fmt.Sprintf("Your verification code is %s. It expires in %d minutes.",
			rec.Code, int(s.cfg.Expiry.Minutes())),
	}
	if !s.dispatcher.Enqueue(msg) {
		log.Warn("Mail queue unavailable, verification code not dispatched")
	}

	log.WithFields(logrus.Fields{
		"reused":     reused,
		"expires_at": rec.ExpiresAt,
	}).Info("Verification code issued")

	return &IssueResult{
		MailProvider: s.dispatcher.Provider(),
		ExpiresAt:    rec.ExpiresAt,
		Reused:       reused,
	}, nil
}

// VerifyCode checks code against the stored record for email. On success the
// record is deleted, so a repeated submission reports ErrInvalidCode.
// ErrAlreadyUsed is kept for records that were flagged consumed instead of
// deleted by older deployments.
func (s *OTPService) VerifyCode(ctx context.Context, email, code string) error {
	email = repository.NormalizeEmail(email)
	code = strings.TrimSpace(code)
	if email == "" || code == "" {
		return fmt.Errorf("%w: email and code are required", ErrInvalidInput)
	}

	now := s.now().UTC()
	log := s.logger.WithField("email", email)

	rec, err := s.loadForVerification(ctx, email, now)
	if err != nil {
		return err
	}

	if rec.Code != code {
		attempts, err := s.store.IncrementAttempts(ctx, email, s.cfg.MaxAttempts)
		switch {
		case errors.Is(err, repository.ErrConditionFailed):
			// Lost a race with another verification or a reissue.
			if _, err := s.loadForVerification(ctx, email, now); err != nil {
				return err
			}
			return ErrInvalidCode
		case err != nil:
			return fmt.Errorf("failed to record OTP attempt: %w: %w", ErrStoreUnavailable, err)
		}
		log.WithField("attempts", attempts).Info("Verification code mismatch")
		return ErrInvalidCode
	}

	err = s.store.Consume(ctx, email, code, s.cfg.MaxAttempts, now)
	switch {
	case errors.Is(err, repository.ErrConditionFailed):
		if _, err := s.loadForVerification(ctx, email, now); err != nil {
			return err
		}
		return ErrInvalidCode
	case err != nil:
		return fmt.Errorf("failed to consume OTP: %w: %w", ErrStoreUnavailable, err)
	}

	log.Info("Email verified")
	return nil
}

// loadForVerification applies the checks that reject a record before any code
// comparison, in order: missing, consumed, exhausted, expired.
func (s *OTPService) loadForVerification(ctx context.Context, email string, now time.Time) (*models.OTPRecord, error) {
	rec, err := s.store.Get(ctx, email)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrInvalidCode
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load OTP: %w: %w", ErrStoreUnavailable, err)
	}

	switch {
	case rec.Consumed:
		return nil, ErrAlreadyUsed
	case rec.Attempts >= s.cfg.MaxAttempts:
		return nil, ErrTooManyAttempts
	case rec.Expired(now):
		return nil, ErrExpired
	}
	return rec, nil
}
