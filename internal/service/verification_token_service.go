package service

import (
	"fmt"
	"time"

	"github.com/eduhub/eduhub/internal/config"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const emailVerificationPurpose = "email_verification"

// VerificationTokenService signs short-lived proofs that an email address
// passed OTP verification, for the account creation step to present.
type VerificationTokenService struct {
	secretKey []byte
	expiry    time.Duration
	logger    *logrus.Logger
	now       func() time.Time
}

type VerificationClaims struct {
	Email   string `json:"email"`
	Purpose string `json:"purpose"`
	jwt.RegisteredClaims
}

func NewVerificationTokenService(cfg *config.VerificationTokenConfig, logger *logrus.Logger) (*VerificationTokenService, error) {
	secretKey := []byte(cfg.SecretKey)
	if len(secretKey) < 32 {
		return nil, fmt.Errorf("secret key must be at least 32 bytes")
	}

	return &VerificationTokenService{
		secretKey: secretKey,
		expiry:    cfg.Expiry,
		logger:    logger,
		now:       time.Now,
	}, nil
}

func (s *VerificationTokenService) Issue(email string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.expiry)
	jti := uuid.New().String()

	claims := &VerificationClaims{
		Email:   email,
		Purpose: emailVerificationPurpose,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secretKey)
	if err != nil {
		s.logger.WithError(err).Error("Failed to sign verification token")
		return "", time.Time{}, fmt.Errorf("failed to sign verification token: %w", err)
	}

	return signed, expiresAt, nil
}

func (s *VerificationTokenService) Verify(tokenString string) (*VerificationClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &VerificationClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secretKey, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*VerificationClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}
	if claims.Purpose != emailVerificationPurpose {
		return nil, fmt.Errorf("token is not an email verification token")
	}

	return claims, nil
}
