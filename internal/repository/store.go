package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/eduhub/eduhub/internal/models"
)

var (
	ErrNotFound        = errors.New("otp record not found")
	ErrConditionFailed = errors.New("otp record changed concurrently")
)

// OTPStore holds one OTP record per normalized email. Every backend applies
// IncrementAttempts and Consume as single conditional operations on the stored
// record, so concurrent verifications cannot push attempts past maxAttempts or
// consume a record that another request has just exhausted.
type OTPStore interface {
	// Get returns ErrNotFound when no record exists for email.
	Get(ctx context.Context, email string) (*models.OTPRecord, error)

	// Upsert replaces any record stored for rec.Email.
	Upsert(ctx context.Context, rec models.OTPRecord) error

	// Delete removes the record unconditionally. Deleting a missing record is
	// not an error. The verification path never calls it, since consumption
	// goes through Consume; it is kept for operator tooling such as clearing a
	// locked-out address.
	Delete(ctx context.Context, email string) error

	// IncrementAttempts adds one failed attempt while attempts < maxAttempts and
	// returns the new count. It returns ErrConditionFailed when the record is
	// missing or already exhausted.
	IncrementAttempts(ctx context.Context, email string, maxAttempts int) (int, error)

	// Consume deletes the record only if it still holds code, is not consumed,
	// has attempts < maxAttempts and has not expired at now. Otherwise it
	// returns ErrConditionFailed.
	Consume(ctx context.Context, email, code string, maxAttempts int, now time.Time) error
}

// NormalizeEmail is the store key for an address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}
