package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/eduhub/eduhub/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sirupsen/logrus"
)

// PgxQuerier is satisfied by *pgxpool.Pool and pgx.Tx.
type PgxQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const emailOTPSchema = `
CREATE TABLE IF NOT EXISTS email_otps (
	email      TEXT PRIMARY KEY,
	code       TEXT NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	consumed   BOOLEAN NOT NULL DEFAULT FALSE,
	attempts   INTEGER NOT NULL DEFAULT 0,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

// PostgresOTPRepository keeps records in the email_otps table, one row per email.
type PostgresOTPRepository struct {
	db     PgxQuerier
	logger *logrus.Logger
}

func NewPostgresOTPRepository(db PgxQuerier, logger *logrus.Logger) *PostgresOTPRepository {
	return &PostgresOTPRepository{db: db, logger: logger}
}

// EnsureSchema creates the email_otps table when it does not exist yet.
func (r *PostgresOTPRepository) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, emailOTPSchema); err != nil {
		return fmt.Errorf("failed to create email_otps table: %w", err)
	}
	return nil
}

func (r *PostgresOTPRepository) Get(ctx context.Context, email string) (*models.OTPRecord, error) {
	const q = `
		SELECT email, code, expires_at, consumed, attempts, created_at
		FROM email_otps
		WHERE email = $1
	`
	var rec models.OTPRecord
	err := r.db.QueryRow(ctx, q, email).Scan(
		&rec.Email, &rec.Code, &rec.ExpiresAt, &rec.Consumed, &rec.Attempts, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		r.logger.WithError(err).Error("Failed to get OTP from Postgres")
		return nil, fmt.Errorf("failed to get OTP: %w", err)
	}

	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func (r *PostgresOTPRepository) Upsert(ctx context.Context, rec models.OTPRecord) error {
	const q = `
		INSERT INTO email_otps (email, code, expires_at, consumed, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (email) DO UPDATE
		SET code = EXCLUDED.code,
		    expires_at = EXCLUDED.expires_at,
		    consumed = EXCLUDED.consumed,
		    attempts = EXCLUDED.attempts,
		    created_at = EXCLUDED.created_at
	`
	if _, err := r.db.Exec(ctx, q,
		rec.Email, rec.Code, rec.ExpiresAt, rec.Consumed, rec.Attempts, rec.CreatedAt,
	); err != nil {
		r.logger.WithError(err).Error("Failed to store OTP in Postgres")
		return fmt.Errorf("failed to store OTP: %w", err)
	}
	return nil
}

func (r *PostgresOTPRepository) Delete(ctx context.Context, email string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM email_otps WHERE email = $1`, email); err != nil {
		return fmt.Errorf("failed to delete OTP: %w", err)
	}
	return nil
}

func (r *PostgresOTPRepository) IncrementAttempts(ctx context.Context, email string, maxAttempts int) (int, error) {
	const q = `
		UPDATE email_otps
		SET attempts = attempts + 1
		WHERE email = $1 AND attempts < $2
		RETURNING attempts
	`
	var attempts int
	if err := r.db.QueryRow(ctx, q, email, maxAttempts).Scan(&attempts); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrConditionFailed
		}
		r.logger.WithError(err).Error("Failed to increment OTP attempts in Postgres")
		return 0, fmt.Errorf("failed to increment OTP attempts: %w", err)
	}
	return attempts, nil
}

func (r *PostgresOTPRepository) Consume(ctx context.Context, email, code string, maxAttempts int, now time.Time) error {
	const q = `
		DELETE FROM email_otps
		WHERE email = $1 AND code = $2 AND attempts < $3 AND NOT consumed AND expires_at >= $4
	`
	tag, err := r.db.Exec(ctx, q, email, code, maxAttempts, now)
	if err != nil {
		r.logger.WithError(err).Error("Failed to consume OTP in Postgres")
		return fmt.Errorf("failed to consume OTP: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrConditionFailed
	}
	return nil
}
