package models

import "time"

// OTPRecord is the single live passcode for an email address.
type OTPRecord struct {
	Email     string    `json:"email"`
	Code      string    `json:"-"`
	Attempts  int       `json:"attempts"`
	Consumed  bool      `json:"consumed"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Live reports whether the record may still be handed out again at issuance time.
func (r *OTPRecord) Live(now time.Time) bool {
	return !r.Consumed && !r.ExpiresAt.IsZero() && r.ExpiresAt.After(now)
}

// Expired treats a missing expiry as expired.
func (r *OTPRecord) Expired(now time.Time) bool {
	return r.ExpiresAt.IsZero() || now.After(r.ExpiresAt)
}
