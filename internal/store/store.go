// Package store defines the storage interface for the hub and provides SQLite and PostgreSQL implementations.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a referenced row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrUsernameTaken is returned when a username collides on create.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrInsufficientCredits is returned when a conditional debit finds the balance too low.
	ErrInsufficientCredits = errors.New("insufficient credits")
	// ErrBonusAlreadyClaimed is returned when the daily bonus cooldown has not elapsed.
	ErrBonusAlreadyClaimed = errors.New("bonus already claimed")
)

// Store is the persistence interface for the hub.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id string) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUserByExternalID(ctx context.Context, externalID string) (*User, error)
	GetUserByReferralCode(ctx context.Context, code string) (*User, error)

	// Credits. Balance changes are conditional single-statement updates so
	// concurrent requests against one account serialize at the database.
	DebitCredits(ctx context.Context, userID string, amount int) (int, error)
	CreditCredits(ctx context.Context, userID string, amount int) (int, error)
	ClaimDailyBonus(ctx context.Context, userID string, amount int, cooldown time.Duration, now time.Time) (int, error)

	// Ledger
	AppendLedgerEntry(ctx context.Context, entry *LedgerEntry) error
	ListLedgerEntries(ctx context.Context, userID string, limit int) ([]LedgerEntry, error)

	// Works
	CreateWork(ctx context.Context, work *Work) error
	ListWorks(ctx context.Context, userID string, limit int) ([]Work, error)
	DeleteWork(ctx context.Context, id, userID string) error

	// Referrals
	ListReferrals(ctx context.Context, userID string) ([]Referral, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error)

	// Payments. ApplyPayment records the checkout session and applies the
	// plan change and credit grant in one transaction. It reports false
	// without side effects when the session was already processed.
	ApplyPayment(ctx context.Context, p *Payment) (bool, error)

	// Health
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// User represents a hub account.
type User struct {
	ID               string     `json:"_id"`
	Username         string     `json:"username"`
	PasswordHash     string     `json:"-"`
	ExternalID       string     `json:"-"` // Google subject id, or empty
	Credits          int        `json:"credits"`
	Plan             string     `json:"plan"` // "free", "pro" or "ultra"
	ReferralCode     string     `json:"referralCode"`
	ReferredBy       string     `json:"referredBy,omitempty"`
	LastBonusClaimed *time.Time `json:"lastBonusClaimed,omitempty"`
	CreatedAt        time.Time  `json:"createdAt"`
}

// LedgerEntry is an immutable record of a single balance change.
// Negative amounts are debits, positive amounts are credits.
type LedgerEntry struct {
	ID          string    `json:"_id"`
	UserID      string    `json:"userId"`
	Action      string    `json:"action"`
	Amount      int       `json:"amount"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Work is a saved creative artifact shown in the user's gallery.
type Work struct {
	ID        string    `json:"_id"`
	UserID    string    `json:"user"`
	Type      string    `json:"type"` // "image", "bg-remover" or "qr-generator"
	URL       string    `json:"url"`  // data URI or remote URL
	Prompt    string    `json:"prompt,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Referral is a read-only projection of an account referred by another.
type Referral struct {
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"createdAt"`
}

// LeaderboardEntry ranks a user by how many accounts they referred.
type LeaderboardEntry struct {
	Username      string `json:"username"`
	ReferralCount int    `json:"referralCount"`
}

// Payment records a completed checkout session. The session ID is the
/// idempotency key: webhook redelivery maps to the same row.
type Payment struct {
	SessionID string    `json:"sessionId"`
	UserID    string    `json:"userId"`
	Plan      string    `json:"plan"`
	Credits   int       `json:"credits"`
	CreatedAt time.Time `json:"createdAt"`
}
