// Package ledger implements credit accounting: every balance change is an
// atomic conditional update paired with an immutable history entry and a
// realtime balance push.
package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/internal/store"
)

// Notifier pushes balance updates to an account's live connection.
type Notifier interface {
	PushCredits(userID string, credits int)
}

// Service is the single write path for account balances.
type Service struct {
	store    store.Store
	notifier Notifier
	logger   *slog.Logger

	dailyBonus    int
	bonusCooldown time.Duration
}

// New creates a ledger service.
func New(s store.Store, n Notifier, logger *slog.Logger, cfg config.CreditsConfig) *Service {
	return &Service{
		store:         s,
		notifier:      n,
		logger:        logger.With("component", "ledger"),
		dailyBonus:    cfg.DailyBonus,
		bonusCooldown: cfg.BonusCooldown.Duration,
	}
}

// Debit removes amount credits from the account. The decrement only applies
// when the balance covers it; otherwise store.ErrInsufficientCredits is
// returned and nothing is recorded.
func (s *Service) Debit(ctx context.Context, userID string, amount int, action, description string) (int, error) {
	balance, err := s.store.DebitCredits(ctx, userID, amount)
	if err != nil {
		return 0, err
	}
	s.record(ctx, userID, action, -amount, description)
	s.notifier.PushCredits(userID, balance)
	return balance, nil
}

// Credit adds amount credits to the account.
func (s *Service) Credit(ctx context.Context, userID string, amount int, action, description string) (int, error) {
	balance, err := s.store.CreditCredits(ctx, userID, amount)
	if err != nil {
		return 0, err
	}
	s.record(ctx, userID, action, amount, description)
	s.notifier.PushCredits(userID, balance)
	return balance, nil
}

// ClaimDailyBonus grants the daily bonus once per cooldown window. The grant
// and the claim timestamp are a single conditional update, so a rapid double
// claim yields exactly one grant and store.ErrBonusAlreadyClaimed for the
// loser.
func (s *Service) ClaimDailyBonus(ctx context.Context, userID string) (int, time.Time, error) {
	now := time.Now().UTC()
	balance, err := s.store.ClaimDailyBonus(ctx, userID, s.dailyBonus, s.bonusCooldown, now)
	if err != nil {
		return 0, time.Time{}, err
	}
	s.record(ctx, userID, "Daily Bonus", s.dailyBonus, "Claimed daily check-in reward")
	s.notifier.PushCredits(userID, balance)
	return balance, now, nil
}

// DailyBonus returns the configured daily bonus amount.
func (s *Service) DailyBonus() int { return s.dailyBonus }

// Record appends a history entry without touching the balance. Used for
// grants already included in a row insert, like the signup grant.
func (s *Service) Record(ctx context.Context, userID, action string, amount int, description string) {
	s.record(ctx, userID, action, amount, description)
}

// History returns the account's most recent ledger entries.
func (s *Service) History(ctx context.Context, userID string, limit int) ([]store.LedgerEntry, error) {
	return s.store.ListLedgerEntries(ctx, userID, limit)
}

// record appends a ledger entry. The balance change has already committed,
// so a failure here only logs; history may then under-report, but balances
// never drift.
func (s *Service) record(ctx context.Context, userID, action string, amount int, description string) {
	entry := &store.LedgerEntry{
		ID:          uuid.New().String(),
		UserID:      userID,
		Action:      action,
		Amount:      amount,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}
	if err := s.store.AppendLedgerEntry(ctx, entry); err != nil {
		s.logger.Error("failed to append ledger entry",
			"user_id", userID, "action", action, "error", fmt.Errorf("append: %w", err))
	}
}
