// Package gateway runs credit-consuming actions: check the balance, invoke
// the external provider under a bounded timeout, then debit. The debit is
// the last step of the happy path, so a provider failure never charges the
// account.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aihub-dev/aihub/internal/ledger"
	"github.com/aihub-dev/aihub/internal/provider"
	"github.com/aihub-dev/aihub/internal/store"
)

const defaultTimeout = 30 * time.Second

// Action describes one paid feature invocation.
type Action struct {
	Name        string        // ledger category tag, e.g. "Ask AI"
	Description string        // ledger entry description
	Cost        int           // credits consumed on success
	Timeout     time.Duration // provider call bound; default 30s
}

// Gateway enforces the credit economy around provider calls.
type Gateway struct {
	store  store.Store
	ledger *ledger.Service
	logger *slog.Logger
}

// New creates a gateway.
func New(s store.Store, l *ledger.Service, logger *slog.Logger) *Gateway {
	return &Gateway{
		store:  s,
		ledger: l,
		logger: logger.With("component", "gateway"),
	}
}

// Run executes invoke for the given account and returns the balance after
// the debit. The pre-check rejects obviously broke accounts before any
// provider traffic; the debit itself is conditional again, so two racing
// requests against one remaining credit cannot both be charged. No lock is
// held while the provider call runs.
func (g *Gateway) Run(ctx context.Context, userID string, act Action, invoke func(ctx context.Context) error) (int, error) {
	user, err := g.store.GetUserByID(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("load user: %w", err)
	}
	if user == nil {
		return 0, store.ErrNotFound
	}
	if user.Credits < act.Cost {
		return 0, store.ErrInsufficientCredits
	}

	timeout := act.Timeout
	if timeout == 0 {
		timeout = defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if err := invoke(callCtx); err != nil {
		g.logger.Warn("provider call failed",
			"action", act.Name, "user_id", userID, "error", err)
		if errors.Is(err, provider.ErrUnavailable) {
			return 0, err
		}
		return 0, fmt.Errorf("%w: %w", provider.ErrUnavailable, err)
	}

	balance, err := g.ledger.Debit(ctx, userID, act.Cost, act.Name, act.Description)
	if err != nil {
		// A concurrent debit can still win the race between the pre-check
		// and here; the caller sees the same insufficient-credits error.
		return 0, err
	}

	return balance, nil
}
