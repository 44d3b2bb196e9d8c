package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/internal/ledger"
	"github.com/aihub-dev/aihub/internal/provider"
	"github.com/aihub-dev/aihub/internal/store"
)

type noopNotifier struct{}

func (noopNotifier) PushCredits(string, int) {}

func newTestGateway(t *testing.T) (*Gateway, store.Store) {
	t.Helper()
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ldgr := ledger.New(db, noopNotifier{}, logger, config.CreditsConfig{
		DailyBonus:    2,
		BonusCooldown: config.Duration{Duration: 24 * time.Hour},
	})
	return New(db, ldgr, logger), db
}

func seedUser(t *testing.T, db store.Store, credits int) *store.User {
	t.Helper()
	u := &store.User{
		ID:           uuid.New().String(),
		Username:     "user-" + uuid.New().String()[:8],
		PasswordHash: "x",
		Credits:      credits,
		Plan:         "free",
		CreatedAt:    time.Now().UTC(),
	}
	u.ReferralCode = "RC" + u.ID[:5]
	if err := db.CreateUser(context.Background(), u); err != nil {
		t.Fatalf("CreateUser() error: %v", err)
	}
	return u
}

func TestRun_Success(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()
	u := seedUser(t, db, 10)

	invoked := false
	balance, err := g.Run(ctx, u.ID, Action{Name: "Ask AI", Cost: 1}, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if err != nil || balance != 9 {
		t.Fatalf("Run() = %d, %v, want 9, nil", balance, err)
	}
	if !invoked {
		t.Error("invoke not called")
	}

	entries, _ := db.ListLedgerEntries(ctx, u.ID, 10)
	if len(entries) != 1 || entries[0].Amount != -1 {
		t.Errorf("entries = %+v, want one -1 entry", entries)
	}
}

func TestRun_InsufficientCreditsSkipsProvider(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()
	u := seedUser(t, db, 0)

	invoked := false
	_, err := g.Run(ctx, u.ID, Action{Name: "Ask AI", Cost: 1}, func(ctx context.Context) error {
		invoked = true
		return nil
	})
	if !errors.Is(err, store.ErrInsufficientCredits) {
		t.Fatalf("Run() error = %v, want ErrInsufficientCredits", err)
	}
	if invoked {
		t.Error("provider invoked despite empty balance")
	}
}

func TestRun_ProviderFailureDoesNotCharge(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()
	u := seedUser(t, db, 10)

	_, err := g.Run(ctx, u.ID, Action{Name: "Generate Image", Cost: 1}, func(ctx context.Context) error {
		return provider.ErrUnavailable
	})
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Fatalf("Run() error = %v, want ErrUnavailable", err)
	}

	got, _ := db.GetUserByID(ctx, u.ID)
	if got.Credits != 10 {
		t.Errorf("balance after provider failure = %d, want 10", got.Credits)
	}
	entries, _ := db.ListLedgerEntries(ctx, u.ID, 10)
	if len(entries) != 0 {
		t.Errorf("entries after provider failure = %d, want 0", len(entries))
	}
}

func TestRun_WrapsUnknownProviderError(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()
	u := seedUser(t, db, 10)

	_, err := g.Run(ctx, u.ID, Action{Name: "Ask AI", Cost: 1}, func(ctx context.Context) error {
		return errors.New("connection reset")
	})
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Errorf("Run() error = %v, want wrapped ErrUnavailable", err)
	}
}

func TestRun_UnknownUser(t *testing.T) {
	g, _ := newTestGateway(t)

	_, err := g.Run(context.Background(), "missing", Action{Name: "Ask AI", Cost: 1},
		func(ctx context.Context) error { return nil })
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Run() error = %v, want ErrNotFound", err)
	}
}

func TestRun_TimeoutBoundsInvoke(t *testing.T) {
	g, db := newTestGateway(t)
	ctx := context.Background()
	u := seedUser(t, db, 10)

	_, err := g.Run(ctx, u.ID, Action{Name: "Ask AI", Cost: 1, Timeout: 10 * time.Millisecond},
		func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
				return nil
			}
		})
	if !errors.Is(err, provider.ErrUnavailable) {
		t.Errorf("Run() error = %v, want wrapped ErrUnavailable on timeout", err)
	}

	got, _ := db.GetUserByID(ctx, u.ID)
	if got.Credits != 10 {
		t.Errorf("balance after timeout = %d, want 10", got.Credits)
	}
}
