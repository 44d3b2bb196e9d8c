package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/internal/ledger"
	"github.com/aihub-dev/aihub/internal/store"
)

type recordingNotifier struct {
	mu     sync.Mutex
	pushes []int
}

func (n *recordingNotifier) PushCredits(userID string, credits int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.pushes = append(n.pushes, credits)
}

func newTestBilling(t *testing.T, stripeURL string) (*Service, store.Store, *recordingNotifier) {
	t.Helper()
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	notifier := &recordingNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	ldgr := ledger.New(db, notifier, logger, config.CreditsConfig{DailyBonus: 2,
		BonusCooldown: config.Duration{Duration: 24 * time.Hour}})

	svc := New(db, ldgr, notifier, logger, config.BillingConfig{
		Enabled:             true,
		StripeSecretKey:     "sk_test_123",
		StripeWebhookSecret: "whsec_test",
		StripeBaseURL:       stripeURL,
		ClientURL:           "http://localhost:5173",
	})
	return svc, db, notifier
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

func completedSessionPayload(sessionID, userID, plan string, credits int) []byte {
	payload, _ := json.Marshal(map[string]any{
		"type": "checkout.session.completed",
		"data": map[string]any{
			"object": map[string]any{
				"id": sessionID,
				"metadata": map[string]string{
					"user_id": userID,
					"plan":    plan,
					"credits": fmt.Sprintf("%d", credits),
				},
			},
		},
	})
	return payload
}

func TestCreateCheckoutSession(t *testing.T) {
	var gotForm url.Values
	stripe := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/checkout/sessions" {
			t.Errorf("path = %q, want /v1/checkout/sessions", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer sk_test_123" {
			t.Errorf("Authorization = %q", auth)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("parse form: %v", err)
		}
		gotForm = r.PostForm
		_ = json.NewEncoder(w).Encode(map[string]string{
			"id": "cs_test_1", "url": "https://checkout.stripe.com/pay/cs_test_1",
		})
	}))
	defer stripe.Close()

	svc, db, _ := newTestBilling(t, stripe.URL)
	u := seedUser(t, db, 10)

	checkoutURL, err := svc.CreateCheckoutSession(context.Background(), u, "pro")
	if err != nil {
		t.Fatalf("CreateCheckoutSession() error: %v", err)
	}
	if checkoutURL != "https://checkout.stripe.com/pay/cs_test_1" {
		t.Errorf("url = %q", checkoutURL)
	}

	if gotForm.Get("metadata[user_id]") != u.ID {
		t.Errorf("metadata user_id = %q, want %q", gotForm.Get("metadata[user_id]"), u.ID)
	}
	if gotForm.Get("metadata[plan]") != "pro" || gotForm.Get("metadata[credits]") != "200" {
		t.Errorf("plan metadata = %q/%q, want pro/200",
			gotForm.Get("metadata[plan]"), gotForm.Get("metadata[credits]"))
	}
	if gotForm.Get("line_items[0][price_data][unit_amount]") != "999" {
		t.Errorf("unit_amount = %q, want 999", gotForm.Get("line_items[0][price_data][unit_amount]"))
	}
	if gotForm.Get("mode") != "payment" {
		t.Errorf("mode = %q, want payment", gotForm.Get("mode"))
	}
}

func TestCreateCheckoutSession_UnknownPlan(t *testing.T) {
	svc, db, _ := newTestBilling(t, "http://unused.invalid")
	u := seedUser(t, db, 10)

	_, err := svc.CreateCheckoutSession(context.Background(), u, "mega")
	if !errors.Is(err, ErrUnknownPlan) {
		t.Errorf("error = %v, want ErrUnknownPlan", err)
	}
}

func TestCreateCheckoutSession_Disabled(t *testing.T) {
	db, err := store.NewSQLite(":memory:")
	if err != nil {
		t.Fatalf("NewSQLite() error: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	notifier := &recordingNotifier{}
	ldgr := ledger.New(db, notifier, logger, config.CreditsConfig{})
	svc := New(db, ldgr, notifier, logger, config.BillingConfig{})

	u := seedUser(t, db, 10)
	_, err = svc.CreateCheckoutSession(context.Background(), u, "pro")
	if !errors.Is(err, ErrNotConfigured) {
		t.Errorf("error = %v, want ErrNotConfigured", err)
	}
}

func TestProcessWebhook_AppliesUpgrade(t *testing.T) {
	svc, db, notifier := newTestBilling(t, "http://unused.invalid")
	ctx := context.Background()
	u := seedUser(t, db, 10)

	payload := completedSessionPayload("cs_live_1", u.ID, "pro", 200)
	header := SignPayload(payload, "whsec_test", time.Now())

	if err := svc.ProcessWebhook(ctx, payload, header); err != nil {
		t.Fatalf("ProcessWebhook() error: %v", err)
	}

	got, _ := db.GetUserByID(ctx, u.ID)
	if got.Credits != 210 || got.Plan != "pro" {
		t.Errorf("after webhook: credits=%d plan=%q, want 210/pro", got.Credits, got.Plan)
	}

	entries, _ := db.ListLedgerEntries(ctx, u.ID, 10)
	if len(entries) != 1 || entries[0].Action != "Plan Upgrade" {
		t.Errorf("entries = %+v, want one Plan Upgrade entry", entries)
	}

	notifier.mu.Lock()
	pushed := len(notifier.pushes) > 0 && notifier.pushes[len(notifier.pushes)-1] == 210
	notifier.mu.Unlock()
	if !pushed {
		t.Error("balance push missing after upgrade")
	}
}

func TestProcessWebhook_RedeliveryIsIdempotent(t *testing.T) {
	svc, db, _ := newTestBilling(t, "http://unused.invalid")
	ctx := context.Background()
	u := seedUser(t, db, 10)

	payload := completedSessionPayload("cs_live_2", u.ID, "ultra", 999999)
	header := SignPayload(payload, "whsec_test", time.Now())

	if err := svc.ProcessWebhook(ctx, payload, header); err != nil {
		t.Fatalf("first delivery error: %v", err)
	}
	if err := svc.ProcessWebhook(ctx, payload, header); err != nil {
		t.Fatalf("redelivery error: %v", err)
	}

	got, _ := db.GetUserByID(ctx, u.ID)
	if got.Credits != 1000009 {
		t.Errorf("credits = %d, want single grant (1000009)", got.Credits)
	}
	entries, _ := db.ListLedgerEntries(ctx, u.ID, 10)
	if len(entries) != 1 {
		t.Errorf("entries = %d, want 1", len(entries))
	}
}

func TestProcessWebhook_BadSignature(t *testing.T) {
	svc, db, _ := newTestBilling(t, "http://unused.invalid")
	u := seedUser(t, db, 10)

	payload := completedSessionPayload("cs_live_3", u.ID, "pro", 200)
	header := SignPayload(payload, "whsec_wrong", time.Now())

	err := svc.ProcessWebhook(context.Background(), payload, header)
	if !errors.Is(err, ErrBadSignature) {
		t.Fatalf("error = %v, want ErrBadSignature", err)
	}

	got, _ := db.GetUserByID(context.Background(), u.ID)
	if got.Credits != 10 {
		t.Errorf("credits changed on bad signature: %d", got.Credits)
	}
}

func TestProcessWebhook_IgnoresOtherEvents(t *testing.T) {
	svc, db, _ := newTestBilling(t, "http://unused.invalid")
	u := seedUser(t, db, 10)

	payload, _ := json.Marshal(map[string]any{"type": "invoice.paid"})
	header := SignPayload(payload, "whsec_test", time.Now())

	if err := svc.ProcessWebhook(context.Background(), payload, header); err != nil {
		t.Fatalf("ProcessWebhook() error: %v", err)
	}
	got, _ := db.GetUserByID(context.Background(), u.ID)
	if got.Credits != 10 {
		t.Errorf("credits = %d, want 10 (untouched)", got.Credits)
	}
}

func TestProcessWebhook_IncompleteMetadata(t *testing.T) {
	svc, _, _ := newTestBilling(t, "http://unused.invalid")

	payload, _ := json.Marshal(map[string]any{
		"type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{"id": "cs_live_4"}},
	})
	header := SignPayload(payload, "whsec_test", time.Now())

	if err := svc.ProcessWebhook(context.Background(), payload, header); err == nil {
		t.Error("ProcessWebhook() = nil, want metadata error")
	}
}
