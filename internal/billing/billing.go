// Package billing creates Stripe Checkout sessions and applies completed
// payments delivered over the signed webhook.
package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/internal/ledger"
	"github.com/aihub-dev/aihub/internal/store"
)

var (
	// ErrNotConfigured is returned when billing is disabled or missing keys.
	ErrNotConfigured = errors.New("billing not configured")
	// ErrUnknownPlan is returned for a plan key outside the catalog.
	ErrUnknownPlan = errors.New("unknown plan")
)

// Service handles checkout session creation and webhook processing.
type Service struct {
	store    store.Store
	ledger   *ledger.Service
	notifier ledger.Notifier
	logger   *slog.Logger

	enabled       bool
	secretKey     string
	webhookSecret string
	baseURL       string
	clientURL     string
	httpClient    *http.Client
}

// New creates a billing service.
func New(s store.Store, l *ledger.Service, n ledger.Notifier, logger *slog.Logger, cfg config.BillingConfig) *Service {
	return &Service{
		store:         s,
		ledger:        l,
		notifier:      n,
		logger:        logger.With("component", "billing"),
		enabled:       cfg.Enabled && cfg.StripeSecretKey != "",
		secretKey:     cfg.StripeSecretKey,
		webhookSecret: cfg.StripeWebhookSecret,
		baseURL:       cfg.StripeBaseURL,
		clientURL:     cfg.ClientURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Enabled reports whether the payment provider is configured.
func (s *Service) Enabled() bool { return s.enabled }

type checkoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// CreateCheckoutSession creates a hosted checkout session for the plan and
// returns its URL. The user and plan ride along in the session metadata so
// the webhook can apply the grant.
func (s *Service) CreateCheckoutSession(ctx context.Context, user *store.User, planKey string) (string, error) {
	if !s.enabled {
		return "", ErrNotConfigured
	}
	plan, ok := Plans[planKey]
	if !ok {
		return "", ErrUnknownPlan
	}

	form := url.Values{}
	form.Set("payment_method_types[0]", "card")
	form.Set("line_items[0][price_data][currency]", "usd")
	form.Set("line_items[0][price_data][product_data][name]", plan.Name)
	form.Set("line_items[0][price_data][product_data][description]", plan.Description)
	form.Set("line_items[0][price_data][unit_amount]", strconv.FormatInt(plan.PriceCents, 10))
	form.Set("line_items[0][quantity]", "1")
	form.Set("mode", "payment")
	form.Set("success_url", s.clientURL+"/pricing?success=true&plan="+planKey)
	form.Set("cancel_url", s.clientURL+"/pricing?canceled=true")
	form.Set("client_reference_id", user.ID)
	form.Set("metadata[user_id]", user.ID)
	form.Set("metadata[plan]", planKey)
	form.Set("metadata[credits]", strconv.Itoa(plan.Credits))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.baseURL+"/v1/checkout/sessions", strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("build checkout request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.secretKey)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("create checkout session: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		s.logger.Warn("checkout session creation failed",
			"status", resp.StatusCode, "body", string(body))
		return "", fmt.Errorf("checkout session status %d", resp.StatusCode)
	}

	var session checkoutSession
	if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
		return "", fmt.Errorf("decode checkout session: %w", err)
	}

	return session.URL, nil
}

// webhookEvent is the subset of the Stripe event envelope we act on.
type webhookEvent struct {
	Type string `json:"type"`
	Data struct {
		Object struct {
			ID       string            `json:"id"`
			Metadata map[string]string `json:"metadata"`
		} `json:"object"`
	} `json:"data"`
}

// ProcessWebhook verifies the signature and applies a completed checkout
// session. The session ID keys the payments table, so a redelivered event
// applies nothing the second time.
func (s *Service) ProcessWebhook(ctx context.Context, payload []byte, sigHeader string) error {
	if !s.enabled {
		return ErrNotConfigured
	}
	if err := verifySignature(payload, sigHeader, s.webhookSecret, signatureTolerance, time.Now()); err != nil {
		return err
	}

	var event webhookEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("parse webhook event: %w", err)
	}

	if event.Type != "checkout.session.completed" {
		return nil // not ours
	}

	obj := event.Data.Object
	userID := obj.Metadata["user_id"]
	planKey := obj.Metadata["plan"]
	credits, _ := strconv.Atoi(obj.Metadata["credits"])
	if obj.ID == "" || userID == "" || planKey == "" || credits <= 0 {
		return fmt.Errorf("webhook session %q has incomplete metadata", obj.ID)
	}

	applied, err := s.store.ApplyPayment(ctx, &store.Payment{
		SessionID: obj.ID,
		UserID:    userID,
		Plan:      planKey,
		Credits:   credits,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("apply payment: %w", err)
	}
	if !applied {
		s.logger.Info("webhook redelivery ignored", "session_id", obj.ID)
		return nil
	}

	s.ledger.Record(ctx, userID, "Plan Upgrade", credits,
		fmt.Sprintf("Upgraded to %s plan", planKey))

	if user, err := s.store.GetUserByID(ctx, userID); err == nil && user != nil {
		s.notifier.PushCredits(userID, user.Credits)
	}

	s.logger.Info("plan upgrade applied",
		"user_id", userID, "plan", planKey, "credits", credits, "session_id", obj.ID)
	return nil
}
