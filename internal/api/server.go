// Package api provides the HTTP API and middleware for the hub.
package api

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/aihub-dev/aihub/internal/auth"
	"github.com/aihub-dev/aihub/internal/billing"
	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/internal/gateway"
	"github.com/aihub-dev/aihub/internal/ledger"
	"github.com/aihub-dev/aihub/internal/notify"
	"github.com/aihub-dev/aihub/internal/provider"
	"github.com/aihub-dev/aihub/internal/store"
)

const (
	historyLimit     = 50
	worksLimit       = 50
	leaderboardLimit = 10
)

const askSystemPrompt = "You are a helpful, knowledgeable assistant. " +
	"Answer clearly and concisely, and use plain language."

const supportSystemPrompt = "You are the friendly support assistant for AI Hub, " +
	"a creative platform with AI chat, image generation and background removal tools. " +
	"Facts you can rely on: new accounts start with 10 free credits (15 with a referral code); " +
	"every tool costs 1 credit per use; a daily bonus of 2 credits can be claimed once every 24 hours; " +
	"inviting a friend with your referral code earns you 5 credits; " +
	"the Pro plan ($9.99) adds 200 credits and the Ultra plan ($29.99) is effectively unlimited. " +
	"Answer questions about the platform helpfully and briefly. " +
	"If you don't know the answer, suggest contacting support@aihub.dev."

// Deps are the service dependencies of the API server.
type Deps struct {
	Store    store.Store
	Auth     *auth.Service
	Ledger   *ledger.Service
	Gateway  *gateway.Gateway
	Notify   *notify.Registry
	Billing  *billing.Service
	Chat     *provider.ChatClient
	Image    *provider.ImageClient
	RemoveBG *provider.RemoveBGClient
}

// Server is the HTTP API server.
type Server struct {
	store    store.Store
	auth     *auth.Service
	ledger   *ledger.Service
	gateway  *gateway.Gateway
	notify   *notify.Registry
	billing  *billing.Service
	chat     *provider.ChatClient
	image    *provider.ImageClient
	removeBG *provider.RemoveBGClient

	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time

	maxBodyBytes   int64
	maxUploadBytes int64
	actionCost     int
	chatTimeout    time.Duration
	imageTimeout   time.Duration
	removeTimeout  time.Duration

	authRL *rateLimiter
	rl     *rateLimiter
}

// NewServer creates the API server and mounts all routes.
func NewServer(d Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		store:          d.Store,
		auth:           d.Auth,
		ledger:         d.Ledger,
		gateway:        d.Gateway,
		notify:         d.Notify,
		billing:        d.Billing,
		chat:           d.Chat,
		image:          d.Image,
		removeBG:       d.RemoveBG,
		logger:         logger.With("component", "api"),
		startTime:      time.Now(),
		maxBodyBytes:   cfg.Server.MaxBodyBytes,
		maxUploadBytes: cfg.Server.MaxUploadBytes,
		actionCost:     cfg.Credits.ActionCost,
		chatTimeout:    cfg.Providers.Chat.Timeout.Duration,
		imageTimeout:   cfg.Providers.Image.Timeout.Duration,
		removeTimeout:  cfg.Providers.RemoveBG.Timeout.Duration,
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)
	mux.Use(makeCORSMiddleware(cfg.Server.AllowedOrigins))

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	// Account creation and login, rate-limited by IP.
	srv.authRL = newRateLimiter(5, 10)
	mux.With(ipRateLimitMiddleware(srv.authRL)).Post("/api/auth/register", srv.handleRegister)
	mux.With(ipRateLimitMiddleware(srv.authRL)).Post("/api/auth/login", srv.handleLogin)
	mux.With(ipRateLimitMiddleware(srv.authRL)).Post("/api/auth/google", srv.handleGoogleLogin)

	// Public reads.
	mux.Get("/api/auth/leaderboard", srv.handleLeaderboard)

	// Stripe webhook (public, signature-verified inside).
	mux.Post("/api/stripe/webhook", srv.handleStripeWebhook)

	// Realtime balance pushes (auth handled inside via token query param).
	mux.Get("/ws", srv.handleWS)

	// Authenticated API routes
	srv.rl = newRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)
		r.Use(rateLimitMiddleware(srv.rl))

		r.Get("/api/auth/me", srv.handleGetMe)
		r.Post("/api/auth/claim-daily-bonus", srv.handleClaimDailyBonus)
		r.Get("/api/auth/referrals", srv.handleListReferrals)
		r.Get("/api/auth/history", srv.handleHistory)

		r.Post("/api/ask", srv.handleAsk)
		r.Post("/api/support", srv.handleSupport)
		r.Post("/api/gift-ideas", srv.handleGiftIdeas)
		r.Post("/api/image", srv.handleGenerateImage)
		r.Post("/api/remove-bg", srv.handleRemoveBackground)

		r.Get("/api/works", srv.handleListWorks)
		r.Post("/api/save-work", srv.handleSaveWork)
		r.Delete("/api/works/{workID}", srv.handleDeleteWork)

		r.Post("/api/stripe/create-checkout-session", srv.handleCreateCheckout)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// StartBackgroundTasks starts periodic cleanup tasks for rate limiters.
func (s *Server) StartBackgroundTasks(ctx context.Context) {
	s.authRL.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
	s.rl.StartCleanup(ctx, 5*time.Minute, 10*time.Minute)
}

// authResponse is the login/register payload: the session token plus the
// public account fields.
type authResponse struct {
	Token string `json:"token"`
	*store.User
}

// --- Auth handlers ---

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username     string `json:"username"`
		Password     string `json:"password"`
		ReferralCode string `json:"referralCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Username = strings.TrimSpace(req.Username)
	if len(req.Username) < 3 || len(req.Username) > 64 {
		writeError(w, http.StatusBadRequest, "username must be 3-64 characters")
		return
	}
	if len(req.Password) < 8 || len(req.Password) > 128 {
		writeError(w, http.StatusBadRequest, "password must be 8-128 characters")
		return
	}

	user, token, err := s.auth.Register(r.Context(), req.Username, req.Password, req.ReferralCode)
	if err != nil {
		if errors.Is(err, store.ErrUsernameTaken) {
			writeError(w, http.StatusConflict, "username already taken")
			return
		}
		s.logger.Error("registration failed", "username", req.Username, "error", err)
		writeError(w, http.StatusInternalServerError, "registration failed")
		return
	}

	writeJSON(w, http.StatusCreated, authResponse{Token: token, User: user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "username and password are required")
		return
	}

	user, token, err := s.auth.Login(r.Context(), req.Username, req.Password)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		case errors.Is(err, auth.ErrInvalidCredentials):
			writeError(w, http.StatusUnauthorized, "invalid credentials")
		default:
			s.logger.Error("login failed", "username", req.Username, "error", err)
			writeError(w, http.StatusInternalServerError, "login failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleGoogleLogin(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	var req struct {
		Token        string `json:"token"`
		ReferralCode string `json:"referralCode"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		writeError(w, http.StatusBadRequest, "token is required")
		return
	}

	user, token, err := s.auth.GoogleLogin(r.Context(), req.Token, req.ReferralCode)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrGoogleNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "google sign-in not configured")
		case errors.Is(err, store.ErrUsernameTaken):
			writeError(w, http.StatusConflict, "username already taken")
		default:
			s.logger.Warn("google sign-in rejected", "error", err)
			writeError(w, http.StatusUnauthorized, "invalid google credential")
		}
		return
	}

	writeJSON(w, http.StatusOK, authResponse{Token: token, User: user})
}

func (s *Server) handleGetMe(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load account")
		return
	}
	if user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleClaimDailyBonus(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	balance, claimedAt, err := s.ledger.ClaimDailyBonus(r.Context(), identity.UserID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrBonusAlreadyClaimed):
			writeJSON(w, http.StatusConflict, map[string]any{
				"success": false,
				"error":   "Already claimed today!",
			})
		case errors.Is(err, store.ErrNotFound):
			writeError(w, http.StatusNotFound, "user not found")
		default:
			s.logger.Error("daily bonus claim failed", "user_id", identity.UserID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to claim bonus")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"credits":          balance,
		"lastBonusClaimed": claimedAt,
		"message":          fmt.Sprintf("+%d Daily Bonus Claimed!", s.ledger.DailyBonus()),
	})
}

func (s *Server) handleListReferrals(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	referrals, err := s.store.ListReferrals(r.Context(), identity.UserID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list referrals")
		return
	}
	if referrals == nil {
		referrals = []store.Referral{}
	}
	writeJSON(w, http.StatusOK, referrals)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	entries, err := s.ledger.History(r.Context(), identity.UserID, historyLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load history")
		return
	}
	if entries == nil {
		entries = []store.LedgerEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleLeaderboard(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.Leaderboard(r.Context(), leaderboardLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load leaderboard")
		return
	}
	if entries == nil {
		entries = []store.LeaderboardEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// --- AI action handlers ---

func (s *Server) handleAsk(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	var answer string
	act := gateway.Action{
		Name:        "Ask AI",
		Description: "Asked: " + truncate(req.Prompt, 60),
		Cost:        s.actionCost,
		Timeout:     s.chatTimeout,
	}
	credits, err := s.gateway.Run(r.Context(), identity.UserID, act, func(ctx context.Context) error {
		var callErr error
		answer, callErr = s.chat.Complete(ctx, askSystemPrompt, req.Prompt, 0)
		return callErr
	})
	if err != nil {
		s.writeActionError(w, err, "AI request failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"answer":  answer,
		"credits": credits,
	})
}

// handleSupport answers platform questions. Support is free and does not
// touch the balance.
func (s *Server) handleSupport(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.chatTimeout)
	defer cancel()

	answer, err := s.chat.Complete(ctx, supportSystemPrompt, req.Prompt, 0)
	if err != nil {
		s.logger.Warn("support assistant failed", "error", err)
		writeError(w, http.StatusBadGateway, "support assistant unavailable")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"answer": answer})
}

func (s *Server) handleGiftIdeas(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Relation  string `json:"relation"`
		Age       string `json:"age"`
		Occasion  string `json:"occasion"`
		Interests string `json:"interests"`
		Budget    string `json:"budget"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Relation == "" || req.Occasion == "" || req.Interests == "" {
		writeError(w, http.StatusBadRequest, "relation, occasion and interests are required")
		return
	}

	prompt := fmt.Sprintf(
		"Suggest 5 creative gift ideas for my %s for %s. Interests: %s.",
		req.Relation, req.Occasion, req.Interests)
	if req.Age != "" {
		prompt += fmt.Sprintf(" Age: %s.", req.Age)
	}
	if req.Budget != "" {
		prompt += fmt.Sprintf(" Budget: %s.", req.Budget)
	}
	prompt += " For each idea give a short name and one sentence why it fits."

	var suggestions string
	act := gateway.Action{
		Name:        "Gift Ideas",
		Description: fmt.Sprintf("Gift ideas for %s (%s)", req.Relation, req.Occasion),
		Cost:        s.actionCost,
		Timeout:     s.chatTimeout,
	}
	credits, err := s.gateway.Run(r.Context(), identity.UserID, act, func(ctx context.Context) error {
		var callErr error
		suggestions, callErr = s.chat.Complete(ctx, askSystemPrompt, prompt, 0.8)
		return callErr
	})
	if err != nil {
		s.writeActionError(w, err, "gift idea generation failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"suggestions": suggestions,
		"credits":     credits,
	})
}

func (s *Server) handleGenerateImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		writeError(w, http.StatusBadRequest, "prompt is required")
		return
	}

	var (
		imageData []byte
		directURL string
	)
	act := gateway.Action{
		Name:        "Generate Image",
		Description: "Generated: " + truncate(req.Prompt, 60),
		Cost:        s.actionCost,
		Timeout:     s.imageTimeout,
	}
	credits, err := s.gateway.Run(r.Context(), identity.UserID, act, func(ctx context.Context) error {
		var callErr error
		imageData, directURL, callErr = s.image.Generate(ctx, req.Prompt)
		return callErr
	})
	if err != nil {
		s.writeActionError(w, err, "image generation failed")
		return
	}

	dataURI := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(imageData)
	s.saveWork(r.Context(), identity.UserID, "image", dataURI, req.Prompt)

	writeJSON(w, http.StatusOK, map[string]any{
		"imageUrl":  dataURI,
		"directUrl": directURL,
		"credits":   credits,
	})
}

func (s *Server) handleRemoveBackground(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	identity := getIdentityFromContext(r.Context())

	file, header, err := r.FormFile("image")
	if err != nil {
		writeError(w, http.StatusBadRequest, "image file is required")
		return
	}
	defer file.Close()

	var result []byte
	act := gateway.Action{
		Name:        "Remove Background",
		Description: "Removed background from " + truncate(header.Filename, 60),
		Cost:        s.actionCost,
		Timeout:     s.removeTimeout,
	}
	credits, err := s.gateway.Run(r.Context(), identity.UserID, act, func(ctx context.Context) error {
		var callErr error
		result, callErr = s.removeBG.Remove(ctx, header.Filename, file)
		return callErr
	})
	if err != nil {
		s.writeActionError(w, err, "background removal failed")
		return
	}

	encoded := base64.StdEncoding.EncodeToString(result)
	s.saveWork(r.Context(), identity.UserID, "bg-remover", "data:image/png;base64,"+encoded, "")

	writeJSON(w, http.StatusOK, map[string]any{
		"image":   encoded,
		"credits": credits,
	})
}

// saveWork persists a gallery entry for a successful action. A storage
// failure only logs; the user already paid and got their result.
func (s *Server) saveWork(ctx context.Context, userID, workType, url, prompt string) {
	work := &store.Work{
		ID:        uuid.New().String(),
		UserID:    userID,
		Type:      workType,
		URL:       url,
		Prompt:    prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWork(ctx, work); err != nil {
		s.logger.Error("failed to save work", "user_id", userID, "type", workType, "error", err)
	}
}

// --- Works handlers ---

var validWorkTypes = map[string]bool{
	"image":        true,
	"bg-remover":   true,
	"qr-generator": true,
}

func (s *Server) handleListWorks(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())

	works, err := s.store.ListWorks(r.Context(), identity.UserID, worksLimit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list works")
		return
	}
	if works == nil {
		works = []store.Work{}
	}
	writeJSON(w, http.StatusOK, works)
}

func (s *Server) handleSaveWork(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Type   string `json:"type"`
		URL    string `json:"url"`
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !validWorkTypes[req.Type] {
		writeError(w, http.StatusBadRequest, "type must be image, bg-remover or qr-generator")
		return
	}
	if req.URL == "" {
		writeError(w, http.StatusBadRequest, "url is required")
		return
	}

	work := &store.Work{
		ID:        uuid.New().String(),
		UserID:    identity.UserID,
		Type:      req.Type,
		URL:       req.URL,
		Prompt:    req.Prompt,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.CreateWork(r.Context(), work); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to save work")
		return
	}

	writeJSON(w, http.StatusCreated, work)
}

func (s *Server) handleDeleteWork(w http.ResponseWriter, r *http.Request) {
	identity := getIdentityFromContext(r.Context())
	workID := chi.URLParam(r, "workID")

	if err := s.store.DeleteWork(r.Context(), workID, identity.UserID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "work not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "failed to delete work")
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// --- Billing handlers ---

func (s *Server) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	identity := getIdentityFromContext(r.Context())

	var req struct {
		Plan string `json:"plan"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Plan == "" {
		writeError(w, http.StatusBadRequest, "plan is required")
		return
	}

	user, err := s.store.GetUserByID(r.Context(), identity.UserID)
	if err != nil || user == nil {
		writeError(w, http.StatusNotFound, "user not found")
		return
	}

	checkoutURL, err := s.billing.CreateCheckoutSession(r.Context(), user, req.Plan)
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "payment system not configured")
		case errors.Is(err, billing.ErrUnknownPlan):
			writeError(w, http.StatusBadRequest, "unknown plan")
		default:
			s.logger.Error("create checkout session failed", "user_id", user.ID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create checkout session")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"url": checkoutURL})
}

func (s *Server) handleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxBodyBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}

	err = s.billing.ProcessWebhook(r.Context(), payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		switch {
		case errors.Is(err, billing.ErrBadSignature):
			writeError(w, http.StatusBadRequest, "invalid signature")
		case errors.Is(err, billing.ErrNotConfigured):
			writeError(w, http.StatusServiceUnavailable, "billing not configured")
		default:
			// Non-2xx makes Stripe redeliver; the payments table keeps the
			// retry idempotent.
			s.logger.Error("webhook processing failed", "error", err)
			writeError(w, http.StatusInternalServerError, "webhook processing failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, map[string]bool{"received": true})
}

// --- Realtime handler ---

// handleWS authenticates the balance push channel via a token query param
// (browsers cannot set headers on WebSocket requests) and hands the
// connection to the notify registry.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		authHeader := r.Header.Get("Authorization")
		if strings.HasPrefix(authHeader, "Bearer ") {
			tokenStr = authHeader[7:]
		}
	}
	if tokenStr == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	identity, err := s.auth.ValidateToken(r.Context(), tokenStr)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	s.notify.ServeUser(w, r, identity.UserID)
}

// --- Health handlers ---

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(s.startTime).Truncate(time.Second).String(),
	})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// --- Helpers ---

// writeActionError maps a paid-action failure to its HTTP status. Provider
// failures surface a generic message so upstream details never leak.
func (s *Server) writeActionError(w http.ResponseWriter, err error, providerMsg string) {
	switch {
	case errors.Is(err, store.ErrInsufficientCredits):
		writeError(w, http.StatusForbidden, "Insufficient credits! Refill to continue.")
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, provider.ErrUnavailable):
		writeError(w, http.StatusBadGateway, providerMsg)
	default:
		writeError(w, http.StatusInternalServerError, providerMsg)
	}
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max]) + "..."
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
