// Package auth provides authentication and account creation for the hub.
package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/aihub-dev/aihub/internal/config"
	"github.com/aihub-dev/aihub/internal/ledger"
	"github.com/aihub-dev/aihub/internal/store"
)

var (
	ErrInvalidCredentials    = errors.New("invalid credentials")
	ErrUnauthorized          = errors.New("unauthorized")
	ErrGoogleNotConfigured   = errors.New("google sign-in not configured")
)

// Identity is the authenticated account attached to a request.
type Identity struct {
	UserID   string
	Username string
}

// Claims represents the JWT token claims.
type Claims struct {
	UserID   string `json:"uid"`
	Username string `json:"usr"`
	jwt.RegisteredClaims
}

// Service handles registration, login and token validation. Account creation
// applies the signup credit grant and referral payout through the ledger.
type Service struct {
	store  store.Store
	ledger *ledger.Service
	logger *slog.Logger
	google *GoogleVerifier // nil when Google sign-in is not configured

	jwtSecret []byte
	jwtExpiry time.Duration

	signupGrant   int
	referredGrant int
	referrerBonus int
}

// NewService creates an auth service. The Google verifier is only set up
// when a client ID is configured.
func NewService(s store.Store, l *ledger.Service, logger *slog.Logger, cfg config.AuthConfig, credits config.CreditsConfig) (*Service, error) {
	svc := &Service{
		store:         s,
		ledger:        l,
		logger:        logger.With("component", "auth"),
		jwtSecret:     []byte(cfg.JWTSecret),
		jwtExpiry:     cfg.JWTExpiry.Duration,
		signupGrant:   credits.SignupGrant,
		referredGrant: credits.ReferredGrant,
		referrerBonus: credits.ReferrerBonus,
	}

	if cfg.GoogleClientID != "" {
		g, err := NewGoogleVerifier(cfg.GoogleClientID, cfg.GoogleJWKSURL)
		if err != nil {
			return nil, fmt.Errorf("init google verifier: %w", err)
		}
		svc.google = g
	}

	return svc, nil
}

// Register creates a new account with the signup grant, pays out the
// referral bonus when the code resolves, and returns a session token.
func (s *Service) Register(ctx context.Context, username, password, referralCode string) (*store.User, string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, "", fmt.Errorf("hash password: %w", err)
	}

	user, err := s.createAccount(ctx, username, string(hash), "", referralCode)
	if err != nil {
		return nil, "", err
	}

	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// Login authenticates a username/password pair and returns a session token.
func (s *Service) Login(ctx context.Context, username, password string) (*store.User, string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, "", fmt.Errorf("get user: %w", err)
	}
	if user == nil {
		return nil, "", store.ErrNotFound
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, "", ErrInvalidCredentials
	}

	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// GoogleLogin verifies a Google ID token, creating the account on first
// sign-in. Referral codes only count at creation.
func (s *Service) GoogleLogin(ctx context.Context, idToken, referralCode string) (*store.User, string, error) {
	if s.google == nil {
		return nil, "", ErrGoogleNotConfigured
	}

	sub, name, err := s.google.Verify(ctx, idToken)
	if err != nil {
		return nil, "", err
	}

	user, err := s.store.GetUserByExternalID(ctx, sub)
	if err != nil {
		return nil, "", fmt.Errorf("get user: %w", err)
	}

	if user == nil {
		// First sign-in: create an account with an unusable random password.
		randomPass, err := randomHex(16)
		if err != nil {
			return nil, "", err
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(randomPass), bcrypt.DefaultCost)
		if err != nil {
			return nil, "", fmt.Errorf("hash password: %w", err)
		}

		user, err = s.createAccount(ctx, name, string(hash), sub, referralCode)
		if errors.Is(err, store.ErrUsernameTaken) {
			// The display name collides with an existing handle; disambiguate
			// with a slice of the Google subject.
			suffix := sub
			if len(suffix) > 6 {
				suffix = suffix[:6]
			}
			user, err = s.createAccount(ctx, name+"-"+suffix, string(hash), sub, referralCode)
		}
		if err != nil {
			return nil, "", err
		}
	}

	token, err := s.generateToken(user)
	if err != nil {
		return nil, "", err
	}
	return user, token, nil
}

// createAccount inserts the user row and writes the signup ledger entry.
// The signup credits ride on the insert itself, so the only separate
// balance mutation is the referrer payout.
func (s *Service) createAccount(ctx context.Context, username, passwordHash, externalID, referralCode string) (*store.User, error) {
	var referrer *store.User
	if code := strings.ToUpper(strings.TrimSpace(referralCode)); code != "" {
		r, err := s.store.GetUserByReferralCode(ctx, code)
		if err != nil {
			return nil, fmt.Errorf("resolve referral code: %w", err)
		}
		referrer = r // an unknown code is silently ignored
	}

	grant := s.signupGrant
	referredBy := ""
	if referrer != nil {
		grant = s.referredGrant
		referredBy = referrer.ID
	}

	code, err := NewReferralCode()
	if err != nil {
		return nil, err
	}

	user := &store.User{
		ID:           uuid.New().String(),
		Username:     username,
		PasswordHash: passwordHash,
		ExternalID:   externalID,
		Credits:      grant,
		Plan:         "free",
		ReferralCode: code,
		ReferredBy:   referredBy,
		CreatedAt:    time.Now().UTC(),
	}

	if err := s.store.CreateUser(ctx, user); err != nil {
		return nil, err
	}

	desc := fmt.Sprintf("Started with %d credits", grant)
	if referrer != nil {
		desc += " (Referral Bonus included)"
	}
	s.ledger.Record(ctx, user.ID, "Account Created", grant, desc)

	// The referrer payout only happens after the account committed, and its
	// realtime push goes out through the ledger.
	if referrer != nil {
		if _, err := s.ledger.Credit(ctx, referrer.ID, s.referrerBonus,
			"Referral Bonus", fmt.Sprintf("Earned for inviting %s", user.Username)); err != nil {
			s.logger.Error("referral payout failed",
				"referrer_id", referrer.ID, "new_user", user.Username, "error", err)
		}
	}

	return user, nil
}

// ValidateToken validates a bearer token and returns the account identity.
func (s *Service) ValidateToken(ctx context.Context, tokenStr string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.jwtSecret, nil
	})
	if err != nil {
		return nil, ErrUnauthorized
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrUnauthorized
	}

	return &Identity{UserID: claims.UserID, Username: claims.Username}, nil
}

func (s *Service) generateToken(user *store.User) (string, error) {
	claims := &Claims{
		UserID:   user.ID,
		Username: user.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(s.jwtExpiry)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ID:        uuid.New().String(),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.jwtSecret)
}

// referralAlphabet matches the uppercase base36 codes users share.
const referralAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// NewReferralCode returns a random 7-character referral code.
func NewReferralCode() (string, error) {
	b := make([]byte, 7)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate referral code: %w", err)
	}
	for i := range b {
		b[i] = referralAlphabet[int(b[i])%len(referralAlphabet)]
	}
	return string(b), nil
}

func randomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random secret: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}
