package auth

import (
	"context"
	"fmt"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

const googleJWKSURL = "https://www.googleapis.com/oauth2/v3/certs"

// googleIssuers lists the issuer values Google puts in ID tokens.
var googleIssuers = map[string]bool{
	"https://accounts.google.com": true,
	"accounts.google.com":         true,
}

// GoogleVerifier validates Google-issued ID tokens using JWKS.
type GoogleVerifier struct {
	clientID string
	jwks     keyfunc.Keyfunc
}

// NewGoogleVerifier creates a verifier that fetches Google's signing keys.
// jwksURL overrides the default endpoint, mainly for tests.
func NewGoogleVerifier(clientID, jwksURL string) (*GoogleVerifier, error) {
	if clientID == "" {
		return nil, fmt.Errorf("google client ID is required")
	}
	if jwksURL == "" {
		jwksURL = googleJWKSURL
	}

	jwks, err := keyfunc.NewDefault([]string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS from %s: %w", jwksURL, err)
	}

	return &GoogleVerifier{
		clientID: clientID,
		jwks:     jwks,
	}, nil
}

// Verify parses a Google ID token and returns the subject and display name.
func (g *GoogleVerifier) Verify(ctx context.Context, tokenStr string) (sub, name string, err error) {
	token, err := jwt.Parse(tokenStr, g.jwks.KeyfuncCtx(ctx),
		jwt.WithAudience(g.clientID),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", "", ErrUnauthorized
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", "", ErrUnauthorized
	}

	iss, _ := claims["iss"].(string)
	if !googleIssuers[iss] {
		return "", "", ErrUnauthorized
	}

	sub, _ = claims["sub"].(string)
	if sub == "" {
		return "", "", ErrUnauthorized
	}

	// Build a usable handle from available claims.
	name = sub
	switch {
	case claimStr(claims, "name") != "":
		name = claimStr(claims, "name")
	case claimStr(claims, "email") != "":
		name = claimStr(claims, "email")
	}

	return sub, name, nil
}

// claimStr extracts a string claim or returns "".
func claimStr(claims jwt.MapClaims, key string) string {
	v, _ := claims[key].(string)
	return v
}
