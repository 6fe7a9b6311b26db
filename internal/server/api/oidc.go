package api

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/labstack/echo/v4"
	"golang.org/x/oauth2"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/config"
	"hardwire/internal/server/database"
)

// googleIssuer is the OIDC issuer for Google accounts.
const googleIssuer = "https://accounts.google.com"

// pendingAuthTTL bounds how long a login attempt may stay in flight.
const pendingAuthTTL = 10 * time.Minute

// pendingAuth holds the per-attempt state between login and callback.
type pendingAuth struct {
	nonce     string
	verifier  string
	createdAt time.Time
}

// OIDC implements the Google login flow with PKCE. Successful callbacks
// mint an admin bearer token and hand it to the SPA via redirect.
type OIDC struct {
	oauth    oauth2.Config
	verifier *oidc.IDTokenVerifier
	repo     *database.Repository
	auth     *Auth

	mu      sync.Mutex
	pending map[string]pendingAuth
}

// NewOIDC discovers the Google provider and builds the flow. Requires
// outbound network access at startup.
func NewOIDC(ctx context.Context, cfg *config.Config, repo *database.Repository, auth *Auth) (*OIDC, error) {
	provider, err := oidc.NewProvider(ctx, googleIssuer)
	if err != nil {
		return nil, fmt.Errorf("oidc provider discovery: %w", err)
	}

	return &OIDC{
		oauth: oauth2.Config{
			ClientID:     cfg.GoogleClientID,
			ClientSecret: cfg.GoogleClientSecret,
			RedirectURL:  cfg.GoogleRedirectURL,
			Endpoint:     provider.Endpoint(),
			Scopes:       []string{oidc.ScopeOpenID, "email", "profile"},
		},
		verifier: provider.Verifier(&oidc.Config{ClientID: cfg.GoogleClientID}),
		repo:     repo,
		auth:     auth,
		pending:  make(map[string]pendingAuth),
	}, nil
}

// HandleLogin handles GET /admin/auth/google/login.
// Stores per-attempt state and redirects to the Google consent page.
func (o *OIDC) HandleLogin(c echo.Context) error {
	state, err := randomToken(32)
	if err != nil {
		return apperr.Internal(err)
	}
	nonce, err := randomToken(32)
	if err != nil {
		return apperr.Internal(err)
	}
	verifier := oauth2.GenerateVerifier()

	o.mu.Lock()
	o.purgeStaleLocked()
	o.pending[state] = pendingAuth{nonce: nonce, verifier: verifier, createdAt: time.Now()}
	o.mu.Unlock()

	authURL := o.oauth.AuthCodeURL(state,
		oidc.Nonce(nonce),
		oauth2.S256ChallengeOption(verifier),
	)
	return c.Redirect(http.StatusFound, authURL)
}

// HandleCallback handles GET /admin/auth/google/callback.
// Exchanges the code, verifies the ID token against the stored nonce,
// resolves or provisions the admin user, and redirects with a bearer token.
func (o *OIDC) HandleCallback(c echo.Context) error {
	state := c.QueryParam("state")
	code := c.QueryParam("code")
	if state == "" || code == "" {
		return apperr.Validation("missing state or code")
	}

	o.mu.Lock()
	attempt, ok := o.pending[state]
	delete(o.pending, state)
	o.mu.Unlock()

	if !ok || time.Since(attempt.createdAt) > pendingAuthTTL {
		return apperr.AuthInvalid("unknown or expired login attempt")
	}

	ctx := c.Request().Context()
	token, err := o.oauth.Exchange(ctx, code, oauth2.VerifierOption(attempt.verifier))
	if err != nil {
		return apperr.AuthInvalid("code exchange failed")
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return apperr.AuthInvalid("no id_token in token response")
	}
	idToken, err := o.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return apperr.AuthInvalid("id_token verification failed")
	}
	if idToken.Nonce != attempt.nonce {
		return apperr.AuthInvalid("nonce mismatch")
	}

	var claims struct {
		Email string `json:"email"`
	}
	if err := idToken.Claims(&claims); err != nil || claims.Email == "" {
		return apperr.AuthInvalid("id_token has no email claim")
	}

	user, err := o.resolveUser(ctx, idToken.Subject, claims.Email)
	if err != nil {
		return err
	}

	bearer, err := o.auth.MintToken(user)
	if err != nil {
		return apperr.Internal(err)
	}

	slog.Info("admin login", "user_id", user.ID, "email", user.Email)
	return c.Redirect(http.StatusFound, "/admin/auth/done?token="+url.QueryEscape(bearer))
}

// resolveUser maps a verified Google identity to an admin_users row:
// existing binding by google_id, else a pre-provisioned row by email (which
// gets the google_id bound on first login), else a fresh row.
func (o *OIDC) resolveUser(ctx context.Context, googleID, email string) (*database.AdminUser, error) {
	user, err := o.repo.GetAdminUserByGoogleID(ctx, googleID)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, database.ErrUserNotFound) {
		return nil, apperr.Database(err)
	}

	user, err = o.repo.GetAdminUserByEmail(ctx, email)
	if err == nil {
		if user.GoogleID == "" {
			if err := o.repo.BindAdminUserGoogleID(ctx, user.ID, googleID); err != nil {
				return nil, apperr.Database(err)
			}
			user.GoogleID = googleID
		}
		return user, nil
	}
	if !errors.Is(err, database.ErrUserNotFound) {
		return nil, apperr.Database(err)
	}

	user, err = o.repo.CreateAdminUser(ctx, email, googleID, time.Now().Unix())
	if err != nil {
		return nil, apperr.Database(err)
	}
	slog.Info("admin user provisioned", "user_id", user.ID, "email", email)
	return user, nil
}

// randomToken returns a URL-safe random string from n bytes of entropy.
func randomToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("crypto/rand failure: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// purgeStaleLocked drops expired login attempts. Caller holds the mutex.
func (o *OIDC) purgeStaleLocked() {
	cutoff := time.Now().Add(-pendingAuthTTL)
	for state, attempt := range o.pending {
		if attempt.createdAt.Before(cutoff) {
			delete(o.pending, state)
		}
	}
}
