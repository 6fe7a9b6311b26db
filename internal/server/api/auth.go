package api

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"

	"hardwire/internal/server/apperr"
	"hardwire/internal/server/config"
	"hardwire/internal/server/database"
)

// adminUserKey is the echo context key holding the authenticated admin user.
const adminUserKey = "admin_user"

// Claims is the JWT payload. Subject carries the admin user id.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Auth mints and verifies admin bearer tokens.
type Auth struct {
	secret []byte
	expiry time.Duration
	repo   *database.Repository
}

// NewAuth creates the token authority from config.
func NewAuth(cfg *config.Config, repo *database.Repository) *Auth {
	return &Auth{
		secret: []byte(cfg.JWTSecret),
		expiry: cfg.JWTExpiry,
		repo:   repo,
	}
}

// MintToken issues an HS256 token for the given admin user.
func (a *Auth) MintToken(user *database.AdminUser) (string, error) {
	now := time.Now()
	claims := Claims{
		Email: user.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(user.ID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(a.expiry)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

// Authenticate verifies a token string and resolves it to a live admin user.
// A valid token whose user row has been deleted is a 403.
func (a *Auth) Authenticate(ctx context.Context, tokenStr string) (*database.AdminUser, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return a.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, apperr.AuthInvalid("token verification failed")
	}

	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return nil, apperr.AuthInvalid("malformed subject")
	}

	user, err := a.repo.GetAdminUserByID(ctx, userID)
	if err != nil {
		if errors.Is(err, database.ErrUserNotFound) {
			return nil, apperr.AuthForbidden()
		}
		return nil, apperr.Database(err)
	}
	return user, nil
}

// Middleware returns an echo middleware enforcing a Bearer token and storing
// the resolved admin user on the request context.
func (a *Auth) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get("Authorization")
			tokenStr, ok := strings.CutPrefix(header, "Bearer ")
			if !ok || tokenStr == "" {
				return apperr.AuthMissing()
			}

			user, err := a.Authenticate(c.Request().Context(), tokenStr)
			if err != nil {
				return err
			}

			c.Set(adminUserKey, user)
			return next(c)
		}
	}
}

// currentUser returns the admin user stored by the auth middleware.
func currentUser(c echo.Context) *database.AdminUser {
	user, _ := c.Get(adminUserKey).(*database.AdminUser)
	return user
}
