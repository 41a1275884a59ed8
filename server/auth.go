package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/cognimesh/memtier/memory"
)

const ownerTokenKey = "memtier.owner"

// signOwner derives the signature half of a bearer token.
func signOwner(owner, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(owner))
	return hex.EncodeToString(mac.Sum(nil))
}

// IssueToken mints a bearer token for an owner. Exposed for operator
// tooling and tests; the service itself only verifies.
func IssueToken(owner, secret string) string {
	return owner + "." + signOwner(owner, secret)
}

// ownerAuth verifies the "Bearer <owner>.<hmac>" header and stashes a
// verified owner token on the request context. Requests with missing,
// malformed, or forged tokens are rejected before any handler runs.
func ownerAuth(secret string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			header := c.Request().Header.Get(echo.HeaderAuthorization)
			raw, ok := strings.CutPrefix(header, "Bearer ")
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing bearer token")
			}
			owner, sig, ok := strings.Cut(raw, ".")
			if !ok || owner == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "malformed token")
			}
			want := signOwner(owner, secret)
			if !hmac.Equal([]byte(sig), []byte(want)) {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token signature")
			}
			token, err := memory.TrustedOwner(owner)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid owner")
			}
			c.Set(ownerTokenKey, token)
			return next(c)
		}
	}
}

func ownerFrom(c echo.Context) memory.OwnerToken {
	token, _ := c.Get(ownerTokenKey).(memory.OwnerToken)
	return token
}
