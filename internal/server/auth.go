package server

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/fyrsmithlabs/sheetbridge/internal/orchestrator"
)

var errMissingBearer = errors.New("missing or malformed Authorization header")

// callerFromRequest extracts the caller identity from the bearer token. The
// token itself is forwarded to the credential exchange; it is never verified
// here. The user ID for rate limiting comes from the token's oid/sub claim
// so it stays stable across token refreshes, with a hash of the raw token
// as fallback for opaque credentials.
func callerFromRequest(c echo.Context) (orchestrator.Caller, error) {
	header := c.Request().Header.Get(echo.HeaderAuthorization)
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || len(header) == len(prefix) {
		return orchestrator.Caller{}, errMissingBearer
	}
	token := header[len(prefix):]

	return orchestrator.Caller{
		UserID:     subjectOf(token),
		Credential: token,
	}, nil
}

// subjectOf pulls a stable subject from a JWT payload without verifying the
// signature. Verification belongs to the authority during the on-behalf-of
// exchange; this value only keys the rate limiter.
func subjectOf(token string) string {
	parts := strings.Split(token, ".")
	if len(parts) == 3 {
		payload, err := base64.RawURLEncoding.DecodeString(parts[1])
		if err == nil {
			var claims struct {
				OID string `json:"oid"`
				Sub string `json:"sub"`
			}
			if json.Unmarshal(payload, &claims) == nil {
				if claims.OID != "" {
					return claims.OID
				}
				if claims.Sub != "" {
					return claims.Sub
				}
			}
		}
	}

	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}
