package httpapi

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/haukened/gblock/internal/gblock/domain"
)

var errUnauthorized = errors.New("invalid bearer token")

// actorClaims is the bearer token payload. The subject is the account name.
type actorClaims struct {
	CentralID uint64   `json:"cid,omitempty"`
	Rights    []string `json:"rights,omitempty"`
	jwt.RegisteredClaims
}

// actorFrom returns the authenticated actor, or an anonymous actor named by
// the direct address when there is no bearer token or no secret configured.
func actorFrom(r *http.Request, secret []byte, direct string) (domain.Actor, error) {
	anon := domain.Actor{Name: direct}
	if len(secret) == 0 {
		return anon, nil
	}
	raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || strings.TrimSpace(raw) == "" {
		return anon, nil
	}

	var claims actorClaims
	_, err := jwt.ParseWithClaims(strings.TrimSpace(raw), &claims, func(*jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return domain.Actor{}, fmt.Errorf("%w: %w", errUnauthorized, err)
	}
	if claims.Subject == "" {
		return domain.Actor{}, fmt.Errorf("%w: missing subject", errUnauthorized)
	}
	return domain.Actor{Name: claims.Subject, IdentityID: claims.CentralID, Rights: claims.Rights}, nil
}
