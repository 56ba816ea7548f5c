package middleware

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/time/rate"

	"github.com/bluedollar/backend/internal/logger"
)

// JWKSCache holds the realm's signing keys. The set is refreshed in the
// background every ttl; a token naming an unseen kid triggers at most one
// extra fetch per unknownKIDInterval, other unknown kids fail without a fetch.
type JWKSCache struct {
	keys keyfunc.Keyfunc
}

// NewJWKSCache loads the key set from url. A failed first fetch is logged and
// retried on the next refresh, so an unreachable Keycloak does not stop startup.
// ctx ends the background refresh.
func NewJWKSCache(ctx context.Context, url string, ttl, unknownKIDInterval time.Duration, client *http.Client) (*JWKSCache, error) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	if unknownKIDInterval <= 0 {
		unknownKIDInterval = 5 * time.Minute
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}

	keys, err := keyfunc.NewDefaultOverrideCtx(ctx, []string{url}, keyfunc.Override{
		Client:            client,
		HTTPTimeout:       10 * time.Second,
		RefreshInterval:   ttl,
		RefreshUnknownKID: rate.NewLimiter(rate.Every(unknownKIDInterval), 1),
		RefreshErrorHandlerFunc: func(u string) func(ctx context.Context, err error) {
			return func(ctx context.Context, err error) {
				logger.WithField("url", u).WithError(err).Warn("[AUTH] JWKS refresh failed")
			}
		},
	})
	if err != nil {
		return nil, fmt.Errorf("jwks %s: %w", url, err)
	}
	return &JWKSCache{keys: keys}, nil
}

// Keyfunc resolves the verification key for a token by its kid.
func (c *JWKSCache) Keyfunc(ctx context.Context) jwt.Keyfunc {
	return c.keys.KeyfuncCtx(ctx)
}
