package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bluedollar/backend/internal/config"
	"github.com/bluedollar/backend/internal/logger"
)

type contextKey string

const (
	claimsKey contextKey = "claims"
	tokenKey  contextKey = "token"
)

var ErrTokenRevoked = errors.New("token revoked")

type roleSet struct {
	Roles []string `json:"roles"`
}

// Claims is the subset of a Keycloak access token the API reads.
type Claims struct {
	jwt.RegisteredClaims
	Email             string             `json:"email,omitempty"`
	PreferredUsername string             `json:"preferred_username,omitempty"`
	AuthorizedParty   string             `json:"azp,omitempty"`
	RealmAccess       roleSet            `json:"realm_access"`
	ResourceAccess    map[string]roleSet `json:"resource_access,omitempty"`
}

func (c *Claims) HasAnyRole(roles ...string) bool {
	for _, r := range roles {
		if slices.Contains(c.RealmAccess.Roles, r) {
			return true
		}
	}
	return false
}

// KeycloakAuth verifies RS256 bearer tokens issued by the configured realm.
type KeycloakAuth struct {
	jwks     *JWKSCache
	issuer   string
	clientID string
	redis    *redis.Client
}

func NewKeycloakAuth(cfg *config.KeycloakConfig, jwks *JWKSCache, redisClient *redis.Client) *KeycloakAuth {
	return &KeycloakAuth{
		jwks:     jwks,
		issuer:   cfg.Issuer(),
		clientID: cfg.ClientID,
		redis:    redisClient,
	}
}

// Authenticate rejects requests without a valid, unrevoked bearer token and
// stores the verified claims on the request context.
func (a *KeycloakAuth) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := BearerToken(r)
		if !ok {
			writeAuthError(w, http.StatusUnauthorized, "Access denied", "No token provided or invalid format. Expected: Bearer <token>")
			return
		}

		claims, err := a.Verify(r.Context(), token)
		if err != nil {
			logger.WithError(err).Warn("[AUTH] Token rejected")
			writeAuthError(w, http.StatusUnauthorized, "Authentication failed", "Invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), claimsKey, claims)
		ctx = context.WithValue(ctx, tokenKey, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (a *KeycloakAuth) Verify(ctx context.Context, tokenString string) (*Claims, error) {
	if a.redis != nil {
		revoked, err := a.redis.Exists(ctx, BlacklistKey(tokenString)).Result()
		if err != nil {
			logger.WithError(err).Warn("[AUTH] Blacklist lookup failed")
		} else if revoked > 0 {
			return nil, ErrTokenRevoked
		}
	}

	claims := &Claims{}
	keys := a.jwks.Keyfunc(ctx)
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if kid, _ := t.Header["kid"].(string); kid == "" {
			return nil, errors.New("token has no kid")
		}
		return keys(t)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(a.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}

	// Keycloak access tokens often carry "account" as audience and the
	// client in azp.
	if !slices.Contains(claims.Audience, a.clientID) && claims.AuthorizedParty != a.clientID {
		return nil, fmt.Errorf("token not issued for %s", a.clientID)
	}
	return claims, nil
}

// RequireRole allows the request when the caller holds any of roles.
func RequireRole(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeAuthError(w, http.StatusUnauthorized, "Access denied", "User not authenticated")
				return
			}
			if !claims.HasAnyRole(roles...) {
				writeAuthError(w, http.StatusForbidden, "Access denied",
					fmt.Sprintf("Required role(s): %s", strings.Join(roles, ", ")))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey).(*Claims)
	return c, ok
}

// UserIDFromContext returns the token subject, or "" when unauthenticated.
func UserIDFromContext(ctx context.Context) string {
	if c, ok := ClaimsFromContext(ctx); ok {
		return c.Subject
	}
	return ""
}

func TokenFromContext(ctx context.Context) string {
	t, _ := ctx.Value(tokenKey).(string)
	return t
}

// WithClaims returns ctx carrying claims, as Authenticate would set them.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsKey, claims)
}

func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	token = strings.TrimSpace(token)
	return token, ok && token != ""
}

// BlacklistKey is the Redis key marking a token as logged out.
func BlacklistKey(token string) string {
	sum := sha256.Sum256([]byte(token))
	return "blacklist:" + hex.EncodeToString(sum[:])
}

func writeAuthError(w http.ResponseWriter, status int, errMsg, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": errMsg, "message": message})
}
