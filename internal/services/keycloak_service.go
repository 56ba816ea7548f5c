package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/Nerzal/gocloak/v13"
	"github.com/go-redis/redis/v8"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"

	"github.com/bluedollar/backend/internal/config"
	"github.com/bluedollar/backend/internal/logger"
	"github.com/bluedollar/backend/internal/middleware"
)

// TokenResponse mirrors the Keycloak token endpoint body.
type TokenResponse struct {
	AccessToken      string `json:"access_token"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshExpiresIn int64  `json:"refresh_expires_in"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	SessionState     string `json:"session_state,omitempty"`
	Scope            string `json:"scope,omitempty"`
}

// TokenError is a rejection from the identity provider.
type TokenError struct {
	Op          string
	Code        string
	Description string
	Err         error
}

func (e *TokenError) Error() string {
	msg := fmt.Sprintf("Keycloak %s failed", e.Op)
	switch {
	case e.Code != "" && e.Description != "":
		return fmt.Sprintf("%s: %s - %s", msg, e.Code, e.Description)
	case e.Code != "":
		return fmt.Sprintf("%s: %s", msg, e.Code)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *TokenError) Unwrap() error { return e.Err }

// TokenClient talks to the realm's OpenID Connect endpoints on behalf of
// API users and revokes access tokens locally on logout.
type TokenClient struct {
	oauth    *oauth2.Config
	keycloak *gocloak.GoCloak
	realm    string
	client   *http.Client
	redis    *redis.Client
	now      func() time.Time
}

func NewTokenClient(cfg *config.KeycloakConfig, redisClient *redis.Client, client *http.Client) *TokenClient {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	kc := gocloak.NewClient(cfg.BaseURL)
	kc.RestyClient().SetTimeout(client.Timeout)
	if client.Transport != nil {
		kc.RestyClient().SetTransport(client.Transport)
	}
	return &TokenClient{
		oauth: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint: oauth2.Endpoint{
				TokenURL:  cfg.TokenURL(),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		keycloak: kc,
		realm:    cfg.Realm,
		client:   client,
		redis:    redisClient,
		now:      time.Now,
	}
}

func (c *TokenClient) Password(ctx context.Context, username, password string) (*TokenResponse, error) {
	tok, err := c.oauth.PasswordCredentialsToken(c.withClient(ctx), username, password)
	if err != nil {
		return nil, tokenError("token request", err)
	}
	return c.toResponse(tok), nil
}

func (c *TokenClient) Refresh(ctx context.Context, refreshToken string) (*TokenResponse, error) {
	// An empty access token is never valid, so the source goes straight to
	// the refresh grant.
	tok, err := c.oauth.TokenSource(c.withClient(ctx), &oauth2.Token{RefreshToken: refreshToken}).Token()
	if err != nil {
		return nil, tokenError("token refresh", err)
	}
	return c.toResponse(tok), nil
}

// Logout blacklists accessToken until it expires and ends the Keycloak
// session behind refreshToken.
func (c *TokenClient) Logout(ctx context.Context, refreshToken, accessToken string) error {
	if accessToken != "" {
		c.revoke(ctx, accessToken)
	}

	err := c.keycloak.Logout(ctx, c.oauth.ClientID, c.oauth.ClientSecret, c.realm, refreshToken)
	if err == nil {
		return nil
	}
	var apiErr *gocloak.APIError
	if errors.As(err, &apiErr) && apiErr.Code != 0 {
		return &TokenError{Op: "logout", Code: strconv.Itoa(apiErr.Code), Description: apiErr.Message, Err: err}
	}
	return &TokenError{Op: "logout", Err: err}
}

func (c *TokenClient) revoke(ctx context.Context, accessToken string) {
	if c.redis == nil {
		return
	}
	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(accessToken, claims); err != nil || claims.ExpiresAt == nil {
		logger.Warn("[KEYCLOAK] Access token has no readable expiry, not blacklisted")
		return
	}
	ttl := claims.ExpiresAt.Sub(c.now())
	if ttl <= 0 {
		return
	}
	if err := c.redis.Set(ctx, middleware.BlacklistKey(accessToken), "1", ttl).Err(); err != nil {
		logger.WithError(err).Error("[KEYCLOAK] Failed to blacklist access token")
	}
}

func (c *TokenClient) withClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.client)
}

func (c *TokenClient) toResponse(tok *oauth2.Token) *TokenResponse {
	resp := &TokenResponse{
		AccessToken:      tok.AccessToken,
		ExpiresIn:        tok.ExpiresIn,
		RefreshExpiresIn: extraInt(tok, "refresh_expires_in"),
		RefreshToken:     tok.RefreshToken,
		TokenType:        tok.TokenType,
	}
	if resp.ExpiresIn == 0 && !tok.Expiry.IsZero() {
		resp.ExpiresIn = int64(tok.Expiry.Sub(c.now()).Seconds())
	}
	resp.SessionState, _ = tok.Extra("session_state").(string)
	resp.Scope, _ = tok.Extra("scope").(string)
	return resp
}

func extraInt(tok *oauth2.Token, key string) int64 {
	switch v := tok.Extra(key).(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		var n int64
		fmt.Sscan(v, &n)
		return n
	}
	return 0
}

func tokenError(op string, err error) error {
	var rErr *oauth2.RetrieveError
	if errors.As(err, &rErr) {
		return &TokenError{Op: op, Code: rErr.ErrorCode, Description: rErr.ErrorDescription, Err: err}
	}
	return &TokenError{Op: op, Err: err}
}
