package config

import (
	"fmt"
	"strings"
	"time"
)

type KeycloakConfig struct {
	BaseURL      string
	Realm        string
	ClientID     string
	ClientSecret string
	AdminRoles   []string
	JWKSCacheTTL time.Duration

	// Minimum gap between fetches triggered by tokens with an unknown kid.
	JWKSUnknownKIDInterval time.Duration
}

func LoadKeycloakConfig() *KeycloakConfig {
	return &KeycloakConfig{
		BaseURL:                strings.TrimRight(getEnv("KEYCLOAK_BASE_URL", "http://localhost:8081"), "/"),
		Realm:                  getEnv("KEYCLOAK_REALM", "bluedollar"),
		ClientID:               getEnv("KEYCLOAK_CLIENT_ID", "bluedollar-api"),
		ClientSecret:           getEnv("KEYCLOAK_CLIENT_SECRET", ""),
		AdminRoles:             getEnvAsList("KEYCLOAK_ADMIN_ROLES", []string{"superuser", "devops-admin", "qa-admin"}),
		JWKSCacheTTL:           getEnvAsDuration("KEYCLOAK_JWKS_CACHE_TTL", time.Hour),
		JWKSUnknownKIDInterval: getEnvAsDuration("KEYCLOAK_JWKS_UNKNOWN_KID_INTERVAL", 5*time.Minute),
	}
}

func (c *KeycloakConfig) Issuer() string {
	return fmt.Sprintf("%s/realms/%s", c.BaseURL, c.Realm)
}

func (c *KeycloakConfig) TokenURL() string {
	return c.Issuer() + "/protocol/openid-connect/token"
}

func (c *KeycloakConfig) JWKSURL() string {
	return c.Issuer() + "/protocol/openid-connect/certs"
}
