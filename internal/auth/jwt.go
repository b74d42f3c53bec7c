/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"slices"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// Claims extends standard registered claims with roles and organization.
// An empty OrganizationID means the token is not bound to one organization,
// which only admins may use.
type Claims struct {
	UserID         string   `json:"uid"`
	Name           string   `json:"name,omitempty"`
	Roles          []string `json:"roles"`
	OrganizationID string   `json:"org_id,omitempty"`
	jwt.RegisteredClaims
}

// Issue creates JWT token string.
func Issue(secret []byte, claims Claims, ttl time.Duration) (string, error) {
	now := time.Now()
	claims.RegisteredClaims = jwt.RegisteredClaims{
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		IssuedAt:  jwt.NewNumericDate(now),
		Subject:   claims.UserID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// Parse validates token string.
func Parse(secret []byte, token string) (*Claims, error) {
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		return secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return nil, jwt.ErrTokenInvalidClaims
	}
	// Older tokens carried only "sub".
	if claims.UserID == "" {
		claims.UserID = claims.Subject
	}
	return claims, nil
}

// HasRole reports whether the claims carry any of roles after normalization.
func (c *Claims) HasRole(roles ...models.RoleName) bool {
	for _, r := range c.Roles {
		if slices.Contains(roles, models.NormalizeRole(r)) {
			return true
		}
	}
	return false
}

// IsAdmin reports whether the claims carry the admin role.
func (c *Claims) IsAdmin() bool {
	return c.HasRole(models.RoleAdmin)
}

// CanAccessOrganization reports whether the token may act on orgID.
func (c *Claims) CanAccessOrganization(orgID string) bool {
	if c.OrganizationID == "" {
		return c.IsAdmin()
	}
	return c.OrganizationID == orgID
}
