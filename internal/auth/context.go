/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"context"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

type contextKey string

const (
	claimsContextKey contextKey = "sndClaims"
	deviceContextKey contextKey = "sndDevice"
)

// WithClaims attaches JWT claims to the context.
func WithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext retrieves JWT claims from context if present.
func ClaimsFromContext(ctx context.Context) (*Claims, bool) {
	claims, ok := ctx.Value(claimsContextKey).(*Claims)
	return claims, ok && claims != nil
}

// WithDevice attaches an authenticated hall device to the context.
func WithDevice(ctx context.Context, device *models.HallDevice) context.Context {
	return context.WithValue(ctx, deviceContextKey, device)
}

// DeviceFromContext retrieves the hall device from context if present.
func DeviceFromContext(ctx context.Context) (*models.HallDevice, bool) {
	device, ok := ctx.Value(deviceContextKey).(*models.HallDevice)
	return device, ok && device != nil
}
