/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// Device key constants
const (
	DeviceKeyPrefix      = "snd_"
	DeviceKeyRandomBytes = 24
	deviceKeyLookupLen   = len(DeviceKeyPrefix) + 8
)

var (
	ErrDeviceKeyInvalid = errors.New("device key invalid")
	ErrDeviceInactive   = errors.New("device inactive")
)

// GenerateDeviceKey creates a hall device with a fresh key. The plaintext key
// is returned once; only its bcrypt hash and lookup prefix are stored.
func GenerateDeviceKey(organizationID, name, location string) (string, *models.HallDevice, error) {
	randomBytes := make([]byte, DeviceKeyRandomBytes)
	if _, err := rand.Read(randomBytes); err != nil {
		return "", nil, err
	}
	plaintext := DeviceKeyPrefix + hex.EncodeToString(randomBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, err
	}

	device := &models.HallDevice{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		Name:           name,
		Location:       location,
		KeyHash:        string(hash),
		KeyPrefix:      plaintext[:deviceKeyLookupLen],
		Lifecycle:      models.LifecycleActive,
	}
	return plaintext, device, nil
}

// ValidateDeviceKey looks up the device by key prefix and checks the hash.
func ValidateDeviceKey(ctx context.Context, db *gorm.DB, plaintext string) (*models.HallDevice, error) {
	if !strings.HasPrefix(plaintext, DeviceKeyPrefix) || len(plaintext) <= deviceKeyLookupLen {
		return nil, ErrDeviceKeyInvalid
	}

	var device models.HallDevice
	err := db.WithContext(ctx).Where("key_prefix = ?", plaintext[:deviceKeyLookupLen]).First(&device).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDeviceKeyInvalid
	}
	if err != nil {
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(device.KeyHash), []byte(plaintext)) != nil {
		return nil, ErrDeviceKeyInvalid
	}
	if !device.IsActive() {
		return nil, ErrDeviceInactive
	}

	now := time.Now().UTC()
	db.WithContext(ctx).Model(&models.HallDevice{}).Where("id = ?", device.ID).Update("last_seen_at", now)
	device.LastSeenAt = &now
	return &device, nil
}
