/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// GormStore keeps runs in the broadcast_runs table.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore creates a store over db.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) Insert(ctx context.Context, run *models.BroadcastRun) error {
	return s.db.WithContext(ctx).Create(run).Error
}

// CloseRunning is a single conditional UPDATE; concurrent callers race on
// the row lock and only the first sees a RUNNING status.
func (s *GormStore) CloseRunning(ctx context.Context, id string, status models.RunStatus, endedAt time.Time, result models.RunResult) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.BroadcastRun{}).
		Where("id = ? AND status = ?", id, models.RunRunning).
		Updates(map[string]any{
			"status": status,
			// Clamp so ended_at never precedes started_at.
			"ended_at": gorm.Expr("CASE WHEN started_at > ? THEN started_at ELSE ? END", endedAt, endedAt),
			"result":   result,
		})
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) AttachOutcomes(ctx context.Context, id string, outcomes models.DeviceOutcomes) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.BroadcastRun{}).
		Where("id = ? AND status = ?", id, models.RunRunning).
		Update("target_devices", outcomes)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (s *GormStore) Get(ctx context.Context, id string) (*models.BroadcastRun, error) {
	var run models.BroadcastRun
	err := s.db.WithContext(ctx).First(&run, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *GormStore) ListByOrganization(ctx context.Context, organizationID string, limit int) ([]models.BroadcastRun, error) {
	var runs []models.BroadcastRun
	err := s.db.WithContext(ctx).
		Where("organization_id = ?", organizationID).
		Order("started_at DESC").
		Order("id DESC").
		Limit(limit).
		Find(&runs).Error
	return runs, err
}
