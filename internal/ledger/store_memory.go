/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package ledger

import (
	"context"
	"slices"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

// MemoryStore is a Store backed by a map, for tests and dry runs.
type MemoryStore struct {
	mu   sync.Mutex
	runs map[string]*models.BroadcastRun
	keys map[string]string // fire key -> run id
	seq  []string          // insertion order
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs: make(map[string]*models.BroadcastRun),
		keys: make(map[string]string),
	}
}

// Insert stores a copy of run. A repeated fire key fails with
// gorm.ErrDuplicatedKey, matching the translated database error.
func (s *MemoryStore) Insert(_ context.Context, run *models.BroadcastRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if run.FireKey != nil {
		if _, dup := s.keys[*run.FireKey]; dup {
			return gorm.ErrDuplicatedKey
		}
		s.keys[*run.FireKey] = run.ID
	}
	cp := *run
	s.runs[run.ID] = &cp
	s.seq = append(s.seq, run.ID)
	return nil
}

func (s *MemoryStore) CloseRunning(_ context.Context, id string, status models.RunStatus, endedAt time.Time, result models.RunResult) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != models.RunRunning {
		return false, nil
	}
	if endedAt.Before(run.StartedAt) {
		endedAt = run.StartedAt
	}
	run.Status = status
	run.EndedAt = &endedAt
	run.Result = result
	return true, nil
}

func (s *MemoryStore) AttachOutcomes(_ context.Context, id string, outcomes models.DeviceOutcomes) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok || run.Status != models.RunRunning {
		return false, nil
	}
	run.TargetDevices = slices.Clone(outcomes)
	return true, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.BroadcastRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *MemoryStore) ListByOrganization(_ context.Context, organizationID string, limit int) ([]models.BroadcastRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.BroadcastRun
	// Walk newest insert first so equal start times list the later run first.
	for i := len(s.seq) - 1; i >= 0; i-- {
		if run := s.runs[s.seq[i]]; run.OrganizationID == organizationID {
			out = append(out, *run)
		}
	}
	slices.SortStableFunc(out, func(a, b models.BroadcastRun) int {
		return b.StartedAt.Compare(a.StartedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
