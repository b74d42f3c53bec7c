/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
)

// RunResult is the aggregate outcome recorded when a run is closed.
type RunResult struct {
	TotalTargets int      `json:"total_targets"`
	SuccessCount int      `json:"success_count"`
	FailCount    int      `json:"fail_count"`
	Errors       []string `json:"errors,omitempty"`
}

// Value implements driver.Valuer. Run results are written by conditional
// updates, which bypass GORM serializers, so the column encodes itself.
func (r RunResult) Value() (driver.Value, error) {
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (r *RunResult) Scan(src any) error {
	return scanJSON(src, r)
}

// DeviceOutcome is the delivery result for one target device.
type DeviceOutcome struct {
	DeviceID  string         `json:"device_id"`
	Transport string         `json:"transport,omitempty"`
	Status    DeliveryStatus `json:"status"`
	Error     string         `json:"error,omitempty"`
}

// DeviceOutcomes is an unordered list of per-device outcomes.
type DeviceOutcomes []DeviceOutcome

// Value implements driver.Valuer.
func (d DeviceOutcomes) Value() (driver.Value, error) {
	if d == nil {
		d = DeviceOutcomes{}
	}
	b, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (d *DeviceOutcomes) Scan(src any) error {
	return scanJSON(src, d)
}

// Summarize builds a RunResult from the outcomes.
func (d DeviceOutcomes) Summarize() RunResult {
	res := RunResult{TotalTargets: len(d)}
	for _, o := range d {
		if o.Status == DeliverySuccess {
			res.SuccessCount++
			continue
		}
		res.FailCount++
		if o.Error != "" {
			res.Errors = append(res.Errors, fmt.Sprintf("%s: %s", o.DeviceID, o.Error))
		}
	}
	return res
}

func scanJSON(src any, dst any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported json column type %T", src)
	}
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
