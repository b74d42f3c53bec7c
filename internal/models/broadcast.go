/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"errors"
	"time"

	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

// Lifecycle replaces the old is_active flag on editable broadcast resources.
type Lifecycle string

const (
	LifecycleActive   Lifecycle = "ACTIVE"
	LifecycleInactive Lifecycle = "INACTIVE"
	LifecycleArchived Lifecycle = "ARCHIVED"
)

// Valid reports whether l is a known lifecycle state.
func (l Lifecycle) Valid() bool {
	switch l {
	case LifecycleActive, LifecycleInactive, LifecycleArchived:
		return true
	}
	return false
}

// ContentType is the kind of content a template plays.
type ContentType string

const (
	ContentText  ContentType = "TEXT"
	ContentImage ContentType = "IMAGE"
	ContentVideo ContentType = "VIDEO"
	ContentAudio ContentType = "AUDIO"
	ContentSlide ContentType = "SLIDE"
)

func (c ContentType) Valid() bool {
	switch c {
	case ContentText, ContentImage, ContentVideo, ContentAudio, ContentSlide:
		return true
	}
	return false
}

// TargetType selects the delivery channels of a template.
type TargetType string

const (
	TargetHall   TargetType = "HALL"   // hall displays
	TargetMobile TargetType = "MOBILE" // staff and guardian phones
	TargetAll    TargetType = "ALL"
)

func (t TargetType) Valid() bool {
	switch t {
	case TargetHall, TargetMobile, TargetAll:
		return true
	}
	return false
}

// Includes reports whether the scope covers the given channel.
func (t TargetType) Includes(channel TargetType) bool {
	return t == channel || t == TargetAll
}

// TTSSettings controls text-to-speech rendering on hall displays.
type TTSSettings struct {
	Speed  float64 `json:"speed"`
	Voice  string  `json:"voice"`
	Repeat int     `json:"repeat"`
}

// DefaultTTSSettings mirrors what hall players assume when nothing is set.
func DefaultTTSSettings() TTSSettings {
	return TTSSettings{Speed: 1.0, Voice: "default", Repeat: 1}
}

const (
	DefaultTemplateDurationSec = 30
	DefaultSlideDurationSec    = 5
)

var (
	ErrNameRequired       = errors.New("name is required")
	ErrInvalidContentType = errors.New("invalid content type")
	ErrInvalidTargetType  = errors.New("invalid target type")
	ErrInvalidDuration    = errors.New("duration must be positive")
	ErrContentMissing     = errors.New("template needs text content or a media url")
	ErrDateRange          = errors.New("start date must not be after end date")
	ErrOrganizationNeeded = errors.New("organization id is required")
	ErrTemplateNeeded     = errors.New("template id is required")
)

// BroadcastTemplate is the content a broadcast plays. A nil OrganizationID
// marks a system-wide template.
type BroadcastTemplate struct {
	ID             string      `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID *string     `gorm:"type:uuid;index" json:"organization_id,omitempty"`
	Name           string      `gorm:"type:varchar(200);not null" json:"name"`
	ContentType    ContentType `gorm:"type:varchar(16);not null" json:"content_type"`
	TextContent    string      `gorm:"type:text" json:"text_content,omitempty"`
	MediaURL       string      `gorm:"type:varchar(1024)" json:"media_url,omitempty"`
	DurationSec    int         `gorm:"not null;default:30" json:"duration_sec"`
	TTSSettings    TTSSettings `gorm:"type:jsonb;serializer:json" json:"tts_settings"`
	TargetType     TargetType  `gorm:"type:varchar(16);not null;default:'HALL'" json:"target_type"`
	TargetIDs      []string    `gorm:"type:jsonb;serializer:json" json:"target_ids"`
	IsEmergency    bool        `gorm:"not null;default:false" json:"is_emergency"`
	IsSystem       bool        `gorm:"not null;default:false" json:"is_system"`
	Lifecycle      Lifecycle   `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"lifecycle"`
	CreatedBy      *string     `gorm:"type:uuid" json:"created_by,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// TableName returns the table name for GORM.
func (BroadcastTemplate) TableName() string {
	return "broadcast_templates"
}

// ApplyDefaults fills zero values the way older clients expect.
func (t *BroadcastTemplate) ApplyDefaults() {
	if t.DurationSec == 0 {
		t.DurationSec = DefaultTemplateDurationSec
	}
	if t.TTSSettings == (TTSSettings{}) {
		t.TTSSettings = DefaultTTSSettings()
	}
	if t.TargetType == "" {
		t.TargetType = TargetHall
	}
	if t.TargetIDs == nil {
		t.TargetIDs = []string{}
	}
	if t.Lifecycle == "" {
		t.Lifecycle = LifecycleActive
	}
}

// Validate checks the template before it is written.
func (t *BroadcastTemplate) Validate() error {
	if t.Name == "" {
		return ErrNameRequired
	}
	if !t.ContentType.Valid() {
		return ErrInvalidContentType
	}
	if !t.TargetType.Valid() {
		return ErrInvalidTargetType
	}
	if t.DurationSec <= 0 {
		return ErrInvalidDuration
	}
	if t.ContentType == ContentText && t.TextContent == "" {
		return ErrContentMissing
	}
	if t.ContentType != ContentText && t.ContentType != ContentSlide && t.MediaURL == "" {
		return ErrContentMissing
	}
	return nil
}

// BroadcastSchedule binds a template to a recurrence.
type BroadcastSchedule struct {
	ID             string               `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID string               `gorm:"type:uuid;index:idx_broadcast_schedules_org_lifecycle,priority:1;not null" json:"organization_id"`
	TemplateID     string               `gorm:"type:uuid;index;not null" json:"template_id"`
	Name           string               `gorm:"type:varchar(200);not null" json:"name"`
	RepeatType     recurrence.Kind      `gorm:"type:varchar(16);not null;default:'DAILY'" json:"repeat_type"`
	RepeatConfig   map[string]any       `gorm:"type:jsonb;serializer:json" json:"repeat_config"`
	ScheduledTime  recurrence.TimeOfDay `gorm:"size:8;not null" json:"scheduled_time"`
	StartDate      *recurrence.Date     `json:"start_date,omitempty"`
	EndDate        *recurrence.Date     `json:"end_date,omitempty"`
	Lifecycle      Lifecycle            `gorm:"type:varchar(16);not null;default:'ACTIVE';index:idx_broadcast_schedules_org_lifecycle,priority:2" json:"lifecycle"`
	CreatedBy      *string              `gorm:"type:uuid" json:"created_by,omitempty"`
	CreatedAt      time.Time            `json:"created_at"`
	UpdatedAt      time.Time            `json:"updated_at"`

	Template *BroadcastTemplate `gorm:"foreignKey:TemplateID" json:"template,omitempty"`
}

// TableName returns the table name for GORM.
func (BroadcastSchedule) TableName() string {
	return "broadcast_schedules"
}

// RepeatRule decodes the stored repeat type and config.
func (s BroadcastSchedule) RepeatRule() (recurrence.Rule, error) {
	return recurrence.Decode(s.RepeatType, s.RepeatConfig, s.StartDate)
}

// FireTime returns the wall-clock time the schedule fires at.
func (s BroadcastSchedule) FireTime() recurrence.TimeOfDay {
	return s.ScheduledTime
}

// Bounds returns the inclusive date range of the schedule.
func (s BroadcastSchedule) Bounds() (*recurrence.Date, *recurrence.Date) {
	return s.StartDate, s.EndDate
}

// ScheduleID returns the schedule's id.
func (s BroadcastSchedule) ScheduleID() string {
	return s.ID
}

// Validate checks the schedule before it is written and normalizes its repeat
// config to the canonical stored shape.
func (s *BroadcastSchedule) Validate() error {
	if s.OrganizationID == "" {
		return ErrOrganizationNeeded
	}
	if s.TemplateID == "" {
		return ErrTemplateNeeded
	}
	if s.Name == "" {
		return ErrNameRequired
	}
	if s.StartDate != nil && s.EndDate != nil && s.StartDate.After(*s.EndDate) {
		return ErrDateRange
	}
	if s.RepeatType == "" {
		s.RepeatType = recurrence.KindDaily
	}
	rule, err := s.RepeatRule()
	if err != nil {
		return err
	}
	s.RepeatConfig = rule.Config()
	if s.Lifecycle == "" {
		s.Lifecycle = LifecycleActive
	}
	return nil
}

// RunType says what triggered a broadcast run.
type RunType string

const (
	RunScheduled RunType = "SCHEDULED"
	RunManual    RunType = "MANUAL"
	RunEmergency RunType = "EMERGENCY"
)

func (t RunType) Valid() bool {
	switch t {
	case RunScheduled, RunManual, RunEmergency:
		return true
	}
	return false
}

// RunStatus is the lifecycle state of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "RUNNING"
	RunCompleted RunStatus = "COMPLETED"
	RunFailed    RunStatus = "FAILED"
	RunCancelled RunStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCancelled:
		return true
	}
	return false
}

// DeliveryStatus is the outcome of one device delivery.
type DeliveryStatus string

const (
	DeliverySuccess DeliveryStatus = "SUCCESS"
	DeliveryFailed  DeliveryStatus = "FAILED"
)

// BroadcastRun is one execution attempt of a template.
type BroadcastRun struct {
	ID             string         `gorm:"type:uuid;primaryKey" json:"id"`
	ScheduleID     *string        `gorm:"type:uuid;index" json:"schedule_id,omitempty"`
	TemplateID     string         `gorm:"type:uuid;index;not null" json:"template_id"`
	OrganizationID string         `gorm:"type:uuid;index:idx_broadcast_runs_org_started,priority:1;not null" json:"organization_id"`
	RunType        RunType        `gorm:"type:varchar(16);not null" json:"run_type"`
	StartedAt      time.Time      `gorm:"not null;index:idx_broadcast_runs_org_started,priority:2,sort:desc" json:"started_at"`
	EndedAt        *time.Time     `json:"ended_at,omitempty"`
	Status         RunStatus      `gorm:"type:varchar(16);not null;default:'RUNNING';index" json:"status"`
	TargetDevices  DeviceOutcomes `gorm:"type:jsonb" json:"target_devices"`
	Result         RunResult      `gorm:"type:jsonb" json:"result"`
	TriggeredBy    *string        `gorm:"type:uuid" json:"triggered_by,omitempty"`
	FireKey        *string        `gorm:"type:varchar(96);uniqueIndex" json:"-"`

	// Snapshot of the template at open time, kept for history views.
	TemplateName string      `gorm:"type:varchar(200)" json:"template_name,omitempty"`
	ContentType  ContentType `gorm:"type:varchar(16)" json:"content_type,omitempty"`
	TargetType   TargetType  `gorm:"type:varchar(16)" json:"target_type,omitempty"`
}

// TableName returns the table name for GORM.
func (BroadcastRun) TableName() string {
	return "broadcast_runs"
}

// Duration returns how long the run took, or zero while it is still running.
func (r *BroadcastRun) Duration() time.Duration {
	if r.EndedAt == nil {
		return 0
	}
	return r.EndedAt.Sub(r.StartedAt)
}

// FileType is the media kind of a slide file.
type FileType string

const (
	FileImage FileType = "IMAGE"
	FileVideo FileType = "VIDEO"
	FileAudio FileType = "AUDIO"
)

func (f FileType) Valid() bool {
	switch f {
	case FileImage, FileVideo, FileAudio:
		return true
	}
	return false
}

// BroadcastFile is one slide in an organization's hall display rotation.
type BroadcastFile struct {
	ID             string    `gorm:"type:uuid;primaryKey" json:"id"`
	OrganizationID string    `gorm:"type:uuid;index;not null" json:"organization_id"`
	FileType       FileType  `gorm:"type:varchar(16);not null" json:"file_type"`
	FileURL        string    `gorm:"type:varchar(1024);not null" json:"file_url"`
	FileName       string    `gorm:"type:varchar(255)" json:"file_name,omitempty"`
	DisplayOrder   int       `gorm:"not null;default:0" json:"display_order"`
	DurationSec    int       `gorm:"not null;default:5" json:"duration_sec"`
	Lifecycle      Lifecycle `gorm:"type:varchar(16);not null;default:'ACTIVE';index" json:"lifecycle"`
	CreatedAt      time.Time `json:"created_at"`
}

// TableName returns the table name for GORM.
func (BroadcastFile) TableName() string {
	return "broadcast_files"
}
