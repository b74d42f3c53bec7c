package models

import (
	"errors"
	"testing"

	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

func TestNormalizeRole(t *testing.T) {
	tests := []struct {
		in   string
		want RoleName
	}{
		{"admin", RoleAdmin},
		{"ADMIN", RoleAdmin},
		{"director", RoleAdmin},
		{"manager", RoleStaff},
		{" staff ", RoleStaff},
		{"guardian", RoleViewer},
		{"", RoleViewer},
	}
	for _, tt := range tests {
		if got := NormalizeRole(tt.in); got != tt.want {
			t.Fatalf("NormalizeRole(%q)=%q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestBroadcastTemplateValidate(t *testing.T) {
	base := func() BroadcastTemplate {
		tpl := BroadcastTemplate{Name: "Lunch", ContentType: ContentText, TextContent: "Lunch is ready"}
		tpl.ApplyDefaults()
		return tpl
	}

	tests := []struct {
		name   string
		mutate func(*BroadcastTemplate)
		want   error
	}{
		{"valid", func(*BroadcastTemplate) {}, nil},
		{"missing name", func(t *BroadcastTemplate) { t.Name = "" }, ErrNameRequired},
		{"bad content type", func(t *BroadcastTemplate) { t.ContentType = "GIF" }, ErrInvalidContentType},
		{"bad target", func(t *BroadcastTemplate) { t.TargetType = "TV" }, ErrInvalidTargetType},
		{"text without body", func(t *BroadcastTemplate) { t.TextContent = "" }, ErrContentMissing},
		{"audio without url", func(t *BroadcastTemplate) { t.ContentType = ContentAudio }, ErrContentMissing},
		{"negative duration", func(t *BroadcastTemplate) { t.DurationSec = -1 }, ErrInvalidDuration},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tpl := base()
			tt.mutate(&tpl)
			if err := tpl.Validate(); !errors.Is(err, tt.want) {
				t.Fatalf("Validate()=%v, want %v", err, tt.want)
			}
		})
	}
}

func TestBroadcastTemplateDefaults(t *testing.T) {
	tpl := BroadcastTemplate{}
	tpl.ApplyDefaults()
	if tpl.DurationSec != 30 || tpl.TargetType != TargetHall || tpl.Lifecycle != LifecycleActive {
		t.Fatalf("unexpected defaults: %+v", tpl)
	}
	if tpl.TTSSettings != (TTSSettings{Speed: 1.0, Voice: "default", Repeat: 1}) {
		t.Fatalf("unexpected tts defaults: %+v", tpl.TTSSettings)
	}
}

func TestBroadcastScheduleValidate(t *testing.T) {
	start, _ := recurrence.ParseDate("2025-03-10")
	end, _ := recurrence.ParseDate("2025-03-01")

	s := BroadcastSchedule{
		OrganizationID: "org",
		TemplateID:     "tpl",
		Name:           "Morning exercise",
		RepeatType:     recurrence.KindWeekly,
		RepeatConfig:   map[string]any{"weekdays": []any{5.0, 1.0}},
		ScheduledTime:  recurrence.MustTimeOfDay("09:00"),
	}
	if err := s.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if s.Lifecycle != LifecycleActive {
		t.Fatalf("lifecycle = %s", s.Lifecycle)
	}
	days, ok := s.RepeatConfig["weekdays"].([]int)
	if !ok || len(days) != 2 || days[0] != 1 || days[1] != 5 {
		t.Fatalf("config not normalized: %#v", s.RepeatConfig)
	}

	s.StartDate, s.EndDate = &start, &end
	if err := s.Validate(); !errors.Is(err, ErrDateRange) {
		t.Fatalf("expected ErrDateRange, got %v", err)
	}

	s.StartDate, s.EndDate = nil, nil
	s.RepeatConfig = map[string]any{"weekdays": []any{9.0}}
	if err := s.Validate(); !errors.Is(err, recurrence.ErrInvalidRule) {
		t.Fatalf("expected ErrInvalidRule, got %v", err)
	}

	s.RepeatType = ""
	s.RepeatConfig = nil
	if err := s.Validate(); err != nil || s.RepeatType != recurrence.KindDaily {
		t.Fatalf("empty repeat type should default to DAILY: %v %s", err, s.RepeatType)
	}
}

func TestDeviceOutcomesSummarize(t *testing.T) {
	outcomes := DeviceOutcomes{
		{DeviceID: "a", Status: DeliverySuccess},
		{DeviceID: "b", Status: DeliveryFailed, Error: "timeout"},
		{DeviceID: "c", Status: DeliverySuccess},
	}
	res := outcomes.Summarize()
	if res.TotalTargets != 3 || res.SuccessCount != 2 || res.FailCount != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	if len(res.Errors) != 1 || res.Errors[0] != "b: timeout" {
		t.Fatalf("unexpected errors %v", res.Errors)
	}
}

func TestRunResultScan(t *testing.T) {
	var res RunResult
	if err := res.Scan([]byte(`{"total_targets":5,"success_count":5,"fail_count":0}`)); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if res.TotalTargets != 5 || res.SuccessCount != 5 {
		t.Fatalf("unexpected %+v", res)
	}
	if err := res.Scan(nil); err != nil {
		t.Fatalf("Scan(nil): %v", err)
	}
	v, err := DeviceOutcomes(nil).Value()
	if err != nil || v != "[]" {
		t.Fatalf("nil outcomes value = %v, %v", v, err)
	}
}
