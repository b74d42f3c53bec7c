package recurrence

import (
	"encoding/json"
	"errors"
	"testing"
	"time"
)

func TestDecode_ConfigRoundTrip(t *testing.T) {
	start := d("2025-02-01")
	tests := []struct {
		name   string
		kind   Kind
		config map[string]any
	}{
		{"daily", KindDaily, nil},
		{"once", KindOnce, nil},
		{"weekly", KindWeekly, map[string]any{"weekdays": []any{5.0, 1.0, 3.0, 1.0}}},
		{"monthly day", KindMonthly, map[string]any{"monthDay": 12}},
		{"monthly weekday", KindMonthly, map[string]any{"monthWeek": 3, "monthWeekday": 4}},
		{"quarterly", KindQuarterly, map[string]any{"month_day": 20, "quarter_month": 2}},
		{"yearly", KindYearly, map[string]any{"month": 12, "month_day": 25}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rule, err := Decode(tt.kind, tt.config, &start)
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if rule.Kind() != tt.kind {
				t.Fatalf("kind = %s, want %s", rule.Kind(), tt.kind)
			}

			// Stored configs pass through JSON, so numbers come back as float64.
			raw, err := json.Marshal(rule.Config())
			if err != nil {
				t.Fatalf("marshal: %v", err)
			}
			var stored map[string]any
			if err := json.Unmarshal(raw, &stored); err != nil {
				t.Fatalf("unmarshal: %v", err)
			}
			again, err := Decode(tt.kind, stored, &start)
			if err != nil {
				t.Fatalf("Decode stored config %s: %v", raw, err)
			}
			if again != rule {
				t.Fatalf("round trip changed rule: %#v vs %#v", again, rule)
			}
		})
	}
}

func TestDecode_WeeklyNormalizesDays(t *testing.T) {
	rule, err := Decode(KindWeekly, map[string]any{"weekdays": []int{5, 1, 3, 1}}, nil)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	days := rule.(Weekly).Days()
	want := []time.Weekday{time.Monday, time.Wednesday, time.Friday}
	if len(days) != len(want) {
		t.Fatalf("days = %v, want %v", days, want)
	}
	for i := range want {
		if days[i] != want[i] {
			t.Fatalf("days = %v, want %v", days, want)
		}
	}
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name   string
		kind   Kind
		config map[string]any
		want   error
	}{
		{"once without start", KindOnce, nil, ErrOnceNeedsDate},
		{"weekly empty", KindWeekly, map[string]any{"weekdays": []any{}}, ErrNoWeekdays},
		{"weekly bad day", KindWeekly, map[string]any{"weekdays": []any{8.0}}, ErrBadWeekday},
		{"monthly bad day", KindMonthly, map[string]any{"month_day": 32}, ErrBadMonthDay},
		{"monthly bad week", KindMonthly, map[string]any{"month_week": 6, "month_weekday": 1}, ErrBadMonthWeek},
		{"monthly ambiguous", KindMonthly, map[string]any{"month_day": 3, "month_week": 1}, ErrAmbiguousRule},
		{"quarterly bad quarter month", KindQuarterly, map[string]any{"month_day": 3, "quarter_month": 0}, ErrBadQuarter},
		{"yearly bad month", KindYearly, map[string]any{"month": 13, "month_day": 1}, ErrBadMonth},
		{"yearly impossible", KindYearly, map[string]any{"month": 4, "month_day": 31}, ErrImpossibleDay},
		{"unknown", Kind("HOURLY"), nil, ErrUnknownKind},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.kind, tt.config, nil)
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, ErrInvalidRule) {
				t.Fatalf("err = %v does not wrap ErrInvalidRule", err)
			}
		})
	}
}

func TestParseTimeOfDay(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"07:30", "07:30", false},
		{"7:30", "07:30", false},
		{"23:59:59", "23:59:59", false},
		{"08:00:00", "08:00", false},
		{"24:00", "", true},
		{"12:60", "", true},
		{"noon", "", true},
		{"12", "", true},
		{"1:2:3:4", "", true},
		{"-1:30", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTimeOfDay(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseTimeOfDay: %v", err)
			}
			if got.String() != tt.want {
				t.Fatalf("got %s want %s", got, tt.want)
			}
		})
	}
}

func TestDateScan(t *testing.T) {
	var got Date
	if err := got.Scan(time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("scan time: %v", err)
	}
	if got.String() != "2025-03-09" {
		t.Fatalf("got %s", got)
	}
	if err := got.Scan([]byte("2024-12-31")); err != nil {
		t.Fatalf("scan bytes: %v", err)
	}
	if got.String() != "2024-12-31" {
		t.Fatalf("got %s", got)
	}
	if err := got.Scan("2024-12-31T00:00:00Z"); err != nil {
		t.Fatalf("scan rfc3339: %v", err)
	}
	if err := got.Scan(42); err == nil {
		t.Fatalf("expected error for int")
	}
}

func TestDate_AddDaysCrossesMonths(t *testing.T) {
	if got := d("2024-02-28").AddDays(1).String(); got != "2024-02-29" {
		t.Fatalf("got %s", got)
	}
	if got := d("2024-12-31").AddDays(1).String(); got != "2025-01-01" {
		t.Fatalf("got %s", got)
	}
	if got := d("2025-03-01").AddDays(-1).String(); got != "2025-02-28" {
		t.Fatalf("got %s", got)
	}
}
