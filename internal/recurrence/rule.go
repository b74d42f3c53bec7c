/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"time"
)

// Kind is the recurrence family stored in a schedule's repeat type.
type Kind string

const (
	KindOnce      Kind = "ONCE"
	KindDaily     Kind = "DAILY"
	KindWeekly    Kind = "WEEKLY"
	KindMonthly   Kind = "MONTHLY"
	KindQuarterly Kind = "QUARTERLY"
	KindYearly    Kind = "YEARLY"
)

// Kinds lists every supported recurrence family.
var Kinds = []Kind{KindOnce, KindDaily, KindWeekly, KindMonthly, KindQuarterly, KindYearly}

// Valid reports whether k is a known recurrence family.
func (k Kind) Valid() bool {
	return slices.Contains(Kinds, k)
}

var (
	ErrInvalidRule   = errors.New("invalid repeat rule")
	ErrUnknownKind   = fmt.Errorf("%w: unknown repeat type", ErrInvalidRule)
	ErrOnceNeedsDate = fmt.Errorf("%w: ONCE requires a start date", ErrInvalidRule)
	ErrNoWeekdays    = fmt.Errorf("%w: weekdays must not be empty", ErrInvalidRule)
	ErrBadWeekday    = fmt.Errorf("%w: weekdays must be integers 0-6", ErrInvalidRule)
	ErrBadMonthDay   = fmt.Errorf("%w: month day must be an integer 1-31", ErrInvalidRule)
	ErrBadMonth      = fmt.Errorf("%w: month must be an integer 1-12", ErrInvalidRule)
	ErrBadMonthWeek  = fmt.Errorf("%w: month week must be an integer 1-5", ErrInvalidRule)
	ErrBadQuarter    = fmt.Errorf("%w: quarter month must be an integer 1-3", ErrInvalidRule)
	ErrAmbiguousRule = fmt.Errorf("%w: month day and month week are mutually exclusive", ErrInvalidRule)
	ErrImpossibleDay = fmt.Errorf("%w: day never occurs in that month", ErrInvalidRule)
)

// Rule is a decoded repeat rule. The set of implementations is closed:
// Once, Daily, Weekly, MonthlyDay, MonthlyWeekday, Quarterly and Yearly.
type Rule interface {
	Kind() Kind
	// Matches reports whether the rule fires on d, ignoring start/end bounds.
	Matches(d Date) bool
	// Config renders the rule back into its stored repeat config.
	Config() map[string]any
	sealed()
}

// Once fires on a single date.
type Once struct {
	On Date
}

// Daily fires every day.
type Daily struct{}

// Weekly fires on a set of weekdays.
type Weekly struct {
	days WeekdaySet
}

// MonthlyDay fires on a fixed day of every month. Months that are too short are skipped.
type MonthlyDay struct {
	day int
}

// MonthlyWeekday fires on the nth weekday of every month, e.g. the 2nd Tuesday.
type MonthlyWeekday struct {
	week    int
	weekday time.Weekday
}

// Quarterly fires on a fixed day of a fixed month within each quarter.
type Quarterly struct {
	month int // 1..3, position inside the quarter
	day   int
}

// Yearly fires on a fixed month and day.
type Yearly struct {
	month time.Month
	day   int
}

// WeekdaySet is a bitmask over time.Weekday.
type WeekdaySet uint8

// NewWeekdaySet builds a set from weekdays 0-6.
func NewWeekdaySet(days ...time.Weekday) (WeekdaySet, error) {
	var s WeekdaySet
	for _, d := range days {
		if d < time.Sunday || d > time.Saturday {
			return 0, ErrBadWeekday
		}
		s |= 1 << uint(d)
	}
	return s, nil
}

func (s WeekdaySet) Has(d time.Weekday) bool {
	return d >= time.Sunday && d <= time.Saturday && s&(1<<uint(d)) != 0
}

// Days returns the members in ascending order.
func (s WeekdaySet) Days() []time.Weekday {
	var out []time.Weekday
	for d := time.Sunday; d <= time.Saturday; d++ {
		if s.Has(d) {
			out = append(out, d)
		}
	}
	return out
}

func NewOnce(on Date) (Once, error) {
	if on.IsZero() {
		return Once{}, ErrOnceNeedsDate
	}
	return Once{On: on}, nil
}

func NewWeekly(days ...time.Weekday) (Weekly, error) {
	set, err := NewWeekdaySet(days...)
	if err != nil {
		return Weekly{}, err
	}
	if set == 0 {
		return Weekly{}, ErrNoWeekdays
	}
	return Weekly{days: set}, nil
}

func NewMonthlyDay(day int) (MonthlyDay, error) {
	if day < 1 || day > 31 {
		return MonthlyDay{}, ErrBadMonthDay
	}
	return MonthlyDay{day: day}, nil
}

func NewMonthlyWeekday(week int, weekday time.Weekday) (MonthlyWeekday, error) {
	if week < 1 || week > 5 {
		return MonthlyWeekday{}, ErrBadMonthWeek
	}
	if weekday < time.Sunday || weekday > time.Saturday {
		return MonthlyWeekday{}, ErrBadWeekday
	}
	return MonthlyWeekday{week: week, weekday: weekday}, nil
}

func NewQuarterly(monthOfQuarter, day int) (Quarterly, error) {
	if monthOfQuarter < 1 || monthOfQuarter > 3 {
		return Quarterly{}, ErrBadQuarter
	}
	if day < 1 || day > 31 {
		return Quarterly{}, ErrBadMonthDay
	}
	return Quarterly{month: monthOfQuarter, day: day}, nil
}

func NewYearly(month time.Month, day int) (Yearly, error) {
	if month < time.January || month > time.December {
		return Yearly{}, ErrBadMonth
	}
	if day < 1 || day > 31 {
		return Yearly{}, ErrBadMonthDay
	}
	if day > maxDaysIn(month) {
		return Yearly{}, ErrImpossibleDay
	}
	return Yearly{month: month, day: day}, nil
}

func (Once) Kind() Kind           { return KindOnce }
func (Daily) Kind() Kind          { return KindDaily }
func (Weekly) Kind() Kind         { return KindWeekly }
func (MonthlyDay) Kind() Kind     { return KindMonthly }
func (MonthlyWeekday) Kind() Kind { return KindMonthly }
func (Quarterly) Kind() Kind      { return KindQuarterly }
func (Yearly) Kind() Kind         { return KindYearly }

func (Once) sealed()           {}
func (Daily) sealed()          {}
func (Weekly) sealed()         {}
func (MonthlyDay) sealed()     {}
func (MonthlyWeekday) sealed() {}
func (Quarterly) sealed()      {}
func (Yearly) sealed()         {}

func (r Once) Matches(d Date) bool   { return d == r.On }
func (Daily) Matches(Date) bool      { return true }
func (r Weekly) Matches(d Date) bool { return r.days.Has(d.Weekday()) }

func (r MonthlyDay) Matches(d Date) bool { return d.Day == r.day }

func (r MonthlyWeekday) Matches(d Date) bool {
	return d.Weekday() == r.weekday && (d.Day-1)/7+1 == r.week
}

func (r Quarterly) Matches(d Date) bool {
	return (int(d.Month)-1)%3+1 == r.month && d.Day == r.day
}

func (r Yearly) Matches(d Date) bool {
	return d.Month == r.month && d.Day == r.day
}

func (r Weekly) Days() []time.Weekday          { return r.days.Days() }
func (r MonthlyDay) Day() int                  { return r.day }
func (r MonthlyWeekday) Week() int             { return r.week }
func (r MonthlyWeekday) Weekday() time.Weekday { return r.weekday }
func (r Quarterly) MonthOfQuarter() int        { return r.month }
func (r Quarterly) Day() int                   { return r.day }
func (r Yearly) Month() time.Month             { return r.month }
func (r Yearly) Day() int                      { return r.day }

// Months returns the four calendar months the rule fires in.
func (r Quarterly) Months() []time.Month {
	return []time.Month{
		time.Month(r.month), time.Month(r.month + 3), time.Month(r.month + 6), time.Month(r.month + 9),
	}
}

func (Once) Config() map[string]any  { return map[string]any{} }
func (Daily) Config() map[string]any { return map[string]any{} }

func (r Weekly) Config() map[string]any {
	days := make([]int, 0, 7)
	for _, d := range r.days.Days() {
		days = append(days, int(d))
	}
	return map[string]any{"weekdays": days}
}

func (r MonthlyDay) Config() map[string]any {
	return map[string]any{"month_day": r.day}
}

func (r MonthlyWeekday) Config() map[string]any {
	return map[string]any{"month_week": r.week, "month_weekday": int(r.weekday)}
}

func (r Quarterly) Config() map[string]any {
	return map[string]any{"quarter_month": r.month, "month_day": r.day}
}

func (r Yearly) Config() map[string]any {
	return map[string]any{"month": int(r.month), "month_day": r.day}
}

// Decode turns a stored repeat type and config into a Rule. start is the
// schedule's start date and is only consulted for ONCE. Keys are accepted in
// snake_case and in the camelCase used by older clients.
func Decode(kind Kind, config map[string]any, start *Date) (Rule, error) {
	switch kind {
	case KindOnce:
		if start == nil {
			return nil, ErrOnceNeedsDate
		}
		return NewOnce(*start)
	case KindDaily:
		return Daily{}, nil
	case KindWeekly:
		raw, ok := lookup(config, "weekdays")
		if !ok {
			return nil, ErrNoWeekdays
		}
		days, err := weekdayList(raw)
		if err != nil {
			return nil, err
		}
		return NewWeekly(days...)
	case KindMonthly:
		dayRaw, hasDay := lookup(config, "month_day", "monthDay")
		weekRaw, hasWeek := lookup(config, "month_week", "monthWeek")
		wdRaw, hasWeekday := lookup(config, "month_weekday", "monthWeekday")
		if hasDay && (hasWeek || hasWeekday) {
			return nil, ErrAmbiguousRule
		}
		if hasWeek || hasWeekday {
			week, ok := intValue(weekRaw)
			if !ok {
				return nil, ErrBadMonthWeek
			}
			wd, ok := intValue(wdRaw)
			if !ok {
				return nil, ErrBadWeekday
			}
			return NewMonthlyWeekday(week, time.Weekday(wd))
		}
		day, ok := intValue(dayRaw)
		if !ok {
			return nil, ErrBadMonthDay
		}
		return NewMonthlyDay(day)
	case KindQuarterly:
		day, ok := intValue(mustLookup(config, "month_day", "monthDay"))
		if !ok {
			return nil, ErrBadMonthDay
		}
		month := 1
		if raw, present := lookup(config, "quarter_month", "quarterMonth"); present {
			if month, ok = intValue(raw); !ok {
				return nil, ErrBadQuarter
			}
		}
		return NewQuarterly(month, day)
	case KindYearly:
		month, ok := intValue(mustLookup(config, "month"))
		if !ok {
			return nil, ErrBadMonth
		}
		day, ok := intValue(mustLookup(config, "month_day", "monthDay"))
		if !ok {
			return nil, ErrBadMonthDay
		}
		return NewYearly(time.Month(month), day)
	}
	return nil, fmt.Errorf("%w %q", ErrUnknownKind, kind)
}

func lookup(config map[string]any, keys ...string) (any, bool) {
	for _, k := range keys {
		if v, ok := config[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

func mustLookup(config map[string]any, keys ...string) any {
	v, _ := lookup(config, keys...)
	return v
}

// intValue accepts the integer shapes a JSON round trip or Go caller can produce.
func intValue(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float32:
		return intValue(float64(n))
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) || n > math.MaxInt32 || n < math.MinInt32 {
			return 0, false
		}
		return int(n), true
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	}
	return 0, false
}

func weekdayList(v any) ([]time.Weekday, error) {
	var items []any
	switch list := v.(type) {
	case []any:
		items = list
	case []int:
		for _, n := range list {
			items = append(items, n)
		}
	case []float64:
		for _, n := range list {
			items = append(items, n)
		}
	case []time.Weekday:
		return list, nil
	default:
		return nil, ErrBadWeekday
	}
	out := make([]time.Weekday, 0, len(items))
	for _, item := range items {
		n, ok := intValue(item)
		if !ok || n < 0 || n > 6 {
			return nil, ErrBadWeekday
		}
		out = append(out, time.Weekday(n))
	}
	return out, nil
}

func maxDaysIn(m time.Month) int {
	switch m {
	case time.February:
		return 29
	case time.April, time.June, time.September, time.November:
		return 30
	}
	return 31
}
