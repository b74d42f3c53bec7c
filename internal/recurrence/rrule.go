/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"fmt"
	"time"

	"github.com/teambition/rrule-go"
)

var rruleWeekdays = []rrule.Weekday{rrule.SU, rrule.MO, rrule.TU, rrule.WE, rrule.TH, rrule.FR, rrule.SA}

// RRuleOptions expresses rule as an RFC 5545 recurrence starting no earlier
// than from, firing at tod in loc, and ending after until when until is set.
func RRuleOptions(rule Rule, from Date, tod TimeOfDay, loc *time.Location, until *Date) (rrule.ROption, error) {
	opt := rrule.ROption{
		Dtstart: from.At(tod, loc),
	}
	if until != nil {
		opt.Until = until.At(TimeOfDay{Hour: 23, Minute: 59, Second: 59}, loc)
	}

	switch r := rule.(type) {
	case Once:
		opt.Freq = rrule.DAILY
		opt.Dtstart = r.On.At(tod, loc)
		opt.Count = 1
	case Daily:
		opt.Freq = rrule.DAILY
	case Weekly:
		opt.Freq = rrule.WEEKLY
		for _, d := range r.Days() {
			opt.Byweekday = append(opt.Byweekday, rruleWeekdays[d])
		}
	case MonthlyDay:
		opt.Freq = rrule.MONTHLY
		opt.Bymonthday = []int{r.Day()}
	case MonthlyWeekday:
		opt.Freq = rrule.MONTHLY
		opt.Byweekday = []rrule.Weekday{rruleWeekdays[r.Weekday()].Nth(r.Week())}
	case Quarterly:
		opt.Freq = rrule.YEARLY
		for _, m := range r.Months() {
			opt.Bymonth = append(opt.Bymonth, int(m))
		}
		opt.Bymonthday = []int{r.Day()}
	case Yearly:
		opt.Freq = rrule.YEARLY
		opt.Bymonth = []int{int(r.Month())}
		opt.Bymonthday = []int{r.Day()}
	default:
		return rrule.ROption{}, fmt.Errorf("%w: %T", ErrUnknownKind, rule)
	}
	return opt, nil
}

// Occurrences lists up to count firing instants of s at or after from,
// honoring the schedule's start and end bounds.
func Occurrences(s Schedulable, from time.Time, count int, loc *time.Location) ([]time.Time, error) {
	if loc == nil {
		loc = time.UTC
	}
	rule, err := s.RepeatRule()
	if err != nil {
		return nil, err
	}
	from = from.In(loc)

	startDate := DateOf(from)
	start, end := s.Bounds()
	if start != nil && start.After(startDate) {
		startDate = *start
	}

	opt, err := RRuleOptions(rule, startDate, s.FireTime(), loc, end)
	if err != nil {
		return nil, err
	}
	rr, err := rrule.NewRRule(opt)
	if err != nil {
		return nil, fmt.Errorf("build rrule: %w", err)
	}

	out := make([]time.Time, 0, count)
	cursor := from
	inclusive := true
	for len(out) < count {
		next := rr.After(cursor, inclusive)
		if next.IsZero() {
			break
		}
		out = append(out, next)
		cursor = next
		inclusive = false
	}
	return out, nil
}

// RRuleLine renders the RRULE property value for s, for calendar export.
func RRuleLine(s Schedulable, loc *time.Location) (string, error) {
	rule, err := s.RepeatRule()
	if err != nil {
		return "", err
	}
	start, end := s.Bounds()
	from := Date{Year: 1970, Month: time.January, Day: 1}
	if start != nil {
		from = *start
	}
	opt, err := RRuleOptions(rule, from, s.FireTime(), loc, end)
	if err != nil {
		return "", err
	}
	return opt.RRuleString(), nil
}
