/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package recurrence

import (
	"cmp"
	"slices"
)

// Schedulable is the evaluator's view of a schedule.
type Schedulable interface {
	// RepeatRule decodes the schedule's repeat type and config.
	RepeatRule() (Rule, error)
	// FireTime is the wall-clock time the schedule fires at.
	FireTime() TimeOfDay
	// Bounds returns the inclusive start and end dates; nil means unbounded.
	Bounds() (start, end *Date)
	// ScheduleID orders schedules sharing a fire time.
	ScheduleID() string
}

// Fires reports whether s fires on the given date. The start bound is
// checked first, then the end bound, then the repeat rule. A rule that does
// not decode never fires.
func Fires(s Schedulable, on Date) bool {
	start, end := s.Bounds()
	if start != nil && on.Before(*start) {
		return false
	}
	if end != nil && on.After(*end) {
		return false
	}
	rule, err := s.RepeatRule()
	if err != nil || rule == nil {
		return false
	}
	return rule.Matches(on)
}

// DueOn returns the schedules that fire on the given date ordered by fire
// time, then by schedule id. The input slice is not modified.
func DueOn[S Schedulable](schedules []S, on Date) []S {
	due := make([]S, 0, len(schedules))
	for _, s := range schedules {
		if Fires(s, on) {
			due = append(due, s)
		}
	}
	slices.SortFunc(due, func(a, b S) int {
		if c := a.FireTime().Compare(b.FireTime()); c != 0 {
			return c
		}
		return cmp.Compare(a.ScheduleID(), b.ScheduleID())
	})
	return due
}
