/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package export

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

// ICalContentType is the MIME type of the schedule feed.
const ICalContentType = "text/calendar; charset=utf-8"

// SchedulesICal renders schedules as an RFC 5545 calendar with one
// recurring event per schedule. Schedules whose rule cannot be decoded are
// skipped.
func SchedulesICal(calendarName string, schedules []models.BroadcastSchedule, loc *time.Location) []byte {
	if loc == nil {
		loc = time.UTC
	}
	now := time.Now()

	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\n")
	buf.WriteString("VERSION:2.0\r\n")
	buf.WriteString("PRODID:-//SND System//Broadcast Schedules//EN\r\n")
	fmt.Fprintf(&buf, "X-WR-CALNAME:%s\r\n", escapeICalText(calendarName))
	fmt.Fprintf(&buf, "X-WR-TIMEZONE:%s\r\n", loc.String())
	buf.WriteString("CALSCALE:GREGORIAN\r\n")
	buf.WriteString("METHOD:PUBLISH\r\n")

	for _, s := range schedules {
		rrule, err := recurrence.RRuleLine(s, loc)
		if err != nil {
			continue
		}
		first := firstDate(s, loc)
		start := first.At(s.ScheduledTime, loc)

		duration := models.DefaultTemplateDurationSec
		if s.Template != nil && s.Template.DurationSec > 0 {
			duration = s.Template.DurationSec
		}

		buf.WriteString("BEGIN:VEVENT\r\n")
		fmt.Fprintf(&buf, "UID:%s@snd\r\n", s.ID)
		fmt.Fprintf(&buf, "DTSTAMP:%s\r\n", formatICalTime(now))
		fmt.Fprintf(&buf, "DTSTART:%s\r\n", formatICalTime(start))
		fmt.Fprintf(&buf, "DURATION:PT%dS\r\n", duration)
		fmt.Fprintf(&buf, "RRULE:%s\r\n", rrule)
		fmt.Fprintf(&buf, "SUMMARY:%s\r\n", escapeICalText(s.Name))
		if s.Template != nil {
			desc := s.Template.Name
			if s.Template.TextContent != "" {
				desc += "\n" + s.Template.TextContent
			}
			fmt.Fprintf(&buf, "DESCRIPTION:%s\r\n", escapeICalText(desc))
		}
		buf.WriteString("END:VEVENT\r\n")
	}

	buf.WriteString("END:VCALENDAR\r\n")
	return buf.Bytes()
}

// ICalFilename returns the download name of an organization's feed.
func ICalFilename(organizationID string) string {
	return fmt.Sprintf("broadcast-schedules-%s.ics", slugify(organizationID))
}

// firstDate anchors the event: the start date when set, otherwise the
// creation date.
func firstDate(s models.BroadcastSchedule, loc *time.Location) recurrence.Date {
	if s.StartDate != nil {
		return *s.StartDate
	}
	if !s.CreatedAt.IsZero() {
		return recurrence.DateOf(s.CreatedAt.In(loc))
	}
	return recurrence.DateOf(time.Now().In(loc))
}

func formatICalTime(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func escapeICalText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ";", "\\;")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
