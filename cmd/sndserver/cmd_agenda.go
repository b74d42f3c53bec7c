/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/Metaroadcorp/snd-system-test/internal/agenda"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
	"github.com/Metaroadcorp/snd-system-test/internal/scheduler"
)

var (
	agendaOrganization string
	agendaDate         string
	agendaDryRun       bool
	agendaWindow       time.Duration
)

var agendaCmd = &cobra.Command{
	Use:   "agenda",
	Short: "Print the schedules due for an organization",
	Long: `Print the schedules that fire on one local date for an organization.

With --dry-run the scheduler also runs one tick against an in-memory run
ledger and lists the runs it would open now. Firings already recorded in
the database are not consulted. Nothing is written and nothing is
delivered.

Examples:
  # Today's agenda
  sndserver agenda --organization 6f1c...

  # A specific date
  sndserver agenda --organization 6f1c... --date 2025-03-17

  # What would fire in the last 10 minutes
  sndserver agenda --organization 6f1c... --dry-run --window 10m
`,
	RunE: runAgenda,
}

func init() {
	agendaCmd.Flags().StringVarP(&agendaOrganization, "organization", "o", "", "Organization ID (required)")
	agendaCmd.Flags().StringVar(&agendaDate, "date", "", "Local date as YYYY-MM-DD (default today)")
	agendaCmd.Flags().BoolVar(&agendaDryRun, "dry-run", false, "Simulate one scheduler tick without writing runs")
	agendaCmd.Flags().DurationVar(&agendaWindow, "window", 90*time.Second, "Look-back window of the simulated tick")
	_ = agendaCmd.MarkFlagRequired("organization")
	rootCmd.AddCommand(agendaCmd)
}

func runAgenda(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	database, closeDB, err := openDatabase()
	if err != nil {
		return err
	}
	defer closeDB()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	agendas := agenda.New(database, nil, cfg.Location(), logger)
	date := agendas.LocalDate(time.Now())
	if agendaDate != "" {
		if date, err = recurrence.ParseDate(agendaDate); err != nil {
			return err
		}
	}

	due, err := agendas.Today(ctx, agendaOrganization, date)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	printAgenda(out, date.String(), due)

	if !agendaDryRun {
		return nil
	}

	collector := &collectingDispatcher{}
	dryLedger := ledger.New(ledger.NewMemoryStore(), logger)
	sched := scheduler.New(database, agendas, dryLedger, collector, scheduler.Config{Lookback: agendaWindow}, logger)
	if _, err := sched.Tick(ctx, time.Now()); err != nil {
		return fmt.Errorf("simulate tick: %w", err)
	}

	runs := collector.forOrganization(agendaOrganization)
	fmt.Fprintf(out, "\nDry run: %d run(s) would open in the last %s\n", len(runs), agendaWindow)
	for _, run := range runs {
		scheduleID := ""
		if run.ScheduleID != nil {
			scheduleID = *run.ScheduleID
		}
		fmt.Fprintf(out, "  %s  schedule=%s template=%s\n", run.RunType, scheduleID, run.TemplateName)
	}
	return nil
}

func printAgenda(w io.Writer, date string, due []models.BroadcastSchedule) {
	fmt.Fprintf(w, "Agenda for %s: %d schedule(s)\n", date, len(due))
	for _, s := range due {
		template := s.TemplateID
		if s.Template != nil {
			template = s.Template.Name
		}
		fmt.Fprintf(w, "  %s  %-9s  %s  (%s)\n", s.ScheduledTime, s.RepeatType, s.Name, template)
	}
}

// collectingDispatcher records runs instead of delivering them.
type collectingDispatcher struct {
	mu   sync.Mutex
	runs []*models.BroadcastRun
}

func (d *collectingDispatcher) Go(run *models.BroadcastRun, _ *models.BroadcastTemplate) {
	d.mu.Lock()
	d.runs = append(d.runs, run)
	d.mu.Unlock()
}

func (d *collectingDispatcher) forOrganization(organizationID string) []*models.BroadcastRun {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []*models.BroadcastRun
	for _, run := range d.runs {
		if run.OrganizationID == organizationID {
			out = append(out, run)
		}
	}
	return out
}
