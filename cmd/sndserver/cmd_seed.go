/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Metaroadcorp/snd-system-test/internal/models"
	"github.com/Metaroadcorp/snd-system-test/internal/recurrence"
)

var seedOrganization string

var seedCmd = &cobra.Command{
	Use:   "seed <fixture.yaml>",
	Short: "Load templates and schedules from a YAML fixture",
	Long: `Load broadcast templates and schedules from a YAML fixture.

Rows get IDs derived from the organization and each entry's key, so
running the same fixture twice updates rows instead of duplicating them.

Example fixture:

  organization_id: 6f1c2d9e-0000-4000-8000-000000000001
  templates:
    - key: lunch
      name: Lunch time
      content_type: TEXT
      text_content: Lunch is ready, please wash your hands.
  schedules:
    - key: lunch-weekdays
      name: Weekday lunch
      template: lunch
      repeat_type: WEEKLY
      repeat_config: {weekdays: [1, 2, 3, 4, 5]}
      scheduled_time: "11:30"
`,
	Args: cobra.ExactArgs(1),
	RunE: runSeed,
}

func init() {
	seedCmd.Flags().StringVarP(&seedOrganization, "organization", "o", "", "Override the fixture's organization_id")
	rootCmd.AddCommand(seedCmd)
}

type fixture struct {
	OrganizationID string            `yaml:"organization_id"`
	Templates      []templateFixture `yaml:"templates"`
	Schedules      []scheduleFixture `yaml:"schedules"`
}

// templateFixture is one template. System templates belong to no
// organization.
type templateFixture struct {
	Key         string             `yaml:"key"`
	Name        string             `yaml:"name"`
	ContentType models.ContentType `yaml:"content_type"`
	TextContent string             `yaml:"text_content"`
	MediaURL    string             `yaml:"media_url"`
	DurationSec int                `yaml:"duration_sec"`
	TargetType  models.TargetType  `yaml:"target_type"`
	IsEmergency bool               `yaml:"is_emergency"`
	System      bool               `yaml:"system"`
}

type scheduleFixture struct {
	Key           string          `yaml:"key"`
	Name          string          `yaml:"name"`
	Template      string          `yaml:"template"`
	RepeatType    recurrence.Kind `yaml:"repeat_type"`
	RepeatConfig  map[string]any  `yaml:"repeat_config"`
	ScheduledTime string          `yaml:"scheduled_time"`
	StartDate     string          `yaml:"start_date"`
	EndDate       string          `yaml:"end_date"`
}

type seedResult struct {
	Templates int
	Schedules int
}

// fixtureNamespace seeds the derived row IDs.
var fixtureNamespace = uuid.MustParse("8b0f4c9a-5d3e-4b7a-9c61-2f0e7d1a3b55")

func fixtureID(organizationID, kind, key string) string {
	return uuid.NewSHA1(fixtureNamespace, []byte(organizationID+"/"+kind+"/"+key)).String()
}

// loadFixture decodes a fixture, rejecting unknown fields.
func loadFixture(r io.Reader) (*fixture, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var fx fixture
	if err := dec.Decode(&fx); err != nil {
		return nil, fmt.Errorf("decode fixture: %w", err)
	}
	return &fx, nil
}

// buildRows validates the fixture and turns it into rows.
func (fx *fixture) buildRows() ([]models.BroadcastTemplate, []models.BroadcastSchedule, error) {
	if fx.OrganizationID == "" {
		return nil, nil, models.ErrOrganizationNeeded
	}
	if _, err := uuid.Parse(fx.OrganizationID); err != nil {
		return nil, nil, fmt.Errorf("organization_id: %w", err)
	}

	templateIDs := make(map[string]string, len(fx.Templates))
	templates := make([]models.BroadcastTemplate, 0, len(fx.Templates))
	for i, tf := range fx.Templates {
		if tf.Key == "" {
			return nil, nil, fmt.Errorf("templates[%d]: key is required", i)
		}
		if _, dup := templateIDs[tf.Key]; dup {
			return nil, nil, fmt.Errorf("templates[%d]: duplicate key %q", i, tf.Key)
		}
		tmpl := models.BroadcastTemplate{
			ID:          fixtureID(fx.OrganizationID, "template", tf.Key),
			Name:        tf.Name,
			ContentType: tf.ContentType,
			TextContent: tf.TextContent,
			MediaURL:    tf.MediaURL,
			DurationSec: tf.DurationSec,
			TargetType:  tf.TargetType,
			IsEmergency: tf.IsEmergency,
			IsSystem:    tf.System,
		}
		if !tf.System {
			org := fx.OrganizationID
			tmpl.OrganizationID = &org
		}
		tmpl.ApplyDefaults()
		if err := tmpl.Validate(); err != nil {
			return nil, nil, fmt.Errorf("templates[%d] %q: %w", i, tf.Key, err)
		}
		templateIDs[tf.Key] = tmpl.ID
		templates = append(templates, tmpl)
	}

	seen := make(map[string]bool, len(fx.Schedules))
	schedules := make([]models.BroadcastSchedule, 0, len(fx.Schedules))
	for i, sf := range fx.Schedules {
		if sf.Key == "" {
			return nil, nil, fmt.Errorf("schedules[%d]: key is required", i)
		}
		if seen[sf.Key] {
			return nil, nil, fmt.Errorf("schedules[%d]: duplicate key %q", i, sf.Key)
		}
		seen[sf.Key] = true

		templateID, ok := templateIDs[sf.Template]
		if !ok {
			return nil, nil, fmt.Errorf("schedules[%d] %q: unknown template %q", i, sf.Key, sf.Template)
		}
		at, err := recurrence.ParseTimeOfDay(sf.ScheduledTime)
		if err != nil {
			return nil, nil, fmt.Errorf("schedules[%d] %q: %w", i, sf.Key, err)
		}
		sched := models.BroadcastSchedule{
			ID:             fixtureID(fx.OrganizationID, "schedule", sf.Key),
			OrganizationID: fx.OrganizationID,
			TemplateID:     templateID,
			Name:           sf.Name,
			RepeatType:     sf.RepeatType,
			RepeatConfig:   sf.RepeatConfig,
			ScheduledTime:  at,
		}
		if sched.StartDate, err = optionalDate(sf.StartDate); err != nil {
			return nil, nil, fmt.Errorf("schedules[%d] %q start_date: %w", i, sf.Key, err)
		}
		if sched.EndDate, err = optionalDate(sf.EndDate); err != nil {
			return nil, nil, fmt.Errorf("schedules[%d] %q end_date: %w", i, sf.Key, err)
		}
		if err := sched.Validate(); err != nil {
			return nil, nil, fmt.Errorf("schedules[%d] %q: %w", i, sf.Key, err)
		}
		schedules = append(schedules, sched)
	}
	return templates, schedules, nil
}

func optionalDate(raw string) (*recurrence.Date, error) {
	if raw == "" {
		return nil, nil
	}
	d, err := recurrence.ParseDate(raw)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

// applyFixture upserts every row of the fixture in one transaction.
func applyFixture(ctx context.Context, database *gorm.DB, fx *fixture) (seedResult, error) {
	templates, schedules, err := fx.buildRows()
	if err != nil {
		return seedResult{}, err
	}

	err = database.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		upsert := clause.OnConflict{UpdateAll: true}
		for i := range templates {
			if err := tx.Clauses(upsert).Create(&templates[i]).Error; err != nil {
				return fmt.Errorf("template %q: %w", templates[i].Name, err)
			}
		}
		for i := range schedules {
			if err := tx.Clauses(upsert).Omit("Template").Create(&schedules[i]).Error; err != nil {
				return fmt.Errorf("schedule %q: %w", schedules[i].Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return seedResult{}, err
	}
	return seedResult{Templates: len(templates), Schedules: len(schedules)}, nil
}

func runSeed(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open fixture: %w", err)
	}
	defer f.Close()

	fx, err := loadFixture(f)
	if err != nil {
		return err
	}
	if seedOrganization != "" {
		fx.OrganizationID = seedOrganization
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
	res, err := applyFixture(ctx, database, fx)
	if err != nil {
		return err
	}

	logger.Info().
		Str("organization_id", fx.OrganizationID).
		Int("templates", res.Templates).
		Int("schedules", res.Schedules).
		Msg("fixture loaded")
	return nil
}
