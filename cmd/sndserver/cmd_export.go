/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/Metaroadcorp/snd-system-test/internal/export"
	"github.com/Metaroadcorp/snd-system-test/internal/ledger"
)

var (
	exportOrganization string
	exportOut          string
	exportLimit        int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write an organization's run history to an .xlsx workbook",
	RunE:  runExport,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOrganization, "organization", "o", "", "Organization ID (required)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output path (default broadcast-runs-<date>.xlsx)")
	exportCmd.Flags().IntVar(&exportLimit, "limit", ledger.MaxHistoryLimit, "Maximum number of runs, newest first")
	_ = exportCmd.MarkFlagRequired("organization")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
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

	runs, err := ledger.New(ledger.NewGormStore(database), logger).History(ctx, exportOrganization, exportLimit)
	if err != nil {
		return fmt.Errorf("load run history: %w", err)
	}

	out := exportOut
	if out == "" {
		out = fmt.Sprintf("broadcast-runs-%s.xlsx", time.Now().In(cfg.Location()).Format("2006-01-02"))
	}

	f, err := export.RunHistoryWorkbook(runs, cfg.Location())
	if err != nil {
		return err
	}
	defer f.Close()
	if err := f.SaveAs(out); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}

	logger.Info().
		Str("organization_id", exportOrganization).
		Int("runs", len(runs)).
		Str("path", out).
		Msg("run history exported")
	return nil
}
