/*
Copyright (C) 2026 Metaroadcorp

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"github.com/spf13/cobra"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations and exit",
	RunE:  runMigrate,
}

func init() {
	rootCmd.AddCommand(migrateCmd)
}

func runMigrate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	_, closeDB, err := openDatabase()
	if err != nil {
		return err
	}
	defer closeDB()

	logger.Info().Str("backend", string(cfg.DBBackend)).Msg("database schema is up to date")
	return nil
}
