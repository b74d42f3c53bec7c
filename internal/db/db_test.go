package db

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Metaroadcorp/snd-system-test/internal/config"
	"github.com/Metaroadcorp/snd-system-test/internal/models"
)

func TestConnectSQLiteMigratesAndTranslatesDuplicates(t *testing.T) {
	cfg := &config.Config{DBBackend: config.DatabaseSQLite, DBDSN: "file::memory:", Environment: "test"}
	database, err := Connect(cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() { _ = Close(database) })

	if err := Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, m := range models.All() {
		if !database.Migrator().HasTable(m) {
			t.Fatalf("missing table for %T", m)
		}
	}

	key := "sched@2025-01-01T08:00"
	run := func(id string) *models.BroadcastRun {
		return &models.BroadcastRun{ID: id, TemplateID: "t", OrganizationID: "o", RunType: models.RunScheduled, Status: models.RunRunning, FireKey: &key}
	}
	if err := database.Create(run("r1")).Error; err != nil {
		t.Fatalf("first insert: %v", err)
	}
	err = database.Create(run("r2")).Error
	if err == nil {
		t.Fatal("expected duplicate fire key error")
	}
	if !IsDuplicate(err) {
		t.Fatalf("expected gorm.ErrDuplicatedKey, got %v", err)
	}
}

func TestConnectRejectsUnknownBackend(t *testing.T) {
	if _, err := Connect(&config.Config{DBBackend: "oracle"}, zerolog.Nop()); err == nil {
		t.Fatal("expected error")
	}
}
