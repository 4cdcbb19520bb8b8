package db

import (
	"testing"
	"testing/fstest"

	"github.com/pickmylab/dispatch/migrations"
)

func TestLoadMigrations_SortsByVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"010_indexes.sql":  {Data: []byte("SELECT 10;")},
		"002_history.sql":  {Data: []byte("SELECT 2;")},
		"001_dispatch.sql": {Data: []byte("SELECT 1;")},
	}

	got, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	want := []int{1, 2, 10}
	if len(got) != len(want) {
		t.Fatalf("expected %d migrations, got %d", len(want), len(got))
	}
	for i, v := range want {
		if got[i].Version != v {
			t.Errorf("migration[%d]: expected version %d, got %d", i, v, got[i].Version)
		}
	}
	if got[0].Name != "001_dispatch.sql" || got[0].SQL != "SELECT 1;" {
		t.Errorf("unexpected first migration: %+v", got[0])
	}
}

func TestLoadMigrations_SkipsUnversionedFiles(t *testing.T) {
	fsys := fstest.MapFS{
		"001_valid.sql":      {Data: []byte("SELECT 1;")},
		"readme.sql":         {Data: []byte("-- no prefix")},
		"notes.txt":          {Data: []byte("not sql")},
		"abc_invalid.sql":    {Data: []byte("-- non-numeric")},
		"002_also_valid.sql": {Data: []byte("SELECT 2;")},
		"old/003_nested.sql": {Data: []byte("SELECT 3;")},
	}

	got, err := NewMigrator(nil, fsys, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 migrations, got %d", len(got))
	}
}

func TestLoadMigrations_DuplicateVersion(t *testing.T) {
	fsys := fstest.MapFS{
		"001_a.sql": {Data: []byte("SELECT 1;")},
		"1_b.sql":   {Data: []byte("SELECT 1;")},
	}
	if _, err := NewMigrator(nil, fsys, "").LoadMigrations(); err == nil {
		t.Error("expected error for duplicate version")
	}
}

func TestLoadMigrations_Empty(t *testing.T) {
	got, err := NewMigrator(nil, fstest.MapFS{}, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected no migrations, got %d", len(got))
	}
}

func TestNewMigrator_DefaultSchema(t *testing.T) {
	m := NewMigrator(nil, fstest.MapFS{}, "")
	if m.schema != "public" {
		t.Errorf("expected schema public, got %s", m.schema)
	}
	if m.table() != "public.schema_migrations" {
		t.Errorf("unexpected table %s", m.table())
	}
	if m := NewMigrator(nil, fstest.MapFS{}, "dispatch"); m.table() != "dispatch.schema_migrations" {
		t.Errorf("unexpected table %s", m.table())
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	got, err := NewMigrator(nil, migrations.FS, "").LoadMigrations()
	if err != nil {
		t.Fatalf("LoadMigrations() error: %v", err)
	}
	if len(got) == 0 {
		t.Fatal("expected embedded migrations")
	}
	if got[0].Version != 1 {
		t.Errorf("expected first version 1, got %d", got[0].Version)
	}
}
