package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestUpMigrations(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"0002_jobs.up.sql",
		"0001_init.up.sql",
		"0001_init.down.sql",
		"README.md",
	} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("SELECT 1;"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "9999_dir.up.sql"), 0o755); err != nil {
		t.Fatal(err)
	}

	got, err := upMigrations(dir)
	if err != nil {
		t.Fatalf("upMigrations: %v", err)
	}
	want := []string{"0001_init.up.sql", "0002_jobs.up.sql"}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("migrations (-want +got):\n%s", diff)
	}
}

func TestUpMigrations_MissingDir(t *testing.T) {
	if _, err := upMigrations(filepath.Join(t.TempDir(), "nope")); err == nil {
		t.Error("expected error for missing directory")
	}
}
