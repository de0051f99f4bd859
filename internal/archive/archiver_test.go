package archive

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"bambu-farm/internal/store"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type memRecords struct {
	saved []*store.ArchiveRecord
	err   error
}

func (m *memRecords) SaveArchive(a *store.ArchiveRecord) error {
	if m.err != nil {
		return m.err
	}
	m.saved = append(m.saved, a)
	return nil
}

func writeSource(t *testing.T, name string, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestArchiveCopiesAndRecords(t *testing.T) {
	recs := &memRecords{}
	dir := t.TempDir()
	a := New(dir, recs, newTestLogger())

	payload := []byte("PK\x03\x04 fake 3mf body")
	src := writeSource(t, "benchy.3mf", payload)

	id, err := a.Archive(context.Background(), src)
	if err != nil {
		t.Fatalf("Archive: %v", err)
	}
	if len(recs.saved) != 1 {
		t.Fatalf("records = %d, want 1", len(recs.saved))
	}
	rec := recs.saved[0]
	if rec.ID != id || rec.Filename != "benchy.3mf" || rec.Size != int64(len(payload)) || rec.Source != "virtual" {
		t.Errorf("record = %+v", rec)
	}
	sum := sha256.Sum256(payload)
	if rec.SHA256 != hex.EncodeToString(sum[:]) {
		t.Errorf("sha256 = %s", rec.SHA256)
	}
	got, err := os.ReadFile(filepath.Join(dir, id, "benchy.3mf"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(payload) {
		t.Errorf("archived content = %q", got)
	}
	// Source is left for the caller.
	if _, err := os.Stat(src); err != nil {
		t.Errorf("source removed: %v", err)
	}
}

func TestArchiveStoreFailureCleansUp(t *testing.T) {
	dir := t.TempDir()
	a := New(dir, &memRecords{err: errors.New("disk full")}, newTestLogger())

	if _, err := a.Archive(context.Background(), writeSource(t, "x.3mf", []byte("x"))); err == nil {
		t.Fatal("expected error")
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("archive dir not cleaned: %d entries", len(entries))
	}
}

func TestArchiveMissingSource(t *testing.T) {
	a := New(t.TempDir(), &memRecords{}, newTestLogger())
	if _, err := a.Archive(context.Background(), "/does/not/exist.3mf"); err == nil {
		t.Fatal("expected error")
	}
}

func TestArchiveCancelled(t *testing.T) {
	dir := t.TempDir()
	recs := &memRecords{}
	a := New(dir, recs, newTestLogger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := a.Archive(ctx, writeSource(t, "x.3mf", []byte("data"))); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(recs.saved) != 0 {
		t.Error("record saved for cancelled archive")
	}
}

func TestIsProjectFile(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"benchy.3mf", true},
		{"bar.gcode.3mf", true},
		{"PLATE.GCODE", true},
		{"thumb.png", false},
		{"notes.txt", false},
		{"3mf", false},
	}
	for _, tt := range tests {
		if got := IsProjectFile(tt.name); got != tt.want {
			t.Errorf("IsProjectFile(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}
