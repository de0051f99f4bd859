package store

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *BoltStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewBoltStore(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestSaveAndGetPrinter(t *testing.T) {
	s := newTestStore(t)

	p := &Printer{
		ID:         "x1c-garage",
		Name:       "Garage X1C",
		Host:       "192.168.1.40",
		Serial:     "00M00A123456789",
		AccessCode: "ac-secret-x",
		Model:      "X1C",
	}
	if err := s.SavePrinter(p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetPrinter(p.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Host != p.Host {
		t.Errorf("host = %q, want %q", got.Host, p.Host)
	}
	if got.Serial != p.Serial {
		t.Errorf("serial = %q, want %q", got.Serial, p.Serial)
	}
	if got.AccessCode != p.AccessCode {
		t.Errorf("access code not persisted: %q", got.AccessCode)
	}
	if got.AddedAt.IsZero() {
		t.Error("added_at not set")
	}

	// The access code never leaves through the API form.
	data, _ := json.Marshal(got)
	if strings.Contains(string(data), p.AccessCode) {
		t.Errorf("access code leaked into JSON: %s", data)
	}
}

func TestSavePrinterRequiresID(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePrinter(&Printer{Host: "10.0.0.1"}); err == nil {
		t.Fatal("expected error for missing id")
	}
}

func TestDeletePrinter(t *testing.T) {
	s := newTestStore(t)

	if err := s.SavePrinter(&Printer{ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.DeletePrinter("p1"); err != nil {
		t.Fatal(err)
	}
	_, err := s.GetPrinter("p1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListPrinters(t *testing.T) {
	s := newTestStore(t)

	ids := []string{"a", "b", "c"}
	for _, id := range ids {
		if err := s.SavePrinter(&Printer{ID: id, AccessCode: "secret-" + id}); err != nil {
			t.Fatal(err)
		}
	}

	list, err := s.ListPrinters()
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list count = %d, want 3", len(list))
	}
	for _, p := range list {
		if p.AccessCode != "secret-"+p.ID {
			t.Errorf("printer %s access code = %q", p.ID, p.AccessCode)
		}
	}
}

func TestUpdatePrinter(t *testing.T) {
	s := newTestStore(t)
	if err := s.SavePrinter(&Printer{ID: "p1", Host: "10.0.0.1", AccessCode: "code"}); err != nil {
		t.Fatal(err)
	}

	seen := time.Now().Truncate(time.Millisecond)
	err := s.UpdatePrinter("p1", func(p *Printer) error {
		p.Host = "10.0.0.2"
		p.LastSeen = seen
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.GetPrinter("p1")
	if got.Host != "10.0.0.2" || !got.LastSeen.Equal(seen) || got.AccessCode != "code" {
		t.Errorf("after update = %+v", got)
	}

	if err := s.UpdatePrinter("missing", func(*Printer) error { return nil }); !errors.Is(err, ErrNotFound) {
		t.Errorf("update missing err = %v", err)
	}
}

func TestReviewLifecycle(t *testing.T) {
	s := newTestStore(t)

	r := &Review{Filename: "benchy.3mf", Path: "/tmp/uploads/benchy.3mf", Peer: "192.168.1.20:50123", Size: 1234}
	if err := s.CreateReview(r); err != nil {
		t.Fatal(err)
	}
	if r.ID == "" || r.Status != ReviewPending {
		t.Fatalf("created review = %+v", r)
	}

	second := &Review{Filename: "plate.3mf"}
	if err := s.CreateReview(second); err != nil {
		t.Fatal(err)
	}

	pending, err := s.ListReviews(ReviewPending)
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 2 || pending[0].ID != r.ID {
		t.Fatalf("pending = %d (first %v)", len(pending), pending)
	}

	resolved, err := s.ResolveReview(r.ID, ReviewApproved, "archive-1")
	if err != nil {
		t.Fatal(err)
	}
	if resolved.Status != ReviewApproved || resolved.ArchiveID != "archive-1" || resolved.ResolvedAt.IsZero() {
		t.Errorf("resolved = %+v", resolved)
	}

	if _, err := s.ResolveReview(r.ID, ReviewRejected, ""); err == nil {
		t.Error("resolving twice should fail")
	}
	if _, err := s.ResolveReview(second.ID, ReviewPending, ""); err == nil {
		t.Error("resolving to pending should fail")
	}
	if _, err := s.ResolveReview("nope", ReviewRejected, ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing review err = %v", err)
	}

	pending, _ = s.ListReviews(ReviewPending)
	if len(pending) != 1 || pending[0].ID != second.ID {
		t.Errorf("pending after resolve = %v", pending)
	}
	all, _ := s.ListReviews("")
	if len(all) != 2 {
		t.Errorf("all reviews = %d, want 2", len(all))
	}
}

func TestCreateReviewDuplicateID(t *testing.T) {
	s := newTestStore(t)
	if err := s.CreateReview(&Review{ID: "r1"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateReview(&Review{ID: "r1"}); err == nil {
		t.Fatal("expected duplicate error")
	}
}

func TestArchiveRecords(t *testing.T) {
	s := newTestStore(t)

	a := &ArchiveRecord{Filename: "benchy.3mf", Size: 42, SHA256: "abc", Source: "virtual"}
	if err := s.SaveArchive(a); err != nil {
		t.Fatal(err)
	}
	if a.ID == "" {
		t.Fatal("archive id not assigned")
	}
	got, err := s.GetArchive(a.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.SHA256 != "abc" || got.Size != 42 {
		t.Errorf("archive = %+v", got)
	}
	list, err := s.ListArchives()
	if err != nil || len(list) != 1 {
		t.Errorf("ListArchives = %v, %v", list, err)
	}
	if _, err := s.GetArchive("missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing archive err = %v", err)
	}
}

func TestSaveAndGetVirtualSettings(t *testing.T) {
	s := newTestStore(t)

	if _, err := s.GetVirtualSettings(); !errors.Is(err, ErrNotFound) {
		t.Fatalf("empty store err = %v", err)
	}

	v := &VirtualSettings{Enabled: true, Name: "Farm", Model: "P1S", Mode: "review", AccessCode: "87654321"}
	if err := s.SaveVirtualSettings(v); err != nil {
		t.Fatal(err)
	}
	got, err := s.GetVirtualSettings()
	if err != nil {
		t.Fatal(err)
	}
	if *got != *v {
		t.Errorf("settings = %+v, want %+v", got, v)
	}
}
