package storage

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestMigrationsIdempotent runs Open twice on the same database and verifies
// the schema_version count stays correct (migration not re-applied).
func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s1.PutValues(map[string]string{"k": "v"}); err != nil {
		t.Fatalf("PutValues: %v", err)
	}
	v1, err := s1.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(v1) != len(v2) {
		t.Errorf("migration count changed: %d -> %d", len(v1), len(v2))
	}
	if got, err := s2.GetValue("k"); err != nil || got != "v" {
		t.Errorf("GetValue after reopen = %q, %v; want v", got, err)
	}
}

func TestMigrationsOrdered(t *testing.T) {
	s := openTestStore(t)

	versions, err := s.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations: %v", err)
	}
	if len(versions) < 2 {
		t.Fatalf("applied = %v, want at least two migrations", versions)
	}
	for i := 1; i < len(versions); i++ {
		if versions[i] <= versions[i-1] {
			t.Errorf("migrations not in ascending order: %v", versions)
			break
		}
	}
}

func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	for _, idx := range []string{"idx_notes_owner_position", "idx_transcriptions_created"} {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("querying sqlite_master for %q: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %q not found in sqlite_master", idx)
		}
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("002_transcriptions.sql")
	if err != nil || v != 2 {
		t.Errorf("parseMigrationVersion = %d, %v; want 2", v, err)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for unnumbered file")
	}
}

func TestPutGetDeleteValues(t *testing.T) {
	s := openTestStore(t)

	if err := s.PutValues(map[string]string{"token": "Basic a:b", "identity": "a"}); err != nil {
		t.Fatalf("PutValues: %v", err)
	}
	if got, err := s.GetValue("token"); err != nil || got != "Basic a:b" {
		t.Errorf("GetValue(token) = %q, %v", got, err)
	}

	// Overwrite.
	if err := s.PutValues(map[string]string{"identity": "b"}); err != nil {
		t.Fatalf("PutValues overwrite: %v", err)
	}
	if got, _ := s.GetValue("identity"); got != "b" {
		t.Errorf("identity = %q, want b", got)
	}

	if err := s.DeleteValues("token", "identity", "never-set"); err != nil {
		t.Fatalf("DeleteValues: %v", err)
	}
	for _, k := range []string{"token", "identity"} {
		if _, err := s.GetValue(k); !errors.Is(err, ErrNotFound) {
			t.Errorf("GetValue(%s) error = %v, want ErrNotFound", k, err)
		}
	}
}

func TestGetValueNotFound(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.GetValue("missing"); err != ErrNotFound {
		t.Errorf("error = %v, want ErrNotFound", err)
	}
}

func TestReplaceAndListNotes(t *testing.T) {
	s := openTestStore(t)

	first := []Note{{ID: "1", Title: "a", Content: "x"}, {ID: "2", Title: "b", Content: "y"}}
	if err := s.ReplaceNotes("alice", first); err != nil {
		t.Fatalf("ReplaceNotes: %v", err)
	}
	if err := s.ReplaceNotes("bob", []Note{{ID: "9", Title: "other"}}); err != nil {
		t.Fatalf("ReplaceNotes bob: %v", err)
	}

	second := []Note{{ID: "3", Title: "c"}, {ID: "1", Title: "a2", Content: "x2"}}
	if err := s.ReplaceNotes("alice", second); err != nil {
		t.Fatalf("ReplaceNotes again: %v", err)
	}

	got, err := s.ListNotes("alice")
	if err != nil {
		t.Fatalf("ListNotes: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
	if got[0].ID != "3" || got[1].ID != "1" || got[1].Content != "x2" {
		t.Errorf("notes = %+v, want backend order [3 1]", got)
	}
	if got[0].FetchedAt.IsZero() {
		t.Error("FetchedAt not set")
	}

	bob, _ := s.ListNotes("bob")
	if len(bob) != 1 {
		t.Errorf("bob notes = %d, want 1", len(bob))
	}
}

func TestDeleteNote(t *testing.T) {
	s := openTestStore(t)

	if err := s.ReplaceNotes("alice", []Note{{ID: "1"}, {ID: "2"}}); err != nil {
		t.Fatalf("ReplaceNotes: %v", err)
	}
	if err := s.DeleteNote("alice", "1"); err != nil {
		t.Fatalf("DeleteNote: %v", err)
	}
	if err := s.DeleteNote("alice", "1"); err != ErrNotFound {
		t.Errorf("second DeleteNote = %v, want ErrNotFound", err)
	}
	got, _ := s.ListNotes("alice")
	if len(got) != 1 || got[0].ID != "2" {
		t.Errorf("remaining = %+v", got)
	}
}

func TestSaveAndGetTranscription(t *testing.T) {
	s := openTestStore(t)

	created := time.Now().UTC().Truncate(time.Second)
	tr := Transcription{ID: "tx-1", Status: "processing", Attempts: 1, CreatedAt: created}
	if err := s.SaveTranscription(tr); err != nil {
		t.Fatalf("SaveTranscription: %v", err)
	}

	tr.Status = "completed"
	tr.Transcript = "hello"
	if err := s.SaveTranscription(tr); err != nil {
		t.Fatalf("SaveTranscription update: %v", err)
	}

	got, err := s.GetTranscription("tx-1")
	if err != nil {
		t.Fatalf("GetTranscription: %v", err)
	}
	if got.Status != "completed" || got.Transcript != "hello" || got.Attempts != 1 {
		t.Errorf("got %+v", got)
	}
	if !got.CreatedAt.Equal(created) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, created)
	}

	if _, err := s.GetTranscription("nope"); err != ErrNotFound {
		t.Errorf("missing error = %v, want ErrNotFound", err)
	}
}

func TestRecentTranscriptions(t *testing.T) {
	s := openTestStore(t)

	base := time.Now().UTC().Truncate(time.Second)
	for i := 0; i < 5; i++ {
		tr := Transcription{
			ID:        fmt.Sprintf("tx-%d", i),
			Status:    "completed",
			CreatedAt: base.Add(time.Duration(i) * time.Minute),
		}
		if err := s.SaveTranscription(tr); err != nil {
			t.Fatalf("SaveTranscription: %v", err)
		}
	}

	got, err := s.RecentTranscriptions(3)
	if err != nil {
		t.Fatalf("RecentTranscriptions: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].ID != "tx-4" || got[2].ID != "tx-2" {
		t.Errorf("order = %s %s %s", got[0].ID, got[1].ID, got[2].ID)
	}
}
