package storage

import (
	"testing"
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

func TestOpen_ReopenKeepsSchemaVersion(t *testing.T) {
	dir := t.TempDir()

	s1, err := Open(dir)
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	if err := s1.SetKundli("k", "Moon in Cancer"); err != nil {
		t.Fatalf("SetKundli: %v", err)
	}
	v1, err := s1.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	s1.Close()

	s2, err := Open(dir)
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer s2.Close()

	v2, err := s2.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v1 != v2 {
		t.Errorf("schema version changed on reopen: %d -> %d", v1, v2)
	}
	if _, err := s2.GetKundli("k"); err != nil {
		t.Errorf("data lost on reopen: %v", err)
	}
}

func TestMigrations_SchemaAtLatest(t *testing.T) {
	s := openTestStore(t)

	ms, err := migrations()
	if err != nil {
		t.Fatalf("migrations: %v", err)
	}
	if len(ms) == 0 {
		t.Fatal("no embedded migrations")
	}
	for i := 1; i < len(ms); i++ {
		if ms[i].version <= ms[i-1].version {
			t.Errorf("migrations out of order: %v", ms)
		}
	}

	v, err := s.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if want := ms[len(ms)-1].version; v != want {
		t.Errorf("schema version = %d, want %d", v, want)
	}
}

// TestIndexesExist verifies that the migrations create the lookup indexes.
func TestIndexesExist(t *testing.T) {
	s := openTestStore(t)

	indexes := []string{"idx_kb_documents_status", "idx_kb_documents_created", "idx_jobs_status_run_after", "idx_questions_created", "idx_kb_vectors_source"}
	for _, idx := range indexes {
		var count int
		err := s.db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE type='index' AND name=?", idx).Scan(&count)
		if err != nil {
			t.Fatalf("checking index %s: %v", idx, err)
		}
		if count != 1 {
			t.Errorf("index %s not found", idx)
		}
	}
}

func TestVectorsTableKeyedByNamespace(t *testing.T) {
	s := openTestStore(t)

	insert := `INSERT INTO kb_vectors (namespace, id, embedding, updated_at) VALUES (?, 'v1', x'00000000', '2025-01-01T00:00:00Z')`
	if _, err := s.db.Exec(insert, "a"); err != nil {
		t.Fatalf("insert ns a: %v", err)
	}
	if _, err := s.db.Exec(insert, "b"); err != nil {
		t.Fatalf("same id in another namespace should be allowed: %v", err)
	}
	if _, err := s.db.Exec(insert, "a"); err == nil {
		t.Error("expected primary key violation for duplicate (namespace, id)")
	}
}

