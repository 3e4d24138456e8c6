package knowledge

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func waitComplete(t *testing.T, s *Store, opID string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		for _, op := range s.Status() {
			if op.ID == opID && op.Status != OpRunning {
				if op.Status != OpComplete {
					t.Fatalf("operation ended %s: %s", op.Status, op.Error)
				}
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("operation did not finish")
}

func TestAddIndexesAndSearchFinds(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "notes.md"), []byte("the flux capacitor needs 1.21 gigawatts"), 0o644)
	os.WriteFile(filepath.Join(src, "other.txt"), []byte("unrelated"), 0o644)

	s, err := Open(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	opID, err := s.Add("notes", src)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if opID == "" {
		t.Fatal("Add must return an operation id immediately")
	}
	waitComplete(t, s, opID)

	matches, err := s.Search("flux capacitor")
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if len(matches) != 1 || matches[0].Context != "notes" {
		t.Fatalf("matches = %+v", matches)
	}

	if err := s.Remove("notes"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	matches, _ = s.Search("flux capacitor")
	if len(matches) != 0 {
		t.Fatal("removed context must not match")
	}
}

func TestIndexPersistsAcrossOpen(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "a.txt"), []byte("persistent fact"), 0o644)
	dir := t.TempDir()

	s, _ := Open(dir, nil)
	opID, err := s.Add("facts", src)
	if err != nil {
		t.Fatal(err)
	}
	waitComplete(t, s, opID)

	reopened, err := Open(dir, nil)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	matches, _ := reopened.Search("persistent fact")
	if len(matches) != 1 {
		t.Fatalf("matches after reopen = %+v", matches)
	}
}

func TestCancelUnknownOperation(t *testing.T) {
	s, _ := Open(t.TempDir(), nil)
	if err := s.Cancel("nope"); err == nil {
		t.Fatal("expected unknown operation to error")
	}
}
