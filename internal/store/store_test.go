package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/xiaopang/unlimitedproxy/internal/config"
	"github.com/xiaopang/unlimitedproxy/internal/model"
)

func sampleCred(value string) *model.Credential {
	now := time.Now().Truncate(time.Second)
	return &model.Credential{
		Value:      value,
		AcquiredAt: now,
		ExpiresAt:  now.Add(time.Hour),
		Status:     model.CredentialValid,
		UseCount:   3,
		ErrorCount: 1,
	}
}

// exerciseStore runs the shared contract against any backend.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()

	creds, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 0 {
		t.Fatalf("fresh store holds %d credentials", len(creds))
	}

	if err := s.Save(sampleCred("tok-a")); err != nil {
		t.Fatal(err)
	}
	if err := s.Save(sampleCred("tok-b")); err != nil {
		t.Fatal(err)
	}

	// saving the same value again must overwrite, not duplicate
	updated := sampleCred("tok-a")
	updated.UseCount = 99
	if err := s.Save(updated); err != nil {
		t.Fatal(err)
	}

	creds, err = s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 2 {
		t.Fatalf("got %d credentials, want 2", len(creds))
	}
	byValue := map[string]*model.Credential{}
	for _, c := range creds {
		byValue[c.Value] = c
	}
	if got := byValue["tok-a"]; got == nil || got.UseCount != 99 {
		t.Fatalf("upsert lost: %+v", got)
	}
	if byValue["tok-b"] == nil || byValue["tok-b"].Status != model.CredentialValid {
		t.Fatalf("tok-b corrupted: %+v", byValue["tok-b"])
	}

	if err := s.Delete("tok-a"); err != nil {
		t.Fatal(err)
	}
	creds, _ = s.Load()
	if len(creds) != 1 || creds[0].Value != "tok-b" {
		t.Fatalf("after delete: %+v", creds)
	}

	// deleting a missing value is not an error
	if err := s.Delete("tok-missing"); err != nil {
		t.Fatal(err)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemory()
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStore(t *testing.T) {
	s := NewFile(filepath.Join(t.TempDir(), "tokens.json"))
	defer s.Close()
	exerciseStore(t, s)
}

func TestFileStore_PersistsAcrossInstances(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	s1 := NewFile(path)
	if err := s1.Save(sampleCred("tok-x")); err != nil {
		t.Fatal(err)
	}
	s1.Close()

	s2 := NewFile(path)
	defer s2.Close()
	creds, err := s2.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 1 || creds[0].Value != "tok-x" {
		t.Fatalf("persisted credentials = %+v", creds)
	}
}

func TestFileStore_CorruptFileTreatedAsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatal(err)
	}

	s := NewFile(path)
	defer s.Close()
	creds, err := s.Load()
	if err != nil {
		t.Fatal(err)
	}
	if len(creds) != 0 {
		t.Fatalf("corrupt file should load as empty, got %d", len(creds))
	}
}

func TestSQLiteStore(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLiteStore_Prune(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	live := sampleCred("tok-live")
	dead := sampleCred("tok-dead")
	dead.ExpiresAt = time.Now().Add(-time.Hour)
	s.Save(live)
	s.Save(dead)

	n, err := s.Prune(time.Now())
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("pruned %d rows, want 1", n)
	}

	creds, _ := s.Load()
	if len(creds) != 1 || creds[0].Value != "tok-live" {
		t.Fatalf("after prune: %+v", creds)
	}
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(&config.TokenConfig{StorageType: "etcd"}); err == nil {
		t.Fatal("unknown backend should error")
	}
}
