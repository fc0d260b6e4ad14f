package keychain

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	apperrors "github.com/agentlink/client/internal/errors"
	"github.com/agentlink/client/internal/pairing"
)

func testCreds() *pairing.Credentials {
	return &pairing.Credentials{
		URL:             "wss://192.168.1.50:7070/ws",
		Protocol:        "agentlink",
		Version:         "1",
		AuthToken:       "token-abc",
		CertFingerprint: "SHA256:AA:BB:CC",
	}
}

func TestFileStoreRoundTrip(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	if err := store.Save("ep-1", testCreds()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	got, err := store.Retrieve("ep-1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.AuthToken != "token-abc" || got.CertFingerprint != "SHA256:AA:BB:CC" {
		t.Errorf("credentials = %+v", got)
	}
}

func TestFileStoreNotFound(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	_, err = store.Retrieve("missing")
	if !apperrors.IsCode(err, apperrors.CodeKeychainNotFound) {
		t.Errorf("error = %v, want %s", err, apperrors.CodeKeychainNotFound)
	}
	if !IsNotFound(err) {
		t.Error("IsNotFound should report the missing-entry error")
	}
}

func TestFileStoreDeleteIdempotent(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}

	store.Save("ep-1", testCreds())
	if err := store.Delete("ep-1"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if err := store.Delete("ep-1"); err != nil {
		t.Errorf("second Delete failed: %v", err)
	}
	if _, err := store.Retrieve("ep-1"); !IsNotFound(err) {
		t.Errorf("entry survived delete: %v", err)
	}
}

func TestFileStoreEntriesAreEncrypted(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	store.Save("ep-1", testCreds())

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, entry := range entries {
		if entry.Name() == "key" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			t.Fatalf("ReadFile failed: %v", err)
		}
		if bytes.Contains(data, []byte("token-abc")) {
			t.Error("auth token stored in plaintext")
		}
	}
}

func TestFileStoreDetectsTampering(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	store.Save("ep-1", testCreds())

	entries, _ := os.ReadDir(dir)
	for _, entry := range entries {
		if entry.Name() == "key" {
			continue
		}
		path := filepath.Join(dir, entry.Name())
		data, _ := os.ReadFile(path)
		data[len(data)-1] ^= 0xFF
		os.WriteFile(path, data, 0600)
	}

	_, err = store.Retrieve("ep-1")
	if !apperrors.IsCode(err, apperrors.CodeKeychainSealed) {
		t.Errorf("error = %v, want %s", err, apperrors.CodeKeychainSealed)
	}
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("NewFileStore failed: %v", err)
	}
	store.Save("ep-1", testCreds())

	// A second open must load the same key and decrypt existing entries.
	reopened, err := NewFileStore(dir)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	got, err := reopened.Retrieve("ep-1")
	if err != nil {
		t.Fatalf("Retrieve after reopen failed: %v", err)
	}
	if got.AuthToken != "token-abc" {
		t.Errorf("credentials = %+v", got)
	}
}

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore()

	if err := store.Save("ep-1", testCreds()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	got, err := store.Retrieve("ep-1")
	if err != nil {
		t.Fatalf("Retrieve failed: %v", err)
	}
	if got.AuthToken != "token-abc" {
		t.Errorf("credentials = %+v", got)
	}

	// Retrieve hands out copies, not aliases.
	got.AuthToken = "mutated"
	again, _ := store.Retrieve("ep-1")
	if again.AuthToken != "token-abc" {
		t.Error("stored credentials mutated through a retrieved copy")
	}

	store.Delete("ep-1")
	if _, err := store.Retrieve("ep-1"); !IsNotFound(err) {
		t.Errorf("entry survived delete: %v", err)
	}
}
