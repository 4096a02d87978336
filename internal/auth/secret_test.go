package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDiscoverSecret_FromEnv(t *testing.T) {
	t.Setenv("GW_TEST_SECRET", "env-secret-value")

	secret, err := DiscoverSecret("GW_TEST_SECRET", "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(secret) != "env-secret-value" {
		t.Errorf("expected secret from env, got %q", secret)
	}
}

func TestDiscoverSecret_FromKeyFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")
	if err := os.WriteFile(path, []byte("file-secret-value"), 0o600); err != nil {
		t.Fatalf("failed to seed key file: %v", err)
	}

	secret, err := DiscoverSecret("GW_TEST_SECRET_UNSET", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(secret) != "file-secret-value" {
		t.Errorf("expected secret from key file, got %q", secret)
	}
}

func TestDiscoverSecret_GeneratesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secret.key")

	secret, err := DiscoverSecret("GW_TEST_SECRET_UNSET", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(secret) != 32 {
		t.Errorf("expected a generated 32-byte secret, got %d bytes", len(secret))
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("expected generated secret to be persisted: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("expected key file mode 0600, got %v", info.Mode().Perm())
	}

	again, err := DiscoverSecret("GW_TEST_SECRET_UNSET", path)
	if err != nil {
		t.Fatalf("unexpected error on second read: %v", err)
	}
	if string(again) != string(secret) {
		t.Error("expected the persisted secret to be reused on a subsequent call")
	}
}
