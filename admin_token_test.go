package voicelease

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"pkt.systems/pslog"
)

func writeToken(t *testing.T, path, token string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(token), 0o600); err != nil {
		t.Fatalf("write token: %v", err)
	}
}

func waitForToken(t *testing.T, tf *tokenFile, want string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if tf.AdminToken() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("token never became %q (have %q)", want, tf.AdminToken())
}

func TestTokenFileReloadsOnWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin-token")
	writeToken(t, path, "first\n")
	tf, err := openTokenFile(path, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tf.Close()
	if tf.AdminToken() != "first" {
		t.Fatalf("expected trimmed token, got %q", tf.AdminToken())
	}
	writeToken(t, path, "second")
	waitForToken(t, tf, "second")
}

func TestTokenFileReloadsOnRename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "admin-token")
	writeToken(t, path, "first")
	tf, err := openTokenFile(path, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tf.Close()
	tmp := filepath.Join(dir, "admin-token.tmp")
	writeToken(t, tmp, "rotated")
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}
	waitForToken(t, tf, "rotated")
}

func TestTokenFileKeepsTokenWhenEmptied(t *testing.T) {
	path := filepath.Join(t.TempDir(), "admin-token")
	writeToken(t, path, "keep")
	tf, err := openTokenFile(path, pslog.NoopLogger())
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer tf.Close()
	writeToken(t, path, "")
	tf.reload()
	if tf.AdminToken() != "keep" {
		t.Fatalf("empty file replaced the token: %q", tf.AdminToken())
	}
}

func TestOpenTokenFileErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := openTokenFile(filepath.Join(dir, "missing"), pslog.NoopLogger()); err == nil {
		t.Fatalf("expected error for missing file")
	}
	empty := filepath.Join(dir, "empty")
	writeToken(t, empty, "  \n")
	if _, err := openTokenFile(empty, pslog.NoopLogger()); err == nil {
		t.Fatalf("expected error for empty file")
	}
}
