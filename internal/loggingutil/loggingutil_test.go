package loggingutil

import (
	"net/http"
	"testing"
)

func TestRedactHeaders(t *testing.T) {
	h := http.Header{}
	h.Set("Authorization", "Bearer secret")
	h.Set("X-Admin-Token", "hunter2")
	h.Set("Cookie", "sid=1")
	h.Set("Accept", "application/json")

	got := RedactHeaders(h)
	for _, name := range []string{"Authorization", "X-Admin-Token", "Cookie"} {
		if got[name] != redacted {
			t.Fatalf("expected %s to be redacted, got %q", name, got[name])
		}
	}
	if got["Accept"] != "application/json" {
		t.Fatalf("unexpected Accept value %q", got["Accept"])
	}
}

func TestEnsureLogger(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected a non-nil logger")
	}
}
