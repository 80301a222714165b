package idgen

import (
	"strings"
	"testing"
)

func TestUUIDv7_Format(t *testing.T) {
	id := UUIDv7()()
	if parts := strings.Split(id, "-"); len(parts) != 5 {
		t.Fatalf("UUIDv7: expected 5 parts, got %d in %q", len(parts), id)
	}
	if len(id) != 36 {
		t.Fatalf("UUIDv7: expected length 36, got %d", len(id))
	}
}

func TestSession_Prefix(t *testing.T) {
	seen := make(map[string]struct{}, 100)
	for i := 0; i < 100; i++ {
		id := Session()
		if !strings.HasPrefix(id, "ses_") {
			t.Fatalf("Session: expected ses_ prefix, got %q", id)
		}
		if _, ok := seen[id]; ok {
			t.Fatalf("Session: duplicate at iteration %d", i)
		}
		seen[id] = struct{}{}
	}
}
