package xid

import (
	"strings"
	"testing"
)

func TestNewIsPrefixedAndUnique(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for i := 0; i < 256; i++ {
		id := New("so")
		if !strings.HasPrefix(id, "so-") {
			t.Fatalf("expected prefix so-, got %s", id)
		}
		if len(id) != len("so-")+32 {
			t.Fatalf("unexpected id length %d for %s", len(id), id)
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
