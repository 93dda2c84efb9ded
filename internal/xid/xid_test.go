package xid

import (
	"strings"
	"testing"

	"github.com/google/uuid"
)

func TestNewCarriesPrefixAndUUID(t *testing.T) {
	id := New("hold")
	rest, ok := strings.CutPrefix(id, "hold-")
	if !ok {
		t.Fatalf("expected hold- prefix, got %s", id)
	}
	parsed, err := uuid.Parse(rest)
	if err != nil {
		t.Fatalf("expected uuid suffix, got %s: %v", rest, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected v7 uuid, got v%d", parsed.Version())
	}
	if New("hold") == id {
		t.Fatalf("expected unique ids")
	}
}
