package jobs

import (
	"strings"
	"testing"
)

func TestGenerateID(t *testing.T) {
	a, b := GenerateID("prep-"), GenerateID("prep-")
	if a == b {
		t.Fatalf("ids collide: %s", a)
	}
	if !strings.HasPrefix(a, "prep-") || len(a) != len("prep-")+26 {
		t.Errorf("id = %q", a)
	}
	if strings.ToLower(a) != a {
		t.Errorf("id %q is not lower case", a)
	}
}
