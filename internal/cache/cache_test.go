package cache

import (
	"strings"
	"testing"
)

func TestKeyDeterministic(t *testing.T) {
	a := Key("what changed?", map[string]string{"doc_type": "contract", "group_id": "g1"})
	b := Key("what changed?", map[string]string{"group_id": "g1", "doc_type": "contract"})
	if a != b {
		t.Error("filter map order must not change the key")
	}
	if !strings.HasPrefix(a, "docai:query:") {
		t.Errorf("key namespace missing: %q", a)
	}
}

func TestKeyDistinguishesInputs(t *testing.T) {
	base := Key("q", map[string]string{"k": "v"})
	if Key("q2", map[string]string{"k": "v"}) == base {
		t.Error("different questions must produce different keys")
	}
	if Key("q", map[string]string{"k": "v2"}) == base {
		t.Error("different filter values must produce different keys")
	}
	if Key("q", nil) == base {
		t.Error("missing filters must produce a different key")
	}
	// A filter value must not be confusable with a question suffix.
	if Key("qk", nil) == Key("q", map[string]string{"k": ""}) {
		t.Error("key boundary between question and filters is ambiguous")
	}
}
