package hexid

import "testing"

func TestGenerate_LengthAndAlphabet(t *testing.T) {
	t.Parallel()

	id := Generate(DefaultBytes)
	if len(id) != DefaultBytes*2 {
		t.Fatalf("len = %d, want %d", len(id), DefaultBytes*2)
	}
	for _, r := range id {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			t.Fatalf("unexpected rune %q in %q", r, id)
		}
	}
}

func TestGenerate_Distinct(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{}, 1000)
	for i := 0; i < 1000; i++ {
		id := Generate(DefaultBytes)
		if id == "" {
			t.Fatalf("empty id")
		}
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %q", id)
		}
		seen[id] = struct{}{}
	}
}

func TestGenerate_NonPositiveFallsBack(t *testing.T) {
	t.Parallel()

	if got := Generate(0); len(got) != DefaultBytes*2 {
		t.Fatalf("len = %d, want default", len(got))
	}
}
