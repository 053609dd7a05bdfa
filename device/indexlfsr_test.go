package device

import "testing"

func TestIndexLFSR_NoDuplicatesBeforeWrap(t *testing.T) {
	l := NewIndexLFSR()

	seen := make(map[uint32]struct{}, indexMax)
	first := l.Next()
	seen[first] = struct{}{}

	for i := 0; i < 1000; i++ {
		v := l.Next()
		if v > indexMax {
			t.Fatalf("value %d exceeds 24-bit range", v)
		}
		if _, dup := seen[v]; dup {
			t.Fatalf("value %d repeated after %d draws, before wrap-around", v, i+1)
		}
		seen[v] = struct{}{}
	}
}

func TestIndexLFSR_DistinctGenerators(t *testing.T) {
	a := NewIndexLFSR()
	b := NewIndexLFSR()
	// Two independently-seeded generators should (overwhelmingly likely)
	// diverge within a handful of draws.
	for i := 0; i < 8; i++ {
		if a.Next() != b.Next() {
			return
		}
	}
	t.Fatal("two independently seeded LFSRs produced identical sequences")
}
