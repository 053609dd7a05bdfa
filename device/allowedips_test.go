package device

import (
	"net/netip"
	"testing"
)

func mustPrefix(t *testing.T, s string) netip.Prefix {
	t.Helper()
	p, err := netip.ParsePrefix(s)
	if err != nil {
		t.Fatalf("parse prefix %q: %v", s, err)
	}
	return p
}

func mustAddr(t *testing.T, s string) netip.Addr {
	t.Helper()
	a, err := netip.ParseAddr(s)
	if err != nil {
		t.Fatalf("parse addr %q: %v", s, err)
	}
	return a
}

func TestAllowedIPs_LongestPrefixMatch(t *testing.T) {
	table := NewAllowedIPs[string]()
	table.Insert(mustPrefix(t, "10.0.0.0/8"), "P1")
	table.Insert(mustPrefix(t, "10.1.0.0/16"), "P2")

	cases := []struct {
		addr string
		want string
		ok   bool
	}{
		{"10.1.2.3", "P2", true},
		{"10.2.3.4", "P1", true},
		{"11.0.0.1", "", false},
	}
	for _, c := range cases {
		got, ok := table.Find(mustAddr(t, c.addr))
		if ok != c.ok || got != c.want {
			t.Errorf("Find(%s) = (%q, %v), want (%q, %v)", c.addr, got, ok, c.want, c.ok)
		}
	}
}

func TestAllowedIPs_LastInsertWinsOnExactPrefix(t *testing.T) {
	table := NewAllowedIPs[string]()
	table.Insert(mustPrefix(t, "192.168.0.0/24"), "first")
	table.Insert(mustPrefix(t, "192.168.0.0/24"), "second")

	got, ok := table.Find(mustAddr(t, "192.168.0.5"))
	if !ok || got != "second" {
		t.Fatalf("Find = (%q, %v), want (\"second\", true)", got, ok)
	}
}

func TestAllowedIPs_RootInsertZeroCIDR(t *testing.T) {
	table := NewAllowedIPs[string]()
	table.Insert(mustPrefix(t, "0.0.0.0/0"), "catch-all")
	table.Insert(mustPrefix(t, "10.0.0.0/8"), "specific")

	got, _ := table.Find(mustAddr(t, "8.8.8.8"))
	if got != "catch-all" {
		t.Fatalf("Find(8.8.8.8) = %q, want catch-all", got)
	}
	got, _ = table.Find(mustAddr(t, "10.1.1.1"))
	if got != "specific" {
		t.Fatalf("Find(10.1.1.1) = %q, want specific", got)
	}
}

func TestAllowedIPs_RemoveByPredicate(t *testing.T) {
	table := NewAllowedIPs[string]()
	table.Insert(mustPrefix(t, "10.0.0.0/8"), "P1")
	table.Insert(mustPrefix(t, "10.1.0.0/16"), "P2")
	table.Insert(mustPrefix(t, "192.168.1.0/24"), "P3")

	table.Remove(func(v string) bool { return v == "P2" })

	if _, ok := table.Find(mustAddr(t, "10.1.2.3")); !ok {
		t.Fatal("10.1.2.3 should still resolve via the broader P1 prefix")
	}
	got, _ := table.Find(mustAddr(t, "10.1.2.3"))
	if got != "P1" {
		t.Fatalf("after removing P2, Find(10.1.2.3) = %q, want P1", got)
	}
	got, ok := table.Find(mustAddr(t, "192.168.1.5"))
	if !ok || got != "P3" {
		t.Fatalf("P3 entry should survive unrelated removal, got (%q, %v)", got, ok)
	}
}

func TestAllowedIPs_IPv6Separate(t *testing.T) {
	table := NewAllowedIPs[string]()
	table.Insert(mustPrefix(t, "10.0.0.0/8"), "v4")
	table.Insert(mustPrefix(t, "fd00::/8"), "v6")

	got, ok := table.Find(mustAddr(t, "fd00::1"))
	if !ok || got != "v6" {
		t.Fatalf("Find(fd00::1) = (%q, %v), want (v6, true)", got, ok)
	}
	got, ok = table.Find(mustAddr(t, "10.0.0.1"))
	if !ok || got != "v4" {
		t.Fatalf("Find(10.0.0.1) = (%q, %v), want (v4, true)", got, ok)
	}
}

func TestAllowedIPs_Iter(t *testing.T) {
	table := NewAllowedIPs[string]()
	table.Insert(mustPrefix(t, "10.0.0.0/8"), "P1")
	table.Insert(mustPrefix(t, "10.1.0.0/16"), "P2")

	seen := map[string]bool{}
	table.Iter(func(e Entry[string]) bool {
		seen[e.Value] = true
		return true
	})
	if !seen["P1"] || !seen["P2"] {
		t.Fatalf("Iter missed entries: %v", seen)
	}
}

func TestAllowedIPs_FindEmpty(t *testing.T) {
	table := NewAllowedIPs[string]()
	if _, ok := table.Find(mustAddr(t, "1.2.3.4")); ok {
		t.Fatal("empty table should never match")
	}
}
