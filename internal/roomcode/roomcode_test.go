package roomcode

import (
	"net"
	"testing"
)

func TestValid(t *testing.T) {
	cases := []struct {
		code string
		want bool
	}{
		{"ABC234", true},
		{"abc234", true},
		{"ABC23", false},   // too short
		{"ABC2345", false}, // too long
		{"ABC0O1", false},  // ambiguous characters
		{"", false},
	}
	for _, c := range cases {
		if got := Valid(c.code); got != c.want {
			t.Errorf("Valid(%q) = %v, want %v", c.code, got, c.want)
		}
	}
}

func TestCanonical(t *testing.T) {
	if got := Canonical("abc234"); got != "ABC234" {
		t.Errorf("Canonical = %s, want ABC234", got)
	}
}

func TestFromNetworkPrefix(t *testing.T) {
	cases := []struct {
		name string
		ip   net.IP
	}{
		{"ipv4", net.ParseIP("203.0.113.42")},
		{"ipv6", net.ParseIP("2001:db8::1")},
		{"loopback", net.ParseIP("127.0.0.1")},
		{"nil", nil},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			code := FromNetworkPrefix(c.ip)
			if len(code) != 8 {
				t.Errorf("FromNetworkPrefix(%v) = %q, want length 8", c.ip, code)
			}
		})
	}

	// Same /24 (IPv4) must hash to the same code.
	a := FromNetworkPrefix(net.ParseIP("203.0.113.10"))
	b := FromNetworkPrefix(net.ParseIP("203.0.113.250"))
	if a != b {
		t.Errorf("expected same room code for same /24, got %s vs %s", a, b)
	}

	// Loopback and nil both collapse to "localhost".
	if FromNetworkPrefix(net.ParseIP("127.0.0.1")) != FromNetworkPrefix(nil) {
		t.Error("expected loopback and nil to produce the same code")
	}
}

func TestHashPassword(t *testing.T) {
	h1 := HashPassword("hunter2", "ABC234")
	h2 := HashPassword("hunter2", "ABC234")
	if h1 != h2 {
		t.Error("HashPassword should be deterministic")
	}
	if len(h1) != 64 {
		t.Errorf("HashPassword length = %d, want 64 (hex SHA-256)", len(h1))
	}

	h3 := HashPassword("hunter2", "XYZ999")
	if h1 == h3 {
		t.Error("HashPassword should depend on room code")
	}

	// Case of the room code must not matter: the hub always hashes the
	// canonical upper-cased code.
	h4 := HashPassword("hunter2", "abc234")
	if h1 != h4 {
		t.Error("HashPassword should canonicalize room code case")
	}
}
