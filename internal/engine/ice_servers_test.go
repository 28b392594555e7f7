package engine

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestIsTURN(t *testing.T) {
	cases := []struct {
		entry ICEServerEntry
		want  bool
	}{
		{ICEServerEntry{URLs: []string{"stun:stun.example.com:3478"}}, false},
		{ICEServerEntry{URLs: []string{"turn:turn.example.com:3478"}}, true},
		{ICEServerEntry{URLs: []string{"turns:turn.example.com:5349"}}, true},
	}
	for _, c := range cases {
		if got := isTURN(c.entry); got != c.want {
			t.Errorf("isTURN(%+v) = %v, want %v", c.entry, got, c.want)
		}
	}
}

func TestServersFallsBackWhenUnreachable(t *testing.T) {
	r := NewICEServerRanker("http://127.0.0.1:1/unreachable")
	got := r.Servers(context.Background())
	if len(got) != len(fallbackICEServers) {
		t.Fatalf("expected fallback list of length %d, got %d", len(fallbackICEServers), len(got))
	}
}

func TestServersCachesResult(t *testing.T) {
	// TURN servers carrying credentials are kept as-is (not probed), so
	// a ranker pointed at a TURN-only list never touches the network and
	// exercises the cache deterministically.
	mux := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"iceServers":[{"urls":["turn:turn.example.com:3478"],"username":"u","credential":"c"}]}`))
	}))
	defer mux.Close()

	r := NewICEServerRanker(mux.URL)
	first := r.Servers(context.Background())
	if len(first) != 1 {
		t.Fatalf("expected one TURN entry, got %d", len(first))
	}

	second := r.Servers(context.Background())
	if len(second) != 1 || second[0].Username != "u" {
		t.Fatalf("cached result mismatch: %+v", second)
	}
}
