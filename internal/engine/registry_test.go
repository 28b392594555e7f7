package engine

import "testing"

func TestRegistryAddRemoveGet(t *testing.T) {
	reg := NewRegistry()
	pc, _, _ := newTestPeerContext(t)
	reg.Add(pc)

	got, ok := reg.Get("bob")
	if !ok || got != pc {
		t.Fatal("expected to find added peer context")
	}

	reg.Remove("bob")
	if _, ok := reg.Get("bob"); ok {
		t.Fatal("expected peer context to be removed")
	}
}

func TestRegistryGetStatsByMode(t *testing.T) {
	reg := NewRegistry()
	ranker := NewICEServerRanker("http://127.0.0.1:1/unreachable")

	direct := NewPeerContext("alice", "bob", &fakeTransport{}, newFakeKeys(), ranker, &fakeObserver{}, nil)
	direct.commitMode(ModeDirect, "")
	reg.Add(direct)

	relay := NewPeerContext("alice", "carol", &fakeTransport{}, newFakeKeys(), ranker, &fakeObserver{}, nil)
	relay.commitMode(ModeRelay, "test")
	reg.Add(relay)

	stats := reg.GetStats()
	if stats["peers_total"] != 2 {
		t.Fatalf("expected 2 total peers, got %v", stats["peers_total"])
	}
	if stats["peers_direct"] != 1 {
		t.Fatalf("expected 1 direct peer, got %v", stats["peers_direct"])
	}
	if stats["peers_relay"] != 1 {
		t.Fatalf("expected 1 relay peer, got %v", stats["peers_relay"])
	}
}
