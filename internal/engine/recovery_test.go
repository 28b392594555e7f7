package engine

import "testing"

func TestRecoveryMonitorSkipsUnarmedAndDirectPeers(t *testing.T) {
	reg := NewRegistry()
	ranker := NewICEServerRanker("http://127.0.0.1:1/unreachable")

	unarmedRelay := NewPeerContext("alice", "dave", &fakeTransport{}, newFakeKeys(), ranker, &fakeObserver{}, nil)
	unarmedRelay.mode = ModeRelay // relay but never NoteRelayCommitted: cycle must skip it
	reg.Add(unarmedRelay)

	alreadyDirect := NewPeerContext("alice", "erin", &fakeTransport{}, newFakeKeys(), ranker, &fakeObserver{}, nil)
	alreadyDirect.mode = ModeDirect
	reg.Add(alreadyDirect)

	mon := NewRecoveryMonitor(reg, nil)
	mon.cycle() // must not panic, must not touch either peer's attempt count

	if mon.attempts["dave"] != 0 {
		t.Fatalf("unarmed peer should not be attempted, got %d attempts", mon.attempts["dave"])
	}
	if _, tracked := mon.attempts["erin"]; tracked {
		t.Fatal("direct peer should never be tracked by the recovery monitor")
	}
}

func TestRecoveryMonitorRespectsInitialDelay(t *testing.T) {
	reg := NewRegistry()
	ranker := NewICEServerRanker("http://127.0.0.1:1/unreachable")

	pc := NewPeerContext("alice", "frank", &fakeTransport{}, newFakeKeys(), ranker, &fakeObserver{}, nil)
	pc.mode = ModeRelay
	reg.Add(pc)

	mon := NewRecoveryMonitor(reg, nil)
	mon.NoteRelayCommitted("frank")
	mon.cycle() // committed just now, well under BackgroundInitialDelay

	if mon.attempts["frank"] != 0 {
		t.Fatalf("expected no attempt before BackgroundInitialDelay elapses, got %d", mon.attempts["frank"])
	}
}

func TestNoteDirectRecoveredClearsBookkeeping(t *testing.T) {
	reg := NewRegistry()
	mon := NewRecoveryMonitor(reg, nil)
	mon.NoteRelayCommitted("gina")
	mon.NoteDirectRecovered("gina")

	if _, ok := mon.committedAt["gina"]; ok {
		t.Fatal("expected committedAt entry to be cleared")
	}
	if _, ok := mon.attempts["gina"]; ok {
		t.Fatal("expected attempts entry to be cleared")
	}
}
