package engine

import (
	"testing"

	"github.com/pion/webrtc/v4"
)

type fakeTransport struct {
	offers  []string
	answers []string
}

func (f *fakeTransport) SendOffer(peerID string, sdp webrtc.SessionDescription, localPublicKey string, iceRestart bool) {
	f.offers = append(f.offers, peerID)
}
func (f *fakeTransport) SendAnswer(peerID string, sdp webrtc.SessionDescription) {
	f.answers = append(f.answers, peerID)
}
func (f *fakeTransport) SendICECandidate(peerID string, candidate webrtc.ICECandidateInit) {}
func (f *fakeTransport) SendKeyExchange(peerID string, localPublicKey string)               {}

type fakeKeys struct {
	installed map[string]bool
}

func newFakeKeys() *fakeKeys { return &fakeKeys{installed: make(map[string]bool)} }

func (k *fakeKeys) ImportPeerPublicKey(peerID, base64Key string) error {
	k.installed[peerID] = true
	return nil
}
func (k *fakeKeys) HasPeerKey(peerID string) bool     { return k.installed[peerID] }
func (k *fakeKeys) ExportLocalPublicKey() string      { return "local-pub-key" }

type fakeObserver struct {
	changes []StateChange
}

func (o *fakeObserver) OnStateChange(c StateChange) { o.changes = append(o.changes, c) }

func newTestPeerContext(t *testing.T) (*PeerContext, *fakeTransport, *fakeObserver) {
	t.Helper()
	transport := &fakeTransport{}
	observer := &fakeObserver{}
	ranker := NewICEServerRanker("http://127.0.0.1:1/unreachable")
	pc := NewPeerContext("alice", "bob", transport, newFakeKeys(), ranker, observer, nil)
	return pc, transport, observer
}

func TestPeerContextSendWithoutDataChannel(t *testing.T) {
	pc, _, _ := newTestPeerContext(t)
	if err := pc.Send([]byte("hi")); err == nil {
		t.Fatal("expected error sending with no open data channel")
	}
}

func TestPeerContextBufferedAmountNoChannel(t *testing.T) {
	pc, _, _ := newTestPeerContext(t)
	if got := pc.BufferedAmount(); got != 0 {
		t.Fatalf("expected 0, got %d", got)
	}
}

func TestPeerContextCloseIdempotent(t *testing.T) {
	pc, _, _ := newTestPeerContext(t)
	pc.Close()
	pc.Close() // must not panic on double close
}

func TestCommitModeNotifiesOnlyOnTransition(t *testing.T) {
	pc, _, observer := newTestPeerContext(t)

	pc.commitMode(ModeRelay, "first commit")
	pc.commitMode(ModeRelay, "second commit (no-op)")

	count := 0
	for _, c := range observer.changes {
		if c.State == StateRelay {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("expected exactly 1 relay notification, got %d", count)
	}
	if pc.Mode() != ModeRelay {
		t.Fatalf("expected mode relay, got %v", pc.Mode())
	}
}

func TestClassifyCandidate(t *testing.T) {
	cases := []struct {
		typ  webrtc.ICECandidateType
		want CandidateType
	}{
		{webrtc.ICECandidateTypeHost, CandidateHost},
		{webrtc.ICECandidateTypeSrflx, CandidateSrflx},
		{webrtc.ICECandidateTypePrflx, CandidatePrflx},
		{webrtc.ICECandidateTypeRelay, CandidateRelay},
	}
	for _, c := range cases {
		got := classifyCandidate(webrtc.ICECandidate{Typ: c.typ})
		if got != c.want {
			t.Errorf("classifyCandidate(%v) = %v, want %v", c.typ, got, c.want)
		}
	}
}

func TestHandleAnswerWithoutOfferFails(t *testing.T) {
	pc, _, _ := newTestPeerContext(t)
	err := pc.HandleAnswer(webrtc.SessionDescription{})
	if err == nil {
		t.Fatal("expected error handling answer with no active peer connection")
	}
}
