package transfer

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeHub is an in-memory stand-in for the signaling client, wiring a
// sender Manager and a receiver Manager together directly so the
// protocol can be exercised without a real hub or WebRTC stack.
type fakeHub struct {
	mu   sync.Mutex
	peer map[string]*Manager // peerID (as seen from the "other side") -> manager
	self string
}

func (h *fakeHub) SendFileRequest(peerID, fileID string, meta FileMeta, mode Mode) {
	h.other(peerID).HandleFileRequest(h.self, fileID, meta, "fp")
}
func (h *fakeHub) SendFileResponse(peerID, fileID string, accepted bool) {
	h.other(peerID).HandleFileResponse(h.self, fileID, accepted)
}
func (h *fakeHub) SendFileCancel(peerID, fileID, reason string) {
	h.other(peerID).HandleFileCancel(h.self, fileID, reason)
}
func (h *fakeHub) SendRelayData(peerID string, payload json.RawMessage) {
	h.other(peerID).HandleRelayData(h.self, payload)
}

func (h *fakeHub) other(peerID string) *Manager {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peer[peerID]
}

type fakeResolver struct{ mode Mode }

func (r *fakeResolver) EnsureMode(ctx context.Context, peerID string) (Mode, error) {
	return r.mode, nil
}
func (r *fakeResolver) DirectPeer(peerID string) (DirectPeer, bool) { return nil, false }

// fakeCrypto is an identity "envelope" (no real encryption) so the
// protocol tests exercise framing, windowing, and ack logic rather than
// cryptography, which cryptoenvelope_test.go already covers directly.
type fakeCrypto struct{}

func (fakeCrypto) EncryptChunk(peerID string, plaintext []byte) ([]byte, error) {
	out := make([]byte, len(plaintext))
	copy(out, plaintext)
	return out, nil
}
func (fakeCrypto) DecryptChunk(peerID string, frame []byte) ([]byte, error) {
	out := make([]byte, len(frame))
	copy(out, frame)
	return out, nil
}
func (fakeCrypto) HasPeerKey(peerID string) bool { return true }

type fakeObserver struct {
	mu       sync.Mutex
	received []FileReceivedEvent
}

func (o *fakeObserver) OnProgress(ProgressEvent) {}
func (o *fakeObserver) OnCancel(CancelEvent)     {}
func (o *fakeObserver) OnFileReceived(e FileReceivedEvent) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.received = append(o.received, e)
}
func (o *fakeObserver) OnIncomingRequest(peerID, fileID string, meta FileMeta) {}

func (o *fakeObserver) waitOne(t *testing.T) FileReceivedEvent {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		o.mu.Lock()
		if len(o.received) > 0 {
			e := o.received[0]
			o.mu.Unlock()
			return e
		}
		o.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("timed out waiting for file-received event")
	return FileReceivedEvent{}
}

func alwaysAccept(peerID, fileID string, meta FileMeta) AcceptDecision { return Accept }

func newRelayPair(t *testing.T) (sender *Manager, receiver *Manager, recvObserver *fakeObserver) {
	t.Helper()
	senderHub := &fakeHub{peer: make(map[string]*Manager), self: "alice"}
	receiverHub := &fakeHub{peer: make(map[string]*Manager), self: "bob"}
	recvObserver = &fakeObserver{}

	sender = NewManager(senderHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, &fakeObserver{}, nil, nil, nil)
	receiver = NewManager(receiverHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, recvObserver, nil, alwaysAccept, nil)

	senderHub.peer["bob"] = receiver
	receiverHub.peer["alice"] = sender
	return sender, receiver, recvObserver
}

func TestRelayRoundTripSmallFile(t *testing.T) {
	sender, _, observer := newRelayPair(t)
	data := []byte("hello clouddrop, this is a small relay transfer")

	err := sender.SendFile(context.Background(), "bob", FileMeta{Name: "hi.txt", Size: int64(len(data)), MimeType: "text/plain"}, data)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	event := observer.waitOne(t)
	if string(event.Data) != string(data) {
		t.Fatalf("received data mismatch: got %q want %q", event.Data, data)
	}
	if len(event.Missing) != 0 {
		t.Fatalf("unexpected missing chunks: %v", event.Missing)
	}
}

func TestRelayRoundTripMultiChunk(t *testing.T) {
	sender, _, observer := newRelayPair(t)
	data := make([]byte, ChunkSize*3+100)
	for i := range data {
		data[i] = byte(i % 251)
	}

	err := sender.SendFile(context.Background(), "bob", FileMeta{Name: "big.bin", Size: int64(len(data)), MimeType: "application/octet-stream"}, data)
	if err != nil {
		t.Fatalf("SendFile: %v", err)
	}

	event := observer.waitOne(t)
	if len(event.Data) != len(data) {
		t.Fatalf("length mismatch: got %d want %d", len(event.Data), len(data))
	}
	for i := range data {
		if event.Data[i] != data[i] {
			t.Fatalf("byte mismatch at %d", i)
		}
	}
}

func TestDeclinedTransferReturnsErrDeclined(t *testing.T) {
	senderHub := &fakeHub{peer: make(map[string]*Manager), self: "alice"}
	receiverHub := &fakeHub{peer: make(map[string]*Manager), self: "bob"}

	sender := NewManager(senderHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, &fakeObserver{}, nil, nil, nil)
	receiver := NewManager(receiverHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, &fakeObserver{}, nil, func(string, string, FileMeta) AcceptDecision { return Decline }, nil)
	senderHub.peer["bob"] = receiver
	receiverHub.peer["alice"] = sender

	err := sender.SendFile(context.Background(), "bob", FileMeta{Name: "x", Size: 10}, make([]byte, 10))
	if err != ErrDeclined {
		t.Fatalf("expected ErrDeclined, got %v", err)
	}
}

func TestTrustedDeviceShortCircuitsAccept(t *testing.T) {
	senderHub := &fakeHub{peer: make(map[string]*Manager), self: "alice"}
	receiverHub := &fakeHub{peer: make(map[string]*Manager), self: "bob"}
	observer := &fakeObserver{}

	trusted := trustedMap{"fp": Accept}
	sender := NewManager(senderHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, &fakeObserver{}, nil, nil, nil)
	receiver := NewManager(receiverHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, observer, trusted, nil, nil)
	senderHub.peer["bob"] = receiver
	receiverHub.peer["alice"] = sender

	data := []byte("trusted device bytes")
	if err := sender.SendFile(context.Background(), "bob", FileMeta{Name: "t", Size: int64(len(data))}, data); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	observer.waitOne(t)
}

// delayedKeyCrypto reports no shared key until armed, letting tests
// exercise waitForPeerKey's poll loop and its timeout.
type delayedKeyCrypto struct {
	fakeCrypto
	mu    sync.Mutex
	ready bool
}

func (c *delayedKeyCrypto) HasPeerKey(peerID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

func (c *delayedKeyCrypto) arm() {
	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
}

func TestSendFileWaitsForRelayKeyExchange(t *testing.T) {
	senderHub := &fakeHub{peer: make(map[string]*Manager), self: "alice"}
	receiverHub := &fakeHub{peer: make(map[string]*Manager), self: "bob"}
	recvObserver := &fakeObserver{}

	crypto := &delayedKeyCrypto{}
	sender := NewManager(senderHub, &fakeResolver{mode: ModeRelay}, crypto, &fakeObserver{}, nil, nil, nil)
	receiver := NewManager(receiverHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, recvObserver, nil, alwaysAccept, nil)
	senderHub.peer["bob"] = receiver
	receiverHub.peer["alice"] = sender

	go func() {
		time.Sleep(30 * time.Millisecond)
		crypto.arm()
	}()

	data := []byte("relay data sent only after the key lands")
	if err := sender.SendFile(context.Background(), "bob", FileMeta{Name: "f.txt", Size: int64(len(data))}, data); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	recvObserver.waitOne(t)
}

func TestSendFileTimesOutWithoutRelayKey(t *testing.T) {
	senderHub := &fakeHub{peer: make(map[string]*Manager), self: "alice"}
	receiverHub := &fakeHub{peer: make(map[string]*Manager), self: "bob"}

	crypto := &delayedKeyCrypto{} // never armed
	sender := NewManager(senderHub, &fakeResolver{mode: ModeRelay}, crypto, &fakeObserver{}, nil, nil, nil)
	receiver := NewManager(receiverHub, &fakeResolver{mode: ModeRelay}, fakeCrypto{}, &fakeObserver{}, nil, alwaysAccept, nil)
	senderHub.peer["bob"] = receiver
	receiverHub.peer["alice"] = sender

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	data := []byte("never sent")
	err := sender.SendFile(ctx, "bob", FileMeta{Name: "f.txt", Size: int64(len(data))}, data)
	if err != context.DeadlineExceeded {
		t.Fatalf("expected context.DeadlineExceeded, got %v", err)
	}
}

type trustedMap map[string]AcceptDecision

func (m trustedMap) Lookup(fingerprint string) (AcceptDecision, bool) {
	d, ok := m[fingerprint]
	return d, ok
}

func TestDeviceFingerprintIsStable(t *testing.T) {
	a := DeviceFingerprint("Alice's Laptop", "desktop", "Chrome 120")
	b := DeviceFingerprint("Alice's Laptop", "desktop", "Chrome 120")
	if a != b {
		t.Fatal("fingerprint should be deterministic")
	}
	c := DeviceFingerprint("Bob's Phone", "mobile", "Safari 17")
	if a == c {
		t.Fatal("distinct devices should not collide")
	}
}
