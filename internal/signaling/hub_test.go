package signaling

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/x0tta6bl4/clouddrop/internal/config"
	"github.com/x0tta6bl4/clouddrop/internal/roomcode"
)

func newTestServer(t *testing.T) (*httptest.Server, *Hub) {
	t.Helper()
	hub := NewHub()
	cfg := config.DefaultHubConfig()
	srv := NewServer(hub, cfg)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, hub
}

func dialAndJoin(t *testing.T, ts *httptest.Server, query, name string) (*websocket.Conn, JoinedData) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws" + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}

	send(t, conn, Frame{Type: FrameJoin, Data: rawData(t, JoinData{Name: name, DeviceType: "desktop"})})

	f := recv(t, conn)
	if f.Type != FrameJoined {
		t.Fatalf("expected joined frame, got %s", f.Type)
	}
	var jd JoinedData
	if err := json.Unmarshal(f.Data, &jd); err != nil {
		t.Fatalf("unmarshal joined data: %v", err)
	}
	return conn, jd
}

func rawData(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return b
}

func send(t *testing.T, conn *websocket.Conn, f Frame) {
	t.Helper()
	b, err := json.Marshal(f)
	if err != nil {
		t.Fatalf("marshal frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		t.Fatalf("unmarshal frame: %v", err)
	}
	return f
}

func TestJoinAndPeerJoinedBroadcast(t *testing.T) {
	ts, _ := newTestServer(t)

	connA, jdA := dialAndJoin(t, ts, "?room=ABC234", "alice")
	defer connA.Close()
	if jdA.RoomCode != "ABC234" {
		t.Fatalf("room code = %s, want ABC234", jdA.RoomCode)
	}
	if len(jdA.Peers) != 0 {
		t.Fatalf("expected no existing peers, got %+v", jdA.Peers)
	}

	connB, jdB := dialAndJoin(t, ts, "?room=ABC234", "bob")
	defer connB.Close()
	if len(jdB.Peers) != 1 || jdB.Peers[0].PeerID != jdA.PeerID {
		t.Fatalf("bob should see alice as existing peer, got %+v", jdB.Peers)
	}

	// Alice should receive a peer-joined broadcast for bob, and only bob
	// (invariant 5: a frame addressed to a specific peer never reaches
	// anyone else — here peer-joined has no To and reaches everyone else).
	f := recv(t, connA)
	if f.Type != FramePeerJoined {
		t.Fatalf("expected peer-joined, got %s", f.Type)
	}
}

func TestForwardingIsPointToPoint(t *testing.T) {
	ts, _ := newTestServer(t)

	connA, jdA := dialAndJoin(t, ts, "?room=ABC234", "alice")
	defer connA.Close()
	connB, jdB := dialAndJoin(t, ts, "?room=ABC234", "bob")
	defer connB.Close()
	_ = recv(t, connA) // drain bob's peer-joined broadcast

	connC, _ := dialAndJoin(t, ts, "?room=ABC234", "carol")
	defer connC.Close()
	_ = recv(t, connA) // drain carol's peer-joined
	_ = recv(t, connB) // drain carol's peer-joined

	send(t, connA, Frame{Type: FrameOffer, To: jdB.PeerID, Data: rawData(t, map[string]string{"sdp": "v=0"})})

	f := recv(t, connB)
	if f.Type != FrameOffer || f.From != jdA.PeerID {
		t.Fatalf("bob should receive the offer from alice, got %+v", f)
	}

	// Carol must never receive a frame addressed to bob.
	send(t, connA, Frame{Type: FrameText, Data: rawData(t, "hi all")})
	fc := recv(t, connC)
	if fc.Type != FrameText {
		t.Fatalf("carol should only see the broadcast text frame, got %+v", fc)
	}
}

func TestPasswordGate(t *testing.T) {
	ts, hub := newTestServer(t)
	room := hub.Room("SECUR3")
	hash := roomcode.HashPassword("correct-horse", "SECUR3")
	if !room.SetPasswordHash(hash) {
		t.Fatal("setting initial password should succeed")
	}

	wrongHash := roomcode.HashPassword("wrong-horse", "SECUR3")
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws?room=SECUR3&passwordHash=" + wrongHash
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	f := recv(t, conn)
	if f.Type != FrameError || f.Error != ErrorPasswordIncorrect {
		t.Fatalf("expected PASSWORD_INCORRECT error frame, got %+v", f)
	}
}

func TestSetPasswordRejectsSecondAttempt(t *testing.T) {
	_, hub := newTestServer(t)
	room := hub.Room("ABC234")

	if !room.SetPasswordHash("h1") {
		t.Fatal("first set should succeed")
	}
	if room.SetPasswordHash("h2") {
		t.Fatal("second set should fail")
	}
}
