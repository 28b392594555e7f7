package signaling

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// Hub owns every room this process is serving. It is deliberately
// stateless about transfer content: it forwards relay-data and file-*
// control frames without inspecting them.
type Hub struct {
	mu    sync.RWMutex
	rooms map[string]*Room

	logger *slog.Logger
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		rooms:  make(map[string]*Room),
		logger: slog.Default().With("component", "signaling-hub"),
	}
}

// Room returns the room for code, creating it if it does not exist yet.
func (h *Hub) Room(code string) *Room {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[code]
	if !ok {
		r = newRoom(code)
		h.rooms[code] = r
		h.logger.Debug("room created", "room", code)
	}
	return r
}

// GetStats implements telemetry.StatsSource.
func (h *Hub) GetStats() map[string]float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var sessions float64
	for _, r := range h.rooms {
		sessions += float64(r.memberCount())
	}
	return map[string]float64{
		"rooms_total":    float64(len(h.rooms)),
		"sessions_total": sessions,
	}
}

// PeekRoom returns the room for code without creating it.
func (h *Hub) PeekRoom(code string) (*Room, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	r, ok := h.rooms[code]
	return r, ok
}

func (h *Hub) dropRoomIfEmpty(code string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[code]
	if ok && r.memberCount() == 0 {
		delete(h.rooms, code)
		h.logger.Debug("room emptied, dropped", "room", code)
	}
}

// Join registers conn as a new session in room, sends the "joined" reply,
// and broadcasts "peer-joined" to the rest of the room. It returns the
// client handle the caller should pump.
func (h *Hub) Join(conn *websocket.Conn, room *Room, join JoinData) *client {
	session := &Session{
		PeerID:      uuid.New().String(),
		Name:        join.Name,
		DeviceType:  join.DeviceType,
		BrowserInfo: join.BrowserInfo,
	}
	c := newClient(conn, room, session)
	room.addSession(session)

	c.enqueue(marshalFrame(Frame{
		Type: FrameJoined,
		Data: marshalData(JoinedData{
			PeerID:   session.PeerID,
			RoomCode: room.Code,
			Peers:    room.summaries(session.PeerID),
		}),
	}))

	h.broadcast(room, session.PeerID, Frame{
		Type: FramePeerJoined,
		Data: marshalData(PeerMembershipData{
			PeerID:      session.PeerID,
			Name:        session.Name,
			DeviceType:  session.DeviceType,
			BrowserInfo: session.BrowserInfo,
		}),
	})

	return c
}

// Leave removes c's session from its room and broadcasts "peer-left".
// No references to the peer survive this call: the session is deleted
// from the room's membership map and the client's send channel is
// closed.
func (h *Hub) Leave(c *client) {
	c.room.removeSession(c.session.PeerID)
	c.close()

	h.broadcast(c.room, c.session.PeerID, Frame{
		Type: FramePeerLeft,
		Data: marshalData(PeerMembershipData{PeerID: c.session.PeerID}),
	})

	h.dropRoomIfEmpty(c.room.Code)
}

// HandleMessage dispatches one inbound frame from c. Frames addressed to
// a specific peer (a non-empty To) are forwarded verbatim with From set;
// everything else is handled locally. A frame is only ever forwarded to
// the session whose peer id equals To.
func (h *Hub) HandleMessage(c *client, raw []byte) {
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		h.logger.Warn("malformed frame", "error", err, "peer", c.session.PeerID)
		return
	}

	switch f.Type {
	case FramePing:
		c.enqueue(marshalFrame(Frame{Type: FramePong}))
		return
	case FrameNameChanged:
		h.handleNameChanged(c, f)
		return
	}

	if f.To == "" {
		// Only "text" (room chat) and a handful of control types have no
		// target; everything else with an empty To is simply dropped, it
		// is not the hub's job to infer intent beyond spec §4.2's table.
		if f.Type == FrameText {
			h.broadcast(c.room, c.session.PeerID, Frame{Type: FrameText, From: c.session.PeerID, Data: f.Data})
		}
		return
	}

	switch f.Type {
	case FrameOffer, FrameAnswer, FrameICECandidate, FrameKeyExchange,
		FrameRelayData, FrameFileRequest, FrameFileResponse, FrameFileCancel:
		h.forward(c.room, f.To, Frame{Type: f.Type, From: c.session.PeerID, To: f.To, Data: f.Data})
	default:
		h.logger.Debug("unhandled frame type", "type", f.Type)
	}
}

func (h *Hub) handleNameChanged(c *client, f Frame) {
	var data JoinData
	if err := json.Unmarshal(f.Data, &data); err != nil {
		return
	}
	c.session.Name = data.Name
	c.session.DeviceType = data.DeviceType
	c.session.BrowserInfo = data.BrowserInfo

	h.broadcast(c.room, "", Frame{
		Type: FrameNameChanged,
		From: c.session.PeerID,
		Data: marshalData(PeerMembershipData{
			PeerID:      c.session.PeerID,
			Name:        data.Name,
			DeviceType:  data.DeviceType,
			BrowserInfo: data.BrowserInfo,
		}),
	})
}

// forward delivers frame to the session with id peerID in room, if any.
// Never delivers to a session other than the one named by peerID.
func (h *Hub) forward(room *Room, peerID string, frame Frame) {
	target, ok := room.session(peerID)
	if !ok {
		h.logger.Debug("forward target not found", "room", room.Code, "peer", peerID)
		return
	}
	target.client.enqueue(marshalFrame(frame))
}

// broadcast delivers frame to every session in room except excludePeerID.
func (h *Hub) broadcast(room *Room, excludePeerID string, frame Frame) {
	data := marshalFrame(frame)
	for _, s := range room.otherSessions(excludePeerID) {
		s.client.enqueue(data)
	}
}

func marshalFrame(f Frame) []byte {
	b, err := json.Marshal(f)
	if err != nil {
		// Frame is always built from concrete local values; a marshal
		// failure here indicates a programming error.
		panic("signaling: marshal frame: " + err.Error())
	}
	return b
}
