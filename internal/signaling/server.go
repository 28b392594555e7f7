package signaling

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/x0tta6bl4/clouddrop/internal/config"
	"github.com/x0tta6bl4/clouddrop/internal/roomcode"
	"github.com/x0tta6bl4/clouddrop/internal/telemetry"
)

// ICEServerEntry mirrors the shape the browser RTCPeerConnection
// constructor expects, per spec §6.
type ICEServerEntry struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// Server wires the Hub to net/http, exposing the signaling endpoints:
// the WebSocket upgrade, ICE server list, room password gate, a health
// check, and (when enabled) Prometheus metrics.
type Server struct {
	hub    *Hub
	cfg    *config.HubConfig
	logger *slog.Logger

	upgrader  websocket.Upgrader
	telemetry *telemetry.Collector
}

// NewServer builds a Server bound to hub and configured per cfg.
func NewServer(hub *Hub, cfg *config.HubConfig) *Server {
	s := &Server{
		hub:    hub,
		cfg:    cfg,
		logger: slog.Default().With("component", "signaling-server"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	if cfg.MetricsEnabled {
		s.telemetry = telemetry.NewCollector(s.logger)
		s.telemetry.Register("hub", hub)
	}
	return s
}

// Handler returns the *http.ServeMux implementing spec §6's endpoint
// table, ready to be passed to http.ListenAndServe.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/api/ice-servers", s.handleICEServers)
	mux.HandleFunc("/api/room/check-password", s.handleCheckPassword)
	mux.HandleFunc("/api/room/set-password", s.handleSetPassword)
	mux.HandleFunc("/healthz", s.handleHealthz)
	if s.telemetry != nil {
		mux.Handle("/metrics", s.telemetry.Handler())
	}
	return mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleICEServers(w http.ResponseWriter, r *http.Request) {
	entries := make([]ICEServerEntry, 0, len(s.cfg.STUNServers)+len(s.cfg.TURNServers))
	for _, turn := range s.cfg.TURNServers {
		entries = append(entries, ICEServerEntry{URLs: turn.URLs, Username: turn.Username, Credential: turn.Credential})
	}
	for _, stun := range s.cfg.STUNServers {
		entries = append(entries, ICEServerEntry{URLs: []string{stun}})
	}

	writeJSON(w, http.StatusOK, map[string]any{"iceServers": entries})
}

func (s *Server) handleCheckPassword(w http.ResponseWriter, r *http.Request) {
	code := roomcode.Canonical(r.URL.Query().Get("room"))
	if !roomcode.Valid(code) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}
	room, ok := s.hub.PeekRoom(code)
	hasPassword := ok && room.HasPassword()
	writeJSON(w, http.StatusOK, map[string]bool{"hasPassword": hasPassword})
}

type setPasswordRequest struct {
	PasswordHash string `json:"passwordHash"`
}

type setPasswordResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSetPassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	code := roomcode.Canonical(r.URL.Query().Get("room"))
	if !roomcode.Valid(code) {
		http.Error(w, "invalid room code", http.StatusBadRequest)
		return
	}

	var req setPasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, setPasswordResponse{Success: false, Error: "invalid body"})
		return
	}

	room := s.hub.Room(code)
	if !room.SetPasswordHash(req.PasswordHash) {
		writeJSON(w, http.StatusOK, setPasswordResponse{Success: false, Error: "password already set"})
		return
	}
	writeJSON(w, http.StatusOK, setPasswordResponse{Success: true})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	code := roomcode.Canonical(r.URL.Query().Get("room"))
	if code == "" || !roomcode.Valid(code) {
		code = roomcode.FromNetworkPrefix(clientIP(r))
	}
	room := s.hub.Room(code)

	passwordHash := r.URL.Query().Get("passwordHash")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("upgrade failed", "error", err)
		return
	}

	if room.HasPassword() && !room.CheckPassword(passwordHash) {
		errCode := ErrorPasswordIncorrect
		closeCode := ClosePasswordIncorrect
		if passwordHash == "" {
			errCode = ErrorPasswordRequired
			closeCode = ClosePasswordRequired
		}
		s.rejectWithPassword(conn, errCode, closeCode)
		return
	}

	var join JoinData
	if err := readJoinFrame(conn, &join); err != nil {
		conn.Close()
		return
	}

	c := s.hub.Join(conn, room, join)
	go c.writePump()
	c.readPump(s.hub.HandleMessage)
	s.hub.Leave(c)
}

// rejectWithPassword sends a framed error and closes with the matching
// application close code, per spec §4.2.
func (s *Server) rejectWithPassword(conn *websocket.Conn, code ErrorCode, closeCode int) {
	conn.WriteMessage(websocket.TextMessage, marshalFrame(Frame{Type: FrameError, Error: code}))
	closeMsg := websocket.FormatCloseMessage(closeCode, string(code))
	conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(writeWait))
	conn.Close()
}

// readJoinFrame blocks for the first frame, which must be a "join".
func readJoinFrame(conn *websocket.Conn, out *JoinData) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return err
	}
	var f Frame
	if err := json.Unmarshal(raw, &f); err != nil {
		return err
	}
	return json.Unmarshal(f.Data, out)
}

func clientIP(r *http.Request) net.IP {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return net.ParseIP(host)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
