package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"

	"github.com/x0tta6bl4/clouddrop/internal/config"
	"github.com/x0tta6bl4/clouddrop/internal/cryptoenvelope"
	"github.com/x0tta6bl4/clouddrop/internal/engine"
	"github.com/x0tta6bl4/clouddrop/internal/signaling"
	"github.com/x0tta6bl4/clouddrop/internal/transfer"
)

// Session is one peer client's connection to a signaling hub: it owns the
// WebSocket, fans inbound frames out to the connection engine and the
// transfer manager, and implements the small interfaces those two
// packages use to send frames back out (spec §4.2's wire vocabulary).
type Session struct {
	cfg    *config.PeerConfig
	logger *slog.Logger

	ws      *websocket.Conn
	writeMu sync.Mutex

	crypto   *cryptoenvelope.Manager
	ranker   *engine.ICEServerRanker
	registry *engine.Registry
	recovery *engine.RecoveryMonitor
	xfer     *transfer.Manager
	observer *cliObserver

	stdin   *bufio.Reader
	stdinMu sync.Mutex

	localPeerID string
	joinedCh    chan struct{}
	joinOnce    sync.Once

	peerMu    sync.Mutex
	peerNames map[string]string
}

// autoTrust implements transfer.TrustedDeviceStore by accepting every
// incoming transfer once the remote device has been seen once before, the
// CLI-peer equivalent of the browser's "remember this device" toggle.
type autoTrust struct {
	mu   sync.Mutex
	seen map[string]bool
}

func newAutoTrust() *autoTrust { return &autoTrust{seen: make(map[string]bool)} }

func (t *autoTrust) Lookup(fingerprint string) (transfer.AcceptDecision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.seen[fingerprint] {
		return transfer.Accept, true
	}
	t.seen[fingerprint] = true
	return transfer.Decline, false
}

func newSession(cfg *config.PeerConfig, ws *websocket.Conn, crypto *cryptoenvelope.Manager, ranker *engine.ICEServerRanker, logger *slog.Logger) *Session {
	s := &Session{
		cfg:       cfg,
		logger:    logger,
		ws:        ws,
		crypto:    crypto,
		ranker:    ranker,
		registry:  engine.NewRegistry(),
		stdin:     bufio.NewReader(nil), // replaced by main with os.Stdin
		joinedCh:  make(chan struct{}),
		peerNames: make(map[string]string),
		observer:  &cliObserver{logger: logger},
	}
	s.recovery = engine.NewRecoveryMonitor(s.registry, logger)
	s.xfer = transfer.NewManager(s, s, s.crypto, s.observer, newAutoTrust(), s.askUser, logger)
	return s
}

// --- engine.SignalTransport ---

func (s *Session) SendOffer(peerID string, sdp webrtc.SessionDescription, localPublicKey string, iceRestart bool) {
	s.sendFrame(signaling.FrameOffer, peerID, offerPayload{SDP: sdp, PublicKey: localPublicKey, IceRestart: iceRestart})
}

func (s *Session) SendAnswer(peerID string, sdp webrtc.SessionDescription) {
	s.sendFrame(signaling.FrameAnswer, peerID, answerPayload{SDP: sdp})
}

func (s *Session) SendICECandidate(peerID string, candidate webrtc.ICECandidateInit) {
	s.sendFrame(signaling.FrameICECandidate, peerID, candidate)
}

func (s *Session) SendKeyExchange(peerID string, localPublicKey string) {
	s.sendFrame(signaling.FrameKeyExchange, peerID, keyExchangePayload{PublicKey: localPublicKey})
}

// --- transfer.HubSender ---

func (s *Session) SendFileRequest(peerID, fileID string, meta transfer.FileMeta, mode transfer.Mode) {
	fingerprint := transfer.DeviceFingerprint(s.cfg.DisplayName, s.cfg.DeviceClass, s.cfg.BrowserInfo)
	s.sendFrame(signaling.FrameFileRequest, peerID, fileRequestPayload{
		FileID: fileID, Name: meta.Name, Size: meta.Size, MimeType: meta.MimeType,
		Mode: string(mode), Fingerprint: fingerprint,
	})
}

func (s *Session) SendFileResponse(peerID, fileID string, accepted bool) {
	s.sendFrame(signaling.FrameFileResponse, peerID, fileResponsePayload{FileID: fileID, Accepted: accepted})
}

func (s *Session) SendFileCancel(peerID, fileID, reason string) {
	s.sendFrame(signaling.FrameFileCancel, peerID, fileCancelPayload{FileID: fileID, Reason: reason})
}

func (s *Session) SendRelayData(peerID string, payload json.RawMessage) {
	s.sendRawFrame(signaling.Frame{Type: signaling.FrameRelayData, To: peerID, Data: payload})
}

// --- transfer.PeerResolver ---

func (s *Session) EnsureMode(ctx context.Context, peerID string) (transfer.Mode, error) {
	pc := s.getOrCreatePeer(peerID)
	mode, err := pc.EnsureConnection(ctx)
	if err != nil {
		return "", err
	}
	return convertMode(mode), nil
}

func (s *Session) DirectPeer(peerID string) (transfer.DirectPeer, bool) {
	return s.registry.Get(peerID)
}

func convertMode(m engine.Mode) transfer.Mode {
	if m == engine.ModeDirect {
		return transfer.ModeDirect
	}
	return transfer.ModeRelay
}

// getOrCreatePeer returns the PeerContext for peerID, creating and
// registering it (and attaching the transfer layer's message handler) on
// first use. A peer is addressed long before a WebRTC connection exists
// for it: the first offer, ice-candidate, or outgoing SendFile all reach
// this function.
func (s *Session) getOrCreatePeer(peerID string) *engine.PeerContext {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()

	if pc, ok := s.registry.Get(peerID); ok {
		return pc
	}
	pc := engine.NewPeerContext(s.localPeerID, peerID, s, s.crypto, s.ranker, s.observer, s.logger)
	pc.SetRecoveryMonitor(s.recovery)
	s.registry.Add(pc)
	s.xfer.AttachPeer(peerID)
	return pc
}

// askUser implements transfer.AskUser with a blocking terminal prompt,
// sharing the CLI's single stdin reader so it never races the command
// loop for input.
func (s *Session) askUser(peerID, fileID string, meta transfer.FileMeta) transfer.AcceptDecision {
	s.stdinMu.Lock()
	defer s.stdinMu.Unlock()

	fmt.Printf("accept %q (%d bytes) from %s? [y/N] ", meta.Name, meta.Size, s.peerLabel(peerID))
	line, _ := s.stdin.ReadString('\n')
	if strings.EqualFold(strings.TrimSpace(line), "y") {
		return transfer.Accept
	}
	return transfer.Decline
}

func (s *Session) peerLabel(peerID string) string {
	s.peerMu.Lock()
	defer s.peerMu.Unlock()
	if name, ok := s.peerNames[peerID]; ok && name != "" {
		return fmt.Sprintf("%s (%s)", name, peerID)
	}
	return peerID
}

func (s *Session) sendFrame(t signaling.FrameType, to string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.Error("marshal outgoing payload", "type", t, "error", err)
		return
	}
	s.sendRawFrame(signaling.Frame{Type: t, To: to, Data: data})
}

func (s *Session) sendRawFrame(f signaling.Frame) {
	b, err := json.Marshal(f)
	if err != nil {
		s.logger.Error("marshal outgoing frame", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.ws.WriteMessage(websocket.TextMessage, b); err != nil {
		s.logger.Error("write frame", "error", err)
	}
}

// join sends the initial join frame and blocks until the hub's "joined"
// reply has been processed by readLoop, or the context expires.
func (s *Session) join(ctx context.Context) error {
	s.sendRawFrame(signaling.Frame{Type: signaling.FrameJoin, Data: mustMarshal(signaling.JoinData{
		Name:        s.cfg.DisplayName,
		DeviceType:  s.cfg.DeviceClass,
		BrowserInfo: s.cfg.BrowserInfo,
	})})
	select {
	case <-s.joinedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mustMarshal(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic("clouddrop-peer: marshal join data: " + err.Error())
	}
	return b
}

// readLoop pumps inbound frames until the socket closes. It is the
// peer-side mirror of signaling.client's readPump.
func (s *Session) readLoop() {
	for {
		_, raw, err := s.ws.ReadMessage()
		if err != nil {
			s.logger.Info("signaling connection closed", "error", err)
			return
		}
		var f signaling.Frame
		if err := json.Unmarshal(raw, &f); err != nil {
			s.logger.Warn("malformed frame from hub", "error", err)
			continue
		}
		s.dispatch(f)
	}
}

func (s *Session) dispatch(f signaling.Frame) {
	switch f.Type {
	case signaling.FrameJoined:
		var data signaling.JoinedData
		if err := json.Unmarshal(f.Data, &data); err != nil {
			return
		}
		s.localPeerID = data.PeerID
		s.peerMu.Lock()
		for _, p := range data.Peers {
			s.peerNames[p.PeerID] = p.Name
		}
		s.peerMu.Unlock()
		fmt.Printf("joined room as %s (%d peer(s) present)\n", data.PeerID, len(data.Peers))
		for _, p := range data.Peers {
			fmt.Printf("  - %s  %s\n", p.PeerID, p.Name)
		}
		s.joinOnce.Do(func() { close(s.joinedCh) })

	case signaling.FramePeerJoined:
		var data signaling.PeerMembershipData
		if err := json.Unmarshal(f.Data, &data); err == nil {
			s.peerMu.Lock()
			s.peerNames[data.PeerID] = data.Name
			s.peerMu.Unlock()
			fmt.Printf("%s joined\n", s.peerLabel(data.PeerID))
			go s.getOrCreatePeer(data.PeerID).Prewarm(context.Background())
		}

	case signaling.FramePeerLeft:
		var data signaling.PeerMembershipData
		if err := json.Unmarshal(f.Data, &data); err == nil {
			fmt.Printf("%s left\n", s.peerLabel(data.PeerID))
			if pc, ok := s.registry.Get(data.PeerID); ok {
				pc.Close()
			}
			s.registry.Remove(data.PeerID)
		}

	case signaling.FrameOffer:
		var p offerPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		pc := s.getOrCreatePeer(f.From)
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), engine.ConnectionTimeout)
			defer cancel()
			if err := pc.HandleOffer(ctx, p.SDP, p.PublicKey); err != nil {
				s.logger.Warn("handle offer", "peer", f.From, "error", err)
			}
		}()

	case signaling.FrameAnswer:
		var p answerPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		if pc, ok := s.registry.Get(f.From); ok {
			if err := pc.HandleAnswer(p.SDP); err != nil {
				s.logger.Warn("handle answer", "peer", f.From, "error", err)
			}
		}

	case signaling.FrameICECandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(f.Data, &c); err != nil {
			return
		}
		if pc, ok := s.registry.Get(f.From); ok {
			if err := pc.HandleICECandidate(c); err != nil {
				s.logger.Debug("handle ice candidate", "peer", f.From, "error", err)
			}
		}

	case signaling.FrameKeyExchange:
		var p keyExchangePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		pc := s.getOrCreatePeer(f.From)
		if err := pc.HandleKeyExchange(p.PublicKey); err != nil {
			s.logger.Warn("handle key exchange", "peer", f.From, "error", err)
		}

	case signaling.FrameFileRequest:
		var p fileRequestPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		s.xfer.HandleFileRequest(f.From, p.FileID, fileMetaFromPayload(p), p.Fingerprint)

	case signaling.FrameFileResponse:
		var p fileResponsePayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		s.xfer.HandleFileResponse(f.From, p.FileID, p.Accepted)

	case signaling.FrameFileCancel:
		var p fileCancelPayload
		if err := json.Unmarshal(f.Data, &p); err != nil {
			return
		}
		s.xfer.HandleFileCancel(f.From, p.FileID, p.Reason)

	case signaling.FrameRelayData:
		s.xfer.HandleRelayData(f.From, f.Data)

	case signaling.FrameText:
		var body struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(f.Data, &body) == nil {
			fmt.Printf("%s: %s\n", s.peerLabel(f.From), body.Text)
		}

	case signaling.FrameError:
		fmt.Printf("hub error: %s\n", f.Error)

	default:
		s.logger.Debug("unhandled frame", "type", f.Type)
	}
}

// dialURL builds the room-joining WebSocket URL from the peer config.
func dialURL(cfg *config.PeerConfig, passwordHash string) (string, error) {
	u, err := url.Parse(cfg.SignalURL)
	if err != nil {
		return "", fmt.Errorf("invalid signal_url: %w", err)
	}
	q := u.Query()
	if cfg.RoomCode != "" {
		q.Set("room", cfg.RoomCode)
	}
	if passwordHash != "" {
		q.Set("passwordHash", passwordHash)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// connectTimeout bounds the initial dial + join handshake.
const connectTimeout = 10 * time.Second
