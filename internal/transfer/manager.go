package transfer

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// HubSender is the subset of the signaling client the transfer manager
// uses for its control-plane and relay-path messages (spec §4.2,
// file-request/file-response/file-cancel/relay-data).
type HubSender interface {
	SendFileRequest(peerID, fileID string, meta FileMeta, mode Mode)
	SendFileResponse(peerID, fileID string, accepted bool)
	SendFileCancel(peerID, fileID, reason string)
	SendRelayData(peerID string, payload json.RawMessage)
}

// DirectPeer is the subset of engine.PeerContext the transfer manager
// needs for the direct-path stream: sending bytes/text and reading
// backpressure. PeerResolver.EnsureMode, not this interface, reports which
// mode won the engine's race before streaming starts.
type DirectPeer interface {
	Send(data []byte) error
	SendText(s string) error
	BufferedAmount() uint64
	SetMessageHandler(fn func(data []byte, isString bool))
}

// CryptoEnvelope is the subset of cryptoenvelope.Manager the transfer
// layer needs: every chunk is wrapped/unwrapped per spec §4.1.
type CryptoEnvelope interface {
	EncryptChunk(peerID string, plaintext []byte) ([]byte, error)
	DecryptChunk(peerID string, frame []byte) ([]byte, error)
	HasPeerKey(peerID string) bool
}

// PeerResolver looks up (or lazily creates) the DirectPeer for a peer id
// and reports which mode the engine has committed to, ensuring a
// connection attempt has actually been made.
type PeerResolver interface {
	EnsureMode(ctx context.Context, peerID string) (Mode, error)
	DirectPeer(peerID string) (DirectPeer, bool)
}

// AcceptDecision is returned by an AskUser callback or a trusted-device
// short-circuit (spec §4.4 Phase 2, §6).
type AcceptDecision bool

const (
	Accept  AcceptDecision = true
	Decline AcceptDecision = false
)

// TrustedDeviceStore maps a stable device fingerprint to a remembered
// accept/decline decision (spec §6). Implementations persist locally;
// the protocol itself is indifferent to storage.
type TrustedDeviceStore interface {
	Lookup(fingerprint string) (decision AcceptDecision, known bool)
}

// AskUser is invoked when no trusted-device short-circuit applies.
type AskUser func(peerID, fileID string, meta FileMeta) AcceptDecision

// Manager orchestrates CloudDrop's transfer protocol: it owns the
// per-file state machines and dispatches frames arriving from the hub
// (relay path) or the direct data channel to the right one.
type Manager struct {
	hub      HubSender
	peers    PeerResolver
	crypto   CryptoEnvelope
	observer Observer
	trusted  TrustedDeviceStore
	askUser  AskUser
	logger   *slog.Logger

	mu       sync.Mutex
	outgoing map[string]*OutgoingTransfer     // fileID -> transfer
	incoming map[string]*IncomingTransfer     // fileID -> transfer
	pending  map[string]*PendingFileRequest   // fileID -> sender-side wait
}

// NewManager builds a transfer manager. trusted and askUser may be nil;
// with no trusted store and no askUser, incoming requests are declined.
func NewManager(hub HubSender, peers PeerResolver, crypto CryptoEnvelope, observer Observer, trusted TrustedDeviceStore, askUser AskUser, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		hub:      hub,
		peers:    peers,
		crypto:   crypto,
		observer: observer,
		trusted:  trusted,
		askUser:  askUser,
		logger:   logger,
		outgoing: make(map[string]*OutgoingTransfer),
		incoming: make(map[string]*IncomingTransfer),
		pending:  make(map[string]*PendingFileRequest),
	}
}

func newFileID() string {
	return uuid.New().String()
}

// deviceFingerprint combines name|deviceType|browserInfo into the stable
// key a TrustedDeviceStore is keyed by.
func deviceFingerprint(name, deviceType, browserInfo string) string {
	return fmt.Sprintf("%s|%s|%s", name, deviceType, browserInfo)
}

// DeviceFingerprint exposes the fingerprint function for callers wiring
// up a TrustedDeviceStore from session metadata.
func DeviceFingerprint(name, deviceType, browserInfo string) string {
	return deviceFingerprint(name, deviceType, browserInfo)
}

// SendFile runs the full three-phase protocol for one outgoing file:
// request, wait for accept/decline, then stream over whichever mode the
// engine settled on.
func (m *Manager) SendFile(ctx context.Context, peerID string, meta FileMeta, data []byte) error {
	fileID := newFileID()

	transferMode, err := m.peers.EnsureMode(ctx, peerID)
	if err != nil {
		return err
	}

	out := newOutgoingTransfer(fileID, peerID, meta, transferMode)
	m.mu.Lock()
	m.outgoing[fileID] = out
	pendingReq := newPendingFileRequest(fileID, peerID)
	m.pending[fileID] = pendingReq
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		delete(m.outgoing, fileID)
		delete(m.pending, fileID)
		m.mu.Unlock()
	}()

	m.hub.SendFileRequest(peerID, fileID, meta, transferMode)

	select {
	case res := <-pendingReq.resultCh:
		if res.err != nil {
			return res.err
		}
		if !res.accepted {
			return ErrDeclined
		}
	case <-time.After(FileRequestTimeout):
		return ErrPeerDidNotRespond
	case <-ctx.Done():
		return ctx.Err()
	}

	if transferMode == ModeDirect {
		return m.streamDirect(ctx, out, data)
	}

	// Relay-before-direct (spec §4.5): the engine's direct attempt always
	// sends an offer carrying our key, but when it settles on relay before
	// the counterparty's reply lands, the shared secret may not exist yet.
	// Wait for it rather than let the first EncryptChunk fail.
	if err := m.waitForPeerKey(ctx, peerID); err != nil {
		return err
	}
	return m.streamRelay(ctx, out, data)
}

// waitForPeerKey blocks until m.crypto has a shared key installed for
// peerID or KeyExchangeTimeout elapses.
func (m *Manager) waitForPeerKey(ctx context.Context, peerID string) error {
	if m.crypto.HasPeerKey(peerID) {
		return nil
	}
	timeout := time.NewTimer(KeyExchangeTimeout)
	defer timeout.Stop()
	poll := time.NewTicker(20 * time.Millisecond)
	defer poll.Stop()
	for {
		select {
		case <-poll.C:
			if m.crypto.HasPeerKey(peerID) {
				return nil
			}
		case <-timeout.C:
			return ErrKeyExchangeTimeout
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Cancel marks an outgoing or incoming transfer cancelled and notifies the
// peer over both the hub and (if open) the direct channel, per spec §4.4.
func (m *Manager) Cancel(peerID, fileID, reason string) {
	m.mu.Lock()
	out, hasOut := m.outgoing[fileID]
	in, hasIn := m.incoming[fileID]
	m.mu.Unlock()

	if hasOut {
		out.Cancel()
	}
	if hasIn {
		in.Cancel()
	}

	m.hub.SendFileCancel(peerID, fileID, reason)
	if dp, ok := m.peers.DirectPeer(peerID); ok {
		_ = dp.SendText(string(marshalRelayFrame(relayControlFrame{Type: "file-cancel", FileID: fileID})))
	}
}

// HandleFileRequest processes an incoming file-request frame (Phase 1 on
// the receiver), resolving it via the trusted-device store or AskUser
// (Phase 2), and replying with file-response.
func (m *Manager) HandleFileRequest(peerID, fileID string, meta FileMeta, fingerprint string) {
	decision := m.decide(peerID, fileID, meta, fingerprint)

	if decision == Decline {
		m.hub.SendFileResponse(peerID, fileID, false)
		return
	}

	in := newIncomingTransfer(fileID, peerID, meta, meta.totalChunks())
	m.mu.Lock()
	m.incoming[fileID] = in
	m.mu.Unlock()

	m.hub.SendFileResponse(peerID, fileID, true)
}

func (m *Manager) decide(peerID, fileID string, meta FileMeta, fingerprint string) AcceptDecision {
	if m.trusted != nil {
		if decision, known := m.trusted.Lookup(fingerprint); known {
			return decision
		}
	}
	if m.observer != nil {
		m.observer.OnIncomingRequest(peerID, fileID, meta)
	}
	if m.askUser != nil {
		return m.askUser(peerID, fileID, meta)
	}
	return Decline
}

// HandleFileResponse resolves a pending sender-side wait for Phase 2.
func (m *Manager) HandleFileResponse(peerID, fileID string, accepted bool) {
	m.mu.Lock()
	pending, ok := m.pending[fileID]
	m.mu.Unlock()
	if !ok {
		return
	}
	select {
	case pending.resultCh <- fileResponseResult{accepted: accepted}:
	default:
	}
}

// HandleFileCancel processes a file-cancel frame from either phase.
func (m *Manager) HandleFileCancel(peerID, fileID, reason string) {
	m.mu.Lock()
	pending, hasPending := m.pending[fileID]
	out, hasOut := m.outgoing[fileID]
	in, hasIn := m.incoming[fileID]
	m.mu.Unlock()

	if hasPending {
		select {
		case pending.resultCh <- fileResponseResult{err: ErrPeerCancelled}:
		default:
		}
	}
	if hasOut {
		out.Cancel()
	}
	if hasIn {
		in.Cancel()
	}
	if m.observer != nil {
		m.observer.OnCancel(CancelEvent{PeerID: peerID, FileID: fileID, Reason: reason})
	}
}

// base64Encode/Decode are small wrappers kept local so the relay frame
// helpers below read linearly.
func base64Encode(b []byte) string { return base64.StdEncoding.EncodeToString(b) }
func base64Decode(s string) ([]byte, error) { return base64.StdEncoding.DecodeString(s) }
