package engine

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
)

// PeerContext is the single record the engine keeps per remote peer,
// consolidating what spec §9 calls out as scattered per-peer maps in the
// original implementation: the RTCPeerConnection, its data channel, the
// negotiator, the quality prediction, and the committed transport mode.
type PeerContext struct {
	localPeerID  string
	remotePeerID string
	transport    SignalTransport
	keys         KeyInstaller
	ranker       *ICEServerRanker
	observer     Observer
	logger       *slog.Logger

	negotiator *Negotiator
	quality    *QualityPrediction

	ensureMu sync.Mutex // single-flight: serializes prewarm against a real transfer request

	mu          sync.Mutex
	pc          *webrtc.PeerConnection
	dc          *webrtc.DataChannel
	mode        Mode
	dcOpen      bool
	iceRestarts int
	closed      bool
	ready       chan struct{} // closed once dc is open and a shared key is installed
	onMessage   func(data []byte, isString bool)
	onKeyInstalled func()
	keySent     bool             // HandleOffer has sent remotePeerID a key-exchange frame with our public key
	recovery    *RecoveryMonitor // optional; falls back to a local goroutine when nil

	closeOnce sync.Once
	closeCh   chan struct{}
}

// NewPeerContext creates an idle peer context. No network activity
// happens until EnsureConnection or Prewarm is called.
func NewPeerContext(localPeerID, remotePeerID string, transport SignalTransport, keys KeyInstaller, ranker *ICEServerRanker, observer Observer, logger *slog.Logger) *PeerContext {
	if logger == nil {
		logger = slog.Default()
	}
	return &PeerContext{
		localPeerID:  localPeerID,
		remotePeerID: remotePeerID,
		transport:    transport,
		keys:         keys,
		ranker:       ranker,
		observer:     observer,
		logger:       logger.With("peer", remotePeerID),
		negotiator:   NewNegotiator(localPeerID, remotePeerID),
		quality:      NewQualityPrediction(),
		mode:         ModeUnset,
		ready:        make(chan struct{}),
		closeCh:      make(chan struct{}),
	}
}

// SetMessageHandler registers the callback invoked for every message
// received on the direct data channel. isString distinguishes JSON
// control frames (file-start, file-end, cancel) from binary chunk
// frames, mirroring pion's own DataChannelMessage shape. The transfer
// layer uses this to receive both over the direct path.
func (p *PeerContext) SetMessageHandler(fn func(data []byte, isString bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onMessage = fn
}

// Mode reports the currently committed transport.
func (p *PeerContext) Mode() Mode {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mode
}

// SetRecoveryMonitor attaches a shared RecoveryMonitor that takes over
// silent background P2P recovery for this peer once it commits to relay.
// Without one, the peer runs its own per-peer recovery goroutine.
func (p *PeerContext) SetRecoveryMonitor(m *RecoveryMonitor) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.recovery = m
}

// Quality returns a snapshot of the current ICE quality prediction.
func (p *PeerContext) Quality() QualityPrediction {
	return p.quality.Snapshot()
}

// Send writes data to the open direct data channel. Callers (the transfer
// layer) are responsible for checking BufferedAmount before calling this
// repeatedly in a tight loop.
func (p *PeerContext) Send(data []byte) error {
	p.mu.Lock()
	dc := p.dc
	open := p.dcOpen
	p.mu.Unlock()
	if dc == nil || !open {
		return fmt.Errorf("engine: peer %s has no open data channel", p.remotePeerID)
	}
	return dc.Send(data)
}

// SendText writes a text (control) frame to the open direct data channel.
func (p *PeerContext) SendText(s string) error {
	p.mu.Lock()
	dc := p.dc
	open := p.dcOpen
	p.mu.Unlock()
	if dc == nil || !open {
		return fmt.Errorf("engine: peer %s has no open data channel", p.remotePeerID)
	}
	return dc.SendText(s)
}

// BufferedAmount reports the data channel's outgoing buffer size, used by
// the transfer layer's direct-path backpressure loop.
func (p *PeerContext) BufferedAmount() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.dc == nil {
		return 0
	}
	return p.dc.BufferedAmount()
}

// Prewarm opens a direct connection ahead of any user-initiated transfer,
// after a small randomized delay so a burst of peer-joined events doesn't
// thunder a dozen PeerConnections at once. It shares ensureMu with
// EnsureConnection so a real transfer request arriving mid-prewarm simply
// waits for (or reuses) the in-flight attempt rather than racing it.
func (p *PeerContext) Prewarm(ctx context.Context) {
	delay := PrewarmDelayMin + time.Duration(rand.Int63n(int64(PrewarmDelayMax-PrewarmDelayMin)))
	select {
	case <-time.After(delay):
	case <-ctx.Done():
		return
	case <-p.closeCh:
		return
	}
	_, err := p.EnsureConnection(ctx)
	if err != nil {
		p.logger.Debug("prewarm did not reach direct mode", "err", err)
	}
}

// EnsureConnection is the racing algorithm from spec §4.3 steps 4-5: it
// starts a direct WebRTC attempt and races it against a fallback timer
// ladder (slow notice, fast-fallback decision, unconditional commit),
// returning the transport mode the peer ended up on. Concurrent callers
// (prewarm and a real transfer request) are serialized by ensureMu and
// converge on the same attempt.
func (p *PeerContext) EnsureConnection(ctx context.Context) (Mode, error) {
	p.ensureMu.Lock()
	defer p.ensureMu.Unlock()

	if mode := p.Mode(); mode == ModeDirect && p.dataChannelOpen() {
		return ModeDirect, nil
	}
	if mode := p.Mode(); mode == ModeRelay {
		return ModeRelay, nil
	}

	readyCh, err := p.startDirectAttempt(ctx)
	if err != nil {
		p.commitMode(ModeRelay, "direct setup failed: "+err.Error())
		return ModeRelay, nil
	}

	p.notifyState(StateConnecting, false, "")

	slow := time.NewTimer(SlowThreshold)
	fastFallback := time.NewTimer(FastFallbackTimeout)
	hardTimeout := time.NewTimer(ConnectionTimeout)
	defer slow.Stop()
	defer fastFallback.Stop()
	defer hardTimeout.Stop()

	for {
		select {
		case <-readyCh:
			p.commitMode(ModeDirect, "")
			return ModeDirect, nil

		case <-slow.C:
			p.notifyState(StateSlow, false, "still connecting")

		case <-fastFallback.C:
			if p.quality.OnlyRelayCandidates() {
				p.commitMode(ModeRelay, "no viable direct candidates")
				return ModeRelay, nil
			}
			// Candidates look promising; give it the remaining time budget.

		case <-hardTimeout.C:
			p.commitMode(ModeRelay, "direct connection timed out")
			return ModeRelay, nil

		case <-ctx.Done():
			return ModeUnset, ctx.Err()

		case <-p.closeCh:
			return ModeUnset, ErrPeerClosed
		}
	}
}

func (p *PeerContext) dataChannelOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dcOpen
}

func (p *PeerContext) commitMode(mode Mode, reason string) {
	p.mu.Lock()
	already := p.mode
	p.mode = mode
	p.mu.Unlock()

	if already == mode {
		return
	}
	switch mode {
	case ModeDirect:
		p.notifyState(StateConnected, false, "")
	case ModeRelay:
		p.logger.Info("committing to relay", "reason", reason)
		p.notifyState(StateRelay, false, reason)
		p.mu.Lock()
		rec := p.recovery
		p.mu.Unlock()
		if rec != nil {
			rec.NoteRelayCommitted(p.remotePeerID)
		} else {
			go p.runBackgroundRecovery()
		}
	}
}

func (p *PeerContext) notifyState(state ObservedState, silent bool, msg string) {
	if p.observer == nil {
		return
	}
	p.observer.OnStateChange(StateChange{PeerID: p.remotePeerID, State: state, Silent: silent, Message: msg})
}

// startDirectAttempt creates a fresh RTCPeerConnection, opens the ordered
// control/data channel, wires ICE and negotiation callbacks, and sends the
// initial offer. It returns a channel that closes once the data channel is
// open and a shared encryption key has been installed with the peer.
func (p *PeerContext) startDirectAttempt(ctx context.Context) (<-chan struct{}, error) {
	servers := ToWebRTC(p.ranker.Servers(ctx))
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: servers})
	if err != nil {
		return nil, err
	}

	ordered := true
	dc, err := pc.CreateDataChannel("clouddrop", &webrtc.DataChannelInit{Ordered: &ordered})
	if err != nil {
		pc.Close()
		return nil, err
	}

	ready := make(chan struct{})
	var readyOnce sync.Once
	closeReady := func() { readyOnce.Do(func() { close(ready) }) }

	p.mu.Lock()
	if p.pc != nil {
		p.pc.Close()
	}
	p.pc = pc
	p.dc = dc
	p.dcOpen = false
	p.ready = ready
	p.mu.Unlock()

	p.wireCallbacks(pc, dc, closeReady)

	p.negotiator.BeginOffer()
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		p.negotiator.EndOffer()
		return nil, err
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		p.negotiator.EndOffer()
		return nil, err
	}
	p.negotiator.EndOffer()

	p.transport.SendOffer(p.remotePeerID, offer, p.keys.ExportLocalPublicKey(), false)
	return ready, nil
}

func (p *PeerContext) wireCallbacks(pc *webrtc.PeerConnection, dc *webrtc.DataChannel, closeReady func()) {
	maybeReady := func() {
		if p.dataChannelOpen() && p.keys.HasPeerKey(p.remotePeerID) {
			closeReady()
		}
	}

	dc.OnOpen(func() {
		p.mu.Lock()
		p.dcOpen = true
		p.mu.Unlock()
		maybeReady()
	})

	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		p.mu.Lock()
		handler := p.onMessage
		p.mu.Unlock()
		if handler != nil {
			handler(msg.Data, msg.IsString)
		}
	})

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		p.quality.Observe(classifyCandidate(*c))
		if p.negotiator.ShouldIgnoreCandidate() {
			return
		}
		p.transport.SendICECandidate(p.remotePeerID, c.ToJSON())
	})

	pc.OnICEGatheringStateChange(func(s webrtc.ICEGathererState) {
		if s == webrtc.ICEGathererStateComplete {
			p.quality.MarkGatheringComplete()
		}
	})

	pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		switch s {
		case webrtc.ICEConnectionStateConnected, webrtc.ICEConnectionStateCompleted:
			go func() {
				// Key exchange may have raced ahead of the data channel open
				// event; re-check once the ICE layer itself reports healthy.
				time.Sleep(10 * time.Millisecond)
				maybeReady()
			}()
		case webrtc.ICEConnectionStateDisconnected:
			go p.handleDisconnect(pc)
		case webrtc.ICEConnectionStateFailed:
			go p.handleDisconnect(pc)
		}
	})

	// Key installation can complete after the data channel opens (the
	// offerer sends its public key alongside the SDP, but the answerer's
	// key-exchange frame can arrive slightly later). HandleKeyExchange
	// calls onKeyInstalled after installing a key so EnsureConnection can
	// unblock even if the data channel was already open.
	p.mu.Lock()
	p.onKeyInstalled = maybeReady
	p.mu.Unlock()
}

// handleDisconnect implements the ICE restart ladder from spec §5:
// DisconnectedTimeout grace period, then up to MaxIceRestarts restarts
// spaced IceRestartDelay apart, then an unconditional relay commit.
func (p *PeerContext) handleDisconnect(pc *webrtc.PeerConnection) {
	select {
	case <-time.After(DisconnectedTimeout):
	case <-p.closeCh:
		return
	}

	p.mu.Lock()
	stillSamePC := p.pc == pc
	state := pc.ICEConnectionState()
	p.mu.Unlock()
	if !stillSamePC || (state != webrtc.ICEConnectionStateDisconnected && state != webrtc.ICEConnectionStateFailed) {
		return
	}

	p.mu.Lock()
	p.iceRestarts++
	attempt := p.iceRestarts
	p.mu.Unlock()

	if attempt > MaxIceRestarts {
		p.commitMode(ModeRelay, "ice restarts exhausted")
		return
	}

	time.Sleep(IceRestartDelay)

	p.negotiator.BeginOffer()
	offer, err := pc.CreateOffer(&webrtc.OfferOptions{ICERestart: true})
	if err != nil {
		p.negotiator.EndOffer()
		p.commitMode(ModeRelay, "ice restart offer failed")
		return
	}
	if err := pc.SetLocalDescription(offer); err != nil {
		p.negotiator.EndOffer()
		p.commitMode(ModeRelay, "ice restart set local description failed")
		return
	}
	p.negotiator.EndOffer()
	p.transport.SendOffer(p.remotePeerID, offer, p.keys.ExportLocalPublicKey(), true)
}

// runBackgroundRecovery silently retries the direct path after a relay
// commitment, per spec §4.3's "silent background recovery": the UI never
// sees these attempts unless one succeeds.
func (p *PeerContext) runBackgroundRecovery() {
	select {
	case <-time.After(BackgroundInitialDelay):
	case <-p.closeCh:
		return
	}

	for attempt := 0; attempt < BackgroundMaxAttempts; attempt++ {
		if p.Mode() == ModeDirect {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), ConnectionTimeout)
		readyCh, err := p.startDirectAttempt(ctx)
		if err == nil {
			select {
			case <-readyCh:
				cancel()
				p.mu.Lock()
				p.mode = ModeDirect
				p.mu.Unlock()
				p.notifyState(StateConnected, true, "recovered direct connection")
				return
			case <-ctx.Done():
			case <-p.closeCh:
				cancel()
				return
			}
		}
		cancel()

		select {
		case <-time.After(BackgroundInterval):
		case <-p.closeCh:
			return
		}
	}
}

// attemptDirectRecovery makes one direct-connection attempt and waits up
// to ctx's deadline for it to come up, reporting success. RecoveryMonitor
// calls this once per cycle per relay-committed peer instead of each peer
// running its own retry loop.
func (p *PeerContext) attemptDirectRecovery(ctx context.Context) bool {
	if p.Mode() == ModeDirect {
		return true
	}
	readyCh, err := p.startDirectAttempt(ctx)
	if err != nil {
		return false
	}
	select {
	case <-readyCh:
		p.mu.Lock()
		p.mode = ModeDirect
		p.mu.Unlock()
		p.notifyState(StateConnected, true, "recovered direct connection")
		return true
	case <-ctx.Done():
		return false
	case <-p.closeCh:
		return false
	}
}

// classifyCandidate maps a pion ICE candidate to the coarse
// CandidateType used by QualityPrediction.
func classifyCandidate(c webrtc.ICECandidate) CandidateType {
	switch c.Typ {
	case webrtc.ICECandidateTypeSrflx:
		return CandidateSrflx
	case webrtc.ICECandidateTypePrflx:
		return CandidatePrflx
	case webrtc.ICECandidateTypeRelay:
		return CandidateRelay
	default:
		return CandidateHost
	}
}

// HandleOffer processes an incoming offer frame, applying Perfect
// Negotiation collision rules before answering.
func (p *PeerContext) HandleOffer(ctx context.Context, sdp webrtc.SessionDescription, remotePublicKey string) error {
	if remotePublicKey != "" {
		if err := p.keys.ImportPeerPublicKey(p.remotePeerID, remotePublicKey); err != nil {
			return err
		}
	}

	action := p.negotiator.ReceiveOffer()
	if action == ActionIgnore {
		p.logger.Debug("ignoring colliding offer (impolite)")
		return nil
	}

	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()

	if pc == nil {
		newPC, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: ToWebRTC(p.ranker.Servers(ctx))})
		if err != nil {
			return err
		}
		ready := make(chan struct{})
		p.mu.Lock()
		p.pc = newPC
		p.ready = ready
		p.mu.Unlock()
		newPC.OnDataChannel(func(dc *webrtc.DataChannel) {
			p.mu.Lock()
			p.dc = dc
			p.mu.Unlock()
			var once sync.Once
			p.wireCallbacks(newPC, dc, func() { once.Do(func() { close(ready) }) })
		})
		pc = newPC
	}

	if err := pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		return err
	}
	if err := pc.SetLocalDescription(answer); err != nil {
		return err
	}
	p.negotiator.AnsweredRemoteOffer()
	p.transport.SendAnswer(p.remotePeerID, answer)

	// The answer carries no room for a public key, and an offer's embedded
	// key only reaches the side that sent the offer; the answerer must
	// hand its own key back explicitly or the offerer's ECDH agreement
	// never completes. Send it once per peer, regardless of whether this
	// particular offer happened to carry a key already.
	p.mu.Lock()
	alreadySent := p.keySent
	p.keySent = true
	p.mu.Unlock()
	if !alreadySent {
		p.transport.SendKeyExchange(p.remotePeerID, p.keys.ExportLocalPublicKey())
	}
	return nil
}

// HandleAnswer applies an incoming answer to the in-flight offer.
func (p *PeerContext) HandleAnswer(sdp webrtc.SessionDescription) error {
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return fmt.Errorf("engine: answer for peer %s with no active offer", p.remotePeerID)
	}
	if err := pc.SetRemoteDescription(sdp); err != nil {
		return err
	}
	p.negotiator.ReceiveAnswer()
	return nil
}

// HandleICECandidate applies a trickled remote candidate, dropping it if
// Perfect Negotiation decided the offer it belongs to was ignored.
func (p *PeerContext) HandleICECandidate(candidate webrtc.ICECandidateInit) error {
	if p.negotiator.ShouldIgnoreCandidate() {
		return nil
	}
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc == nil {
		return nil
	}
	return pc.AddICECandidate(candidate)
}

// HandleKeyExchange installs a peer's public key received out-of-band
// from the offer/answer (the relay-before-direct-connect fallback, spec
// §4.5), and unblocks EnsureConnection if the data channel is already open.
func (p *PeerContext) HandleKeyExchange(publicKey string) error {
	if err := p.keys.ImportPeerPublicKey(p.remotePeerID, publicKey); err != nil {
		return err
	}
	p.mu.Lock()
	cb := p.onKeyInstalled
	p.mu.Unlock()
	if cb != nil {
		cb()
	}
	return nil
}

// Close tears down the peer connection and stops any background recovery
// loop. Safe to call multiple times.
func (p *PeerContext) Close() {
	p.closeOnce.Do(func() {
		close(p.closeCh)
	})
	p.mu.Lock()
	pc := p.pc
	p.mu.Unlock()
	if pc != nil {
		pc.Close()
	}
}
