package engine

import "sync"

// SignalingState models the small state machine spec §9 asks a port to
// make explicit instead of mirroring the underlying WebRTC API verbatim.
type SignalingState int

const (
	SignalingStable SignalingState = iota
	SignalingHaveLocalOffer
	SignalingHaveRemoteOffer
)

func (s SignalingState) String() string {
	switch s {
	case SignalingHaveLocalOffer:
		return "have-local-offer"
	case SignalingHaveRemoteOffer:
		return "have-remote-offer"
	default:
		return "stable"
	}
}

// Negotiator implements Perfect Negotiation (spec §4.3): the peer with
// the lexicographically smaller id is polite. On a collision (an
// incoming offer while makingOffer is true or signaling is not stable),
// the impolite peer ignores the incoming offer; the polite peer rolls
// back and accepts it.
type Negotiator struct {
	polite bool

	mu           sync.Mutex
	state        SignalingState
	makingOffer  bool
	ignoreOffer  bool
}

// NewNegotiator determines politeness from the lexicographic order of
// the two peer ids: the smaller is polite.
func NewNegotiator(localPeerID, remotePeerID string) *Negotiator {
	return &Negotiator{polite: localPeerID < remotePeerID}
}

// Polite reports whether this side is the polite peer.
func (n *Negotiator) Polite() bool { return n.polite }

// BeginOffer marks that an offer is being generated locally. Callers must
// call EndOffer once SetLocalDescription completes (success or failure).
func (n *Negotiator) BeginOffer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.makingOffer = true
	n.state = SignalingHaveLocalOffer
}

// EndOffer clears the in-flight offer flag.
func (n *Negotiator) EndOffer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.makingOffer = false
}

// OfferAction is what the caller should do with an incoming offer.
type OfferAction int

const (
	// ActionAccept: no collision, or this side is polite and must roll
	// back its own in-flight offer before accepting the remote one.
	ActionAccept OfferAction = iota
	// ActionIgnore: this side is impolite and there is a collision; the
	// incoming offer must be dropped without sending an answer.
	ActionIgnore
)

// ReceiveOffer decides how to handle an incoming offer, updating internal
// state accordingly. A collision exists when an offer is already being
// made locally or the signaling state is not stable.
func (n *Negotiator) ReceiveOffer() OfferAction {
	n.mu.Lock()
	defer n.mu.Unlock()

	collision := n.makingOffer || n.state != SignalingStable
	if collision && !n.polite {
		n.ignoreOffer = true
		return ActionIgnore
	}

	n.ignoreOffer = false
	if collision && n.polite {
		// Roll back our local offer before accepting theirs.
		n.makingOffer = false
	}
	n.state = SignalingHaveRemoteOffer
	return ActionAccept
}

// ReceiveAnswer records that our offer was answered and we are back to
// stable.
func (n *Negotiator) ReceiveAnswer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = SignalingStable
	n.makingOffer = false
}

// AnsweredRemoteOffer records that we sent an answer to a remote offer
// and are back to stable.
func (n *Negotiator) AnsweredRemoteOffer() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.state = SignalingStable
}

// ShouldIgnoreCandidate reports whether an ICE candidate arriving right
// now should be dropped because we just ignored the offer it belongs to.
func (n *Negotiator) ShouldIgnoreCandidate() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ignoreOffer
}

// State returns the current signaling state.
func (n *Negotiator) State() SignalingState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}
