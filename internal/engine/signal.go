package engine

import "github.com/pion/webrtc/v4"

// SignalTransport is the subset of the signaling hub's client API the
// connection engine needs to drive negotiation. The real implementation
// sends these as offer/answer/ice-candidate/key-exchange frames (spec
// §4.2); tests can substitute an in-memory fake.
type SignalTransport interface {
	SendOffer(peerID string, sdp webrtc.SessionDescription, localPublicKey string, iceRestart bool)
	SendAnswer(peerID string, sdp webrtc.SessionDescription)
	SendICECandidate(peerID string, candidate webrtc.ICECandidateInit)
	SendKeyExchange(peerID string, localPublicKey string)
}

// KeyInstaller is the crypto envelope's subset of functionality the
// engine needs: importing a peer's public key once a key-exchange or
// offer/answer carrying it arrives, and checking whether a shared key is
// already installed.
type KeyInstaller interface {
	ImportPeerPublicKey(peerID, base64Key string) error
	HasPeerKey(peerID string) bool
	ExportLocalPublicKey() string
}
