package engine

import "errors"

var (
	// ErrIceRestartExhausted is not a user-visible error: the engine
	// simply commits to relay when restarts are exhausted.
	ErrIceRestartExhausted = errors.New("engine: ice restart exhausted")
	// ErrPeerClosed is returned by EnsureConnection if the PeerContext was
	// torn down (peer-left) while the caller was waiting.
	ErrPeerClosed = errors.New("engine: peer context closed")
)
