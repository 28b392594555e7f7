// Package engine implements CloudDrop's per-peer connection engine
// (spec §4.3): it races a direct WebRTC connection attempt against a
// fallback timer, predicts connection quality from gathered ICE candidate
// types, drives Perfect Negotiation for simultaneous offers, and runs a
// silent background task to recover the direct path after a relay
// commitment. It is built on github.com/pion/webrtc/v4, the Go-native
// WebRTC stack used the same way by the retrieved udisondev/sendy
// connector for an equivalent perfect-negotiation peer.
package engine

import (
	"sync"
	"time"
)

// Timeouts from spec §5.
const (
	SlowThreshold        = 3 * time.Second
	FastFallbackTimeout  = 5 * time.Second
	ConnectionTimeout    = 10 * time.Second
	DisconnectedTimeout  = 3 * time.Second
	IceRestartDelay      = 500 * time.Millisecond
	MaxIceRestarts       = 2
	BackgroundInitialDelay = 10 * time.Second
	BackgroundInterval     = 30 * time.Second
	BackgroundMaxAttempts  = 10
	ICEServerCacheTTL      = 5 * time.Minute
	PrewarmDelayMin        = 300 * time.Millisecond
	PrewarmDelayMax        = 600 * time.Millisecond
	StunProbeTimeout       = 2 * time.Second
)

// Mode is the active transport for a peer: direct (WebRTC data channel)
// or relay (forwarded through the signaling hub).
type Mode int

const (
	ModeUnset Mode = iota
	ModeDirect
	ModeRelay
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeRelay:
		return "relay"
	default:
		return "unset"
	}
}

// ObservedState is the state the engine reports to its observer (the UI,
// spec §4.3 "Observable states").
type ObservedState int

const (
	StateConnecting ObservedState = iota
	StateSlow
	StateRelay
	StateConnected
)

func (s ObservedState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateSlow:
		return "slow"
	case StateRelay:
		return "relay"
	case StateConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// StateChange is delivered to an Observer on every transition.
type StateChange struct {
	PeerID  string
	State   ObservedState
	Silent  bool // badge-only, no toast; set when background recovery restores the direct path
	Message string
}

// Observer receives connection state changes. The UI layer implements it;
// engine itself never renders anything (spec §6 external collaborators).
type Observer interface {
	OnStateChange(StateChange)
}

// CandidateType mirrors the four ICE candidate kinds in spec's glossary.
type CandidateType int

const (
	CandidateHost CandidateType = iota
	CandidateSrflx
	CandidatePrflx
	CandidateRelay
)

// QualityPrediction is updated continuously as candidates are gathered,
// per spec §4.3.
type QualityPrediction struct {
	P2PPossible  bool
	P2PLikely    bool
	HasRelay     bool
	NetworkIssue bool

	mu      sync.Mutex
	seen    map[CandidateType]bool
	gathered bool
}

// NewQualityPrediction returns an empty prediction record.
func NewQualityPrediction() *QualityPrediction {
	return &QualityPrediction{seen: make(map[CandidateType]bool)}
}

// Observe records one gathered candidate's type and recomputes the
// derived booleans.
func (q *QualityPrediction) Observe(t CandidateType) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seen[t] = true
	q.recompute()
}

// MarkGatheringComplete records that ICE gathering finished; if no
// candidates were ever observed, NetworkIssue becomes true.
func (q *QualityPrediction) MarkGatheringComplete() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gathered = true
	if len(q.seen) == 0 {
		q.NetworkIssue = true
	}
}

// recompute must be called with q.mu held.
func (q *QualityPrediction) recompute() {
	q.P2PPossible = q.seen[CandidateHost] || q.seen[CandidateSrflx] || q.seen[CandidatePrflx]
	q.P2PLikely = q.seen[CandidateSrflx] || q.seen[CandidatePrflx]
	q.HasRelay = q.seen[CandidateRelay]
}

// Snapshot returns a copy safe to read without further locking.
func (q *QualityPrediction) Snapshot() QualityPrediction {
	q.mu.Lock()
	defer q.mu.Unlock()
	return QualityPrediction{
		P2PPossible:  q.P2PPossible,
		P2PLikely:    q.P2PLikely,
		HasRelay:     q.HasRelay,
		NetworkIssue: q.NetworkIssue,
	}
}

// OnlyRelayCandidates reports whether gathering has produced relay
// candidates (or nothing at all) and no host/srflx/prflx candidate —
// the fast-fallback decision's trigger condition.
func (q *QualityPrediction) OnlyRelayCandidates() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return !q.P2PPossible
}
