package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// RecoveryMonitor runs the silent background P2P recovery loop (spec
// §4.3) as a single Monitor→Analyze→Execute cycle over every
// relay-committed peer in a Registry, rather than one goroutine and
// timer chain per peer. The cycle shape — a ticking loop that observes,
// diagnoses, and acts, bounded by a per-peer attempt count — is the one
// the original self-healing loop used for mesh-wide recovery; here the
// "observation" is a single peer's transport mode and the only action is
// "retry direct".
type RecoveryMonitor struct {
	registry *Registry
	logger   *slog.Logger

	mu          sync.Mutex
	attempts    map[string]int
	committedAt map[string]time.Time
	running     bool
	stopCh      chan struct{}
}

// NewRecoveryMonitor builds a monitor over registry. Call Start to begin
// ticking; attach it to individual peers with PeerContext.SetRecoveryMonitor.
func NewRecoveryMonitor(registry *Registry, logger *slog.Logger) *RecoveryMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &RecoveryMonitor{
		registry:    registry,
		logger:      logger.With("component", "recovery"),
		attempts:    make(map[string]int),
		committedAt: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
	}
}

// NoteRelayCommitted arms a peer for background recovery, starting its
// BackgroundInitialDelay countdown.
func (m *RecoveryMonitor) NoteRelayCommitted(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.committedAt[peerID] = time.Now()
	m.attempts[peerID] = 0
}

// NoteDirectRecovered clears a peer's recovery bookkeeping.
func (m *RecoveryMonitor) NoteDirectRecovered(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.committedAt, peerID)
	delete(m.attempts, peerID)
}

// Start begins the ticking loop. Safe to call once; subsequent calls are
// no-ops until Stop.
func (m *RecoveryMonitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	stopCh := m.stopCh
	m.mu.Unlock()
	go m.loop(stopCh)
}

// Stop halts the ticking loop.
func (m *RecoveryMonitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
}

func (m *RecoveryMonitor) loop(stopCh chan struct{}) {
	ticker := time.NewTicker(BackgroundInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.cycle()
		case <-stopCh:
			return
		}
	}
}

// cycle attempts one direct-connection recovery per armed, relay-committed
// peer that is past its initial delay and under BackgroundMaxAttempts.
func (m *RecoveryMonitor) cycle() {
	for _, p := range m.registry.All() {
		if p.Mode() != ModeRelay {
			continue
		}
		peerID := p.remotePeerID

		m.mu.Lock()
		committedAt, armed := m.committedAt[peerID]
		attempts := m.attempts[peerID]
		m.mu.Unlock()
		if !armed || time.Since(committedAt) < BackgroundInitialDelay || attempts >= BackgroundMaxAttempts {
			continue
		}

		m.mu.Lock()
		m.attempts[peerID]++
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), ConnectionTimeout)
		recovered := p.attemptDirectRecovery(ctx)
		cancel()
		if recovered {
			m.logger.Info("recovered direct connection in background", "peer", peerID)
			m.NoteDirectRecovered(peerID)
		}
	}
}
