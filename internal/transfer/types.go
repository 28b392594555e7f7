// Package transfer implements CloudDrop's file transfer protocol (spec
// §4.4): a three-phase request/accept/stream exchange layered on top of
// whichever transport mode the connection engine has chosen for a peer —
// chunked streaming with backpressure over a direct data channel, or a
// windowed, acknowledged, retransmitting stream over the relay.
package transfer

import (
	"encoding/json"
	"sync"
	"time"
)

// Tunables from spec §4.4 and §5.
const (
	ChunkSize = 64 * 1024

	FileRequestTimeout = 60 * time.Second
	KeyExchangeTimeout = 5 * time.Second

	DirectBackpressureThreshold = 1 << 20 // 1 MiB
	DirectBackpressurePoll      = 10 * time.Millisecond

	WindowSize      = 10
	AckTimeout      = 5 * time.Second
	MaxChunkRetries = 3
	AckBatchSize    = 5
	ChunkInterval   = 5 * time.Millisecond
	TransferTimeout = 30 * time.Second

	MissingChunkGrace = 3 * time.Second
)

// Mode mirrors the engine's transport choice without importing the engine
// package's full surface into transfer's wire types.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeRelay  Mode = "relay"
)

// FileMeta describes a file being offered, independent of how its bytes
// are eventually read.
type FileMeta struct {
	Name     string
	Size     int64
	MimeType string
}

func (m FileMeta) totalChunks() int {
	if m.Size <= 0 {
		return 0
	}
	return int((m.Size + ChunkSize - 1) / ChunkSize)
}

// pendingChunk tracks one unacknowledged relay-path chunk in the sender's
// window.
type pendingChunk struct {
	index   int
	payload []byte // already base64-ready ciphertext frame
	retries int
	sentAt  time.Time
}

// OutgoingTransfer is per-file sender state (spec §3).
type OutgoingTransfer struct {
	FileID      string
	PeerID      string
	Meta        FileMeta
	Mode        Mode
	TotalChunks int

	mu          sync.Mutex
	cancelled   bool
	window      map[int]*pendingChunk
	lastAckTime time.Time
}

func newOutgoingTransfer(fileID, peerID string, meta FileMeta, mode Mode) *OutgoingTransfer {
	return &OutgoingTransfer{
		FileID:      fileID,
		PeerID:      peerID,
		Meta:        meta,
		Mode:        mode,
		TotalChunks: meta.totalChunks(),
		window:      make(map[int]*pendingChunk),
		lastAckTime: time.Now(),
	}
}

// Cancel sets the cooperative cancellation flag; in-flight loops exit at
// their next suspension point.
func (o *OutgoingTransfer) Cancel() {
	o.mu.Lock()
	o.cancelled = true
	o.mu.Unlock()
}

func (o *OutgoingTransfer) isCancelled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.cancelled
}

// IncomingTransfer is per-file receiver state (spec §3).
type IncomingTransfer struct {
	FileID      string
	PeerID      string
	Meta        FileMeta
	TotalChunks int
	Confirmed   bool
	StartedAt   time.Time

	mu           sync.Mutex
	chunks       map[int][]byte
	pendingAcks  []int
	cancelled    bool
}

func newIncomingTransfer(fileID, peerID string, meta FileMeta, totalChunks int) *IncomingTransfer {
	return &IncomingTransfer{
		FileID:      fileID,
		PeerID:      peerID,
		Meta:        meta,
		TotalChunks: totalChunks,
		Confirmed:   true,
		StartedAt:   time.Now(),
		chunks:      make(map[int][]byte),
	}
}

func (in *IncomingTransfer) Cancel() {
	in.mu.Lock()
	in.cancelled = true
	in.mu.Unlock()
}

func (in *IncomingTransfer) isCancelled() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.cancelled
}

// storeChunk records a plaintext chunk by index, reporting whether it was
// new (duplicates are dropped but still acknowledged per spec §4.4.2).
func (in *IncomingTransfer) storeChunk(index int, data []byte) (isNew bool, pendingAcks []int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, exists := in.chunks[index]; exists {
		return false, nil
	}
	in.chunks[index] = data
	in.pendingAcks = append(in.pendingAcks, index)
	if len(in.pendingAcks) >= AckBatchSize {
		out := in.pendingAcks
		in.pendingAcks = nil
		return true, out
	}
	return true, nil
}

func (in *IncomingTransfer) flushAcks() []int {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := in.pendingAcks
	in.pendingAcks = nil
	return out
}

func (in *IncomingTransfer) receivedCount() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.chunks)
}

func (in *IncomingTransfer) missingIndices() []int {
	in.mu.Lock()
	defer in.mu.Unlock()
	var missing []int
	for i := 0; i < in.TotalChunks; i++ {
		if _, ok := in.chunks[i]; !ok {
			missing = append(missing, i)
		}
	}
	return missing
}

// assemble concatenates chunks 0..TotalChunks-1 in order, skipping any
// still-missing indices (the caller decides whether that's acceptable).
func (in *IncomingTransfer) assemble() []byte {
	in.mu.Lock()
	defer in.mu.Unlock()
	buf := make([]byte, 0, in.Meta.Size)
	for i := 0; i < in.TotalChunks; i++ {
		if c, ok := in.chunks[i]; ok {
			buf = append(buf, c...)
		}
	}
	return buf
}

// PendingFileRequest is the sender-side wait for Phase 2's accept/decline
// (spec §3).
type PendingFileRequest struct {
	FileID   string
	PeerID   string
	deadline time.Time
	resultCh chan fileResponseResult
}

type fileResponseResult struct {
	accepted bool
	err      error
}

func newPendingFileRequest(fileID, peerID string) *PendingFileRequest {
	return &PendingFileRequest{
		FileID:   fileID,
		PeerID:   peerID,
		deadline: time.Now().Add(FileRequestTimeout),
		resultCh: make(chan fileResponseResult, 1),
	}
}

// ProgressEvent is delivered to the Observer as a file streams.
type ProgressEvent struct {
	PeerID   string
	FileID   string
	FileName string
	FileSize int64
	Sent     int64
	Total    int64
}

func (p ProgressEvent) Percent() float64 {
	if p.Total <= 0 {
		return 0
	}
	return float64(p.Sent) / float64(p.Total) * 100
}

// CancelEvent is delivered when a transfer is cancelled by either party.
type CancelEvent struct {
	PeerID string
	FileID string
	Reason string
}

// FileReceivedEvent is delivered once an incoming file finishes, fully or
// partially; a partial file is delivered with Missing listing the absent
// chunk indices.
type FileReceivedEvent struct {
	PeerID  string
	FileID  string
	Meta    FileMeta
	Data    []byte
	Missing []int // non-empty only under a partial delivery
}

// Observer is the UI-facing contract.
type Observer interface {
	OnProgress(ProgressEvent)
	OnCancel(CancelEvent)
	OnFileReceived(FileReceivedEvent)
	OnIncomingRequest(peerID, fileID string, meta FileMeta) // informational; the decision comes from the AskUser callback
}

// relayControlFrame is the JSON envelope for relay-path chunk/ack/start/end
// frames (spec §4.4.2), carried inside a signaling relay-data frame.
type relayControlFrame struct {
	Type        string `json:"type"`
	FileID      string `json:"fileId"`
	Index       int    `json:"index,omitempty"`
	Data        string `json:"data,omitempty"` // base64
	Retry       bool   `json:"retry,omitempty"`
	Acks        []int  `json:"acks,omitempty"`
	TotalChunks int    `json:"totalChunks,omitempty"`
	Name        string `json:"name,omitempty"`
	Size        int64  `json:"size,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

func marshalRelayFrame(f relayControlFrame) json.RawMessage {
	b, err := json.Marshal(f)
	if err != nil {
		panic("transfer: relay frame must always marshal: " + err.Error())
	}
	return b
}
