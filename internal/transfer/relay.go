package transfer

import (
	"context"
	"encoding/json"
	"time"
)

// addPending records a freshly sent chunk in the sender's window.
func (o *OutgoingTransfer) addPending(index int, payload []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.window[index] = &pendingChunk{index: index, payload: payload, sentAt: time.Now()}
}

func (o *OutgoingTransfer) windowLen() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.window)
}

// oldestPending returns the chunk with the earliest sentAt, used to decide
// what to retransmit when the window stalls.
func (o *OutgoingTransfer) oldestPending() (*pendingChunk, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	var oldest *pendingChunk
	for _, c := range o.window {
		if oldest == nil || c.sentAt.Before(oldest.sentAt) {
			oldest = c
		}
	}
	if oldest == nil {
		return nil, false
	}
	cp := *oldest
	return &cp, true
}

// ackIndices removes acknowledged chunks from the window and records the
// acknowledgment time for stall detection.
func (o *OutgoingTransfer) ackIndices(indices []int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, i := range indices {
		delete(o.window, i)
	}
	o.lastAckTime = time.Now()
}

func (o *OutgoingTransfer) timeSinceLastAck() time.Duration {
	o.mu.Lock()
	defer o.mu.Unlock()
	return time.Since(o.lastAckTime)
}

// markRetried bumps a pending chunk's retry counter and refreshes sentAt,
// reporting whether MaxChunkRetries has now been exceeded.
func (o *OutgoingTransfer) markRetried(index int) (exhausted bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.window[index]
	if !ok {
		return false
	}
	c.retries++
	c.sentAt = time.Now()
	return c.retries > MaxChunkRetries
}

// streamRelay implements spec §4.4.2: a windowed, acknowledged,
// retransmitting stream over relay-data frames.
func (m *Manager) streamRelay(ctx context.Context, out *OutgoingTransfer, data []byte) error {
	m.hub.SendRelayData(out.PeerID, marshalRelayFrame(relayControlFrame{
		Type: "file-start", FileID: out.FileID, Name: out.Meta.Name,
		Size: out.Meta.Size, MimeType: out.Meta.MimeType, TotalChunks: out.TotalChunks,
	}))

	next := 0
	for next < out.TotalChunks || out.windowLen() > 0 {
		if out.isCancelled() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if out.timeSinceLastAck() > TransferTimeout && out.windowLen() > 0 {
			return ErrRelayStalled
		}

		if out.windowLen() >= WindowSize || next >= out.TotalChunks {
			if err := m.maybeRetransmitOldest(out); err != nil {
				return err
			}
			time.Sleep(ChunkInterval)
			continue
		}

		offset := int64(next) * ChunkSize
		end := offset + ChunkSize
		if end > out.Meta.Size {
			end = out.Meta.Size
		}
		plain := data[offset:end]

		ciphertext, err := m.crypto.EncryptChunk(out.PeerID, plain)
		if err != nil {
			return err
		}

		out.addPending(next, ciphertext)
		m.hub.SendRelayData(out.PeerID, marshalRelayFrame(relayControlFrame{
			Type: "chunk", FileID: out.FileID, Index: next, Data: base64Encode(ciphertext),
		}))

		next++
		if m.observer != nil {
			m.observer.OnProgress(ProgressEvent{
				PeerID: out.PeerID, FileID: out.FileID, FileName: out.Meta.Name,
				FileSize: out.Meta.Size, Sent: end, Total: out.Meta.Size,
			})
		}
		time.Sleep(ChunkInterval)
	}

	m.hub.SendRelayData(out.PeerID, marshalRelayFrame(relayControlFrame{Type: "file-end", FileID: out.FileID, TotalChunks: out.TotalChunks}))
	return nil
}

func (m *Manager) maybeRetransmitOldest(out *OutgoingTransfer) error {
	oldest, ok := out.oldestPending()
	if !ok {
		return nil
	}
	if time.Since(oldest.sentAt) < AckTimeout {
		return nil
	}
	if out.markRetried(oldest.index) {
		return ErrRelayRetransmitExhausted
	}
	m.hub.SendRelayData(out.PeerID, marshalRelayFrame(relayControlFrame{
		Type: "chunk", FileID: out.FileID, Index: oldest.index, Data: base64Encode(oldest.payload), Retry: true,
	}))
	return nil
}

// HandleRelayData dispatches one relay-data payload arriving from the
// hub. The same frame vocabulary is used by both sender (which expects
// "ack") and receiver (which expects "file-start"/"chunk"/"file-end"), so
// a single entry point routes by type and ignores frames with no matching
// local transfer.
func (m *Manager) HandleRelayData(peerID string, payload json.RawMessage) {
	var frame relayControlFrame
	if err := json.Unmarshal(payload, &frame); err != nil {
		m.logger.Warn("malformed relay-data frame", "peer", peerID, "err", err)
		return
	}

	switch frame.Type {
	case "file-start":
		meta := FileMeta{Name: frame.Name, Size: frame.Size, MimeType: frame.MimeType}
		in := newIncomingTransfer(frame.FileID, peerID, meta, frame.TotalChunks)
		m.mu.Lock()
		m.incoming[frame.FileID] = in
		m.mu.Unlock()

	case "chunk":
		m.handleRelayChunk(peerID, frame)

	case "ack":
		m.mu.Lock()
		out, ok := m.outgoing[frame.FileID]
		m.mu.Unlock()
		if ok {
			out.ackIndices(frame.Acks)
		}

	case "file-end":
		m.finishRelayIncoming(peerID, frame.FileID)

	case "file-cancel":
		m.HandleFileCancel(peerID, frame.FileID, "")
	}
}

func (m *Manager) handleRelayChunk(peerID string, frame relayControlFrame) {
	m.mu.Lock()
	in, ok := m.incoming[frame.FileID]
	m.mu.Unlock()
	if !ok || in.isCancelled() {
		return
	}

	ciphertext, err := base64Decode(frame.Data)
	if err != nil {
		m.logger.Warn("malformed relay chunk payload", "peer", peerID, "err", err)
		return
	}
	plain, err := m.crypto.DecryptChunk(peerID, ciphertext)
	if err != nil {
		m.logger.Warn("relay chunk decrypt failed", "peer", peerID, "err", err)
		return
	}

	isNew, batch := in.storeChunk(frame.Index, plain)
	if !isNew {
		// Duplicate: still ACKed immediately so the sender retires it.
		m.hub.SendRelayData(peerID, marshalRelayFrame(relayControlFrame{Type: "ack", FileID: frame.FileID, Acks: []int{frame.Index}}))
		return
	}

	// A batch ACK fires every AckBatchSize distinct chunks; the final,
	// possibly-partial batch is flushed as soon as every chunk has
	// arrived so the sender isn't left waiting on a batch that will
	// never fill.
	if in.receivedCount() >= in.TotalChunks {
		if rest := in.flushAcks(); len(rest) > 0 {
			batch = append(batch, rest...)
		}
	}
	if len(batch) > 0 {
		m.hub.SendRelayData(peerID, marshalRelayFrame(relayControlFrame{Type: "ack", FileID: frame.FileID, Acks: batch}))
	}

	if m.observer != nil {
		m.observer.OnProgress(ProgressEvent{
			PeerID: peerID, FileID: in.FileID, FileName: in.Meta.Name,
			FileSize: in.Meta.Size, Sent: int64(in.receivedCount()) * ChunkSize, Total: in.Meta.Size,
		})
	}
}

func (m *Manager) finishRelayIncoming(peerID, fileID string) {
	m.mu.Lock()
	in, ok := m.incoming[fileID]
	m.mu.Unlock()
	if !ok {
		return
	}

	if rest := in.flushAcks(); len(rest) > 0 {
		m.hub.SendRelayData(peerID, marshalRelayFrame(relayControlFrame{Type: "ack", FileID: fileID, Acks: rest}))
	}

	missing := in.missingIndices()
	if len(missing) > 0 {
		time.Sleep(MissingChunkGrace)
		missing = in.missingIndices()
	}

	m.mu.Lock()
	delete(m.incoming, fileID)
	m.mu.Unlock()

	data := in.assemble()
	if int64(len(data)) != in.Meta.Size {
		m.logger.Warn("relay transfer size mismatch", "peer", peerID, "file", fileID,
			"expected", in.Meta.Size, "got", len(data))
	}
	if m.observer != nil {
		m.observer.OnFileReceived(FileReceivedEvent{PeerID: peerID, FileID: fileID, Meta: in.Meta, Data: data, Missing: missing})
	}
}
