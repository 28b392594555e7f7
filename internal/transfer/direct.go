package transfer

import (
	"context"
	"encoding/json"
	"time"
)

// AttachPeer wires the manager's direct-path message handler onto a
// peer's data channel. Call this once a PeerContext exists (prewarmed or
// on demand) so direct-path control/chunk frames reach the manager.
func (m *Manager) AttachPeer(peerID string) {
	dp, ok := m.peers.DirectPeer(peerID)
	if !ok {
		return
	}
	dp.SetMessageHandler(func(data []byte, isString bool) {
		if isString {
			m.handleDirectControl(peerID, data)
			return
		}
		m.handleDirectChunk(peerID, data)
	})
}

// streamDirect implements spec §4.4.1: a file-start text frame, then a
// plain chunk loop with backpressure, then file-end. No acknowledgments;
// the data channel's own ordered, reliable delivery is trusted.
func (m *Manager) streamDirect(ctx context.Context, out *OutgoingTransfer, data []byte) error {
	dp, ok := m.peers.DirectPeer(out.PeerID)
	if !ok {
		return ErrUnknownFileID
	}

	start := marshalRelayFrame(relayControlFrame{
		Type:        "file-start",
		FileID:      out.FileID,
		Name:        out.Meta.Name,
		Size:        out.Meta.Size,
		MimeType:    out.Meta.MimeType,
		TotalChunks: out.TotalChunks,
	})
	if err := dp.SendText(string(start)); err != nil {
		return err
	}

	var offset int64
	for offset < out.Meta.Size {
		if out.isCancelled() {
			return ErrCancelled
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		end := offset + ChunkSize
		if end > out.Meta.Size {
			end = out.Meta.Size
		}
		plain := data[offset:end]

		frame, err := m.crypto.EncryptChunk(out.PeerID, plain)
		if err != nil {
			return err
		}

		for dp.BufferedAmount() > DirectBackpressureThreshold {
			if out.isCancelled() {
				return ErrCancelled
			}
			time.Sleep(DirectBackpressurePoll)
		}

		if err := dp.Send(frame); err != nil {
			return err
		}

		offset = end
		if m.observer != nil {
			m.observer.OnProgress(ProgressEvent{
				PeerID: out.PeerID, FileID: out.FileID, FileName: out.Meta.Name,
				FileSize: out.Meta.Size, Sent: offset, Total: out.Meta.Size,
			})
		}
	}

	endFrame := marshalRelayFrame(relayControlFrame{Type: "file-end", FileID: out.FileID})
	return dp.SendText(string(endFrame))
}

// handleDirectControl dispatches a text frame received on a peer's data
// channel: file-start, file-end, or file-cancel.
func (m *Manager) handleDirectControl(peerID string, raw []byte) {
	var frame relayControlFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		m.logger.Warn("malformed direct control frame", "peer", peerID, "err", err)
		return
	}

	switch frame.Type {
	case "file-start":
		meta := FileMeta{Name: frame.Name, Size: frame.Size, MimeType: frame.MimeType}
		in := newIncomingTransfer(frame.FileID, peerID, meta, frame.TotalChunks)
		m.mu.Lock()
		m.incoming[frame.FileID] = in
		m.mu.Unlock()

	case "file-end":
		m.finishDirectIncoming(peerID, frame.FileID)

	case "file-cancel":
		m.HandleFileCancel(peerID, frame.FileID, "")
	}
}

// handleDirectChunk decrypts and stores one binary chunk frame. Direct
// chunks arrive in send order on the channel, so the running chunk count
// doubles as the index.
func (m *Manager) handleDirectChunk(peerID string, frame []byte) {
	plain, err := m.crypto.DecryptChunk(peerID, frame)
	if err != nil {
		m.logger.Warn("direct chunk decrypt failed", "peer", peerID, "err", err)
		return
	}

	m.mu.Lock()
	var target *IncomingTransfer
	for _, in := range m.incoming {
		if in.PeerID == peerID && !in.isCancelled() && in.receivedCount() < in.TotalChunks {
			target = in
			break
		}
	}
	m.mu.Unlock()
	if target == nil {
		return
	}

	index := target.receivedCount()
	target.storeChunk(index, plain)

	if m.observer != nil {
		m.observer.OnProgress(ProgressEvent{
			PeerID: peerID, FileID: target.FileID, FileName: target.Meta.Name,
			FileSize: target.Meta.Size, Sent: int64(target.receivedCount()) * ChunkSize, Total: target.Meta.Size,
		})
	}
}

func (m *Manager) finishDirectIncoming(peerID, fileID string) {
	m.mu.Lock()
	in, ok := m.incoming[fileID]
	if ok {
		delete(m.incoming, fileID)
	}
	m.mu.Unlock()
	if !ok {
		return
	}

	missing := in.missingIndices()
	data := in.assemble()
	if int64(len(data)) != in.Meta.Size {
		m.logger.Warn("direct transfer size mismatch", "peer", peerID, "file", fileID,
			"expected", in.Meta.Size, "got", len(data))
	}
	if m.observer != nil {
		m.observer.OnFileReceived(FileReceivedEvent{PeerID: peerID, FileID: fileID, Meta: in.Meta, Data: data, Missing: missing})
	}
}
