package main

import (
	"fmt"
	"log/slog"

	"github.com/x0tta6bl4/clouddrop/internal/engine"
	"github.com/x0tta6bl4/clouddrop/internal/transfer"
)

// cliObserver prints connection and transfer events to stdout. It is the
// Go-CLI stand-in for the browser UI spec §6 describes as the consumer of
// these two Observer interfaces.
type cliObserver struct {
	logger *slog.Logger
}

func (o *cliObserver) OnStateChange(c engine.StateChange) {
	if c.Silent {
		o.logger.Debug("peer state", "peer", c.PeerID, "state", c.State.String(), "msg", c.Message)
		return
	}
	fmt.Printf("[%s] %s: %s\n", c.PeerID, c.State, c.Message)
}

func (o *cliObserver) OnProgress(p transfer.ProgressEvent) {
	fmt.Printf("\r[%s] %s: %.0f%% (%d/%d bytes)", p.PeerID, p.FileName, p.Percent(), p.Sent, p.Total)
	if p.Sent >= p.Total {
		fmt.Println()
	}
}

func (o *cliObserver) OnCancel(c transfer.CancelEvent) {
	fmt.Printf("[%s] transfer %s cancelled: %s\n", c.PeerID, c.FileID, c.Reason)
}

func (o *cliObserver) OnFileReceived(ev transfer.FileReceivedEvent) {
	if len(ev.Missing) > 0 {
		fmt.Printf("[%s] received %q with %d missing chunks\n", ev.PeerID, ev.Meta.Name, len(ev.Missing))
		return
	}
	fmt.Printf("[%s] received %q (%d bytes)\n", ev.PeerID, ev.Meta.Name, len(ev.Data))
}

func (o *cliObserver) OnIncomingRequest(peerID, fileID string, meta transfer.FileMeta) {
	fmt.Printf("[%s] wants to send %q (%d bytes)\n", peerID, meta.Name, meta.Size)
}
