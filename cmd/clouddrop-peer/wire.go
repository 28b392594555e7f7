package main

import (
	"github.com/pion/webrtc/v4"

	"github.com/x0tta6bl4/clouddrop/internal/transfer"
)

// Wire payload shapes carried inside a signaling.Frame's Data field.
// These are the peer-side half of the vocabulary signaling.Hub forwards
// opaquely; the hub never looks inside them.

type offerPayload struct {
	SDP        webrtc.SessionDescription `json:"sdp"`
	PublicKey  string                    `json:"publicKey"`
	IceRestart bool                      `json:"iceRestart"`
}

type answerPayload struct {
	SDP webrtc.SessionDescription `json:"sdp"`
}

type keyExchangePayload struct {
	PublicKey string `json:"publicKey"`
}

type fileRequestPayload struct {
	FileID      string `json:"fileId"`
	Name        string `json:"name"`
	Size        int64  `json:"size"`
	MimeType    string `json:"mimeType"`
	Mode        string `json:"mode"`
	Fingerprint string `json:"fingerprint"`
}

type fileResponsePayload struct {
	FileID   string `json:"fileId"`
	Accepted bool   `json:"accepted"`
}

type fileCancelPayload struct {
	FileID string `json:"fileId"`
	Reason string `json:"reason"`
}

func fileMetaFromPayload(p fileRequestPayload) transfer.FileMeta {
	return transfer.FileMeta{Name: p.Name, Size: p.Size, MimeType: p.MimeType}
}
