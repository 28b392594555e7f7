// Package signaling implements CloudDrop's signaling hub (spec §4.2): room
// membership, the password gate, and point-to-point forwarding of control
// and relay-data frames between peers. It is built on gorilla/websocket,
// shaped after the retrieved nochat.io signaling service (per-client
// read/write pumps, a Send channel per client, rooms keyed by code) and
// the schollz/e2ecp relay client on the consuming side.
package signaling

import "encoding/json"

// FrameType enumerates the message vocabulary in spec §4.2.
type FrameType string

const (
	FrameJoin         FrameType = "join"
	FrameJoined       FrameType = "joined"
	FramePeerJoined   FrameType = "peer-joined"
	FramePeerLeft     FrameType = "peer-left"
	FrameOffer        FrameType = "offer"
	FrameAnswer       FrameType = "answer"
	FrameICECandidate FrameType = "ice-candidate"
	FrameKeyExchange  FrameType = "key-exchange"
	FrameRelayData    FrameType = "relay-data"
	FrameFileRequest  FrameType = "file-request"
	FrameFileResponse FrameType = "file-response"
	FrameFileCancel   FrameType = "file-cancel"
	FrameNameChanged  FrameType = "name-changed"
	FrameText         FrameType = "text"
	FramePing         FrameType = "ping"
	FramePong         FrameType = "pong"
	FrameError        FrameType = "error"
)

// ErrorCode enumerates the values sent in an "error" frame's Error field.
type ErrorCode string

const (
	ErrorPasswordRequired  ErrorCode = "PASSWORD_REQUIRED"
	ErrorPasswordIncorrect ErrorCode = "PASSWORD_INCORRECT"
)

// Close codes defined by spec §6.
const (
	ClosePasswordRequired  = 4001
	ClosePasswordIncorrect = 4002
)

// Frame is the wire envelope for every non-binary message, per spec §6:
// `{ type, from?, to?, data? }`. Everything with a To is forwarded
// verbatim to that peer with From filled in by the hub; everything
// without is handled locally.
type Frame struct {
	Type  FrameType       `json:"type"`
	From  string          `json:"from,omitempty"`
	To    string          `json:"to,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error ErrorCode       `json:"error,omitempty"`
}

// PeerSummary is the shape of one entry in a "joined" frame's peer list.
type PeerSummary struct {
	PeerID      string `json:"peerId"`
	Name        string `json:"name"`
	DeviceType  string `json:"deviceType"`
	BrowserInfo string `json:"browserInfo"`
}

// JoinedData is the payload of the "joined" reply to a join frame.
type JoinedData struct {
	PeerID   string        `json:"peerId"`
	RoomCode string        `json:"roomCode"`
	Peers    []PeerSummary `json:"peers"`
}

// JoinData is the payload a client sends in a "join" frame.
type JoinData struct {
	Name        string `json:"name"`
	DeviceType  string `json:"deviceType"`
	BrowserInfo string `json:"browserInfo"`
}

// PeerMembershipData is the payload of peer-joined/peer-left broadcasts.
type PeerMembershipData struct {
	PeerID      string `json:"peerId"`
	Name        string `json:"name,omitempty"`
	DeviceType  string `json:"deviceType,omitempty"`
	BrowserInfo string `json:"browserInfo,omitempty"`
}

func marshalData(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// Only ever called with concrete, serializable local types; a
		// failure here means a programming error, not a runtime fault.
		panic("signaling: marshal data: " + err.Error())
	}
	return b
}
