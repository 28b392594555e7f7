package transfer

import "errors"

// Sentinel errors per spec §7, one per named failure mode.
var (
	ErrCancelled                = errors.New("transfer: cancelled")
	ErrPeerDidNotRespond        = errors.New("transfer: peer did not respond")
	ErrPeerCancelled            = errors.New("transfer: peer cancelled before responding")
	ErrDeclined                 = errors.New("transfer: peer declined")
	ErrRelayRetransmitExhausted = errors.New("transfer: relay retransmit exhausted")
	ErrRelayStalled             = errors.New("transfer: relay stalled")
	ErrUnknownFileID            = errors.New("transfer: unknown file id")
	ErrKeyExchangeTimeout       = errors.New("transfer: key exchange did not complete in time")
)
