// Package cryptoenvelope implements CloudDrop's dual-layer encryption:
// a per-peer-pair ECDH/AES-GCM layer, plus an optional room-password
// AES-GCM layer derived by PBKDF2. A Manager holds a key per peer and
// the optional room key, wrapping and unwrapping chunks with AEAD
// framing on the way in and out.
package cryptoenvelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/crypto/pbkdf2"
)

// peerIVSize is the AES-GCM nonce size used for both layers.
const peerIVSize = 12

const pbkdf2Iterations = 100_000

var (
	// ErrNoSharedKey is returned when EncryptChunk/DecryptChunk is called
	// for a peer whose shared secret has not been established yet.
	ErrNoSharedKey = errors.New("cryptoenvelope: no shared key for peer")
	// ErrRoomKeyMissing is returned when a chunk's room layer is present
	// but the local room key has not been set.
	ErrRoomKeyMissing = errors.New("cryptoenvelope: room key missing")
	// ErrDecryptionFailed surfaces an AEAD authentication failure. Callers
	// must never attempt to recover plaintext after this error.
	ErrDecryptionFailed = errors.New("cryptoenvelope: decryption failed")
	// ErrPasswordTooShort is returned by SetRoomPassword for passwords
	// shorter than roomcode.MinPasswordLength.
	ErrPasswordTooShort = errors.New("cryptoenvelope: password too short")
)

// NoSharedKeyError carries the peer id for which no shared key exists.
type NoSharedKeyError struct {
	PeerID string
}

func (e *NoSharedKeyError) Error() string {
	return fmt.Sprintf("cryptoenvelope: no shared key for peer %s", e.PeerID)
}

func (e *NoSharedKeyError) Unwrap() error { return ErrNoSharedKey }

// Manager owns the local ECDH keypair, the per-peer shared secrets derived
// from it, and the optional room key. One Manager exists per room session.
// It is safe for concurrent use: each peer's entry is only ever written by
// that peer's own task, per spec §5's shared-resource policy.
type Manager struct {
	curve      ecdh.Curve
	localKey   *ecdh.PrivateKey
	localSPKI  string // cached base64 of the raw uncompressed P-256 public key; not SPKI/DER-wrapped

	mu       sync.RWMutex
	peerKeys map[string]cipher.AEAD // peerID -> AES-256-GCM keyed by shared secret

	roomMu  sync.RWMutex
	roomKey cipher.AEAD

	logger *slog.Logger
}

// NewManager generates a fresh P-256 ECDH keypair for this session.
func NewManager() (*Manager, error) {
	curve := ecdh.P256()
	priv, err := curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate local keypair: %w", err)
	}

	m := &Manager{
		curve:    curve,
		localKey: priv,
		peerKeys: make(map[string]cipher.AEAD),
		logger:   slog.Default().With("component", "cryptoenvelope"),
	}
	m.localSPKI = base64.StdEncoding.EncodeToString(priv.PublicKey().Bytes())
	return m, nil
}

// ExportLocalPublicKey returns the base64-encoded raw P-256 public key to
// send to a peer via key-exchange.
func (m *Manager) ExportLocalPublicKey() string {
	return m.localSPKI
}

// ImportPeerPublicKey decodes a peer's base64 public key, performs ECDH,
// and derives + stores the AES-256-GCM key for that peer. Both sides
// derive the same key without further round-trips.
func (m *Manager) ImportPeerPublicKey(peerID, b64 string) error {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return fmt.Errorf("decode peer public key: %w", err)
	}

	peerPub, err := m.curve.NewPublicKey(raw)
	if err != nil {
		return fmt.Errorf("parse peer public key: %w", err)
	}

	shared, err := m.localKey.ECDH(peerPub)
	if err != nil {
		return fmt.Errorf("ecdh agreement: %w", err)
	}

	aead, err := deriveAEAD(shared)
	if err != nil {
		return fmt.Errorf("derive peer key: %w", err)
	}

	m.mu.Lock()
	m.peerKeys[peerID] = aead
	m.mu.Unlock()

	m.logger.Debug("peer shared key installed", "peer", peerID)
	return nil
}

// HasPeerKey reports whether a shared secret has been derived for peerID.
func (m *Manager) HasPeerKey(peerID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.peerKeys[peerID]
	return ok
}

// ForgetPeer discards the shared secret for peerID, e.g. on peer-left.
func (m *Manager) ForgetPeer(peerID string) {
	m.mu.Lock()
	delete(m.peerKeys, peerID)
	m.mu.Unlock()
}

// SetRoomPassword derives the room key by PBKDF2-SHA256 from
// (password, "clouddrop-room-<roomCode>") and stores it in memory.
func (m *Manager) SetRoomPassword(password, roomCode string, minLength int) error {
	if len(password) < minLength {
		return ErrPasswordTooShort
	}

	salt := []byte("clouddrop-room-" + roomCode)
	key := pbkdf2.Key([]byte(password), salt, pbkdf2Iterations, 32, sha256.New)

	aead, err := deriveAEAD(key)
	if err != nil {
		return fmt.Errorf("derive room key: %w", err)
	}

	m.roomMu.Lock()
	m.roomKey = aead
	m.roomMu.Unlock()
	return nil
}

// ClearRoomPassword discards the in-memory room key, e.g. on leave.
func (m *Manager) ClearRoomPassword() {
	m.roomMu.Lock()
	m.roomKey = nil
	m.roomMu.Unlock()
}

// HasRoomPassword reports whether a room key is currently held.
func (m *Manager) HasRoomPassword() bool {
	m.roomMu.RLock()
	defer m.roomMu.RUnlock()
	return m.roomKey != nil
}

// EncryptChunk wraps plaintext in the dual-layer envelope described in
// spec §4.1: plaintext -> (optional) room-key AES-GCM -> peer-key AES-GCM.
// Wire layout: [1 byte roomIvLen][roomIv? 12 bytes][peerIv 12 bytes][ciphertext].
func (m *Manager) EncryptChunk(peerID string, plaintext []byte) ([]byte, error) {
	m.mu.RLock()
	peerAEAD, ok := m.peerKeys[peerID]
	m.mu.RUnlock()
	if !ok {
		return nil, &NoSharedKeyError{PeerID: peerID}
	}

	m.roomMu.RLock()
	roomAEAD := m.roomKey
	m.roomMu.RUnlock()

	payload := plaintext
	var roomIV []byte
	if roomAEAD != nil {
		var err error
		roomIV, payload, err = sealLayer(roomAEAD, payload)
		if err != nil {
			return nil, fmt.Errorf("room layer: %w", err)
		}
	}

	peerIV, ciphertext, err := sealLayer(peerAEAD, payload)
	if err != nil {
		return nil, fmt.Errorf("peer layer: %w", err)
	}

	out := make([]byte, 0, 1+len(roomIV)+len(peerIV)+len(ciphertext))
	out = append(out, byte(len(roomIV)))
	out = append(out, roomIV...)
	out = append(out, peerIV...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecryptChunk reverses EncryptChunk. If the wire frame carries no room
// layer but the receiver has a room key set, the room layer is still
// optional and the frame is accepted as peer-only. If the frame carries a
// room layer but the receiver has no room key, ErrRoomKeyMissing is
// returned. A failed AEAD authentication at either layer is surfaced as
// ErrDecryptionFailed and is never retried.
func (m *Manager) DecryptChunk(peerID string, frame []byte) ([]byte, error) {
	if len(frame) < 1 {
		return nil, fmt.Errorf("%w: empty frame", ErrDecryptionFailed)
	}

	roomIVLen := int(frame[0])
	frame = frame[1:]
	if roomIVLen != 0 && roomIVLen != peerIVSize {
		return nil, fmt.Errorf("%w: invalid room IV length %d", ErrDecryptionFailed, roomIVLen)
	}
	if len(frame) < roomIVLen+peerIVSize {
		return nil, fmt.Errorf("%w: truncated frame", ErrDecryptionFailed)
	}

	var roomIV []byte
	if roomIVLen > 0 {
		roomIV = frame[:roomIVLen]
		frame = frame[roomIVLen:]
	}

	peerIV := frame[:peerIVSize]
	ciphertext := frame[peerIVSize:]

	m.mu.RLock()
	peerAEAD, ok := m.peerKeys[peerID]
	m.mu.RUnlock()
	if !ok {
		return nil, &NoSharedKeyError{PeerID: peerID}
	}

	plaintext, err := peerAEAD.Open(nil, peerIV, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: peer layer auth failed", ErrDecryptionFailed)
	}

	if roomIVLen > 0 {
		m.roomMu.RLock()
		roomAEAD := m.roomKey
		m.roomMu.RUnlock()
		if roomAEAD == nil {
			return nil, ErrRoomKeyMissing
		}
		plaintext, err = roomAEAD.Open(nil, roomIV, plaintext, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: room layer auth failed", ErrDecryptionFailed)
		}
	}

	return plaintext, nil
}

func sealLayer(aead cipher.AEAD, plaintext []byte) (iv, ciphertext []byte, err error) {
	iv = make([]byte, peerIVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, nil, fmt.Errorf("generate iv: %w", err)
	}
	ciphertext = aead.Seal(nil, iv, plaintext, nil)
	return iv, ciphertext, nil
}

func deriveAEAD(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
