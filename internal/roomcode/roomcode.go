// Package roomcode generates and validates CloudDrop room codes and
// derives the password hash used to gate a room.
package roomcode

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
)

// alphabet excludes 0/O and 1/I so codes are unambiguous when read aloud
// or typed on a phone keyboard.
const alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Length is the fixed size of a room code.
const Length = 6

// MinPasswordLength is the shortest password accepted by SetRoomPassword.
const MinPasswordLength = 6

// Valid reports whether code is a well-formed room code: exactly Length
// characters, all drawn from the unambiguous alphabet, case-insensitive.
func Valid(code string) bool {
	if len(code) != Length {
		return false
	}
	up := strings.ToUpper(code)
	for _, r := range up {
		if !strings.ContainsRune(alphabet, r) {
			return false
		}
	}
	return true
}

// Canonical upper-cases a room code. Callers must validate with Valid
// before trusting the result.
func Canonical(code string) string {
	return strings.ToUpper(code)
}

// FromNetworkPrefix derives a deterministic 8-character room code from a
// client's IP address, used for auto-assignment when no room code is
// supplied on connect. IPv4 uses the first three octets, IPv6 uses the
// first four 16-bit groups, and loopback/unparseable addresses fall back
// to the literal "localhost". The network part is SHA-256'd and the first
// eight hex digits (upper-cased) become the code. Being eight hex digits
// long, the result never passes Valid.
func FromNetworkPrefix(ip net.IP) string {
	var part string
	switch {
	case ip == nil:
		part = "localhost"
	case ip.IsLoopback():
		part = "localhost"
	default:
		if v4 := ip.To4(); v4 != nil {
			part = fmt.Sprintf("%d.%d.%d", v4[0], v4[1], v4[2])
		} else if v6 := ip.To16(); v6 != nil {
			part = fmt.Sprintf("%x:%x:%x:%x", v6[0:2], v6[2:4], v6[4:6], v6[6:8])
		} else {
			part = "localhost"
		}
	}

	sum := sha256.Sum256([]byte(part))
	return strings.ToUpper(hex.EncodeToString(sum[:])[:8])
}

// HashPassword computes the SHA-256 hex digest of "<password>:<roomCode>:clouddrop",
// the value a peer sends as passwordHash and the hub's password gate
// compares against.
func HashPassword(password, roomCode string) string {
	composite := fmt.Sprintf("%s:%s:clouddrop", password, Canonical(roomCode))
	sum := sha256.Sum256([]byte(composite))
	return hex.EncodeToString(sum[:])
}
