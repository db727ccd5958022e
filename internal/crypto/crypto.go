// Package crypto holds the hashing helpers used for identity and dev TLS.
package crypto

import (
	"encoding/binary"
	"errors"

	"golang.org/x/crypto/sha3"
)

const (
	globalIDLabel = "ghostnet:globalid:v1"
	devTLSLabel   = "ghostnet:devtls:v1"
)

var ErrEmptyInput = errors.New("empty identity input")

func SHA3_256(msg []byte) []byte {
	sum := sha3.Sum256(msg)
	return sum[:]
}

// KDF hashes label followed by parts. Labels keep derivations for different
// purposes apart.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		var n [4]byte
		binary.BigEndian.PutUint32(n[:], uint32(len(p)))
		h.Write(n[:])
		h.Write(p)
	}
	return h.Sum(nil)
}

// GlobalID derives the 64-bit network identity of a node from its name and
// a per-install salt. Zero is reserved for "unknown", so it is never
// returned.
func GlobalID(name string, salt []byte) (uint64, error) {
	if name == "" && len(salt) == 0 {
		return 0, ErrEmptyInput
	}
	sum := KDF(globalIDLabel, []byte(name), salt)
	id := binary.BigEndian.Uint64(sum[:8])
	if id == 0 {
		id = 1
	}
	return id, nil
}

// DevTLSSeed is the ed25519 seed of the shared development certificate.
func DevTLSSeed() []byte {
	return KDF(devTLSLabel)
}
