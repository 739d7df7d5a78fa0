package fhe

import (
	"encoding/hex"

	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr"
	"github.com/consensys/gnark-crypto/ecc/bw6-761/fr/mimc"
)

// chunkSize keeps every written block strictly below the field modulus.
const chunkSize = fr.Bytes - 1

// mimcDigest hashes parts with MiMC over the BW6-761 scalar field. Each part
// is length-prefixed and split into canonical field elements.
func mimcDigest(parts ...[]byte) []byte {
	h := mimc.NewMiMC()
	var e fr.Element
	for _, p := range parts {
		block := e.SetUint64(uint64(len(p))).Bytes()
		h.Write(block[:])
		for len(p) > 0 {
			n := min(len(p), chunkSize)
			block = e.SetBytes(p[:n]).Bytes()
			h.Write(block[:])
			p = p[n:]
		}
	}
	return h.Sum(nil)
}

// deriveHandle builds an opaque ciphertext handle from the backend seed and a
// per-ciphertext nonce.
func deriveHandle(seed, nonce []byte) string {
	return hex.EncodeToString(mimcDigest([]byte("handle"), seed, nonce)[:20])
}

// deriveViewingSecret binds a viewing key to its owner under the backend seed.
func deriveViewingSecret(seed []byte, owner string) string {
	return hex.EncodeToString(mimcDigest([]byte("viewing-key"), seed, []byte(owner)))
}
