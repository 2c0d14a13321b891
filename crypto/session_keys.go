package crypto

import (
	"crypto/sha256"
	"io"

	"golang.org/x/crypto/hkdf"
)

// DeriveSessionKeys expands a combined handshake secret into a pair of
// directional AEAD keys using HKDF-SHA256, labelled per spec.md section
// 4.4 ("derive AEAD key with session-key label"). The client's send key is
// the server's receive key and vice versa.
func DeriveSessionKeys(secret [32]byte, label string) (clientToServer, serverToClient [32]byte) {
	r := hkdf.New(sha256.New, secret[:], nil, []byte(label))

	if _, err := io.ReadFull(r, clientToServer[:]); err != nil {
		panic("crypto: hkdf expansion failed: " + err.Error())
	}
	if _, err := io.ReadFull(r, serverToClient[:]); err != nil {
		panic("crypto: hkdf expansion failed: " + err.Error())
	}
	return clientToServer, serverToClient
}
