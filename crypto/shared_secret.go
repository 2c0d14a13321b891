package crypto

import (
	"github.com/flynn/noise"
	"github.com/sphynx-net/sphynx/internal/obs"
)

var sharedSecretLog = obs.New("crypto", "DeriveSharedSecret")

// DeriveSharedSecret computes an X25519 ECDH shared secret between a local
// private scalar and a peer's raw 32-byte public key. Both ephemeral-
// ephemeral and ephemeral-static terms in the handshake (see Initiator
// and Responder) go through this helper.
func DeriveSharedSecret(privateKey [PrivateKeyBytes]byte, peerPublicKey [32]byte) [32]byte {
	log := sharedSecretLog.WithFields(obs.BytesPreview(peerPublicKey[:], "peer_key"))
	log.Debug("computing ECDH shared secret")

	privCopy := privateKey
	defer ZeroBytes(privCopy[:])

	raw, _ := noise.DH25519.DH(privCopy[:], peerPublicKey[:])

	var result [32]byte
	copy(result[:], raw)
	ZeroBytes(raw)

	log.Debug("shared secret computed")
	return result
}
