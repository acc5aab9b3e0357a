package stream

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	raftsqlerrors "github.com/nireo/raftsql/errors"
)

// handshakeProofLen is the size of the HMAC-SHA256 proof carried in the
// handshake frame.
const handshakeProofLen = sha256.Size

// computeProof derives the client's proof of the shared API secret from
// its node id, mirroring LiaLopezRosales-Agenda_Distribuida/consensus.go's
// computeHMACSHA256Hex peer-auth scheme, generalized from an HTTP request
// body to this protocol's fixed clientID payload.
func computeProof(secret []byte, clientID uint64) []byte {
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], clientID)
	mac := hmac.New(sha256.New, secret)
	mac.Write(idBuf[:])
	return mac.Sum(nil)
}

// EncodeHandshake builds the fixed handshake frame a client sends as its
// first message: its clientID followed by the HMAC proof of the shared API
// secret. Exported so the client package's stream dialer can produce the
// same frame this server verifies.
func EncodeHandshake(secret []byte, clientID uint64) []byte {
	var idBuf [8]byte
	binary.LittleEndian.PutUint64(idBuf[:], clientID)
	return append(idBuf[:], computeProof(secret, clientID)...)
}

// parseHandshake decodes the fixed 8+32 byte handshake frame: clientID
// followed by its HMAC proof.
func parseHandshake(frame []byte) (clientID uint64, proof []byte, err error) {
	if len(frame) != 8+handshakeProofLen {
		return 0, nil, raftsqlerrors.Request("malformed handshake frame: got %d bytes", len(frame))
	}
	clientID = binary.LittleEndian.Uint64(frame[:8])
	proof = frame[8:]
	return clientID, proof, nil
}

// verifyHandshake checks the client's proof in constant time, the same
// authentication the stream and raft transports both rely on a shared
// secret for (spec.md §6).
func verifyHandshake(secret []byte, clientID uint64, proof []byte) bool {
	expected := computeProof(secret, clientID)
	return hmac.Equal(expected, proof)
}
