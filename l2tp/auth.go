package l2tp

import (
	"crypto/md5" //nolint:gosec // MD5 is the digest the peer expects
	"encoding/binary"
)

// ChallengeResponse computes the response to a peer's Challenge AVP:
// the MD5 digest over the two-byte big-endian tunnel ID, followed by the
// shared secret and then the challenge.
//
// tunnelID is the ID the peer assigned to the tunnel.  The challenge is
// used verbatim regardless of its length.
func ChallengeResponse(tunnelID uint16, secret, challenge []byte) [16]byte {
	var tid [2]byte
	binary.BigEndian.PutUint16(tid[:], tunnelID)

	h := md5.New() //nolint:gosec
	h.Write(tid[:])
	h.Write(secret)
	h.Write(challenge)

	var out [md5.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
