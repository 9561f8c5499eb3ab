package dtls

import (
	"crypto/hmac"
	"crypto/sha256"
)

// prf implements the TLS 1.2 pseudorandom function (RFC 5246 Section 5),
// here fixed to P_SHA256 since AES-128-GCM-SHA256 is the only cipher
// suite this engine negotiates.
func prf(secret, label, seed []byte, length int) []byte {
	out := make([]byte, 0, length)
	a := append(append([]byte(nil), label...), seed...)

	for len(out) < length {
		a = hmacSum(secret, a)
		chunk := hmacSum(secret, append(append([]byte(nil), a...), append(append([]byte(nil), label...), seed...)...))
		out = append(out, chunk...)
	}
	return out[:length]
}

func hmacSum(key, data []byte) []byte {
	m := hmac.New(sha256.New, key)
	m.Write(data)
	return m.Sum(nil)
}

// masterSecretLength is fixed by TLS 1.2 (RFC 5246 Section 8.1).
const masterSecretLength = 48

// deriveMasterSecret implements RFC 5246 Section 8.1:
//
//	master_secret = PRF(pre_master_secret, "master secret",
//	                     ClientHello.random + ServerHello.random)
func deriveMasterSecret(preMasterSecret, clientRandom, serverRandom []byte) []byte {
	seed := append(append([]byte(nil), clientRandom...), serverRandom...)
	return prf(preMasterSecret, []byte("master secret"), seed, masterSecretLength)
}

// verifyDataLength is 12 bytes for every TLS 1.2 cipher suite (RFC 5246
// Section 7.4.9).
const verifyDataLength = 12

// finishedVerifyData implements RFC 5246 Section 7.4.9:
//
//	verify_data = PRF(master_secret, finished_label, Hash(handshake_messages))
func finishedVerifyData(masterSecret []byte, label string, transcriptHash []byte) []byte {
	return prf(masterSecret, []byte(label), transcriptHash, verifyDataLength)
}

// srtpKeyingMaterial is the result of the DTLS-SRTP key export (RFC 5764
// Section 4.2): one (key, salt) pair per direction.
type srtpKeyingMaterial struct {
	clientWriteKey  []byte
	serverWriteKey  []byte
	clientWriteSalt []byte
	serverWriteSalt []byte
}

const (
	srtpKeyLength  = 16 // AES-128
	srtpSaltLength = 14
)

// exportSRTPKeyingMaterial implements the "EXTRACTOR-dtls_srtp" exporter
// (RFC 5764 Section 4.2): 2*(16-byte key + 14-byte salt) = 60 bytes of
// keying material, derived the same way as a TLS exporter (RFC 5705),
// which for TLS 1.2 reduces to PRF(master_secret, label, client_random ||
// server_random).
func exportSRTPKeyingMaterial(masterSecret, clientRandom, serverRandom []byte) srtpKeyingMaterial {
	seed := append(append([]byte(nil), clientRandom...), serverRandom...)
	material := prf(masterSecret, []byte("EXTRACTOR-dtls_srtp"), seed, 2*(srtpKeyLength+srtpSaltLength))

	var m srtpKeyingMaterial
	off := 0
	m.clientWriteKey = material[off : off+srtpKeyLength]
	off += srtpKeyLength
	m.serverWriteKey = material[off : off+srtpKeyLength]
	off += srtpKeyLength
	m.clientWriteSalt = material[off : off+srtpSaltLength]
	off += srtpSaltLength
	m.serverWriteSalt = material[off : off+srtpSaltLength]
	return m
}

// recordKeyLength and recordSaltLength size the per-direction key material
// derived for record protection: a 16-byte AES-128 key plus a 4-byte implicit GCM salt (RFC
// 5288 Section 3), for both the client-write and server-write directions.
const (
	recordKeyLength = 16
	recordSaltLength = 4
)

type recordKeys struct {
	clientWriteKey  []byte
	serverWriteKey  []byte
	clientWriteSalt []byte
	serverWriteSalt []byte
}

// deriveRecordKeys implements RFC 5246 Section 6.3's key_block derivation,
// restricted to the AEAD case (no MAC keys, only fixed IV/salt per RFC
// 5288 Section 3).
func deriveRecordKeys(masterSecret, clientRandom, serverRandom []byte) recordKeys {
	seed := append(append([]byte(nil), serverRandom...), clientRandom...)
	block := prf(masterSecret, []byte("key expansion"), seed, 2*(recordKeyLength+recordSaltLength))

	var k recordKeys
	off := 0
	k.clientWriteKey = block[off : off+recordKeyLength]
	off += recordKeyLength
	k.serverWriteKey = block[off : off+recordKeyLength]
	off += recordKeyLength
	k.clientWriteSalt = block[off : off+recordSaltLength]
	off += recordSaltLength
	k.serverWriteSalt = block[off : off+recordSaltLength]
	return k
}
