package sctp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"
)

// cookieLifetime bounds how long a COOKIE-ECHO may lag behind the INIT-ACK
// that produced its cookie.
const cookieLifetime = 60 * time.Second

const cookieMACSize = sha256.Size

// newServerCookieSecret generates a fresh per-association HMAC key. The
// server records the peer's tag, initial TSN and window when it answers the
// INIT, but only reaches Established once the client echoes a cookie that
// verifies against this key.
func newServerCookieSecret() ([]byte, error) {
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, xerrors.Errorf("sctp: generate cookie secret: %w", err)
	}
	return secret, nil
}

// makeCookie builds an opaque 32+-byte cookie embedding the peer's
// initiate tag, initial TSN, and the issuing timestamp, MAC'd with the
// server's per-association secret so a COOKIE-ECHO can be checked against
// the cookie the server issued.
func makeCookie(secret []byte, peerInitiateTag, peerInitialTSN uint32, now time.Time) []byte {
	var payload [16]byte
	binary.BigEndian.PutUint32(payload[0:4], peerInitiateTag)
	binary.BigEndian.PutUint32(payload[4:8], peerInitialTSN)
	binary.BigEndian.PutUint64(payload[8:16], uint64(now.Unix()))

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload[:])
	sum := mac.Sum(nil)

	cookie := make([]byte, 0, len(payload)+len(sum))
	cookie = append(cookie, payload[:]...)
	cookie = append(cookie, sum...)
	return cookie
}

// verifyCookie checks the MAC and lifetime window on a cookie produced by
// makeCookie, returning the embedded peer initiate tag and initial TSN.
func verifyCookie(secret, cookie []byte, now time.Time) (peerInitiateTag, peerInitialTSN uint32, err error) {
	if len(cookie) != 16+cookieMACSize {
		return 0, 0, xerrors.New("sctp: malformed cookie")
	}
	payload := cookie[:16]
	sum := cookie[16:]

	mac := hmac.New(sha256.New, secret)
	mac.Write(payload)
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, sum) {
		return 0, 0, xerrors.New("sctp: cookie MAC mismatch")
	}

	issued := time.Unix(int64(binary.BigEndian.Uint64(payload[8:16])), 0)
	if now.Sub(issued) > cookieLifetime || issued.After(now) {
		return 0, 0, xerrors.New("sctp: cookie expired")
	}

	peerInitiateTag = binary.BigEndian.Uint32(payload[0:4])
	peerInitialTSN = binary.BigEndian.Uint32(payload[4:8])
	return peerInitiateTag, peerInitialTSN, nil
}
