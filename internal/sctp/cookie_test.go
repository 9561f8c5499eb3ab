package sctp

import (
	"testing"
	"time"
)

func TestCookieRoundTrip(t *testing.T) {
	secret, err := newServerCookieSecret()
	if err != nil {
		t.Fatalf("newServerCookieSecret: %v", err)
	}
	now := time.Unix(1700000000, 0)
	cookie := makeCookie(secret, 0xAABBCCDD, 0x11223344, now)

	tag, tsn, err := verifyCookie(secret, cookie, now.Add(time.Second))
	if err != nil {
		t.Fatalf("verifyCookie: %v", err)
	}
	if tag != 0xAABBCCDD || tsn != 0x11223344 {
		t.Errorf("got tag=%x tsn=%x, want tag=aabbccdd tsn=11223344", tag, tsn)
	}
}

func TestCookieRejectsWrongSecret(t *testing.T) {
	secretA, _ := newServerCookieSecret()
	secretB, _ := newServerCookieSecret()
	now := time.Unix(1700000000, 0)
	cookie := makeCookie(secretA, 1, 2, now)
	if _, _, err := verifyCookie(secretB, cookie, now); err == nil {
		t.Error("expected verification to fail with the wrong secret")
	}
}

func TestCookieRejectsExpired(t *testing.T) {
	secret, _ := newServerCookieSecret()
	now := time.Unix(1700000000, 0)
	cookie := makeCookie(secret, 1, 2, now)
	if _, _, err := verifyCookie(secret, cookie, now.Add(cookieLifetime+time.Second)); err == nil {
		t.Error("expected an expired cookie to fail verification")
	}
}

func TestCookieRejectsFutureIssuedTimestamp(t *testing.T) {
	secret, _ := newServerCookieSecret()
	now := time.Unix(1700000000, 0)
	cookie := makeCookie(secret, 1, 2, now)
	if _, _, err := verifyCookie(secret, cookie, now.Add(-time.Minute)); err == nil {
		t.Error("expected a cookie issued in the verifier's future to fail")
	}
}

func TestCookieRejectsMalformed(t *testing.T) {
	secret, _ := newServerCookieSecret()
	if _, _, err := verifyCookie(secret, []byte("too short"), time.Unix(0, 0)); err == nil {
		t.Error("expected a malformed cookie to fail verification")
	}
}
