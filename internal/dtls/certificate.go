package dtls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"time"

	"golang.org/x/xerrors"
)

// certificateLifetime matches the 30-day default Chrome uses for its
// self-signed WebRTC identity certificates.
const certificateLifetime = 30 * 24 * time.Hour

// Certificate is a self-signed ECDSA P-256 identity, generated fresh per
// session. It is never persisted: identity is established purely by the
// SHA-256 fingerprint signaled in SDP, not by a CA chain.
type Certificate struct {
	PrivateKey  *ecdsa.PrivateKey
	DER         []byte
	Fingerprint [32]byte
}

// GenerateCertificate creates a new self-signed certificate, following the
// same template as the root package's generateCertificate: ECDSA P-256,
// random serial number, common name "WebRTC", ECDSA-SHA256 signature.
func GenerateCertificate() (*Certificate, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, xerrors.Errorf("dtls: generate key: %w", err)
	}

	serialLimit := new(big.Int).Lsh(big.NewInt(1), 128)
	serial, err := rand.Int(rand.Reader, serialLimit)
	if err != nil {
		return nil, xerrors.Errorf("dtls: generate serial: %w", err)
	}

	notBefore := time.Now()
	template := x509.Certificate{
		SignatureAlgorithm: x509.ECDSAWithSHA256,
		SerialNumber:       serial,
		Subject:            pkix.Name{CommonName: "WebRTC"},
		NotBefore:          notBefore,
		NotAfter:           notBefore.Add(certificateLifetime),
	}

	der, err := x509.CreateCertificate(rand.Reader, &template, &template, &priv.PublicKey, priv)
	if err != nil {
		return nil, xerrors.Errorf("dtls: create certificate: %w", err)
	}

	return &Certificate{
		PrivateKey:  priv,
		DER:         der,
		Fingerprint: sha256.Sum256(der),
	}, nil
}

// FingerprintHex renders the fingerprint as colon-separated uppercase hex,
// the form used in SDP's a=fingerprint attribute.
func (c *Certificate) FingerprintHex() string {
	return formatFingerprint(c.Fingerprint)
}

func formatFingerprint(fp [32]byte) string {
	const hexDigits = "0123456789ABCDEF"
	b := make([]byte, 0, 32*3-1)
	for i, v := range fp {
		if i > 0 {
			b = append(b, ':')
		}
		b = append(b, hexDigits[v>>4], hexDigits[v&0xf])
	}
	return string(b)
}

// parseFingerprintHex parses a colon-separated hex fingerprint (either
// case) as produced by FingerprintHex or a remote peer's SDP offer/answer.
func parseFingerprintHex(s string) ([32]byte, error) {
	var fp [32]byte
	parts := splitColon(s)
	if len(parts) != 32 {
		return fp, xerrors.Errorf("dtls: malformed fingerprint %q", s)
	}
	for i, p := range parts {
		v, err := hexByte(p)
		if err != nil {
			return fp, xerrors.Errorf("dtls: malformed fingerprint %q: %w", s, err)
		}
		fp[i] = v
	}
	return fp, nil
}

func splitColon(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	out = append(out, s[start:])
	return out
}

func hexByte(s string) (byte, error) {
	if len(s) != 2 {
		return 0, xerrors.New("dtls: expected 2 hex digits")
	}
	hi, err := hexNibble(s[0])
	if err != nil {
		return 0, err
	}
	lo, err := hexNibble(s[1])
	if err != nil {
		return 0, err
	}
	return hi<<4 | lo, nil
}

func hexNibble(c byte) (byte, error) {
	switch {
	case c >= '0' && c <= '9':
		return c - '0', nil
	case c >= 'a' && c <= 'f':
		return c - 'a' + 10, nil
	case c >= 'A' && c <= 'F':
		return c - 'A' + 10, nil
	default:
		return 0, xerrors.New("dtls: invalid hex digit")
	}
}
