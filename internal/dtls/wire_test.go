package dtls

import (
	"bytes"
	"testing"
	"time"
)

func TestRecordHeaderRoundTrip(t *testing.T) {
	hdr := recordHeader{contentType: ContentTypeHandshake, epoch: 1, sequenceNumber: 0xABCDEF1234, length: 42}
	b := hdr.marshal()
	if len(b) != recordHeaderLength {
		t.Fatalf("marshal length = %d, want %d", len(b), recordHeaderLength)
	}
	got, err := parseRecordHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != hdr {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, hdr)
	}
}

func TestRecordHeaderEpochAndSequenceDoNotOverlap(t *testing.T) {
	hdr := recordHeader{contentType: ContentTypeApplicationData, epoch: 0xFFFF, sequenceNumber: 0, length: 0}
	b := hdr.marshal()
	if b[3] != 0xFF || b[4] != 0xFF {
		t.Fatalf("epoch bytes corrupted: %x", b[3:5])
	}
	for i := 5; i < 11; i++ {
		if b[i] != 0 {
			t.Fatalf("sequence number bytes polluted by epoch write: %x", b[5:11])
		}
	}
}

func TestHandshakeHeaderRoundTrip(t *testing.T) {
	hh := handshakeHeader{messageType: HandshakeTypeClientHello, length: 0x0102, messageSeq: 3, fragmentOffset: 0, fragmentLength: 0x0102}
	b := hh.marshal()
	if len(b) != handshakeHeaderLength {
		t.Fatalf("marshal length = %d, want %d", len(b), handshakeHeaderLength)
	}
	got, err := parseHandshakeHeader(b)
	if err != nil {
		t.Fatal(err)
	}
	if got != hh {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, hh)
	}
}

func TestClientHelloRoundTrip(t *testing.T) {
	ch := clientHelloBody{
		random:             newHandshakeRandom(time.Unix(1700000000, 0), [28]byte{1, 2, 3}),
		cookie:             []byte{0xAA, 0xBB},
		cipherSuites:       []cipherSuite{CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256},
		compressionMethods: []uint8{0},
		extensions:         []extension{useSRTPExtension([]protectionProfile{ProfileAES128CmHmacSha1_80})},
	}
	b := ch.marshal()
	got, err := parseClientHello(b)
	if err != nil {
		t.Fatal(err)
	}
	if got.random != ch.random {
		t.Fatalf("random mismatch")
	}
	if !bytes.Equal(got.cookie, ch.cookie) {
		t.Fatalf("cookie mismatch: got %x, want %x", got.cookie, ch.cookie)
	}
	if len(got.cipherSuites) != 1 || got.cipherSuites[0] != CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256 {
		t.Fatalf("cipher suites mismatch: %v", got.cipherSuites)
	}
	data, ok := findExtension(got.extensions, ExtensionUseSRTP)
	if !ok {
		t.Fatal("use_srtp extension missing after round trip")
	}
	profiles, err := parseUseSRTP(data)
	if err != nil {
		t.Fatal(err)
	}
	if len(profiles) != 1 || profiles[0] != ProfileAES128CmHmacSha1_80 {
		t.Fatalf("profiles mismatch: %v", profiles)
	}
}

func TestHelloVerifyRequestRoundTrip(t *testing.T) {
	hv := helloVerifyRequestBody{cookie: []byte{1, 2, 3, 4, 5, 6, 7, 8}}
	got, err := parseHelloVerifyRequest(hv.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.cookie, hv.cookie) {
		t.Fatalf("cookie mismatch: got %x, want %x", got.cookie, hv.cookie)
	}
}

func TestServerHelloRoundTrip(t *testing.T) {
	sh := serverHelloBody{
		random:            newHandshakeRandom(time.Unix(1700000001, 0), [28]byte{9, 9, 9}),
		cipherSuite:       CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256,
		compressionMethod: 0,
		extensions:        []extension{useSRTPExtension([]protectionProfile{ProfileAES128CmHmacSha1_80})},
	}
	got, err := parseServerHello(sh.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.random != sh.random || got.cipherSuite != sh.cipherSuite {
		t.Fatalf("mismatch: got %+v", got)
	}
}

func TestCertificateRoundTrip(t *testing.T) {
	c := certificateBody{certificates: [][]byte{{1, 2, 3}, {4, 5, 6, 7}}}
	got, err := parseCertificate(c.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if len(got.certificates) != 2 || !bytes.Equal(got.certificates[0], []byte{1, 2, 3}) || !bytes.Equal(got.certificates[1], []byte{4, 5, 6, 7}) {
		t.Fatalf("certificates mismatch: %v", got.certificates)
	}
}

func TestServerKeyExchangeRoundTrip(t *testing.T) {
	ske := serverKeyExchangeBody{
		namedCurve:    0x001D,
		publicKey:     bytes.Repeat([]byte{0x42}, 32),
		signatureHash: sigHashSHA256,
		signatureAlg:  sigAlgECDSA,
		signature:     []byte{0xDE, 0xAD, 0xBE, 0xEF},
	}
	got, err := parseServerKeyExchange(ske.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if got.namedCurve != ske.namedCurve || !bytes.Equal(got.publicKey, ske.publicKey) || !bytes.Equal(got.signature, ske.signature) {
		t.Fatalf("mismatch: got %+v", got)
	}
}

func TestClientKeyExchangeRoundTrip(t *testing.T) {
	cke := clientKeyExchangeBody{publicKey: bytes.Repeat([]byte{0x07}, 32)}
	got, err := parseClientKeyExchange(cke.marshal())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.publicKey, cke.publicKey) {
		t.Fatalf("public key mismatch")
	}
}

func TestExtensionsRoundTrip(t *testing.T) {
	exts := []extension{
		signatureAlgorithmsExtension(),
		supportedGroupsExtension(),
		useSRTPExtension([]protectionProfile{ProfileAES128CmHmacSha1_80}),
	}
	b := marshalExtensions(exts)
	got, err := parseExtensions(b)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d extensions, want 3", len(got))
	}
	for i := range exts {
		if got[i].extensionType != exts[i].extensionType || !bytes.Equal(got[i].data, exts[i].data) {
			t.Fatalf("extension %d mismatch: got %+v, want %+v", i, got[i], exts[i])
		}
	}
}
