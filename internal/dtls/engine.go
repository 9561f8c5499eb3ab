package dtls

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/logging"
)

var log = logging.DefaultLogger.WithTag("dtls")

// Role determines which side of the handshake an Engine plays. Whichever
// peer produced the SDP offer is the DTLS client; the peer that produced
// the answer is the DTLS server.
type Role int

const (
	RoleClient Role = iota
	RoleServer
)

// State is the Engine's handshake progress.
type State int

const (
	StateNew State = iota
	StateWaitHelloVerify
	StateWaitServerFlight
	StateWaitClientHello
	StateWaitClientFlight
	StateWaitServerFinished
	StateConnected
	StateFailed
	StateClosed
)

// DefaultHandshakeTimeout is how long an Engine waits for the handshake to
// complete before failing with ErrHandshakeTimeout.
const DefaultHandshakeTimeout = 5 * time.Second

var (
	ErrHandshakeTimeout    = xerrors.New("dtls: handshake timeout")
	ErrFingerprintMissing  = xerrors.New("dtls: no remote fingerprint configured")
	ErrFingerprintMismatch = xerrors.New("dtls: certificate fingerprint does not match SDP")
	ErrCertificateInvalid  = xerrors.New("dtls: invalid peer certificate")
	ErrTransportError      = xerrors.New("dtls: transport error")
	ErrNotConnected        = xerrors.New("dtls: handshake is not complete")
)

// Engine is a sans-IO DTLS 1.2 handshake and record-protection state
// machine. The caller feeds received UDP payloads to HandlePacket and
// drains outbound records with TakePendingPackets; nothing is written to
// or read from a socket directly by this package.
type Engine struct {
	role Role
	cert *Certificate

	haveRemoteFingerprint bool
	remoteFingerprint     [32]byte

	state State
	err   error

	clientRandom handshakeRandom
	serverRandom handshakeRandom

	cookie       []byte
	cookieSecret []byte // server only, generated at construction

	nextMessageSeq uint16
	transcript     []byte

	ecdhePriv      *ecdh.PrivateKey
	remoteECDHEKey []byte

	masterSecret []byte
	rkeys        recordKeys
	srtp         srtpKeyingMaterial

	writeEpoch uint16
	writeSeq   uint64
	readEpoch  uint16

	pending     [][]byte
	incomingApp [][]byte

	peerCertDER []byte

	deadline time.Time
}

// NewClientEngine creates an Engine that will drive the DTLS client side
// once Start is called. remoteFingerprintHex is the colon-separated
// SHA-256 fingerprint signaled in the peer's SDP answer.
func NewClientEngine(cert *Certificate, remoteFingerprintHex string) (*Engine, error) {
	e := &Engine{role: RoleClient, cert: cert, state: StateNew}
	if err := e.setRemoteFingerprint(remoteFingerprintHex); err != nil {
		return nil, err
	}
	return e, nil
}

// NewServerEngine creates an Engine that will drive the DTLS server side
// as ClientHello messages arrive. remoteFingerprintHex is the
// SHA-256 fingerprint signaled in the peer's SDP offer.
func NewServerEngine(cert *Certificate, remoteFingerprintHex string) (*Engine, error) {
	e := &Engine{role: RoleServer, cert: cert, state: StateWaitClientHello}
	if err := e.setRemoteFingerprint(remoteFingerprintHex); err != nil {
		return nil, err
	}
	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, xerrors.Errorf("dtls: generate cookie secret: %w", err)
	}
	e.cookieSecret = secret
	return e, nil
}

func (e *Engine) setRemoteFingerprint(hexValue string) error {
	if hexValue == "" {
		return ErrFingerprintMissing
	}
	fp, err := parseFingerprintHex(hexValue)
	if err != nil {
		return err
	}
	e.remoteFingerprint = fp
	e.haveRemoteFingerprint = true
	return nil
}

// Start begins the handshake. For a client, this sends the first
// ClientHello. Servers wait passively for HandlePacket instead.
func (e *Engine) Start(now time.Time) error {
	if e.role != RoleClient || e.state != StateNew {
		return nil
	}
	e.deadline = now.Add(DefaultHandshakeTimeout)
	e.clientRandom = newHandshakeRandom(now, random28())
	e.sendClientHello(nil)
	e.state = StateWaitHelloVerify
	return nil
}

// State returns the Engine's current handshake state.
func (e *Engine) State() State { return e.state }

// Err returns the error that caused StateFailed, if any.
func (e *Engine) Err() error { return e.err }

// TakePendingPackets drains and returns outbound DTLS datagrams the Engine
// has queued since the last call.
func (e *Engine) TakePendingPackets() [][]byte {
	p := e.pending
	e.pending = nil
	return p
}

// TakeIncomingSCTP drains and returns decrypted application-data payloads
// (i.e. SCTP packets) received since the last call.
func (e *Engine) TakeIncomingSCTP() [][]byte {
	p := e.incomingApp
	e.incomingApp = nil
	return p
}

// SendApplicationData encrypts data as an application_data record and
// queues it for sending. Requires StateConnected.
func (e *Engine) SendApplicationData(data []byte) error {
	if e.state != StateConnected {
		return ErrNotConnected
	}
	key, salt := e.writeKeys()
	rec, err := sealRecord(key, salt, ContentTypeApplicationData, e.writeEpoch, e.writeSeq, data)
	if err != nil {
		return err
	}
	e.writeSeq++
	e.pending = append(e.pending, rec)
	return nil
}

// CheckTimeout fails the handshake with ErrHandshakeTimeout if it has not
// completed by now.
func (e *Engine) CheckTimeout(now time.Time) {
	if e.state == StateConnected || e.state == StateFailed || e.state == StateClosed {
		return
	}
	if !e.deadline.IsZero() && now.After(e.deadline) {
		e.fail(ErrHandshakeTimeout)
	}
}

// ExportSRTPKeys returns the SRTP master key/salt pairs for this side's
// write direction and the peer's write direction (= our read direction),
// ready to hand to the SRTP layer. Requires StateConnected.
func (e *Engine) ExportSRTPKeys() (localKey, localSalt, remoteKey, remoteSalt []byte, err error) {
	if e.state != StateConnected {
		return nil, nil, nil, nil, ErrNotConnected
	}
	if e.role == RoleClient {
		return e.srtp.clientWriteKey, e.srtp.clientWriteSalt, e.srtp.serverWriteKey, e.srtp.serverWriteSalt, nil
	}
	return e.srtp.serverWriteKey, e.srtp.serverWriteSalt, e.srtp.clientWriteKey, e.srtp.clientWriteSalt, nil
}

func (e *Engine) fail(err error) {
	e.state = StateFailed
	e.err = err
	log.Warn("handshake failed: %v", err)
}

func (e *Engine) writeKeys() (key, salt []byte) {
	if e.role == RoleClient {
		return e.rkeys.clientWriteKey, e.rkeys.clientWriteSalt
	}
	return e.rkeys.serverWriteKey, e.rkeys.serverWriteSalt
}

func (e *Engine) readKeys() (key, salt []byte) {
	if e.role == RoleClient {
		return e.rkeys.serverWriteKey, e.rkeys.serverWriteSalt
	}
	return e.rkeys.clientWriteKey, e.rkeys.clientWriteSalt
}

func random28() [28]byte {
	var b [28]byte
	rand.Read(b[:])
	return b
}

// HandlePacket feeds one received UDP datagram (which may contain several
// coalesced DTLS records) into the engine.
func (e *Engine) HandlePacket(data []byte, now time.Time) error {
	if e.state == StateFailed || e.state == StateClosed {
		return e.err
	}
	for len(data) > 0 {
		hdr, err := parseRecordHeader(data)
		if err != nil {
			e.fail(err)
			return err
		}
		if recordHeaderLength+int(hdr.length) > len(data) {
			e.fail(ErrTransportError)
			return ErrTransportError
		}
		fragment := data[recordHeaderLength : recordHeaderLength+int(hdr.length)]
		data = data[recordHeaderLength+int(hdr.length):]

		if err := e.handleRecord(hdr, fragment, now); err != nil {
			e.fail(err)
			return err
		}
	}
	return nil
}

func (e *Engine) handleRecord(hdr recordHeader, fragment []byte, now time.Time) error {
	switch hdr.contentType {
	case ContentTypeHandshake:
		if hdr.epoch > 0 {
			key, salt := e.readKeys()
			plain, err := openRecord(key, salt, hdr, fragment)
			if err != nil {
				return err
			}
			fragment = plain
		}
		return e.handleHandshakeFragment(fragment, now)
	case ContentTypeChangeCipherSpec:
		e.readEpoch = hdr.epoch + 1
		return nil
	case ContentTypeApplicationData:
		key, salt := e.readKeys()
		plain, err := openRecord(key, salt, hdr, fragment)
		if err != nil {
			return err
		}
		e.incomingApp = append(e.incomingApp, plain)
		return nil
	case ContentTypeAlert:
		return xerrors.New("dtls: received alert")
	default:
		return xerrors.New("dtls: unknown record content type")
	}
}

// handleHandshakeFragment walks one or more concatenated handshake
// messages out of a single record's fragment.
func (e *Engine) handleHandshakeFragment(fragment []byte, now time.Time) error {
	for len(fragment) > 0 {
		hh, err := parseHandshakeHeader(fragment)
		if err != nil {
			return err
		}
		total := handshakeHeaderLength + int(hh.length)
		if total > len(fragment) {
			return xerrors.New("dtls: truncated handshake message")
		}
		body := fragment[handshakeHeaderLength:total]
		msg := fragment[:total]
		fragment = fragment[total:]

		if err := e.handleHandshakeMessage(hh, body, msg, now); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) handleHandshakeMessage(hh handshakeHeader, body, raw []byte, now time.Time) error {
	switch hh.messageType {
	case HandshakeTypeHelloVerifyRequest:
		return e.onHelloVerifyRequest(body)
	case HandshakeTypeClientHello:
		return e.onClientHello(body, raw, now)
	case HandshakeTypeServerHello:
		e.transcript = append(e.transcript, raw...)
		return e.onServerHello(body)
	case HandshakeTypeCertificate:
		e.transcript = append(e.transcript, raw...)
		return e.onCertificate(body)
	case HandshakeTypeServerKeyExchange:
		e.transcript = append(e.transcript, raw...)
		return e.onServerKeyExchange(body)
	case HandshakeTypeServerHelloDone:
		e.transcript = append(e.transcript, raw...)
		return e.onServerHelloDone(now)
	case HandshakeTypeClientKeyExchange:
		e.transcript = append(e.transcript, raw...)
		return e.onClientKeyExchange(body)
	case HandshakeTypeFinished:
		return e.onFinished(body, raw)
	default:
		return xerrors.Errorf("dtls: unexpected handshake message type %d", hh.messageType)
	}
}

// --- Client side ---

func (e *Engine) sendClientHello(cookie []byte) {
	ch := clientHelloBody{
		random:             e.clientRandom,
		cookie:             cookie,
		cipherSuites:       []cipherSuite{CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256},
		compressionMethods: []uint8{0},
		extensions: []extension{
			useSRTPExtension([]protectionProfile{ProfileAES128CmHmacSha1_80}),
			signatureAlgorithmsExtension(),
			supportedGroupsExtension(),
		},
	}
	body := ch.marshal()
	raw := e.wrapHandshake(HandshakeTypeClientHello, body)
	// Only the second ClientHello (with the server's cookie echoed back)
	// enters the Finished transcript, per RFC 6347 Section 4.2.1.
	if len(cookie) > 0 {
		e.transcript = append(e.transcript, raw...)
	}
	e.queueRecord(ContentTypeHandshake, raw)
}

func (e *Engine) onHelloVerifyRequest(body []byte) error {
	if e.state != StateWaitHelloVerify {
		return nil
	}
	hv, err := parseHelloVerifyRequest(body)
	if err != nil {
		return err
	}
	e.cookie = hv.cookie
	e.sendClientHello(e.cookie)
	e.state = StateWaitServerFlight
	return nil
}

func (e *Engine) onServerHello(body []byte) error {
	sh, err := parseServerHello(body)
	if err != nil {
		return err
	}
	if sh.cipherSuite != CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256 {
		return xerrors.New("dtls: server selected an unsupported cipher suite")
	}
	if data, ok := findExtension(sh.extensions, ExtensionUseSRTP); ok {
		profiles, err := parseUseSRTP(data)
		if err != nil {
			return err
		}
		if !containsProfile(profiles, ProfileAES128CmHmacSha1_80) {
			return xerrors.New("dtls: server did not accept our SRTP protection profile")
		}
	}
	e.serverRandom = sh.random
	return nil
}

func (e *Engine) onCertificate(body []byte) error {
	cert, err := parseCertificate(body)
	if err != nil {
		return err
	}
	if len(cert.certificates) == 0 {
		return ErrCertificateInvalid
	}
	e.peerCertDER = cert.certificates[0]
	if !e.haveRemoteFingerprint {
		return ErrFingerprintMissing
	}
	if sha256.Sum256(e.peerCertDER) != e.remoteFingerprint {
		return ErrFingerprintMismatch
	}
	return nil
}

func (e *Engine) onServerKeyExchange(body []byte) error {
	ske, err := parseServerKeyExchange(body)
	if err != nil {
		return err
	}
	if ske.namedCurve != 0x001D {
		return xerrors.New("dtls: server offered an unsupported curve")
	}
	if err := e.verifyServerKeyExchangeSignature(ske); err != nil {
		return err
	}
	e.remoteECDHEKey = ske.publicKey
	return nil
}

func (e *Engine) verifyServerKeyExchangeSignature(ske serverKeyExchangeBody) error {
	cert, err := x509.ParseCertificate(e.peerCertDER)
	if err != nil {
		return xerrors.Errorf("%w: %v", ErrCertificateInvalid, err)
	}
	pub, ok := cert.PublicKey.(*ecdsa.PublicKey)
	if !ok {
		return ErrCertificateInvalid
	}

	signed := signedParams(e.clientRandom, e.serverRandom, ske.namedCurve, ske.publicKey)
	digest := sha256.Sum256(signed)
	if !ecdsa.VerifyASN1(pub, digest[:], ske.signature) {
		return xerrors.New("dtls: ServerKeyExchange signature verification failed")
	}
	return nil
}

// signedParams is the data ServerKeyExchange's signature covers (RFC 4492
// Section 5.4): client_random || server_random || ECParameters || point.
func signedParams(clientRandom, serverRandom handshakeRandom, namedCurve uint16, publicKey []byte) []byte {
	var b []byte
	b = append(b, clientRandom.marshal()...)
	b = append(b, serverRandom.marshal()...)
	b = append(b, 0x03) // named_curve
	b = appendUint16(b, namedCurve)
	b = appendUint8LenPrefixed(b, publicKey)
	return b
}

func (e *Engine) onServerHelloDone(now time.Time) error {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return xerrors.Errorf("dtls: generate ECDHE key: %w", err)
	}
	e.ecdhePriv = priv

	remotePub, err := ecdh.X25519().NewPublicKey(e.remoteECDHEKey)
	if err != nil {
		return xerrors.Errorf("dtls: invalid server ECDHE public key: %w", err)
	}
	shared, err := priv.ECDH(remotePub)
	if err != nil {
		return xerrors.Errorf("dtls: ECDH: %w", err)
	}

	e.finishKeyExchange(shared)

	cke := clientKeyExchangeBody{publicKey: priv.PublicKey().Bytes()}
	ckeRaw := e.wrapHandshake(HandshakeTypeClientKeyExchange, cke.marshal())
	e.transcript = append(e.transcript, ckeRaw...)
	e.queueRecord(ContentTypeHandshake, ckeRaw)

	e.queueRecord(ContentTypeChangeCipherSpec, []byte{1})
	e.writeEpoch = 1
	e.writeSeq = 0

	e.sendFinished("client finished")
	e.state = StateWaitServerFinished
	e.deadline = now.Add(DefaultHandshakeTimeout)
	return nil
}

func (e *Engine) onClientKeyExchange(body []byte) error {
	cke, err := parseClientKeyExchange(body)
	if err != nil {
		return err
	}
	remotePub, err := ecdh.X25519().NewPublicKey(cke.publicKey)
	if err != nil {
		return xerrors.Errorf("dtls: invalid client ECDHE public key: %w", err)
	}
	shared, err := e.ecdhePriv.ECDH(remotePub)
	if err != nil {
		return xerrors.Errorf("dtls: ECDH: %w", err)
	}
	e.finishKeyExchange(shared)
	e.state = StateWaitClientFlight
	return nil
}

func (e *Engine) finishKeyExchange(preMasterSecret []byte) {
	cr := e.clientRandom.marshal()
	sr := e.serverRandom.marshal()
	e.masterSecret = deriveMasterSecret(preMasterSecret, cr, sr)
	e.rkeys = deriveRecordKeys(e.masterSecret, cr, sr)
	e.srtp = exportSRTPKeyingMaterial(e.masterSecret, cr, sr)
}

func (e *Engine) sendFinished(label string) {
	h := sha256.Sum256(e.transcript)
	verifyData := finishedVerifyData(e.masterSecret, label, h[:])
	fin := finishedBody{verifyData: verifyData}
	raw := e.wrapHandshake(HandshakeTypeFinished, fin.marshal())
	e.transcript = append(e.transcript, raw...)

	key, salt := e.writeKeys()
	rec, err := sealRecord(key, salt, ContentTypeHandshake, e.writeEpoch, e.writeSeq, raw)
	if err != nil {
		e.fail(err)
		return
	}
	e.writeSeq++
	e.pending = append(e.pending, rec)
}

func (e *Engine) onFinished(body, raw []byte) error {
	var expectLabel string
	if e.role == RoleClient {
		expectLabel = "server finished"
	} else {
		expectLabel = "client finished"
	}
	h := sha256.Sum256(e.transcript)
	expected := finishedVerifyData(e.masterSecret, expectLabel, h[:])
	if !hmac.Equal(expected, body) {
		return xerrors.New("dtls: Finished verify_data mismatch")
	}

	if e.role == RoleClient {
		e.state = StateConnected
		log.Info("handshake complete (client)")
		return nil
	}

	// Server: the client's Finished now joins the transcript used to
	// compute our own, then we send it and the handshake is complete.
	e.transcript = append(e.transcript, raw...)
	e.queueRecord(ContentTypeChangeCipherSpec, []byte{1})
	e.writeEpoch = 1
	e.writeSeq = 0
	e.sendFinished("server finished")
	e.state = StateConnected
	log.Info("handshake complete (server)")
	return nil
}

// --- Server side ---

func (e *Engine) onClientHello(body []byte, raw []byte, now time.Time) error {
	ch, err := parseClientHello(body)
	if err != nil {
		return err
	}

	if len(ch.cookie) == 0 {
		e.clientRandom = ch.random
		cookie := e.computeCookie(ch.random)
		hv := helloVerifyRequestBody{cookie: cookie}
		hvRaw := e.wrapHandshake(HandshakeTypeHelloVerifyRequest, hv.marshal())
		e.queueRecord(ContentTypeHandshake, hvRaw)
		return nil
	}

	expected := e.computeCookie(ch.random)
	if !hmac.Equal(expected, ch.cookie) {
		return xerrors.New("dtls: invalid ClientHello cookie")
	}

	// This is the first state in which the server commits real per-
	// handshake resources: transcript begins with this ClientHello.
	e.clientRandom = ch.random
	e.transcript = append(e.transcript, raw...)
	e.deadline = now.Add(DefaultHandshakeTimeout)

	if !containsSuite(ch.cipherSuites, CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256) {
		return xerrors.New("dtls: client offered no supported cipher suite")
	}

	e.serverRandom = newHandshakeRandom(now, random28())
	sh := serverHelloBody{
		random:            e.serverRandom,
		cipherSuite:       CipherSuiteECDHE_ECDSA_AES128_GCM_SHA256,
		compressionMethod: 0,
		extensions: []extension{
			useSRTPExtension([]protectionProfile{ProfileAES128CmHmacSha1_80}),
		},
	}
	shRaw := e.wrapHandshake(HandshakeTypeServerHello, sh.marshal())
	e.transcript = append(e.transcript, shRaw...)
	e.queueRecord(ContentTypeHandshake, shRaw)

	certMsg := certificateBody{certificates: [][]byte{e.cert.DER}}
	certRaw := e.wrapHandshake(HandshakeTypeCertificate, certMsg.marshal())
	e.transcript = append(e.transcript, certRaw...)
	e.queueRecord(ContentTypeHandshake, certRaw)

	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return xerrors.Errorf("dtls: generate ECDHE key: %w", err)
	}
	e.ecdhePriv = priv

	signed := signedParams(e.clientRandom, e.serverRandom, 0x001D, priv.PublicKey().Bytes())
	digest := sha256.Sum256(signed)
	sig, err := ecdsa.SignASN1(rand.Reader, e.cert.PrivateKey, digest[:])
	if err != nil {
		return xerrors.Errorf("dtls: sign ServerKeyExchange: %w", err)
	}
	ske := serverKeyExchangeBody{
		namedCurve:    0x001D,
		publicKey:     priv.PublicKey().Bytes(),
		signatureHash: sigHashSHA256,
		signatureAlg:  sigAlgECDSA,
		signature:     sig,
	}
	skeRaw := e.wrapHandshake(HandshakeTypeServerKeyExchange, ske.marshal())
	e.transcript = append(e.transcript, skeRaw...)
	e.queueRecord(ContentTypeHandshake, skeRaw)

	doneRaw := e.wrapHandshake(HandshakeTypeServerHelloDone, nil)
	e.transcript = append(e.transcript, doneRaw...)
	e.queueRecord(ContentTypeHandshake, doneRaw)

	e.state = StateWaitClientFlight
	return nil
}

func (e *Engine) computeCookie(clientRandom handshakeRandom) []byte {
	mac := hmac.New(sha256.New, e.cookieSecret)
	mac.Write(clientRandom.marshal())
	return mac.Sum(nil)[:16]
}

func (e *Engine) wrapHandshake(t HandshakeType, body []byte) []byte {
	hh := handshakeHeader{
		messageType:    t,
		length:         uint32(len(body)),
		messageSeq:     e.nextMessageSeq,
		fragmentOffset: 0,
		fragmentLength: uint32(len(body)),
	}
	e.nextMessageSeq++
	return append(hh.marshal(), body...)
}

func (e *Engine) queueRecord(ct ContentType, body []byte) {
	if e.writeEpoch == 0 {
		hdr := recordHeader{contentType: ct, epoch: e.writeEpoch, sequenceNumber: e.writeSeq, length: uint16(len(body))}
		e.writeSeq++
		e.pending = append(e.pending, append(hdr.marshal(), body...))
		return
	}
	key, salt := e.writeKeys()
	rec, err := sealRecord(key, salt, ct, e.writeEpoch, e.writeSeq, body)
	if err != nil {
		e.fail(err)
		return
	}
	e.writeSeq++
	e.pending = append(e.pending, rec)
}

func containsSuite(suites []cipherSuite, want cipherSuite) bool {
	for _, s := range suites {
		if s == want {
			return true
		}
	}
	return false
}

func containsProfile(profiles []protectionProfile, want protectionProfile) bool {
	for _, p := range profiles {
		if p == want {
			return true
		}
	}
	return false
}
