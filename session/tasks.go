package session

import (
	"context"
	"net"
	"strconv"
	"time"

	"golang.org/x/xerrors"

	"github.com/lanikai/p2pcall/internal/dtls"
	"github.com/lanikai/p2pcall/internal/jitter"
	"github.com/lanikai/p2pcall/internal/rtcp"
	"github.com/lanikai/p2pcall/internal/rtp"
	"github.com/lanikai/p2pcall/internal/sctp"
	"github.com/lanikai/p2pcall/internal/srtp"
)

const udpReadBufferSize = 2048

// Establish runs ICE connectivity checks, the DTLS handshake, SRTP key
// export, and SCTP association/data-channel setup, then starts the three
// background tasks (send, receive, decode) that carry the session for the
// rest of its lifetime. It blocks until the data channel is open, ctx is
// done, or a fatal error occurs.
func (s *Session) Establish(ctx context.Context) error {
	s.mu.Lock()
	if s.state != StateRemoteDescribed {
		s.mu.Unlock()
		return ErrWrongState
	}
	if err := s.iceAgent.FormPairs(); err != nil {
		s.mu.Unlock()
		return xerrors.Errorf("session: %w", err)
	}
	pair, ok := s.iceAgent.BestPair()
	if !ok {
		s.mu.Unlock()
		return ErrNoCompatiblePairs
	}
	s.conn = s.iceAgent.Conn()
	remote, err := net.ResolveUDPAddr("udp", net.JoinHostPort(pair.Remote.IP, strconv.Itoa(pair.Remote.Port)))
	if err != nil {
		s.mu.Unlock()
		return xerrors.Errorf("session: resolve remote candidate: %w", err)
	}
	s.remote = remote
	s.mu.Unlock()

	if err := s.runHandshake(ctx); err != nil {
		s.setState(StateClosing)
		return err
	}
	s.setState(StateConnected)

	s.wg.Add(3)
	go s.receiveTask()
	go s.sendTask()
	go s.decodeTask()

	if err := s.openDataChannel(ctx); err != nil {
		return err
	}
	s.setState(StateDataChannelOpen)
	return nil
}

// runHandshake drives the DTLS handshake to completion over the selected
// ICE pair, then derives the SRTP encrypt/decrypt contexts and starts the
// SCTP association.
func (s *Session) runHandshake(ctx context.Context) error {
	s.setState(StateConnecting)

	var err error
	if s.role == RoleOfferer {
		s.engine, err = dtls.NewClientEngine(s.cert, s.remoteFingerprint)
	} else {
		s.engine, err = dtls.NewServerEngine(s.cert, s.remoteFingerprint)
	}
	if err != nil {
		return xerrors.Errorf("session: %w", err)
	}
	if err := s.engine.Start(time.Now()); err != nil {
		return xerrors.Errorf("session: dtls start: %w", err)
	}

	buf := make([]byte, udpReadBufferSize)
	deadline := time.Now().Add(s.cfg.HandshakeTimeout)
	for s.engine.State() != dtls.StateConnected {
		for _, pkt := range s.engine.TakePendingPackets() {
			if _, err := s.conn.WriteToUDP(pkt, s.remote); err != nil {
				return xerrors.Errorf("session: write dtls packet: %w", err)
			}
		}
		if s.engine.State() == dtls.StateFailed {
			return xerrors.Errorf("session: dtls handshake failed: %w", s.engine.Err())
		}
		if time.Now().After(deadline) {
			return dtls.ErrHandshakeTimeout
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.engine.CheckTimeout(time.Now())
				continue
			}
			return xerrors.Errorf("session: read during handshake: %w", err)
		}
		if err := s.engine.HandlePacket(buf[:n], time.Now()); err != nil {
			return xerrors.Errorf("session: dtls handshake: %w", err)
		}
	}

	localKey, localSalt, remoteKey, remoteSalt, err := s.engine.ExportSRTPKeys()
	if err != nil {
		return xerrors.Errorf("session: export srtp keys: %w", err)
	}
	s.localSRTP = srtp.NewContext(localKey, localSalt)
	s.remoteSRTP = srtp.NewContext(remoteKey, remoteSalt)

	sctpRole := sctp.RoleClient
	if s.role == RoleAnswerer {
		sctpRole = sctp.RoleServer
	}
	assoc, err := sctp.NewAssociation(sctpRole)
	if err != nil {
		return xerrors.Errorf("session: new association: %w", err)
	}
	s.assoc = assoc
	s.dcManager = sctp.NewManager(assoc)
	if err := assoc.Start(); err != nil {
		return xerrors.Errorf("session: start association: %w", err)
	}
	return nil
}

// openDataChannel drives SCTP association establishment and DCEP
// negotiation to completion, pumping the association through the DTLS
// record layer until the file-transfer channel opens.
func (s *Session) openDataChannel(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.EstablishTimeout)
	if s.role == RoleOfferer {
		if _, err := s.dcManager.OpenChannel(dataChannelStreamID, dataChannelLabel); err != nil {
			return xerrors.Errorf("session: open data channel: %w", err)
		}
	}
	for {
		s.pumpSCTPIntoDTLS()
		s.dcManager.Pump()
		for _, ev := range s.dcManager.PollEvents() {
			if ev.Kind == sctp.EventChannelOpened && ev.StreamID == dataChannelStreamID {
				ch, ok := s.dcManager.Channel(dataChannelStreamID)
				if !ok {
					return xerrors.New("session: data channel opened but not found in manager")
				}
				s.dataChan = ch
				s.fileXfer = newFileTransferManager(s.dcManager, s.dataChan)
				return nil
			}
		}
		if time.Now().After(deadline) {
			return xerrors.New("session: data channel did not open in time")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sctpPumpInterval):
		}
	}
}

// pumpSCTPIntoDTLS feeds everything the association wants sent through the
// DTLS engine as application data, then flushes the resulting outbound
// DTLS records to the wire and hands any newly decrypted SCTP packets back
// to the association.
func (s *Session) pumpSCTPIntoDTLS() {
	for {
		pkt, ok := s.assoc.PollSend()
		if !ok {
			break
		}
		if s.dataChan != nil {
			s.dataChan.PumpSendCallback(len(pkt))
		}
		if err := s.engine.SendApplicationData(pkt); err != nil {
			log.Warn("sctp->dtls: %v", err)
			break
		}
	}
	for _, pkt := range s.engine.TakePendingPackets() {
		if _, err := s.conn.WriteToUDP(pkt, s.remote); err != nil {
			log.Warn("write dtls packet: %v", err)
		}
	}
	for _, pkt := range s.engine.TakeIncomingSCTP() {
		if err := s.assoc.HandlePacket(pkt, time.Now()); err != nil {
			log.Warn("sctp handle packet: %v", err)
		}
	}
}

// receiveTask is the single goroutine that owns UDP reads, classifying
// each datagram per RFC 7983 (rtp.Classify) and routing it to the DTLS
// engine or the SRTP/RTCP path. ICE connectivity checks are not re-run
// after Establish selects a pair, so STUN traffic is simply dropped here.
func (s *Session) receiveTask() {
	defer s.wg.Done()
	buf := make([]byte, udpReadBufferSize)
	for {
		select {
		case <-s.closeCh:
			return
		default:
		}
		s.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := s.conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				s.engine.CheckTimeout(time.Now())
				s.pumpSCTPIntoDTLS()
				continue
			}
			log.Warn("udp read: %v", err)
			continue
		}
		pkt := append([]byte(nil), buf[:n]...)
		switch rtp.Classify(pkt) {
		case rtp.KindDTLS:
			if err := s.engine.HandlePacket(pkt, time.Now()); err != nil {
				log.Warn("dtls: %v", err)
				continue
			}
			s.pumpSCTPIntoDTLS()
			s.dcManager.Pump()
			if s.fileXfer != nil {
				s.fileXfer.pump(s.dcManager.PollEvents())
			}
		case rtp.KindRTP:
			s.handleInboundRTP(pkt)
		case rtp.KindRTCP:
			s.handleInboundRTCP(pkt)
		}
	}
}

func (s *Session) handleInboundRTP(pkt []byte) {
	hdr, _, err := rtp.Decode(pkt)
	if err != nil {
		return
	}

	var reader *rtp.Reader
	switch hdr.PayloadType {
	case rtp.PayloadTypeH264:
		reader = s.videoReader
	case rtp.PayloadTypeOpus:
		reader = s.audioReader
	case rtp.PayloadTypeControl:
		reader = s.controlReader
	default:
		return
	}

	index, ok := reader.Accept(hdr.Sequence)
	if !ok {
		return
	}
	payload, err := s.remoteSRTP.UnprotectRTP(pkt, hdr, index)
	if err != nil {
		log.Debug("srtp unprotect: %v", err)
		return
	}
	reader.Observe(len(payload))

	switch hdr.PayloadType {
	case rtp.PayloadTypeH264:
		s.jitterBuf.Push(jitter.Packet{Sequence: hdr.Sequence, Timestamp: hdr.Timestamp, Payload: payload, Index: index}, time.Now())
	case rtp.PayloadTypeOpus:
		s.pushAudioFrame(s.opusDec.Depacketize(payload))
	case rtp.PayloadTypeControl:
		if msg, err := decodeControl(payload); err == nil {
			if msg.Type == CameraOff {
				s.videoReader.ResetReplayWindow()
				s.jitterBuf.Clear()
			}
			s.pushControl(msg)
		}
	}
}

func (s *Session) handleInboundRTCP(pkt []byte) {
	payload, _, err := s.remoteSRTP.UnprotectRTCP(pkt)
	if err != nil {
		return
	}
	reports, err := rtcp.Decode(payload)
	if err != nil {
		return
	}
	for _, r := range reports {
		if _, ok := r.(rtcp.Goodbye); ok {
			s.pushControl(ControlMessage{Type: ParticipantDisconnected})
		}
	}
}

// sendTask periodically emits an RTCP sender report and drains queued
// outbound media, packetizing, protecting, and writing each to the wire.
func (s *Session) sendTask() {
	defer s.wg.Done()
	srTicker := time.NewTicker(rtcpSRInterval)
	defer srTicker.Stop()
	fileTicker := time.NewTicker(sctpPumpInterval)
	defer fileTicker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case nalus := <-s.outgoingVideo:
			s.writeVideoFrame(nalus)
		case frame := <-s.outgoingAudio:
			s.writeAudioFrame(frame)
		case <-srTicker.C:
			s.writeSenderReport()
		case <-fileTicker.C:
			s.pumpSCTPIntoDTLS()
			if s.fileXfer != nil {
				s.fileXfer.pumpOutgoing()
			}
		}
	}
}

func (s *Session) writeVideoFrame(nalus [][]byte) {
	pkts, err := s.h264Enc.Packetize(nalus)
	if err != nil {
		log.Warn("h264 packetize: %v", err)
		return
	}
	for _, p := range pkts {
		s.writeRTP(p.Header, p.Payload, p.Index)
	}
}

func (s *Session) writeAudioFrame(frame []byte) {
	p := s.opusEnc.Packetize(frame, s.audioTSN)
	s.audioTSN += rtp.AudioClockRate / 50 // 20ms frames, per spec.md Section 4.7
	s.writeRTP(p.Header, p.Payload, p.Index)
}

func (s *Session) writeRTP(hdr rtp.Header, payload []byte, index uint64) {
	buf, err := rtp.Encode(hdr, payload)
	if err != nil {
		log.Warn("rtp encode: %v", err)
		return
	}
	protected, err := s.localSRTP.ProtectRTP(buf, hdr, index)
	if err != nil {
		log.Warn("srtp protect: %v", err)
		return
	}
	if _, err := s.conn.WriteToUDP(protected, s.remote); err != nil {
		log.Warn("write rtp: %v", err)
	}
}

func (s *Session) writeSenderReport() {
	sr := rtcp.SenderReport{
		SSRC:        s.videoSSRC,
		NTPTimestamp: ntpNow(),
		PacketCount: uint32(s.videoWriter.PacketCount()),
		OctetCount:  uint32(s.videoWriter.OctetCount()),
	}
	buf, err := sr.Encode()
	if err != nil {
		return
	}
	s.rtcpIndex++
	protected, err := s.localSRTP.ProtectRTCP(buf, s.rtcpIndex)
	if err != nil {
		return
	}
	if _, err := s.conn.WriteToUDP(protected, s.remote); err != nil {
		log.Warn("write rtcp sr: %v", err)
	}
}

func ntpNow() uint64 {
	const ntpEpochOffset = 2208988800
	now := time.Now()
	seconds := uint64(now.Unix()+ntpEpochOffset) << 32
	frac := (uint64(now.Nanosecond()) << 32) / 1e9
	return seconds | frac
}

// decodeTask pops in-order video packets from the jitter buffer on a
// steady tick, reassembles NAL units, and publishes completed frames.
func (s *Session) decodeTask() {
	defer s.wg.Done()
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	var frame [][]byte
	var frameTS uint32
	haveFrame := false
	for {
		select {
		case <-s.closeCh:
			return
		case now := <-ticker.C:
			for {
				p, ok := s.jitterBuf.PopNext(now)
				if !ok {
					break
				}
				nalus, err := s.h264Dec.Depacketize(rtp.Header{Timestamp: p.Timestamp, Sequence: p.Sequence}, p.Payload)
				if err != nil {
					continue
				}
				for _, n := range nalus {
					if haveFrame && n.Timestamp != frameTS {
						s.pushVideoFrame(frame, frameTS)
						frame = nil
						haveFrame = false
					}
					frame = append(frame, n.Bytes)
					frameTS = n.Timestamp
					haveFrame = true
				}
			}
		}
	}
}
