package sctp

import (
	"bytes"
	"testing"
	"time"
)

// driveAssociations exchanges packets between two associations until both report
// Established or the round cap is hit, mirroring internal/dtls's
// driveHandshake helper.
func driveAssociations(t *testing.T, client, server *Association, now time.Time) {
	t.Helper()
	for round := 0; round < 10; round++ {
		if client.Established() && server.Established() {
			return
		}
		for _, pkt := range client.TakeControlPackets() {
			if err := server.HandlePacket(pkt, now); err != nil {
				return
			}
		}
		for _, pkt := range server.TakeControlPackets() {
			if err := client.HandlePacket(pkt, now); err != nil {
				return
			}
		}
	}
}

func TestAssociationFourWayHandshakeEstablishes(t *testing.T) {
	client, err := NewAssociation(RoleClient)
	if err != nil {
		t.Fatalf("NewAssociation(client): %v", err)
	}
	server, err := NewAssociation(RoleServer)
	if err != nil {
		t.Fatalf("NewAssociation(server): %v", err)
	}
	now := time.Unix(1700000000, 0)

	if err := client.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	driveAssociations(t, client, server, now)

	if !client.Established() {
		t.Error("client did not reach Established")
	}
	if !server.Established() {
		t.Error("server did not reach Established")
	}
}

func TestAssociationDataRoundTripAfterHandshake(t *testing.T) {
	client, _ := NewAssociation(RoleClient)
	server, _ := NewAssociation(RoleServer)
	now := time.Unix(1700000000, 0)
	client.Start()
	driveAssociations(t, client, server, now)

	payload := []byte("the quick brown fox")
	if err := client.Send(1, 53, payload); err != nil {
		t.Fatalf("Send: %v", err)
	}
	pkt, ok := client.PollSend()
	if !ok {
		t.Fatal("expected a DATA packet to send")
	}
	if err := server.HandlePacket(pkt, now); err != nil {
		t.Fatalf("server HandlePacket: %v", err)
	}

	received := server.TakeReceivedData()
	if len(received) != 1 {
		t.Fatalf("got %d received messages, want 1", len(received))
	}
	if !bytes.Equal(received[0].Payload, payload) {
		t.Errorf("payload mismatch: got %q, want %q", received[0].Payload, payload)
	}
	if received[0].PPID != 53 {
		t.Errorf("PPID = %d, want 53", received[0].PPID)
	}

	// The server should have queued a SACK in response.
	sacks := server.TakeControlPackets()
	if len(sacks) != 1 {
		t.Fatalf("got %d control packets, want 1 SACK", len(sacks))
	}
	if err := client.HandlePacket(sacks[0], now); err != nil {
		t.Fatalf("client HandlePacket(SACK): %v", err)
	}
}

func TestAssociationOutOfOrderDataReordersBeforeDelivery(t *testing.T) {
	client, _ := NewAssociation(RoleClient)
	server, _ := NewAssociation(RoleServer)
	now := time.Unix(1700000000, 0)
	client.Start()
	driveAssociations(t, client, server, now)

	client.Send(1, 53, []byte("first"))
	client.Send(1, 53, []byte("second"))
	client.Send(1, 53, []byte("third"))

	pkt1, _ := client.PollSend()
	pkt2, _ := client.PollSend()
	pkt3, _ := client.PollSend()

	// Deliver out of order: 1, 3, 2.
	server.HandlePacket(pkt1, now)
	if got := server.TakeReceivedData(); len(got) != 1 || string(got[0].Payload) != "first" {
		t.Fatalf("after packet 1: got %v", got)
	}

	server.HandlePacket(pkt3, now)
	if got := server.TakeReceivedData(); len(got) != 0 {
		t.Fatalf("after packet 3 (still a gap): expected no delivery, got %v", got)
	}

	server.HandlePacket(pkt2, now)
	got := server.TakeReceivedData()
	if len(got) != 2 || string(got[0].Payload) != "second" || string(got[1].Payload) != "third" {
		t.Fatalf("after packet 2 closes the gap: got %v", got)
	}
}

func TestAssociationSendBeforeEstablishedFails(t *testing.T) {
	client, _ := NewAssociation(RoleClient)
	if err := client.Send(1, 53, []byte("too soon")); err != ErrNotEstablished {
		t.Errorf("got err=%v, want ErrNotEstablished", err)
	}
}

func TestAssociationRetransmitsOnMissingSACKCoverage(t *testing.T) {
	client, _ := NewAssociation(RoleClient)
	server, _ := NewAssociation(RoleServer)
	now := time.Unix(1700000000, 0)
	client.Start()
	driveAssociations(t, client, server, now)

	client.Send(1, 53, []byte("alpha"))
	client.Send(1, 53, []byte("beta"))
	pktAlpha, _ := client.PollSend()
	_, _ = client.PollSend() // pktBeta, dropped in this simulation

	server.HandlePacket(pktAlpha, now)
	server.TakeReceivedData()
	sacks := server.TakeControlPackets()
	for _, s := range sacks {
		client.HandlePacket(s, now)
	}

	// beta's TSN was never covered by the SACK's cumulative ack or gap
	// blocks, so it should now be queued for retransmission.
	pkt, ok := client.PollSend()
	if !ok {
		t.Fatal("expected a retransmitted DATA packet")
	}
	if err := server.HandlePacket(pkt, now); err != nil {
		t.Fatalf("server HandlePacket(retransmit): %v", err)
	}
	got := server.TakeReceivedData()
	if len(got) != 1 || string(got[0].Payload) != "beta" {
		t.Fatalf("got %v, want retransmitted beta", got)
	}
}
