package sctp

import (
	"bytes"
	"crypto/sha256"
	"testing"
	"time"
)

// openedChannelPair establishes an association and an already-Open
// "file-transfer" data channel on both ends, without going through the
// DCEP handshake plumbing (tested separately in datachannel_test.go).
func openedChannelPair(t *testing.T) (clientMgr, serverMgr *Manager, clientCh, serverCh *DataChannel) {
	t.Helper()
	client, server := establishedPair(t)
	clientMgr = NewManager(client)
	serverMgr = NewManager(server)
	clientCh = &DataChannel{StreamID: 1, Label: "file-transfer", state: ChannelOpen, chunkSize: initialChunkSize}
	serverCh = &DataChannel{StreamID: 1, Label: "file-transfer", state: ChannelOpen, chunkSize: initialChunkSize}
	clientMgr.channels[1] = clientCh
	serverMgr.channels[1] = serverCh
	return
}

func TestFileTransferHappyPath(t *testing.T) {
	clientMgr, serverMgr, clientCh, _ := openedChannelPair(t)
	now := time.Unix(1700000000, 0)

	sender := NewFileTransferManager(clientMgr, clientCh)
	receiver := NewFileTransferManager(serverMgr, clientCh) // stream id 1 on both sides

	content := bytes.Repeat([]byte("abcd"), 512) // 2 KiB
	id, err := sender.Offer("x.bin", int64(len(content)), "application/octet-stream")
	if err != nil {
		t.Fatalf("Offer: %v", err)
	}

	deliverControlAndData(t, clientMgr.Association(), serverMgr.Association(), now)
	serverMgr.Pump()
	receiver.Pump(serverMgr.PollEvents())
	offers := receiver.PollEvents()
	if len(offers) != 1 || offers[0].Kind != TransferEventIncomingOffer {
		t.Fatalf("receiver events = %v, want one IncomingOffer", offers)
	}
	if offers[0].Filename != "x.bin" || offers[0].Size != int64(len(content)) {
		t.Errorf("offer fields = %+v", offers[0])
	}

	if err := receiver.Accept(id); err != nil {
		t.Fatalf("Accept: %v", err)
	}
	deliverControlAndData(t, serverMgr.Association(), clientMgr.Association(), now)
	clientMgr.Pump()
	sender.Pump(clientMgr.PollEvents())
	accepted := sender.PollEvents()
	if len(accepted) != 1 || accepted[0].Kind != TransferEventAccepted {
		t.Fatalf("sender events = %v, want one Accepted", accepted)
	}

	const chunkSize = 512
	var sum = sha256.New()
	for off := 0; off < len(content); off += chunkSize {
		end := off + chunkSize
		if end > len(content) {
			end = len(content)
		}
		sum.Write(content[off:end])
		if err := sender.WriteChunk(id, content[off:end]); err != nil {
			t.Fatalf("WriteChunk: %v", err)
		}
	}

	deliverControlAndData(t, clientMgr.Association(), serverMgr.Association(), now)
	serverMgr.Pump()
	receiver.Pump(serverMgr.PollEvents())
	events := receiver.PollEvents()

	var gotBytes []byte
	var sawComplete bool
	for _, e := range events {
		switch e.Kind {
		case TransferEventDataChunk:
			gotBytes = append(gotBytes, e.Payload...)
		case TransferEventCompleted:
			sawComplete = true
		}
	}
	if !sawComplete {
		t.Error("receiver never saw a Completed event")
	}
	if !bytes.Equal(gotBytes, content) {
		t.Errorf("received %d bytes, want %d matching bytes", len(gotBytes), len(content))
	}
}

func TestFileTransferReject(t *testing.T) {
	clientMgr, serverMgr, clientCh, _ := openedChannelPair(t)
	now := time.Unix(1700000000, 0)

	sender := NewFileTransferManager(clientMgr, clientCh)
	receiver := NewFileTransferManager(serverMgr, clientCh)

	id, _ := sender.Offer("secret.bin", 10, "application/octet-stream")
	deliverControlAndData(t, clientMgr.Association(), serverMgr.Association(), now)
	serverMgr.Pump()
	receiver.Pump(serverMgr.PollEvents())
	receiver.PollEvents()

	if err := receiver.Reject(id, "no thanks"); err != nil {
		t.Fatalf("Reject: %v", err)
	}
	deliverControlAndData(t, serverMgr.Association(), clientMgr.Association(), now)
	clientMgr.Pump()
	sender.Pump(clientMgr.PollEvents())
	events := sender.PollEvents()
	if len(events) != 1 || events[0].Kind != TransferEventRejected || events[0].Reason != "no thanks" {
		t.Fatalf("got %v, want one Rejected(no thanks)", events)
	}
}

func TestFileTransferCancel(t *testing.T) {
	clientMgr, serverMgr, clientCh, _ := openedChannelPair(t)
	now := time.Unix(1700000000, 0)

	sender := NewFileTransferManager(clientMgr, clientCh)
	receiver := NewFileTransferManager(serverMgr, clientCh)

	id, _ := sender.Offer("big.bin", 1<<20, "application/octet-stream")
	deliverControlAndData(t, clientMgr.Association(), serverMgr.Association(), now)
	serverMgr.Pump()
	receiver.Pump(serverMgr.PollEvents())
	receiver.PollEvents()
	receiver.Accept(id)
	deliverControlAndData(t, serverMgr.Association(), clientMgr.Association(), now)
	clientMgr.Pump()
	sender.Pump(clientMgr.PollEvents())
	sender.PollEvents()

	if err := sender.Cancel(id, "changed my mind"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	deliverControlAndData(t, clientMgr.Association(), serverMgr.Association(), now)
	serverMgr.Pump()
	receiver.Pump(serverMgr.PollEvents())
	events := receiver.PollEvents()
	if len(events) != 1 || events[0].Kind != TransferEventCancelled || events[0].Reason != "changed my mind" {
		t.Fatalf("got %v, want one Cancelled(changed my mind)", events)
	}
}
