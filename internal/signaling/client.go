package signaling

import (
	"crypto/tls"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/xerrors"
)

// Client is one session's connection to the signaling broker: Send queues
// an outbound Envelope, Recv blocks for the next inbound one. A Client is
// safe for one concurrent Send and one concurrent Recv; Close may be
// called from any goroutine to unblock a pending Recv.
type Client interface {
	Send(Envelope) error
	Recv() (Envelope, error)
	Close() error
}

var ErrClosed = xerrors.New("signaling: client closed")

// wsClient is a Client backed by a single websocket connection, grounded
// on the teacher's browser-facing websocket handler (internal/signaling's
// old local.go): every Envelope is sent and received as one JSON text
// message, relying on the websocket framing instead of a hand-rolled
// length prefix.
type wsClient struct {
	conn *websocket.Conn

	sendMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// Dial connects to the signaling broker at url (e.g. "wss://broker.example/ws"
// or, with tlsConfig nil, "ws://..."). tlsConfig is used only for wss:// URLs.
func Dial(url string, tlsConfig *tls.Config) (Client, error) {
	dialer := websocket.Dialer{TLSClientConfig: tlsConfig}
	conn, _, err := dialer.Dial(url, nil)
	if err != nil {
		return nil, xerrors.Errorf("signaling: dial %s: %w", url, err)
	}
	return &wsClient{conn: conn}, nil
}

// NewClient wraps an already-established websocket connection, e.g. one
// accepted by a local test server via websocket.Upgrader.
func NewClient(conn *websocket.Conn) Client {
	return &wsClient{conn: conn}
}

func (c *wsClient) Send(e Envelope) error {
	body, err := e.marshal()
	if err != nil {
		return err
	}
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.conn.WriteMessage(websocket.TextMessage, body); err != nil {
		return xerrors.Errorf("signaling: send: %w", err)
	}
	return nil
}

func (c *wsClient) Recv() (Envelope, error) {
	_, body, err := c.conn.ReadMessage()
	if err != nil {
		return Envelope{}, xerrors.Errorf("signaling: recv: %w", err)
	}
	return unmarshalEnvelope(body)
}

func (c *wsClient) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
