package engine

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/alexjbarnes/dbsync/internal/protocol"
)

// Close codes passed through Socket.Close.
const (
	closeNormal        = 1000
	closeProtocolError = 1002
	closeInternalError = 1011
)

// readLimit bounds a single inbound frame. DOWNLOAD batches are cut by
// the server well below this.
const readLimit = 16 * 1024 * 1024

// ServerEndpoint identifies a physical connection target. Sessions
// whose endpoints compare equal share one connection unless per-session
// connections are forced.
type ServerEndpoint struct {
	// Envelope is the protocol envelope, "ws" or "wss".
	Envelope string
	Address  string
	Port     int
}

// URL renders the endpoint as a websocket URL.
func (e ServerEndpoint) URL() string {
	return e.Envelope + "://" + e.Address + ":" + strconv.Itoa(e.Port) + "/sync"
}

// Socket is one live transport connection carrying whole frames. The
// engine never touches raw sockets; Read and Write move exactly one
// wire message each.
type Socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close(code int, reason string) error
}

// SocketProvider dials transport connections. Pluggable so tests can
// substitute an in-memory transport.
type SocketProvider interface {
	Connect(ctx context.Context, endpoint ServerEndpoint, subprotocols []string) (Socket, error)
}

// subprotocolStrings offers descending protocol revisions for
// negotiation; the server selects the newest it supports.
func subprotocolStrings() []string {
	var protos []string
	for v := protocol.ProtocolVersion; v >= protocol.MinProtocolVersion; v-- {
		protos = append(protos, fmt.Sprintf("io.dbsync.sync/%d", v))
	}

	return protos
}

// websocketProvider is the default SocketProvider, backed by
// coder/websocket.
type websocketProvider struct {
	header http.Header
}

// NewWebsocketProvider returns the default websocket transport. The
// header is sent with every dial.
func NewWebsocketProvider(header http.Header) SocketProvider {
	return &websocketProvider{header: header}
}

func (p *websocketProvider) Connect(ctx context.Context, endpoint ServerEndpoint, subprotocols []string) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, endpoint.URL(), &websocket.DialOptions{
		HTTPHeader:   p.header,
		Subprotocols: subprotocols,
	})
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", endpoint.URL(), err)
	}

	conn.SetReadLimit(readLimit)

	return &websocketSocket{conn: conn}, nil
}

type websocketSocket struct {
	conn *websocket.Conn
}

func (s *websocketSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, err
	}

	return data, nil
}

func (s *websocketSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *websocketSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}
