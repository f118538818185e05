// Package protocol defines the sync wire protocol: the fixed message set
// exchanged with the server, the codec that maps messages to and from
// websocket frames, and the protocol error model.
package protocol

import "encoding/json"

// ProtocolVersion is the newest protocol revision this client speaks.
// The dialer offers descending versions down to MinProtocolVersion in
// the websocket subprotocol list and the server picks one.
const (
	ProtocolVersion    = 8
	MinProtocolVersion = 6
)

// SaltedFileIdent is the server-assigned identity of one local database
// replica: a file ident plus a salt proving the assignment came from
// this server deployment.
type SaltedFileIdent struct {
	Ident uint64 `json:"ident"`
	Salt  uint64 `json:"salt"`
}

// SaltedVersion is a server version paired with its salt.
type SaltedVersion struct {
	Version uint64 `json:"version"`
	Salt    uint64 `json:"salt"`
}

// DownloadCursor tracks how far server history has been integrated
// locally. Both fields are weakly increasing within one session
// incarnation.
type DownloadCursor struct {
	ServerVersion               uint64 `json:"server_version"`
	LastIntegratedClientVersion uint64 `json:"last_integrated_client_version"`
}

// UploadCursor tracks how far local history has been scanned for upload
// and how much server history was integrated at that point.
type UploadCursor struct {
	ClientVersion               uint64 `json:"client_version"`
	LastIntegratedServerVersion uint64 `json:"last_integrated_server_version"`
}

// SyncProgress is the full set of progress counters carried by DOWNLOAD
// messages and persisted by the storage engine.
type SyncProgress struct {
	Download DownloadCursor `json:"download"`
	Upload   UploadCursor   `json:"upload"`
	Latest   SaltedVersion  `json:"latest"`
}

// BatchState describes where a DOWNLOAD message sits in an FLX
// bootstrap. SteadyState messages are integrated directly; the other
// two belong to a multi-message bootstrap that is staged until its
// terminal LastInBatch message arrives.
type BatchState string

const (
	BatchStateSteady      BatchState = "steady_state"
	BatchStateMoreToCome  BatchState = "more_to_come"
	BatchStateLastInBatch BatchState = "last_in_batch"
)

// UploadChangeset is one locally-produced changeset queued for upload.
type UploadChangeset struct {
	ClientVersion   uint64 `json:"client_version"`
	ServerVersion   uint64 `json:"server_version"`
	OriginTimestamp int64  `json:"origin_timestamp"`
	OriginFileIdent uint64 `json:"origin_file_ident"`
	Data            []byte `json:"data"`
}

// RemoteChangeset is one server-produced changeset carried by a
// DOWNLOAD message.
type RemoteChangeset struct {
	ServerVersion   uint64 `json:"server_version"`
	ClientVersion   uint64 `json:"client_version"`
	OriginTimestamp int64  `json:"origin_timestamp"`
	OriginFileIdent uint64 `json:"origin_file_ident"`
	OriginalSize    int64  `json:"original_size"`
	Data            []byte `json:"data"`
}

// Message is implemented by every wire message. The codec dispatches on
// the concrete type when encoding and on the op discriminator when
// decoding.
type Message interface {
	// SessionID returns the addressed session ident, or 0 for
	// connection-level messages (PING, PONG, connection-level ERROR).
	SessionID() uint32
}

// Bind opens a session on the connection. It is always the first
// message a session sends.
type Bind struct {
	Op              string `json:"op"`
	Session         uint32 `json:"session"`
	Path            string `json:"path"`
	AccessToken     string `json:"access_token"`
	NeedFileIdent   bool   `json:"need_file_ident"`
	ProtocolVersion int    `json:"protocol_version"`
}

// Ident carries file identity. Server to client it is the fresh ident
// assignment (only FileIdent is set); client to server it completes the
// handshake with the resume point and, for FLX, the active query.
type Ident struct {
	Op           string          `json:"op"`
	Session      uint32          `json:"session"`
	FileIdent    SaltedFileIdent `json:"file_ident"`
	Progress     SyncProgress    `json:"progress"`
	QueryVersion int64           `json:"query_version,omitempty"`
	Query        string          `json:"query,omitempty"`
}

// Upload carries a batch of local changesets plus the upload cursor
// reached by the scan that produced them.
type Upload struct {
	Op         string            `json:"op"`
	Session    uint32            `json:"session"`
	Progress   UploadCursor      `json:"progress"`
	Changesets []UploadChangeset `json:"changesets"`
}

// Download carries a batch of server changesets plus full progress,
// the number of downloadable bytes remaining server-side, and for FLX
// the query version and batch state.
type Download struct {
	Op                string            `json:"op"`
	Session           uint32            `json:"session"`
	Progress          SyncProgress      `json:"progress"`
	DownloadableBytes uint64            `json:"downloadable_bytes"`
	QueryVersion      int64             `json:"query_version,omitempty"`
	BatchState        BatchState        `json:"batch_state,omitempty"`
	Changesets        []RemoteChangeset `json:"changesets"`
}

// Mark requests (client to server) or acknowledges (server to client)
// a download-completion round trip.
type Mark struct {
	Op           string `json:"op"`
	Session      uint32 `json:"session"`
	RequestIdent int64  `json:"request_ident"`
}

// Unbind is the last message sent on a deactivating session.
type Unbind struct {
	Op      string `json:"op"`
	Session uint32 `json:"session"`
}

// Unbound acknowledges an Unbind.
type Unbound struct {
	Op      string `json:"op"`
	Session uint32 `json:"session"`
}

// Ping is the keepalive heartbeat. Timestamp is echoed back verbatim in
// the Pong; RTT is the previously measured round-trip time in
// milliseconds, reported for server-side diagnostics.
type Ping struct {
	Op        string `json:"op"`
	Timestamp int64  `json:"timestamp"`
	RTT       int64  `json:"rtt"`
}

// Pong answers a Ping.
type Pong struct {
	Op        string `json:"op"`
	Timestamp int64  `json:"timestamp"`
}

// Error reports a connection-level (Session == 0) or session-level
// protocol error.
type Error struct {
	Op      string    `json:"op"`
	Session uint32    `json:"session"`
	Info    ErrorInfo `json:"info"`
}

// Query announces a change of the active FLX subscription set.
type Query struct {
	Op           string `json:"op"`
	Session      uint32 `json:"session"`
	QueryVersion int64  `json:"query_version"`
	Query        string `json:"query"`
}

// QueryError marks one subscription-set version as failed without
// closing the connection.
type QueryError struct {
	Op           string `json:"op"`
	Session      uint32 `json:"session"`
	QueryVersion int64  `json:"query_version"`
	Message      string `json:"message"`
}

// TestCommand is a diagnostic request from the server. Args is an
// optional JSON object interpreted by the command handler.
type TestCommand struct {
	Op           string          `json:"op"`
	Session      uint32          `json:"session"`
	RequestIdent int64           `json:"request_ident"`
	Command      string          `json:"command"`
	Args         json.RawMessage `json:"args,omitempty"`
}

// TestCommandResponse answers a TestCommand.
type TestCommandResponse struct {
	Op           string `json:"op"`
	Session      uint32 `json:"session"`
	RequestIdent int64  `json:"request_ident"`
	Body         string `json:"body"`
}

func (m *Bind) SessionID() uint32                { return m.Session }
func (m *Ident) SessionID() uint32               { return m.Session }
func (m *Upload) SessionID() uint32              { return m.Session }
func (m *Download) SessionID() uint32            { return m.Session }
func (m *Mark) SessionID() uint32                { return m.Session }
func (m *Unbind) SessionID() uint32              { return m.Session }
func (m *Unbound) SessionID() uint32             { return m.Session }
func (m *Ping) SessionID() uint32                { return 0 }
func (m *Pong) SessionID() uint32                { return 0 }
func (m *Error) SessionID() uint32               { return m.Session }
func (m *Query) SessionID() uint32               { return m.Session }
func (m *QueryError) SessionID() uint32          { return m.Session }
func (m *TestCommand) SessionID() uint32         { return m.Session }
func (m *TestCommandResponse) SessionID() uint32 { return m.Session }
