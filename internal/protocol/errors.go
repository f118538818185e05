package protocol

import (
	"errors"
	"time"
)

// ErrorCode is a server-reported protocol error code. Codes below 200
// address the whole connection; codes 200 and above address a single
// session.
type ErrorCode int

// Connection-level error codes.
const (
	ErrCodeConnectionClosed     ErrorCode = 100
	ErrCodeOtherError           ErrorCode = 101
	ErrCodeUnknownMessage       ErrorCode = 102
	ErrCodeBadSyntax            ErrorCode = 103
	ErrCodeLimitsExceeded       ErrorCode = 104
	ErrCodeWrongProtocolVersion ErrorCode = 105
	ErrCodeBadSessionIdent      ErrorCode = 106
	ErrCodeReuseOfSessionIdent  ErrorCode = 107
	ErrCodeBoundInOtherSession  ErrorCode = 108
	ErrCodeBadMessageOrder      ErrorCode = 109
)

// Session-level error codes.
const (
	ErrCodeSessionClosed      ErrorCode = 200
	ErrCodeOtherSessionError  ErrorCode = 201
	ErrCodeTokenExpired       ErrorCode = 202
	ErrCodeBadAuthentication  ErrorCode = 203
	ErrCodeIllegalPath        ErrorCode = 204
	ErrCodeNoSuchPath         ErrorCode = 205
	ErrCodePermissionDenied   ErrorCode = 206
	ErrCodeBadClientFileIdent ErrorCode = 208
	ErrCodeBadServerVersion   ErrorCode = 209
	ErrCodeBadClientVersion   ErrorCode = 210
	ErrCodeDivergingHistories ErrorCode = 211
	ErrCodeBadChangeset       ErrorCode = 212
	ErrCodeBadOriginFileIdent ErrorCode = 215
	ErrCodeTooManySessions    ErrorCode = 223
	ErrCodeBadQuery           ErrorCode = 226
	ErrCodeCompensatingWrite  ErrorCode = 231
)

// IsSessionLevel reports whether the code addresses a single session
// rather than the whole connection.
func (c ErrorCode) IsSessionLevel() bool { return c >= 200 }

// IsAuthError reports whether the code indicates an expired or rejected
// access token, for which the engine asks the token provider for a
// fresh token before reconnecting.
func (c ErrorCode) IsAuthError() bool {
	return c == ErrCodeTokenExpired || c == ErrCodeBadAuthentication
}

// Action is the server's requested client reaction to an error.
type Action string

const (
	ActionNone                  Action = "no_action"
	ActionWarning               Action = "warning"
	ActionTransient             Action = "transient"
	ActionProtocolViolation     Action = "protocol_violation"
	ActionApplicationBug        Action = "application_bug"
	ActionClientReset           Action = "client_reset"
	ActionClientResetNoRecovery Action = "client_reset_no_recovery"
	ActionDeleteRealm           Action = "delete_realm"
)

// ResumptionDelayInfo is the server-supplied backoff sequence used in
// place of the generic doubling when an error carries try_again.
type ResumptionDelayInfo struct {
	Interval    time.Duration `json:"interval"`
	MaxInterval time.Duration `json:"max_interval"`
	Multiplier  int           `json:"multiplier"`
}

// DefaultResumptionDelayInfo is used when the server did not supply a
// sequence: 1s doubling up to 5 minutes.
func DefaultResumptionDelayInfo() ResumptionDelayInfo {
	return ResumptionDelayInfo{
		Interval:    time.Second,
		MaxInterval: 5 * time.Minute,
		Multiplier:  2,
	}
}

// ErrorInfo is the body of an ERROR message.
type ErrorInfo struct {
	Code            ErrorCode            `json:"code"`
	Message         string               `json:"message"`
	TryAgain        bool                 `json:"try_again"`
	Action          Action               `json:"action"`
	ResumptionDelay *ResumptionDelayInfo `json:"resumption_delay,omitempty"`

	// ServerVersion is set on compensating-write errors: the server
	// version whose download carries the compensating changeset. The
	// error is surfaced only after that version has been integrated.
	ServerVersion uint64 `json:"server_version,omitempty"`
}

// IsFatal reports whether the error permits no automatic resumption.
func (i *ErrorInfo) IsFatal() bool { return !i.TryAgain }

// Client-local error conditions. Each closes the current connection
// with a specific cause; none is recoverable by the session that
// detected it without a reconnect.
var (
	ErrUnknownMessage   = errors.New("unknown message type")
	ErrBadSyntax        = errors.New("malformed message")
	ErrBadSessionIdent  = errors.New("message addressed to unknown session")
	ErrBadMessageOrder  = errors.New("message received out of order")
	ErrBadProgress      = errors.New("progress counters regressed")
	ErrBadServerVersion = errors.New("server version regressed")
	ErrBadClientVersion = errors.New("client version regressed")
	ErrBadErrorCode     = errors.New("unknown or misdirected error code")
	ErrBadTimestamp     = errors.New("pong timestamp does not match last ping")
	ErrConnectTimeout   = errors.New("connect operation timed out")
	ErrPongTimeout      = errors.New("no pong within keepalive timeout")
	ErrBadBatchState    = errors.New("invalid download batch state")
	ErrBadQueryVersion  = errors.New("download query version regressed")
)
