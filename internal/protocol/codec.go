package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
)

// Wire op discriminators. One message per websocket frame; the op field
// selects the concrete type on decode.
const (
	opBind                = "bind"
	opIdent               = "ident"
	opUpload              = "upload"
	opDownload            = "download"
	opMark                = "mark"
	opUnbind              = "unbind"
	opUnbound             = "unbound"
	opPing                = "ping"
	opPong                = "pong"
	opError               = "error"
	opQuery               = "query"
	opQueryError          = "query_error"
	opTestCommand         = "test_command"
	opTestCommandResponse = "test_command_response"
)

// Encode serializes a message into a single wire frame. The op field is
// stamped from the concrete type, so callers never set it.
func Encode(msg Message) ([]byte, error) {
	switch m := msg.(type) {
	case *Bind:
		m.Op = opBind
	case *Ident:
		m.Op = opIdent
	case *Upload:
		m.Op = opUpload
	case *Download:
		m.Op = opDownload
	case *Mark:
		m.Op = opMark
	case *Unbind:
		m.Op = opUnbind
	case *Unbound:
		m.Op = opUnbound
	case *Ping:
		m.Op = opPing
	case *Pong:
		m.Op = opPong
	case *Error:
		m.Op = opError
	case *Query:
		m.Op = opQuery
	case *QueryError:
		m.Op = opQueryError
	case *TestCommand:
		m.Op = opTestCommand
	case *TestCommandResponse:
		m.Op = opTestCommandResponse
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownMessage, msg)
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshalling %T: %w", msg, err)
	}

	return data, nil
}

// Decode parses a single wire frame into its typed message. The op
// discriminator is peeked without a full parse, then the frame is
// unmarshalled into the matching struct. Stateless per call.
func Decode(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: invalid frame", ErrBadSyntax)
	}

	op := gjson.GetBytes(data, "op").Str

	var msg Message

	switch op {
	case opBind:
		msg = &Bind{}
	case opIdent:
		msg = &Ident{}
	case opUpload:
		msg = &Upload{}
	case opDownload:
		msg = &Download{}
	case opMark:
		msg = &Mark{}
	case opUnbind:
		msg = &Unbind{}
	case opUnbound:
		msg = &Unbound{}
	case opPing:
		msg = &Ping{}
	case opPong:
		msg = &Pong{}
	case opError:
		msg = &Error{}
	case opQuery:
		msg = &Query{}
	case opQueryError:
		msg = &QueryError{}
	case opTestCommand:
		msg = &TestCommand{}
	case opTestCommandResponse:
		msg = &TestCommandResponse{}
	default:
		return nil, fmt.Errorf("%w: op %q", ErrUnknownMessage, op)
	}

	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("%w: decoding %q: %v", ErrBadSyntax, op, err)
	}

	return msg, nil
}
