package conat

import (
	"errors"
	"fmt"
)

// Frame ops. Client to server: pub, sub, unsub, ping. Server to
// client: msg, pong, err.
const (
	opPub   = "pub"
	opSub   = "sub"
	opUnsub = "unsub"
	opPing  = "ping"
	opMsg   = "msg"
	opPong  = "pong"
	opErr   = "err"
)

// Stream headers. Streamed replies number their frames from 1 and end
// with an empty payload; an error replaces the terminator's code and
// message headers.
const (
	headerSeq     = "seq"
	headerCode    = "code"
	headerMessage = "message"
)

// Frame is the single wire unit in both directions. Data is base64 on
// the wire (encoding/json's []byte handling), so payload bytes survive
// the round trip exactly.
type Frame struct {
	Op      string            `json:"op"`
	Subject string            `json:"subject,omitempty"`
	Reply   string            `json:"reply,omitempty"`
	SID     string            `json:"sid,omitempty"`
	Data    []byte            `json:"data,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Code    string            `json:"code,omitempty"`
	Message string            `json:"message,omitempty"`
}

// Msg is a delivered message as seen by subscribers.
type Msg struct {
	Subject string
	Reply   string
	Data    []byte
	Headers map[string]string
}

// frameConn is a bidirectional frame transport. The websocket and the
// in-process pipe both implement it, so the server and client logic is
// transport-agnostic.
type frameConn interface {
	ReadFrame() (Frame, error)
	WriteFrame(Frame) error
	Close() error
}

// errConnClosed reports a read or write on a closed frame transport.
var errConnClosed = errors.New("connection closed")

func validateClientFrame(f Frame) error {
	switch f.Op {
	case opPub:
		if !ValidSubject(f.Subject) || f.Subject == "" {
			return fmt.Errorf("pub: malformed subject %q", f.Subject)
		}
		if f.Reply != "" && !ValidSubject(f.Reply) {
			return fmt.Errorf("pub: malformed reply subject %q", f.Reply)
		}
	case opSub:
		if !ValidSubject(f.Subject) {
			return fmt.Errorf("sub: malformed subject %q", f.Subject)
		}
		if f.SID == "" {
			return errors.New("sub: missing sid")
		}
	case opUnsub:
		if f.SID == "" {
			return errors.New("unsub: missing sid")
		}
	case opPing:
	default:
		return fmt.Errorf("unknown op %q", f.Op)
	}
	return nil
}
