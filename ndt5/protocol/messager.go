package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/m-lab/ndt5-client/logging"
)

// Encoding encodes the communication methods we support.
type Encoding int

// The different message encodings. Plain connections start out as JSON and
// fall back to TLV when the server rejects the extended login. Websockets
// are always JSON.
const (
	Unknown Encoding = iota // Unknown is the zero-value for Encoding
	JSON
	TLV
)

func (e Encoding) String() string {
	switch e {
	case Unknown:
		return "Unknown"
	case JSON:
		return "JSON"
	case TLV:
		return "TLV"
	}
	return fmt.Sprintf("Bad messager.Encoding value: %d", int(e))
}

// Messager creates an object that can encode and decode messages in the
// corresponding format and send them along the passed-in connection.
func (e Encoding) Messager(conn Connection) Messager {
	switch e {
	case JSON:
		return &jsonMessager{conn}
	case TLV:
		return &tlvMessager{conn}
	}
	logging.Logger.Errorf("Messager() called for bad encoding %s", e)
	return nil
}

// Messager allows us to send JSON and non-JSON messages using a single unified
// interface.
type Messager interface {
	// SendMessage wraps the body and sends it.
	SendMessage(MessageType, []byte) error
	// SendLogin sends the login carrying the requested tests.
	SendLogin(MessageType, TestFlags) error
	// ReceiveMessage reads a message of the given type and returns its
	// unwrapped body.
	ReceiveMessage(MessageType) ([]byte, error)
	// ReceiveFrame reads a message of the given type without unwrapping it.
	ReceiveFrame(MessageType) (*Message, error)
	// ReceiveAny reads the next message whatever its type.
	ReceiveAny() (*Message, error)
	// Unwrap extracts the text carried by a body.
	Unwrap(body []byte) (string, bool)
	// Field extracts a named field of a JSON body.
	Field(body []byte, key string) (string, bool)
	Encoding() Encoding
}

// WrongMessageError is returned when a message of an unexpected type arrives.
type WrongMessageError struct {
	Wanted MessageType
	Got    *Message
	// ErrorCode is the MsgError body parsed as hexadecimal.
	ErrorCode int
}

func (e *WrongMessageError) Error() string {
	if e.Got.Type == MsgError {
		return fmt.Sprintf("read wrong message type: wanted %s, got %s (ERROR MSG: %d)", e.Wanted, e.Got.Type, e.ErrorCode)
	}
	return fmt.Sprintf("read wrong message type: wanted %s, got %s", e.Wanted, e.Got.Type)
}

// JSONMessage holds the JSON messages we send and receive. Only the subset of
// the NDT JSON protocol that has two fields is represented here.
type JSONMessage struct {
	Msg   string `json:"msg"`
	Tests string `json:"tests,omitempty"`
}

// String serializes the message to a string.
func (n *JSONMessage) String() string {
	b, _ := json.Marshal(n)
	return string(b)
}

// ParseBodyInt unwraps body and parses it as an integer in the given base.
// Anything that does not parse is 0.
func ParseBodyInt(m Messager, body []byte, base int) int {
	s, ok := m.Unwrap(body)
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(s, base, 32)
	if err != nil {
		return 0
	}
	return int(v)
}

func receiveFrame(m Messager, conn Connection, kind MessageType) (*Message, error) {
	msg, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	if msg.Type != kind {
		e := &WrongMessageError{Wanted: kind, Got: msg}
		if msg.Type == MsgError {
			e.ErrorCode = ParseBodyInt(m, msg.Body, 16)
		}
		return nil, e
	}
	return msg, nil
}

// jsonMessager has all the methods for sending JSON-format NDT messages.
type jsonMessager struct {
	conn Connection
}

func (jm *jsonMessager) SendMessage(kind MessageType, contents []byte) error {
	message := &JSONMessage{Msg: string(contents)}
	return jm.conn.WriteMessage(kind, []byte(message.String()))
}

func (jm *jsonMessager) SendLogin(kind MessageType, tests TestFlags) error {
	message := &JSONMessage{Msg: Version, Tests: strconv.Itoa(int(tests))}
	return jm.conn.WriteMessage(kind, []byte(message.String()))
}

func (jm *jsonMessager) ReceiveFrame(kind MessageType) (*Message, error) {
	return receiveFrame(jm, jm.conn, kind)
}

func (jm *jsonMessager) ReceiveMessage(kind MessageType) ([]byte, error) {
	msg, err := jm.ReceiveFrame(kind)
	if err != nil {
		return nil, err
	}
	s, ok := jm.Unwrap(msg.Body)
	if !ok {
		return nil, fmt.Errorf("could not find the msg field in %q", msg.Body)
	}
	return []byte(s), nil
}

func (jm *jsonMessager) ReceiveAny() (*Message, error) {
	return jm.conn.ReadMessage()
}

func (jm *jsonMessager) Unwrap(body []byte) (string, bool) {
	return jm.Field(body, "msg")
}

// Field accepts both string and numeric JSON values.
func (jm *jsonMessager) Field(body []byte, key string) (string, bool) {
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", false
	}
	raw, ok := fields[key]
	if !ok {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s, true
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String(), true
	}
	return "", false
}

func (jm *jsonMessager) Encoding() Encoding {
	return JSON
}

// tlvMessager has all the methods for sending legacy messages whose bodies
// are plain text.
type tlvMessager struct {
	conn Connection
}

func (tm *tlvMessager) SendMessage(kind MessageType, contents []byte) error {
	return tm.conn.WriteMessage(kind, contents)
}

// SendLogin sends the tests byte alone for MsgLogin, and the tests byte
// followed by the version for MsgExtendedLogin.
func (tm *tlvMessager) SendLogin(kind MessageType, tests TestFlags) error {
	body := []byte{byte(tests)}
	if kind == MsgExtendedLogin {
		body = append(body, []byte(Version)...)
	}
	return tm.conn.WriteMessage(kind, body)
}

func (tm *tlvMessager) ReceiveFrame(kind MessageType) (*Message, error) {
	return receiveFrame(tm, tm.conn, kind)
}

func (tm *tlvMessager) ReceiveMessage(kind MessageType) ([]byte, error) {
	msg, err := tm.ReceiveFrame(kind)
	if err != nil {
		return nil, err
	}
	return msg.Body, nil
}

func (tm *tlvMessager) ReceiveAny() (*Message, error) {
	return tm.conn.ReadMessage()
}

func (tm *tlvMessager) Unwrap(body []byte) (string, bool) {
	return string(body), true
}

// Field never finds anything because legacy bodies have no named fields.
func (tm *tlvMessager) Field(body []byte, key string) (string, bool) {
	return "", false
}

func (tm *tlvMessager) Encoding() Encoding {
	return TLV
}
