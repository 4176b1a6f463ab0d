package protocol

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/netx"
)

var verbose = flag.Bool("ndt5.protocol.verbose", false, "Print the contents of every message to the log")

// Version is the protocol version this client speaks. Servers announce their
// own version in the first MsgLogin after the queue.
const Version = "3.7.0.2"

// MaxBodyLength is the largest body that fits in the 16 bit length field.
const MaxBodyLength = 0xFFFF

// KickoffMessage is sent by plain TCP servers right after the login to repel
// clients that are too old to understand the protocol.
const KickoffMessage = "123456 654321"

// Errors returned while reading and writing frames. Short reads are reported
// through these sentinels rather than as I/O errors.
var (
	ErrShortHeader  = errors.New("could not read the 3 byte message header")
	ErrShortBody    = errors.New("message body shorter than its declared length")
	ErrBodyTooLarge = errors.New("message body does not fit in 16 bits")
	ErrBadKickoff   = errors.New("bad kickoff message, the server does not support this client")
)

// MessageType is the full set of NDT protocol messages we understand.
type MessageType byte

const (
	// CommFailure is the zero-value of MessageType.
	CommFailure MessageType = iota
	// SrvQueue signals how long a client should wait.
	SrvQueue
	// MsgLogin is used for signalling capabilities.
	MsgLogin
	// TestPrepare indicates that the server is getting ready to run a test.
	TestPrepare
	// TestStart indicates preparation is complete and the test is about to run.
	TestStart
	// TestMsg is used for communication during a test.
	TestMsg
	// TestFinalize is the last message a test sends.
	TestFinalize
	// MsgError is sent when an error occurs.
	MsgError
	// MsgResults sends test results.
	MsgResults
	// MsgLogout is used to logout.
	MsgLogout
	// MsgWaiting is used for queue management.
	MsgWaiting
	// MsgExtendedLogin is used to signal advanced capabilities.
	MsgExtendedLogin
)

func (m MessageType) String() string {
	switch m {
	case CommFailure:
		return "CommFailure"
	case SrvQueue:
		return "SrvQueue"
	case MsgLogin:
		return "MsgLogin"
	case TestPrepare:
		return "TestPrepare"
	case TestStart:
		return "TestStart"
	case TestMsg:
		return "TestMsg"
	case TestFinalize:
		return "TestFinalize"
	case MsgError:
		return "MsgError"
	case MsgResults:
		return "MsgResults"
	case MsgLogout:
		return "MsgLogout"
	case MsgWaiting:
		return "MsgWaiting"
	case MsgExtendedLogin:
		return "MsgExtendedLogin"
	default:
		return fmt.Sprintf("UnknownMessage(0x%X)", byte(m))
	}
}

// TestFlags is the bitmask of tests sent in the login message. The server
// answers with the decimal value of each single flag it wants to run.
type TestFlags byte

// The tests defined by the protocol.
const (
	TestMID    TestFlags = 1 << iota // Middlebox
	TestC2S                          // Client to server throughput
	TestS2C                          // Server to client throughput
	TestSFW                          // Simple firewall
	TestStatus                       // Client understands SrvQueue heartbeats
	TestMETA                         // Client metadata
)

// DefaultTests is what the client asks for when nothing else is configured.
const DefaultTests = TestC2S | TestS2C | TestStatus | TestMETA

var testNames = []struct {
	flag TestFlags
	name string
}{
	{TestMID, "mid"},
	{TestC2S, "c2s"},
	{TestS2C, "s2c"},
	{TestSFW, "sfw"},
	{TestStatus, "status"},
	{TestMETA, "meta"},
}

func (t TestFlags) String() string {
	var names []string
	for _, n := range testNames {
		if t&n.flag != 0 {
			names = append(names, n.name)
		}
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// ParseTestName returns the flag for a single test name like "c2s".
func ParseTestName(name string) (TestFlags, error) {
	for _, n := range testNames {
		if strings.EqualFold(n.name, name) {
			return n.flag, nil
		}
	}
	return 0, fmt.Errorf("unknown test name %q", name)
}

// Message is a single framed unit of the control protocol.
type Message struct {
	Type MessageType
	Body []byte
}

func (m *Message) String() string {
	return fmt.Sprintf("%s(%q)", m.Type, m.Body)
}

// WriteMessage writes the 3 byte header followed by body in a single Write.
func WriteMessage(w io.Writer, msgType MessageType, body []byte) error {
	if len(body) > MaxBodyLength {
		return ErrBodyTooLarge
	}
	outbuff := make([]byte, 3+len(body))
	outbuff[0] = byte(msgType)
	outbuff[1] = byte((len(body) >> 8) & 0xFF)
	outbuff[2] = byte(len(body) & 0xFF)
	copy(outbuff[3:], body)
	_, err := w.Write(outbuff)
	return err
}

// ReadFull keeps reading until buf is full or a read returns no data. Unlike
// io.ReadFull, reaching EOF is not an error: the caller checks the count.
func ReadFull(r io.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return total, err
		}
		if n <= 0 {
			break
		}
	}
	return total, nil
}

// ReadMessage reads a single frame from r.
func ReadMessage(r io.Reader) (*Message, error) {
	header := make([]byte, 3)
	n, err := ReadFull(r, header)
	if err != nil {
		return nil, err
	}
	if n != len(header) {
		return nil, ErrShortHeader
	}
	size := int(header[1])<<8 + int(header[2])
	body := make([]byte, size)
	n, err = ReadFull(r, body)
	if err != nil {
		return nil, err
	}
	if n != size {
		return nil, ErrShortBody
	}
	return &Message{Type: MessageType(header[0]), Body: body}, nil
}

// Connection is the control channel between the client and an NDT server. A
// plain TCP (or TLS) stream and a websocket carry the same frames.
type Connection interface {
	ReadMessage() (*Message, error)
	WriteMessage(MessageType, []byte) error
	// ReadKickoff consumes the greeting that plain TCP servers send after
	// the login. It is a no-op on websockets.
	ReadKickoff() error
	// SetReadTimeout bounds every subsequent read. Zero disables it.
	SetReadTimeout(time.Duration)
	LocalIP() string
	RemoteIP() string
	UUID() string
	Close() error
	String() string
	Messager() Messager
	SetEncoding(Encoding)
}

func logFrame(c Connection, verb string, msgType MessageType, body []byte) {
	if *verbose {
		logging.Logger.Debugf("%s %s a message: %s, %d, %q", c.String(), verb, msgType, len(body), body)
	}
}

// netConnection holds a stream socket. Its input is buffered because frames
// are read with several small reads.
type netConnection struct {
	net.Conn
	input    *bufio.Reader
	encoding Encoding
	timeout  time.Duration
}

// AdaptNetConn turns a TCP or TLS connection into a Connection that starts out
// speaking JSON and can be downgraded to TLV.
func AdaptNetConn(conn net.Conn) Connection {
	return &netConnection{Conn: conn, input: bufio.NewReader(conn), encoding: JSON}
}

func (nc *netConnection) armDeadline() {
	if nc.timeout > 0 {
		nc.Conn.SetReadDeadline(time.Now().Add(nc.timeout))
	}
}

func (nc *netConnection) ReadMessage() (*Message, error) {
	nc.armDeadline()
	msg, err := ReadMessage(nc.input)
	if err == nil {
		logFrame(nc, "received", msg.Type, msg.Body)
	}
	return msg, err
}

func (nc *netConnection) WriteMessage(msgType MessageType, body []byte) error {
	logFrame(nc, "is sending", msgType, body)
	return WriteMessage(nc.Conn, msgType, body)
}

func (nc *netConnection) ReadKickoff() error {
	nc.armDeadline()
	buf := make([]byte, len(KickoffMessage))
	n, err := ReadFull(nc.input, buf)
	if err != nil {
		return err
	}
	if n != len(buf) || string(buf) != KickoffMessage {
		return ErrBadKickoff
	}
	return nil
}

func (nc *netConnection) SetReadTimeout(d time.Duration) {
	nc.timeout = d
	if d == 0 {
		nc.Conn.SetReadDeadline(time.Time{})
	}
}

func (nc *netConnection) LocalIP() string {
	return netx.IP(nc.LocalAddr())
}

func (nc *netConnection) RemoteIP() string {
	return netx.IP(nc.RemoteAddr())
}

func (nc *netConnection) UUID() string {
	return netx.UUID(nc.Conn)
}

func (nc *netConnection) String() string {
	return nc.LocalAddr().String() + "<=PLAIN," + nc.encoding.String() + "=>" + nc.RemoteAddr().String()
}

func (nc *netConnection) SetEncoding(e Encoding) {
	nc.encoding = e
}

func (nc *netConnection) Messager() Messager {
	return nc.encoding.Messager(nc)
}

// wsConnection wraps a websocket connection. Every binary websocket message
// carries exactly one frame.
type wsConnection struct {
	*websocket.Conn
	timeout time.Duration
}

// AdaptWsConn turns a websocket into a Connection. Websocket servers only
// speak JSON.
func AdaptWsConn(ws *websocket.Conn) Connection {
	return &wsConnection{Conn: ws}
}

func (ws *wsConnection) ReadMessage() (*Message, error) {
	if ws.timeout > 0 {
		ws.Conn.SetReadDeadline(time.Now().Add(ws.timeout))
	}
	_, data, err := ws.Conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg, err := ReadMessage(bytes.NewReader(data))
	if err == nil {
		logFrame(ws, "received", msg.Type, msg.Body)
	}
	return msg, err
}

func (ws *wsConnection) WriteMessage(msgType MessageType, body []byte) error {
	logFrame(ws, "is sending", msgType, body)
	buf := &bytes.Buffer{}
	if err := WriteMessage(buf, msgType, body); err != nil {
		return err
	}
	return ws.Conn.WriteMessage(websocket.BinaryMessage, buf.Bytes())
}

func (ws *wsConnection) ReadKickoff() error {
	return nil
}

func (ws *wsConnection) SetReadTimeout(d time.Duration) {
	ws.timeout = d
	if d == 0 {
		ws.Conn.SetReadDeadline(time.Time{})
	}
}

func (ws *wsConnection) LocalIP() string {
	return netx.IP(ws.UnderlyingConn().LocalAddr())
}

func (ws *wsConnection) RemoteIP() string {
	return netx.IP(ws.UnderlyingConn().RemoteAddr())
}

func (ws *wsConnection) UUID() string {
	return netx.UUID(ws.UnderlyingConn())
}

func (ws *wsConnection) String() string {
	return ws.LocalAddr().String() + "<=WS(S),JSON=>" + ws.RemoteAddr().String()
}

// SetEncoding is ignored because websocket servers never accept TLV.
func (ws *wsConnection) SetEncoding(Encoding) {}

func (ws *wsConnection) Messager() Messager {
	return JSON.Messager(ws)
}

// DataDialer opens the secondary connection a sub-test uses to move data.
type DataDialer interface {
	DialData(ctx context.Context, test TestFlags, port int, timeout time.Duration) (net.Conn, error)
}

// wsStream presents the binary messages of a websocket as a byte stream so
// that sub-tests can move data the same way over both transports.
type wsStream struct {
	*websocket.Conn
	reader io.Reader
}

// WsStream turns a websocket into a net.Conn. Every Write sends one binary
// message.
func WsStream(ws *websocket.Conn) net.Conn {
	return &wsStream{Conn: ws}
}

func (s *wsStream) Read(p []byte) (int, error) {
	for {
		if s.reader == nil {
			_, r, err := s.Conn.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			s.reader = r
		}
		n, err := s.reader.Read(p)
		if err == io.EOF {
			s.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (s *wsStream) Write(p []byte) (int, error) {
	if err := s.Conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (s *wsStream) SetDeadline(t time.Time) error {
	if err := s.Conn.SetReadDeadline(t); err != nil {
		return err
	}
	return s.Conn.SetWriteDeadline(t)
}
