// Package ndt5test provides loopback plumbing for exercising the client
// against scripted ndt5 servers.
package ndt5test

import (
	"context"
	"encoding/json"
	"net"
	"strconv"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

// Listen opens a loopback listener and returns it with its port.
func Listen() (net.Listener, int) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "Could not listen on loopback")
	return ln, ln.Addr().(*net.TCPAddr).Port
}

// ControlPair returns a connected control channel. The client half speaks
// enc; the server half is the raw socket the script drives.
func ControlPair(enc protocol.Encoding) (protocol.Connection, net.Conn) {
	ln, _ := Listen()
	defer ln.Close()
	accepted := make(chan net.Conn)
	go func() {
		c, err := ln.Accept()
		rtx.Must(err, "Could not accept control connection")
		accepted <- c
	}()
	c, err := net.Dial("tcp", ln.Addr().String())
	rtx.Must(err, "Could not dial control connection")
	conn := protocol.AdaptNetConn(c)
	conn.SetEncoding(enc)
	return conn, <-accepted
}

// Wrap puts s in the JSON envelope used by JSON servers.
func Wrap(s string) []byte {
	b, err := json.Marshal(&protocol.JSONMessage{Msg: s})
	rtx.Must(err, "Could not marshal")
	return b
}

// Send writes one frame carrying body, wrapped if enc is JSON.
func Send(conn net.Conn, enc protocol.Encoding, t protocol.MessageType, body string) error {
	b := []byte(body)
	if enc == protocol.JSON {
		b = Wrap(body)
	}
	return protocol.WriteMessage(conn, t, b)
}

// SendRaw writes one frame without any wrapping.
func SendRaw(conn net.Conn, t protocol.MessageType, body []byte) error {
	return protocol.WriteMessage(conn, t, body)
}

// Expect reads the next frame and returns its type and its body unwrapped
// according to enc.
func Expect(conn net.Conn, enc protocol.Encoding) (protocol.MessageType, string, error) {
	conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.ReadMessage(conn)
	if err != nil {
		return 0, "", err
	}
	if enc != protocol.JSON {
		return msg.Type, string(msg.Body), nil
	}
	jm := &protocol.JSONMessage{}
	if err := json.Unmarshal(msg.Body, jm); err != nil {
		return msg.Type, string(msg.Body), nil
	}
	return msg.Type, jm.Msg, nil
}

// Dialer connects data sockets to 127.0.0.1.
type Dialer struct {
	// Dialed records the test of every DialData call.
	Dialed []protocol.TestFlags
}

// DialData implements protocol.DataDialer.
func (d *Dialer) DialData(ctx context.Context, test protocol.TestFlags, port int, timeout time.Duration) (net.Conn, error) {
	d.Dialed = append(d.Dialed, test)
	nd := &net.Dialer{Timeout: timeout}
	return nd.DialContext(ctx, "tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
}

// Sink records everything a session reports.
type Sink struct {
	Messages []string
	Progress []string
	Stop     func() bool
}

// Report implements status.Sink.
func (s *Sink) Report(msg string) {
	s.Messages = append(s.Messages, msg)
}

// SetProgressText implements status.Sink.
func (s *Sink) SetProgressText(text string) {
	s.Progress = append(s.Progress, text)
}

// WantToStop implements status.Sink.
func (s *Sink) WantToStop() bool {
	return s.Stop != nil && s.Stop()
}
