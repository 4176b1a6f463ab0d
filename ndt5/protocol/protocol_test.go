package protocol_test

import (
	"bytes"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"testing"
	"testing/iotest"
	"time"

	"github.com/gorilla/websocket"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

func Test_verifyStringConversions(t *testing.T) {
	for m := protocol.MessageType(0); m < 255; m++ {
		if m.String() == "" {
			t.Errorf("MessageType(0x%x) should not result in an empty string", m)
		}
	}
	for _, subtest := range []struct {
		mt  protocol.MessageType
		str string
	}{
		{protocol.CommFailure, "CommFailure"},
		{protocol.SrvQueue, "SrvQueue"},
		{protocol.MsgLogin, "MsgLogin"},
		{protocol.TestPrepare, "TestPrepare"},
		{protocol.TestStart, "TestStart"},
		{protocol.TestMsg, "TestMsg"},
		{protocol.TestFinalize, "TestFinalize"},
		{protocol.MsgError, "MsgError"},
		{protocol.MsgResults, "MsgResults"},
		{protocol.MsgLogout, "MsgLogout"},
		{protocol.MsgWaiting, "MsgWaiting"},
		{protocol.MsgExtendedLogin, "MsgExtendedLogin"},
		{protocol.MessageType(12), "UnknownMessage(0xC)"},
	} {
		if subtest.mt.String() != subtest.str {
			t.Errorf("%q != %q", subtest.mt.String(), subtest.str)
		}
	}
}

func TestMessageTypeValues(t *testing.T) {
	// These values are fixed by the wire protocol.
	if protocol.MsgExtendedLogin != 11 || protocol.MsgWaiting != 10 || protocol.SrvQueue != 1 {
		t.Error("MessageType values drifted from the wire protocol")
	}
	if protocol.TestMID != 1 || protocol.TestC2S != 2 || protocol.TestS2C != 4 ||
		protocol.TestSFW != 8 || protocol.TestStatus != 16 || protocol.TestMETA != 32 {
		t.Error("TestFlags values drifted from the wire protocol")
	}
	if protocol.DefaultTests != 54 {
		t.Errorf("DefaultTests = %d, want 54", protocol.DefaultTests)
	}
}

func TestTestFlags(t *testing.T) {
	if s := protocol.DefaultTests.String(); s != "c2s|s2c|status|meta" {
		t.Errorf("DefaultTests.String() = %q", s)
	}
	if s := protocol.TestFlags(0).String(); s != "none" {
		t.Errorf("TestFlags(0).String() = %q", s)
	}
	f, err := protocol.ParseTestName("SFW")
	if err != nil || f != protocol.TestSFW {
		t.Errorf("ParseTestName(SFW) = %v, %v", f, err)
	}
	if _, err := protocol.ParseTestName("nope"); err == nil {
		t.Error("ParseTestName(nope) should fail")
	}
}

func TestWriteThenReadMessage(t *testing.T) {
	for _, size := range []int{0, 1, 3, 255, 256, 4096, protocol.MaxBodyLength} {
		for _, mt := range []protocol.MessageType{0, protocol.TestMsg, 255} {
			body := bytes.Repeat([]byte{'x'}, size)
			buf := &bytes.Buffer{}
			rtx.Must(protocol.WriteMessage(buf, mt, body), "Could not write message")
			if buf.Len() != size+3 {
				t.Errorf("wrote %d bytes, want %d", buf.Len(), size+3)
			}
			msg, err := protocol.ReadMessage(iotest.HalfReader(buf))
			rtx.Must(err, "Could not read message of size %d", size)
			if msg.Type != mt || !bytes.Equal(msg.Body, body) {
				t.Errorf("ReadMessage() = %v/%d, want %v/%d", msg.Type, len(msg.Body), mt, size)
			}
		}
	}
}

func TestWriteMessageHeader(t *testing.T) {
	buf := &bytes.Buffer{}
	rtx.Must(protocol.WriteMessage(buf, protocol.MsgLogin, bytes.Repeat([]byte{'a'}, 258)), "Could not write")
	if !bytes.Equal(buf.Bytes()[:3], []byte{2, 1, 2}) {
		t.Errorf("bad header %v", buf.Bytes()[:3])
	}
}

func TestWriteMessageTooLarge(t *testing.T) {
	buf := &bytes.Buffer{}
	err := protocol.WriteMessage(buf, protocol.TestMsg, make([]byte, protocol.MaxBodyLength+1))
	if err != protocol.ErrBodyTooLarge {
		t.Errorf("WriteMessage() err = %v, want ErrBodyTooLarge", err)
	}
	if buf.Len() != 0 {
		t.Error("Nothing should have been written")
	}
}

func TestReadMessageShortReads(t *testing.T) {
	ioErr := errors.New("connection reset")
	tests := []struct {
		name    string
		r       func() *bytes.Reader
		wantErr error
	}{
		{
			name:    "empty",
			r:       func() *bytes.Reader { return bytes.NewReader(nil) },
			wantErr: protocol.ErrShortHeader,
		},
		{
			name:    "two-header-bytes",
			r:       func() *bytes.Reader { return bytes.NewReader([]byte{5, 0}) },
			wantErr: protocol.ErrShortHeader,
		},
		{
			name:    "short-body",
			r:       func() *bytes.Reader { return bytes.NewReader([]byte{5, 0, 5, 'a', 'b'}) },
			wantErr: protocol.ErrShortBody,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := protocol.ReadMessage(tt.r())
			if err != tt.wantErr {
				t.Errorf("ReadMessage() err = %v, want %v", err, tt.wantErr)
			}
			if msg != nil {
				t.Errorf("ReadMessage() returned %v on a short read", msg)
			}
		})
	}
	msg, err := protocol.ReadMessage(iotest.ErrReader(ioErr))
	if err != ioErr || msg != nil {
		t.Errorf("ReadMessage() = %v, %v; want the I/O error", msg, err)
	}
}

func TestReadFull(t *testing.T) {
	buf := make([]byte, 8)
	n, err := protocol.ReadFull(iotest.OneByteReader(strings.NewReader("0123456789")), buf)
	if n != 8 || err != nil || string(buf) != "01234567" {
		t.Errorf("ReadFull() = %d, %v, %q", n, err, buf)
	}
	n, err = protocol.ReadFull(strings.NewReader("012"), buf)
	if n != 3 || err != nil {
		t.Errorf("ReadFull() on a short stream = %d, %v", n, err)
	}
}

func loopback(t *testing.T) (client, server net.Conn) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	rtx.Must(err, "Could not start test listener")
	defer ln.Close()
	accepted := make(chan net.Conn)
	go func() {
		c, err := ln.Accept()
		rtx.Must(err, "Could not accept connection")
		accepted <- c
	}()
	client, err = net.Dial("tcp", ln.Addr().String())
	rtx.Must(err, "Could not connect to local server")
	return client, <-accepted
}

func Test_netConnReadMessage(t *testing.T) {
	c, s := loopback(t)
	defer c.Close()
	defer s.Close()
	go func() {
		s.Write([]byte(protocol.KickoffMessage))
		rtx.Must(protocol.WriteMessage(s, protocol.SrvQueue, []byte(`{"msg":"0"}`)), "Could not write")
	}()
	conn := protocol.AdaptNetConn(c)
	rtx.Must(conn.ReadKickoff(), "Could not read kickoff")
	msg, err := conn.ReadMessage()
	rtx.Must(err, "Could not read message")
	want := &protocol.Message{Type: protocol.SrvQueue, Body: []byte(`{"msg":"0"}`)}
	if !reflect.DeepEqual(msg, want) {
		t.Errorf("%v != %v", msg, want)
	}
	if conn.LocalIP() != "127.0.0.1" || conn.RemoteIP() != "127.0.0.1" {
		t.Errorf("bad addresses %q %q", conn.LocalIP(), conn.RemoteIP())
	}
	if !strings.Contains(conn.String(), "PLAIN,JSON") {
		t.Errorf("bad String() %q", conn.String())
	}
	conn.SetEncoding(protocol.TLV)
	if conn.Messager().Encoding() != protocol.TLV {
		t.Error("SetEncoding(TLV) was ignored")
	}
}

func Test_netConnBadKickoff(t *testing.T) {
	c, s := loopback(t)
	defer c.Close()
	go func() {
		s.Write([]byte("123456"))
		s.Close()
	}()
	conn := protocol.AdaptNetConn(c)
	if err := conn.ReadKickoff(); err != protocol.ErrBadKickoff {
		t.Errorf("ReadKickoff() = %v, want ErrBadKickoff", err)
	}
}

func Test_netConnReadTimeout(t *testing.T) {
	c, s := loopback(t)
	defer c.Close()
	defer s.Close()
	conn := protocol.AdaptNetConn(c)
	conn.SetReadTimeout(50 * time.Millisecond)
	_, err := conn.ReadMessage()
	var nerr net.Error
	if !errors.As(err, &nerr) || !nerr.Timeout() {
		t.Errorf("ReadMessage() err = %v, want a timeout", err)
	}
}

func Test_wsConnection(t *testing.T) {
	upgrader := websocket.Upgrader{Subprotocols: []string{"ndt"}}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		rtx.Must(err, "Could not upgrade")
		defer ws.Close()
		_, data, err := ws.ReadMessage()
		rtx.Must(err, "Could not read")
		// Echo the frame back.
		rtx.Must(ws.WriteMessage(websocket.BinaryMessage, data), "Could not write")
	}))
	defer srv.Close()

	ws, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	rtx.Must(err, "Could not dial")
	conn := protocol.AdaptWsConn(ws)
	defer conn.Close()
	rtx.Must(conn.ReadKickoff(), "ReadKickoff on ws should be a no-op")
	rtx.Must(conn.Messager().SendMessage(protocol.TestMsg, []byte("hello")), "Could not send")
	body, err := conn.Messager().ReceiveMessage(protocol.TestMsg)
	rtx.Must(err, "Could not receive")
	if string(body) != "hello" {
		t.Errorf("got %q, want hello", body)
	}
	conn.SetEncoding(protocol.TLV)
	if conn.Messager().Encoding() != protocol.JSON {
		t.Error("websockets must stay JSON")
	}
}
