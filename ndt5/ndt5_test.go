package ndt5

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt5-client/ndt5/ndt5test"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

func init() {
	loginTimeout = 5 * time.Second
	controlTimeout = 5 * time.Second
}

// fakeServer plays the server side of one control connection. The first
// failure is kept and every later call becomes a no-op.
type fakeServer struct {
	conn net.Conn
	enc  protocol.Encoding
	err  error
}

func (f *fakeServer) send(t protocol.MessageType, body string) {
	if f.err == nil {
		f.err = ndt5test.Send(f.conn, f.enc, t, body)
	}
}

func (f *fakeServer) sendRaw(t protocol.MessageType, body string) {
	if f.err == nil {
		f.err = ndt5test.SendRaw(f.conn, t, []byte(body))
	}
}

func (f *fakeServer) expect(want protocol.MessageType) string {
	if f.err != nil {
		return ""
	}
	got, body, err := ndt5test.Expect(f.conn, f.enc)
	if err != nil {
		f.err = err
		return ""
	}
	if got != want {
		f.err = fmt.Errorf("got %s(%q), want %s", got, body, want)
	}
	return body
}

// login reads the raw login frame and answers with the kickoff.
func (f *fakeServer) login() *protocol.Message {
	if f.err != nil {
		return nil
	}
	f.conn.SetReadDeadline(time.Now().Add(10 * time.Second))
	msg, err := protocol.ReadMessage(f.conn)
	if err != nil {
		f.err = err
		return nil
	}
	_, f.err = f.conn.Write([]byte(protocol.KickoffMessage))
	return msg
}

// serveS2C runs the server half of an s2c test.
func (f *fakeServer) serveS2C(web100 string) {
	if f.err != nil {
		return
	}
	ln, port := ndt5test.Listen()
	defer ln.Close()
	f.send(protocol.TestPrepare, strconv.Itoa(port))
	data, err := ln.Accept()
	if err != nil {
		f.err = err
		return
	}
	f.send(protocol.TestStart, "")
	buf := make([]byte, 8192)
	end := time.Now().Add(100 * time.Millisecond)
	for time.Now().Before(end) {
		if _, err := data.Write(buf); err != nil {
			break
		}
	}
	data.Close()
	if f.enc == protocol.JSON {
		f.sendRaw(protocol.TestMsg, `{"ThroughputValue":"8000","UnsentDataAmount":"0","TotalSentByte":"100000"}`)
	} else {
		f.send(protocol.TestMsg, "8000 0 100000")
	}
	f.expect(protocol.TestMsg)
	f.send(protocol.TestMsg, web100)
	f.send(protocol.TestFinalize, "")
}

// serveMeta runs the server half of a meta test and returns the values.
func (f *fakeServer) serveMeta() []string {
	f.send(protocol.TestPrepare, "")
	f.send(protocol.TestStart, "")
	var values []string
	for f.err == nil {
		body := f.expect(protocol.TestMsg)
		if body == "" {
			break
		}
		values = append(values, body)
	}
	f.send(protocol.TestFinalize, "")
	return values
}

// serve accepts one connection per script, in order, and runs each script
// on it. The returned channel yields the first script error and the number
// of connections accepted.
func serve(scripts ...func(f *fakeServer)) (int, <-chan error, *int) {
	ln, port := ndt5test.Listen()
	done := make(chan error, 1)
	accepted := new(int)
	go func() {
		defer ln.Close()
		var first error
		enc := protocol.JSON
		for _, script := range scripts {
			conn, err := ln.Accept()
			if err != nil {
				done <- err
				return
			}
			*accepted++
			f := &fakeServer{conn: conn, enc: enc}
			script(f)
			conn.Close()
			if first == nil {
				first = f.err
			}
			// A downgraded client comes back speaking TLV.
			enc = protocol.TLV
		}
		done <- first
	}()
	return port, done, accepted
}

func newTestClient(port int, tests protocol.TestFlags, sink *ndt5test.Sink) *Client {
	return NewClient(Settings{
		Host:        "127.0.0.1",
		Port:        port,
		Tests:       tests,
		Application: "ndt5-client-test",
		Sink:        sink,
	})
}

func containsMessage(msgs []string, sub string) bool {
	for _, m := range msgs {
		if strings.Contains(m, sub) {
			return true
		}
	}
	return false
}

func TestRun(t *testing.T) {
	var (
		login   *protocol.Message
		waiting string
		values  []string
	)
	port, done, _ := serve(func(f *fakeServer) {
		login = f.login()
		f.send(protocol.SrvQueue, "1")
		f.send(protocol.SrvQueue, "9990")
		waiting = f.expect(protocol.MsgWaiting)
		f.send(protocol.SrvQueue, "0")
		f.send(protocol.MsgLogin, "v3.7.0.2-Web100")
		f.send(protocol.MsgLogin, "4 x 32")
		f.serveS2C("CountRTT: 10\nMaxRTT: 30\n")
		values = f.serveMeta()
		f.send(protocol.MsgResults, "MinRTT: 10\navgrtt: 12.5\n")
		f.send(protocol.MsgResults, "c2sData: 5\n")
		f.send(protocol.MsgLogout, "")
	})
	sink := &ndt5test.Sink{}
	client := newTestClient(port, protocol.TestS2C|protocol.TestMETA, sink)

	record, err := client.Run(context.Background())
	rtx.Must(err, "session failed")
	rtx.Must(<-done, "server script failed")

	if login.Type != protocol.MsgExtendedLogin || string(login.Body) != `{"msg":"3.7.0.2","tests":"52"}` {
		t.Errorf("login = %v", login)
	}
	if waiting != "4" {
		t.Errorf("MsgWaiting carried %q, want the tests byte", waiting)
	}
	c := record.Control
	if c.MessageProtocol != "JSON" || c.Downgraded || c.QueueMessages != 3 {
		t.Errorf("bad control record %+v", c)
	}
	if c.ServerVersion != "3.7.0.2" || c.ServerType != "web100" {
		t.Errorf("bad server version %q %q", c.ServerVersion, c.ServerType)
	}
	if c.SuccessfulTests != (protocol.TestS2C | protocol.TestStatus | protocol.TestMETA).String() {
		t.Errorf("SuccessfulTests = %q", c.SuccessfulTests)
	}
	if record.S2C == nil || record.S2C.ServerMeasuredMbps != 8 {
		t.Errorf("bad s2c record %+v", record.S2C)
	}
	if len(values) == 0 || len(values) != len(c.ClientMetadata) {
		t.Errorf("server saw %d meta values, record has %d", len(values), len(c.ClientMetadata))
	}
	if record.Web100.GetInt("CountRTT") != 10 || record.Web100.GetInt("c2sData") != 5 {
		t.Errorf("results were not combined: %+v", record.Web100)
	}
	if record.Diagnosis == nil {
		t.Fatal("no diagnosis")
	}
	if record.Summary == nil || record.Summary.JitterMs != 20 || record.Summary.AvgRTTMs != 12.5 {
		t.Errorf("bad summary %+v", record.Summary)
	}
	if record.ClientIP != "127.0.0.1" || record.ServerIP != "127.0.0.1" || record.ServerPort != port {
		t.Errorf("bad addresses %+v", record)
	}
	if !containsMessage(sink.Messages, "Using IPv4 address") {
		t.Errorf("the sink was not told the address family: %v", sink.Messages)
	}
	if !containsMessage(sink.Messages, "your test will begin within 60 seconds") {
		t.Errorf("the sink was not told about the wait: %v", sink.Messages)
	}
}

func TestRunDowngrade(t *testing.T) {
	var second *protocol.Message
	port, done, accepted := serve(
		func(f *fakeServer) {
			f.login()
			f.sendRaw(protocol.MsgLogin, "Unknown message type")
		},
		func(f *fakeServer) {
			second = f.login()
			f.send(protocol.SrvQueue, "0")
			f.send(protocol.MsgLogin, "v3.7.0.2-Web10G")
			f.send(protocol.MsgLogin, "")
			f.send(protocol.MsgLogout, "")
		},
	)
	sink := &ndt5test.Sink{}
	record, err := newTestClient(port, protocol.TestS2C, sink).Run(context.Background())
	rtx.Must(err, "session failed")
	rtx.Must(<-done, "server script failed")
	if *accepted != 2 {
		t.Errorf("accepted %d connections, want 2", *accepted)
	}
	if second.Type != protocol.MsgLogin || string(second.Body) != "\x14" {
		t.Errorf("legacy login = %v", second)
	}
	if !record.Control.Downgraded || record.Control.MessageProtocol != "TLV" {
		t.Errorf("bad control record %+v", record.Control)
	}
	if record.Control.ServerType != "web10g" {
		t.Errorf("ServerType = %q", record.Control.ServerType)
	}
	if !containsMessage(sink.Messages, "Results timeout") {
		t.Errorf("missing results timeout report: %v", sink.Messages)
	}
}

func TestRunDowngradeOnce(t *testing.T) {
	reject := func(f *fakeServer) {
		f.login()
		f.sendRaw(protocol.MsgLogin, "Unknown message type")
	}
	port, done, accepted := serve(reject, reject)
	_, err := newTestClient(port, protocol.TestS2C, &ndt5test.Sink{}).Run(context.Background())
	if !errors.Is(err, ErrLoginRejected) {
		t.Errorf("Run() = %v, want ErrLoginRejected", err)
	}
	<-done
	if *accepted != 2 {
		t.Errorf("accepted %d connections, want exactly one reconnect", *accepted)
	}
}

func TestRunInvalidLogin(t *testing.T) {
	port, done, accepted := serve(func(f *fakeServer) {
		f.login()
		f.send(protocol.MsgError, invalidLogin)
	})
	_, err := newTestClient(port, protocol.TestS2C, &ndt5test.Sink{}).Run(context.Background())
	if !errors.Is(err, ErrLoginRejected) {
		t.Errorf("Run() = %v, want ErrLoginRejected", err)
	}
	<-done
	if *accepted != 1 {
		t.Errorf("accepted %d connections, want 1", *accepted)
	}
}

func TestRunQueueCodes(t *testing.T) {
	tests := []struct {
		name  string
		codes []string
		want  error
	}{
		{"fault", []string{"9977"}, ErrServerFault},
		{"busy", []string{"9988"}, ErrServerBusy},
		{"busy-after-wait", []string{"2", "9988"}, ErrServerFault},
		{"busy-60s", []string{"9999"}, ErrServerBusy60s},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, done, _ := serve(func(f *fakeServer) {
				f.login()
				for _, c := range tt.codes {
					f.send(protocol.SrvQueue, c)
				}
				// Hold the connection until the client hangs up.
				f.expect(protocol.MsgLogout)
			})
			record, err := newTestClient(port, protocol.TestS2C, &ndt5test.Sink{}).Run(context.Background())
			if !errors.Is(err, tt.want) {
				t.Errorf("Run() = %v, want %v", err, tt.want)
			}
			if record.Control.Error == "" {
				t.Error("the error should be recorded")
			}
			<-done
		})
	}
}

func TestRunFailures(t *testing.T) {
	tests := []struct {
		name   string
		script func(f *fakeServer)
		stop   bool
		check  func(error) bool
	}{
		{
			name: "bad-version",
			script: func(f *fakeServer) {
				f.login()
				f.send(protocol.SrvQueue, "0")
				f.send(protocol.MsgLogin, "3.7.0.2")
			},
			check: func(err error) bool { return errors.Is(err, ErrIncompatibleVersion) },
		},
		{
			name: "unknown-test",
			script: func(f *fakeServer) {
				f.login()
				f.send(protocol.SrvQueue, "0")
				f.send(protocol.MsgLogin, "v3.7.0.2")
				f.send(protocol.MsgLogin, "64")
			},
			check: func(err error) bool { return errors.Is(err, ErrUnknownTest) },
		},
		{
			name: "wrong-message-in-results",
			script: func(f *fakeServer) {
				f.login()
				f.send(protocol.SrvQueue, "0")
				f.send(protocol.MsgLogin, "v3.7.0.2")
				f.send(protocol.MsgLogin, "")
				f.send(protocol.MsgResults, "CountRTT: 1\n")
				f.send(protocol.TestMsg, "")
			},
			check: func(err error) bool {
				var wme *protocol.WrongMessageError
				return errors.As(err, &wme) && wme.Got.Type == protocol.TestMsg
			},
		},
		{
			name: "stopped",
			stop: true,
			script: func(f *fakeServer) {
				f.login()
				f.send(protocol.SrvQueue, "0")
				f.send(protocol.MsgLogin, "v3.7.0.2")
				f.send(protocol.MsgLogin, "4 32")
				if body := f.expect(protocol.MsgError); body != stopMessage && f.err == nil {
					f.err = fmt.Errorf("stop message = %q", body)
				}
			},
			check: func(err error) bool { return errors.Is(err, ErrStopped) },
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			port, done, _ := serve(tt.script)
			sink := &ndt5test.Sink{Stop: func() bool { return tt.stop }}
			_, err := newTestClient(port, protocol.TestS2C|protocol.TestMETA, sink).Run(context.Background())
			if !tt.check(err) {
				t.Errorf("Run() = %v", err)
			}
			if serr := <-done; tt.stop && serr != nil {
				t.Errorf("server script failed: %v", serr)
			}
		})
	}
}

func TestRunSubtestFailureIsNotFatal(t *testing.T) {
	port, done, _ := serve(func(f *fakeServer) {
		f.login()
		f.send(protocol.SrvQueue, "0")
		f.send(protocol.MsgLogin, "v3.7.0.2")
		f.send(protocol.MsgLogin, "32")
		// The meta test expects TestPrepare first.
		f.send(protocol.TestStart, "")
		f.send(protocol.MsgResults, "CountRTT: 0\n")
		f.send(protocol.MsgLogout, "")
	})
	sink := &ndt5test.Sink{}
	record, err := newTestClient(port, protocol.TestMETA, sink).Run(context.Background())
	rtx.Must(err, "a failed sub-test should not end the session")
	<-done
	if record.Control.SuccessfulTests != protocol.TestStatus.String() {
		t.Errorf("SuccessfulTests = %q", record.Control.SuccessfulTests)
	}
	if !containsMessage(sink.Messages, "META test failed") {
		t.Errorf("the failure was not reported: %v", sink.Messages)
	}
}

func TestRunWebsocket(t *testing.T) {
	done := make(chan error, 1)
	var token string
	srv, port := ndt5test.ListenWS(func(r *http.Request, conn net.Conn) {
		token = r.URL.Query().Get("access_token")
		f := &fakeServer{conn: conn, enc: protocol.JSON}
		// Websocket servers send no kickoff.
		f.expect(protocol.MsgExtendedLogin)
		f.send(protocol.SrvQueue, "0")
		f.send(protocol.MsgLogin, "v3.7.0.2")
		f.send(protocol.MsgLogin, "32")
		f.serveMeta()
		f.send(protocol.MsgResults, "MinRTT: 5\n")
		f.send(protocol.MsgLogout, "")
		done <- f.err
	})
	defer srv.Close()
	c := NewClient(Settings{
		Host:      "127.0.0.1",
		Port:      port,
		Transport: WS,
		Tests:     protocol.TestMETA,
		WSQuery:   url.Values{"access_token": {"abc"}},
	})
	record, err := c.Run(context.Background())
	rtx.Must(err, "websocket session failed")
	rtx.Must(<-done, "server script failed")
	if token != "abc" {
		t.Errorf("access_token = %q", token)
	}
	ctl := record.Control
	if ctl.Protocol != "ws" || ctl.MessageProtocol != "JSON" {
		t.Errorf("bad control record %+v", ctl)
	}
	if ctl.SuccessfulTests != (protocol.TestStatus | protocol.TestMETA).String() {
		t.Errorf("SuccessfulTests = %q", ctl.SuccessfulTests)
	}
	if record.Web100.GetInt("MinRTT") != 5 {
		t.Errorf("results were not parsed: %+v", record.Web100)
	}
}

func TestRunWebsocketRejectsMID(t *testing.T) {
	c := NewClient(Settings{Host: "127.0.0.1", Transport: WS, Tests: protocol.TestMID | protocol.TestC2S})
	_, err := c.Run(context.Background())
	if !errors.Is(err, ErrUnsupportedOverWS) {
		t.Errorf("Run() = %v, want ErrUnsupportedOverWS", err)
	}
}

func TestRunConnectFailure(t *testing.T) {
	ln, port := ndt5test.Listen()
	ln.Close()
	record, err := newTestClient(port, protocol.TestS2C, &ndt5test.Sink{}).Run(context.Background())
	if err == nil {
		t.Fatal("Run() should fail with nothing listening")
	}
	if record == nil || record.Control.UUID == "" {
		t.Errorf("a failed session still needs a record with an id: %+v", record)
	}
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		body, version, serverType string
		wantErr                   bool
	}{
		{"v3.7.0.2", "3.7.0.2", "web100", false},
		{"v3.7.0.2-Web100", "3.7.0.2", "web100", false},
		{"v3.7.0.2-Web10G", "3.7.0.2", "web10g", false},
		{"v3.6.5-rc1", "3.6.5-rc1", "web100", false},
		{"v5.0-NDTinGO", "5.0-NDTinGO", "web100", false},
		{"3.7.0.2", "", "", true},
		{"", "", "", true},
	}
	for _, tt := range tests {
		v, st, err := parseVersion(tt.body)
		if (err != nil) != tt.wantErr || v != tt.version || st != tt.serverType {
			t.Errorf("parseVersion(%q) = %q, %q, %v", tt.body, v, st, err)
		}
	}
}

func TestTransport(t *testing.T) {
	for _, tt := range []struct {
		name string
		want Transport
		port int
	}{
		{"plain", Plain, 3001},
		{"TLS", TLS, 3010},
		{"ws", WS, 3002},
		{"wss", WSS, 3010},
	} {
		got, err := ParseTransport(tt.name)
		rtx.Must(err, "Could not parse %q", tt.name)
		if got != tt.want || got.DefaultPort() != tt.port {
			t.Errorf("ParseTransport(%q) = %v port %d", tt.name, got, got.DefaultPort())
		}
	}
	if _, err := ParseTransport("quic"); !errors.Is(err, ErrBadTransport) {
		t.Errorf("ParseTransport(quic) = %v", err)
	}
	if Transport(9).String() != "Transport(9)" {
		t.Error("bad String for an unknown transport")
	}
}

func TestErrorLabel(t *testing.T) {
	for _, tt := range []struct {
		err  error
		want string
	}{
		{nil, "okay"},
		{ErrStopped, "stopped"},
		{fmt.Errorf("x: %w", ErrServerBusy60s), "busy"},
		{&protocol.WrongMessageError{Got: &protocol.Message{}}, "wrong-message"},
		{context.Canceled, "context"},
		{errors.New("other"), "error"},
	} {
		if got := errorLabel(tt.err); got != tt.want {
			t.Errorf("errorLabel(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestSaveData(t *testing.T) {
	c := NewClient(Settings{Host: "localhost"})
	record := c.newRecord()
	record.StartTime = time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC)
	dir := t.TempDir()
	rtx.Must(SaveData(record, dir, false), "Could not save")
	if err := SaveData(record, dir, false); err == nil {
		t.Error("saving the same record twice should fail")
	}
	if err := SaveData(nil, dir, false); err == nil {
		t.Error("saving nil should fail")
	}
}
