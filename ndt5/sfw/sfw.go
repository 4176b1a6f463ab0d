// Package sfw implements the client side of the simple firewall test. Each
// end listens on an ephemeral port and tries to connect to the other's.
package sfw

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/ndt5-client/logging"
	ndt5metrics "github.com/m-lab/ndt5-client/ndt5/metrics"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/status"
)

// TestMessage is the body each end sends to the other's ephemeral port.
const TestMessage = "Simple firewall test"

// joinSlack is how long the worker may outlive testTime before it is
// abandoned.
var joinSlack = time.Second

// ErrBadPrepare is returned when the TestPrepare body does not parse.
var ErrBadPrepare = errors.New("could not parse the firewall TestPrepare")

// Verdict is the outcome of one direction of the firewall test. The values
// are fixed by the protocol.
type Verdict int

// The verdicts.
const (
	NotTested Verdict = iota
	NoFirewall
	Unknown
	Possible
)

func (v Verdict) String() string {
	switch v {
	case NotTested:
		return "not_tested"
	case NoFirewall:
		return "no_firewall"
	case Unknown:
		return "unknown"
	case Possible:
		return "possible"
	}
	return "Verdict(" + strconv.Itoa(int(v)) + ")"
}

// ArchivalData is the data saved by the firewall test.
type ArchivalData struct {
	ServerPort int
	ClientPort int
	TestTime   time.Duration
	// C2S is the server's verdict on reaching it; S2C is the client's
	// verdict on being reached.
	C2S   Verdict
	S2C   Verdict
	Error string `json:",omitempty"`
}

// listen opens the client's ephemeral port. It is a variable for tests.
var listen = func() (net.Listener, error) {
	return net.Listen("tcp", ":0")
}

// parsePrepare extracts the server's port and the test time in seconds.
func parsePrepare(m protocol.Messager, frame *protocol.Message) (port, seconds int, err error) {
	var ps, ts string
	if m.Encoding() == protocol.JSON {
		var ok1, ok2 bool
		ps, ok1 = m.Field(frame.Body, "empheralPortNumber")
		ts, ok2 = m.Field(frame.Body, "testTime")
		if !ok1 || !ok2 {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadPrepare, frame.Body)
		}
	} else {
		var found bool
		ps, ts, found = strings.Cut(string(frame.Body), " ")
		if !found {
			return 0, 0, fmt.Errorf("%w: %q", ErrBadPrepare, frame.Body)
		}
	}
	if port, err = strconv.Atoi(ps); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadPrepare, err)
	}
	if seconds, err = strconv.Atoi(ts); err != nil {
		return 0, 0, fmt.Errorf("%w: %v", ErrBadPrepare, err)
	}
	return port, seconds, nil
}

// knock connects to the server's ephemeral port and sends the test message.
// Failures are expected behind firewalls, so they are only logged.
func knock(ctx context.Context, dialer protocol.DataDialer, enc protocol.Encoding, port int, timeout time.Duration) {
	conn, err := dialer.DialData(ctx, protocol.TestSFW, port, timeout)
	if err != nil {
		logging.Logger.WithError(err).Info("Could not reach the server's firewall test port")
		return
	}
	c := protocol.AdaptNetConn(conn)
	defer warnonerror.Close(c, "Could not close the firewall test connection")
	c.SetEncoding(enc)
	if err := c.Messager().SendMessage(protocol.TestMsg, []byte(TestMessage)); err != nil {
		logging.Logger.WithError(err).Info("Could not send the firewall test message")
	}
}

// ManageTest runs the client side of the firewall test.
func ManageTest(ctx context.Context, controlConn protocol.Connection, dialer protocol.DataDialer, sink status.Sink) (record *ArchivalData, err error) {
	record = &ArchivalData{}
	defer func() {
		if err != nil {
			record.Error = err.Error()
		}
	}()

	m := controlConn.Messager()
	connType := m.Encoding().String()
	sink.SetProgressText("checkingFirewalls")

	frame, err := m.ReceiveFrame(protocol.TestPrepare)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "sfw", "TestPrepare").Inc()
		return record, err
	}
	port, seconds, err := parsePrepare(m, frame)
	if err != nil {
		logging.Logger.WithError(err).Warn("Bad firewall TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "sfw", "TestPrepareParse").Inc()
		return record, err
	}
	record.ServerPort = port
	record.TestTime = time.Duration(seconds) * time.Second

	ln, err := listen()
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not open the firewall test port")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "sfw", "Listen").Inc()
		return record, err
	}
	defer ln.Close()
	record.ClientPort = ln.Addr().(*net.TCPAddr).Port

	err = m.SendMessage(protocol.TestMsg, []byte(strconv.Itoa(record.ClientPort)))
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not send the firewall test port")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "sfw", "TestMsgSend").Inc()
		return record, err
	}
	_, err = m.ReceiveMessage(protocol.TestStart)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read TestStart")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "sfw", "TestStart").Inc()
		return record, err
	}

	w := startWorker(ctx, ln, m.Encoding(), record.TestTime)
	knock(ctx, dialer, m.Encoding(), port, record.TestTime)

	body, err := m.ReceiveMessage(protocol.TestMsg)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the server's firewall verdict")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "sfw", "TestMsg").Inc()
		w.abandon()
		return record, err
	}
	// An unparseable verdict counts as not tested.
	c2s, _ := strconv.Atoi(string(body))
	record.C2S = Verdict(c2s)
	record.S2C = w.join(record.TestTime + joinSlack)
	ndt5metrics.FirewallVerdicts.WithLabelValues("c2s", record.C2S.String()).Inc()
	ndt5metrics.FirewallVerdicts.WithLabelValues("s2c", record.S2C.String()).Inc()

	_, err = m.ReceiveMessage(protocol.TestFinalize)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the firewall TestFinalize")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "sfw", "TestFinalize").Inc()
		return record, err
	}
	sink.Report("Checking for firewalls: done")
	return record, nil
}

// Findings describes the verdicts. host names the server.
func Findings(host string, r *ArchivalData) []string {
	var out []string
	switch r.C2S {
	case NoFirewall:
		out = append(out, fmt.Sprintf("Server '%s' is not behind a firewall. [Connection to the ephemeral port was successful]", host))
	case Possible:
		out = append(out, fmt.Sprintf("Server '%s' is probably behind a firewall. [Connection to the ephemeral port failed]", host))
	}
	switch r.S2C {
	case NoFirewall:
		out = append(out, "Client is not behind a firewall. [Connection to the ephemeral port was successful]")
	case Possible:
		out = append(out, "Client is probably behind a firewall. [Connection to the ephemeral port failed]")
	}
	return out
}
