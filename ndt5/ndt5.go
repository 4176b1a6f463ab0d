// Package ndt5 runs the client side of an ndt5 session: it logs in, waits in
// the server's queue, runs the sub-tests the server asks for, and interprets
// the results the server sends back.
package ndt5

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/ndt5-client/data"
	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/metadata"
	"github.com/m-lab/ndt5-client/metrics"
	"github.com/m-lab/ndt5-client/ndt5/control"
	ndt5metrics "github.com/m-lab/ndt5-client/ndt5/metrics"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/status"
	"github.com/m-lab/ndt5-client/netx"
	"github.com/m-lab/ndt5-client/results"
	"github.com/m-lab/ndt5-client/version"
)

// Errors that end a session.
var (
	ErrStopped             = errors.New("stopped")
	ErrServerBusy          = errors.New("server busy")
	ErrServerBusy60s       = errors.New("server busy for 60 seconds")
	ErrServerFault         = errors.New("server fault")
	ErrIncompatibleVersion = errors.New("incompatible version")
	ErrUnknownTest         = errors.New("unknown test id")
	ErrLoginRejected       = errors.New("wrong message during login")
	ErrUnsupportedOverWS   = errors.New("test is not supported over websockets")
	ErrBadTransport        = errors.New("unknown transport")
)

// Transport is the kind of connection that carries the control channel.
type Transport int

// The transports a server may offer.
const (
	Plain Transport = iota
	TLS
	WS
	WSS
)

func (t Transport) String() string {
	switch t {
	case Plain:
		return "plain"
	case TLS:
		return "tls"
	case WS:
		return "ws"
	case WSS:
		return "wss"
	}
	return fmt.Sprintf("Transport(%d)", int(t))
}

// ParseTransport is the inverse of String.
func ParseTransport(s string) (Transport, error) {
	for _, t := range []Transport{Plain, TLS, WS, WSS} {
		if strings.EqualFold(s, t.String()) {
			return t, nil
		}
	}
	return Plain, fmt.Errorf("%w: %q", ErrBadTransport, s)
}

// DefaultPort is the port servers conventionally listen on for t.
func (t Transport) DefaultPort() int {
	switch t {
	case WS:
		return 3002
	case TLS, WSS:
		return 3010
	}
	return 3001
}

// IsWebsocket reports whether t runs over websockets.
func (t Transport) IsWebsocket() bool {
	return t == WS || t == WSS
}

// Settings describe one session.
type Settings struct {
	Host      string
	Port      int
	Transport Transport
	// Tests is the set of sub-tests to request. TestStatus is always added.
	Tests protocol.TestFlags
	// Application names the program running the test in the META values.
	Application string
	Metadata    []metadata.NameValue

	PreferIPv6        bool
	CongestionControl string
	TLSConfig         *tls.Config
	ConnectTimeout    time.Duration
	// WSQuery is added to the websocket URLs, e.g. the access token a
	// locate service handed out.
	WSQuery url.Values

	// Sink receives progress. It defaults to status.Discard{}.
	Sink status.Sink
}

// Client runs sessions against one server.
type Client struct {
	Settings
	dialer netx.Dialer
}

// NewClient fills in the defaults of s and returns a Client.
func NewClient(s Settings) *Client {
	if s.Port == 0 {
		s.Port = s.Transport.DefaultPort()
	}
	if s.Tests == 0 {
		s.Tests = protocol.DefaultTests
	}
	if s.ConnectTimeout == 0 {
		s.ConnectTimeout = 30 * time.Second
	}
	if s.Sink == nil {
		s.Sink = status.Discard{}
	}
	return &Client{
		Settings: s,
		dialer: netx.Dialer{
			Timeout:           s.ConnectTimeout,
			PreferIPv6:        s.PreferIPv6,
			CongestionControl: s.CongestionControl,
		},
	}
}

// errorLabel turns the error that ended a session into a metric label.
func errorLabel(err error) string {
	var wme *protocol.WrongMessageError
	switch {
	case err == nil:
		return "okay"
	case errors.Is(err, ErrStopped):
		return "stopped"
	case errors.Is(err, ErrServerBusy), errors.Is(err, ErrServerBusy60s):
		return "busy"
	case errors.Is(err, ErrServerFault):
		return "fault"
	case errors.Is(err, ErrIncompatibleVersion):
		return "version"
	case errors.Is(err, ErrUnknownTest):
		return "unknown-test"
	case errors.Is(err, ErrLoginRejected):
		return "login"
	case errors.Is(err, ErrUnsupportedOverWS):
		return "unsupported"
	case errors.As(err, &wme):
		return "wrong-message"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "context"
	}
	return "error"
}

// Run performs one complete session. The returned record is never nil and
// holds whatever was measured before an error.
func (c *Client) Run(ctx context.Context) (*data.NDT5Result, error) {
	label := c.Transport.String()
	metrics.ActiveTests.Inc()
	defer metrics.ActiveTests.Dec()
	defer func(start time.Time) {
		ndt5metrics.ControlChannelDuration.WithLabelValues(label).Observe(
			time.Since(start).Seconds())
	}(time.Now())

	s := newSession(ctx, c)
	err := s.run()
	ndt5metrics.ControlCount.WithLabelValues(label, errorLabel(err)).Inc()
	if err != nil {
		s.record.Control.Error = err.Error()
	}
	return s.record, err
}

// newRecord creates the archival record of a session that is about to start.
func (c *Client) newRecord() *data.NDT5Result {
	return &data.NDT5Result{
		GitShortCommit: prometheusx.GitShortCommit,
		Version:        version.Version,
		SchemaVersion:  data.CurrentSchemaVersion,
		ServerName:     c.Host,
		ServerPort:     c.Port,
		StartTime:      time.Now(),
		Control: &control.ArchivalData{
			// Replaced by the socket UUID once the control channel is up.
			UUID:           uuid.NewString(),
			Protocol:       c.Transport.String(),
			RequestedTests: (c.Tests | protocol.TestStatus).String(),
		},
	}
}

// SaveData archives the record to datadir/YYYY/MM/DD/<uuid>.json.
func SaveData(record *data.NDT5Result, datadir string, compress bool) error {
	if record == nil || record.Control == nil {
		return errors.New("nil record won't be saved")
	}
	fp, err := results.NewFile(record.Control.UUID, datadir, record.StartTime, compress)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not open result file")
		return err
	}
	defer warnonerror.Close(fp, "Could not close result file")
	if err := fp.WriteResult(record); err != nil {
		logging.Logger.WithError(err).Warn("Could not write result")
		return err
	}
	logging.Logger.WithField("file", fp.Name).Info("Wrote result")
	return nil
}
