package ndt5

import (
	"context"
	"fmt"
	"net"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/apex/log"

	"github.com/m-lab/ndt5-client/data"
	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/ndt5/c2s"
	"github.com/m-lab/ndt5-client/ndt5/meta"
	ndt5metrics "github.com/m-lab/ndt5-client/ndt5/metrics"
	"github.com/m-lab/ndt5-client/ndt5/mid"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/s2c"
	"github.com/m-lab/ndt5-client/ndt5/sfw"
	"github.com/m-lab/ndt5-client/ndt5/web100"
	"github.com/m-lab/ndt5-client/netx"
)

// Read timeouts of the control channel before and after the kickoff.
var (
	loginTimeout   = 30 * time.Second
	controlTimeout = 60 * time.Second
)

// Queue codes carried by SrvQueue.
const (
	queueStart     = 0
	queueFault     = 9977
	queueBusy      = 9988
	queueHeartbeat = 9990
	queueBusy60s   = 9999
)

// invalidLogin is what servers that understand the extended login answer
// to a login they cannot parse. It never triggers a downgrade.
const invalidLogin = "Invalid login message."

const stopMessage = "Manually stopped by the user"

type state int

const (
	stateConnecting state = iota
	stateAwaitKickoff
	stateQueueing
	stateReconnecting
	stateVersionCheck
	stateNegotiating
	stateRunningTests
	stateDraining
	stateDone
	stateFailed
)

func (s state) String() string {
	switch s {
	case stateConnecting:
		return "Connecting"
	case stateAwaitKickoff:
		return "AwaitKickoff"
	case stateQueueing:
		return "Queueing"
	case stateReconnecting:
		return "Reconnecting"
	case stateVersionCheck:
		return "VersionCheck"
	case stateNegotiating:
		return "Negotiating"
	case stateRunningTests:
		return "RunningTests"
	case stateDraining:
		return "Draining"
	case stateDone:
		return "Done"
	case stateFailed:
		return "Failed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// session is the state of one run of the control protocol.
type session struct {
	ctx    context.Context
	client *Client
	record *data.NDT5Result

	state state
	enc   protocol.Encoding
	conn  protocol.Connection
	raw   net.Conn
	// release undoes the context watch on conn.
	release func() bool

	waitSeen   bool
	negotiated []string
	successful protocol.TestFlags
	results    strings.Builder
}

func newSession(ctx context.Context, c *Client) *session {
	return &session{
		ctx:        ctx,
		client:     c,
		record:     c.newRecord(),
		state:      stateConnecting,
		enc:        protocol.JSON,
		successful: c.Tests | protocol.TestStatus,
	}
}

// run drives the state machine until it is done or has failed.
func (s *session) run() error {
	defer s.closeConn()
	defer func() { s.record.EndTime = time.Now() }()
	if s.client.Transport.IsWebsocket() && s.client.Tests&(protocol.TestMID|protocol.TestSFW) != 0 {
		s.state = stateFailed
		return ErrUnsupportedOverWS
	}
	for s.state != stateDone {
		next, err := s.step()
		if err != nil {
			logging.Logger.WithError(err).WithField("state", s.state.String()).Warn("session failed")
			s.state = stateFailed
			return err
		}
		logging.Logger.WithFields(log.Fields{
			"from": s.state.String(),
			"to":   next.String(),
		}).Debug("session transition")
		s.state = next
	}
	return nil
}

func (s *session) step() (state, error) {
	switch s.state {
	case stateConnecting:
		return s.connect()
	case stateAwaitKickoff:
		return s.login()
	case stateQueueing:
		return s.queue()
	case stateReconnecting:
		return s.downgrade()
	case stateVersionCheck:
		return s.checkVersion()
	case stateNegotiating:
		return s.negotiate()
	case stateRunningTests:
		return s.runTests()
	case stateDraining:
		return s.drain()
	}
	return stateFailed, fmt.Errorf("no transition out of %s", s.state)
}

func (s *session) closeConn() {
	if s.conn == nil {
		return
	}
	s.release()
	s.conn.Close()
	s.conn = nil
}

func (s *session) messager() protocol.Messager {
	return s.conn.Messager()
}

func (s *session) label() string {
	return s.client.Transport.String()
}

func (s *session) connect() (state, error) {
	sink := s.client.Sink
	sink.SetProgressText("connectingTo")
	conn, raw, err := s.client.dialControl(s.ctx)
	if err != nil {
		return stateFailed, fmt.Errorf("could not connect to %s: %w", s.client.Host, err)
	}
	conn.SetEncoding(s.enc)
	s.conn, s.raw = conn, raw
	// Blocking reads on the control channel end when the context does.
	s.release = context.AfterFunc(s.ctx, func() { conn.Close() })

	s.record.Control.UUID = conn.UUID()
	s.record.ServerIP = conn.RemoteIP()
	s.record.ClientIP = conn.LocalIP()
	if a := netx.ToTCPAddr(raw.LocalAddr()); a != nil {
		s.record.ClientPort = a.Port
	}
	if a := netx.ToTCPAddr(raw.RemoteAddr()); a != nil {
		s.record.ServerPort = a.Port
	}
	family := "IPv4"
	if netx.IsIPv6(raw) {
		family = "IPv6"
	}
	sink.Report(fmt.Sprintf("Connected to: %s  --  Using %s address", s.client.Host, family))
	return stateAwaitKickoff, nil
}

func (s *session) login() (state, error) {
	m := s.messager()
	tests := s.client.Tests | protocol.TestStatus
	kind := protocol.MsgExtendedLogin
	if s.enc == protocol.TLV {
		kind = protocol.MsgLogin
	}
	if err := m.SendLogin(kind, tests); err != nil {
		return stateFailed, fmt.Errorf("could not send login: %w", err)
	}
	s.conn.SetReadTimeout(loginTimeout)
	if err := s.conn.ReadKickoff(); err != nil {
		return stateFailed, fmt.Errorf("could not read kickoff: %w", err)
	}
	s.conn.SetReadTimeout(controlTimeout)
	s.record.Control.MessageProtocol = m.Encoding().String()
	return stateQueueing, nil
}

// queue waits in the server's queue. The first frame that is not SrvQueue
// ends the wait.
func (s *session) queue() (state, error) {
	m := s.messager()
	sink := s.client.Sink
	for {
		msg, err := m.ReceiveAny()
		if err != nil {
			return stateFailed, fmt.Errorf("waiting in queue: %w", err)
		}
		if msg.Type != protocol.SrvQueue {
			text, ok := m.Unwrap(msg.Body)
			if !ok {
				text = string(msg.Body)
			}
			if s.enc == protocol.JSON && !s.client.Transport.IsWebsocket() &&
				text != invalidLogin && string(msg.Body) != invalidLogin {
				return stateReconnecting, nil
			}
			return stateFailed, fmt.Errorf("%w: %s %q", ErrLoginRejected, msg.Type, text)
		}
		s.record.Control.QueueMessages++
		code := protocol.ParseBodyInt(m, msg.Body, 10)
		switch code {
		case queueStart:
			ndt5metrics.QueueWaits.WithLabelValues(s.label(), "start").Inc()
			return stateVersionCheck, nil
		case queueFault:
			ndt5metrics.QueueWaits.WithLabelValues(s.label(), "fault").Inc()
			sink.Report("Server Fault: Test terminated for unknown reason")
			return stateFailed, ErrServerFault
		case queueBusy:
			ndt5metrics.QueueWaits.WithLabelValues(s.label(), "busy").Inc()
			if s.waitSeen {
				sink.Report("Server Fault: Test terminated for unknown reason")
				return stateFailed, ErrServerFault
			}
			sink.Report("Server Busy: Please wait 15 minutes for previous test to finish")
			return stateFailed, ErrServerBusy
		case queueBusy60s:
			ndt5metrics.QueueWaits.WithLabelValues(s.label(), "busy60s").Inc()
			sink.Report("Server Busy: Please wait 60 seconds for previous test to finish")
			return stateFailed, ErrServerBusy60s
		case queueHeartbeat:
			ndt5metrics.QueueWaits.WithLabelValues(s.label(), "heartbeat").Inc()
			tests := s.client.Tests | protocol.TestStatus
			if err := m.SendMessage(protocol.MsgWaiting, []byte{byte(tests)}); err != nil {
				return stateFailed, fmt.Errorf("could not answer heartbeat: %w", err)
			}
		default:
			ndt5metrics.QueueWaits.WithLabelValues(s.label(), "wait").Inc()
			sink.Report(fmt.Sprintf(
				"Another client is currently being served, your test will begin within %d seconds", code*60))
			s.waitSeen = true
		}
	}
}

// downgrade reconnects speaking the legacy encoding. Only JSON sessions get
// here, and they leave as TLV sessions, so it happens at most once.
func (s *session) downgrade() (state, error) {
	logging.Logger.WithField("server", s.client.Host).Info("Server rejected the extended login, falling back to the legacy encoding")
	ndt5metrics.EncodingDowngrades.Inc()
	s.closeConn()
	s.enc = protocol.TLV
	s.record.Control.Downgraded = true
	return stateConnecting, nil
}

// parseVersion splits the server's version announcement into the version
// proper and the kind of server.
func parseVersion(body string) (version, serverType string, err error) {
	if !strings.HasPrefix(body, "v") {
		return "", "", fmt.Errorf("%w: %q", ErrIncompatibleVersion, body)
	}
	version = body[1:]
	serverType = "web100"
	if strings.HasSuffix(body, "Web10G") {
		serverType = "web10g"
	}
	if strings.HasSuffix(body, "Web10G") || strings.HasSuffix(body, "Web100") {
		if i := strings.LastIndex(version, "-"); i >= 0 {
			version = version[:i]
		}
	}
	return version, serverType, nil
}

func (s *session) checkVersion() (state, error) {
	body, err := s.messager().ReceiveMessage(protocol.MsgLogin)
	if err != nil {
		return stateFailed, fmt.Errorf("reading server version: %w", err)
	}
	version, serverType, err := parseVersion(string(body))
	if err != nil {
		return stateFailed, err
	}
	if version != protocol.Version {
		logging.Logger.WithFields(log.Fields{
			"server": version,
			"client": protocol.Version,
		}).Warn("Incompatible version number")
		s.client.Sink.Report("WARNING: NDT server has different version number (" + version + ")")
	}
	s.record.Control.ServerVersion = version
	s.record.Control.ServerType = serverType
	return stateNegotiating, nil
}

func (s *session) negotiate() (state, error) {
	body, err := s.messager().ReceiveMessage(protocol.MsgLogin)
	if err != nil {
		return stateFailed, fmt.Errorf("reading test list: %w", err)
	}
	s.record.Control.NegotiatedTests = string(body)
	s.negotiated = strings.Fields(string(body))
	return stateRunningTests, nil
}

func (s *session) wantToStop() bool {
	return s.ctx.Err() != nil || s.client.Sink.WantToStop()
}

// stop tells the server the user gave up and ends the session.
func (s *session) stop() (state, error) {
	err := s.messager().SendMessage(protocol.MsgError, []byte(stopMessage))
	if err != nil {
		logging.Logger.WithError(err).Debug("Could not tell the server we stopped")
	}
	s.closeConn()
	return stateFailed, ErrStopped
}

func (s *session) runTests() (state, error) {
	for _, token := range s.negotiated {
		if s.wantToStop() {
			return s.stop()
		}
		id, err := strconv.Atoi(token)
		if err != nil {
			logging.Logger.WithField("token", token).Warn("Skipping a test id that is not a number")
			continue
		}
		if err := s.runTest(protocol.TestFlags(id)); err != nil {
			return stateFailed, err
		}
	}
	if s.wantToStop() {
		return s.stop()
	}
	s.record.Control.SuccessfulTests = s.successful.String()
	return stateDraining, nil
}

// runTest runs one sub-test. Only an id it does not know is returned as an
// error; a failing sub-test is recorded and the session moves on.
func (s *session) runTest(test protocol.TestFlags) error {
	var (
		name   string
		err    error
		sink   = s.client.Sink
		dialer = &dataDialer{client: s.client, serverIP: s.conn.RemoteIP()}
	)
	switch test {
	case protocol.TestMID:
		name = "mid"
		if s.client.Transport.IsWebsocket() {
			return ErrUnsupportedOverWS
		}
		s.record.MID, err = mid.ManageTest(s.ctx, s.conn, dialer, sink)
	case protocol.TestC2S:
		name = "c2s"
		s.record.C2S, err = c2s.ManageTest(s.ctx, s.conn, dialer, sink)
	case protocol.TestS2C:
		name = "s2c"
		s.record.S2C, err = s2c.ManageTest(s.ctx, s.conn, dialer, sink, controlTimeout)
	case protocol.TestSFW:
		name = "sfw"
		if s.client.Transport.IsWebsocket() {
			return ErrUnsupportedOverWS
		}
		s.record.SFW, err = sfw.ManageTest(s.ctx, s.conn, dialer, sink)
	case protocol.TestMETA:
		name = "meta"
		s.record.Control.ClientMetadata, err = meta.ManageTest(
			s.ctx, s.messager(), sink, meta.Values(s.client.Application, s.client.Metadata))
	default:
		return fmt.Errorf("%w: %d", ErrUnknownTest, int(test))
	}
	ndt5metrics.ServerRequestedTests.WithLabelValues(s.label(), name).Inc()
	if err != nil {
		logging.Logger.WithError(err).WithField("test", name).Warn("sub-test failed")
		sink.Report(fmt.Sprintf("%s test failed: %v", strings.ToUpper(name), err))
		s.successful &^= test
		ndt5metrics.ClientTestResults.WithLabelValues(s.label(), name, "error").Inc()
		return nil
	}
	ndt5metrics.ClientTestResults.WithLabelValues(s.label(), name, "okay").Inc()
	return nil
}

// drain collects the results the server sends after the sub-tests.
func (s *session) drain() (state, error) {
	m := s.messager()
	s.client.Sink.SetProgressText("receiving results")
	count := 0
	for {
		msg, err := m.ReceiveAny()
		if err != nil {
			return stateFailed, fmt.Errorf("reading results: %w", err)
		}
		switch msg.Type {
		case protocol.MsgResults:
			text, ok := m.Unwrap(msg.Body)
			if !ok {
				text = string(msg.Body)
			}
			s.results.WriteString(text)
			count++
		case protocol.MsgLogout:
			if count == 0 {
				s.client.Sink.Report("Results timeout: the server sent no results")
			}
			s.closeConn()
			s.interpret()
			return stateDone, nil
		default:
			e := &protocol.WrongMessageError{Wanted: protocol.MsgResults, Got: msg}
			if msg.Type == protocol.MsgError {
				e.ErrorCode = protocol.ParseBodyInt(m, msg.Body, 16)
			}
			return stateFailed, e
		}
	}
}

func (s *session) speeds() web100.Speeds {
	var sp web100.Speeds
	if r := s.record.C2S; r != nil && s.successful&protocol.TestC2S != 0 {
		sp.RanC2S, sp.C2SClient, sp.C2SServer = true, r.MeanThroughputMbps, r.ServerMeasuredMbps
	}
	if r := s.record.S2C; r != nil && s.successful&protocol.TestS2C != 0 {
		sp.RanS2C, sp.S2CClient, sp.S2CServer = true, r.MeanThroughputMbps, r.ServerMeasuredMbps
	}
	return sp
}

// interpret reads the web100 variables the server sent and fills in the
// diagnosis, the middlebox analysis and the summary.
func (s *session) interpret() {
	sink := s.client.Sink
	var dump string
	if s.record.S2C != nil {
		dump = s.record.S2C.Web100
	}
	vars := web100.Parse(dump + "\n" + s.results.String())
	s.record.Web100 = vars
	sp := s.speeds()
	diag := web100.Diagnose(vars, sp)
	s.record.Diagnosis = diag
	if diag != nil {
		for _, f := range diag.Findings {
			sink.Report(f)
		}
	}
	if r := s.record.MID; r != nil && r.Result != "" && s.successful&protocol.TestMID != 0 {
		a, err := mid.Analyze(r.Result, s.enc, vars.GetInt("TimestampsEnabled") == 1)
		if err != nil {
			logging.Logger.WithError(err).Warn("Could not analyze the middlebox result")
		} else {
			s.record.Middlebox = a
			for _, f := range a.Findings {
				sink.Report(f)
			}
		}
	}
	if r := s.record.SFW; r != nil && s.successful&protocol.TestSFW != 0 {
		for _, f := range sfw.Findings(s.client.Host, r) {
			sink.Report(f)
		}
	}
	s.record.Summary = summarize(s.record, vars, diag, sp)
}

// summarize collects the headline figures of a session.
func summarize(record *data.NDT5Result, vars *web100.Variables, diag *web100.Diagnosis, sp web100.Speeds) *data.Summary {
	maxRTT, minRTT := vars.GetInt("MaxRTT"), vars.GetInt("MinRTT")
	sum := &data.Summary{
		OSName:   runtime.GOOS,
		ClientIP: record.ClientIP,
		MaxRTTMs: maxRTT,
		MinRTTMs: minRTT,
		JitterMs: float64(maxRTT - minRTT),
		C2SMbps:  sp.C2SServer,
		S2CMbps:  sp.S2CClient,
	}
	if record.Middlebox != nil {
		sum.NATBox = record.Middlebox.NATBox
	}
	if diag != nil {
		sum.AccessTech = diag.AccessTech
		sum.PctRcvrLimited = diag.PctRcvrLimited
		sum.CongestionLimited = diag.Congestion
		sum.BufferLimited = diag.PctRcvrLimited > 0
		sum.DuplexMismatch = "no"
		if diag.Mismatch != web100.DuplexOK {
			sum.DuplexMismatch = "yes"
		}
		sum.CableOK = !diag.BadCable
		sum.AvgRTTMs = diag.AvgRTTMs
		sum.Loss = diag.Loss
	}
	return sum
}
