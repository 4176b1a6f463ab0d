package s2c

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/m-lab/go/warnonerror"
	"github.com/m-lab/tcp-info/tcp"

	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/metrics"
	ndt5metrics "github.com/m-lab/ndt5-client/ndt5/metrics"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/sampler"
	"github.com/m-lab/ndt5-client/ndt5/status"
	"github.com/m-lab/ndt5-client/ndt5/web100"
	"github.com/m-lab/ndt5-client/netx"
	"github.com/m-lab/ndt5-client/tcpinfox"
)

const (
	readBufferSize = 8192
	dialTimeout    = 30 * time.Second
	// drainTimeout applies to each control read while the server dumps its
	// web100 variables.
	drainTimeout = 5 * time.Second
)

// These are variables so tests can shorten them.
var (
	// readTimeout is the absolute deadline of the data socket.
	readTimeout = 15 * time.Second
	// receiveDuration is checked after every read.
	receiveDuration = 14500 * time.Millisecond
)

// ErrBadResults is returned when the server's throughput report does not parse.
var ErrBadResults = errors.New("could not parse the server's s2c results")

// ArchivalData is the data saved by the S2C test. If a researcher wants deeper
// data, then they should use the UUID to get deeper data from tcp-info.
type ArchivalData struct {
	UUID string

	// The server and client IP are here as well as in the containing struct
	// because happy eyeballs means that we may have a IPv4 control connection
	// causing a IPv6 connection to the test port or vice versa.
	ServerIP   string
	ServerPort int
	ClientIP   string
	ClientPort int

	StartTime     time.Time
	EndTime       time.Time
	BytesReceived int64
	// MeanThroughputMbps is measured by the client.
	MeanThroughputMbps float64
	// ServerMeasuredMbps, UnsentDataAmount and TotalSentByte are the
	// server's report on its side of the transfer.
	ServerMeasuredMbps float64
	UnsentDataAmount   int
	TotalSentByte      float64
	Samples            []sampler.Sample `json:",omitempty"`

	// Web100 is the variable dump that ends the test, as received.
	Web100 string `json:",omitempty"`

	TCPInfo *tcp.LinuxTCPInfo `json:",omitempty"`
	Error   string            `json:",omitempty"`
}

// receive reads conn until EOF, an error, or the soft deadline.
func receive(ctx context.Context, conn net.Conn, counter *sampler.Counter) error {
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	start := time.Now()
	conn.SetReadDeadline(start.Add(readTimeout))
	buf := make([]byte, readBufferSize)
	for {
		n, err := conn.Read(buf)
		counter.Add(int64(n))
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		if time.Since(start) > receiveDuration {
			return nil
		}
	}
}

// parseResults reads the server's throughput, unsent queue and total bytes.
func parseResults(m protocol.Messager, body []byte) (kbps float64, unsent int, total float64, err error) {
	var fields []string
	if m.Encoding() == protocol.JSON {
		for _, key := range []string{"ThroughputValue", "UnsentDataAmount", "TotalSentByte"} {
			v, ok := m.Field(body, key)
			if !ok {
				return 0, 0, 0, fmt.Errorf("%w: no %s", ErrBadResults, key)
			}
			fields = append(fields, v)
		}
	} else {
		fields = strings.SplitN(string(body), " ", 3)
		if len(fields) != 3 {
			return 0, 0, 0, fmt.Errorf("%w: %q", ErrBadResults, body)
		}
	}
	if kbps, err = strconv.ParseFloat(fields[0], 64); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrBadResults, err)
	}
	if unsent, err = strconv.Atoi(fields[1]); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrBadResults, err)
	}
	if total, err = strconv.ParseFloat(fields[2], 64); err != nil {
		return 0, 0, 0, fmt.Errorf("%w: %v", ErrBadResults, err)
	}
	return kbps, unsent, total, nil
}

// drainWeb100 concatenates TestMsg bodies until TestFinalize.
func drainWeb100(controlConn protocol.Connection, m protocol.Messager) (string, error) {
	controlConn.SetReadTimeout(drainTimeout)
	var sb strings.Builder
	for {
		msg, err := m.ReceiveAny()
		if err != nil {
			return sb.String(), err
		}
		switch msg.Type {
		case protocol.TestFinalize:
			return sb.String(), nil
		case protocol.TestMsg:
			s, ok := m.Unwrap(msg.Body)
			if !ok {
				s = string(msg.Body)
			}
			sb.WriteString(s)
		default:
			e := &protocol.WrongMessageError{Wanted: protocol.TestMsg, Got: msg}
			if msg.Type == protocol.MsgError {
				e.ErrorCode = protocol.ParseBodyInt(m, msg.Body, 16)
			}
			return sb.String(), e
		}
	}
}

// ManageTest runs the client side of the s2c test. controlTimeout is
// restored on the control connection once the web100 drain is over.
func ManageTest(ctx context.Context, controlConn protocol.Connection, dialer protocol.DataDialer, sink status.Sink, controlTimeout time.Duration) (record *ArchivalData, err error) {
	record = &ArchivalData{}
	defer func() {
		if err != nil {
			record.Error = err.Error()
		}
	}()

	m := controlConn.Messager()
	connType := m.Encoding().String()

	body, err := m.ReceiveMessage(protocol.TestPrepare)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "TestPrepare").Inc()
		return record, err
	}
	port, err := strconv.Atoi(string(body))
	if err != nil {
		logging.Logger.WithError(err).Warn("Bad port in TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "TestPreparePort").Inc()
		return record, err
	}

	testConn, err := dialer.DialData(ctx, protocol.TestS2C, port, dialTimeout)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not connect to the s2c port")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "Dial").Inc()
		return record, err
	}
	defer warnonerror.Close(testConn, "Could not close test connection")
	record.UUID = netx.UUID(testConn)
	if a := netx.ToTCPAddr(testConn.LocalAddr()); a != nil {
		record.ClientIP, record.ClientPort = a.IP.String(), a.Port
	}
	if a := netx.ToTCPAddr(testConn.RemoteAddr()); a != nil {
		record.ServerIP, record.ServerPort = a.IP.String(), a.Port
	}

	_, err = m.ReceiveMessage(protocol.TestStart)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read TestStart")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "TestStart").Inc()
		return record, err
	}

	sink.SetProgressText("runningInboundTest")
	counter := &sampler.Counter{}
	smp := sampler.New(counter, testConn)
	smp.Start(ctx, func(s sampler.Sample) {
		sink.SetProgressText(fmt.Sprintf("S2C %.2f Mbps", s.Mbps))
	})
	record.StartTime = time.Now()
	err = receive(ctx, testConn, counter)
	record.EndTime = time.Now()
	record.Samples = smp.Stop()
	record.BytesReceived = counter.Load()
	if info, terr := tcpinfox.GetTCPInfo(testConn); terr == nil {
		record.TCPInfo = info
	}
	if err != nil {
		logging.Logger.WithError(err).Warn("Failed while reading the s2c data")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "Receive").Inc()
		return record, err
	}
	record.MeanThroughputMbps = sampler.Mbps(record.BytesReceived, record.EndTime.Sub(record.StartTime))
	metrics.TestRate.WithLabelValues("s2c", "client").Observe(record.MeanThroughputMbps)

	frame, err := m.ReceiveFrame(protocol.TestMsg)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the s2c results")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "TestMsgRcv").Inc()
		return record, err
	}
	body = frame.Body
	if m.Encoding() != protocol.JSON {
		body = []byte(strings.TrimSpace(string(body)))
	}
	kbps, unsent, total, err := parseResults(m, body)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not parse the s2c results")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "TestMsgParse").Inc()
		return record, err
	}
	record.ServerMeasuredMbps = kbps / 1000
	record.UnsentDataAmount = unsent
	record.TotalSentByte = total
	metrics.TestRate.WithLabelValues("s2c", "server").Observe(record.ServerMeasuredMbps)
	sink.Report(fmt.Sprintf("S2C throughput: %.2f Mbps (server measured %.2f Mbps)",
		record.MeanThroughputMbps, record.ServerMeasuredMbps))

	err = m.SendMessage(protocol.TestMsg, []byte(protocol.FormatDouble(record.MeanThroughputMbps*1000)))
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not send the client throughput")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "TestMsgSend").Inc()
		return record, err
	}

	record.Web100, err = drainWeb100(controlConn, m)
	controlConn.SetReadTimeout(controlTimeout)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the web100 variables")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "s2c", "Web100").Inc()
		return record, err
	}
	logging.Logger.WithField("variables", web100.Parse(record.Web100).Len()).Debug("S2C web100 drain complete")
	return record, nil
}
