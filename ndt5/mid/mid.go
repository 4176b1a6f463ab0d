// Package mid implements the client side of the middlebox test: a short
// receive from the server followed by an exchange of what each end thinks
// the connection's addresses are.
package mid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/apex/log"
	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/ndt5-client/logging"
	ndt5metrics "github.com/m-lab/ndt5-client/ndt5/metrics"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/status"
	"github.com/m-lab/ndt5-client/netx"
)

const (
	// BufferSize is the read size used on the middlebox socket.
	BufferSize = 8192
	// dialTimeout bounds both the connection and every read.
	dialTimeout = 6500 * time.Millisecond
)

// receiveDuration is checked after every read.
var receiveDuration = 5500 * time.Millisecond

// ArchivalData is the data saved by the middlebox test.
type ArchivalData struct {
	UUID       string
	ServerIP   string
	ServerPort int
	ClientIP   string
	ClientPort int

	StartTime      time.Time
	EndTime        time.Time
	BytesReceived  int64
	ThroughputKbps float64

	// Result is the server's middlebox report with the client's view of the
	// addresses appended. Analyze interprets it.
	Result string

	Error string `json:",omitempty"`
}

// receive reads conn until EOF or the soft deadline. Read errors end the
// transfer without failing the test.
func receive(conn net.Conn) int64 {
	var total int64
	buf := make([]byte, BufferSize)
	start := time.Now()
	for {
		conn.SetReadDeadline(time.Now().Add(dialTimeout))
		n, err := conn.Read(buf)
		total += int64(n)
		if err != nil {
			if err != io.EOF {
				logging.Logger.WithError(err).Warn("Middlebox read ended early")
			}
			return total
		}
		if time.Since(start) > receiveDuration {
			return total
		}
	}
}

// appendAddresses adds the client's view of the server and client addresses
// to the server's report.
func appendAddresses(m protocol.Messager, result []byte, serverIP, clientIP string) (string, error) {
	if m.Encoding() != protocol.JSON {
		return string(result) + serverIP + ";" + clientIP + ";", nil
	}
	fields := map[string]interface{}{}
	dec := json.NewDecoder(bytes.NewReader(result))
	dec.UseNumber()
	if err := dec.Decode(&fields); err != nil {
		return "", fmt.Errorf("middlebox result is not a JSON object: %w", err)
	}
	fields["ClientSideServerIp"] = serverIP
	fields["ClientSideClientIp"] = clientIP
	b, err := json.Marshal(fields)
	return string(b), err
}

// ManageTest runs the client side of the middlebox test.
func ManageTest(ctx context.Context, controlConn protocol.Connection, dialer protocol.DataDialer, sink status.Sink) (record *ArchivalData, err error) {
	record = &ArchivalData{}
	defer func() {
		if err != nil {
			record.Error = err.Error()
		}
	}()

	m := controlConn.Messager()
	connType := m.Encoding().String()
	sink.SetProgressText("checkingMiddleboxes")

	body, err := m.ReceiveMessage(protocol.TestPrepare)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "mid", "TestPrepare").Inc()
		return record, err
	}
	port, err := strconv.Atoi(string(body))
	if err != nil {
		logging.Logger.WithError(err).Warn("Bad port in TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "mid", "TestPreparePort").Inc()
		return record, err
	}

	testConn, err := dialer.DialData(ctx, protocol.TestMID, port, dialTimeout)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not connect to the middlebox port")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "mid", "Dial").Inc()
		return record, err
	}
	defer warnonerror.Close(testConn, "Could not close middlebox connection")
	record.UUID = netx.UUID(testConn)
	local := netx.ToTCPAddr(testConn.LocalAddr())
	remote := netx.ToTCPAddr(testConn.RemoteAddr())
	if local != nil {
		record.ClientIP, record.ClientPort = local.IP.String(), local.Port
	}
	if remote != nil {
		record.ServerIP, record.ServerPort = remote.IP.String(), remote.Port
	}

	record.StartTime = time.Now()
	record.BytesReceived = receive(testConn)
	record.EndTime = time.Now()
	if ms := record.EndTime.Sub(record.StartTime).Milliseconds(); ms > 0 {
		record.ThroughputKbps = float64(8*record.BytesReceived) / float64(ms)
	}
	logging.Logger.WithFields(log.Fields{
		"bytes": record.BytesReceived,
		"kbps":  record.ThroughputKbps,
	}).Debug("Middlebox transfer complete")

	// The report is kept as sent, envelope included.
	frame, err := m.ReceiveFrame(protocol.TestMsg)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the middlebox result")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "mid", "TestMsg").Inc()
		return record, err
	}
	err = m.SendMessage(protocol.TestMsg, []byte(protocol.FormatDouble(record.ThroughputKbps)))
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not send the middlebox throughput")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "mid", "TestMsgSend").Inc()
		return record, err
	}
	record.Result, err = appendAddresses(m, frame.Body, record.ServerIP, record.ClientIP)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not add the client addresses")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "mid", "Result").Inc()
		return record, err
	}

	_, err = m.ReceiveMessage(protocol.TestFinalize)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the middlebox TestFinalize")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "mid", "TestFinalize").Inc()
		return record, err
	}
	sink.Report("Checking for middleboxes: done")
	return record, nil
}
