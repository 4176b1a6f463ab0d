package c2s

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/m-lab/go/warnonerror"

	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/metrics"
	ndt5metrics "github.com/m-lab/ndt5-client/ndt5/metrics"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/sampler"
	"github.com/m-lab/ndt5-client/ndt5/status"
	"github.com/m-lab/ndt5-client/netx"
)

const (
	// BufferSize is the size of each write on the data connection.
	BufferSize = 64 * 1024
	// dialTimeout bounds the connection to the server's test port.
	dialTimeout = 30 * time.Second
)

// testDuration is how long the client sends. The data connection is closed
// when it expires, which is what ends the send loop.
var testDuration = 10 * time.Second

// ArchivalData is the data saved by the C2S test.
type ArchivalData struct {
	// The addresses of the data connection, which may differ in family from
	// the control connection.
	ServerIP   string
	ServerPort int
	ClientIP   string
	ClientPort int

	UUID string

	StartTime time.Time
	EndTime   time.Time
	BytesSent int64
	// MeanThroughputMbps is measured by the client.
	MeanThroughputMbps float64
	// ServerMeasuredMbps is what the server reports having received.
	ServerMeasuredMbps float64
	Samples            []sampler.Sample `json:",omitempty"`

	Error string `json:",omitempty"`
}

// makeBuffer returns a buffer filled with the repeating sequence '0'..'z'.
func makeBuffer(size int) []byte {
	buf := make([]byte, size)
	c := byte('0')
	for i := range buf {
		buf[i] = c
		c++
		if c > 'z' {
			c = '0'
		}
	}
	return buf
}

// sendUntil writes buf to conn until the deadline passes or ctx is canceled.
// Either one closes conn, so the pending Write fails and the loop ends.
func sendUntil(ctx context.Context, conn net.Conn, buf []byte, counter *sampler.Counter, d time.Duration) {
	closer := time.AfterFunc(d, func() {
		conn.Close()
	})
	defer closer.Stop()
	stop := context.AfterFunc(ctx, func() {
		conn.Close()
	})
	defer stop()
	conn.SetWriteDeadline(time.Now().Add(d))
	for {
		n, err := conn.Write(buf)
		counter.Add(int64(n))
		if err != nil {
			logging.Logger.WithError(err).Debug("C2S send loop ended")
			return
		}
	}
}

// ManageTest runs the client side of the c2s test.
func ManageTest(ctx context.Context, controlConn protocol.Connection, dialer protocol.DataDialer, sink status.Sink) (record *ArchivalData, err error) {
	defer func() {
		if err != nil && record != nil {
			record.Error = err.Error()
		}
	}()
	record = &ArchivalData{}

	m := controlConn.Messager()
	connType := m.Encoding().String()

	body, err := m.ReceiveMessage(protocol.TestPrepare)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "c2s", "TestPrepare").Inc()
		return record, err
	}
	port, err := strconv.Atoi(string(body))
	if err != nil {
		logging.Logger.WithError(err).Warn("Bad port in TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "c2s", "TestPreparePort").Inc()
		return record, err
	}

	testConn, err := dialer.DialData(ctx, protocol.TestC2S, port, dialTimeout)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not connect to the c2s port")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "c2s", "Dial").Inc()
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
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "c2s", "TestStart").Inc()
		return record, err
	}

	sink.SetProgressText("runningOutboundTest")
	counter := &sampler.Counter{}
	smp := sampler.New(counter, testConn)
	smp.Start(ctx, func(s sampler.Sample) {
		sink.SetProgressText(fmt.Sprintf("C2S %.2f Mbps", s.Mbps))
	})
	record.StartTime = time.Now()
	sendUntil(ctx, testConn, makeBuffer(BufferSize), counter, testDuration)
	record.EndTime = time.Now()
	record.Samples = smp.Stop()
	record.BytesSent = counter.Load()
	record.MeanThroughputMbps = sampler.Mbps(record.BytesSent, record.EndTime.Sub(record.StartTime))
	metrics.TestRate.WithLabelValues("c2s", "client").Observe(record.MeanThroughputMbps)
	logging.Logger.WithField("mbps", record.MeanThroughputMbps).Debug("C2S client measurement")

	body, err = m.ReceiveMessage(protocol.TestMsg)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the c2s TestMsg")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "c2s", "TestMsg").Inc()
		return record, err
	}
	kbps, err := strconv.ParseFloat(string(body), 64)
	if err != nil {
		logging.Logger.WithError(err).Warn("Bad throughput in the c2s TestMsg")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "c2s", "TestMsgValue").Inc()
		return record, err
	}
	record.ServerMeasuredMbps = kbps / 1000
	metrics.TestRate.WithLabelValues("c2s", "server").Observe(record.ServerMeasuredMbps)
	sink.Report(fmt.Sprintf("C2S throughput: %.2f Mbps (server measured %.2f Mbps)",
		record.MeanThroughputMbps, record.ServerMeasuredMbps))

	_, err = m.ReceiveMessage(protocol.TestFinalize)
	if err != nil {
		logging.Logger.WithError(err).Warn("Could not read the c2s TestFinalize")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "c2s", "TestFinalize").Inc()
		return record, err
	}
	return record, nil
}
