package meta

import (
	"context"
	"runtime"

	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/metadata"
	ndt5metrics "github.com/m-lab/ndt5-client/ndt5/metrics"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/status"
	"github.com/m-lab/ndt5-client/platformx"
)

// Servers stop reading after maxMessages, and the empty terminator counts.
var maxMessages = 20

const (
	maxNameLength  = 63
	maxValueLength = 255
)

// Standard names sent by every client.
const (
	ClientOS            = "client.os.name"
	ClientBrowser       = "client.browser.name"
	ClientKernelVersion = "client.kernel.version"
	ClientVersion       = "client.version"
	ClientApplication   = "client.application"
)

// Values returns the name/value pairs the client sends: the standard ones
// followed by extra, truncated the way servers truncate them.
func Values(application string, extra []metadata.NameValue) []metadata.NameValue {
	values := []metadata.NameValue{
		{Name: ClientOS, Value: runtime.GOOS},
		{Name: ClientBrowser, Value: application},
		{Name: ClientKernelVersion, Value: platformx.KernelVersion()},
		{Name: ClientVersion, Value: protocol.Version},
		{Name: ClientApplication, Value: application},
	}
	for _, nv := range extra {
		if len(values) >= maxMessages-1 {
			logging.Logger.WithField("name", nv.Name).Warn("Too many metadata values, dropping")
			continue
		}
		if len(nv.Name) > maxNameLength {
			nv.Name = nv.Name[:maxNameLength]
		}
		if len(nv.Value) > maxValueLength {
			nv.Value = nv.Value[:maxValueLength]
		}
		values = append(values, nv)
	}
	return values
}

// ManageTest runs the meta test, sending values as "name:value" TestMsg
// messages followed by an empty one.
func ManageTest(ctx context.Context, m protocol.Messager, sink status.Sink, values []metadata.NameValue) ([]metadata.NameValue, error) {
	connType := m.Encoding().String()
	sink.SetProgressText("sendingMetaInformation")

	_, err := m.ReceiveMessage(protocol.TestPrepare)
	if err != nil {
		logging.Logger.WithError(err).Warn("META TestPrepare")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "meta", "TestPrepare").Inc()
		return nil, err
	}
	_, err = m.ReceiveMessage(protocol.TestStart)
	if err != nil {
		logging.Logger.WithError(err).Warn("META TestStart")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "meta", "TestStart").Inc()
		return nil, err
	}
	for _, nv := range values {
		if ctx.Err() != nil {
			logging.Logger.WithError(ctx.Err()).Warn("META context error")
			ndt5metrics.ClientTestErrors.WithLabelValues(connType, "meta", "context").Inc()
			return nil, ctx.Err()
		}
		err = m.SendMessage(protocol.TestMsg, []byte(nv.Name+":"+nv.Value))
		if err != nil {
			logging.Logger.WithError(err).Warn("META TestMsg")
			ndt5metrics.ClientTestErrors.WithLabelValues(connType, "meta", "TestMsg").Inc()
			return nil, err
		}
	}
	err = m.SendMessage(protocol.TestMsg, []byte{})
	if err != nil {
		logging.Logger.WithError(err).Warn("META empty TestMsg")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "meta", "TestMsgEmpty").Inc()
		return nil, err
	}
	ndt5metrics.SentMetaValues.Observe(float64(len(values)))
	_, err = m.ReceiveMessage(protocol.TestFinalize)
	if err != nil {
		logging.Logger.WithError(err).Warn("META TestFinalize")
		ndt5metrics.ClientTestErrors.WithLabelValues(connType, "meta", "TestFinalize").Inc()
		return nil, err
	}
	sink.Report("Sending meta information: done")
	return values, nil
}
