//go:build !linux
// +build !linux

package platformx

import (
	"github.com/m-lab/ndt5-client/logging"
)

func maybeEmitWarning() {
	logging.Logger.Warn("This platform is not officially supported. TCP_INFO, socket UUIDs and congestion control selection are unavailable.")
}

func kernelVersion() string {
	return ""
}
