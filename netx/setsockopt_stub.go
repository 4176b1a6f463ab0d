//go:build !linux
// +build !linux

package netx

import (
	"net"

	"github.com/m-lab/ndt5-client/logging"
)

// SetCongestionControl does nothing on platforms without TCP_CONGESTION.
func SetCongestionControl(tc *net.TCPConn, name string) error {
	logging.Logger.WithField("cc", name).Warn("Selecting congestion control is not available on this platform")
	return nil
}
