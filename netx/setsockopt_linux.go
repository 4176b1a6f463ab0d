package netx

import (
	"net"
	"syscall"

	"github.com/m-lab/ndt5-client/logging"
)

// SetCongestionControl selects the named congestion control algorithm (for
// example "bbr" or "cubic") for tc.
func SetCongestionControl(tc *net.TCPConn, name string) error {
	rc, err := tc.SyscallConn()
	if err != nil {
		logging.Logger.WithError(err).Warn("Cannot obtain a RawConn from a TCPConn")
		return err
	}
	var sockErr error
	err = rc.Control(func(fd uintptr) {
		// Note: casting to int is safe because a socket is int on Unix
		sockErr = syscall.SetsockoptString(int(fd), syscall.IPPROTO_TCP,
			syscall.TCP_CONGESTION, name)
	})
	if err == nil {
		err = sockErr
	}
	if err != nil {
		logging.Logger.WithError(err).WithField("cc", name).Warn("SetsockoptString() failed")
		return err
	}
	logging.Logger.WithField("cc", name).Debug("congestion control enabled")
	return nil
}
