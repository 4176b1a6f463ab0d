// Package bbr reads the BBR model variables of the client's own sockets.
// This only works on Linux, as BBR is only available there, and only for
// sockets that actually run BBR (see netx.Dialer.CongestionControl).
package bbr

import (
	"errors"
	"net"

	"github.com/m-lab/ndt5-client/netx"
)

// ErrNoSupport indicates that this system does not support TCP_CC_INFO.
var ErrNoSupport = errors.New("TCP_CC_INFO not supported")

// ErrNotBBR is returned for sockets using another congestion control.
var ErrNotBBR = errors.New("socket is not using TCP BBR")

// Info is the path model BBR built while sending.
type Info struct {
	// MaxBandwidth is in bits per second.
	MaxBandwidth int64
	// MinRTT is in microseconds.
	MinRTT int64
}

// GetMaxBandwidthAndMinRTT reads the BBR variables of the socket behind conn.
func GetMaxBandwidthAndMinRTT(conn net.Conn) (Info, error) {
	fp, err := netx.File(conn)
	if err != nil {
		return Info{}, err
	}
	defer fp.Close()
	return getMaxBandwidthAndMinRTT(fp.Fd())
}
