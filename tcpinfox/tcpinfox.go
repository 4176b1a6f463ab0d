// Package tcpinfox reads TCP_INFO statistics of the client's own sockets.
package tcpinfox

import (
	"errors"
	"net"

	"github.com/m-lab/tcp-info/tcp"

	"github.com/m-lab/ndt5-client/netx"
)

// ErrNoSupport is returned on systems that do not support TCP_INFO.
var ErrNoSupport = errors.New("TCP_INFO not supported")

// GetTCPInfo returns a TCP_INFO snapshot of the socket behind conn.
func GetTCPInfo(conn net.Conn) (*tcp.LinuxTCPInfo, error) {
	fp, err := netx.File(conn)
	if err != nil {
		return nil, err
	}
	defer fp.Close()
	return getTCPInfo(fp.Fd())
}
