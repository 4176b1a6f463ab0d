// Package netx extends the functionality of the net package for the client:
// dialing with an address family preference, per-socket congestion control,
// and socket identifiers.
package netx

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"time"

	"github.com/m-lab/ndt5-client/logging"
)

// Errors returned by this package.
var (
	ErrNoAddress = errors.New("no address found for host")
	ErrNotTCP    = errors.New("connection is not a TCP connection")
)

// TCPConn returns the TCP connection under conn, looking through TLS.
func TCPConn(conn net.Conn) (*net.TCPConn, bool) {
	if tc, ok := conn.(*tls.Conn); ok {
		conn = tc.NetConn()
	}
	tc, ok := conn.(*net.TCPConn)
	return tc, ok
}

// ToTCPAddr returns the TCP address underlying addr, or nil.
func ToTCPAddr(addr net.Addr) *net.TCPAddr {
	switch a := addr.(type) {
	case *net.TCPAddr:
		return a
	}
	return nil
}

// IP returns the textual IP of addr without the port, or the empty string.
func IP(addr net.Addr) string {
	if a := ToTCPAddr(addr); a != nil {
		return a.IP.String()
	}
	if addr == nil {
		return ""
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return ""
	}
	return host
}

// IsIPv6 reports whether the connection runs over IPv6.
func IsIPv6(conn net.Conn) bool {
	a := ToTCPAddr(conn.RemoteAddr())
	return a != nil && a.IP.To4() == nil
}

// Dialer opens TCP connections to NDT servers.
type Dialer struct {
	// Timeout bounds each connection attempt.
	Timeout time.Duration
	// PreferIPv6 tries IPv6 addresses before IPv4 ones.
	PreferIPv6 bool
	// CongestionControl, when set, is applied to every dialed socket.
	CongestionControl string
}

// order sorts the resolved addresses by the preferred family while keeping
// the resolver order within each family.
func (d *Dialer) order(addrs []net.IPAddr) []net.IP {
	var v4, v6 []net.IP
	for _, a := range addrs {
		if a.IP.To4() != nil {
			v4 = append(v4, a.IP)
		} else {
			v6 = append(v6, a.IP)
		}
	}
	if d.PreferIPv6 {
		return append(v6, v4...)
	}
	return append(v4, v6...)
}

// DialContext connects to host:port, trying each resolved address in order
// until one accepts.
func (d *Dialer) DialContext(ctx context.Context, host string, port int) (net.Conn, error) {
	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		addrs, err := net.DefaultResolver.LookupIPAddr(ctx, host)
		if err != nil {
			return nil, err
		}
		ips = d.order(addrs)
	}
	if len(ips) == 0 {
		return nil, ErrNoAddress
	}
	nd := &net.Dialer{Timeout: d.Timeout}
	var lastErr error
	for _, ip := range ips {
		conn, err := nd.DialContext(ctx, "tcp", net.JoinHostPort(ip.String(), strconv.Itoa(port)))
		if err != nil {
			logging.Logger.WithError(err).WithField("ip", ip.String()).Debug("dial failed")
			lastErr = err
			continue
		}
		if d.CongestionControl != "" {
			if tc, ok := conn.(*net.TCPConn); ok {
				// Not fatal: the test still runs with the system default.
				SetCongestionControl(tc, d.CongestionControl)
			}
		}
		return conn, nil
	}
	return nil, lastErr
}

// DialTLS connects like DialContext and then runs the TLS handshake.
func (d *Dialer) DialTLS(ctx context.Context, host string, port int, config *tls.Config) (net.Conn, error) {
	conn, err := d.DialContext(ctx, host, port)
	if err != nil {
		return nil, err
	}
	cfg := &tls.Config{}
	if config != nil {
		cfg = config.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tc, nil
}
