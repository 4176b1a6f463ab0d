package ndt5

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/netx"
)

// wsPath is where websocket servers accept both control and data channels.
const wsPath = "/ndt_protocol"

// The subprotocols that tell a websocket server which channel is opening.
const (
	controlSubprotocol = "ndt"
	c2sSubprotocol     = "c2s"
	s2cSubprotocol     = "s2c"
)

// withTimeout returns a copy of the client's dialer bounded by timeout.
func (c *Client) withTimeout(timeout time.Duration) *netx.Dialer {
	d := c.dialer
	if timeout > 0 {
		d.Timeout = timeout
	}
	return &d
}

// dialWebsocket opens a websocket to host:port speaking subprotocol.
func (c *Client) dialWebsocket(ctx context.Context, host string, port int, subprotocol string, timeout time.Duration) (*websocket.Conn, error) {
	nd := c.withTimeout(timeout)
	dialer := websocket.Dialer{
		NetDialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
			h, p, err := net.SplitHostPort(addr)
			if err != nil {
				return nil, err
			}
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, err
			}
			return nd.DialContext(ctx, h, port)
		},
		HandshakeTimeout: nd.Timeout,
		Subprotocols:     []string{subprotocol},
		TLSClientConfig:  c.TLSConfig,
		ReadBufferSize:   1 << 16,
		WriteBufferSize:  1 << 16,
	}
	u := url.URL{
		Scheme:   "ws",
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		Path:     wsPath,
		RawQuery: c.WSQuery.Encode(),
	}
	if c.Transport == WSS {
		u.Scheme = "wss"
	}
	ws, _, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	ws.SetReadLimit(protocol.MaxBodyLength + 3)
	return ws, nil
}

// dialControl opens the control channel. It returns the socket under the
// channel as well, for its addresses.
func (c *Client) dialControl(ctx context.Context) (protocol.Connection, net.Conn, error) {
	switch c.Transport {
	case WS, WSS:
		ws, err := c.dialWebsocket(ctx, c.Host, c.Port, controlSubprotocol, 0)
		if err != nil {
			return nil, nil, err
		}
		return protocol.AdaptWsConn(ws), ws.UnderlyingConn(), nil
	case TLS:
		conn, err := c.dialer.DialTLS(ctx, c.Host, c.Port, c.TLSConfig)
		if err != nil {
			return nil, nil, err
		}
		return protocol.AdaptNetConn(conn), conn, nil
	case Plain:
		conn, err := c.dialer.DialContext(ctx, c.Host, c.Port)
		if err != nil {
			return nil, nil, err
		}
		return protocol.AdaptNetConn(conn), conn, nil
	}
	return nil, nil, ErrBadTransport
}

// dataDialer opens the data sockets of the sub-tests of one session. Plain
// sockets go to the address the control channel reached so that every
// socket of a session lands on the same server.
type dataDialer struct {
	client   *Client
	serverIP string
}

// DialData implements protocol.DataDialer.
func (d *dataDialer) DialData(ctx context.Context, test protocol.TestFlags, port int, timeout time.Duration) (net.Conn, error) {
	c := d.client
	switch c.Transport {
	case WS, WSS:
		var sub string
		switch test {
		case protocol.TestC2S:
			sub = c2sSubprotocol
		case protocol.TestS2C:
			sub = s2cSubprotocol
		default:
			return nil, ErrUnsupportedOverWS
		}
		ws, err := c.dialWebsocket(ctx, c.Host, port, sub, timeout)
		if err != nil {
			return nil, err
		}
		return protocol.WsStream(ws), nil
	case TLS:
		return c.withTimeout(timeout).DialTLS(ctx, c.Host, port, c.TLSConfig)
	}
	host := d.serverIP
	if host == "" {
		host = c.Host
	}
	return c.withTimeout(timeout).DialContext(ctx, host, port)
}
