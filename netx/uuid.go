package netx

import (
	"net"
	"os"

	"github.com/google/uuid"

	"github.com/m-lab/ndt5-client/logging"
)

// UUID returns a globally unique identifier for the socket underlying conn.
// On Linux this is derived from the socket cookie with github.com/m-lab/uuid,
// so it matches the identifier the server logs for the same socket. When the
// socket cannot be inspected a random UUID is returned instead.
func UUID(conn net.Conn) string {
	if tc, ok := TCPConn(conn); ok {
		fp, err := tc.File()
		if err == nil {
			defer fp.Close()
			id, err := fromFile(fp)
			if err == nil {
				return id
			}
			logging.Logger.WithError(err).Debug("Could not discover socket UUID")
		}
	}
	return uuid.New().String()
}

// File returns a dup of the file descriptor behind conn. The caller owns it.
func File(conn net.Conn) (*os.File, error) {
	tc, ok := TCPConn(conn)
	if !ok {
		return nil, ErrNotTCP
	}
	return tc.File()
}
