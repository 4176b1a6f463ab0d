package sfw

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

// worker waits for the server to connect to the client's ephemeral port.
type worker struct {
	ln     net.Listener
	result chan Verdict

	mu      sync.Mutex
	conn    net.Conn
	stopped bool
}

type deadliner interface {
	SetDeadline(time.Time) error
}

// startWorker accepts one connection on ln within timeout and checks that it
// carries the test message. The verdict is delivered exactly once.
func startWorker(ctx context.Context, ln net.Listener, enc protocol.Encoding, timeout time.Duration) *worker {
	w := &worker{ln: ln, result: make(chan Verdict, 1)}
	go func() {
		w.result <- w.run(ctx, enc, timeout)
	}()
	return w
}

func (w *worker) run(ctx context.Context, enc protocol.Encoding, timeout time.Duration) Verdict {
	if d, ok := w.ln.(deadliner); ok {
		d.SetDeadline(time.Now().Add(timeout))
	}
	stop := context.AfterFunc(ctx, func() {
		w.ln.Close()
	})
	defer stop()
	conn, err := w.ln.Accept()
	if err != nil {
		if errors.Is(err, os.ErrDeadlineExceeded) {
			logging.Logger.Debug("Nobody reached the firewall test port")
			return Possible
		}
		logging.Logger.WithError(err).Info("Firewall test accept failed")
		return Unknown
	}
	if !w.track(conn) {
		conn.Close()
		return Unknown
	}
	c := protocol.AdaptNetConn(conn)
	defer c.Close()
	c.SetEncoding(enc)
	c.SetReadTimeout(timeout)
	m := c.Messager()
	msg, err := m.ReceiveAny()
	if err != nil {
		logging.Logger.WithError(err).Info("Could not read the firewall test message")
		return Unknown
	}
	if msg.Type != protocol.TestMsg {
		logging.Logger.WithField("type", msg.Type.String()).Info("Wrong firewall test message type")
		return Unknown
	}
	if body, ok := m.Unwrap(msg.Body); !ok || body != TestMessage {
		logging.Logger.WithField("body", string(msg.Body)).Info("Wrong firewall test message")
		return Unknown
	}
	return NoFirewall
}

// track remembers the accepted connection so that stop can close it. It
// reports false once the worker was stopped.
func (w *worker) track(conn net.Conn) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return false
	}
	w.conn = conn
	return true
}

// stop unblocks the worker wherever it waits: in Accept or in the read of
// the test message.
func (w *worker) stop() {
	w.mu.Lock()
	w.stopped = true
	if w.conn != nil {
		w.conn.Close()
	}
	w.mu.Unlock()
	w.ln.Close()
}

// join waits up to bound for the verdict. A worker still running after that
// is stopped.
func (w *worker) join(bound time.Duration) Verdict {
	t := time.NewTimer(bound)
	defer t.Stop()
	select {
	case v := <-w.result:
		return v
	case <-t.C:
		w.stop()
		return <-w.result
	}
}

// abandon stops the worker and discards its verdict.
func (w *worker) abandon() {
	w.stop()
	<-w.result
}
