// Package sampler periodically reads the byte counter of a running transfer
// so that progress can be shown while the transfer loop runs flat out.
package sampler

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/m-lab/go/memoryless"
	"github.com/m-lab/tcp-info/tcp"

	"github.com/m-lab/ndt5-client/bbr"
	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/tcpinfox"
)

// Interval is the period between two samples.
const Interval = 500 * time.Millisecond

// Counter counts the bytes moved by a transfer loop. It is written by the
// loop and read by the sampler.
type Counter struct {
	bytes atomic.Int64
}

// Add records n more bytes.
func (c *Counter) Add(n int64) {
	c.bytes.Add(n)
}

// Load returns the bytes counted so far.
func (c *Counter) Load() int64 {
	return c.bytes.Load()
}

// Sample is one observation of a transfer.
type Sample struct {
	Elapsed time.Duration
	Bytes   int64
	// Mbps is the average rate since the start of the transfer.
	Mbps float64
	// TCPInfo is taken from the data socket when the platform allows it.
	TCPInfo *tcp.LinuxTCPInfo `json:",omitempty"`
	// BBRInfo is set only while the socket sends with BBR.
	BBRInfo *bbr.Info `json:",omitempty"`
}

// Mbps converts a byte count over a duration to megabits per second.
func Mbps(bytes int64, d time.Duration) float64 {
	if d <= 0 {
		return 0
	}
	return float64(8*bytes) / float64(d/time.Microsecond)
}

// Sampler owns the sampling goroutine of one transfer.
type Sampler struct {
	counter *Counter
	conn    net.Conn
	start   time.Time

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	samples []Sample
}

// New creates a Sampler for counter. If conn is not nil its TCP_INFO and BBR
// variables are recorded with every sample.
func New(counter *Counter, conn net.Conn) *Sampler {
	return &Sampler{counter: counter, conn: conn}
}

func (s *Sampler) measure(now time.Time) Sample {
	elapsed := now.Sub(s.start)
	bytes := s.counter.Load()
	sample := Sample{Elapsed: elapsed, Bytes: bytes, Mbps: Mbps(bytes, elapsed)}
	if s.conn != nil {
		info, err := tcpinfox.GetTCPInfo(s.conn)
		if err == nil {
			sample.TCPInfo = info
		}
		bi, err := bbr.GetMaxBandwidthAndMinRTT(s.conn)
		if err == nil {
			sample.BBRInfo = &bi
		}
	}
	return sample
}

// Start begins sampling. Every sample is passed to report, from the sampling
// goroutine. Sampling ends when ctx expires or Stop is called.
func (s *Sampler) Start(ctx context.Context, report func(Sample)) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.start = time.Now()
	ticker, err := memoryless.NewTicker(ctx, memoryless.Config{
		Min:      Interval,
		Expected: Interval,
		Max:      Interval,
	})
	if err != nil {
		logging.Logger.WithError(err).Warn("memoryless.NewTicker failed")
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		// The ticker closes its channel once ctx is canceled.
		for now := range ticker.C {
			sample := s.measure(now)
			s.samples = append(s.samples, sample)
			if report != nil {
				report(sample)
			}
		}
	}()
}

// Stop ends sampling and returns every sample taken. It is safe to call
// Stop on a Sampler that failed to start.
func (s *Sampler) Stop() []Sample {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	return s.samples
}
