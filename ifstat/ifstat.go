// Package ifstat reads the byte counters of a network interface so that a
// session can record how much the whole host moved while it ran.
package ifstat

import (
	"errors"

	"github.com/prometheus/procfs"

	"github.com/m-lab/ndt5-client/data"
	"github.com/m-lab/ndt5-client/metrics"
)

// ErrNoDevice is returned when the device is not listed in net/dev.
var ErrNoDevice = errors.New("device not found")

// Counters is one reading of a device.
type Counters struct {
	RxBytes uint64
	TxBytes uint64
}

// Reader reads the counters of Device from a proc filesystem.
type Reader struct {
	Device string
	fs     procfs.FS
}

// New returns a Reader for device under procPath, normally "/proc".
func New(procPath, device string) (*Reader, error) {
	fs, err := procfs.NewFS(procPath)
	if err != nil {
		return nil, err
	}
	return &Reader{Device: device, fs: fs}, nil
}

// Read returns the current counters.
func (r *Reader) Read() (Counters, error) {
	nd, err := r.fs.NetDev()
	if err != nil {
		return Counters{}, err
	}
	v, ok := nd[r.Device]
	if !ok {
		return Counters{}, ErrNoDevice
	}
	return Counters{RxBytes: v.RxBytes, TxBytes: v.TxBytes}, nil
}

// Since returns what the device moved since before was read and observes it
// in the interface metrics. Counters that went backwards count as zero.
func (r *Reader) Since(before Counters) (*data.InterfaceBytes, error) {
	after, err := r.Read()
	if err != nil {
		return nil, err
	}
	ib := &data.InterfaceBytes{Device: r.Device}
	if after.RxBytes >= before.RxBytes {
		ib.RxBytes = after.RxBytes - before.RxBytes
	}
	if after.TxBytes >= before.TxBytes {
		ib.TxBytes = after.TxBytes - before.TxBytes
	}
	metrics.InterfaceBytes.WithLabelValues("rx").Observe(float64(ib.RxBytes))
	metrics.InterfaceBytes.WithLabelValues("tx").Observe(float64(ib.TxBytes))
	return ib, nil
}
