package data

import (
	"time"

	"github.com/m-lab/ndt5-client/ndt5/c2s"
	"github.com/m-lab/ndt5-client/ndt5/control"
	"github.com/m-lab/ndt5-client/ndt5/mid"
	"github.com/m-lab/ndt5-client/ndt5/s2c"
	"github.com/m-lab/ndt5-client/ndt5/sfw"
	"github.com/m-lab/ndt5-client/ndt5/web100"
)

// CurrentSchemaVersion is the current version of the NDT5Result struct below.
// This schema version should be included in serialized JSON result files. The
// version should be incremented for every structure change to NDT5Result so
// that readers of old files can tell them apart.
const CurrentSchemaVersion = 1

// NDT5Result is the struct that is serialized as JSON to disk as the archival
// record of an ndt5 session run by this client.
//
// It contains the UUIDs needed to join with the server's own data as well as
// enough of the results for lightweight analysis on its own.
type NDT5Result struct {
	// GitShortCommit is the Git commit (short form) of the running client code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running client code.
	Version string
	// SchemaVersion represents the version of the NDT5Result structure.
	SchemaVersion int

	// All data members should all be self-describing. In the event of confusion,
	// rename them to add clarity rather than adding a comment.
	ServerName string
	ServerIP   string
	ServerPort int
	ClientIP   string
	ClientPort int

	StartTime time.Time
	EndTime   time.Time

	Control *control.ArchivalData `json:",omitempty"`
	MID     *mid.ArchivalData     `json:",omitempty"`
	C2S     *c2s.ArchivalData     `json:",omitempty"`
	S2C     *s2c.ArchivalData     `json:",omitempty"`
	SFW     *sfw.ArchivalData     `json:",omitempty"`

	Web100    *web100.Variables `json:",omitempty"`
	Diagnosis *web100.Diagnosis `json:",omitempty"`
	Middlebox *mid.Analysis     `json:",omitempty"`
	Summary   *Summary          `json:",omitempty"`

	// Interface holds the local NIC byte counters over the session.
	Interface *InterfaceBytes `json:",omitempty"`
}

// Summary holds the headline figures of a session.
type Summary struct {
	AccessTech        string
	NATBox            string `json:",omitempty"`
	PctRcvrLimited    float64
	CongestionLimited bool
	BufferLimited     bool
	DuplexMismatch    string
	CableOK           bool
	OSName            string
	ClientIP          string
	AvgRTTMs          float64
	Loss              float64
	// JitterMs is MaxRTT minus MinRTT.
	JitterMs float64
	MaxRTTMs int
	MinRTTMs int

	C2SMbps float64
	S2CMbps float64
}

// InterfaceBytes counts the bytes a local device moved during a session.
type InterfaceBytes struct {
	Device  string
	RxBytes uint64
	TxBytes uint64
}
