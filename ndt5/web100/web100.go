// Package web100 interprets the variable dump that an NDT server sends at the
// end of a session. The names come from the Web100 (and later Web10G) kernel
// instrumentation the server reads its TCP statistics from.
package web100

import (
	"strconv"
	"strings"
)

// Kind is the storage type of a known variable.
type Kind int

// The three storage types used by the results dump.
const (
	Int Kind = iota
	Long
	Double
)

// kinds maps every variable the client keeps to its storage type. Variables
// absent from this table are dropped when parsing.
var kinds = map[string]Kind{
	// Values derived by the server.
	"bw":       Double,
	"loss":     Double,
	"avgrtt":   Double,
	"waitsec":  Double,
	"timesec":  Double,
	"order":    Double,
	"rwintime": Double,
	"sendtime": Double,
	"cwndtime": Double,
	"rttsec":   Double,
	"rwin":     Double,
	"swin":     Double,
	"cwin":     Double,
	"spd":      Double,
	"aspd":     Double,

	"DataBytesOut": Long,

	// Raw kernel variables.
	"MSSSent":           Int,
	"MSSRcvd":           Int,
	"ECNEnabled":        Int,
	"NagleEnabled":      Int,
	"SACKEnabled":       Int,
	"TimestampsEnabled": Int,
	"WinScaleRcvd":      Int,
	"WinScaleSent":      Int,
	"SumRTT":            Int,
	"CountRTT":          Int,
	"CurMSS":            Int,
	"Timeouts":          Int,
	"PktsRetrans":       Int,
	"SACKsRcvd":         Int,
	"DupAcksIn":         Int,
	"MaxRwinRcvd":       Int,
	"MaxRwinSent":       Int,
	"Sndbuf":            Int,
	"X_Rcvbuf":          Int,
	"DataPktsOut":       Int,
	"FastRetran":        Int,
	"AckPktsOut":        Int,
	"SmoothedRTT":       Int,
	"CurCwnd":           Int,
	"MaxCwnd":           Int,
	"SndLimTimeRwin":    Int,
	"SndLimTimeCwnd":    Int,
	"SndLimTimeSender":  Int,
	"AckPktsIn":         Int,
	"SndLimTransRwin":   Int,
	"SndLimTransCwnd":   Int,
	"SndLimTransSender": Int,
	"MaxSsthresh":       Int,
	"CurRTO":            Int,
	"MaxRTO":            Int,
	"MinRTO":            Int,
	"MinRTT":            Int,
	"MaxRTT":            Int,
	"CurRwinRcvd":       Int,
	"PktsOut":           Int,
	"CongestionSignals": Int,
	"RcvWinScale":       Int,

	// Server side path classification.
	"c2sData":     Int,
	"c2sAck":      Int,
	"s2cData":     Int,
	"s2cAck":      Int,
	"mismatch":    Int,
	"congestion":  Int,
	"bad_cable":   Int,
	"half_duplex": Int,
}

// KindOf returns the storage type of name (without the trailing colon) and
// whether the variable is known at all.
func KindOf(name string) (Kind, bool) {
	k, ok := kinds[name]
	return k, ok
}

// Variables holds the known variables of a results dump, keyed by name
// without the trailing colon.
type Variables struct {
	Int    map[string]int     `json:",omitempty"`
	Long   map[string]int64   `json:",omitempty"`
	Double map[string]float64 `json:",omitempty"`
}

// NewVariables returns an empty set of variables.
func NewVariables() *Variables {
	return &Variables{
		Int:    map[string]int{},
		Long:   map[string]int64{},
		Double: map[string]float64{},
	}
}

// Set parses value according to the kind of key and stores it. Key may carry
// the trailing colon used on the wire. Unknown keys are ignored. Values that
// do not parse are stored as -1.
func (v *Variables) Set(key, value string) bool {
	name := strings.TrimSuffix(key, ":")
	kind, ok := kinds[name]
	if !ok {
		return false
	}
	switch kind {
	case Long:
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			n = -1
		}
		v.Long[name] = n
	case Int:
		v.Int[name] = parseInt(value)
	case Double:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			f = -1
		}
		v.Double[name] = f
	}
	return true
}

// parseInt follows the wire convention: a value with a decimal point is a
// double, which an integer variable truncates.
func parseInt(value string) int {
	if strings.Contains(value, ".") {
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return -1
		}
		return int(f)
	}
	n, err := strconv.ParseInt(value, 10, 32)
	if err != nil {
		return -1
	}
	return int(n)
}

// GetInt returns an integer variable, or 0 when it was not sent.
func (v *Variables) GetInt(name string) int {
	return v.Int[name]
}

// GetDouble returns a double variable, or 0 when it was not sent.
func (v *Variables) GetDouble(name string) float64 {
	return v.Double[name]
}

// GetLong returns a long variable, or 0 when it was not sent.
func (v *Variables) GetLong(name string) int64 {
	return v.Long[name]
}

// Has reports whether name was present in the dump.
func (v *Variables) Has(name string) bool {
	switch kinds[name] {
	case Long:
		_, ok := v.Long[name]
		return ok
	case Double:
		_, ok := v.Double[name]
		return ok
	}
	_, ok := v.Int[name]
	return ok
}

// Len is the number of stored variables.
func (v *Variables) Len() int {
	return len(v.Int) + len(v.Long) + len(v.Double)
}

// Parse reads a results dump. Tokens are separated by whitespace and pair up
// positionally as key then value; a trailing key without a value is ignored.
func Parse(s string) *Variables {
	v := NewVariables()
	tokens := strings.Fields(s)
	for i := 0; i+1 < len(tokens); i += 2 {
		v.Set(tokens[i], tokens[i+1])
	}
	return v
}
