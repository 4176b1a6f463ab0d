package web100

import (
	"fmt"
	"math"
	"strconv"
)

// DataRate is the server's classification of the bottleneck link, sent as
// c2sData, c2sAck, s2cData and s2cAck.
type DataRate int

// Link classes.
const (
	InsufficientData   DataRate = -2
	SystemFault        DataRate = -1
	RTT                DataRate = 0
	DialUp             DataRate = 1
	T1                 DataRate = 2
	Ethernet           DataRate = 3
	T3                 DataRate = 4
	FastEthernet       DataRate = 5
	OC12               DataRate = 6
	GigabitEthernet    DataRate = 7
	OC48               DataRate = 8
	TenGigabitEthernet DataRate = 9
)

func (d DataRate) String() string {
	switch d {
	case InsufficientData:
		return "Insufficient data"
	case SystemFault:
		return "System fault"
	case RTT:
		return "Round trip time"
	case DialUp:
		return "Dial-up modem"
	case T1:
		return "T1"
	case Ethernet:
		return "Ethernet"
	case T3:
		return "T3"
	case FastEthernet:
		return "FastEthernet"
	case OC12:
		return "OC-12"
	case GigabitEthernet:
		return "Gigabit Ethernet"
	case OC48:
		return "OC-48"
	case TenGigabitEthernet:
		return "10 Gigabit Ethernet"
	}
	return fmt.Sprintf("DataRate(%d)", int(d))
}

// Mismatch is the server's duplex mismatch verdict.
type Mismatch int

// Duplex mismatch verdicts. There is no value 6.
const (
	DuplexOK               Mismatch = 0
	DuplexOld              Mismatch = 1
	DuplexFullHalf         Mismatch = 2
	DuplexHalfFull         Mismatch = 3
	DuplexPossibleFullHalf Mismatch = 4
	DuplexPossibleHalfFull Mismatch = 5
	DuplexHalfFullWarning  Mismatch = 7
)

func (m Mismatch) String() string {
	switch m {
	case DuplexOK:
		return "No duplex mismatch condition was detected."
	case DuplexOld:
		return "Warning: Old Duplex-Mismatch condition detected."
	case DuplexFullHalf:
		return "Alarm: Duplex Mismatch condition detected. Switch=Full and Host=Half"
	case DuplexHalfFull:
		return "Alarm: Duplex Mismatch condition detected. Switch=Half and Host=Full"
	case DuplexPossibleFullHalf:
		return "Alarm: Possible Duplex Mismatch condition detected. Switch=Full and Host=Half"
	case DuplexPossibleHalfFull:
		return "Alarm: Possible Duplex Mismatch condition detected. Switch=Half and Host=Full"
	case DuplexHalfFullWarning:
		return "Warning: Possible Duplex Mismatch condition detected. Switch=Half and Host=Full"
	}
	return fmt.Sprintf("Mismatch(%d)", int(m))
}

// Thresholds used by the diagnosis.
const (
	// bufferLimited is the fraction of the test spent limited by a buffer
	// before the buffer is reported.
	bufferLimited = 0.15
	// networkLimited is the same threshold for the congestion window.
	networkLimited = 0.005
	// viewDiff is the relative throughput difference that counts as queuing.
	viewDiff = 0.1
	// maxUnscaledWindow is the largest receive window without window scaling.
	maxUnscaledWindow = 65535
)

// Speeds are the throughputs measured during the session, in Mbps.
type Speeds struct {
	C2SClient float64 // measured by the client while sending
	C2SServer float64 // reported by the server for the same transfer
	S2CClient float64 // measured by the client while receiving
	S2CServer float64 // reported by the server for the same transfer
	RanC2S    bool
	RanS2C    bool
}

// Diagnosis is the client's reading of the results dump.
type Diagnosis struct {
	LinkType       DataRate
	AccessTech     string
	LinkMbps       float64
	Mismatch       Mismatch
	HalfDuplex     bool
	Congestion     bool
	BadCable       bool
	AvgRTTMs       float64
	Loss           float64
	PctRcvrLimited float64
	// Findings are the headline conclusions.
	Findings []string
	// Statistics are the detailed per-connection observations.
	Statistics []string
}

func prtdbl(d float64) string {
	return strconv.FormatFloat(math.Round(d*100)/100, 'f', -1, 64)
}

func onOff(v int) string {
	if v != 0 {
		return "ON"
	}
	return "OFF"
}

// linkClass maps the client to server bottleneck to a description and the
// nominal link speed in Mbps.
func linkClass(rate DataRate, halfDuplex bool) (finding, access string, mbps float64) {
	switch {
	case rate < RTT:
		return "Server unable to determine bottleneck link type.", "Connection type unknown", 0
	case rate == DialUp:
		return "Your host is connected to a Dial-up Modem", "Dial-up Modem", .064
	case rate < Ethernet:
		return "Your host is connected to a Cable/DSL modem", "Cable/DSL modem", 3
	}
	const slowest = "The slowest link in the end-to-end path is a "
	switch rate {
	case Ethernet:
		return slowest + "10 Mbps Ethernet subnet", "10 Mbps Ethernet", 10
	case T3:
		return slowest + "45 Mbps T3/DS3 subnet", "45 Mbps T3/DS3 subnet", 45
	case FastEthernet:
		if halfDuplex {
			return slowest + "100 Mbps Half duplex Fast Ethernet subnet", "100 Mbps Ethernet", 100
		}
		return slowest + "100 Mbps Full duplex Fast Ethernet subnet", "100 Mbps Ethernet", 100
	case OC12:
		return slowest + "622 Mbps OC-12 subnet", "622 Mbps OC-12", 622
	case GigabitEthernet:
		return slowest + "1.0 Gbps Gigabit Ethernet subnet", "1.0 Gbps Gigabit Ethernet", 1000
	case OC48:
		return slowest + "2.4 Gbps OC-48 subnet", "2.4 Gbps OC-48", 2400
	case TenGigabitEthernet:
		return slowest + "10 Gbps 10 Gigabit Ethernet/OC-192 subnet", "10 Gigabit Ethernet/OC-192", 10000
	}
	return slowest + "link of unknown type", "unknown", 0
}

// queuing describes the difference between what the sender pushed and what
// the receiver saw, as a percentage of the sender's figure.
func queuing(direction string, sent, received float64) string {
	pct := prtdbl(100 * (sent - received) / sent)
	if received < sent*(1-viewDiff) {
		return direction + " throughput test: Excessive packet queuing detected: " + pct + "%"
	}
	return direction + " throughput test: Packet queuing detected: " + pct + "%"
}

// Diagnose interprets v. It returns nil when the server did not measure any
// round trip, in which case nothing can be said about the path.
func Diagnose(v *Variables, sp Speeds) *Diagnosis {
	if v.GetInt("CountRTT") <= 0 {
		return nil
	}
	var (
		avgrtt   = v.GetDouble("avgrtt")
		rwin     = v.GetDouble("rwin")
		swin     = v.GetDouble("swin")
		rttsec   = v.GetDouble("rttsec")
		loss     = v.GetDouble("loss")
		spd      = v.GetDouble("spd")
		waitsec  = v.GetDouble("waitsec")
		timesec  = v.GetDouble("timesec")
		order    = v.GetDouble("order")
		rwintime = v.GetDouble("rwintime")
		sendtime = v.GetDouble("sendtime")
		cwndtime = v.GetDouble("cwndtime")

		maxRwinRcvd = v.GetInt("MaxRwinRcvd")
		c2sData     = DataRate(v.GetInt("c2sData"))
	)
	d := &Diagnosis{
		LinkType:   c2sData,
		Mismatch:   Mismatch(v.GetInt("mismatch")),
		HalfDuplex: v.GetInt("half_duplex") != 0,
		Congestion: v.GetInt("congestion") == 1,
		BadCable:   v.GetInt("bad_cable") == 1,
		AvgRTTMs:   avgrtt,
		Loss:       loss,
	}
	finding, access, mylink := linkClass(c2sData, d.HalfDuplex)
	d.AccessTech, d.LinkMbps = access, mylink
	d.Findings = append(d.Findings, finding)

	if d.Mismatch == DuplexOK {
		if d.BadCable {
			d.Findings = append(d.Findings, "Alarm: Excessive errors, check network cable(s).")
		}
		if d.Congestion {
			d.Findings = append(d.Findings, "Information: Other network traffic is congesting the link")
		}
		// The window is doubled to account for the round trip.
		if 2*rwin/rttsec < mylink {
			j := mylink * avgrtt * 1000 / 8 / 1024
			if j > float64(maxRwinRcvd) {
				d.Findings = append(d.Findings,
					"Information: The receive buffer should be "+prtdbl(j)+" kbytes to maximize throughput")
			}
		}
	} else {
		d.Findings = append(d.Findings, d.Mismatch.String())
	}
	if sp.RanC2S && sp.C2SServer < sp.C2SClient*(1-viewDiff) {
		d.Findings = append(d.Findings, "Information [C2S]: Packet queuing detected")
	}
	if sp.RanS2C && sp.S2CClient < sp.S2CServer*(1-viewDiff) {
		d.Findings = append(d.Findings, "Information [S2C]: Packet queuing detected")
	}

	stats := []string{}
	stats = append(stats, "Checking for mismatch on uplink, found: "+c2sData.String())
	if d.HalfDuplex {
		stats = append(stats, "Link set to Half Duplex mode")
	} else {
		stats = append(stats, "Link set to Full Duplex mode")
	}
	if d.Congestion {
		stats = append(stats, "Information: throughput is limited by other network traffic.")
	} else {
		stats = append(stats, "No network congestion discovered.")
	}
	if d.BadCable {
		stats = append(stats, "Alarm: Excessive errors, check network cable(s).")
	} else {
		stats = append(stats, "Good network cable(s) found")
	}
	stats = append(stats, d.Mismatch.String())
	stats = append(stats, fmt.Sprintf("The round-trip time was %s ms; packet size = %d bytes",
		prtdbl(avgrtt), v.GetInt("CurMSS")))

	switch {
	case v.GetInt("PktsRetrans") > 0:
		stats = append(stats, fmt.Sprintf("%d packets retransmitted, %d duplicate acks received, and %d SACK blocks received",
			v.GetInt("PktsRetrans"), v.GetInt("DupAcksIn"), v.GetInt("SACKsRcvd")))
		if v.GetInt("Timeouts") > 0 {
			stats = append(stats, fmt.Sprintf("The connection stalled %d times due to packet loss", v.GetInt("Timeouts")))
		}
		stats = append(stats, fmt.Sprintf("The connection was idle %s seconds (%s%% of the time)",
			prtdbl(waitsec), prtdbl(100*waitsec/timesec)))
	case v.GetInt("DupAcksIn") > 0:
		stats = append(stats, "No packet loss - but packets arrived out-of-order "+prtdbl(100*order)+"% of the time")
	default:
		stats = append(stats, "No packet loss was observed.")
	}

	if sp.RanC2S && sp.C2SClient > sp.C2SServer {
		stats = append(stats, queuing("C2S", sp.C2SClient, sp.C2SServer))
	}
	if sp.RanS2C && sp.S2CServer > sp.S2CClient {
		stats = append(stats, queuing("S2C", sp.S2CServer, sp.S2CClient))
	}

	if rwintime > bufferLimited {
		d.PctRcvrLimited = 100 * rwintime
		stats = append(stats, "This connection is receiver limited "+prtdbl(100*rwintime)+"% of the time.")
		if 2*rwin/rttsec < mylink {
			stats = append(stats, fmt.Sprintf(
				"  Increasing the current receive buffer (%d KB) will improve performance", maxRwinRcvd/1024))
		}
	}
	if sendtime > bufferLimited {
		stats = append(stats, "This connection is sender limited "+prtdbl(100*sendtime)+"% of the time.")
		if 2*(swin/rttsec) < mylink {
			stats = append(stats, fmt.Sprintf(
				"  Increasing the current send buffer (%d KB) will improve performance", v.GetInt("Sndbuf")/2048))
		}
	}
	if cwndtime > networkLimited {
		stats = append(stats, "This connection is network limited "+prtdbl(100*cwndtime)+"% of the time.")
	}
	if spd < 4 && loss > .01 {
		stats = append(stats, "Excessive packet loss is impacting your performance, check the auto-negotiate function on your local PC and network switch")
	}

	stats = append(stats,
		"RFC 2018 Selective Acknowledgment: "+onOff(v.GetInt("SACKEnabled")),
		"RFC 896 Nagle Algorithm: "+onOff(v.GetInt("NagleEnabled")),
		"RFC 3168 Explicit Congestion Notification: "+onOff(v.GetInt("ECNEnabled")),
		"RFC 1323 Time Stamping: "+onOff(v.GetInt("TimestampsEnabled")),
	)
	scaleRcvd := v.GetInt("WinScaleRcvd")
	if maxRwinRcvd < maxUnscaledWindow {
		scaleRcvd = 0
	}
	if scaleRcvd == 0 || scaleRcvd > 20 {
		stats = append(stats, "RFC 1323 Window Scaling: OFF")
	} else {
		stats = append(stats, fmt.Sprintf("RFC 1323 Window Scaling: ON; Scaling Factors - Server=%d, Client=%d",
			scaleRcvd, v.GetInt("WinScaleSent")))
	}
	d.Statistics = stats
	return d
}
