package mid

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

// PreservedMSS is the MSS of a 1500 byte Ethernet MTU carrying timestamps.
const PreservedMSS = 1456

// ErrBadResult is returned when a middlebox result cannot be interpreted.
var ErrBadResult = errors.New("malformed middlebox result")

// Analysis is the interpretation of a middlebox result.
type Analysis struct {
	ServerIP           string
	ClientIP           string
	ClientSideServerIP string
	ClientSideClientIP string
	MSS                int
	WinScaleSent       int
	WinScaleRcvd       int

	// Only JSON results carry the RTT and receive window.
	SumRTT      int
	CountRTT    int
	MaxRwinRcvd int
	AvgRTTMs    float64
	RwinMbits   float64

	// NATBox is "yes" when the server address was rewritten in flight.
	NATBox   string
	Findings []string
}

func atoi(s string) (int, error) {
	v, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrBadResult, err)
	}
	return v, nil
}

// afterSlash drops a "host/" prefix.
func afterSlash(s string) string {
	if i := strings.Index(s, "/"); i >= 0 {
		return s[i+1:]
	}
	return s
}

func sameIP(a, b string) bool {
	ia, ib := net.ParseIP(a), net.ParseIP(b)
	if ia != nil && ib != nil {
		return ia.Equal(ib)
	}
	return a == b
}

func parseJSON(result string, a *Analysis) error {
	m := protocol.JSON.Messager(nil)
	get := func(key string) (string, error) {
		v, ok := m.Field([]byte(result), key)
		if !ok {
			return "", fmt.Errorf("%w: no %s", ErrBadResult, key)
		}
		return v, nil
	}
	var err error
	strs := []struct {
		key string
		dst *string
	}{
		{"ServerAddress", &a.ServerIP},
		{"ClientAddress", &a.ClientIP},
		{"ClientSideServerIp", &a.ClientSideServerIP},
		{"ClientSideClientIp", &a.ClientSideClientIP},
	}
	for _, f := range strs {
		if *f.dst, err = get(f.key); err != nil {
			return err
		}
	}
	ints := []struct {
		key string
		dst *int
	}{
		{"CurMSS", &a.MSS},
		{"WinScaleSent", &a.WinScaleSent},
		{"WinScaleRcvd", &a.WinScaleRcvd},
		{"SumRTT", &a.SumRTT},
		{"CountRTT", &a.CountRTT},
		{"MaxRwinRcvd", &a.MaxRwinRcvd},
	}
	for _, f := range ints {
		s, err := get(f.key)
		if err != nil {
			return err
		}
		if *f.dst, err = atoi(s); err != nil {
			return err
		}
	}
	if a.CountRTT > 0 {
		a.AvgRTTMs = float64(a.SumRTT) / float64(a.CountRTT)
	}
	a.RwinMbits = float64(a.MaxRwinRcvd) * 8 / 1024 / 1024
	return nil
}

func parseLegacy(result string, a *Analysis) error {
	var tokens []string
	for _, t := range strings.Split(result, ";") {
		if t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(tokens) < 7 {
		return fmt.Errorf("%w: %d fields", ErrBadResult, len(tokens))
	}
	a.ServerIP, a.ClientIP = tokens[0], tokens[1]
	var err error
	if a.MSS, err = atoi(tokens[2]); err != nil {
		return err
	}
	if a.WinScaleSent, err = atoi(tokens[3]); err != nil {
		return err
	}
	if a.WinScaleRcvd, err = atoi(tokens[4]); err != nil {
		return err
	}
	a.ClientSideServerIP = afterSlash(tokens[5])
	a.ClientSideClientIP = afterSlash(tokens[6])
	return nil
}

// Analyze interprets a middlebox result. timestampsEnabled comes from the
// server's TimestampsEnabled variable; timestamps take 12 bytes of every
// segment, which are added back before the MSS is compared.
func Analyze(result string, enc protocol.Encoding, timestampsEnabled bool) (*Analysis, error) {
	a := &Analysis{}
	var err error
	if enc == protocol.JSON {
		err = parseJSON(result, a)
	} else {
		err = parseLegacy(result, a)
	}
	if err != nil {
		return nil, err
	}

	mss := a.MSS
	if timestampsEnabled {
		mss += 12
	}
	if mss == PreservedMSS {
		a.Findings = append(a.Findings, "Packet size is preserved End-to-End")
	} else {
		a.Findings = append(a.Findings, "Information: Network Middlebox is modifying MSS variable")
	}

	if sameIP(a.ServerIP, a.ClientSideServerIP) {
		a.NATBox = "no"
		a.Findings = append(a.Findings, "Server IP addresses are preserved End-to-End")
	} else {
		a.NATBox = "yes"
		a.Findings = append(a.Findings,
			"Information: Network Address Translation (NAT) box is modifying the Server's IP address",
			fmt.Sprintf("\tServer says [%s], Client says [%s]", a.ServerIP, a.ClientSideServerIP))
	}

	switch {
	case a.ClientSideClientIP == "127.0.0.1":
		a.Findings = append(a.Findings, "Client IP address not found")
	case sameIP(a.ClientIP, a.ClientSideClientIP):
		a.Findings = append(a.Findings, "Client IP addresses are preserved End-to-End")
	default:
		a.Findings = append(a.Findings,
			"Information: Network Address Translation (NAT) box is modifying the Client's IP address",
			fmt.Sprintf("\tServer says [%s], Client says [%s]", a.ClientIP, a.ClientSideClientIP))
	}
	return a, nil
}
