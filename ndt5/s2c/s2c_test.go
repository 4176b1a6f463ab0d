package s2c

import (
	"context"
	"errors"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt5-client/ndt5/ndt5test"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
)

func init() {
	readTimeout = 2 * time.Second
	receiveDuration = 500 * time.Millisecond
}

// serveS2C plays the server side of an s2c test and returns the client's
// throughput report.
func serveS2C(server net.Conn, enc protocol.Encoding, results string) <-chan string {
	reported := make(chan string, 1)
	go func() {
		defer close(reported)
		ln, port := ndt5test.Listen()
		defer ln.Close()
		rtx.Must(ndt5test.Send(server, enc, protocol.TestPrepare, strconv.Itoa(port)), "prepare")
		data, err := ln.Accept()
		rtx.Must(err, "Could not accept data connection")
		rtx.Must(ndt5test.Send(server, enc, protocol.TestStart, ""), "start")
		buf := make([]byte, 8192)
		end := time.Now().Add(100 * time.Millisecond)
		for time.Now().Before(end) {
			if _, err := data.Write(buf); err != nil {
				break
			}
		}
		data.Close()
		if enc == protocol.JSON {
			ndt5test.SendRaw(server, protocol.TestMsg, []byte(results))
		} else {
			ndt5test.Send(server, enc, protocol.TestMsg, results)
		}
		_, msg, err := ndt5test.Expect(server, enc)
		if err != nil {
			return
		}
		reported <- msg
		ndt5test.Send(server, enc, protocol.TestMsg, "CurMSS: 1448\nCountRTT: 10\n")
		ndt5test.Send(server, enc, protocol.TestMsg, "SumRTT: 200\n")
		ndt5test.Send(server, enc, protocol.TestFinalize, "")
	}()
	return reported
}

func TestManageTest(t *testing.T) {
	tests := []struct {
		enc     protocol.Encoding
		results string
	}{
		{protocol.JSON, `{"ThroughputValue":"8000","UnsentDataAmount":"0","TotalSentByte":"1000000"}`},
		{protocol.JSON, `{"ThroughputValue":8000,"UnsentDataAmount":0,"TotalSentByte":1000000}`},
		{protocol.TLV, "8000 0 1000000"},
	}
	for _, tt := range tests {
		t.Run(tt.enc.String(), func(t *testing.T) {
			client, server := ndt5test.ControlPair(tt.enc)
			defer client.Close()
			defer server.Close()
			reported := serveS2C(server, tt.enc, tt.results)
			sink := &ndt5test.Sink{}

			record, err := ManageTest(context.Background(), client, &ndt5test.Dialer{}, sink, time.Minute)
			rtx.Must(err, "s2c failed")
			if record.BytesReceived == 0 || record.MeanThroughputMbps <= 0 {
				t.Errorf("nothing measured: %+v", record)
			}
			if record.ServerMeasuredMbps != 8 || record.TotalSentByte != 1000000 {
				t.Errorf("bad server results: %+v", record)
			}
			kbps, err := strconv.ParseFloat(<-reported, 64)
			rtx.Must(err, "the client report should be a number")
			if diff := kbps - record.MeanThroughputMbps*1000; diff > 1e-6 || diff < -1e-6 {
				t.Errorf("reported %v kbps, measured %v Mbps", kbps, record.MeanThroughputMbps)
			}
			if record.Web100 != "CurMSS: 1448\nCountRTT: 10\nSumRTT: 200\n" {
				t.Errorf("Web100 = %q", record.Web100)
			}
		})
	}
}

func TestParseResults(t *testing.T) {
	jm := protocol.JSON.Messager(nil)
	tm := protocol.TLV.Messager(nil)
	for _, tt := range []struct {
		m       protocol.Messager
		body    string
		wantErr bool
	}{
		{jm, `{"ThroughputValue":"1.5","UnsentDataAmount":"3","TotalSentByte":"9"}`, false},
		{jm, `{"ThroughputValue":"1.5","TotalSentByte":"9"}`, true},
		{jm, `{"ThroughputValue":"x","UnsentDataAmount":"3","TotalSentByte":"9"}`, true},
		{tm, `1.5 3 9`, false},
		{tm, `1.5 3`, true},
		{tm, `1.5 3.5 9`, true},
	} {
		kbps, unsent, total, err := parseResults(tt.m, []byte(tt.body))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseResults(%q) err = %v", tt.body, err)
			continue
		}
		if err != nil && !errors.Is(err, ErrBadResults) {
			t.Errorf("parseResults(%q) err = %v, want ErrBadResults", tt.body, err)
		}
		if err == nil && (kbps != 1.5 || unsent != 3 || total != 9) {
			t.Errorf("parseResults(%q) = %v %v %v", tt.body, kbps, unsent, total)
		}
	}
}

func TestManageTestWrongMessageInDrain(t *testing.T) {
	client, server := ndt5test.ControlPair(protocol.TLV)
	defer client.Close()
	defer server.Close()
	go func() {
		ln, port := ndt5test.Listen()
		defer ln.Close()
		ndt5test.Send(server, protocol.TLV, protocol.TestPrepare, strconv.Itoa(port))
		data, err := ln.Accept()
		if err != nil {
			return
		}
		ndt5test.Send(server, protocol.TLV, protocol.TestStart, "")
		data.Close()
		ndt5test.Send(server, protocol.TLV, protocol.TestMsg, "1 0 1")
		ndt5test.Expect(server, protocol.TLV)
		ndt5test.Send(server, protocol.TLV, protocol.MsgError, "ff")
	}()
	record, err := ManageTest(context.Background(), client, &ndt5test.Dialer{}, &ndt5test.Sink{}, time.Minute)
	var wme *protocol.WrongMessageError
	if !errors.As(err, &wme) || wme.ErrorCode != 255 {
		t.Fatalf("ManageTest() err = %v", err)
	}
	if !strings.Contains(record.Error, "ERROR MSG: 255") {
		t.Errorf("record.Error = %q", record.Error)
	}
}
