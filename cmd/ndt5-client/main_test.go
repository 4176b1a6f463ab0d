package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt5-client/config"
	"github.com/m-lab/ndt5-client/data"
	"github.com/m-lab/ndt5-client/ndt5"
	"github.com/m-lab/ndt5-client/ndt5/control"
	"github.com/m-lab/ndt5-client/ndt5/protocol"
	"github.com/m-lab/ndt5-client/ndt5/s2c"
	"github.com/m-lab/ndt5-client/ndt5/status"
	"github.com/m-lab/ndt5-client/ndt5/web100"
)

func TestLoadConfigFlagsWin(t *testing.T) {
	*flagServer = "ndt.example.net"
	*flagTransport = "wss"
	*flagIterations = 4
	rtx.Must(flagTests.Set("c2s,s2c"), "Could not set tests")
	rtx.Must(flagMeta.Set("site=lab"), "Could not set meta")
	defer func() {
		*flagServer, *flagTransport, *flagIterations = "", "", 0
		flagTests = nil
	}()

	cfg, err := loadConfig()
	rtx.Must(err, "Could not load config")
	if cfg.Server != "ndt.example.net" || cfg.Transport != "wss" || cfg.Iterations != 4 {
		t.Errorf("flags were not applied: %+v", cfg)
	}
	flags, err := cfg.TestFlags()
	rtx.Must(err, "bad tests")
	if flags != protocol.TestC2S|protocol.TestS2C {
		t.Errorf("tests = %s", flags)
	}
	if cfg.Metadata["site"] != "lab" {
		t.Errorf("metadata = %v", cfg.Metadata)
	}

	s, err := settings(context.Background(), cfg, status.Discard{})
	rtx.Must(err, "Could not build settings")
	if s.Host != "ndt.example.net" || s.Transport != ndt5.WSS || s.Port != 3010 {
		t.Errorf("settings = %+v", s)
	}
}

func TestLoadConfigBadTransport(t *testing.T) {
	*flagTransport = "carrier-pigeon"
	defer func() { *flagTransport = "" }()
	if _, err := loadConfig(); err == nil {
		t.Error("loadConfig() should reject an unknown transport")
	}
	if _, err := settings(context.Background(), &config.Config{Transport: "x"}, status.Discard{}); err == nil {
		t.Error("settings() should reject an unknown transport")
	}
}

func TestWriteReport(t *testing.T) {
	r := &data.NDT5Result{
		ServerName: "ndt.example.net",
		ServerIP:   "192.0.2.1",
		Control:    &control.ArchivalData{UUID: "abc", Protocol: "plain", MessageProtocol: "JSON"},
		S2C:        &s2c.ArchivalData{MeanThroughputMbps: 93.5, ServerMeasuredMbps: 94},
		Summary:    &data.Summary{AvgRTTMs: 12.5, MinRTTMs: 10, MaxRTTMs: 30, JitterMs: 20},
		Diagnosis:  &web100.Diagnosis{Findings: []string{"Your host is connected to a Cable/DSL modem"}},
		Interface:  &data.InterfaceBytes{Device: "eth0", RxBytes: 10, TxBytes: 20},
	}
	buf := &bytes.Buffer{}
	writeReport(buf, r, errors.New("boom"))
	out := buf.String()
	for _, want := range []string{
		"Server: ndt.example.net (192.0.2.1)",
		"Error: boom",
		"Download (S2C): 93.50 Mb/s",
		"jitter 20 ms",
		"Cable/DSL modem",
		"Interface eth0",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("report is missing %q:\n%s", want, out)
		}
	}
}
