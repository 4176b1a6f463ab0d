package main

import (
	"fmt"
	"io"

	"github.com/m-lab/ndt5-client/data"
)

// writeReport prints the human readable outcome of a session.
func writeReport(w io.Writer, r *data.NDT5Result, err error) {
	fmt.Fprintf(w, "Server: %s (%s)\n", r.ServerName, r.ServerIP)
	if r.Control != nil {
		fmt.Fprintf(w, "Session: %s over %s/%s\n", r.Control.UUID, r.Control.Protocol, r.Control.MessageProtocol)
	}
	if err != nil {
		fmt.Fprintf(w, "Error: %v\n", err)
	}
	if r.C2S != nil {
		fmt.Fprintf(w, "Upload (C2S): %.2f Mb/s, server measured %.2f Mb/s\n",
			r.C2S.MeanThroughputMbps, r.C2S.ServerMeasuredMbps)
	}
	if r.S2C != nil {
		fmt.Fprintf(w, "Download (S2C): %.2f Mb/s, server measured %.2f Mb/s\n",
			r.S2C.MeanThroughputMbps, r.S2C.ServerMeasuredMbps)
	}
	if s := r.Summary; s != nil {
		fmt.Fprintf(w, "RTT: avg %.2f ms, min %d ms, max %d ms, jitter %.0f ms, loss %.6f\n",
			s.AvgRTTMs, s.MinRTTMs, s.MaxRTTMs, s.JitterMs, s.Loss)
	}
	if d := r.Diagnosis; d != nil {
		fmt.Fprintln(w, "\nDiagnosis:")
		for _, f := range d.Findings {
			fmt.Fprintln(w, "  "+f)
		}
		fmt.Fprintln(w, "\nStatistics:")
		for _, s := range d.Statistics {
			fmt.Fprintln(w, "  "+s)
		}
	}
	if m := r.Middlebox; m != nil {
		fmt.Fprintln(w, "\nMiddlebox:")
		for _, f := range m.Findings {
			fmt.Fprintln(w, "  "+f)
		}
	}
	if i := r.Interface; i != nil {
		fmt.Fprintf(w, "\nInterface %s: %d bytes received, %d bytes sent\n", i.Device, i.RxBytes, i.TxBytes)
	}
}
