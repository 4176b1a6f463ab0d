// ndt5-client runs ndt5 measurements against an NDT server, prints the
// diagnosis and archives the result records.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/httpx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/ndt5-client/config"
	"github.com/m-lab/ndt5-client/ifstat"
	"github.com/m-lab/ndt5-client/locator"
	"github.com/m-lab/ndt5-client/logging"
	"github.com/m-lab/ndt5-client/metadata"
	"github.com/m-lab/ndt5-client/metrics"
	"github.com/m-lab/ndt5-client/ndt5"
	"github.com/m-lab/ndt5-client/ndt5/status"
	"github.com/m-lab/ndt5-client/platformx"
	"github.com/m-lab/ndt5-client/redis"
	"github.com/m-lab/ndt5-client/version"
)

const (
	application = "ndt5-client"
	locateTTL   = time.Hour
)

var (
	flagServer        = flag.String("server", "", "Server host name or a target named in -config. Empty asks the locate service.")
	flagPort          = flag.Int("port", 0, "Server port. Zero uses the transport's default.")
	flagTransport     = flag.String("transport", "", "Control channel transport: plain, tls, ws or wss")
	flagTests         = flagx.StringArray{}
	flagIterations    = flag.Int("iterations", 0, "Number of measurements to run")
	flagDelay         = flag.Duration("delay", 0, "Pause between measurements, e.g. 5m, 2h or 24h")
	flagPreferIPv6    = flag.Bool("prefer-ipv6", false, "Try IPv6 addresses of the server first")
	flagCC            = flag.String("cc", "", "Congestion control algorithm for the data sockets")
	flagDataDir       = flag.String("datadir", "", "Directory to store result records in")
	flagCompress      = flag.Bool("compress", false, "Gzip the result records")
	flagRedisAddress  = flag.String("redis.address", "", "Redis server storing results and the remote stop flag")
	flagRedisName     = flag.String("redis.name", application, "Name under which the remote stop flag is read")
	flagConfig        = flag.String("config", "", "Optional YAML configuration file")
	flagDevice        = flag.String("device", "", "Network interface whose byte counters are recorded")
	flagMeta          = flagx.KeyValue{}
	flagStatusAddr    = flag.String("status.listen-address", "", "Serve the session status on this address")
	flagLogFile       = flag.String("log.file", "", "Write logs to this file, rotating it as it grows")
	flagLogLevel      = flag.String("log.level", "info", "Log level: debug, info, warn or error")
	flagSkipTLSVerify = flag.Bool("skip-tls-verify", false, "Skip TLS verify")

	// Context for the whole program.
	ctx, cancel = context.WithCancel(context.Background())
)

func init() {
	flag.Var(&flagTests, "tests", "Tests to request: mid, c2s, s2c, sfw, meta. May be repeated or comma separated.")
	flag.Var(&flagMeta, "meta", "Extra key=value pairs sent in the meta test")
}

// loadConfig merges the configuration file and the flags. Flags win.
func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if *flagConfig != "" {
		var err error
		cfg, err = config.Load(*flagConfig)
		if err != nil {
			return nil, err
		}
	}
	if *flagServer != "" {
		cfg.Server = *flagServer
	}
	if *flagTransport != "" {
		cfg.Transport = *flagTransport
	}
	if len(flagTests) > 0 {
		cfg.Tests = nil
		for _, t := range flagTests {
			cfg.Tests = append(cfg.Tests, strings.Split(t, ",")...)
		}
	}
	if *flagIterations > 0 {
		cfg.Iterations = *flagIterations
	}
	if *flagDelay > 0 {
		cfg.Delay = *flagDelay
	}
	cfg.PreferIPv6 = cfg.PreferIPv6 || *flagPreferIPv6
	cfg.Compress = cfg.Compress || *flagCompress
	if *flagCC != "" {
		cfg.CongestionControl = *flagCC
	}
	if *flagDataDir != "" {
		cfg.DataDir = *flagDataDir
	}
	if *flagRedisAddress != "" {
		cfg.RedisAddress = *flagRedisAddress
	}
	if *flagDevice != "" {
		cfg.Device = *flagDevice
	}
	if cfg.Metadata == nil {
		cfg.Metadata = map[string]string{}
	}
	for k, v := range flagMeta.Get() {
		cfg.Metadata[k] = v
	}
	return cfg, cfg.Validate()
}

// settings builds the session settings, asking the locate service for a
// server when none is configured.
func settings(ctx context.Context, cfg *config.Config, sink status.Sink) (ndt5.Settings, error) {
	tests, err := cfg.TestFlags()
	if err != nil {
		return ndt5.Settings{}, err
	}
	s := ndt5.Settings{
		Tests:             tests,
		Application:       application,
		Metadata:          metadata.FromMap(cfg.Metadata),
		PreferIPv6:        cfg.PreferIPv6,
		CongestionControl: cfg.CongestionControl,
		Sink:              sink,
	}
	if *flagSkipTLSVerify {
		s.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	if cfg.Server != "" {
		s.Host, s.Port, s.Transport, err = cfg.Resolve(cfg.Server)
		if err != nil {
			return s, err
		}
	} else {
		s.Transport, err = ndt5.ParseTransport(cfg.Transport)
		if err != nil {
			return s, err
		}
		servers, err := locator.New(application+"/"+version.Version, locateTTL).Servers(ctx)
		if err != nil {
			metrics.ErrorCount.WithLabelValues("locate").Inc()
			return s, err
		}
		s.Host = servers[0].Host
		s.Port = servers[0].Port(s.Transport)
		s.WSQuery = servers[0].Query(s.Transport)
	}
	if *flagPort != 0 {
		s.Port = *flagPort
	}
	return s, nil
}

// measure runs one session and archives it.
func measure(client *ndt5.Client, cfg *config.Config, rc *redis.Client, nic *ifstat.Reader) error {
	var before ifstat.Counters
	if nic != nil {
		var err error
		if before, err = nic.Read(); err != nil {
			logging.Logger.WithError(err).Warn("Could not read interface counters")
			metrics.ErrorCount.WithLabelValues("ifstat").Inc()
			nic = nil
		}
	}
	record, err := client.Run(ctx)
	if nic != nil {
		ib, ierr := nic.Since(before)
		if ierr != nil {
			metrics.ErrorCount.WithLabelValues("ifstat").Inc()
		}
		record.Interface = ib
	}
	result := "okay"
	if err != nil {
		result = "error"
		logging.Logger.WithError(err).Warn("Measurement failed")
	}
	metrics.TestCount.WithLabelValues(result).Inc()
	writeReport(os.Stdout, record, err)

	if serr := ndt5.SaveData(record, cfg.DataDir, cfg.Compress); serr != nil {
		metrics.ErrorCount.WithLabelValues("save").Inc()
	}
	if rc != nil {
		rctx, rcancel := context.WithTimeout(ctx, 5*time.Second)
		defer rcancel()
		if rerr := rc.SetResult(rctx, record); rerr != nil {
			logging.Logger.WithError(rerr).Warn("Could not store the result in redis")
			metrics.ErrorCount.WithLabelValues("redis").Inc()
		}
	}
	return err
}

// wait pauses between iterations. It reports false if the program is
// shutting down.
func wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not get args from env")
	rtx.Must(logging.SetLevel(*flagLogLevel), "Bad -log.level")
	if *flagLogFile != "" {
		w := logging.RotatingFile(*flagLogFile, 100, 5)
		defer w.Close()
		logging.SetOutput(w)
	}
	platformx.WarnIfNotFullySupported()

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	sigctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx = sigctx

	cfg, err := loadConfig()
	rtx.Must(err, "Bad configuration")

	var stoppers []status.Stopper
	var rc *redis.Client
	if cfg.RedisAddress != "" {
		rc = redis.NewClient(cfg.RedisAddress, *flagRedisName)
		defer rc.Close()
		stoppers = append(stoppers, rc)
	}
	sink := status.NewLog(stoppers...)

	if *flagStatusAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/status", sink)
		srv := &http.Server{
			Addr:    *flagStatusAddr,
			Handler: logging.MakeAccessLogHandler(mux),
		}
		rtx.Must(httpx.ListenAndServeAsync(srv), "Could not start status server")
		defer srv.Close()
	}

	var nic *ifstat.Reader
	if cfg.Device != "" {
		nic, err = ifstat.New("/proc", cfg.Device)
		rtx.Must(err, "Could not read interface counters")
	}

	s, err := settings(ctx, cfg, sink)
	rtx.Must(err, "Could not find a server")
	client := ndt5.NewClient(s)

	failures := 0
	for i := 0; i < cfg.Iterations; i++ {
		if i > 0 && !wait(cfg.Delay) {
			break
		}
		if err := measure(client, cfg, rc, nic); err != nil {
			failures++
		}
	}
	cancel()
	if failures == cfg.Iterations {
		os.Exit(1)
	}
}
