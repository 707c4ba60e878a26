// Command replay re-estimates vehicle state from a pcap of the sensor board's
// UDP stream and writes the run log as CSV.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/banshee-data/vehicle-state/internal/config"
	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/pipeline"
	"github.com/banshee-data/vehicle-state/internal/plotting"
	"github.com/banshee-data/vehicle-state/internal/recordlog"
	"github.com/banshee-data/vehicle-state/internal/replay"
	"github.com/banshee-data/vehicle-state/internal/sensors"
	"github.com/banshee-data/vehicle-state/internal/timeutil"
)

var (
	pcapFile   = flag.String("pcap", "", "Capture file to replay (required)")
	udpPort    = flag.Int("udp-port", 0, "Only replay UDP packets sent to this port (0 = all)")
	configPath = flag.String("config", config.DefaultConfigPath, "Estimator parameter file (.json)")
	outPath    = flag.String("out", "replay.csv", "CSV run log to write")
	plotPath   = flag.String("plot", "", "Optional PNG plot of the replayed run")
	speed      = flag.Float64("speed", 0, "Replay speed multiplier against the wall clock (0 = as fast as possible)")
)

func main() {
	flag.Parse()
	if *pcapFile == "" {
		log.Fatal("-pcap is required")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	est, err := estimation.NewEstimatorFromConfig(cfg)
	if err != nil {
		log.Fatalf("failed to build estimator: %v", err)
	}

	f, err := os.Open(*pcapFile)
	if err != nil {
		log.Fatalf("failed to open capture: %v", err)
	}
	defer f.Close()

	w, err := recordlog.Create(*outPath)
	if err != nil {
		log.Fatalf("failed to create run log: %v", err)
	}

	clock := timeutil.NewMockClock(time.Unix(0, 0))
	cache := sensors.NewCache(clock)
	loop := pipeline.NewLoop(pipeline.Config{
		Cache:     cache,
		Estimator: est,
		Clock:     clock,
		Period:    cfg.GetLoopPeriod(),
		Sinks:     []pipeline.RecordSink{w},
	})

	rp, err := replay.New(replay.Config{
		UDPPort:         *udpPort,
		Period:          cfg.GetLoopPeriod(),
		SpeedMultiplier: *speed,
	}, cache, clock, loop)
	if err != nil {
		log.Fatalf("failed to configure replay: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, runErr := rp.Run(ctx, f)
	if err := w.Close(); err != nil {
		log.Fatalf("failed to close run log: %v", err)
	}
	if runErr != nil {
		log.Fatalf("replay failed: %v", runErr)
	}
	log.Printf("wrote %d records to %s (filter skips: %d, final mode: %s)", st.Ticks, *outPath, est.FilterSkips(), est.Mode())

	if *plotPath != "" {
		recs, err := recordlog.ReadFile(*outPath)
		if err != nil {
			log.Fatalf("failed to read back run log: %v", err)
		}
		if err := plotting.SavePNG(*plotPath, recs); err != nil {
			log.Fatalf("failed to plot run: %v", err)
		}
		log.Printf("wrote plot to %s", *plotPath)
	}
}
