package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/vehicle-state/internal/api"
	"github.com/banshee-data/vehicle-state/internal/config"
	"github.com/banshee-data/vehicle-state/internal/db"
	"github.com/banshee-data/vehicle-state/internal/estimation"
	"github.com/banshee-data/vehicle-state/internal/forward"
	"github.com/banshee-data/vehicle-state/internal/pipeline"
	"github.com/banshee-data/vehicle-state/internal/publish"
	"github.com/banshee-data/vehicle-state/internal/recordlog"
	"github.com/banshee-data/vehicle-state/internal/sensors"
	"github.com/banshee-data/vehicle-state/internal/serialmux"
	"github.com/banshee-data/vehicle-state/internal/timeutil"
	"github.com/banshee-data/vehicle-state/internal/version"
)

var (
	configPath  = flag.String("config", config.DefaultConfigPath, "Estimator parameter file (.json)")
	port        = flag.String("port", "/dev/ttyACM0", "Serial port of the sensor board (ignored in dev mode)")
	baudRate    = flag.Int("baud", serialmux.DefaultBaudRate, "Serial baud rate")
	devMode     = flag.Bool("dev", false, "Feed the estimator from a simulated drive instead of the serial port")
	listen      = flag.String("listen", ":8080", "HTTP listen address (empty to disable)")
	grpcListen  = flag.String("grpc-listen", "", "gRPC listen address for estimate streaming (empty to disable)")
	dbPath      = flag.String("db", "vehicle_state.db", "SQLite database path (empty to disable)")
	dataDir     = flag.String("data-dir", "", "Directory for CSV run logs (empty to disable)")
	user        = flag.String("user", "default", "User name, part of the signal ID")
	experiment  = flag.String("experiment", "Straight", "Experiment name or index: Circular, Straight, SineSweep, DoubleLaneChange, CoastDown")
	forwardURL  = flag.String("forward-url", "", "Remote data service URL for batched signal upload (empty to disable)")
	units       = flag.String("units", "mps", "Default speed units for the API: mps, mph, kmph, kph")
	echoState   = flag.Bool("echo-state", false, "Send each estimate back to the sensor board as a state line")
	showVersion = flag.Bool("version", false, "Print version and exit")
)

// runSinks is the per-run record output: CSV, database and remote upload.
type runSinks struct {
	runID   string
	sinks   []pipeline.RecordSink
	closers []io.Closer
}

func (r *runSinks) add(s pipeline.RecordSink, c io.Closer) {
	r.sinks = append(r.sinks, s)
	if c != nil {
		r.closers = append(r.closers, c)
	}
}

// Close closes sinks in reverse order of creation.
func (r *runSinks) Close() error {
	var errs []error
	for i := len(r.closers) - 1; i >= 0; i-- {
		errs = append(errs, r.closers[i].Close())
	}
	return errors.Join(errs...)
}

type runOptions struct {
	user       string
	experiment recordlog.Experiment
	start      time.Time
	dataDir    string
	store      *db.DB
	forwardURL string
}

// openRun creates the run row and the enabled record sinks.
func openRun(ctx context.Context, opts runOptions) (*runSinks, error) {
	signalID := recordlog.SignalID(opts.user, opts.experiment)
	run := &runSinks{runID: uuid.NewString()}

	var csvPath string
	if opts.dataDir != "" {
		w, path, err := recordlog.CreateRun(opts.dataDir, signalID, opts.start)
		if err != nil {
			return nil, err
		}
		csvPath = path
		run.add(w, w)
		log.Printf("recording run to %s", csvPath)
	}

	if opts.store != nil {
		row := &db.Run{
			RunID:       run.runID,
			SignalID:    signalID,
			User:        opts.user,
			Experiment:  opts.experiment.String(),
			CSVPath:     csvPath,
			StartedAtNs: opts.start.UnixNano(),
		}
		if err := opts.store.CreateRun(row); err != nil {
			run.Close()
			return nil, err
		}
		rec := opts.store.NewRunRecorder(run.runID, 0)
		run.add(rec, rec)
	}

	if opts.forwardURL != "" {
		f := forward.New(forward.Config{
			URL:        opts.forwardURL,
			Experiment: signalID,
			RunID:      run.runID,
			Start:      opts.start,
		})
		f.Start(ctx)
		run.add(f, f)
	}
	return run, nil
}

func newSerialMux(cfg *config.EstimatorConfig) (serialmux.SerialMuxInterface, error) {
	if *devMode {
		gen := serialmux.SimulatedDrive(cfg.GetLoopPeriod(), cfg.GetTireRadius(), cfg.GetMagnetsPerWheel())
		return serialmux.NewMockSerialMux(gen, 10*time.Millisecond), nil
	}
	return serialmux.NewRealSerialMux(*port, serialmux.PortOptions{BaudRate: *baudRate})
}

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Println(version.String())
		return
	}
	log.Printf("starting %s", version.String())

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	exp, err := recordlog.ParseExperiment(*experiment)
	if err != nil {
		log.Fatalf("invalid -experiment: %v", err)
	}

	m, err := newSerialMux(cfg)
	if err != nil {
		log.Fatalf("failed to open serial port: %v", err)
	}
	defer m.Close()
	if err := m.Initialize(); err != nil {
		log.Fatalf("failed to initialize sensor board: %v", err)
	}

	var store *db.DB
	if *dbPath != "" {
		store, err = db.NewDB(*dbPath)
		if err != nil {
			log.Fatalf("failed to open database: %v", err)
		}
		defer store.Close()
	}

	est, err := estimation.NewEstimatorFromConfig(cfg)
	if err != nil {
		log.Fatalf("failed to build estimator: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	run, err := openRun(ctx, runOptions{
		user:       *user,
		experiment: exp,
		start:      time.Now(),
		dataDir:    *dataDir,
		store:      store,
		forwardURL: *forwardURL,
	})
	if err != nil {
		log.Fatalf("failed to open run: %v", err)
	}
	defer func() {
		if err := run.Close(); err != nil {
			log.Printf("error closing run %s: %v", run.runID, err)
		}
	}()

	var publishers []pipeline.Publisher
	var grpcPub *publish.Publisher
	if *grpcListen != "" {
		grpcPub = publish.NewPublisher(publish.Config{ListenAddr: *grpcListen})
		if err := grpcPub.Start(); err != nil {
			log.Fatalf("failed to start gRPC publisher: %v", err)
		}
		defer grpcPub.Stop()
		publishers = append(publishers, grpcPub)
	}
	if *echoState {
		echo := serialmux.NewStatePublisher(m)
		defer echo.Close()
		publishers = append(publishers, echo)
	}

	cache := sensors.NewCache(timeutil.RealClock{})
	loop := pipeline.NewLoop(pipeline.Config{
		Cache:      cache,
		Estimator:  est,
		Period:     cfg.GetLoopPeriod(),
		Publishers: publishers,
		Sinks:      run.sinks,
	})

	var wg sync.WaitGroup

	// serial IO and line dispatch into the measurement cache
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := m.Monitor(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("failed to monitor serial port: %v", err)
		}
		log.Print("monitor routine terminated")
	}()
	wg.Add(1)
	go func() {
		defer wg.Done()
		serialmux.Feed(ctx, m, cache)
		log.Print("feed routine terminated")
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("estimation loop stopped: %v", err)
		}
	}()

	if *listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			serveHTTP(ctx, api.NewServer(loop, m, store, run.runID, *units), m, store)
		}()
	}

	wg.Wait()
	log.Printf("graceful shutdown complete after %d ticks", loop.TickCount())
}

func serveHTTP(ctx context.Context, s *api.Server, m serialmux.SerialMuxInterface, store *db.DB) {
	mux := s.ServeMux()
	m.AttachAdminRoutes(mux)
	if store != nil {
		store.AttachAdminRoutes(mux)
	}

	server := &http.Server{
		Addr:    *listen,
		Handler: api.LoggingMiddleware(mux),
	}
	go func() {
		log.Printf("HTTP server listening on %s", *listen)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("HTTP server error: %v", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Println("shutting down HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
		if err := server.Close(); err != nil {
			log.Printf("HTTP server force close error: %v", err)
		}
	}
	log.Printf("HTTP server routine stopped")
}
