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
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/eeg.report/internal/api"
	"github.com/banshee-data/eeg.report/internal/config"
	"github.com/banshee-data/eeg.report/internal/db"
	"github.com/banshee-data/eeg.report/internal/dsp"
	"github.com/banshee-data/eeg.report/internal/monitoring"
	"github.com/banshee-data/eeg.report/internal/pipeline"
	"github.com/banshee-data/eeg.report/internal/serialmux"
	"github.com/banshee-data/eeg.report/internal/sink"
	"github.com/banshee-data/eeg.report/internal/thinkgear"
	"github.com/banshee-data/eeg.report/internal/version"
)

var (
	configPath  = flag.String("config", "", "Pipeline config file (.json, .yaml); empty uses built-in defaults")
	port        = flag.String("port", "/dev/rfcomm0", "Serial port of the headset (ignored with -dev or -replay)")
	baud        = flag.Int("baud", 0, "Baud rate override; 0 uses the config value")
	devMode     = flag.Bool("dev", false, "Use a synthetic headset instead of a serial port")
	replay      = flag.String("replay", "", "Decode a captured byte stream file instead of a serial port")
	capture     = flag.String("capture", "", "Copy the raw byte stream to this file for later -replay")
	rawOnly     = flag.Bool("raw-only", false, "Emit every sample without filtering or spectral analysis")
	extended    = flag.Bool("extended", false, "Decode poor signal, attention, meditation, blink and EEG power fields")
	dbPath      = flag.String("db", "eeg.db", "SQLite session database; empty disables recording to the database")
	csvPath     = flag.String("csv", "", "Write records to this CSV file")
	cborPath    = flag.String("cbor", "", "Write records to this CBOR sequence file")
	notes       = flag.String("notes", "", "Notes stored with the session")
	listen      = flag.String("listen", ":8080", "HTTP listen address; empty disables the server")
	debugMode   = flag.Bool("debug", false, "Log per-frame diagnostics")
	showVersion = flag.Bool("version", false, "Print version and exit")
	watch       = flag.String("watch", "", "Print spectra from a running eeg server at this URL instead of recording")
	watchEvery  = flag.Duration("watch-interval", time.Second, "Polling interval for -watch")
)

// settings is the resolved command line.
type settings struct {
	cfg      *config.PipelineConfig
	port     string
	devMode  bool
	replay   string
	capture  string
	rawOnly  bool
	dbPath   string
	csvPath  string
	cborPath string
	notes    string
	listen   string
	registry prometheus.Registerer
}

// loadConfig reads path, or the defaults when path is empty, and applies the
// command line overrides.
func loadConfig(path string, baudOverride int, extendedFields bool) (*config.PipelineConfig, error) {
	cfg := config.DefaultPipelineConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadPipelineConfig(path); err != nil {
			return nil, err
		}
	}
	if baudOverride > 0 {
		cfg.BaudRate = &baudOverride
	}
	if extendedFields {
		on := true
		cfg.DecodeExtendedFields = &on
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// openDevice returns the byte source and a label for the session record.
func openDevice(s settings) (serialmux.SerialPorter, string, error) {
	switch {
	case s.replay != "":
		f, err := os.Open(s.replay)
		if err != nil {
			return nil, "", err
		}
		return f, "replay:" + s.replay, nil
	case s.devMode:
		return serialmux.NewMockSerialPort(serialmux.NewSyntheticHeadset()), "synthetic", nil
	default:
		p, err := serialmux.RealPortFactory.Open(s.port, serialmux.PortOptions{BaudRate: s.cfg.GetBaudRate()})
		if err != nil {
			return nil, "", err
		}
		return p, s.port, nil
	}
}

// capturePort copies every byte read from the device to w.
type capturePort struct {
	serialmux.SerialPorter
	w io.WriteCloser
}

func (c *capturePort) Read(b []byte) (int, error) {
	n, err := c.SerialPorter.Read(b)
	if n > 0 {
		if _, werr := c.w.Write(b[:n]); werr != nil {
			log.Printf("capture write failed: %v", werr)
		}
	}
	return n, err
}

func (c *capturePort) Close() error {
	err := c.SerialPorter.Close()
	if cerr := c.w.Close(); err == nil {
		err = cerr
	}
	return err
}

type flusher interface {
	Flush() error
}

// run records one session until the stream ends or ctx is cancelled.
func run(ctx context.Context, s settings) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	opts := pipeline.OptionsFromConfig(s.cfg)
	opts.RawOnly = s.rawOnly
	if s.registry != nil {
		opts.Metrics = monitoring.NewMetrics(s.registry)
	}
	p, err := pipeline.New(opts)
	if err != nil {
		return fmt.Errorf("invalid pipeline configuration: %w", err)
	}

	var bandNames []string
	if !s.rawOnly {
		bandNames = dsp.BandNames(opts.Bands)
	}

	var flushers []flusher
	var closers []io.Closer
	defer func() {
		for _, f := range flushers {
			if err := f.Flush(); err != nil {
				log.Printf("flush failed: %v", err)
			}
		}
		for _, c := range closers {
			c.Close()
		}
	}()

	if s.csvPath != "" {
		f, err := os.Create(s.csvPath)
		if err != nil {
			return err
		}
		closers = append(closers, f)
		w, err := sink.NewCSVWriter(f, bandNames)
		if err != nil {
			return err
		}
		p.AddSink(w)
		flushers = append(flushers, w)
	}
	if s.cborPath != "" {
		f, err := os.Create(s.cborPath)
		if err != nil {
			return err
		}
		closers = append(closers, f)
		w := sink.NewCBORRecorder(f)
		p.AddSink(w)
		flushers = append(flushers, w)
	}

	device, label, err := openDevice(s)
	if err != nil {
		return fmt.Errorf("failed to open device: %w", err)
	}
	if s.capture != "" {
		f, err := os.Create(s.capture)
		if err != nil {
			device.Close()
			return err
		}
		device = &capturePort{SerialPorter: device, w: f}
	}
	mux := serialmux.NewSerialMux(device, p)
	defer mux.Close()

	if s.replay == "" {
		if err := mux.Initialize(); err != nil {
			log.Printf("failed to initialize headset (continuing): %v", err)
		} else {
			log.Printf("initialized device %s", label)
		}
	}

	var database *db.DB
	var session *db.Session
	if s.dbPath != "" {
		if database, err = db.NewDB(s.dbPath); err != nil {
			return fmt.Errorf("failed to connect to database: %w", err)
		}
		defer database.Close()
		if session, err = database.StartSession(label, opts.SampleRate, bandNames, s.notes); err != nil {
			return err
		}
		rec := database.NewRecorder(session.ID, 0)
		p.AddSink(rec)
		// Flush before the deferred Close runs.
		defer func() {
			if err := rec.Flush(); err != nil {
				log.Printf("failed to flush session records: %v", err)
			}
			if err := database.EndSession(session.ID); err != nil {
				log.Printf("failed to end session: %v", err)
			}
			log.Printf("session %s: %d records stored, %d dropped", session.ID, rec.Written(), rec.Dropped())
		}()
		log.Printf("recording session %s", session.ID)
	}

	// Create a wait group for the HTTP server and serial monitor routines
	var wg sync.WaitGroup
	var monitorErr error

	// run the monitor routine to decode the device stream
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer stop()
		monitorErr = mux.Monitor(ctx)
		log.Print("monitor routine terminated")
	}()

	if s.listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			srv := api.NewServer(p, database, s.cfg)
			if session != nil {
				srv.SetSession(session.ID)
			}
			httpMux := srv.ServeMux()
			mux.AttachAdminRoutes(httpMux)
			if database != nil {
				database.AttachAdminRoutes(httpMux)
			}
			httpMux.Handle("/metrics", promhttp.Handler())

			server := &http.Server{
				Addr:    s.listen,
				Handler: api.LoggingMiddleware(httpMux),
			}

			// Start server in a goroutine so it doesn't block
			go func() {
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Printf("failed to start server: %v", err)
					stop()
				}
			}()

			// Wait for context cancellation to shut down server
			<-ctx.Done()
			log.Println("shutting down HTTP server...")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			if err := server.Shutdown(shutdownCtx); err != nil {
				log.Printf("HTTP server shutdown error: %v", err)
				// Force close the server if graceful shutdown fails
				if err := server.Close(); err != nil {
					log.Printf("HTTP server force close error: %v", err)
				}
			}
			log.Printf("HTTP server routine stopped")
		}()
	}

	wg.Wait()

	st := p.Stats()
	log.Printf("decoded %d frames, %d checksum failures, %d spectra", st.FramesAccepted, st.ChecksumFailures, st.Spectra)
	return finalError(monitorErr, s.replay != "")
}

// finalError maps the monitor result to the process outcome. Cancellation
// is a clean exit, and so is reaching the end of a replay file.
func finalError(err error, replaying bool) error {
	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return nil
	case replaying && errors.Is(err, thinkgear.ErrStreamExhausted):
		log.Print("replay complete")
		return nil
	default:
		return fmt.Errorf("%s: %w", thinkgear.Kind(err), err)
	}
}

// runWatch polls a server and prints one line per new spectrum.
func runWatch(ctx context.Context, c *api.Client, every time.Duration, out io.Writer) error {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	last := -1.0
	for {
		rec, err := c.LatestSpectrum(ctx)
		var se *api.StatusError
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.As(err, &se) && se.StatusCode == http.StatusNotFound:
		case err != nil:
			return err
		case rec.Sample.Timestamp != last:
			last = rec.Sample.Timestamp
			fmt.Fprintln(out, formatSpectrum(rec))
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func formatSpectrum(rec pipeline.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%10.3fs raw=%6d", rec.Sample.Timestamp, rec.Sample.Value)
	for _, bp := range rec.Spectrum {
		fmt.Fprintf(&b, " %s=%.1f", bp.Name, bp.Power)
	}
	if len(rec.Spectrum) > 0 {
		fmt.Fprintf(&b, " [%s]", rec.Spectrum.Dominant().Name)
	}
	return b.String()
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("eeg %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}
	monitoring.SetDebug(*debugMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *watch != "" {
		if err := runWatch(ctx, api.NewClient(*watch, nil), *watchEvery, os.Stdout); err != nil {
			log.Fatalf("watch failed: %v", err)
		}
		return
	}

	if !*devMode && *replay == "" && *port == "" {
		log.Fatal("Serial port is required")
	}

	cfg, err := loadConfig(*configPath, *baud, *extended)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	err = run(ctx, settings{
		cfg:      cfg,
		port:     *port,
		devMode:  *devMode,
		replay:   *replay,
		capture:  *capture,
		rawOnly:  *rawOnly,
		dbPath:   *dbPath,
		csvPath:  *csvPath,
		cborPath: *cborPath,
		notes:    *notes,
		listen:   *listen,
		registry: prometheus.DefaultRegisterer,
	})
	if err != nil {
		log.Fatalf("%v", err)
	}
	log.Printf("Graceful shutdown complete")
}
