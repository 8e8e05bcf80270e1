package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	_ "net/http/pprof" // Enable pprof
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dj-oyu/sai-fitness/analysis-server/internal/config"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/feed"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/httpapi"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/logger"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/metrics"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/service"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/store"
	"github.com/dj-oyu/sai-fitness/analysis-server/internal/webrtc"
)

var log = logger.For("Main")

// Server-only flags; the shared ones live in config.
var (
	pprofAddr       = flag.String("pprof", "", "pprof server address (empty = disabled)")
	allowOrigin     = flag.String("allow-origin", "*", "Access-Control-Allow-Origin value (empty = no CORS headers)")
	allowLocalPaths = flag.Bool("allow-local-paths", false, "Accept videoPath in /api/analyze")
	analyzeTimeout  = flag.Duration("analyze-timeout", 10*time.Minute, "Upper bound for one /api/analyze request")
	shutdownTimeout = flag.Duration("shutdown-timeout", 10*time.Second, "Time allowed for live sessions to finish on shutdown")
)

// Server is the analysis HTTP server
type Server struct {
	cfg        config.Config
	metrics    *metrics.Metrics
	service    *service.Service
	stopWorker func()
	store      *store.Store
	live       *webrtc.Server
	feed       *feed.Broadcaster
	httpServer *http.Server
}

func main() {
	cfg := config.DefaultConfig()
	cfg.LoadEnv()
	cfg.RegisterFlags(flag.CommandLine)
	flag.Parse()

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}
	level, err := cfg.InitLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid log level: %v\n", err)
		os.Exit(2)
	}

	log.Infof("Analysis server starting...")
	log.Infof("Log level: %s", level)

	srv, err := NewServer(cfg)
	if err != nil {
		log.Errorf("Failed to create server: %v", err)
		os.Exit(1)
	}

	errc := srv.Start()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.Infof("Received %s, shutting down...", sig)
	case err := <-errc:
		log.Errorf("HTTP server error: %v", err)
	}

	if err := srv.Shutdown(); err != nil {
		log.Warnf("Error during shutdown: %v", err)
	}
	log.Infof("Server stopped")
}

// NewServer builds every component from cfg. Nothing listens until Start.
func NewServer(cfg config.Config) (*Server, error) {
	m := metrics.New()

	svc, stopWorker, err := service.FromConfig(cfg, m)
	if err != nil {
		return nil, fmt.Errorf("failed to create analysis service: %w", err)
	}
	if svc.Estimator == nil {
		log.Warnf("No pose worker configured (-pose-cmd); only landmark streams can be analyzed")
	}

	var st *store.Store
	if cfg.DatabaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		st, err = store.Open(ctx, cfg.DatabaseURL)
		cancel()
		if err != nil {
			stopWorker()
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
	} else {
		log.Warnf("No database configured; results will not be persisted")
	}

	format, _ := cfg.OutputFormat()
	api := &httpapi.Server{
		Service:         svc,
		Store:           st,
		Feed:            feed.New(),
		Metrics:         m,
		AllowOrigin:     *allowOrigin,
		AllowLocalPaths: *allowLocalPaths,
		AnalyzeTimeout:  *analyzeTimeout,
	}
	api.Live = webrtc.NewServer(webrtc.Options{
		STUNServers: cfg.STUNList(),
		MaxSessions: cfg.MaxSessions,
		Calibration: svc.Calibration,
		Estimator:   svc.Estimator,
		Metrics:     m,
		Format:      format,
		OnFinish:    api.PersistLive,
		OnResult:    api.Feed.Publish,
	})

	return &Server{
		cfg:        cfg,
		metrics:    m,
		service:    svc,
		stopWorker: stopWorker,
		store:      st,
		live:       api.Live,
		feed:       api.Feed,
		httpServer: &http.Server{
			Addr:              cfg.HTTPAddr,
			Handler:           api.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start launches the listeners. The returned channel receives the HTTP
// server's error if it stops on its own.
func (s *Server) Start() <-chan error {
	log.Infof("Starting analysis server...")
	log.Infof("  HTTP server: %s", s.cfg.HTTPAddr)
	log.Infof("  Database: %s", describeDSN(s.cfg.DatabaseURL))
	log.Infof("  Max live sessions: %d", s.cfg.MaxSessions)
	if s.cfg.RecordDir != "" {
		log.Infof("  Trace directory: %s", s.cfg.RecordDir)
	}

	if *pprofAddr != "" {
		go func() {
			log.Infof("Starting pprof server on %s", *pprofAddr)
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				log.Warnf("pprof server error: %v", err)
			}
		}()
	}

	errc := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
	}()
	return errc
}

// Shutdown stops accepting requests, lets live sessions save their last
// result and then releases the store and pose worker. Open event streams
// are closed first.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), *shutdownTimeout)
	defer cancel()

	s.feed.Close()
	err := s.httpServer.Shutdown(ctx)
	if lerr := s.live.Close(ctx); lerr != nil {
		log.Warnf("Live sessions did not finish: %v", lerr)
	}
	if s.store != nil {
		if serr := s.store.Close(); serr != nil && err == nil {
			err = serr
		}
	}
	s.stopWorker()
	return err
}

// describeDSN hides credentials in a database URL for logging.
func describeDSN(dsn string) string {
	switch {
	case dsn == "":
		return "(disabled)"
	case store.IsPostgres(dsn):
		return "postgres"
	default:
		return dsn
	}
}
