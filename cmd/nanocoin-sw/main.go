package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	offline "github.com/nanocoin/offline"
	"github.com/nanocoin/offline/cache"
	"github.com/nanocoin/offline/network"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var (
	// CLI flags
	configFilenameFlag string
	portFlag           int
	originFlag         string
	hostFlag           string
	dbFilenameFlag     string
	verbosityTraceFlag bool
	logFilenameFlag    string

	// this is set by goreleaser
	version string
)

func init() {
	flag.StringVar(&configFilenameFlag, "config", "", "YAML config file")
	flag.StringVar(&originFlag, "origin", "", "Origin URL of the game server")
	flag.StringVar(&hostFlag, "host", "", "Hostname of origin")
	flag.IntVar(&portFlag, "port", 0, "Port to listen on (default 8080)")
	flag.StringVar(&dbFilenameFlag, "db", "", "Cache DB file name (use 'memory' for in-memory db)")
	flag.BoolVar(&verbosityTraceFlag, "vv", false, "Verbosity: trace logging")
	flag.StringVar(&logFilenameFlag, "log-file", "", "Log file to use (in addition to stdout)")

	if version == "" {
		version = "DEV"
	}
}

func main() {
	flag.Parse()

	// set log level
	logLevel := zerolog.DebugLevel
	if verbosityTraceFlag {
		logLevel = zerolog.TraceLevel
	}

	// set up log output to stdout
	// also output to logfile if specified
	logOutputs := make([]io.Writer, 0)
	logOutputs = append(logOutputs, zerolog.ConsoleWriter{Out: os.Stdout})
	if logFilenameFlag != "" {
		if logFileOutput, err := os.OpenFile(logFilenameFlag, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644); err != nil {
			log.Fatal().Err(err).Msg("Cannot open log file")
		} else {
			logOutputs = append(logOutputs, logFileOutput)
		}
	}
	multiWriter := zerolog.MultiLevelWriter(logOutputs...)
	log.Logger = log.Level(logLevel).Output(multiWriter).
		With().Str("version", version).Logger()

	config, err := getConfig(configFilenameFlag, nil)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not read config")
	}
	// command line flags win over file and environment
	if originFlag != "" {
		config.Origin = originFlag
	}
	if hostFlag != "" {
		config.Host = hostFlag
	}
	if portFlag != 0 {
		config.Port = portFlag
	}
	if dbFilenameFlag != "" {
		config.DB = dbFilenameFlag
	}

	if config.Origin == "" {
		log.Fatal().Msg("Please specify origin")
	}
	originURL, err := url.Parse(config.Origin)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not parse origin url")
	}
	scopeURL := originURL
	if config.Scope != "" {
		if scopeURL, err = url.Parse(config.Scope); err != nil {
			log.Fatal().Err(err).Msg("Could not parse scope url")
		}
	}

	// set up sqlite storage
	dbFilename := config.DB
	if dbFilename == "memory" {
		dbFilename = ""
	}
	storage, err := cache.NewSQLiteStorage(dbFilename)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open cache db")
	}
	defer storage.Close()

	worker := offline.CreateWorker(offline.Config{
		Storage: storage,
		Fetcher: network.NewHTTPFetcher(network.HTTPConfig{
			OriginURL:  originURL,
			OriginHost: config.Host,
			Timeout:    config.Timeout,
			Logger:     &log.Logger,
		}),
		Scope:           *scopeURL,
		Namespace:       config.Namespace,
		Version:         config.Version,
		Precache:        config.Precache,
		Rules:           config.Rules,
		Notification:    config.Notification,
		HoldWaiting:     config.HoldWaiting,
		InstallAttempts: config.InstallAttempts,
		Logger:          &log.Logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// keep serving passthrough even if the worker never gets installed
	go func() {
		if err := worker.Start(ctx); err != nil {
			log.Error().Err(err).Msg("Worker not installed")
		}
	}()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: worker.Handler(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	log.Info().Msgf("Serving port %v for %s (origin %s, hostname '%s')", config.Port, scopeURL.String(), originURL.String(), config.Host)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("Server failed")
	}
	worker.Close()
	log.Info().Msg("Stopped")
}
