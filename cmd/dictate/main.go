package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/atotto/clipboard"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/loqalabs/loqa-dictate/internal/audio"
	"github.com/loqalabs/loqa-dictate/internal/capture"
	"github.com/loqalabs/loqa-dictate/internal/config"
	"github.com/loqalabs/loqa-dictate/internal/dictation"
	"github.com/loqalabs/loqa-dictate/internal/recorder"
	"github.com/loqalabs/loqa-dictate/internal/runtime"
)

var version = "0.1.0-dev"

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "dictate:", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath  string
		envFile     string
		outPath     string
		showVersion bool
	)

	flag.StringVar(&configPath, "config", "dictate.yaml", "Path to configuration file")
	flag.StringVar(&envFile, "env-file", ".env", "Optional dotenv file loaded before configuration")
	flag.StringVar(&outPath, "out", "", "Default path for 'save' (defaults to document.output_dir/document.file_name)")
	flag.BoolVar(&showVersion, "version", false, "Print version and exit")
	flag.Parse()

	if showVersion {
		fmt.Println(version)
		return nil
	}

	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load env file: %w", err)
	}
	cfg, err := config.LoadOptional(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	// Logs go to stderr so they do not interleave with the transcript.
	logger := runtime.NewLogger(os.Stderr, cfg.Telemetry.LogLevel).With(slog.String("version", version))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	telemetry, err := runtime.SetupTelemetry(cfg, logger)
	if err != nil {
		return fmt.Errorf("setup telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = telemetry.Shutdown(shutdownCtx)
	}()
	if cfg.Telemetry.PrometheusBind != "" && telemetry.Metrics != nil {
		go serveMetrics(cfg.Telemetry.PrometheusBind, telemetry.Metrics, logger)
	}

	components, err := runtime.Assemble(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer components.Close()

	chunkFrames := cfg.Audio.SampleRate * cfg.Recorder.ChunkMS / 1000
	mic, err := capture.OpenMicrophone(cfg.Audio.SampleRate, chunkFrames)
	if err != nil {
		return fmt.Errorf("open microphone: %w", err)
	}
	defer mic.Close()

	listener := recorder.NewListener(mic, recorder.ListenerConfigFromConfig(cfg.Recorder))
	if cfg.Recorder.CalibrateMS > 0 {
		fmt.Println("Calibrating for ambient noise, please stay silent...")
		if err := listener.Calibrate(ctx, time.Duration(cfg.Recorder.CalibrateMS)*time.Millisecond); err != nil {
			return fmt.Errorf("calibrate microphone: %w", err)
		}
		logger.Info("microphone calibrated", slog.Float64("energy_threshold", listener.Threshold()))
	}

	svc := components.Service
	sessionID := uuid.NewString()
	svc.OpenSession(ctx, sessionID, dictation.SourceDesktop)

	recognize := func(ctx context.Context, clip audio.Clip) (string, error) {
		res, err := svc.Recognize(ctx, sessionID, dictation.SourceDesktop, clip)
		return res.Text, err
	}
	loop := recorder.NewLoop(listener, recognize, logger,
		recorder.WithOnUpdate(func(text string) {
			fmt.Printf("\n%s\n> ", text)
		}),
		recorder.WithOnError(func(err error) {
			fmt.Printf("\n%s\nRecording stopped.\n> ", dictation.UserMessage(err))
		}),
	)

	if outPath == "" {
		outPath = filepath.Join(cfg.Document.OutputDir, cfg.Document.FileName)
	}
	con := &console{
		loop:        loop,
		svc:         svc,
		sessionID:   sessionID,
		defaultPath: outPath,
		copyText:    clipboard.WriteAll,
		out:         os.Stdout,
	}

	fmt.Println("Hindi Speech to Text (हिंदी स्पीच टू टेक्स्ट)")
	fmt.Println(helpText)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		fmt.Print("> ")
		select {
		case <-ctx.Done():
			loop.Stop()
			fmt.Println()
			return nil
		case line, ok := <-lines:
			if !ok || !con.handle(ctx, line) {
				loop.Stop()
				return nil
			}
		}
	}
}

func serveMetrics(addr string, handler http.Handler, logger *slog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("metrics server failed", slog.String("error", err.Error()))
	}
}
