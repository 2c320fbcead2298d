// Command server starts the streamcast ingest, conversion, and control
// service: an RTMP listener for publishers, an HLS converter fan-out, and
// the HTTP API that serves playback and administration.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"streamcast/internal/api"
	"streamcast/internal/auth"
	"streamcast/internal/ingest"
	"streamcast/internal/media"
	"streamcast/internal/media/clips"
	"streamcast/internal/media/discovery"
	"streamcast/internal/media/encoder"
	"streamcast/internal/media/hls"
	"streamcast/internal/media/simulcast"
	"streamcast/internal/observability/logging"
	"streamcast/internal/observability/metrics"
	"streamcast/internal/realtime"
	"streamcast/internal/server"
	"streamcast/internal/storage"
)

func main() {
	// Missing .env is the normal case outside local development.
	_ = godotenv.Load()

	addr := flag.String("addr", "", "HTTP listen address")
	rtmpAddr := flag.String("rtmp-addr", "", "RTMP ingest listen address")
	rtmpApp := flag.String("rtmp-app", "", "RTMP application name publishers use")
	hlsRoot := flag.String("hls-root", "", "directory HLS output is written to")
	publicBaseURL := flag.String("public-base-url", "", "externally reachable base URL for playback links")
	clipRoot := flag.String("clip-root", "", "directory clips are written to")
	ffmpegBinary := flag.String("ffmpeg", "", "path to the ffmpeg binary")
	dataPath := flag.String("data", "", "path to JSON datastore")
	storageDriver := flag.String("storage-driver", "", "datastore driver (json or postgres)")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	adminTokenHash := flag.String("admin-token-hash", "", "PBKDF2 hash of the admin API token")
	tlsCert := flag.String("tls-cert", "", "path to TLS certificate file")
	tlsKey := flag.String("tls-key", "", "path to TLS private key file")
	logLevel := flag.String("log-level", "info", "log level (debug, info, warn, error)")
	logFormat := flag.String("log-format", "", "log format (json or text)")
	corsOrigins := flag.String("cors-origins", "", "comma separated origins allowed cross-origin access")
	globalRPS := flag.Float64("rate-global-rps", 0, "global request rate limit in requests per second")
	globalBurst := flag.Int("rate-global-burst", 0, "global rate limit burst allowance")
	captureLimit := flag.Int("rate-capture-limit", 0, "maximum clip captures per window for a single IP")
	captureWindow := flag.Duration("rate-capture-window", 0, "window for counting clip captures")
	sweepInterval := flag.Duration("sweep-interval", 0, "interval between inactive stream sweeps")
	inactivity := flag.Duration("inactivity-threshold", 0, "inactivity before a stream is torn down")
	videoBitrate := flag.Int("hls-video-bitrate", 0, "HLS video bitrate in kbps")
	audioBitrate := flag.Int("hls-audio-bitrate", 0, "HLS audio bitrate in kbps")
	resolution := flag.String("hls-resolution", "", "HLS output resolution (e.g. 1280x720)")
	framerate := flag.Int("hls-framerate", 0, "HLS output framerate")
	eventsRedisAddr := flag.String("events-redis-addr", "", "Redis address for stream event fan-out")
	eventsRedisPassword := flag.String("events-redis-password", "", "Redis password for stream event fan-out")
	eventsRedisStream := flag.String("events-redis-stream", "", "Redis stream key for stream events")
	flag.Parse()

	logger := logging.Init(logging.Config{
		Level:  firstNonEmpty(*logLevel, os.Getenv("STREAMCAST_LOG_LEVEL")),
		Format: firstNonEmpty(*logFormat, os.Getenv("STREAMCAST_LOG_FORMAT")),
	})
	recorder := metrics.Default()

	binary := firstNonEmpty(*ffmpegBinary, os.Getenv("STREAMCAST_FFMPEG"), "ffmpeg")
	if err := encoder.Probe(binary); err != nil {
		// Channel management still works without an encoder; publishes fail
		// at conversion start instead.
		logger.Warn("transcoder binary unavailable, ingest will reject publishes", "binary", binary, "error", err)
	}

	store, err := openStore(*storageDriver, *dataPath, *postgresDSN)
	if err != nil {
		logger.Error("failed to open datastore", "error", err)
		os.Exit(1)
	}

	events := openEvents(*eventsRedisAddr, *eventsRedisPassword, *eventsRedisStream, logger)

	listenRTMP := firstNonEmpty(*rtmpAddr, os.Getenv("STREAMCAST_RTMP_ADDR"), ingest.DefaultAddr)
	app := firstNonEmpty(*rtmpApp, os.Getenv("STREAMCAST_RTMP_APP"), ingest.DefaultApp)
	sourceBase := localRTMPBase(listenRTMP, app)

	outputRoot := firstNonEmpty(*hlsRoot, os.Getenv("STREAMCAST_HLS_ROOT"), "data/hls")
	converter, err := hls.NewConverter(hls.Config{
		Binary:     binary,
		OutputRoot: outputRoot,
		SourceBase: sourceBase,
		Logger:     logging.WithComponent(logger, "hls"),
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("failed to initialise converter", "error", err)
		os.Exit(1)
	}

	manager := simulcast.NewManager(simulcast.Config{
		Binary:     binary,
		SourceBase: sourceBase,
		Logger:     logging.WithComponent(logger, "simulcast"),
		Metrics:    recorder,
	})

	quality := hls.QualityConfig{
		VideoBitrateKbps: resolveInt(*videoBitrate, "STREAMCAST_HLS_VIDEO_BITRATE"),
		AudioBitrateKbps: resolveInt(*audioBitrate, "STREAMCAST_HLS_AUDIO_BITRATE"),
		Resolution:       firstNonEmpty(*resolution, os.Getenv("STREAMCAST_HLS_RESOLUTION")),
		Framerate:        resolveInt(*framerate, "STREAMCAST_HLS_FRAMERATE"),
	}

	var pipeline *media.Pipeline
	disco, err := discovery.New(discovery.Config{
		OutputRoot:          outputRoot,
		PublicBaseURL:       firstNonEmpty(*publicBaseURL, os.Getenv("STREAMCAST_PUBLIC_BASE_URL")),
		SweepInterval:       resolveDuration(*sweepInterval, "STREAMCAST_SWEEP_INTERVAL", 0),
		InactivityThreshold: resolveDuration(*inactivity, "STREAMCAST_INACTIVITY_THRESHOLD", 0),
		Teardown: func(streamKey, reason string) {
			pipeline.StopStream(streamKey, reason)
		},
		Logger:  logging.WithComponent(logger, "discovery"),
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise discovery", "error", err)
		os.Exit(1)
	}

	pipeline = media.NewPipeline(media.Config{
		Converter: converter,
		Simulcast: manager,
		Discovery: disco,
		Store:     store,
		Events:    events,
		Quality:   quality,
		Logger:    logging.WithComponent(logger, "pipeline"),
		Metrics:   recorder,
	})

	extractor, err := clips.NewExtractor(clips.Config{
		Binary:     binary,
		OutputRoot: firstNonEmpty(*clipRoot, os.Getenv("STREAMCAST_CLIP_ROOT"), "data/clips"),
		SourceBase: sourceBase,
		Store:      store,
		Logger:     logging.WithComponent(logger, "clips"),
		Metrics:    recorder,
	})
	if err != nil {
		logger.Error("failed to initialise clip extractor", "error", err)
		os.Exit(1)
	}

	rtmpServer, err := ingest.NewServer(ingest.Config{
		Addr:       listenRTMP,
		App:        app,
		Controller: pipeline,
		Logger:     logging.WithComponent(logger, "ingest"),
	})
	if err != nil {
		logger.Error("failed to initialise rtmp ingest", "error", err)
		os.Exit(1)
	}

	handler := api.NewHandler(api.Handler{
		Store:     store,
		Pipeline:  pipeline,
		Discovery: disco,
		Clips:     extractor,
		HLSRoot:   outputRoot,
		Logger:    logging.WithComponent(logger, "api"),
	})

	listenAddr := firstNonEmpty(*addr, os.Getenv("STREAMCAST_ADDR"), ":8080")
	srv, err := server.New(handler, server.Config{
		Addr: listenAddr,
		TLS: server.TLSConfig{
			CertFile: firstNonEmpty(*tlsCert, os.Getenv("STREAMCAST_TLS_CERT")),
			KeyFile:  firstNonEmpty(*tlsKey, os.Getenv("STREAMCAST_TLS_KEY")),
		},
		RateLimit: server.RateLimitConfig{
			GlobalRPS:     resolveFloat(*globalRPS, "STREAMCAST_RATE_GLOBAL_RPS"),
			GlobalBurst:   resolveInt(*globalBurst, "STREAMCAST_RATE_GLOBAL_BURST"),
			CaptureLimit:  resolveInt(*captureLimit, "STREAMCAST_RATE_CAPTURE_LIMIT"),
			CaptureWindow: resolveDuration(*captureWindow, "STREAMCAST_RATE_CAPTURE_WINDOW", time.Minute),
		},
		CORS: server.CORSConfig{
			AllowedOrigins: splitAndTrim(firstNonEmpty(*corsOrigins, os.Getenv("STREAMCAST_CORS_ORIGINS"))),
		},
		Auth:    auth.NewMiddleware(firstNonEmpty(*adminTokenHash, os.Getenv("STREAMCAST_ADMIN_TOKEN_HASH"))),
		Logger:  logger,
		Metrics: recorder,
	})
	if err != nil {
		logger.Error("failed to initialise server", "error", err)
		os.Exit(1)
	}

	sweepCtx, sweepCancel := context.WithCancel(context.Background())
	defer sweepCancel()
	sweepStop := disco.StartSweeper(sweepCtx)
	defer sweepStop()

	errs := make(chan error, 2)
	go func() {
		logger.Info("streamcast API listening", "addr", listenAddr)
		logger.Info("metrics endpoint available", "path", "/metrics")
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errs <- err
		}
	}()
	go func() {
		if err := rtmpServer.ListenAndServe(); err != nil {
			errs <- fmt.Errorf("rtmp ingest: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("received shutdown signal", "signal", sig.String())
	case err := <-errs:
		logger.Error("server error", "error", err)
	}

	sweepCancel()
	sweepStop()
	pipeline.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("graceful shutdown failed", "error", err)
	}
	if err := events.Close(); err != nil {
		logger.Warn("failed to close event publisher", "error", err)
	}
	if err := store.Close(ctx); err != nil {
		logger.Warn("failed to close datastore", "error", err)
	}

	logger.Info("server stopped")
}

func openStore(flagDriver, flagData, flagDSN string) (storage.Repository, error) {
	dsn := strings.TrimSpace(firstNonEmpty(flagDSN, os.Getenv("STREAMCAST_POSTGRES_DSN"), os.Getenv("DATABASE_URL")))
	driver := strings.ToLower(firstNonEmpty(flagDriver, os.Getenv("STREAMCAST_STORAGE_DRIVER")))
	if driver == "" {
		if dsn != "" {
			driver = "postgres"
		} else {
			driver = "json"
		}
	}
	switch driver {
	case "json":
		dataFile := firstNonEmpty(flagData, os.Getenv("STREAMCAST_DATA"), "data/store.json")
		return storage.NewMemory(dataFile)
	case "postgres":
		if dsn == "" {
			return nil, fmt.Errorf("postgres storage selected without DSN")
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return storage.NewPostgres(ctx, dsn)
	default:
		return nil, fmt.Errorf("unsupported storage driver %q", driver)
	}
}

func openEvents(flagAddr, flagPassword, flagStream string, logger *slog.Logger) realtime.Publisher {
	addr := firstNonEmpty(flagAddr, os.Getenv("STREAMCAST_EVENTS_REDIS_ADDR"))
	if addr == "" {
		return realtime.NopPublisher{}
	}
	publisher, err := realtime.NewRedisPublisher(realtime.RedisConfig{
		Addr:     addr,
		Password: firstNonEmpty(flagPassword, os.Getenv("STREAMCAST_EVENTS_REDIS_PASSWORD")),
		Stream:   firstNonEmpty(flagStream, os.Getenv("STREAMCAST_EVENTS_REDIS_STREAM")),
	})
	if err != nil {
		logger.Warn("stream event fan-out disabled", "error", err)
		return realtime.NopPublisher{}
	}
	logger.Info("stream event fan-out enabled", "addr", addr)
	return publisher
}

// localRTMPBase converts a listen address into the loopback URL local pulls
// (conversion, relays, clips) read from.
func localRTMPBase(listenAddr, app string) string {
	host, port, err := splitHostPort(listenAddr)
	if err != nil || port == "" {
		port = "1935"
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return fmt.Sprintf("rtmp://%s:%s/%s", host, port, app)
}

func splitHostPort(addr string) (string, string, error) {
	idx := strings.LastIndex(addr, ":")
	if idx < 0 {
		return addr, "", fmt.Errorf("no port in %q", addr)
	}
	return addr[:idx], addr[idx+1:], nil
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func splitAndTrim(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			out = append(out, trimmed)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func resolveFloat(flagValue float64, envKey string) float64 {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseFloat(strings.TrimSpace(env), 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveInt(flagValue int, envKey string) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(env); err == nil {
			return value
		}
	}
	return fallback
}
