package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"streamcast/internal/api"
	"streamcast/internal/auth"
	"streamcast/internal/observability/metrics"
)

type TLSConfig struct {
	CertFile string
	KeyFile  string
}

type Config struct {
	Addr      string
	TLS       TLSConfig
	RateLimit RateLimitConfig
	CORS      CORSConfig
	Security  SecurityConfig
	Auth      *auth.Middleware
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
}

type Server struct {
	httpServer  *http.Server
	logger      *slog.Logger
	metrics     *metrics.Recorder
	rateLimiter *rateLimiter
	tlsCertFile string
	tlsKeyFile  string
}

func New(handler *api.Handler, cfg Config) (*Server, error) {
	recorder := cfg.Metrics
	if recorder == nil {
		recorder = metrics.Default()
	}
	authMW := cfg.Auth
	if authMW == nil {
		authMW = auth.NewMiddleware("")
	}

	router := chi.NewRouter()
	router.Get("/healthz", handler.Health)
	router.Method(http.MethodGet, "/metrics", recorder.Handler())
	router.Get("/hls/{streamKey}/{file}", handler.ServeHLS)

	router.Route("/api", func(r chi.Router) {
		// Playback surface, readable without credentials.
		r.Get("/streams", handler.ListActiveStreams)
		r.Get("/streams/{streamKey}", handler.PlaybackInfo)

		// Control surface.
		r.Group(func(r chi.Router) {
			r.Use(authMW.Require)

			r.Delete("/streams/{streamKey}", handler.StopStream)
			r.Get("/streams/{streamKey}/simulcast", handler.SimulcastStatus)
			r.Post("/streams/{streamKey}/simulcast", handler.StartSimulcast)
			r.Delete("/streams/{streamKey}/simulcast", handler.StopSimulcast)
			r.Get("/simulcast", handler.ListSimulcast)

			r.Post("/channels", handler.CreateChannel)
			r.Get("/channels", handler.ListChannels)
			r.Get("/channels/{channelID}", handler.GetChannel)
			r.Patch("/channels/{channelID}", handler.UpdateChannel)
			r.Delete("/channels/{channelID}", handler.DeleteChannel)
			r.Post("/channels/{channelID}/rotate-key", handler.RotateStreamKey)
			r.Put("/channels/{channelID}/targets", handler.PutSimulcastTarget)
			r.Get("/channels/{channelID}/targets", handler.ListSimulcastTargets)
			r.Delete("/targets/{targetID}", handler.DeleteSimulcastTarget)

			r.Post("/clips", handler.CreateClip)
			r.Get("/clips", handler.ListClips)
			r.Get("/clips/{clipID}", handler.GetClip)
			r.Get("/clips/{clipID}/download", handler.DownloadClip)
			r.Delete("/clips/{clipID}", handler.DeleteClip)
		})
	})

	corsPolicy, err := newCORSPolicy(cfg.CORS)
	if err != nil {
		return nil, err
	}

	rl := newRateLimiter(cfg.RateLimit)
	handlerChain := http.Handler(router)
	handlerChain = rateLimitMiddleware(rl, handlerChain)
	handlerChain = metrics.Middleware(recorder, routePattern)(handlerChain)
	handlerChain = corsMiddleware(corsPolicy, cfg.Logger, handlerChain)
	handlerChain = securityHeadersMiddleware(cfg.Security, handlerChain)
	handlerChain = requestIDMiddleware(handlerChain)
	handlerChain = loggingMiddleware(cfg.Logger, handlerChain)

	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handlerChain,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Segment downloads and clip captures outlive a short write window.
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	srv := &Server{
		httpServer:  httpServer,
		logger:      cfg.Logger,
		metrics:     recorder,
		rateLimiter: rl,
		tlsCertFile: strings.TrimSpace(cfg.TLS.CertFile),
		tlsKeyFile:  strings.TrimSpace(cfg.TLS.KeyFile),
	}

	if srv.tlsCertFile != "" && srv.tlsKeyFile != "" {
		httpServer.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	return srv, nil
}

func (s *Server) Start() error {
	if s.httpServer == nil {
		return fmt.Errorf("http server is not configured")
	}
	if s.tlsCertFile != "" && s.tlsKeyFile != "" {
		return s.httpServer.ListenAndServeTLS(s.tlsCertFile, s.tlsKeyFile)
	}
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := newStatusRecorder(w)
		start := time.Now()
		next.ServeHTTP(recorder, r)
		duration := time.Since(start)
		logger.Info("request completed",
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.status,
			"duration_ms", duration.Milliseconds(),
			"remote_ip", extractClientIP(r))
	})
}

// routePattern prefers the matched chi pattern over the raw path so metric
// labels stay low-cardinality.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			http.Error(w, "global rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		if r.Method == http.MethodPost && r.URL.Path == "/api/clips" {
			allowed, retryAfter := rl.AllowCapture(extractClientIP(r))
			if !allowed {
				if retryAfter > 0 {
					w.Header().Set("Retry-After", fmt.Sprintf("%.0f", retryAfter.Seconds()))
				}
				http.Error(w, "too many clip captures", http.StatusTooManyRequests)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func extractClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if len(parts) > 0 {
			return strings.TrimSpace(parts[0])
		}
	}
	if xrip := r.Header.Get("X-Real-IP"); xrip != "" {
		return strings.TrimSpace(xrip)
	}
	return clientIP(r.RemoteAddr)
}

func clientIP(remoteAddr string) string {
	if remoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
