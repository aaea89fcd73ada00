// Command tollbooth runs the x402 payment-gateway reverse proxy: it loads
// the route table from a YAML config file, wires the rate-limit,
// verification-cache, and time-session stores (memory or Redis, per
// config.Stores.Backend), and serves the configured routes behind the
// payment pipeline in internal/gateway.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/tollbooth-gateway/tollbooth/internal/clientip"
	"github.com/tollbooth-gateway/tollbooth/internal/config"
	"github.com/tollbooth-gateway/tollbooth/internal/correlation"
	"github.com/tollbooth-gateway/tollbooth/internal/discovery"
	"github.com/tollbooth-gateway/tollbooth/internal/gateway"
	"github.com/tollbooth-gateway/tollbooth/internal/hooks"
	"github.com/tollbooth-gateway/tollbooth/internal/metrics"
	"github.com/tollbooth-gateway/tollbooth/internal/payment"
	"github.com/tollbooth-gateway/tollbooth/internal/proxy"
	"github.com/tollbooth-gateway/tollbooth/internal/store/ratelimit"
	"github.com/tollbooth-gateway/tollbooth/internal/store/timesession"
	"github.com/tollbooth-gateway/tollbooth/internal/store/verificationcache"
)

const defaultVerificationCacheTTLMs = 60_000

func main() {
	configPath := flag.String("config", envOr("TOLLBOOTH_CONFIG", "config.yaml"), "path to the gateway YAML config")
	openapiPath := flag.String("openapi", envOr("TOLLBOOTH_OPENAPI", ""), "path to a pre-rendered OpenAPI 3.1.0 document served at /.well-known/openapi.json")
	flag.Parse()

	log := newLogger()
	defer log.Sync()

	cfgMgr, err := config.NewManager(*configPath, log)
	if err != nil {
		log.Fatal("loading config", zap.Error(err))
	}
	cfg, _ := cfgMgr.Current()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go cfgMgr.WatchSIGHUP(ctx)

	rlStore, vcache, session, closeStores := buildStores(cfg, log)
	defer closeStores()

	reg := metrics.NewRegistry(prometheus.NewRegistry())

	strategy := payment.NewFacilitatorStrategy(reg)
	vcacheTTLMs := defaultVerificationCacheTTLMs
	if cfg.Defaults.VerificationCache != nil && cfg.Defaults.VerificationCache.TTL != "" {
		if ms, err := config.WindowMs(cfg.Defaults.VerificationCache.TTL); err == nil {
			vcacheTTLMs = int(ms)
		}
	}
	coordinator := payment.NewCoordinator(strategy, vcache, int64(vcacheTTLMs), session, log)

	var hookSecret string
	if cfg.Hooks != nil {
		hookSecret = cfg.Hooks.Secret
	}
	corrIssuer := correlation.NewIssuer([]byte(hookSecret), 30*time.Second)
	gw := gateway.New(cfgMgr, rlStore, coordinator, hooks.NewRunner(), proxy.New(), reg, corrIssuer, log)

	openapiDoc, err := loadOpenAPIDoc(*openapiPath)
	if err != nil {
		log.Warn("openapi document not loaded", zap.Error(err))
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:      buildRouter(cfgMgr, gw, reg, openapiDoc, log),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streamed upstream responses (SSE) must not be cut short
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("gateway listening", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildRouter(cfgMgr *config.Manager, gw *gateway.Gateway, reg *metrics.Registry, openapiDoc []byte, log *zap.Logger) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(zapRequestLogger(cfgMgr, log))
	r.Use(middleware.Recoverer)

	r.Use(func(next http.Handler) http.Handler {
		cfg, _ := cfgMgr.Current()
		return cors.Handler(cors.Options{
			AllowedOrigins: orDefault(cfg.Gateway.CORS.AllowedOrigins, []string{"*"}),
			AllowedMethods: orDefault(cfg.Gateway.CORS.AllowedMethods, []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"}),
			AllowedHeaders: orDefault(cfg.Gateway.CORS.AllowedHeaders, []string{"*", "Payment-Signature"}),
			MaxAge:         300,
		})(next)
	})

	r.Get("/.well-known/x402", func(w http.ResponseWriter, req *http.Request) {
		cfg, _ := cfgMgr.Current()
		discovery.Handler(cfg)(w, req)
	})
	r.Get("/.well-known/openapi.json", discovery.OpenAPIHandler(openapiDoc))
	r.Get("/health", discovery.HealthHandler)
	r.Handle("/metrics", reg.Handler())
	r.Get("/swagger/*", httpSwagger.Handler(httpSwagger.URL("/.well-known/openapi.json")))

	r.NotFound(gw.ServeHTTP)
	r.MethodNotAllowed(gw.ServeHTTP)

	return r
}

// buildStores selects the memory or Redis backend for every store the
// gateway needs, per cfg.Stores.Backend. The returned close func stops the
// rate-limit and time-session sweeps (the in-memory verification cache's
// go-cache janitor is not stopped by it) and, for the Redis backend, closes
// the client.
func buildStores(cfg *config.Config, log *zap.Logger) (ratelimit.Store, verificationcache.Store, timesession.Store, func()) {
	backend := "memory"
	if cfg.Stores != nil && cfg.Stores.Backend != "" {
		backend = cfg.Stores.Backend
	}

	if backend == "redis" {
		addr := cfg.Stores.RedisAddr
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		log.Info("stores backend: redis", zap.String("addr", addr))
		return ratelimit.NewRedis(client, "tollbooth"),
			verificationcache.NewRedis(client, "tollbooth"),
			timesession.NewRedis(client, "tollbooth"),
			func() { _ = client.Close() }
	}

	log.Info("stores backend: memory")
	rl := ratelimit.NewMemory()
	vcache := verificationcache.NewMemory(5 * time.Minute)
	session := timesession.NewMemory()
	return rl, vcache, session, func() {
		rl.Close()
		session.Close()
	}
}

func loadOpenAPIDoc(path string) ([]byte, error) {
	if path == "" {
		return nil, nil
	}
	return os.ReadFile(path)
}

func newLogger() *zap.Logger {
	if os.Getenv("LOG_LEVEL") == "debug" || os.Getenv("ENV") == "development" {
		l, err := zap.NewDevelopment()
		if err != nil {
			return zap.NewNop()
		}
		return l
	}
	l, err := zap.NewProduction()
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// zapRequestLogger mirrors chi/middleware.Logger's wrap-and-record shape but
// writes structured entries through the gateway's zap logger instead of
// stdlib log, so request logs share the same sink as pipeline logs.
func zapRequestLogger(cfgMgr *config.Manager, log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			cfg, _ := cfgMgr.Current()
			log.Info("request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Int("bytes", ww.BytesWritten()),
				zap.String("remote", clientip.Resolve(r, trustProxyFrom(cfg))),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

// trustProxyFrom mirrors gateway.Gateway.routerFor's config.TrustProxy ->
// clientip.TrustProxy conversion, used here only for the access-log remote
// address so request logging resolves the same client IP the pipeline does.
func trustProxyFrom(cfg *config.Config) clientip.TrustProxy {
	tp := clientip.TrustProxy{Enabled: cfg.Gateway.TrustProxy.Enabled, Hops: cfg.Gateway.TrustProxy.Hops}
	if cidrs, err := clientip.ParseCIDRs(cfg.Gateway.TrustProxy.CIDRs); err == nil {
		tp.CIDRs = cidrs
	}
	return tp
}

func orDefault(v, def []string) []string {
	if len(v) == 0 {
		return def
	}
	return v
}

func envOr(name, def string) string {
	if v, ok := os.LookupEnv(name); ok {
		return v
	}
	return def
}
