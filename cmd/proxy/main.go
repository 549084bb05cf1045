// Command proxy serves a per-user, synonym-permuted mirror of the
// canonical Hubstaff v1 API: each user is handed their own Swagger contract
// at /v<seed>/swagger.json and proxies requests under /v<seed>/... back to
// the real upstream after reversing the permutation.
//
// Usage:
//
//	./proxy
//
//	# Custom ports
//	PROXY_PORT=8080 MANAGEMENT_PORT=8081 ./proxy
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"hubproxy/internal/abuse"
	"hubproxy/internal/config"
	"hubproxy/internal/logger"
	"hubproxy/internal/management"
	"hubproxy/internal/metrics"
	"hubproxy/internal/pipeline"
	"hubproxy/internal/swagger"
	"hubproxy/internal/upstream"
	"hubproxy/internal/userstore"
)

func main() {
	cfg := config.Load()
	printBanner(cfg)

	log := logger.New("PROXY", cfg.LogLevel)

	canonical, err := swagger.Load(cfg.CanonicalSwaggerFile)
	if err != nil {
		log.Errorf("startup", "load canonical swagger document: %v", err)
		os.Exit(1)
	}

	users, closeUsers := openUserStore(cfg, log)
	defer closeUsers()

	m := metrics.New()
	upstreamClient := upstream.New(cfg.UpstreamBaseURL, cfg.UpstreamAppToken, cfg.UpstreamAuthToken)
	abuseCtl := abuse.New(
		openAbuseStore(cfg, log),
		time.Duration(cfg.AbuseWindowHours)*time.Hour,
		cfg.GlobalAbuseThreshold,
		cfg.MaxFailedBeforeBlock,
	)

	h := pipeline.New(
		canonical,
		cfg.MixerCacheCapacity,
		abuseCtl,
		users,
		upstreamClient,
		log,
		m,
		cfg.SupportEmail,
		cfg.MaxBodyBytes,
	)

	mgmt := management.New(cfg, users, m)
	go func() {
		if err := mgmt.ListenAndServe(); err != nil {
			log.Errorf("startup", "management server: %v", err)
			os.Exit(1)
		}
	}()

	addr := fmt.Sprintf("%s:%d", cfg.BindAddress, cfg.ProxyPort)
	log.Infof("startup", "listening on %s", addr)

	srv := &http.Server{
		Addr:              addr,
		Handler:           routeByUserSeed(h),
		ReadHeaderTimeout: 10 * time.Second,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		log.Infof("shutdown", "shutting down")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			log.Errorf("shutdown", "%v", err)
		}
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Errorf("startup", "fatal: %v", err)
		os.Exit(1)
	}
}

// routeByUserSeed dispatches every request under /v<seed>/... to the
// pipeline — the permuted document's own leading path segment is always
// literally "v<seed>", the user's id, by construction of the
// path-permutation stage, so no lookup table is needed to recover the
// caller's identity. The version segment is left in r.URL.Path: the
// parameter index's permuted paths carry it too (permute_paths rewrites the
// segment, it doesn't drop it), so stripping it here would make every
// observed path fail to match its permuted entry.
func routeByUserSeed(h *pipeline.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seg, _, ok := splitVersionSegment(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}
		seed, err := strconv.ParseInt(seg, 10, 64)
		if err != nil {
			http.NotFound(w, r)
			return
		}

		if strings.HasSuffix(r.URL.Path, "/swagger.json") {
			h.ServeSwagger(w, r, seed)
			return
		}
		h.ServeProxy(w, r, seed)
	})
}

// splitVersionSegment extracts the leading "/v<digits>" segment from path,
// returning the digits and the remainder (with its own leading slash kept
// so downstream path matching sees "/auth" rather than "auth").
func splitVersionSegment(path string) (seg, rest string, ok bool) {
	trimmed := strings.TrimPrefix(path, "/")
	parts := strings.SplitN(trimmed, "/", 2)
	if len(parts) == 0 || !strings.HasPrefix(parts[0], "v") {
		return "", "", false
	}
	digits := strings.TrimPrefix(parts[0], "v")
	if digits == "" {
		return "", "", false
	}
	remainder := "/"
	if len(parts) == 2 {
		remainder += parts[1]
	}
	return digits, remainder, true
}

func openUserStore(cfg *config.Config, log *logger.Logger) (userstore.Store, func()) {
	if cfg.UsersDBFile == "" {
		log.Infof("startup", "users db: in-memory")
		return userstore.NewMemoryStore(), func() {}
	}
	store, err := userstore.Open(cfg.UsersDBFile)
	if err != nil {
		log.Errorf("startup", "open user store %q: %v", cfg.UsersDBFile, err)
		os.Exit(1)
	}
	log.Infof("startup", "users db: %s", cfg.UsersDBFile)
	return store, func() {
		if err := store.Close(); err != nil {
			log.Errorf("shutdown", "close user store: %v", err)
		}
	}
}

func openAbuseStore(cfg *config.Config, log *logger.Logger) abuse.Store {
	if cfg.RedisAddr == "" {
		log.Infof("startup", "abuse store: in-memory")
		return abuse.NewMemoryStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	log.Infof("startup", "abuse store: redis %s", cfg.RedisAddr)
	return abuse.NewRedisStore(client, "hubproxy:abuse")
}

func printBanner(cfg *config.Config) {
	fmt.Printf(`
╔══════════════════════════════════════════════════════╗
║          Hubstaff Anonymizing Proxy  (Go)             ║
╚══════════════════════════════════════════════════════╝
  Proxy port      : %d
  Management port : %d
  Upstream        : %s
  Users db        : %s

  Check status:
    curl http://localhost:%d/status
`, cfg.ProxyPort, cfg.ManagementPort, cfg.UpstreamBaseURL, cfg.UsersDBFile, cfg.ManagementPort)
}
