// Command conduit runs the gateway server: the OpenAI-compatible data
// plane on /v1 and the key-management admin plane on /api.
package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	conduit "github.com/conduitllm/conduit"
	"github.com/conduitllm/conduit/internal/billing"
	"github.com/conduitllm/conduit/internal/cache"
	"github.com/conduitllm/conduit/internal/logging"
	"github.com/conduitllm/conduit/internal/ratelimit"
	"github.com/conduitllm/conduit/internal/version"
	"github.com/conduitllm/conduit/internal/virtualkey"
)

func main() {
	cfgPath := os.Getenv("CONDUIT_CONFIG")
	if cfgPath == "" {
		log.Fatal("CONDUIT_CONFIG is not set; point it at a conduit.yaml")
	}
	cfg, err := conduit.LoadConfig(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if err := conduit.ValidateConfig(*cfg); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	// One store owns the schema; billing shares the handle.
	var keys *virtualkey.Store
	if cfg.Database.URL != "" {
		keys, err = virtualkey.OpenPostgres(cfg.Database.URL)
	} else {
		keys, err = virtualkey.OpenSQLite(cfg.Database.SQLitePath)
	}
	if err != nil {
		log.Fatalf("Failed to open key store: %v", err)
	}
	defer func() { _ = keys.Close() }()

	billingStore, err := billing.NewSQLStore(keys.DB(), keys.Dialect())
	if err != nil {
		log.Fatalf("Failed to open billing store: %v", err)
	}

	var responseCache cache.Cache
	if cfg.Cache.Enabled {
		if cfg.Cache.RedisURL != "" {
			rc, err := cache.NewRedis(cfg.Cache.RedisURL, cfg.Cache.TTL(), logging.Logger)
			if err != nil {
				log.Fatalf("Failed to connect to redis cache: %v", err)
			}
			defer func() { _ = rc.Close() }()
			responseCache = rc
		} else {
			capacity := cfg.Cache.Capacity
			if capacity <= 0 {
				capacity = 1024
			}
			responseCache = cache.NewMemory(capacity, cfg.Cache.TTL())
		}
	}

	gw, err := conduit.New(*cfg, conduit.Dependencies{
		BillingStore: billingStore,
		Cache:        responseCache,
	})
	if err != nil {
		log.Fatalf("Failed to create gateway: %v", err)
	}

	var limiter *ratelimit.PerKey
	if cfg.RateLimit.PerKeyPerSecond > 0 {
		limiter = ratelimit.NewPerKey(cfg.RateLimit.PerKeyPerSecond, cfg.RateLimit.Burst)
	}

	var corsOrigins []string
	if origins := os.Getenv("CORS_ORIGINS"); origins != "" {
		corsOrigins = strings.Split(origins, ",")
	}

	srvCfg := serverConfig{
		gateway:   gw,
		keys:      keys,
		ephemeral: virtualkey.NewEphemeralKeys(0),
		limiter:   limiter,
		masterKey: cfg.Admin.MasterKey,
		cors:      corsOrigins,
	}

	addr := ":8080"
	if p := os.Getenv("PORT"); p != "" {
		addr = ":" + p
	}
	srv := &http.Server{
		Addr:         addr,
		Handler:      newRouter(srvCfg),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 300 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Println("Shutting down gracefully...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("Shutdown error: %v", err)
		}
		if err := gw.Close(shutdownCtx); err != nil {
			log.Printf("Gateway close error: %v", err)
		}
	}()

	log.Printf("Conduit %s listening on %s (%d mapping(s))", version.Short(), addr, len(cfg.Mappings))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		stop()
		log.Fatalf("Server error: %v", err) //nolint:gocritic
	}
	log.Println("Server stopped.")
}
