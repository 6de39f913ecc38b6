package main

import (
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"aio-proxy/work/auth"
	"aio-proxy/work/cache"
	"aio-proxy/work/client"
	"aio-proxy/work/config"
	"aio-proxy/work/extract"
	"aio-proxy/work/handlers"
	"aio-proxy/work/hardened"
	"aio-proxy/work/logger"
	"aio-proxy/work/middleware"
	"aio-proxy/work/proxy"
	"aio-proxy/work/resolve"
	"aio-proxy/work/transcode"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// set up logging
	logger.SetLogLevel(cfg.LogLevel())

	// initialize the upstream HTTP client
	streamClient := client.New(cfg)

	// initialize worker pool
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		log.Fatalf("Failed to create worker pool: %v", err)
	}
	defer workerPool.Release()

	// extraction engine + resolver with its discovery cache
	engine := extract.NewCmdEngine(cfg.YtdlpPath)
	resolver := resolve.New(cfg, engine, workerPool, cache.New(cfg.CacheDuration))

	// hardened fallback client for anti-bot rejections
	hardenedClient := hardened.New(cfg.ImpersonateProfile)

	// create the proxy instance
	proxyInstance := proxy.New(cfg, streamClient, hardenedClient, resolver, workerPool, transcode.New(cfg))

	// user store + session service
	store, err := auth.OpenStore(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to open user store: %v", err)
	}
	defer store.Close()
	authService := auth.NewService(cfg, store)

	// setup HTTP routes
	router := mux.NewRouter()

	// discovery + download surface
	router.HandleFunc("/api/extract", corsMiddleware(middleware.GzipMiddleware(handlers.HandleExtract(proxyInstance)))).Methods("POST", "OPTIONS")
	router.HandleFunc("/api/download", corsMiddleware(handlers.HandleDownload(proxyInstance))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/subtitle", corsMiddleware(handlers.HandleSubtitle(proxyInstance))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/convert_mp3", corsMiddleware(handlers.HandleConvertMP3(proxyInstance))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/cookies/status", corsMiddleware(middleware.GzipMiddleware(handlers.HandleCookiesStatus(cfg)))).Methods("GET", "OPTIONS")
	router.HandleFunc("/api/health", corsMiddleware(handlers.HandleHealth())).Methods("GET", "OPTIONS")

	// metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// account routes + optional web UI
	setupAuthRoutes(router, authService)
	setupStaticRoutes(router, cfg)

	addr := fmt.Sprintf(":%d", cfg.Port)

	// show info
	logger.Info("Starting AIO Proxy %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Port: %d", cfg.Port)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Cache Duration: %s", cfg.CacheDuration)
	logger.Info("  - Extract Timeout: %s", cfg.ExtractTimeout)
	logger.Info("  - Extractor Binary: %s", cfg.YtdlpPath)
	logger.Info("  - Impersonation Profile: %s", cfg.ImpersonateProfile)
	logger.Info("  - Player Clients: %v", cfg.PlayerClients)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// fire us up
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("Server failed to start: %v", err)
	}

}
