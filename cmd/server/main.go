// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/DogezRule/Management-Panel-Cyber/internal/api"
	"github.com/DogezRule/Management-Panel-Cyber/internal/auth"
	"github.com/DogezRule/Management-Panel-Cyber/internal/config"
	"github.com/DogezRule/Management-Panel-Cyber/internal/console"
	"github.com/DogezRule/Management-Panel-Cyber/internal/deploy"
	"github.com/DogezRule/Management-Panel-Cyber/internal/events"
	"github.com/DogezRule/Management-Panel-Cyber/internal/inventory"
	"github.com/DogezRule/Management-Panel-Cyber/internal/metrics"
	"github.com/DogezRule/Management-Panel-Cyber/internal/placement"
	"github.com/DogezRule/Management-Panel-Cyber/internal/pve"
	"github.com/DogezRule/Management-Panel-Cyber/internal/registry"
	"github.com/DogezRule/Management-Panel-Cyber/internal/store"
)

// @title Cyber Lab Management API
// @version 1.0
// @description Provisions lab VMs from templates across Proxmox VE nodes and relays their consoles to authenticated users.

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description Type "Bearer" followed by a space and JWT token. Example: "Bearer eyJhbGciOiJIUzI1NiIsInR5cCI6IkpXVCJ9..."
func main() {
	// --- Load configuration First ---
	if err := config.LoadConfig(); err != nil {
		// Use a basic logger here as the configured one isn't ready yet
		log.New(os.Stderr).Fatalf("Failed to load configuration: %v", err)
	}

	// --- Initialize Logger Based on Config ---
	log.SetOutput(os.Stderr)
	log.SetTimeFormat("2006-01-02 15:04:05")

	switch strings.ToLower(config.AppConfig.LogLevel) {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	case "fatal":
		log.SetLevel(log.FatalLevel)
	default:
		log.Warnf("Invalid LOG_LEVEL '%s' specified in config, defaulting to 'info'", config.AppConfig.LogLevel)
		log.SetLevel(log.InfoLevel)
	}

	log.Infof("Configuration loaded successfully. Log level set to '%s'.", config.AppConfig.LogLevel)

	log.Debugf("API Port: %s", config.AppConfig.APIPort)
	log.Debugf("JWT Secret Loaded: %t", config.AppConfig.JWTSecret != "" && config.AppConfig.JWTSecret != "default_secret_change_me")
	log.Debugf("JWT Expiration: %s", config.AppConfig.JWTExpirationMinutes)
	log.Debugf("Database: %s", config.AppConfig.DBPath)
	log.Debugf("Default placement strategy: %s", config.AppConfig.NodeSelectionStrategy)
	log.Debugf("TLS Enabled: %t", config.AppConfig.TLSEnable)
	if config.AppConfig.JWTSecret == "default_secret_change_me" {
		log.Warn("Using default JWT secret. Change JWT_SECRET environment variable for production!")
	}
	if config.AppConfig.PVEInsecureTLS {
		log.Warn("Proxmox TLS certificates are not verified (PVE_INSECURE_TLS=true)")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// --- Storage ---
	st, err := store.Open(config.AppConfig.DBPath)
	if err != nil {
		log.Fatalf("Failed to open database at '%s': %v", config.AppConfig.DBPath, err)
	}
	defer st.Close()
	st.SetDefaultMaxInstances(config.AppConfig.DefaultMaxInstances)

	auth.InitAuth()
	if err := auth.EnsureAdmin(ctx, st, config.AppConfig.AdminUsername, config.AppConfig.AdminPassword); err != nil {
		log.Fatalf("Admin bootstrap failed: %v", err)
	}

	if path := config.AppConfig.InventoryFile; path != "" {
		inv, err := inventory.Load(path)
		if err != nil {
			log.Fatalf("Failed to load inventory: %v", err)
		}
		if _, err := inventory.Import(ctx, st, inv); err != nil {
			log.Fatalf("Failed to import inventory '%s': %v", path, err)
		}
	}

	// --- Control plane ---
	transport := pve.NewHTTPTransport(config.AppConfig.PVERequestTimeout, config.AppConfig.PVEInsecureTLS)
	control := pve.NewClient(st, func(ref string) pve.Credentials {
		user, password := config.NodeCredentials(ref)
		return pve.Credentials{Username: user, Password: password}
	}, transport, pve.Options{
		TicketLifetime:   config.AppConfig.PVETicketLifetime,
		RefreshMargin:    config.AppConfig.PVERefreshMargin,
		MaxAttempts:      config.AppConfig.PVEMaxAttempts,
		BackoffInitial:   config.AppConfig.PVEBackoffInitial,
		BackoffMax:       config.AppConfig.PVEBackoffMax,
		IdleTimeout:      config.AppConfig.PVESessionIdle,
		ConsoleTicketTTL: config.AppConfig.PVEConsoleTicket,
		TaskTimeout:      config.AppConfig.PVETaskTimeout,
	})
	defer control.Close()

	// --- Events ---
	var publisher events.Publisher = events.Noop{}
	if config.AppConfig.NATSURL != "" {
		np, err := events.NewNATSPublisher(config.AppConfig.NATSURL, config.AppConfig.NATSSubject)
		if err != nil {
			log.Fatalf("Failed to connect to NATS at '%s': %v", config.AppConfig.NATSURL, err)
		}
		publisher = np
	}
	defer publisher.Close()

	// --- Deployment ---
	strategy, err := placement.ParseStrategy(config.AppConfig.NodeSelectionStrategy)
	if err != nil {
		log.Fatalf("Invalid NODE_SELECTION_STRATEGY: %v", err)
	}
	orchestrator := deploy.New(st, registry.New(st), placement.NewSelector(nil), control, publisher, deploy.Options{
		DefaultStrategy: strategy,
		LinkedClones:    config.AppConfig.UseLinkedClones,
		StartAfterClone: config.AppConfig.StartAfterClone,
		DefaultStorage:  config.AppConfig.DefaultVMStorage,

		DefaultMaxInstances: config.AppConfig.DefaultMaxInstances,
		VMIDTimeout:         config.AppConfig.VMIDAllocationTimeout,
		StaleProvisioning:   2*config.AppConfig.PVETaskTimeout + config.AppConfig.VMIDAllocationTimeout,
		BulkParallelism:     config.AppConfig.BulkDeployParallelism,
	})

	// --- Consoles ---
	consoles := console.NewManager(st, control, console.NewWebSocketDialer(transport.TLSConfig(), pve.DefaultHandshakeTimeout), console.Options{
		AttachTimeout:   config.AppConfig.ConsoleAttachTimeout,
		TeardownTimeout: config.AppConfig.ConsoleTeardownTimeout,
		CleanupTick:     config.AppConfig.ConsoleCleanupTick,
		MaxDuration:     config.AppConfig.ConsoleMaxDuration,
	})
	defer consoles.Shutdown()

	// --- Metrics ---
	var gatherer prometheus.Gatherer
	if config.AppConfig.MetricsEnable {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		if err := metrics.Register(reg); err != nil {
			log.Fatalf("Failed to register metrics: %v", err)
		}
		gatherer = reg
	}

	// --- Initialize Gin router ---
	switch strings.ToLower(config.AppConfig.GinMode) {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}
	log.Infof("Gin running in '%s' mode", config.AppConfig.GinMode)

	router := gin.Default()

	// Configure trusted proxies
	if config.AppConfig.TrustedProxies == "nil" {
		log.Info("Proxy trust disabled (TRUSTED_PROXIES=nil)")
		router.SetTrustedProxies(nil)
	} else if config.AppConfig.TrustedProxies != "" {
		proxyList := strings.Split(config.AppConfig.TrustedProxies, ",")
		for i, proxy := range proxyList {
			proxyList[i] = strings.TrimSpace(proxy)
		}
		log.Infof("Setting trusted proxies: %v", proxyList)
		router.SetTrustedProxies(proxyList)
	} else {
		log.Warn("All proxies are trusted (default). Set TRUSTED_PROXIES=nil to disable proxy trust or provide a comma-separated list of trusted proxy IPs.")
	}

	api.SetupRoutes(router, api.NewHandler(st, orchestrator, consoles, control), gatherer)

	router.GET("/", func(c *gin.Context) {
		protocol := "http"
		if config.AppConfig.TLSEnable || c.Request.Header.Get("X-Forwarded-Proto") == "https" {
			protocol = "https"
		}
		baseURL := fmt.Sprintf("%s://%s", protocol, c.Request.Host)

		c.JSON(http.StatusOK, gin.H{
			"message":        "Cyber Lab Management API is running.",
			"login_endpoint": fmt.Sprintf("POST %s/login", baseURL),
			"api_base_path":  fmt.Sprintf("%s/api/v1", baseURL),
			"strategy":       strategy.String(),
		})
	})

	// --- Start the server ---
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", config.AppConfig.APIPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if config.AppConfig.TLSEnable {
			if config.AppConfig.TLSCertFile == "" || config.AppConfig.TLSKeyFile == "" {
				errCh <- errors.New("TLS is enabled but TLS_CERT_FILE or TLS_KEY_FILE is not set in config")
				return
			}
			log.Infof("Starting HTTPS server on %s", srv.Addr)
			errCh <- srv.ListenAndServeTLS(config.AppConfig.TLSCertFile, config.AppConfig.TLSKeyFile)
			return
		}
		log.Infof("Starting HTTP server on %s", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("Server stopped: %v", err)
		}
	case <-ctx.Done():
		log.Info("Shutting down")
		// Relays are hijacked connections; Shutdown does not wait for them
		consoles.Shutdown()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Errorf("Graceful shutdown failed: %v", err)
		}
	}
}
