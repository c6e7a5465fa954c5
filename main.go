package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tunneldl/api/config"
	"github.com/tunneldl/api/database"
	"github.com/tunneldl/api/handlers"
	"github.com/tunneldl/api/internal/downloads"
	"github.com/tunneldl/api/internal/events"
	"github.com/tunneldl/api/internal/session"
	"github.com/tunneldl/api/internal/setup"
	"github.com/tunneldl/api/internal/share"
	"github.com/tunneldl/api/internal/store"
	"github.com/tunneldl/api/internal/vpn"
	"github.com/tunneldl/api/jobs"
	"github.com/tunneldl/api/routes"
	"github.com/tunneldl/api/services"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout     = 30 * time.Second
	shareExpiryInterval = time.Hour
	eventBuffer         = 64
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded")

	// The config record is the root of everything; refuse to start without it
	records, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatalf("Config store unavailable: %v", err)
	}
	if err := os.MkdirAll(cfg.DownloadsDir, 0o755); err != nil {
		log.Fatalf("Failed to create downloads directory: %v", err)
	}

	// Connect to database
	db, err := database.Connect(cfg)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(db)

	// Run migrations
	if err := database.Migrate(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	history := store.NewHistory(db)
	categories := store.NewCategories(db)
	shareLinks := store.NewShares(db)
	broadcaster := events.NewBroadcaster(eventBuffer)

	vpnManager := vpn.NewManager(vpn.NewTailscaleClient(cfg.TailscalePath, cfg.ProxyEndpoint), records, broadcaster, vpn.Options{
		PollInterval:    cfg.VPNPollInterval,
		ConnectAttempts: cfg.VPNConnectAttempts,
		ConnectInterval: cfg.VPNConnectInterval,
	})
	sessions := session.NewManager(records, cfg.SessionTTL)
	wizard := setup.NewWizard(vpnManager, sessions, records, cfg.ProxyEndpoint, cfg.PublicURL)

	downloadManager := downloads.NewManager(downloads.Config{
		Workers:       cfg.MaxConcurrentDownloads,
		MaxQueued:     cfg.MaxQueuedDownloads,
		DownloadsDir:  cfg.DownloadsDir,
		ProxyEndpoint: cfg.ProxyEndpoint,
		CookiesFile:   cfg.CookiesFile,
		UserAgent:     cfg.UserAgent,
		CancelGrace:   cfg.CancelGrace,
	}, downloads.NewExecRunner(cfg.YtDlpPath), vpnManager, history, broadcaster)

	loadCtx, cancelLoad := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := downloadManager.Load(loadCtx); err != nil {
		log.Printf("Warning: failed to load download history: %v", err)
	}
	cancelLoad()
	downloadManager.Start()

	shares := share.NewService(shareLinks, downloadManager, cfg.ShareTokenSecret, func() string {
		if rec, err := records.Load(); err == nil && rec != nil && rec.PublicURL != "" {
			return rec.PublicURL
		}
		return cfg.PublicURL
	})

	api := &handlers.API{
		Records:    records,
		Sessions:   sessions,
		Wizard:     wizard,
		VPN:        vpnManager,
		Downloads:  downloadManager,
		Categories: categories,
		Shares:     shares,
		Events:     broadcaster,
		StartedAt:  time.Now(),
	}

	// Initialize Centrifugo client
	relay := services.InitCentrifugo(cfg)
	if relay != nil {
		api.Realtime = relay
	}

	// Setup routes
	router := routes.Setup(cfg, api, routes.Deps{
		Sessions: sessions,
		Setup:    records,
		Shares:   shares,
	})
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if records.IsSetupComplete() {
		go func() {
			log.Println("[VPN] Restoring tunnel from saved settings")
			if err := vpnManager.Reconnect(ctx); err != nil {
				log.Printf("[VPN] Startup reconnect failed: %v", err)
			}
		}()
	} else {
		log.Println("Setup not complete, waiting for the wizard")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("Starting server on port %s", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return vpnManager.Run(gctx) })
	g.Go(func() error { return jobs.RunShareExpiry(gctx, shareLinks, shareExpiryInterval) })
	if relay != nil {
		g.Go(func() error { return relay.Run(gctx, broadcaster) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Println("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			log.Printf("Warning: HTTP shutdown: %v", err)
		}
		return downloadManager.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Fatalf("Server stopped: %v", err)
	}
	log.Println("Server stopped")
}
