package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docker/go-connections/tlsconfig"
	"github.com/docker/go-units"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/gluk-w/claworc/termsync/internal/audit"
	"github.com/gluk-w/claworc/termsync/internal/auth"
	"github.com/gluk-w/claworc/termsync/internal/cmdfilter"
	"github.com/gluk-w/claworc/termsync/internal/config"
	"github.com/gluk-w/claworc/termsync/internal/crypto"
	"github.com/gluk-w/claworc/termsync/internal/database"
	"github.com/gluk-w/claworc/termsync/internal/handlers"
	"github.com/gluk-w/claworc/termsync/internal/logging"
	"github.com/gluk-w/claworc/termsync/internal/metastore"
	"github.com/gluk-w/claworc/termsync/internal/metrics"
	"github.com/gluk-w/claworc/termsync/internal/middleware"
	"github.com/gluk-w/claworc/termsync/internal/terminal"
	"github.com/gluk-w/claworc/termsync/internal/workspace"
	"github.com/gluk-w/claworc/termsync/internal/wsync"
)

func main() {
	// Handle CLI commands before starting the server
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "--create-api-key":
			runCLICommand("create-api-key")
			return
		case "--revoke-api-key":
			runCLICommand("revoke-api-key")
			return
		case "--list-api-keys":
			runCLICommand("list-api-keys")
			return
		}
	}

	config.Load()
	logging.Init()
	defer logging.Close()

	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	auditor := audit.InitGlobal(database.DB, config.Cfg.AuditRetentionDays)

	tokens, err := crypto.NewChannelTokens(config.Cfg.SessionTokenTTL)
	if err != nil {
		log.Fatalf("Channel token init: %v", err)
	}

	policy, err := cmdfilter.LoadPolicy(config.Cfg.PolicyFile)
	if err != nil {
		log.Fatalf("Command policy: %v", err)
	}
	filter := cmdfilter.New(policy)

	layout, err := workspace.NewLayout(config.Cfg.WorkspaceRoot)
	if err != nil {
		log.Fatalf("Workspace root: %v", err)
	}

	store, err := metastore.Open(config.Cfg.MetadataBackend, layout, database.DB)
	if err != nil {
		log.Fatalf("Metadata store: %v", err)
	}
	guard := metastore.NewGuard(store)

	maxFileSize, _ := config.Cfg.MaxFileSize()
	syncer := wsync.New(layout, guard, wsync.Options{
		MaxDepth:    config.Cfg.SyncMaxDepth,
		BatchSize:   config.Cfg.SyncBatchSize,
		MaxFileSize: maxFileSize,
		Exclude:     policy.SyncExclude,
	})
	var mgr *terminal.Manager
	coord := wsync.NewCoordinator(func(ctx context.Context, user string) (wsync.Result, error) {
		// Lines submitted once the run has started stay dirty.
		gen := mgr.DirtyGeneration(user)
		res, err := syncer.Sync(ctx, user, ".")
		if err == nil {
			mgr.MarkSynced(user, gen)
		}
		return res, err
	})
	debouncer := wsync.NewDebouncer(config.Cfg.SyncSettleDelay, config.Cfg.SyncQuiescence, func(user string) {
		coord.RequestSync(user)
	})
	log.Printf("Synchronizer initialized (backend=%s, max_depth=%d, batch=%d, max_file=%s)",
		config.Cfg.MetadataBackend, config.Cfg.SyncMaxDepth, config.Cfg.SyncBatchSize, units.HumanSize(float64(maxFileSize)))

	spawner, err := terminal.NewPTYSpawner(config.Cfg.Shell)
	if err != nil {
		log.Fatalf("Shell: %v", err)
	}

	opts := terminal.Options{
		Layout:              layout,
		Spawner:             spawner,
		Filter:              filter,
		Tokens:              tokens,
		Sync:                coord,
		Activity:            debouncer,
		SessionTimeout:      config.Cfg.SessionTimeout,
		ShutdownSyncTimeout: config.Cfg.ShutdownSyncTimeout,
		Hooks: terminal.Hooks{
			SessionCreated: func(info terminal.Info) {
				metrics.RecordSessionCreated()
			},
			SessionStarted: func(info terminal.Info) {
				metrics.RecordSessionStarted()
				audit.LogSessionStarted(info.User, info.ID, info.Cols, info.Rows)
			},
			SessionEnded: func(info terminal.Info, reason string) {
				metrics.RecordSessionEnded(reason, info.Cols > 0)
				audit.LogSessionEnded(info.User, info.ID, reason, time.Since(info.CreatedAt).Milliseconds())
			},
			CommandBlocked: func(info terminal.Info, command string, v cmdfilter.Verdict) {
				metrics.RecordCommandBlocked(v.Verb)
				audit.LogCommandBlocked(info.User, info.ID, command, v.Reason)
			},
		},
	}

	var watcher *wsync.Watcher
	if config.Cfg.WatchWorkspaces {
		watcher = wsync.NewWatcher(layout, syncer, func(user string) {
			mgr.MarkDirty(user)
			debouncer.Notify(user)
		})
		opts.Watcher = watcher
	}
	mgr = terminal.NewManager(opts)

	coord.OnComplete(func(user string, res wsync.Result, err error) {
		metrics.RecordSyncRun(user, res.Records, res.Duration, err)
		if err != nil {
			audit.LogSyncFailed(user, err.Error())
			return
		}
		audit.LogSyncCompleted(user, res.Records, res.Added, res.Updated, res.Removed, res.Duration.Milliseconds())
	})

	handlers.SessionMgr = mgr
	handlers.SyncCoord = coord
	handlers.Syncer = syncer
	handlers.MaxFileSize = maxFileSize
	log.Printf("Terminal session manager initialized (shell=%s, timeout=%s, token_ttl=%s)",
		spawner.Shell, config.Cfg.SessionTimeout, config.Cfg.SessionTokenTTL)

	verifier := auth.NewVerifier(config.Cfg.APIKey, 0)
	if config.Cfg.APIKey == "" {
		log.Printf("WARNING: no bootstrap API key set; only database API keys are accepted")
	} else {
		log.Printf("Bootstrap API key configured (%s)", crypto.Mask(config.Cfg.APIKey))
	}

	// Periodic maintenance
	jobs := cron.New()
	jobs.AddFunc("@every 1m", func() { mgr.Sweep() })
	jobs.AddFunc("@every 10m", func() { verifier.Cleanup() })
	jobs.AddFunc("@daily", func() { auditor.PurgeOlderThan(0) })
	jobs.Start()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	r.Use(middleware.Metrics)

	// Health and metrics (no auth)
	r.Get("/health", handlers.HealthCheck)
	r.Handle("/metrics", metrics.Handler())

	// Terminal channel (authorized by the session token)
	r.Get("/terminal", handlers.TerminalWS)

	// API v1
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.RequireAPIKey(verifier))

		r.Post("/sessions", handlers.CreateSession)
		r.Get("/sessions", handlers.ListSessions)
		r.Get("/sessions/{id}", handlers.GetSession)
		r.Delete("/sessions/{id}", handlers.DeleteSession)
		r.Post("/sessions/{id}/execute", handlers.ExecuteCommand)

		r.Get("/workspaces/{user}/sync", handlers.GetSyncStatus)
		r.Post("/workspaces/{user}/sync", handlers.TriggerSync)
		r.Post("/workspaces/{user}/load", handlers.LoadWorkspace)

		r.Get("/workspaces/{user}/files", handlers.ListFiles)
		r.Post("/workspaces/{user}/files", handlers.CreateFile)
		r.Put("/workspaces/{user}/files/{fileId}", handlers.UpdateFile)
		r.Delete("/workspaces/{user}/files/{fileId}", handlers.DeleteFile)

		r.Get("/audit", handlers.GetAuditLogs)
		r.Delete("/audit", handlers.PurgeAuditLogs)
		r.Get("/logs", handlers.GetServerLogs)
		r.Delete("/logs", handlers.ClearServerLogs)
	})

	// Graceful shutdown
	srv := &http.Server{
		Addr:    config.Cfg.ListenAddr,
		Handler: r,
	}
	if config.Cfg.TLSCert != "" && config.Cfg.TLSKey != "" {
		tlsCfg, err := tlsconfig.Server(tlsconfig.Options{
			CertFile: config.Cfg.TLSCert,
			KeyFile:  config.Cfg.TLSKey,
		})
		if err != nil {
			log.Fatalf("TLS config: %v", err)
		}
		srv.TLSConfig = tlsCfg
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		var err error
		if srv.TLSConfig != nil {
			log.Printf("Server starting on %s (TLS)", srv.Addr)
			err = srv.ListenAndServeTLS("", "")
		} else {
			log.Printf("Server starting on %s", srv.Addr)
			err = srv.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	<-jobs.Stop().Done()
	debouncer.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), config.Cfg.ShutdownSyncTimeout+10*time.Second)
	defer cancel()

	mgr.ShutdownAll(shutdownCtx)
	if watcher != nil {
		watcher.Close()
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	if err := coord.Drain(shutdownCtx); err != nil {
		log.Printf("Sync drain: %v", err)
	}
	log.Println("Server stopped")
}

func runCLICommand(command string) {
	fs := flag.NewFlagSet(command, flag.ExitOnError)
	name := fs.String("name", "", "API key name")
	fs.Parse(os.Args[2:])

	if command != "list-api-keys" && *name == "" {
		fmt.Fprintf(os.Stderr, "Usage: termsync --%s --name <name>\n", command)
		os.Exit(1)
	}

	config.Load()
	if err := database.Init(); err != nil {
		log.Fatalf("Database init: %v", err)
	}
	defer database.Close()

	switch command {
	case "create-api-key":
		key, rec, err := auth.CreateAPIKey(*name)
		if err != nil {
			log.Fatalf("Failed to create API key: %v", err)
		}
		fmt.Printf("API key '%s' created (prefix %s).\n", rec.Name, rec.Prefix)
		fmt.Printf("Key: %s\n", key)
		fmt.Println("Store it now; it cannot be shown again.")

	case "revoke-api-key":
		rec, err := database.RevokeAPIKey(*name)
		if err != nil {
			log.Fatalf("Failed to revoke API key '%s': %v", *name, err)
		}
		fmt.Printf("API key '%s' (prefix %s) revoked. Cached verifications expire within 5 minutes.\n", rec.Name, rec.Prefix)

	case "list-api-keys":
		keys, err := database.ListAPIKeys()
		if err != nil {
			log.Fatalf("Failed to list API keys: %v", err)
		}
		for _, k := range keys {
			last := "never"
			if k.LastUsedAt != nil {
				last = k.LastUsedAt.Format(time.RFC3339)
			}
			fmt.Printf("%-24s %s  created %s  last used %s\n", k.Name, k.Prefix, k.CreatedAt.Format(time.RFC3339), last)
		}
	}
}
