// Command server runs the portcullis bridge: it spawns agent CLI processes
// locally, in containers, or over SSH, speaks the session protocol with
// them, and exposes the whole thing over HTTP.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/HyphaGroup/portcullis/internal/api"
	"github.com/HyphaGroup/portcullis/internal/backup"
	"github.com/HyphaGroup/portcullis/internal/cleanup"
	"github.com/HyphaGroup/portcullis/internal/config"
	"github.com/HyphaGroup/portcullis/internal/history"
	"github.com/HyphaGroup/portcullis/internal/logger"
	"github.com/HyphaGroup/portcullis/internal/machine"
	"github.com/HyphaGroup/portcullis/internal/permission"
	"github.com/HyphaGroup/portcullis/internal/proc/dockerproc"
	"github.com/HyphaGroup/portcullis/internal/remote"
	"github.com/HyphaGroup/portcullis/internal/session"
	"github.com/HyphaGroup/portcullis/internal/shellbridge"
)

var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "init":
			cmdInit(os.Args[2:])
			return
		case "restore":
			cmdRestore(os.Args[2:])
			return
		case "--version", "-v":
			fmt.Printf("portcullis %s\n", Version)
			return
		case "--help", "-h", "help":
			printUsage()
			return
		}
	}
	runServer()
}

func printUsage() {
	fmt.Printf(`Portcullis %s - Agent process bridge

Usage: portcullis [command] [options]

Commands:
  (default)    Start the bridge server
  init         Write a starter portcullis.jsonc
  restore      Replace the history database with a stored snapshot

Server Options:
  --config <dir>     Directory containing portcullis.jsonc

Config Precedence:
  1. --config flag
  2. ./config/portcullis.jsonc
  3. ~/.portcullis/portcullis.jsonc
`, Version)
}

func runServer() {
	showVersion := flag.Bool("version", false, "Print version and exit")
	configDir := flag.String("config", "", "Directory containing portcullis.jsonc")
	flag.Parse()

	if *showVersion {
		fmt.Printf("portcullis %s\n", Version)
		return
	}

	configPath, err := config.FindConfigPath(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\nRun 'portcullis init' to create one.\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}

	logDir := cfg.Server.LogDir
	if logDir == "" {
		logDir = filepath.Join(cfg.Server.DataDir, "logs")
	}
	if err := logger.Init(logDir); err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Close() }()

	logger.Info("portcullis %s starting (config=%s)", Version, configPath)

	catalog, err := machine.NewCatalog(cfg.Machines)
	if err != nil {
		logger.Fatalf("machine catalog: %v", err)
	}

	// The container transport is optional: without a reachable Docker
	// daemon the bridge still serves local and SSH sessions.
	var docker *dockerproc.Transport
	if d, err := dockerproc.NewTransport(); err != nil {
		logger.Info("container transport disabled: %v", err)
	} else {
		docker = d
		defer func() { _ = docker.Close() }()
	}

	var recorder session.Recorder
	var store *history.Store
	var backupMgr *backup.Manager
	if cfg.History.Enabled {
		store, err = history.NewStore(cfg.Server.DataDir)
		if err != nil {
			logger.Fatalf("opening history store: %v", err)
		}
		defer func() { _ = store.Close() }()
		recorder = store

		if cfg.History.Backup.Enabled {
			backupDir := cfg.History.Backup.Directory
			if !filepath.IsAbs(backupDir) {
				backupDir = filepath.Join(cfg.Server.DataDir, backupDir)
			}
			backupMgr, err = backup.New(backup.Config{
				DBPath:    history.DBPath(cfg.Server.DataDir),
				BackupDir: backupDir,
				Retention: cfg.History.Backup.Retention,
				Interval:  cfg.History.Backup.Interval(),
			})
			if err != nil {
				logger.Error("history backup disabled: %v", err)
			} else {
				backupMgr.Start()
			}
		}
	}

	dialer := remote.NewDialer()
	registry := session.NewRegistry(session.Config{
		Backends: cfg.SessionBackends(),
		Machines: catalog,
		Dialer:   dialer,
		Docker:   docker,
		Negotiator: permission.Bounded{
			Inner:   permission.AutoPolicy{},
			Timeout: cfg.Limits.PermissionTimeout(),
		},
		Recorder:         recorder,
		HandshakeTimeout: cfg.Limits.HandshakeTimeout(),
		EventLogSize:     cfg.Limits.EventLogSize,
		MaxSessions:      cfg.Limits.MaxSessions,
		RejectBusy:       cfg.Limits.RejectBusy,
	})

	sweepCfg := cleanup.Config{
		Schedule:  cfg.History.SweepSchedule,
		IdleAfter: cfg.Limits.IdleTimeout(),
		Reaper:    registry,
	}
	if store != nil {
		sweepCfg.Pruner = store
		sweepCfg.Retention = cfg.History.Retention()
	}
	sweeper, err := cleanup.New(sweepCfg)
	if err != nil {
		logger.Fatalf("cleanup schedule: %v", err)
	}
	sweeper.Start()

	shell := shellbridge.New(shellbridge.Config{
		Machines: catalog,
		Dialer:   dialer,
		Backends: cfg.SessionBackends(),
	})

	apiCfg := api.Config{
		Registry:    registry,
		Shell:       shell,
		CreateRate:  cfg.Limits.CreateRatePerSec,
		CreateBurst: cfg.Limits.CreateBurst,
	}
	if store != nil {
		apiCfg.History = store
	}
	server := &http.Server{
		Addr:    cfg.Server.Address,
		Handler: api.New(apiCfg).Routes(),
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("listening on %s", cfg.Server.Address)
		serverErr <- server.ListenAndServe()
	}()

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-serverErr:
		logger.Fatalf("server error: %v", err)
	case sig := <-shutdownChan:
		logger.Info("received %v, shutting down", sig)

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		_ = server.Shutdown(ctx)

		logger.Info("terminating active sessions")
		registry.Close()

		sweeper.Stop()
		if backupMgr != nil {
			backupMgr.Stop()
		}

		logger.Info("shutdown complete")
	}
}

// cmdInit writes a commented starter configuration.
func cmdInit(args []string) {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	dir := fs.String("dir", "config", "Directory to write portcullis.jsonc into")
	_ = fs.Parse(args)

	if err := os.MkdirAll(*dir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}
	path := filepath.Join(*dir, "portcullis.jsonc")
	if _, err := os.Stat(path); err == nil {
		fmt.Fprintf(os.Stderr, "portcullis: %s already exists\n", path)
		os.Exit(1)
	}
	if err := os.WriteFile(path, []byte(starterConfig), 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Wrote %s\n", path)
}

// cmdRestore swaps the history database for a stored snapshot. The server
// must not be running while it runs.
func cmdRestore(args []string) {
	fs := flag.NewFlagSet("restore", flag.ExitOnError)
	configDir := fs.String("config", "", "Directory containing portcullis.jsonc")
	list := fs.Bool("list", false, "List stored snapshots and exit")
	_ = fs.Parse(args)

	configPath, err := config.FindConfigPath(*configDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}

	backupDir := cfg.History.Backup.Directory
	if !filepath.IsAbs(backupDir) {
		backupDir = filepath.Join(cfg.Server.DataDir, backupDir)
	}
	mgr, err := backup.New(backup.Config{
		DBPath:    history.DBPath(cfg.Server.DataDir),
		BackupDir: backupDir,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}

	if *list || fs.NArg() == 0 {
		manifest, err := mgr.ExportManifest()
		if err != nil {
			fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("%s\n", manifest)
		if fs.NArg() == 0 && !*list {
			fmt.Fprintln(os.Stderr, "usage: portcullis restore [--config <dir>] <snapshot-file>")
			os.Exit(1)
		}
		return
	}

	name := fs.Arg(0)
	if err := mgr.Restore(name); err != nil {
		fmt.Fprintf(os.Stderr, "portcullis: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Restored history from %s\n", name)
}

const starterConfig = `{
	"server": {
		"address": ":8080",
		"data_dir": "data"
	},
	// Remote machines reachable over SSH. Leave empty for local-only use.
	"machines": [
		// {"id": "dev-1", "kind": "static", "host": "10.0.0.5", "user": "agent", "private_key_path": "/etc/portcullis/keys/dev-1"}
	],
	// Agent CLIs the bridge can run. Each must speak the session protocol
	// on stdio.
	"backends": [
		{"name": "zed", "command": "zed", "args": ["--acp"]}
	],
	"limits": {
		"handshake_timeout_seconds": 30,
		"permission_timeout_seconds": 60,
		"idle_timeout_seconds": 1800,
		"max_sessions": 0
	},
	"history": {
		"enabled": true,
		"retention_days": 30
	}
}
`
