// Package main provides the entry point for the sshgate server.
// sshgate is a transparent SSH gateway for hosted VMs: users log in as
// <vm-id>-<username>, the gateway looks the VM up in the hosting database,
// opens an SSH connection to it with the same credentials and bridges the
// two, recording the commands typed in interactive shells.
//
// Usage:
//
//	sshgate [flags]
//
// Flags:
//
//	-bind string       Listen address (default "0.0.0.0")
//	-port int          Listen port (default 32)
//	-key string        Host key file, generated when missing (default "server_key.pem")
//	-logdir string     Session log directory (default "logs")
//	-debug             Enable debug logging
//	-help              Show help message
//
// Database settings come from flags or the environment; a .env file in the
// working directory is loaded first.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	"github.com/volumcloud/sshgate/lib/audit"
	"github.com/volumcloud/sshgate/lib/directory"
	"github.com/volumcloud/sshgate/lib/proxy"
	"github.com/volumcloud/sshgate/lib/session"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	// Build info
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	cfg, debug := parseFlags()

	// Configure logging
	log := logrus.StandardLogger()
	log.SetOutput(os.Stdout)
	log.SetLevel(logrus.InfoLevel)
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		if level, err := logrus.ParseLevel(env); err == nil {
			log.SetLevel(level)
		}
	}
	if debug {
		log.SetLevel(logrus.DebugLevel)
		log.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	}

	log.WithFields(logrus.Fields{
		"version":   Version,
		"buildTime": BuildTime,
		"commit":    GitCommit,
	}).Info("Starting sshgate server")

	if err := cfg.DB.Validate(); err != nil {
		log.WithError(err).Error("Invalid database configuration")
		os.Exit(1)
	}

	// Open the hosting database holding the VM directory and the audit log
	log.WithField("host", cfg.DB.Host).Info("Connecting to the hosting database")
	db, err := sql.Open("mysql", cfg.DB.DSN())
	if err != nil {
		log.WithError(err).Error("Failed to open the hosting database")
		os.Exit(1)
	}
	defer db.Close()
	db.SetConnMaxLifetime(3 * time.Minute)
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		log.WithError(err).Error("Failed to reach the hosting database")
		log.Info("Make sure the database is running and the DB_* settings are correct")
		os.Exit(1)
	}

	// Wire the VM directory, with a read-through cache when enabled
	var resolver directory.Resolver = directory.NewSQLResolver(db)
	if cfg.Limits.ResolverCacheSize > 0 {
		resolver = directory.NewCachingResolver(resolver,
			cfg.Limits.ResolverCacheSize, cfg.Limits.ResolverCacheTTL)
	}

	sink := audit.NewSQLSink(db, cfg.Limits.MaxCommandLength)

	if err := os.MkdirAll(cfg.SessionLogDir, 0o755); err != nil {
		log.WithError(err).Error("Failed to create the session log directory")
		os.Exit(1)
	}

	// Load or generate the host key presented to downstream clients
	hostKey, err := proxy.LoadHostKey(cfg.ServerKeyFile)
	if err != nil {
		log.WithError(err).Error("Failed to load the host key")
		os.Exit(1)
	}

	registry := session.NewRegistry(cfg.Limits.MaxConnections)

	server, err := proxy.NewServer(cfg, registry, resolver, sink, hostKey)
	if err != nil {
		log.WithError(err).Error("Failed to create the gateway server")
		os.Exit(1)
	}

	// Set up signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	// Start server in goroutine
	errChan := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.Addr()).Info("sshgate listening")
		if err := server.ListenAndServe(); err != nil {
			errChan <- err
		}
	}()

	// Wait for shutdown signal or error
	var serveErr error
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig.String()).Info("Received shutdown signal")
	case serveErr = <-errChan:
		log.WithError(serveErr).Error("Server error")
	}

	// Graceful shutdown: stop accepting, tear down live sessions
	log.Info("Shutting down...")
	if err := server.Close(); err != nil {
		log.WithError(err).Warn("Error stopping server")
	}

	log.Info("sshgate stopped")
	if serveErr != nil {
		os.Exit(1)
	}
}

func parseFlags() (*proxy.Config, bool) {
	// A .env file supplies environment defaults when present.
	_ = godotenv.Load()

	cfg := proxy.DefaultConfig()

	flag.StringVar(&cfg.BindAddress, "bind", cfg.BindAddress, "Listen address")
	flag.IntVar(&cfg.BindPort, "port", cfg.BindPort, "Listen port")
	flag.StringVar(&cfg.ServerKeyFile, "key", cfg.ServerKeyFile, "Host key file")
	flag.StringVar(&cfg.SessionLogDir, "logdir", cfg.SessionLogDir, "Session log directory")
	flag.IntVar(&cfg.TargetPort, "target-port", cfg.TargetPort, "SSH port dialed on target VMs")
	flag.IntVar(&cfg.Limits.MaxConnections, "max-conns", cfg.Limits.MaxConnections, "Maximum concurrent connections")
	flag.StringVar(&cfg.DB.Host, "db-host", cfg.DB.Host, "Database host")
	flag.IntVar(&cfg.DB.Port, "db-port", cfg.DB.Port, "Database port")
	flag.StringVar(&cfg.DB.Username, "db-user", cfg.DB.Username, "Database username")
	flag.StringVar(&cfg.DB.Password, "db-pass", cfg.DB.Password, "Database password")
	flag.StringVar(&cfg.DB.Name, "db-name", cfg.DB.Name, "Database name")
	debug := flag.Bool("debug", false, "Enable debug logging")

	showVersion := flag.Bool("version", false, "Show version information")
	showHelp := flag.Bool("help", false, "Show help message")

	flag.Parse()

	if *showVersion {
		fmt.Printf("sshgate %s\n", Version)
		fmt.Printf("Build time: %s\n", BuildTime)
		fmt.Printf("Git commit: %s\n", GitCommit)
		os.Exit(0)
	}

	if *showHelp {
		fmt.Println("sshgate - transparent SSH gateway for hosted VMs")
		fmt.Println()
		fmt.Println("Usage: sshgate [flags]")
		fmt.Println()
		fmt.Println("Flags:")
		flag.PrintDefaults()
		fmt.Println()
		fmt.Println("Environment variables:")
		fmt.Println("  BIND_ADDRESS        Listen address (overrides -bind)")
		fmt.Println("  BIND_PORT           Listen port (overrides -port)")
		fmt.Println("  SERVER_KEY_FILE     Host key file (overrides -key)")
		fmt.Println("  SESSION_LOG_DIR     Session log directory (overrides -logdir)")
		fmt.Println("  TARGET_SSH_PORT     SSH port dialed on target VMs (overrides -target-port)")
		fmt.Println("  MAX_CONNECTIONS     Maximum concurrent connections (overrides -max-conns)")
		fmt.Println("  MAX_COMMAND_LENGTH  Longest command stored in one audit row")
		fmt.Println("  DB_HOST             Database host (overrides -db-host)")
		fmt.Println("  DB_PORT             Database port (overrides -db-port)")
		fmt.Println("  DB_USERNAME         Database username (overrides -db-user)")
		fmt.Println("  DB_PASSWORD         Database password (overrides -db-pass)")
		fmt.Println("  DB_NAME             Database name (overrides -db-name)")
		fmt.Println("  LOG_LEVEL           Log level (trace, debug, info, warn, error)")
		fmt.Println("  DEBUG               Enable debug logging (overrides -debug)")
		os.Exit(0)
	}

	// Override with environment variables if set
	if env := os.Getenv("BIND_ADDRESS"); env != "" {
		cfg.BindAddress = env
	}
	if env := os.Getenv("BIND_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil {
			cfg.BindPort = port
		}
	}
	if env := os.Getenv("SERVER_KEY_FILE"); env != "" {
		cfg.ServerKeyFile = env
	}
	if env := os.Getenv("SESSION_LOG_DIR"); env != "" {
		cfg.SessionLogDir = env
	}
	if env := os.Getenv("TARGET_SSH_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil {
			cfg.TargetPort = port
		}
	}
	if env := os.Getenv("MAX_CONNECTIONS"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			cfg.Limits.MaxConnections = n
		}
	}
	if env := os.Getenv("MAX_COMMAND_LENGTH"); env != "" {
		if n, err := strconv.Atoi(env); err == nil {
			cfg.Limits.MaxCommandLength = n
		}
	}
	if env := os.Getenv("DB_HOST"); env != "" {
		cfg.DB.Host = env
	}
	if env := os.Getenv("DB_PORT"); env != "" {
		if port, err := strconv.Atoi(env); err == nil {
			cfg.DB.Port = port
		}
	}
	if env := os.Getenv("DB_USERNAME"); env != "" {
		cfg.DB.Username = env
	}
	if env := os.Getenv("DB_PASSWORD"); env != "" {
		cfg.DB.Password = env
	}
	if env := os.Getenv("DB_NAME"); env != "" {
		cfg.DB.Name = env
	}
	debugEnv := os.Getenv("DEBUG") != ""

	return cfg, *debug || debugEnv
}
