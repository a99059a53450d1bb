// Batchlink - plant floor edge controller
//
// Bridges field bus data points (Modbus, OPC UA, EtherNet/IP) to a local
// production state machine, safety rule engine, and an offline-tolerant
// sync queue toward the central plant server.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"batchlink/api"
	"batchlink/config"
	"batchlink/engine"
	"batchlink/logging"
)

// Version is set at build time via -ldflags
var Version = "dev"

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "", "Enable debug logging to debug.log (comma-separated categories, or 'all')")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("batchlink %s\n", Version)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Override API config from flags (in memory only)
	if *httpPort != 0 {
		cfg.API.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.API.Host = *httpHost
	}
	if *noAPI {
		cfg.API.Enabled = false
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	// Optional log file
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening log file: %v\n", err)
			os.Exit(1)
		}
		defer fileLogger.Close()
	}

	// Optional debug logging with category filters
	if *logDebug != "" {
		debugLogger, err := logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error opening debug log: %v\n", err)
			os.Exit(1)
		}
		filter := *logDebug
		if filter == "all" || filter == "true" || filter == "1" {
			filter = ""
		}
		debugLogger.SetFilter(filter)
		logging.SetGlobalDebugLogger(debugLogger)
		defer debugLogger.Close()
	}

	logFn := func(format string, args ...interface{}) {
		fmt.Printf(format+"\n", args...)
		if fileLogger != nil {
			fileLogger.Log(format, args...)
		}
	}

	eng := engine.New(engine.Config{
		AppConfig:  cfg,
		ConfigPath: *configPath,
		LogFunc:    logFn,
	})
	if err := eng.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Engine failed to start: %v\n", err)
		os.Exit(1)
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		apiServer = api.NewServer(eng, &cfg.API)
		if err := apiServer.Start(); err != nil {
			logFn("REST API failed to start: %v", err)
		} else {
			logFn("REST API listening on %s", apiServer.Address())
		}
	}

	logFn("batchlink %s started (namespace: %s)", Version, cfg.Namespace)

	// Block until interrupted
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logFn("Shutting down")
	if apiServer != nil {
		apiServer.Stop()
	}
	eng.Stop()
}
