// Command parley-server runs the Parley chat fan-out server: a websocket
// endpoint that authenticates clients, persists their conversation events,
// and broadcasts them to everyone subscribed.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/parley-chat/parley/pkg/server"
)

var version = "dev"

func main() {
	configPath := flag.String("config", "~/.parley/server.toml", "Path to config file")
	port := flag.Int("port", 0, "Websocket port (overrides config)")
	dbPath := flag.String("db", "", "Database path (overrides config)")
	debug := flag.Bool("debug", false, "Enable debug logging")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("parley-server %s\n", version)
		return
	}

	tomlConfig, err := server.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	config := tomlConfig.ToServerConfig()
	if *port != 0 {
		config.Port = *port
	}

	databasePath := *dbPath
	if databasePath == "" {
		databasePath, err = tomlConfig.GetDatabasePath()
		if err != nil {
			log.Fatalf("Failed to resolve database path: %v", err)
		}
	}

	srv, err := server.NewServer(databasePath, config)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}
	if *debug {
		srv.EnableDebugLogging()
	}

	if err := srv.Start(); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Printf("parley-server %s started (db: %s)", version, databasePath)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Printf("Received %v, shutting down", sig)

	if err := srv.Stop(); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
}
